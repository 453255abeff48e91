package core

import (
	"fmt"

	"chunkvault/pkg/digest"
	"chunkvault/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// 定义符合 DAG-CBOR 规范的编码选项
var encOptions = cbor.EncOptions{
	// 1. 强制 Map Key 排序 (Canonical)
	// 保证相同的对象生成唯一的 Hash
	Sort: cbor.SortCanonical,

	// 2. 浮点数必须使用 64 位表示
	ShortestFloat: cbor.ShortestFloatNone,

	// 3. 时间格式化为 Unix 整数，禁止 Tag 0/1
	Time:    cbor.TimeUnix,
	TimeTag: cbor.EncTagNone,

	// 4. 禁止不定长编码
	IndefLength: cbor.IndefLengthForbidden,

	BigIntConvert: cbor.BigIntConvertShortest,
}

// 全局复用的编码模式
var em, _ = encOptions.EncMode()

var decOptions = cbor.DecOptions{
	// 限制容器大小和嵌套深度。一个几十 GB 的文件可能有上百万个 chunk，
	// 所以数组上限要比普通元数据宽松得多。
	MaxArrayElements: 1 << 24,
	MaxMapPairs:      1 << 16,
	MaxNestedLevels:  64,

	IndefLength: cbor.IndefLengthForbidden,

	// DAG-CBOR 不允许重复 Key
	DupMapKey: cbor.DupMapKeyEnforcedAPF,

	BignumTag: cbor.BignumTagForbidden,
	TimeTag:   cbor.DecTagIgnored,
}

var dm, _ = decOptions.DecMode()

// Marshal 用规范模式编码任意值 (远端协议的控制消息也复用它)
func Marshal(v any) ([]byte, error) {
	return em.Marshal(v)
}

// Unmarshal 用严格模式解码
func Unmarshal(data []byte, v any) error {
	return dm.Unmarshal(data, v)
}

// Digest 计算对象 ID：digest(typeTag || payload)。
// 类型标签参与摘要，不同类型的对象即使字节相同 ID 也不同。
func Digest(alg digest.Algorithm, t ObjectType, payload []byte) types.Hash {
	return alg.Sum([]byte{t.Tag()}, payload)
}

// Verify 检查 payload 是否与声明的 ID 相符
func Verify(alg digest.Algorithm, t ObjectType, id types.Hash, payload []byte) bool {
	return Digest(alg, t, payload) == id
}

// seal 编码结构化对象并计算其 ID
func seal(alg digest.Algorithm, t ObjectType, v any) (types.Hash, []byte, error) {
	data, err := em.Marshal(v)
	if err != nil {
		return types.ZeroHash, nil, fmt.Errorf("failed to marshal %s: %w", t, err)
	}
	return Digest(alg, t, data), data, nil
}
