package wire

import (
	"errors"

	"chunkvault/pkg/fault"
	"chunkvault/pkg/types"
)

// Op 是一次会话的方向 (从客户端视角)
type Op string

const (
	OpFetch Op = "fetch"
	OpPush  Op = "push"
)

// MaxOfferBatch 是一条 Offer 中最多携带的 ID 数
const MaxOfferBatch = 4096

// Ref 是一个命名引用
type Ref struct {
	Name string     `cbor:"n"`
	ID   types.Hash `cbor:"i"`
}

// ChunkerInfo 描述切分参数，只用于诊断：参数不同不影响正确性，只影响去重率
type ChunkerInfo struct {
	Method  string `cbor:"m"`
	MinSize int    `cbor:"lo"`
	AvgSize int    `cbor:"av"`
	MaxSize int    `cbor:"hi"`
}

// Hello 是握手消息，双方各发一次
type Hello struct {
	Version   int         `cbor:"v"`
	Algorithm string      `cbor:"alg"`
	Chunker   ChunkerInfo `cbor:"ch"`
	Op        Op          `cbor:"op"`
	Session   string      `cbor:"sid"`
	Refs      []Ref       `cbor:"refs"` // 服务端：可供 fetch 的分支
	Want      []string    `cbor:"want"` // 客户端 fetch：想要的分支，空表示全部
}

// Offer 是发送方在某一层提供的一批 ID
type Offer struct {
	Level uint8        `cbor:"l"` // 对象类型标签：commit、tree、filenode、chunk
	IDs   []types.Hash `cbor:"ids"`
}

// Need 是接收方对一条 Offer 的回答：其中缺失的 ID
type Need struct {
	IDs []types.Hash `cbor:"ids"`
}

// Begin 宣布协商结束、传输开始
type Begin struct {
	Objects int `cbor:"n"`
}

// Ack 回应 TransferEnd：被拒绝、需要重传的 ID
type Ack struct {
	Rejected []types.Hash `cbor:"rej"`
}

// Verify 是接收方最后的检查结果：协商过但仍缺失的 ID
type Verify struct {
	Missing []types.Hash `cbor:"miss"`
}

// RefChange 是 push 请求的一条引用更新
type RefChange struct {
	Name string     `cbor:"n"`
	Old  types.Hash `cbor:"o"` // 客户端认为的远端当前值，零值表示新建
	New  types.Hash `cbor:"w"`
}

// RefUpdate 是 push 结束时的引用更新请求
type RefUpdate struct {
	Changes []RefChange `cbor:"c"`
}

// RefStatus 是一条引用更新的结果
type RefStatus struct {
	Name   string `cbor:"n"`
	OK     bool   `cbor:"ok"`
	Reason string `cbor:"r,omitempty"`
}

// RefResult 回应 RefUpdate
type RefResult struct {
	Results []RefStatus `cbor:"res"`
}

// Error 把失败原因传给对端
type Error struct {
	Kind      uint8  `cbor:"k"`
	Retryable bool   `cbor:"rt"`
	Message   string `cbor:"m"`
}

// ErrorFrom 把本地错误转换成 Error 消息
func ErrorFrom(err error) *Error {
	return &Error{
		Kind:      uint8(fault.KindOf(err)),
		Retryable: fault.IsRetryable(err),
		Message:   err.Error(),
	}
}

// Err 把 Error 消息还原成本地错误，保留类别和重试语义
func (e *Error) Err() error {
	err := errors.New("remote: " + e.Message)
	if e.Retryable {
		return fault.New(fault.Kind(e.Kind), "remote", err)
	}
	return fault.Fatal(fault.Kind(e.Kind), "remote", err)
}
