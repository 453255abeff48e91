package storage

import (
	"context"
	"errors"

	"chunkvault/pkg/core"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/mmap"
	"chunkvault/pkg/types"
)

var (
	ErrNotFound      = fault.New(fault.NotFound, "storage", errors.New("object not found"))
	ErrAmbiguousHash = errors.New("ambiguous hash prefix")
	ErrNotMappable   = errors.New("object payload cannot be mapped")
	ErrNotWalkable   = errors.New("store cannot enumerate objects")
)

// Raw 是从存储中取回的对象：类型标签加解压后的规范字节
type Raw struct {
	Kind core.ObjectType
	Data []byte
}

// Store 是内容寻址的对象存储。
// 实现可以是本地磁盘、S3、内存或者带缓存的装饰器。
// 对象一旦写入就不可变；存储只追加，不删除。
type Store interface {
	// Put 写入对象 (put-if-absent)。
	// 返回对象 ID 以及这次调用是否真正写入了数据；已存在时是无副作用的 no-op。
	// 实现必须在返回前消费完 obj.Bytes()，调用方随后可能释放它 (例如 mmap 区域)。
	Put(ctx context.Context, obj core.Object) (types.Hash, bool, error)

	// Get 读取对象，不存在时返回包裹 ErrNotFound 的错误
	Get(ctx context.Context, id types.Hash) (*Raw, error)

	// Has 检查对象是否存在 (用于去重与协商)
	Has(ctx context.Context, id types.Hash) (bool, error)

	// ExpandHash 把用户输入的短哈希展开为唯一的完整 ID
	ExpandHash(ctx context.Context, prefix types.HashPrefix) (types.Hash, error)
}

// Mapper 是可选能力：以零拷贝方式映射一个未压缩对象的 payload
type Mapper interface {
	Map(ctx context.Context, id types.Hash) (*mmap.View, error)
}

// Walker 是可选能力：枚举存储中的全部对象 ID
type Walker interface {
	Walk(ctx context.Context, fn func(types.Hash) error) error
}
