package meta

import (
	"time"

	"gorm.io/datatypes"
)

// Ref 存储一个命名引用 (例如 "refs/heads/main"、"refs/remotes/origin/main")
type Ref struct {
	// Name 是主键
	Name string `gorm:"primaryKey;type:varchar(255)"`

	// CommitHash 是当前指向的 Commit ID (hex)
	CommitHash string `gorm:"type:char(64);not null"`

	// Version 用于乐观锁并发控制 (CAS)，每次更新 +1
	Version int64 `gorm:"default:1"`

	UpdatedAt time.Time
}

// CommitModel 是 core.Commit 在关系型数据库中的投影 (索引)，
// 用于按作者、时间查询历史。对象本身仍以存储中的字节为准。
type CommitModel struct {
	Hash string `gorm:"primaryKey;type:char(64)"`

	Author    string `gorm:"index;type:varchar(100)"`
	Message   string `gorm:"type:text"`
	Timestamp int64  `gorm:"index"`

	TreeHash string `gorm:"type:char(64);not null"`

	// Parents 以 JSON 数组存储，支持多父节点
	Parents datatypes.JSON

	CreatedAt time.Time
}

// TableName 强制指定表名
func (CommitModel) TableName() string {
	return "commits"
}
