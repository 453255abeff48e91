package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chunkvault/pkg/core"
	"chunkvault/pkg/types"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRefNotFound      = errors.New("reference not found")
	ErrConcurrentUpdate = errors.New("concurrent update detected (CAS failed)")
	ErrCommitNotFound   = errors.New("commit not found in metadata")
)

// Repository 封装所有对 SQL 数据库的操作
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// -----------------------------------------------------------------------------
// 1. 引用管理 (Refs / Branches)
// -----------------------------------------------------------------------------

// GetRef 获取引用的当前指向和版本号
func (r *Repository) GetRef(ctx context.Context, name string) (*Ref, error) {
	var ref Ref
	err := r.db.GetConn().WithContext(ctx).
		Where("name = ?", name).
		First(&ref).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRefNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// ListRefs 按名字排序返回以 prefix 开头的全部引用
func (r *Repository) ListRefs(ctx context.Context, prefix string) ([]Ref, error) {
	var refs []Ref
	q := r.db.GetConn().WithContext(ctx).Order("name")
	if prefix != "" {
		q = q.Where(`name LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	}
	if err := q.Find(&refs).Error; err != nil {
		return nil, err
	}
	return refs, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}

// UpdateRef 原子更新引用 (CAS - Compare And Swap)
// oldVersion: 之前读到的版本号；为 0 表示引用必须还不存在。
// 数据库里的版本号不等于它时返回 ErrConcurrentUpdate。
func (r *Repository) UpdateRef(ctx context.Context, name string, newHash types.Hash, oldVersion int64) error {
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 场景 A: 第一次创建 (Create)
		if oldVersion == 0 {
			ref := Ref{
				Name:       name,
				CommitHash: newHash.String(),
				Version:    1,
			}
			if err := tx.Create(&ref).Error; err != nil {
				// 兼容不同数据库 (PG 与 SQLite) 的唯一约束错误
				if errors.Is(err, gorm.ErrDuplicatedKey) ||
					strings.Contains(err.Error(), "UNIQUE constraint failed") {
					return ErrConcurrentUpdate
				}
				return fmt.Errorf("failed to create ref: %w", err)
			}
			return nil
		}

		// 场景 B: 更新现有引用
		// SQL: UPDATE refs SET commit_hash = ?, version = version + 1 WHERE name = ? AND version = ?
		result := tx.Model(&Ref{}).
			Where("name = ? AND version = ?", name, oldVersion).
			Updates(map[string]any{
				"commit_hash": newHash.String(),
				"version":     gorm.Expr("version + 1"),
				"updated_at":  time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}

		// 影响行数为 0 说明 version 不匹配 (被人抢先改了)
		if result.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		return nil
	})
}

// DeleteRef 在版本号匹配时删除引用
func (r *Repository) DeleteRef(ctx context.Context, name string, version int64) error {
	result := r.db.GetConn().WithContext(ctx).
		Where("name = ? AND version = ?", name, version).
		Delete(&Ref{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

// -----------------------------------------------------------------------------
// 2. 提交索引 (Commit Indexing)
// -----------------------------------------------------------------------------

// IndexCommit 将 core.Commit 投影到 SQL 数据库中 (幂等)
func (r *Repository) IndexCommit(ctx context.Context, c *core.Commit) error {
	// 1. 转换 Parents -> JSON
	parents := make([]string, 0, len(c.Parents))
	for _, p := range c.ParentIDs() {
		parents = append(parents, p.String())
	}
	parentsJSON, err := json.Marshal(parents)
	if err != nil {
		return fmt.Errorf("failed to marshal parents: %w", err)
	}

	// 2. 构造 Model
	model := CommitModel{
		Hash:      c.ID().String(),
		Author:    c.Author,
		Message:   c.Message,
		Timestamp: c.Timestamp,
		TreeHash:  c.Tree().String(),
		Parents:   datatypes.JSON(parentsJSON),
		CreatedAt: c.Time(),
	}

	// 3. Hash 已存在时什么都不做
	err = r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hash"}},
			DoNothing: true,
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to index commit: %w", err)
	}
	return nil
}

func (r *Repository) GetCommit(ctx context.Context, hash types.Hash) (*CommitModel, error) {
	var commit CommitModel
	err := r.db.GetConn().WithContext(ctx).
		Where("hash = ?", hash.String()).
		First(&commit).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCommitNotFound
	}
	if err != nil {
		return nil, err
	}
	return &commit, nil
}

// FindCommitsByAuthor 按时间倒序返回某个作者的提交，limit <= 0 表示不限
func (r *Repository) FindCommitsByAuthor(ctx context.Context, author string, limit int) ([]CommitModel, error) {
	var commits []CommitModel
	q := r.db.GetConn().WithContext(ctx).
		Where("author = ?", author).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&commits).Error
	return commits, err
}
