package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Query 会话查询条件
type Query struct {
	Subject  string
	OpenOnly bool
	Since    time.Time // ConnectedAt >= Since
	Limit    int       // 0 表示默认 100
}

// Store 会话审计存储
type Store struct {
	db     *gorm.DB
	closed atomic.Bool
}

// NewStore 创建存储并迁移表结构
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Session{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Opened 记录连接建立
//
// 断开事件可能先于建立事件写入，已存在的记录不会被覆盖。
func (s *Store) Opened(ctx context.Context, sess *Session) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "conn_id"}}, DoNothing: true}).
		Create(sess).Error
}

// Closed 记录连接断开，记录不存在时补写完整记录
func (s *Store) Closed(ctx context.Context, sess *Session) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if sess.DisconnectedAt == nil {
		now := time.Now()
		sess.DisconnectedAt = &now
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Session{}).
			Where("conn_id = ?", sess.ConnID).
			Select("disconnected_at", "rooms", "reason").
			Updates(&Session{
				DisconnectedAt: sess.DisconnectedAt,
				Rooms:          sess.Rooms,
				Reason:         sess.Reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return tx.Create(sess).Error
	})
}

// Get 按连接 ID 查询
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).Where("conn_id = ?", connID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// List 按条件查询，按建立时间倒序
func (s *Store) List(ctx context.Context, q Query) ([]Session, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	tx := s.db.WithContext(ctx).Model(&Session{})
	if q.Subject != "" {
		tx = tx.Where("subject = ?", q.Subject)
	}
	if q.OpenOnly {
		tx = tx.Where("disconnected_at IS NULL")
	}
	if !q.Since.IsZero() {
		tx = tx.Where("connected_at >= ?", q.Since)
	}

	var out []Session
	err := tx.Order("connected_at DESC").Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Purge 删除 before 之前断开的会话，返回删除条数
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	res := s.db.WithContext(ctx).
		Where("disconnected_at IS NOT NULL AND disconnected_at < ?", before).
		Delete(&Session{})
	return res.RowsAffected, res.Error
}

// Ping 检测数据库连通性
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
