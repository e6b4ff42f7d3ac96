package audit

import (
	"context"

	"github.com/multpex/linkd/pkg/logger"
	"github.com/multpex/linkd/pkg/ws"
)

// Service 组合存储、事件记录与保留清理
type Service struct {
	store     *Store
	recorder  *Recorder
	retention *Retention
}

// New 按配置打开数据库并创建审计服务
func New(cfg *Config, log logger.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	db, err := Open(cfg, log)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(db)
	if err != nil {
		if sqlDB, e := db.DB(); e == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}

	s := &Service{
		store:    store,
		recorder: NewRecorder(store, log, cfg.WriteTimeout),
	}
	if cfg.Retention > 0 {
		s.retention, err = NewRetention(store, cfg.Retention, cfg.PurgeSchedule, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return s, nil
}

// Attach 订阅网关事件并启动清理调度
func (s *Service) Attach(gw *ws.Gateway) {
	s.recorder.Attach(gw)
	if s.retention != nil {
		s.retention.Start()
	}
}

// Store 底层存储
func (s *Service) Store() *Store {
	return s.store
}

// Close 停止清理调度并关闭数据库，须在网关关闭之后调用
func (s *Service) Close(ctx context.Context) error {
	if s.retention != nil {
		if err := s.retention.Stop(ctx); err != nil {
			return err
		}
	}
	return s.store.Close()
}
