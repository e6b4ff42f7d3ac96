package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/multpex/linkd/pkg/logger"
)

// Retention 定时清理过期会话
type Retention struct {
	store  *Store
	maxAge time.Duration
	cron   *cron.Cron
	log    logger.Logger
	now    func() time.Time
}

// NewRetention 按 schedule（带秒的 cron 表达式）清理 maxAge 之前断开的会话
func NewRetention(store *Store, maxAge time.Duration, schedule string, log logger.Logger) (*Retention, error) {
	if log == nil {
		log = logger.Nop()
	}
	r := &Retention{
		store:  store,
		maxAge: maxAge,
		log:    log.Named("audit.retention"),
		now:    time.Now,
	}

	cl := cronLogger{log: r.log}
	r.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("%w: purge schedule: %v", ErrInvalidConfig, err)
	}
	return r, nil
}

// Start 启动调度
func (r *Retention) Start() {
	r.cron.Start()
}

// Stop 停止调度并等待正在执行的清理结束
func (r *Retention) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PurgeNow 立即清理一次
func (r *Retention) PurgeNow(ctx context.Context) (int64, error) {
	return r.store.Purge(ctx, r.now().Add(-r.maxAge))
}

func (r *Retention) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := r.PurgeNow(ctx)
	if err != nil {
		r.log.Error("purge failed", zap.Error(err))
		return
	}
	r.log.Info("purged expired sessions", zap.Int64("deleted", n), zap.Duration("max_age", r.maxAge))
}

// cronLogger 适配 cron.Logger
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
