package linkd

import (
	"reflect"

	"go.uber.org/zap"
)

// Reload 应用热更新的配置
//
// 仅日志级别与处理器覆盖即时生效，其余变更记录告警，重启后生效。
func (e *Engine) Reload(prev, next *Config) {
	if next == nil {
		return
	}
	if prev == nil {
		prev = e.config
	}

	if prev.Logger.Level != next.Logger.Level {
		e.log.SetLevel(next.Logger.Level)
		e.log.Info("log level changed",
			zap.Stringer("from", prev.Logger.Level),
			zap.Stringer("to", next.Logger.Level))
	}

	if !reflect.DeepEqual(prev.WS.Handlers, next.WS.Handlers) {
		if err := e.gateway.SetHandlerOverrides(next.WS.Handlers); err != nil {
			e.log.Error("apply handler overrides failed", zap.Error(err))
		} else {
			e.log.Info("handler overrides reloaded", zap.Int("count", len(next.WS.Handlers)))
		}
	}

	if restartRequired(prev, next) {
		e.log.Warn("configuration changed, restart required to apply")
	}
}

// restartRequired 除可热更新字段外是否有其他变更
func restartRequired(prev, next *Config) bool {
	a, b := *prev, *next
	a.Logger.Level, b.Logger.Level = 0, 0
	a.WS.Handlers, b.WS.Handlers = nil, nil
	return !reflect.DeepEqual(a, b)
}
