package logger

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// SamplingConfig 采样配置，用于压制广播风暴时的重复日志
type SamplingConfig struct {
	Initial    int `mapstructure:"initial"`    // 每秒前 N 条必定记录
	Thereafter int `mapstructure:"thereafter"` // 之后每 M 条记录 1 条
}

func (s *SamplingConfig) wrap(core zapcore.Core) zapcore.Core {
	initial, thereafter := s.Initial, s.Thereafter
	if initial <= 0 {
		initial = 100
	}
	if thereafter <= 0 {
		thereafter = 100
	}
	return zapcore.NewSamplerWithOptions(core, time.Second, initial, thereafter)
}
