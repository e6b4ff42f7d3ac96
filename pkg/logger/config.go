package logger

import "go.uber.org/zap/zapcore"

// Config 日志配置
type Config struct {
	Level  Level  `mapstructure:"level"`  // 日志级别（默认 info）
	Format Format `mapstructure:"format"` // 日志格式（json/console，默认 json）

	Console bool          `mapstructure:"console"` // 是否输出到控制台
	File    string        `mapstructure:"file"`    // 文件路径（空则不输出到文件）
	Rotate  *RotateConfig `mapstructure:"rotate"`  // 轮转配置（nil 则不轮转）

	// Sampling 高频连接日志采样（nil 则不采样）
	Sampling *SamplingConfig `mapstructure:"sampling"`

	EnableCaller     bool `mapstructure:"enableCaller"`
	EnableStacktrace bool `mapstructure:"enableStacktrace"` // Error 及以上记录堆栈

	EncoderConfig *zapcore.EncoderConfig `mapstructure:"-"`
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	if c.Format == "" {
		c.Format = JSONFormat
	}
	if !c.Console && c.File == "" && c.Rotate == nil {
		c.Console = true
	}
}
