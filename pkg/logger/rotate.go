package logger

import "gopkg.in/natefinch/lumberjack.v2"

// RotateConfig 文件轮转配置
type RotateConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"maxSize"`    // 单文件最大大小（MB，默认 100）
	MaxAge     int    `mapstructure:"maxAge"`     // 保留天数（默认 7）
	MaxBackups int    `mapstructure:"maxBackups"` // 最多保留文件数（默认 10）
	Compress   bool   `mapstructure:"compress"`
}

func (r *RotateConfig) writer() *lumberjack.Logger {
	if r.MaxSize == 0 {
		r.MaxSize = 100
	}
	if r.MaxAge == 0 {
		r.MaxAge = 7
	}
	if r.MaxBackups == 0 {
		r.MaxBackups = 10
	}
	return &lumberjack.Logger{
		Filename:   r.Filename,
		MaxSize:    r.MaxSize,
		MaxAge:     r.MaxAge,
		MaxBackups: r.MaxBackups,
		LocalTime:  true,
		Compress:   r.Compress,
	}
}
