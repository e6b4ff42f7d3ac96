package tracing

import (
	"fmt"
	"time"
)

// 导出器类型
const (
	ExporterOTLPHTTP = "otlp"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterStdout   = "stdout"
	ExporterNoop     = "noop"
)

// Config 链路追踪配置
type Config struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"serviceName"`
	ServiceVersion string `mapstructure:"serviceVersion"`
	Environment    string `mapstructure:"environment"`

	// 导出器（otlp/otlp-grpc/stdout/noop）
	Exporter string            `mapstructure:"exporter"`
	Endpoint string            `mapstructure:"endpoint"`
	Headers  map[string]string `mapstructure:"headers"`
	Insecure bool              `mapstructure:"insecure"`

	// 采样（always/never/ratio/parent_based）
	SamplingType string  `mapstructure:"samplingType"`
	SamplingRate float64 `mapstructure:"samplingRate"`

	BatchTimeout time.Duration `mapstructure:"batchTimeout"`
	MaxQueueSize int           `mapstructure:"maxQueueSize"`
}

// DefaultConfig 返回默认配置，默认不导出
func DefaultConfig() *Config {
	return &Config{
		ServiceName:  "linkd",
		Exporter:     ExporterNoop,
		SamplingType: "parent_based",
		SamplingRate: 1.0,
		BatchTimeout: 5 * time.Second,
		MaxQueueSize: 2048,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("tracing: service name is required")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("tracing: sampling rate must be between 0.0 and 1.0")
	}
	switch c.Exporter {
	case ExporterOTLPHTTP, ExporterOTLPGRPC, ExporterStdout, ExporterNoop, "":
	default:
		return fmt.Errorf("tracing: invalid exporter %q", c.Exporter)
	}
	return nil
}
