package tracing

import (
	"os"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// newSampler 根据配置创建采样器
// 设置了 OTEL_TRACES_SAMPLER 时交由 SDK 读取环境变量
func newSampler(cfg *Config) sdktrace.Sampler {
	if os.Getenv("OTEL_TRACES_SAMPLER") != "" {
		return nil
	}
	switch cfg.SamplingType {
	case "always":
		return sdktrace.AlwaysSample()
	case "never":
		return sdktrace.NeverSample()
	case "ratio":
		return sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))
	}
}
