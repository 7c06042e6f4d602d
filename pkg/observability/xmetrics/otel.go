package xmetrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultInstrumentationName = "github.com/omeyang/xcoord/xmetrics"

	metricEventsTotal       = "xcoord.events.total"
	metricExecutionDuration = "xcoord.execution.duration"
)

type otelConfig struct {
	instrumentationName string
	meterProvider       metric.MeterProvider
}

// Option OTelEmitter 配置选项。
type Option func(*otelConfig)

// WithInstrumentationName 设置 instrumentation 名称。
func WithInstrumentationName(name string) Option {
	return func(cfg *otelConfig) {
		if name != "" {
			cfg.instrumentationName = name
		}
	}
}

// WithMeterProvider 设置 MeterProvider，默认使用全局 provider。
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(cfg *otelConfig) {
		if provider != nil {
			cfg.meterProvider = provider
		}
	}
}

// OTelEmitter 把事件记为 OpenTelemetry 指标。
//
// 计数器维度只使用低基数字段（kind、job、code），executionID 与 token 不进入指标。
type OTelEmitter struct {
	total    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewOTelEmitter 创建指标输出端。
func NewOTelEmitter(opts ...Option) (*OTelEmitter, error) {
	cfg := &otelConfig{
		instrumentationName: defaultInstrumentationName,
		meterProvider:       otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	meter := cfg.meterProvider.Meter(cfg.instrumentationName)

	total, err := meter.Int64Counter(
		metricEventsTotal,
		metric.WithDescription("coordination events by kind"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("xmetrics: create counter failed: %w", err)
	}
	duration, err := meter.Float64Histogram(
		metricExecutionDuration,
		metric.WithDescription("job execution duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("xmetrics: create histogram failed: %w", err)
	}
	return &OTelEmitter{total: total, duration: duration}, nil
}

// Emit 实现 Emitter。
func (o *OTelEmitter) Emit(ctx context.Context, e Event) {
	attrs := []attribute.KeyValue{attribute.String("kind", string(e.Kind))}
	if e.JobName != "" {
		attrs = append(attrs, attribute.String("job", e.JobName))
	}
	if e.Code != "" {
		attrs = append(attrs, attribute.String("code", e.Code))
	}
	set := metric.WithAttributes(attrs...)
	o.total.Add(ctx, 1, set)

	if e.Duration > 0 && (e.Kind == KindExecutionCompleted || e.Kind == KindExecutionFailed) {
		o.duration.Record(ctx, e.Duration.Seconds(), set)
	}
}
