package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nexlearn/modelflow/dispatch"

// Observability 持有分发层的 otel tracer/meter。导出器的装配
// 属于宿主服务，这里只通过 API 记录。
type Observability struct {
	tracer trace.Tracer
	meter  metric.Meter

	dispatchTotal metric.Int64Counter
}

// NewObservability 创建观测埋点。计数器创建失败时退化为 nil
// 并跳过记录，不影响分发本身。
func NewObservability() *Observability {
	o := &Observability{
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	o.dispatchTotal, _ = o.meter.Int64Counter("dispatch.request.total",
		metric.WithDescription("Total dispatch requests"),
		metric.WithUnit("{request}"))
	return o
}

// StartDispatch 为一次分发打开 span 并累加请求计数。
func (o *Observability) StartDispatch(ctx context.Context, platform, model string, hasVoice bool) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("dispatch.platform", platform),
		attribute.String("dispatch.model", model),
		attribute.Bool("dispatch.has_voice", hasVoice),
	}
	if o.dispatchTotal != nil {
		o.dispatchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return o.tracer.Start(ctx, "dispatch.call", trace.WithAttributes(attrs...))
}
