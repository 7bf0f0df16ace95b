package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Router 是分发层对上的唯一入口：注册表选择 + 分发器调用 +
// 观测埋点。Router 自身无每请求可变状态，可被任意并发使用。
type Router struct {
	registry *Registry
	logger   *zap.Logger
	obs      *Observability
}

// NewRouter 创建 Router。logger 为 nil 时使用 Nop。
func NewRouter(registry *Registry, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry: registry,
		logger:   logger,
		obs:      NewObservability(),
	}
}

// Dispatch 选择分发器并发起调用，返回有序响应事件序列。
// 非流式调用由分发器合成两事件序列（一个 text、一个 done）。
//
// 选择失败与调用前失败直接返回 error；流开始后的失败以类型化
// 事件出现在通道中。
func (rt *Router) Dispatch(ctx context.Context, req CallRequest) (<-chan Event, error) {
	requestID := uuid.NewString()
	platform := req.Config.Platform
	model := req.Config.Model

	ctx, span := rt.obs.StartDispatch(ctx, platform, model, req.HasVoice())
	defer span.End()
	span.SetAttributes(attribute.String("dispatch.request_id", requestID))

	d, err := rt.registry.Select(platform, model, req.HasVoice())
	if err != nil {
		observeSelection(platform, model, "", false)
		span.SetStatus(codes.Error, err.Error())
		rt.logger.Warn("dispatcher selection failed",
			zap.String("request_id", requestID),
			zap.String("platform", platform),
			zap.String("model", model),
			zap.Bool("has_voice", req.HasVoice()),
			zap.String("identity", TruncateIdentity(req.Identity)),
			zap.Error(err),
		)
		return nil, err
	}
	observeSelection(platform, model, d.Name(), true)

	start := time.Now()
	events, err := d.Call(ctx, req)
	if err != nil {
		observeCallError(platform, model, d.Name())
		span.SetStatus(codes.Error, err.Error())
		rt.logger.Error("dispatcher call failed",
			zap.String("request_id", requestID),
			zap.String("dispatcher", d.Name()),
			zap.String("platform", platform),
			zap.String("model", model),
			zap.String("identity", TruncateIdentity(req.Identity)),
			zap.Error(err),
		)
		return nil, err
	}

	rt.logger.Info("dispatching",
		zap.String("request_id", requestID),
		zap.String("dispatcher", d.Name()),
		zap.String("platform", platform),
		zap.String("model", model),
		zap.Bool("stream", req.Stream),
		zap.String("identity", TruncateIdentity(req.Identity)),
	)

	// 原样转发事件，同时观测终止事件以记录流结局。
	out := make(chan Event)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Terminal() {
				observeStreamOutcome(platform, model, d.Name(), ev, time.Since(start))
			}
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}()
	return out, nil
}
