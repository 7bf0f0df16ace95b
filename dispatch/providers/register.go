// Package providers 实现各上游协议的调度器。
//
// 调度器按（平台，模型，是否带语音）认领请求，注册表按优先级
// 降序选择第一个认领者：
//
//	GeminiAudio (20) > QwenOmni / WhisperSTT (15) > Gemini (10) > OpenAICompat (0)
package providers

import (
	"time"

	"go.uber.org/zap"

	"github.com/nexlearn/modelflow/dispatch"
	"github.com/nexlearn/modelflow/dispatch/audio"
	"github.com/nexlearn/modelflow/dispatch/retry"
	"github.com/nexlearn/modelflow/internal/tlsutil"
)

// Settings 汇集启动装配时注入的运行参数。零值字段使用内置默认。
type Settings struct {
	// AudioTimeout 是语音下载超时，0 用默认 30s。
	AudioTimeout time.Duration
	// AudioRateLimit 是每秒最大语音下载数，0 用默认 10。
	AudioRateLimit int
	// Retry 是上游调用的重试策略，零值用 retry.DefaultPolicy。
	Retry retry.Policy
}

// RegisterDefaults 向注册表注册全部内置调度器。语音下载器在各
// 调度器之间共享，复用 singleflight 与限速配额。
func RegisterDefaults(registry *dispatch.Registry, resolver dispatch.ConfigResolver, settings Settings, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fetcherOpts := []audio.Option{audio.WithLogger(logger)}
	if settings.AudioTimeout > 0 {
		fetcherOpts = append(fetcherOpts, audio.WithClient(tlsutil.SecureHTTPClient(settings.AudioTimeout)))
	}
	if settings.AudioRateLimit > 0 {
		fetcherOpts = append(fetcherOpts, audio.WithRateLimit(settings.AudioRateLimit))
	}
	fetcher := audio.NewFetcher(fetcherOpts...)

	policy := settings.Retry
	if policy == (retry.Policy{}) {
		policy = retry.DefaultPolicy()
	}
	retryOpt := WithRetryPolicy(policy)

	registry.Register(NewOpenAICompat(logger, retryOpt))
	registry.Register(NewGemini(logger, retryOpt))
	registry.Register(NewGeminiAudio(fetcher, logger, retryOpt))
	registry.Register(NewQwenOmni(fetcher, logger, retryOpt))
	registry.Register(NewWhisperSTT(resolver, fetcher, logger, retryOpt))
}
