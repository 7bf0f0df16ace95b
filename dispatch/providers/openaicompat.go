package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nexlearn/modelflow/dispatch"
	"github.com/nexlearn/modelflow/dispatch/retry"
	"github.com/nexlearn/modelflow/dispatch/stream"
)

// OpenAICompat 是兜底调度器：任何非 Gemini 家族的模型都能走
// OpenAI 兼容的 chat/completions 协议。优先级最低，只有没有
// 更专门的调度器认领时才会被选中。
type OpenAICompat struct {
	clients *clientPair
	stream  *stream.Handler
	retryer *retry.Retryer
	logger  *zap.Logger
}

// NewOpenAICompat 创建 OpenAI 兼容调度器。
func NewOpenAICompat(logger *zap.Logger, opts ...ProviderOption) *OpenAICompat {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := newProviderSettings(opts)
	return &OpenAICompat{
		clients: newClientPair(),
		stream:  stream.NewHandler(logger),
		retryer: retry.New(s.retry, logger),
		logger:  logger,
	}
}

func (d *OpenAICompat) Name() string { return "openai_compat" }

// Priority 为 0：兜底。
func (d *OpenAICompat) Priority() int { return 0 }

// Supports 接受所有非 Gemini 家族的模型。带语音的转写/合成
// 模型（whisper、tts 前缀）交给语音调度器。
func (d *OpenAICompat) Supports(platform, model string, hasVoice bool) bool {
	if isGeminiModel(platform, model) {
		return false
	}
	if hasVoice && isSpeechModel(model) {
		return false
	}
	return true
}

// Call 实现 dispatch.Dispatcher。
func (d *OpenAICompat) Call(ctx context.Context, req dispatch.CallRequest) (<-chan dispatch.Event, error) {
	cfg := req.Config
	if !cfg.HasCredential() {
		return nil, dispatch.NewConfigMissingError(cfg.Platform, cfg.Model)
	}

	if req.HasVoice() {
		// 纯文本模型收不到音频，忽略但留痕。
		d.logger.Warn("voice attachment ignored by text dispatcher",
			zap.String("model", cfg.Model),
			zap.String("identity", dispatch.TruncateIdentity(req.Identity)))
	}

	payload := ChatRequest{
		Model:       cfg.Model,
		Messages:    ToChatMessages(req.Messages),
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
		Stream:      req.Stream,
	}
	url := joinURL(cfg.BaseURL, "/chat/completions")

	resp, err := retry.Result(ctx, d.retryer, func() (*http.Response, error) {
		return d.post(ctx, url, cfg.APIKey, payload, req.Stream, cfg.Timeout)
	})
	if err != nil {
		return nil, err
	}

	if req.Stream {
		return d.stream.OpenAI(ctx, resp.Body, d.Name()), nil
	}
	return d.unaryEvents(resp)
}

// post 发出请求并把非 2xx 状态换成带重试标记的类型化错误。
func (d *OpenAICompat) post(ctx context.Context, url, apiKey string, payload ChatRequest, streaming bool, timeout time.Duration) (*http.Response, error) {
	resp, err := postJSON(ctx, d.clients.pick(streaming, timeout), url, apiKey, payload, streaming)
	if err != nil {
		return nil, TransportError(err, d.Name())
	}
	if resp.StatusCode != http.StatusOK {
		msg := ReadErrorMessage(resp.Body)
		_ = resp.Body.Close()
		return nil, MapHTTPError(resp.StatusCode, msg, d.Name())
	}
	return resp, nil
}

// unaryEvents 把非流式响应折叠为 Text + Done 两个事件。
func (d *OpenAICompat) unaryEvents(resp *http.Response) (<-chan dispatch.Event, error) {
	defer resp.Body.Close()

	var chat ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, &dispatch.Error{
			Code:       dispatch.ErrMalformedResponse,
			Message:    "failed to decode chat response: " + err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   d.Name(),
		}
	}
	if len(chat.Choices) == 0 {
		return nil, &dispatch.Error{
			Code:       dispatch.ErrMalformedResponse,
			Message:    "chat response has no choices",
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   d.Name(),
		}
	}

	ch := make(chan dispatch.Event, 2)
	if content := chat.Choices[0].Message.Content; content != "" {
		ch <- dispatch.TextEvent(content)
	}
	ch <- dispatch.DoneEvent()
	close(ch)
	return ch, nil
}

// isGeminiModel 判断模型是否属于 Gemini 家族。
func isGeminiModel(platform, model string) bool {
	p := strings.ToLower(platform)
	if p == "gemini" || p == "google" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(model), "gemini")
}

// isSpeechModel 判断模型是否是转写/合成类模型。
func isSpeechModel(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "whisper") || strings.HasPrefix(m, "tts")
}
