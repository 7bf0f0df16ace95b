package providers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nexlearn/modelflow/dispatch"
	"github.com/nexlearn/modelflow/dispatch/audio"
	"github.com/nexlearn/modelflow/dispatch/convert"
	"github.com/nexlearn/modelflow/dispatch/retry"
	"github.com/nexlearn/modelflow/dispatch/stream"
)

// qwenOmniPatterns 匹配全模态 Qwen 模型名。
var qwenOmniPatterns = []string{"qwen-omni", "qwen2.5-omni", "qwen3-omni", "qwen-audio"}

// QwenOmni 调度全模态 Qwen 模型。该家族的上游只支持流式输出，
// 非流式请求在内部折叠为完整文本。语音以 input_audio base64
// 内联在最后一个用户轮次。
type QwenOmni struct {
	clients *clientPair
	fetcher *audio.Fetcher
	stream  *stream.Handler
	retryer *retry.Retryer
	logger  *zap.Logger
}

// NewQwenOmni 创建 Qwen 全模态调度器。
func NewQwenOmni(fetcher *audio.Fetcher, logger *zap.Logger, opts ...ProviderOption) *QwenOmni {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fetcher == nil {
		fetcher = audio.NewFetcher(audio.WithLogger(logger))
	}
	s := newProviderSettings(opts)
	return &QwenOmni{
		clients: newClientPair(),
		fetcher: fetcher,
		stream:  stream.NewHandler(logger),
		retryer: retry.New(s.retry, logger),
		logger:  logger,
	}
}

func (d *QwenOmni) Name() string { return "qwen_omni" }

func (d *QwenOmni) Priority() int { return 15 }

// Supports 按模型名模式匹配 Qwen 全模态家族。
func (d *QwenOmni) Supports(platform, model string, hasVoice bool) bool {
	m := strings.ToLower(model)
	for _, pattern := range qwenOmniPatterns {
		if strings.Contains(m, pattern) {
			return true
		}
	}
	return false
}

// Call 实现 dispatch.Dispatcher。
func (d *QwenOmni) Call(ctx context.Context, req dispatch.CallRequest) (<-chan dispatch.Event, error) {
	cfg := req.Config
	if !cfg.HasCredential() {
		return nil, dispatch.NewConfigMissingError(cfg.Platform, cfg.Model)
	}

	var messages []ChatMessage
	if req.HasVoice() {
		result, err := d.fetcher.Download(ctx, req.VoiceURL)
		if err != nil {
			return nil, err
		}
		mime := audio.MimeType(req.VoiceURL, result.Data, result.ContentType)
		format := strings.TrimPrefix(mime, "audio/")
		turns := convert.ToAudioTurnMessages(req.Messages, "")
		messages = inlineAudioTurn(turns, audio.ToBase64(result.Data), format)
	} else {
		messages = ToChatMessages(req.Messages)
	}

	// 上游只接受 stream=true。
	payload := ChatRequest{
		Model:         cfg.Model,
		Messages:      messages,
		Temperature:   defaultTemperature,
		MaxTokens:     defaultMaxTokens,
		Stream:        true,
		StreamOptions: &StreamOptions{IncludeUsage: true},
	}
	url := joinURL(cfg.BaseURL, "/chat/completions")

	resp, err := retry.Result(ctx, d.retryer, func() (*http.Response, error) {
		return d.post(ctx, url, cfg.APIKey, payload)
	})
	if err != nil {
		return nil, err
	}

	events := d.stream.OpenAI(ctx, resp.Body, d.Name())
	if req.Stream {
		return events, nil
	}
	return collapse(events), nil
}

func (d *QwenOmni) post(ctx context.Context, url, apiKey string, payload ChatRequest) (*http.Response, error) {
	resp, err := postJSON(ctx, d.clients.pick(true, 0), url, apiKey, payload, true)
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

// collapse 把流式事件折叠为 Text + 终态两个事件，供非流式调用方
// 使用。中断与错误事件原样透传。
func collapse(events <-chan dispatch.Event) <-chan dispatch.Event {
	out := make(chan dispatch.Event, 2)
	go func() {
		defer close(out)
		var sb strings.Builder
		for ev := range events {
			switch ev.Type {
			case dispatch.EventText:
				sb.WriteString(ev.Content)
			case dispatch.EventDone:
				if sb.Len() > 0 {
					out <- dispatch.TextEvent(sb.String())
				}
				out <- ev
				return
			default:
				if ev.Terminal() {
					if sb.Len() > 0 {
						out <- dispatch.TextEvent(sb.String())
					}
					out <- ev
					return
				}
				out <- ev
			}
		}
	}()
	return out
}
