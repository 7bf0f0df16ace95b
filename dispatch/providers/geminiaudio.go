package providers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nexlearn/modelflow/dispatch"
	"github.com/nexlearn/modelflow/dispatch/audio"
	"github.com/nexlearn/modelflow/dispatch/convert"
	"github.com/nexlearn/modelflow/dispatch/retry"
	"github.com/nexlearn/modelflow/dispatch/stream"
)

// GeminiAudio 调度带语音附件的 Gemini 请求。语音文件先下载校验，
// 再按后端内联：官方 API 用 inline_data，OpenRouter 等 OpenAI
// 兼容代理用单语音轮次的 input_audio。
type GeminiAudio struct {
	clients *clientPair
	fetcher *audio.Fetcher
	stream  *stream.Handler
	retryer *retry.Retryer
	gemini  *Gemini
	logger  *zap.Logger
}

// NewGeminiAudio 创建 Gemini 语音调度器。fetcher 为 nil 时使用
// 默认下载器。
func NewGeminiAudio(fetcher *audio.Fetcher, logger *zap.Logger, opts ...ProviderOption) *GeminiAudio {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fetcher == nil {
		fetcher = audio.NewFetcher(audio.WithLogger(logger))
	}
	s := newProviderSettings(opts)
	return &GeminiAudio{
		clients: newClientPair(),
		fetcher: fetcher,
		stream:  stream.NewHandler(logger),
		retryer: retry.New(s.retry, logger),
		gemini:  NewGemini(logger, opts...),
		logger:  logger,
	}
}

func (d *GeminiAudio) Name() string { return "gemini_audio" }

func (d *GeminiAudio) Priority() int { return 20 }

// Supports 接受 Gemini 家族的带语音请求。
func (d *GeminiAudio) Supports(platform, model string, hasVoice bool) bool {
	return isGeminiModel(platform, model) && hasVoice
}

// Call 实现 dispatch.Dispatcher。
func (d *GeminiAudio) Call(ctx context.Context, req dispatch.CallRequest) (<-chan dispatch.Event, error) {
	cfg := req.Config
	if !cfg.HasCredential() {
		return nil, dispatch.NewConfigMissingError(cfg.Platform, cfg.Model)
	}

	result, err := d.fetcher.Download(ctx, req.VoiceURL)
	if err != nil {
		return nil, err
	}
	mime := audio.MimeType(req.VoiceURL, result.Data, result.ContentType)
	encoded := audio.ToBase64(result.Data)

	d.logger.Debug("voice attachment prepared",
		zap.String("mime", mime),
		zap.Int("bytes", len(result.Data)),
		zap.String("identity", dispatch.TruncateIdentity(req.Identity)))

	if isNativeGemini(cfg.BaseURL) {
		return d.callNative(ctx, req, mime, encoded)
	}
	return d.callCompat(ctx, req, mime, encoded)
}

// callNative 下载后内联为 inline_data，走原生 generateContent。
func (d *GeminiAudio) callNative(ctx context.Context, req dispatch.CallRequest, mime, encoded string) (<-chan dispatch.Event, error) {
	cfg := req.Config

	contents, system := convert.ToGeminiContents(req.Messages)
	voicePart := convert.GeminiPart{
		InlineData: &convert.GeminiInlineData{MimeType: mime, Data: encoded},
	}
	if n := len(contents); n > 0 && contents[n-1].Role == "user" {
		contents[n-1].Parts = append(contents[n-1].Parts, voicePart)
	} else {
		contents = append(contents, convert.GeminiContent{
			Role:  "user",
			Parts: []convert.GeminiPart{{Text: convert.DefaultVoicePrompt}, voicePart},
		})
	}

	payload := geminiRequest{
		Contents: contents,
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     defaultTemperature,
			MaxOutputTokens: defaultMaxTokens,
		},
	}
	if system != "" {
		payload.SystemInstruction = &convert.GeminiContent{
			Parts: []convert.GeminiPart{{Text: system}},
		}
	}

	endpoint := geminiEndpoint(cfg.BaseURL, cfg.Model, cfg.APIKey, req.Stream)

	resp, err := retry.Result(ctx, d.retryer, func() (*http.Response, error) {
		return d.gemini.post(ctx, endpoint, payload, req.Stream, cfg.Timeout)
	})
	if err != nil {
		return nil, err
	}

	if req.Stream {
		return d.stream.Gemini(ctx, resp.Body, d.Name()), nil
	}
	return d.gemini.unaryEvents(resp)
}

// callCompat 走 OpenAI 兼容代理：历史坍缩为单语音轮次，语音以
// input_audio base64 内联。代理拒绝音频分片时降级为纯文本重发。
func (d *GeminiAudio) callCompat(ctx context.Context, req dispatch.CallRequest, mime, encoded string) (<-chan dispatch.Event, error) {
	cfg := req.Config

	format := strings.TrimPrefix(mime, "audio/")
	turns := convert.ToAudioTurnMessages(req.Messages, "")
	messages := inlineAudioTurn(turns, encoded, format)

	payload := ChatRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
		Stream:      req.Stream,
	}
	url := joinURL(cfg.BaseURL, "/chat/completions")

	resp, err := retry.Result(ctx, d.retryer, func() (*http.Response, error) {
		return d.postCompat(ctx, url, cfg.APIKey, payload, req.Stream, cfg.Timeout)
	})
	if err != nil {
		var de *dispatch.Error
		if errors.As(err, &de) && de.Code == dispatch.ErrInvalidRequest {
			// 代理不认 input_audio，降级为纯文本。
			d.logger.Warn("proxy rejected audio payload, degrading to text",
				zap.String("base_url", cfg.BaseURL),
				zap.Error(err))
			return d.gemini.delegate.Call(ctx, dispatch.CallRequest{
				Config:   cfg,
				Messages: convert.ToAudioTurnMessages(req.Messages, ""),
				Stream:   req.Stream,
				Identity: req.Identity,
			})
		}
		return nil, err
	}

	if req.Stream {
		return d.stream.OpenAI(ctx, resp.Body, d.Name()), nil
	}
	return d.gemini.delegate.unaryEvents(resp)
}

func (d *GeminiAudio) postCompat(ctx context.Context, url, apiKey string, payload ChatRequest, streaming bool, timeout time.Duration) (*http.Response, error) {
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

// inlineAudioTurn 把坍缩后的消息转为 OpenAI 兼容形状，并在最后
// 一个用户轮次追加 input_audio 分片。
func inlineAudioTurn(turns []dispatch.Message, encoded, format string) []ChatMessage {
	messages := ToChatMessages(turns)
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != string(dispatch.RoleUser) {
			continue
		}
		audioPart := ChatContentPart{
			Type:       "input_audio",
			InputAudio: &ChatInputAudio{Data: encoded, Format: format},
		}
		switch content := messages[i].Content.(type) {
		case string:
			messages[i].Content = []ChatContentPart{
				{Type: "text", Text: content},
				audioPart,
			}
		case []ChatContentPart:
			messages[i].Content = append(content, audioPart)
		}
		break
	}
	return messages
}
