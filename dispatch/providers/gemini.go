package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nexlearn/modelflow/dispatch"
	"github.com/nexlearn/modelflow/dispatch/convert"
	"github.com/nexlearn/modelflow/dispatch/retry"
	"github.com/nexlearn/modelflow/dispatch/stream"
)

const geminiNativeHost = "generativelanguage.googleapis.com"

// Gemini 调度纯文本/多模态（无语音）的 Gemini 请求。配置指向
// 官方 API 时走原生 generateContent 协议，指向中转代理时退化为
// OpenAI 兼容协议。
type Gemini struct {
	clients  *clientPair
	stream   *stream.Handler
	retryer  *retry.Retryer
	delegate *OpenAICompat
	logger   *zap.Logger
}

// NewGemini 创建 Gemini 文本调度器。
func NewGemini(logger *zap.Logger, opts ...ProviderOption) *Gemini {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := newProviderSettings(opts)
	return &Gemini{
		clients:  newClientPair(),
		stream:   stream.NewHandler(logger),
		retryer:  retry.New(s.retry, logger),
		delegate: NewOpenAICompat(logger, opts...),
		logger:   logger,
	}
}

func (d *Gemini) Name() string { return "gemini" }

func (d *Gemini) Priority() int { return 10 }

// Supports 接受 Gemini 家族的无语音请求。
func (d *Gemini) Supports(platform, model string, hasVoice bool) bool {
	return isGeminiModel(platform, model) && !hasVoice
}

// Call 实现 dispatch.Dispatcher。
func (d *Gemini) Call(ctx context.Context, req dispatch.CallRequest) (<-chan dispatch.Event, error) {
	cfg := req.Config
	if !cfg.HasCredential() {
		return nil, dispatch.NewConfigMissingError(cfg.Platform, cfg.Model)
	}

	if !isNativeGemini(cfg.BaseURL) {
		// 中转代理只讲 OpenAI 方言。
		d.logger.Debug("gemini request routed through proxy",
			zap.String("base_url", cfg.BaseURL),
			zap.String("model", cfg.Model))
		return d.delegate.Call(ctx, req)
	}

	contents, system := convert.ToGeminiContents(req.Messages)
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
		return d.post(ctx, endpoint, payload, req.Stream, cfg.Timeout)
	})
	if err != nil {
		return nil, err
	}

	if req.Stream {
		return d.stream.Gemini(ctx, resp.Body, d.Name()), nil
	}
	return d.unaryEvents(resp)
}

func (d *Gemini) post(ctx context.Context, endpoint string, payload geminiRequest, streaming bool, timeout time.Duration) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := d.clients.pick(streaming, timeout).Do(req)
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

func (d *Gemini) unaryEvents(resp *http.Response) (<-chan dispatch.Event, error) {
	defer resp.Body.Close()

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, &dispatch.Error{
			Code:       dispatch.ErrMalformedResponse,
			Message:    "failed to decode gemini response: " + err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   d.Name(),
		}
	}

	var sb strings.Builder
	for _, cand := range gr.Candidates {
		for _, part := range cand.Content.Parts {
			sb.WriteString(part.Text)
		}
	}

	ch := make(chan dispatch.Event, 2)
	if sb.Len() > 0 {
		ch <- dispatch.TextEvent(sb.String())
	}
	ch <- dispatch.DoneEvent()
	close(ch)
	return ch, nil
}

// geminiRequest 是原生 generateContent 请求体。
type geminiRequest struct {
	Contents          []convert.GeminiContent `json:"contents"`
	SystemInstruction *convert.GeminiContent  `json:"system_instruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// geminiEndpoint 构造原生端点：流式用 streamGenerateContent 并带
// alt=sse，密钥通过 key 查询参数传递。
func geminiEndpoint(baseURL, model, apiKey string, streaming bool) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://" + geminiNativeHost + "/v1beta"
	}

	method := "generateContent"
	if streaming {
		method = "streamGenerateContent"
	}

	endpoint := fmt.Sprintf("%s/models/%s:%s?key=%s", base, model, method, url.QueryEscape(apiKey))
	if streaming {
		endpoint += "&alt=sse"
	}
	return endpoint
}

// isNativeGemini 判断配置是否指向官方 Gemini API。
func isNativeGemini(baseURL string) bool {
	return baseURL == "" || strings.Contains(baseURL, geminiNativeHost)
}
