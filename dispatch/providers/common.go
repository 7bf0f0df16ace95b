package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nexlearn/modelflow/dispatch"
	"github.com/nexlearn/modelflow/dispatch/retry"
	"github.com/nexlearn/modelflow/internal/tlsutil"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 4000

	defaultUnaryTimeout = 120 * time.Second
	connectTimeout      = 10 * time.Second
	keepAlive           = 30 * time.Second
)

// ProviderOption 调整调度器的公共运行参数。
type ProviderOption func(*providerSettings)

type providerSettings struct {
	retry retry.Policy
}

func newProviderSettings(opts []ProviderOption) providerSettings {
	s := providerSettings{retry: retry.DefaultPolicy()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithRetryPolicy 覆盖默认的上游重试策略。
func WithRetryPolicy(policy retry.Policy) ProviderOption {
	return func(s *providerSettings) { s.retry = policy }
}

// MapHTTPError 将 HTTP 状态码映射为带有合适重试标记的 dispatch.Error
// 这是所有提供者使用的通用错误映射函数
func MapHTTPError(status int, msg string, provider string) *dispatch.Error {
	switch status {
	case http.StatusUnauthorized:
		return &dispatch.Error{
			Code:       dispatch.ErrUnauthorized,
			Message:    msg,
			HTTPStatus: status,
			Provider:   provider,
		}
	case http.StatusForbidden:
		return &dispatch.Error{
			Code:       dispatch.ErrForbidden,
			Message:    msg,
			HTTPStatus: status,
			Provider:   provider,
		}
	case http.StatusTooManyRequests:
		return &dispatch.Error{
			Code:       dispatch.ErrRateLimited,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Provider:   provider,
		}
	case http.StatusBadRequest:
		// 检查配额/信用关键字
		msgLower := strings.ToLower(msg)
		if strings.Contains(msgLower, "quota") ||
			strings.Contains(msgLower, "credit") ||
			strings.Contains(msgLower, "limit") {
			return &dispatch.Error{
				Code:       dispatch.ErrQuotaExceeded,
				Message:    msg,
				HTTPStatus: status,
				Provider:   provider,
			}
		}
		return &dispatch.Error{
			Code:       dispatch.ErrInvalidRequest,
			Message:    msg,
			HTTPStatus: status,
			Provider:   provider,
		}
	case http.StatusGatewayTimeout:
		return &dispatch.Error{
			Code:       dispatch.ErrUpstreamTimeout,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Provider:   provider,
		}
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return &dispatch.Error{
			Code:       dispatch.ErrUpstreamError,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Provider:   provider,
		}
	default:
		return &dispatch.Error{
			Code:       dispatch.ErrUpstreamError,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  status >= 500,
			Provider:   provider,
		}
	}
}

// ReadErrorMessage 读取响应体中的错误消息
// 尝试解析 JSON 错误响应，失败则回退到原始文本
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	// OpenAI 风格：{"error":{"message":...}}
	var oaErr struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &oaErr); err == nil && oaErr.Error.Message != "" {
		if oaErr.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", oaErr.Error.Message, oaErr.Error.Type)
		}
		return oaErr.Error.Message
	}

	// Gemini 风格：{"error":{"message":...,"status":...}}
	var gemErr struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &gemErr); err == nil && gemErr.Error.Message != "" {
		return gemErr.Error.Message
	}

	// 回退到原始文本
	return strings.TrimSpace(string(data))
}

// TransportError 把传输层失败包装为可重试的 dispatch.Error。
func TransportError(err error, provider string) *dispatch.Error {
	return &dispatch.Error{
		Code:       dispatch.ErrUpstreamError,
		Message:    fmt.Sprintf("upstream request failed: %v", err),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Provider:   provider,
	}
}

// OpenAI 兼容 API 通用类型
// 这些类型被 openaicompat、qwenomni 等兼容 OpenAI 的调度器所使用.

// ChatMessage 表示 OpenAI 兼容的消息格式，content 可以是字符串
// 或多模态分片数组.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ChatContentPart 表示 OpenAI 兼容的多模态内容分片.
type ChatContentPart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ImageURL   *ChatImageURL   `json:"image_url,omitempty"`
	InputAudio *ChatInputAudio `json:"input_audio,omitempty"`
}

// ChatImageURL 表示 image_url 分片的内容.
type ChatImageURL struct {
	URL string `json:"url"`
}

// ChatInputAudio 表示 input_audio 分片的内容.
type ChatInputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// ChatRequest 表示 OpenAI 兼容的聊天完成请求.
type ChatRequest struct {
	Model         string         `json:"model"`
	Messages      []ChatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   float32        `json:"temperature,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

// StreamOptions 控制流式响应的附加字段.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatResponse 表示 OpenAI 兼容的非流式聊天完成响应.
type ChatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

// ChatChoice 表示响应中的单个选项.
type ChatChoice struct {
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason"`
	Message      struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// ToChatMessages 将平台无关消息转换为 OpenAI 兼容格式.
// 纯文本消息的 content 为字符串，多模态消息展开为分片数组.
func ToChatMessages(msgs []dispatch.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Parts == nil {
			out = append(out, ChatMessage{Role: string(m.Role), Content: m.Content})
			continue
		}
		parts := make([]ChatContentPart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case dispatch.PartText:
				parts = append(parts, ChatContentPart{Type: "text", Text: p.Text})
			case dispatch.PartImage:
				parts = append(parts, ChatContentPart{
					Type:     "image_url",
					ImageURL: &ChatImageURL{URL: p.ImageURL},
				})
			case dispatch.PartAudio:
				if p.Audio != nil && p.Audio.Data != "" {
					format := p.Audio.Format
					if format == "" {
						format = "mp3"
					}
					parts = append(parts, ChatContentPart{
						Type:       "input_audio",
						InputAudio: &ChatInputAudio{Data: p.Audio.Data, Format: format},
					})
				} else {
					// URL 引用的音频必须先由调用方下载并内联为 base64。
					parts = append(parts, ChatContentPart{
						Type: "text",
						Text: "[audio attachment unavailable]",
					})
				}
			default:
				parts = append(parts, ChatContentPart{
					Type: "text",
					Text: fmt.Sprintf("[unsupported content: %s]", p.Type),
				})
			}
		}
		out = append(out, ChatMessage{Role: string(m.Role), Content: parts})
	}
	return out
}

// postJSON 发送 JSON POST 请求，设置 Bearer 认证与流式 Accept 头。
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, payload any, stream bool) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	return client.Do(req)
}

// clientPair 按是否流式与每次调用配置的超时返回合适的 HTTP 客户端。
// 流式请求不能带整体超时，否则长回复会被客户端掐断；一元请求的
// 超时来自每次调用的模型配置，相同超时的客户端缓存复用。
type clientPair struct {
	streaming *http.Client

	mu    sync.Mutex
	unary map[time.Duration]*http.Client
}

func newClientPair() *clientPair {
	return &clientPair{
		streaming: tlsutil.StreamingHTTPClient(connectTimeout, keepAlive),
		unary:     make(map[time.Duration]*http.Client),
	}
}

func (c *clientPair) pick(stream bool, timeout time.Duration) *http.Client {
	if stream {
		return c.streaming
	}
	if timeout <= 0 {
		timeout = defaultUnaryTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.unary[timeout]
	if !ok {
		client = tlsutil.SecureHTTPClient(timeout)
		c.unary[timeout] = client
	}
	return client
}

// joinURL 拼接 baseURL 与路径，容忍尾部斜杠。
func joinURL(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + path
}
