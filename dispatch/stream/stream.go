// Package stream 解析上游的 SSE 流式响应并产出统一事件序列。
//
// 支持两种线格式：OpenAI 风格（choices[0].delta.content，以字面
// "[DONE]" 哨兵结束）与 Gemini 风格（candidates[0].content.parts[].text，
// 无带内哨兵，传输层干净关闭即为结束）。
//
// 状态机：STREAMING → {DONE, INTERRUPTED, FAILED}，三者均为终态。
// 流中途失败时，若已发出过内容则发出唯一一个 stream_interrupted
// 事件（partial_content_length 恰好等于已发文本的累计码点数），
// 否则以终止 error 事件传播失败，调用方可安全重试。
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nexlearn/modelflow/dispatch"
)

const dataPrefix = "data: "

// Handler 解析单个 SSE 响应体。每个流恰好拥有一个底层连接与
// 一个消费者；消费者取消 ctx 时，响应体在一个读周期内被关闭。
type Handler struct {
	logger *zap.Logger
}

// NewHandler 创建流处理器。logger 为 nil 时使用 Nop。
func NewHandler(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger}
}

// openAIChunk 是 OpenAI 风格 SSE 数据块的最小解码形状。
type openAIChunk struct {
	Choices []struct {
		Delta *struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string          `json:"name"`
					Arguments json.RawMessage `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// geminiChunk 是 Gemini 风格 SSE 数据块的最小解码形状。
type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// OpenAI 消费一个 OpenAI 风格 SSE 响应体并产出事件序列。
// body 的所有权移交给返回的流，终止时（含取消）必然关闭。
func (h *Handler) OpenAI(ctx context.Context, body io.ReadCloser, provider string) <-chan dispatch.Event {
	ch := make(chan dispatch.Event)
	go func() {
		defer body.Close()
		defer close(ch)

		// ctx 取消时立即关闭连接，让阻塞中的 Read 在一个
		// 读周期内返回，不泄漏套接字。
		stop := closeOnCancel(ctx, body)
		defer stop()

		partial := 0
		reader := bufio.NewReader(body)
		for {
			// 出错（含 EOF）时 line 仍可能携带最后一段未换行的
			// 数据，先处理再收尾。
			line, err := reader.ReadString('\n')
			if h.openAILine(ctx, ch, line, &partial) {
				return
			}
			if err != nil {
				if err == io.EOF {
					// OpenAI 方言以 [DONE] 哨兵结束；没等到哨兵
					// 就被关闭视为截断。
					h.finishInterrupted(ctx, ch, provider, partial, "response truncated before completion")
					return
				}
				h.finishInterrupted(ctx, ch, provider, partial, err.Error())
				return
			}
		}
	}()
	return ch
}

// openAILine 处理一行 OpenAI 方言数据。返回 true 表示流已终止：
// 发出了 done 事件，或消费者已离开。
func (h *Handler) openAILine(ctx context.Context, ch chan<- dispatch.Event, line string, partial *int) bool {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, dataPrefix) {
		return false // keep-alive 或空行
	}
	data := line[len(dataPrefix):]

	if data == "[DONE]" {
		send(ctx, ch, dispatch.DoneEvent())
		return true
	}

	var chunk openAIChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		// 单块解析失败不致命，跳过继续。
		return false
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
		return false
	}
	choice := chunk.Choices[0]

	for _, tc := range choice.Delta.ToolCalls {
		if tc.Function.Name != "" {
			if !send(ctx, ch, dispatch.Event{
				Type:       dispatch.EventToolStart,
				ToolCallID: tc.ID,
				ToolName:   tc.Function.Name,
			}) {
				return true
			}
		}
	}
	if choice.FinishReason == "tool_calls" {
		if !send(ctx, ch, dispatch.Event{Type: dispatch.EventToolEnd}) {
			return true
		}
	}

	if content := choice.Delta.Content; content != "" {
		*partial += utf8.RuneCountInString(content)
		if !send(ctx, ch, dispatch.TextEvent(content)) {
			return true
		}
	}
	return false
}

// Gemini 消费一个 Gemini 风格 SSE 响应体并产出事件序列。
// 该方言没有带内结束哨兵：传输层干净关闭（EOF）翻译为 done 事件。
func (h *Handler) Gemini(ctx context.Context, body io.ReadCloser, provider string) <-chan dispatch.Event {
	ch := make(chan dispatch.Event)
	go func() {
		defer body.Close()
		defer close(ch)

		stop := closeOnCancel(ctx, body)
		defer stop()

		partial := 0
		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if h.geminiLine(ctx, ch, line, &partial) {
				return
			}
			if err != nil {
				if err == io.EOF {
					send(ctx, ch, dispatch.DoneEvent())
					return
				}
				h.finishInterrupted(ctx, ch, provider, partial, err.Error())
				return
			}
		}
	}()
	return ch
}

// geminiLine 处理一行 Gemini 方言数据。返回 true 表示消费者已离开。
func (h *Handler) geminiLine(ctx context.Context, ch chan<- dispatch.Event, line string, partial *int) bool {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, dataPrefix) {
		return false
	}
	data := line[len(dataPrefix):]

	var chunk geminiChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return false
	}
	if len(chunk.Candidates) == 0 {
		return false
	}
	// 按到达顺序逐 part 发出，不合并、不重排。
	for _, part := range chunk.Candidates[0].Content.Parts {
		if part.Text == "" {
			continue
		}
		*partial += utf8.RuneCountInString(part.Text)
		if !send(ctx, ch, dispatch.TextEvent(part.Text)) {
			return true
		}
	}
	return false
}

// finishInterrupted 按部分内容规则收尾：已发出过内容 → 唯一一个
// stream_interrupted 事件；否则 → 终止 error 事件（零内容失败对
// 调用方是可重试的）。
func (h *Handler) finishInterrupted(ctx context.Context, ch chan<- dispatch.Event, provider string, partial int, cause string) {
	if partial > 0 {
		h.logger.Warn("stream interrupted",
			zap.String("provider", provider),
			zap.Int("partial_content_length", partial),
			zap.String("cause", cause),
		)
		send(ctx, ch, dispatch.InterruptedEvent("response interrupted, partial content delivered", partial))
		return
	}
	h.logger.Error("stream failed before any content",
		zap.String("provider", provider),
		zap.String("cause", cause),
	)
	send(ctx, ch, dispatch.ErrorEvent(&dispatch.Error{
		Code:       dispatch.ErrUpstreamError,
		Message:    cause,
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Provider:   provider,
	}))
}

// send 在监听 ctx 取消的前提下投递事件；返回 false 表示消费者已离开。
func send(ctx context.Context, ch chan<- dispatch.Event, ev dispatch.Event) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- ev:
		return true
	}
}

// closeOnCancel 在 ctx 取消时关闭 body，返回的 stop 用于正常
// 退出时回收监视 goroutine。
func closeOnCancel(ctx context.Context, body io.Closer) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
