package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/nexlearn/modelflow/dispatch"
)

// scriptReader 先吐出 data 的内容，耗尽后返回 err。
type scriptReader struct {
	data   *strings.Reader
	err    error
	closed bool
	mu     sync.Mutex
}

func newScriptReader(data string, err error) *scriptReader {
	return &scriptReader{data: strings.NewReader(data), err: err}
}

func (r *scriptReader) Read(p []byte) (int, error) {
	n, err := r.data.Read(p)
	if err == io.EOF && r.err != io.EOF {
		return n, r.err
	}
	return n, err
}

func (r *scriptReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *scriptReader) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func collect(t *testing.T, ch <-chan dispatch.Event) []dispatch.Event {
	t.Helper()
	var events []dispatch.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for stream events")
		}
	}
}

func openAIDelta(content string) string {
	return `data: {"choices":[{"delta":{"content":"` + content + `"}}]}` + "\n"
}

func TestOpenAI_HappyPath(t *testing.T) {
	body := openAIDelta("Hel") + openAIDelta("lo") + "data: [DONE]\n"
	h := NewHandler(nil)

	events := collect(t, h.OpenAI(context.Background(), io.NopCloser(strings.NewReader(body)), "test"))

	require.Len(t, events, 3)
	assert.Equal(t, dispatch.TextEvent("Hel"), events[0])
	assert.Equal(t, dispatch.TextEvent("lo"), events[1])
	assert.Equal(t, dispatch.EventDone, events[2].Type)
}

func TestOpenAI_TruncationAfterContentInterrupts(t *testing.T) {
	// 发出 "Hel"、"lo" 后连接断开，没有 [DONE]。
	body := openAIDelta("Hel") + openAIDelta("lo")
	h := NewHandler(nil)

	events := collect(t, h.OpenAI(context.Background(), io.NopCloser(strings.NewReader(body)), "test"))

	require.Len(t, events, 3)
	assert.Equal(t, "Hel", events[0].Content)
	assert.Equal(t, "lo", events[1].Content)

	last := events[2]
	assert.Equal(t, dispatch.EventStreamInterrupted, last.Type)
	assert.Equal(t, 5, last.PartialContentLength)
	assert.NotEmpty(t, last.Message)
}

func TestOpenAI_PartialLengthCountsRunes(t *testing.T) {
	body := openAIDelta("你好") + openAIDelta("ab")
	h := NewHandler(nil)

	events := collect(t, h.OpenAI(context.Background(), io.NopCloser(strings.NewReader(body)), "test"))

	last := events[len(events)-1]
	require.Equal(t, dispatch.EventStreamInterrupted, last.Type)
	assert.Equal(t, 4, last.PartialContentLength)
}

func TestOpenAI_FailureBeforeContentIsRetryableError(t *testing.T) {
	reader := newScriptReader("", errors.New("connection reset by peer"))
	h := NewHandler(nil)

	events := collect(t, h.OpenAI(context.Background(), reader, "test"))

	require.Len(t, events, 1)
	assert.Equal(t, dispatch.EventError, events[0].Type)
	require.NotNil(t, events[0].Err)
	assert.True(t, events[0].Err.Retryable)
}

func TestOpenAI_ReadErrorAfterContentInterrupts(t *testing.T) {
	reader := newScriptReader(openAIDelta("partial text"), errors.New("connection reset by peer"))
	h := NewHandler(nil)

	events := collect(t, h.OpenAI(context.Background(), reader, "test"))

	require.Len(t, events, 2)
	assert.Equal(t, dispatch.EventText, events[0].Type)
	assert.Equal(t, dispatch.EventStreamInterrupted, events[1].Type)
	assert.Equal(t, len([]rune("partial text")), events[1].PartialContentLength)
}

func TestOpenAI_MalformedChunkSkipped(t *testing.T) {
	body := openAIDelta("ok") + "data: {not json}\n" + openAIDelta("fine") + "data: [DONE]\n"
	h := NewHandler(nil)

	events := collect(t, h.OpenAI(context.Background(), io.NopCloser(strings.NewReader(body)), "test"))

	require.Len(t, events, 3)
	assert.Equal(t, "ok", events[0].Content)
	assert.Equal(t, "fine", events[1].Content)
	assert.Equal(t, dispatch.EventDone, events[2].Type)
}

func TestOpenAI_KeepAliveLinesIgnored(t *testing.T) {
	body := ": keep-alive\n\n" + openAIDelta("hi") + "\n: ping\ndata: [DONE]\n"
	h := NewHandler(nil)

	events := collect(t, h.OpenAI(context.Background(), io.NopCloser(strings.NewReader(body)), "test"))

	require.Len(t, events, 2)
	assert.Equal(t, "hi", events[0].Content)
	assert.Equal(t, dispatch.EventDone, events[1].Type)
}

func TestOpenAI_DoneSentinelWithoutTrailingNewline(t *testing.T) {
	// 最后一行与 EOF 一起返回，哨兵仍然生效。
	body := openAIDelta("hi") + "data: [DONE]"
	h := NewHandler(nil)

	events := collect(t, h.OpenAI(context.Background(), io.NopCloser(strings.NewReader(body)), "test"))

	require.Len(t, events, 2)
	assert.Equal(t, "hi", events[0].Content)
	assert.Equal(t, dispatch.EventDone, events[1].Type)
}

func TestOpenAI_FinalDeltaWithoutNewlineCounted(t *testing.T) {
	body := openAIDelta("he") + strings.TrimSuffix(openAIDelta("llo"), "\n")
	h := NewHandler(nil)

	events := collect(t, h.OpenAI(context.Background(), io.NopCloser(strings.NewReader(body)), "test"))

	require.Len(t, events, 3)
	assert.Equal(t, "he", events[0].Content)
	assert.Equal(t, "llo", events[1].Content)
	assert.Equal(t, dispatch.EventStreamInterrupted, events[2].Type)
	assert.Equal(t, 5, events[2].PartialContentLength)
}

func TestOpenAI_PartialAccountingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fragments := rapid.SliceOfN(rapid.StringN(1, 20, -1), 1, 10).Draw(t, "fragments")

		var body strings.Builder
		total := 0
		for _, frag := range fragments {
			chunk, err := json.Marshal(map[string]any{
				"choices": []map[string]any{{"delta": map[string]any{"content": frag}}},
			})
			require.NoError(t, err)
			body.WriteString("data: " + string(chunk) + "\n")
			total += utf8.RuneCountInString(frag)
		}

		h := NewHandler(nil)
		var events []dispatch.Event
		for ev := range h.OpenAI(context.Background(), io.NopCloser(strings.NewReader(body.String())), "test") {
			events = append(events, ev)
		}

		require.Len(t, events, len(fragments)+1)
		for i, frag := range fragments {
			assert.Equal(t, frag, events[i].Content)
		}
		last := events[len(events)-1]
		assert.Equal(t, dispatch.EventStreamInterrupted, last.Type)
		assert.Equal(t, total, last.PartialContentLength)
	})
}

func TestOpenAI_ToolCallEvents(t *testing.T) {
	body := `data: {"choices":[{"delta":{"tool_calls":[{"id":"call_1","function":{"name":"search"}}]}}]}` + "\n" +
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}` + "\n" +
		"data: [DONE]\n"
	h := NewHandler(nil)

	events := collect(t, h.OpenAI(context.Background(), io.NopCloser(strings.NewReader(body)), "test"))

	require.Len(t, events, 3)
	assert.Equal(t, dispatch.EventToolStart, events[0].Type)
	assert.Equal(t, "call_1", events[0].ToolCallID)
	assert.Equal(t, "search", events[0].ToolName)
	assert.Equal(t, dispatch.EventToolEnd, events[1].Type)
	assert.Equal(t, dispatch.EventDone, events[2].Type)
}

func geminiChunkLine(texts ...string) string {
	parts := make([]string, len(texts))
	for i, txt := range texts {
		parts[i] = `{"text":"` + txt + `"}`
	}
	return `data: {"candidates":[{"content":{"parts":[` + strings.Join(parts, ",") + `]}}]}` + "\n"
}

func TestGemini_CleanEOFIsDone(t *testing.T) {
	body := geminiChunkLine("Hello") + geminiChunkLine(" world")
	h := NewHandler(nil)

	events := collect(t, h.Gemini(context.Background(), io.NopCloser(strings.NewReader(body)), "test"))

	require.Len(t, events, 3)
	assert.Equal(t, "Hello", events[0].Content)
	assert.Equal(t, " world", events[1].Content)
	assert.Equal(t, dispatch.EventDone, events[2].Type)
}

func TestGemini_MultiPartChunkPreservesOrder(t *testing.T) {
	body := geminiChunkLine("a", "b", "c")
	h := NewHandler(nil)

	events := collect(t, h.Gemini(context.Background(), io.NopCloser(strings.NewReader(body)), "test"))

	require.Len(t, events, 4)
	assert.Equal(t, "a", events[0].Content)
	assert.Equal(t, "b", events[1].Content)
	assert.Equal(t, "c", events[2].Content)
	assert.Equal(t, dispatch.EventDone, events[3].Type)
}

func TestGemini_FinalLineWithoutNewline(t *testing.T) {
	body := geminiChunkLine("Hello") + strings.TrimSuffix(geminiChunkLine(" world"), "\n")
	h := NewHandler(nil)

	events := collect(t, h.Gemini(context.Background(), io.NopCloser(strings.NewReader(body)), "test"))

	require.Len(t, events, 3)
	assert.Equal(t, "Hello", events[0].Content)
	assert.Equal(t, " world", events[1].Content)
	assert.Equal(t, dispatch.EventDone, events[2].Type)
}

func TestGemini_EmptyStreamIsDone(t *testing.T) {
	h := NewHandler(nil)

	events := collect(t, h.Gemini(context.Background(), io.NopCloser(strings.NewReader("")), "test"))

	require.Len(t, events, 1)
	assert.Equal(t, dispatch.EventDone, events[0].Type)
}

func TestGemini_ReadErrorAfterContentInterrupts(t *testing.T) {
	reader := newScriptReader(geminiChunkLine("早上好"), errors.New("unexpected EOF"))
	h := NewHandler(nil)

	events := collect(t, h.Gemini(context.Background(), reader, "test"))

	require.Len(t, events, 2)
	assert.Equal(t, dispatch.EventText, events[0].Type)
	assert.Equal(t, dispatch.EventStreamInterrupted, events[1].Type)
	assert.Equal(t, 3, events[1].PartialContentLength)
}

// blockingReader 一直阻塞直到 Close 被调用。
type blockingReader struct {
	closed chan struct{}
	once   sync.Once
}

func newBlockingReader() *blockingReader {
	return &blockingReader{closed: make(chan struct{})}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	<-r.closed
	return 0, errors.New("use of closed connection")
}

func (r *blockingReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func TestOpenAI_CancellationClosesBody(t *testing.T) {
	reader := newBlockingReader()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHandler(nil)

	ch := h.OpenAI(ctx, reader, "test")
	cancel()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				// 通道关闭即 goroutine 退出，body 已被关闭。
				select {
				case <-reader.closed:
				default:
					t.Fatal("body was not closed on cancellation")
				}
				return
			}
		case <-timeout:
			t.Fatal("stream did not terminate after cancellation")
		}
	}
}
