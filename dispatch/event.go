package dispatch

// EventType 是响应事件的判别标签。
type EventType string

const (
	EventText              EventType = "text"
	EventDone              EventType = "done"
	EventToolStart         EventType = "tool_start"
	EventToolEnd           EventType = "tool_end"
	EventTranscription     EventType = "transcription"
	EventStreamInterrupted EventType = "stream_interrupted"
	EventError             EventType = "error"
)

// Event 是分发层产出的响应事件。一次调用产出一个有序事件序列，
// 恰好一个消费者，事件产出即消费，除组装单个分片外不做缓冲。
//
// 终止语义：Done、StreamInterrupted、Error 都是终止事件，
// 其后不会再有事件。消费者遇到不认识的未来变体时应当忽略
// 并继续读取，直到通道关闭。
type Event struct {
	Type EventType `json:"type"`

	// Content 随 EventText 携带一段增量文本。
	Content string `json:"content,omitempty"`

	// Transcript 随 EventTranscription 携带语音转录结果。
	Transcript string `json:"text,omitempty"`

	// ToolCallID/ToolName/ToolArguments 随工具事件携带。
	ToolCallID    string `json:"tool_call_id,omitempty"`
	ToolName      string `json:"tool_name,omitempty"`
	ToolArguments string `json:"tool_arguments,omitempty"`

	// Message 随 EventStreamInterrupted 与 EventError 携带人类可读说明。
	Message string `json:"message,omitempty"`

	// PartialContentLength 随 EventStreamInterrupted 携带：
	// 恰好等于本流已作为 EventText 发出的内容累计长度
	// （按 Unicode 码点计），不多不少。
	PartialContentLength int `json:"partial_content_length,omitempty"`

	// Err 随 EventError 携带类型化失败，供调用方判断可重试性。
	Err *Error `json:"error,omitempty"`
}

// TextEvent 构造一个增量文本事件。
func TextEvent(content string) Event {
	return Event{Type: EventText, Content: content}
}

// DoneEvent 构造完成事件。
func DoneEvent() Event {
	return Event{Type: EventDone}
}

// TranscriptionEvent 构造语音转录事件。
func TranscriptionEvent(text string) Event {
	return Event{Type: EventTranscription, Transcript: text}
}

// InterruptedEvent 构造流中断事件。partialLen 必须等于已发出
// 文本的累计码点数。
func InterruptedEvent(message string, partialLen int) Event {
	return Event{
		Type:                 EventStreamInterrupted,
		Message:              message,
		PartialContentLength: partialLen,
	}
}

// ErrorEvent 构造终止错误事件。流已交付给调用方后没有错误返回
// 通道，类型化失败经由该事件传播。
func ErrorEvent(err *Error) Event {
	return Event{Type: EventError, Message: err.Message, Err: err}
}

// Terminal 报告该事件是否终止事件序列。
func (e Event) Terminal() bool {
	switch e.Type {
	case EventDone, EventStreamInterrupted, EventError:
		return true
	default:
		return false
	}
}
