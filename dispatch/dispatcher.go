package dispatch

import "context"

// CallRequest 汇集一次模型调用的全部输入。Config 与 Messages
// 由调用方按请求构造，分发层不修改它们。
type CallRequest struct {
	Config   ModelConfig
	Messages []Message
	Stream   bool

	// Identity 是发起请求的用户标识，仅用于日志与下游配置解析。
	Identity string

	// VoiceURL 指向待理解的语音文件，为空表示无语音输入。
	VoiceURL string
}

// HasVoice 报告请求是否携带语音输入。
func (r CallRequest) HasVoice() bool { return r.VoiceURL != "" }

// Dispatcher 是单个上游提供者家族的请求/响应翻译策略。
//
// Call 是唯一接触网络 I/O 的地方。实现必须：
//  1. 校验 Config 携带可用凭证，否则以 ErrConfigMissing 快速失败；
//  2. 构造提供者请求（消息转换、音频处理）；
//  3. 按配置超时发起 HTTP 调用；
//  4. Stream 为 true 时把原始响应交给流处理器并原样转发其事件序列，
//     为 false 时同步组装单个 Text + Done 事件对。
//
// 调用开始前的失败（凭证、请求构造、HTTP 状态错误）通过 error
// 返回；流已开始后的失败以类型化事件出现在通道里。通道在
// 终止事件之后关闭。
type Dispatcher interface {
	// Supports 报告该分发器能否处理指定的平台/模型/语音组合。
	Supports(platform, model string, hasVoice bool) bool

	// Priority 返回选择优先级，数值越大越优先，默认 0。
	Priority() int

	// Name 返回分发器的唯一标识，用于日志与指标。
	Name() string

	Call(ctx context.Context, req CallRequest) (<-chan Event, error)
}
