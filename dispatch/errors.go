package dispatch

import "fmt"

// 统一的分发层错误码，用于对齐 HTTP 状态、可重试性与上层降级策略。
type ErrorCode string

const (
	ErrConfigMissing      ErrorCode = "DISPATCH_CONFIG_MISSING"      // 无可用凭证
	ErrUnsupported        ErrorCode = "DISPATCH_UNSUPPORTED"         // 无匹配分发器
	ErrInvalidRequest     ErrorCode = "DISPATCH_INVALID_REQUEST"     // 参数/格式错误
	ErrUnauthorized       ErrorCode = "DISPATCH_UNAUTHORIZED"        // 未授权或密钥失效
	ErrForbidden          ErrorCode = "DISPATCH_FORBIDDEN"           // 权限或内容策略拒绝
	ErrRateLimited        ErrorCode = "DISPATCH_RATE_LIMITED"        // 上游限流
	ErrQuotaExceeded      ErrorCode = "DISPATCH_QUOTA_EXCEEDED"      // 额度/配额用尽
	ErrUpstreamTimeout    ErrorCode = "DISPATCH_UPSTREAM_TIMEOUT"    // 上游超时
	ErrUpstreamError      ErrorCode = "DISPATCH_UPSTREAM_ERROR"      // 上游 5xx/网络错误
	ErrMalformedResponse  ErrorCode = "DISPATCH_MALFORMED_RESPONSE"  // 上游返回格式错误
	ErrAudioDownload      ErrorCode = "DISPATCH_AUDIO_DOWNLOAD"      // 音频下载失败
	ErrAudioInvalid       ErrorCode = "DISPATCH_AUDIO_INVALID"       // 音频数据太小或签名不匹配
	ErrTranscriptionError ErrorCode = "DISPATCH_TRANSCRIPTION_ERROR" // 语音转文本失败
)

// Error 是分发层的统一错误类型。每个失败要么作为流内的
// 类型化事件（StreamInterrupted、Error）出现，要么以本类型
// 传播给调用方，绝不静默吞掉。
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// NewConfigMissingError 构造缺失凭证错误。消息需要引导调用方
// 补全模型配置，而不是仅仅报告失败。
func NewConfigMissingError(platform, model string) *Error {
	return &Error{
		Code: ErrConfigMissing,
		Message: fmt.Sprintf(
			"no usable API credential for %s/%s: configure an API key for this platform before dispatching",
			platform, model),
	}
}

// NewUnsupportedError 构造无匹配分发器错误，消息中带上
// platform/model 便于排查注册缺口。
func NewUnsupportedError(platform, model string, hasVoice bool) *Error {
	return &Error{
		Code: ErrUnsupported,
		Message: fmt.Sprintf(
			"no dispatcher registered for platform=%s model=%s has_voice=%t",
			platform, model, hasVoice),
	}
}

// IsRetryable 报告 err 是否是被标记为可重试的分发层错误。
func IsRetryable(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Retryable
}
