package dispatch

import (
	"context"
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Capability 标记一个已配置模型能接受的输入类型。
type Capability string

const (
	CapabilityText       Capability = "text"
	CapabilityMultimodal Capability = "multimodal"
	CapabilityVoice      Capability = "voice"
)

// PartType 是多模态内容分片的类型标签。
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image_url"
	PartAudio PartType = "input_audio"
)

// ContentPart 是消息内容的一个分片。分片顺序有语义，
// 任何转换都必须保序；不认识的分片类型降级为文本占位符，
// 绝不静默丢弃。
type ContentPart struct {
	Type PartType `json:"type"`

	// Text 在 Type == PartText 时有效。
	Text string `json:"text,omitempty"`

	// ImageURL 在 Type == PartImage 时有效，可以是 http(s) URL
	// 或 data: 内联数据。
	ImageURL string `json:"image_url,omitempty"`

	// Audio 在 Type == PartAudio 时有效。
	Audio *AudioRef `json:"input_audio,omitempty"`
}

// AudioRef 引用一段音频：URL 形式或 base64 内联形式二选一。
type AudioRef struct {
	URL    string `json:"url,omitempty"`
	Data   string `json:"data,omitempty"`   // base64
	Format string `json:"format,omitempty"` // mp3/wav/...
}

// Message 是平台无关的对话消息。Content 与 Parts 二选一：
// Parts 非空时为多模态消息，Content 被忽略。
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// Text 构造纯文本消息。
func Text(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

// ModelConfig 由外部配置解析协作方按请求提供，在一次调用期间不可变。
type ModelConfig struct {
	Platform     string        `json:"platform"`
	Model        string        `json:"model"`
	ModelName    string        `json:"model_name,omitempty"` // 展示名
	BaseURL      string        `json:"base_url"`
	APIKey       string        `json:"api_key"`
	IsUserConfig bool          `json:"is_user_config,omitempty"`
	ModelTypes   []Capability  `json:"model_types,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// HasCapability 报告该配置是否声明了指定能力。
func (c ModelConfig) HasCapability(cap Capability) bool {
	for _, t := range c.ModelTypes {
		if t == cap {
			return true
		}
	}
	return false
}

// HasCredential 报告该配置是否携带可用凭证。
func (c ModelConfig) HasCredential() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

// ConfigResolver 是被消费的配置解析协作方：按（用户标识，所需能力）
// 返回一份 ModelConfig。缓存策略属于协作方自身的契约，这里不关心。
type ConfigResolver interface {
	Resolve(ctx context.Context, identity string, cap Capability) (ModelConfig, error)
}

// TruncateIdentity 截断用户标识用于日志，避免完整标识落盘。
func TruncateIdentity(identity string) string {
	if len(identity) <= 8 {
		return identity
	}
	return identity[:8] + "..."
}
