// Package convert 在平台无关消息与各提供者的请求形状之间转换。
//
// 转换保序且无损：内容分片按原始顺序映射，不认识的分片类型
// 降级为文本占位符，绝不静默丢弃。
package convert

import (
	"fmt"
	"strings"

	"github.com/nexlearn/modelflow/dispatch"
)

// DefaultVoicePrompt 是语音轮次缺少文字说明时使用的固定提示。
const DefaultVoicePrompt = "请听取并回复这段语音内容"

// systemSeparator 连接多条 system 消息。策略：按原始顺序全部
// 拼接成一条指令（多 system 消息的确定性规则）。
const systemSeparator = "\n\n"

// GeminiPart 是 Gemini contents 的一个分片。
type GeminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *GeminiInlineData `json:"inline_data,omitempty"`
	FileData   *GeminiFileData   `json:"file_data,omitempty"`
}

// GeminiInlineData 携带 base64 内联数据。
type GeminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// GeminiFileData 以 URI 引用外部文件。
type GeminiFileData struct {
	FileURI  string `json:"file_uri"`
	MimeType string `json:"mime_type"`
}

// GeminiContent 是 Gemini contents 的一条消息。
type GeminiContent struct {
	Role  string       `json:"role,omitempty"` // user / model
	Parts []GeminiPart `json:"parts"`
}

// ToGeminiContents 把平台无关消息转换为 Gemini contents，
// 同时抽取系统指令。assistant 映射为 Gemini 的 "model" 角色，
// user 保持不变。
func ToGeminiContents(messages []dispatch.Message) ([]GeminiContent, string) {
	var contents []GeminiContent
	var systemParts []string

	for _, msg := range messages {
		if msg.Role == dispatch.RoleSystem {
			systemParts = append(systemParts, ExtractText(msg))
			continue
		}

		role := "user"
		if msg.Role == dispatch.RoleAssistant {
			role = "model"
		}

		contents = append(contents, GeminiContent{
			Role:  role,
			Parts: toGeminiParts(msg),
		})
	}

	return contents, strings.Join(systemParts, systemSeparator)
}

// toGeminiParts 把单条消息的内容展开为保序的 Gemini parts。
func toGeminiParts(msg dispatch.Message) []GeminiPart {
	if msg.Parts == nil {
		return []GeminiPart{{Text: msg.Content}}
	}

	parts := make([]GeminiPart, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch p.Type {
		case dispatch.PartText:
			parts = append(parts, GeminiPart{Text: p.Text})

		case dispatch.PartImage:
			if gp, ok := imagePart(p.ImageURL); ok {
				parts = append(parts, gp)
			} else {
				parts = append(parts, placeholderPart(p.Type))
			}

		case dispatch.PartAudio:
			if gp, ok := audioPart(p.Audio); ok {
				parts = append(parts, gp)
			} else {
				parts = append(parts, placeholderPart(p.Type))
			}

		default:
			// 未知分片类型：降级为文本占位符而不是丢弃，保持顺序。
			parts = append(parts, placeholderPart(p.Type))
		}
	}
	if len(parts) == 0 {
		return []GeminiPart{{Text: ""}}
	}
	return parts
}

func placeholderPart(t dispatch.PartType) GeminiPart {
	return GeminiPart{Text: fmt.Sprintf("[unsupported content: %s]", t)}
}

func imagePart(url string) (GeminiPart, bool) {
	if url == "" {
		return GeminiPart{}, false
	}
	if strings.HasPrefix(url, "data:") {
		mime, data := ParseDataURL(url)
		return GeminiPart{InlineData: &GeminiInlineData{MimeType: mime, Data: data}}, true
	}
	return GeminiPart{FileData: &GeminiFileData{FileURI: url, MimeType: "image/jpeg"}}, true
}

func audioPart(ref *dispatch.AudioRef) (GeminiPart, bool) {
	if ref == nil {
		return GeminiPart{}, false
	}
	if ref.URL != "" {
		return GeminiPart{FileData: &GeminiFileData{
			FileURI:  ref.URL,
			MimeType: audioMimeFromURL(ref.URL),
		}}, true
	}
	if ref.Data != "" {
		format := ref.Format
		if format == "" {
			format = "mp3"
		}
		return GeminiPart{InlineData: &GeminiInlineData{
			MimeType: "audio/" + format,
			Data:     ref.Data,
		}}, true
	}
	return GeminiPart{}, false
}

// ParseDataURL 解析 data: URL，返回 (mimeType, base64Data)。
// 非法输入回退为 image/jpeg 与原串。
func ParseDataURL(dataURL string) (string, string) {
	if strings.HasPrefix(dataURL, "data:") {
		if header, data, ok := strings.Cut(dataURL, ","); ok {
			mime := strings.TrimPrefix(strings.SplitN(header, ";", 2)[0], "data:")
			if mime != "" {
				return mime, data
			}
		}
	}
	return "image/jpeg", dataURL
}

func audioMimeFromURL(url string) string {
	u := strings.ToLower(url)
	switch {
	case strings.Contains(u, ".mp3"):
		return "audio/mp3"
	case strings.Contains(u, ".wav"):
		return "audio/wav"
	case strings.Contains(u, ".m4a"):
		return "audio/m4a"
	case strings.Contains(u, ".aac"):
		return "audio/aac"
	case strings.Contains(u, ".ogg"):
		return "audio/ogg"
	case strings.Contains(u, ".flac"):
		return "audio/flac"
	default:
		return "audio/mp3"
	}
}

// ToAudioTurnMessages 构造"单语音轮次"消息列表（OpenRouter 等
// OpenAI 兼容音频格式）：开头的 system 消息原样保留，历史用户
// 轮次坍缩为纯文本上下文，最后注入恰好一条携带 voiceURL 的用户
// 轮次。这是有意的有损转换：只有最近一个用户轮次能携带音频，
// 更早的音频引用不再附带。
func ToAudioTurnMessages(messages []dispatch.Message, voiceURL string) []dispatch.Message {
	result := make([]dispatch.Message, 0, len(messages)+1)
	userText := ""

	for _, msg := range messages {
		switch msg.Role {
		case dispatch.RoleSystem:
			result = append(result, msg)
		case dispatch.RoleUser:
			userText = ExtractText(msg)
		default:
			result = append(result, msg)
		}
	}

	prompt := userText
	if prompt == "" {
		prompt = DefaultVoicePrompt
	}
	parts := []dispatch.ContentPart{{Type: dispatch.PartText, Text: prompt}}
	if voiceURL != "" {
		parts = append(parts, dispatch.ContentPart{
			Type:  dispatch.PartAudio,
			Audio: &dispatch.AudioRef{URL: voiceURL},
		})
	}
	result = append(result, dispatch.Message{Role: dispatch.RoleUser, Parts: parts})

	return result
}

// ExtractSystemInstruction 抽取全部 system 消息并按原始顺序拼接。
// 没有 system 消息时返回 ("", false)。
func ExtractSystemInstruction(messages []dispatch.Message) (string, bool) {
	var parts []string
	for _, msg := range messages {
		if msg.Role == dispatch.RoleSystem {
			parts = append(parts, ExtractText(msg))
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, systemSeparator), true
}

// ExtractText 抽取消息中的纯文本：多模态消息取全部文本分片
// 以空格连接。
func ExtractText(msg dispatch.Message) string {
	if msg.Parts == nil {
		return msg.Content
	}
	var texts []string
	for _, p := range msg.Parts {
		if p.Type == dispatch.PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.TrimSpace(strings.Join(texts, " "))
}

// SpliceTranscription 把转录文本并入最后一条用户消息，产出可交给
// 纯文本模型的新消息列表。该轮原文为空或为固定语音占位提示时直接
// 替换为转录，否则在原文后追加转录内容。没有用户消息时追加一条。
func SpliceTranscription(messages []dispatch.Message, transcript string) []dispatch.Message {
	result := make([]dispatch.Message, 0, len(messages)+1)
	for _, msg := range messages {
		result = append(result, dispatch.Text(msg.Role, ExtractText(msg)))
	}

	last := -1
	for i := len(result) - 1; i >= 0; i-- {
		if result[i].Role == dispatch.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		return append(result, dispatch.Text(dispatch.RoleUser, transcript))
	}

	original := result[last].Content
	if original == "" || original == DefaultVoicePrompt {
		result[last].Content = transcript
	} else {
		result[last].Content = fmt.Sprintf("%s\n\n[语音内容]: %s", original, transcript)
	}
	return result
}
