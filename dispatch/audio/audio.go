// Package audio 提供语音附件的下载、校验与 MIME 推断。
//
// 下载器对同一 URL 的并发请求做 singleflight 合并，并用令牌桶
// 限制对外请求速率。MIME 推断遵循固定优先级：URL 扩展名 >
// 字节签名 > 上游 Content-Type > audio/mp3 兜底。
package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/nexlearn/modelflow/dispatch"
	"github.com/nexlearn/modelflow/internal/tlsutil"
)

const (
	// minValidSize 是可信音频负载的最小字节数，低于该值视为
	// 截断或错误页面。
	minValidSize = 1000

	defaultTimeout   = 30 * time.Second
	defaultRateLimit = 10 // 每秒下载数
	maxDownloadSize  = 100 << 20
)

// Fetcher 下载并缓存校验语音文件。
type Fetcher struct {
	client  *http.Client
	group   singleflight.Group
	limiter *rate.Limiter
	logger  *zap.Logger
}

// FetchResult 是一次下载的结果。
type FetchResult struct {
	Data        []byte
	ContentType string // 上游 Content-Type，可能为空
}

// Option 配置 Fetcher。
type Option func(*Fetcher)

// WithLogger 设置日志器。
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) { f.logger = logger }
}

// WithClient 替换 HTTP 客户端。
func WithClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithRateLimit 设置每秒最大下载数。
func WithRateLimit(perSecond int) Option {
	return func(f *Fetcher) {
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
}

// NewFetcher 创建下载器。
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:  tlsutil.SecureHTTPClient(defaultTimeout),
		limiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultRateLimit),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Download 下载语音文件。同一 URL 的并发调用合并为一次请求。
func (f *Fetcher) Download(ctx context.Context, rawURL string) (*FetchResult, error) {
	if rawURL == "" {
		return nil, &dispatch.Error{
			Code:       dispatch.ErrAudioDownload,
			Message:    "voice url is empty",
			HTTPStatus: http.StatusBadRequest,
		}
	}

	v, err, shared := f.group.Do(rawURL, func() (any, error) {
		return f.download(ctx, rawURL)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		f.logger.Debug("audio download deduplicated", zap.String("url", rawURL))
	}
	return v.(*FetchResult), nil
}

func (f *Fetcher) download(ctx context.Context, rawURL string) (*FetchResult, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("audio rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &dispatch.Error{
			Code:       dispatch.ErrAudioDownload,
			Message:    fmt.Sprintf("invalid voice url: %v", err),
			HTTPStatus: http.StatusBadRequest,
		}
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &dispatch.Error{
			Code:       dispatch.ErrAudioDownload,
			Message:    fmt.Sprintf("voice download failed: %v", err),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &dispatch.Error{
			Code:       dispatch.ErrAudioDownload,
			Message:    fmt.Sprintf("voice download returned status %d", resp.StatusCode),
			HTTPStatus: resp.StatusCode,
			Retryable:  resp.StatusCode >= 500,
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
	if err != nil {
		return nil, &dispatch.Error{
			Code:       dispatch.ErrAudioDownload,
			Message:    fmt.Sprintf("voice download read failed: %v", err),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
		}
	}

	f.logger.Debug("audio downloaded",
		zap.String("url", rawURL),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)))

	if err := Validate(data); err != nil {
		return nil, err
	}

	return &FetchResult{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// Validate 校验音频负载：长度达到下限且能识别出字节签名。
func Validate(data []byte) error {
	if len(data) < minValidSize {
		return &dispatch.Error{
			Code:       dispatch.ErrAudioInvalid,
			Message:    fmt.Sprintf("audio payload too small: %d bytes", len(data)),
			HTTPStatus: http.StatusUnprocessableEntity,
		}
	}
	if SniffFormat(data) == "" {
		return &dispatch.Error{
			Code:       dispatch.ErrAudioInvalid,
			Message:    "unrecognized audio signature",
			HTTPStatus: http.StatusUnprocessableEntity,
		}
	}
	return nil
}

// SniffFormat 依据字节签名识别格式，未知返回空串。
func SniffFormat(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	switch {
	case bytes.HasPrefix(data, []byte("ID3")):
		return "mp3"
	case data[0] == 0xFF && (data[1] == 0xFB || data[1] == 0xFA):
		return "mp3"
	case bytes.HasPrefix(data, []byte("RIFF")):
		return "wav"
	case bytes.HasPrefix(data, []byte("fLaC")):
		return "flac"
	case bytes.HasPrefix(data, []byte("OggS")):
		return "ogg"
	}
	return ""
}

// extMime 覆盖常见语音扩展名。
var extMime = map[string]string{
	".mp3":  "audio/mp3",
	".wav":  "audio/wav",
	".m4a":  "audio/m4a",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".amr":  "audio/amr",
	".opus": "audio/opus",
	".webm": "audio/webm",
}

// MimeType 推断音频 MIME 类型。
// 优先级：URL 扩展名 > 字节签名 > Content-Type > audio/mp3。
func MimeType(rawURL string, data []byte, contentType string) string {
	if ext := urlExt(rawURL); ext != "" {
		if mime, ok := extMime[ext]; ok {
			return mime
		}
	}
	if format := SniffFormat(data); format != "" {
		return "audio/" + format
	}
	if contentType != "" && strings.HasPrefix(contentType, "audio/") {
		if mime, _, ok := strings.Cut(contentType, ";"); ok {
			return strings.TrimSpace(mime)
		}
		return contentType
	}
	return "audio/mp3"
}

// FilenameFromURL 从 URL 路径取文件名；取不到时依据签名合成。
func FilenameFromURL(rawURL string, data []byte) string {
	if u, err := url.Parse(rawURL); err == nil {
		name := path.Base(u.Path)
		if name != "" && name != "." && name != "/" && strings.Contains(name, ".") {
			return name
		}
	}
	format := SniffFormat(data)
	if format == "" {
		format = "mp3"
	}
	return "audio." + format
}

// UploadMimeType 返回 multipart 上传时的 MIME 类型。与 MimeType
// 的区别是 mp3 用标准的 audio/mpeg，部分转写服务拒绝 audio/mp3。
func UploadMimeType(rawURL string, data []byte, contentType string) string {
	mime := MimeType(rawURL, data, contentType)
	if mime == "audio/mp3" {
		return "audio/mpeg"
	}
	return mime
}

// ToBase64 编码音频负载为标准 base64。
func ToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func urlExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.ToLower(path.Ext(rawURL))
	}
	return strings.ToLower(path.Ext(u.Path))
}
