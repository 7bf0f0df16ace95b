package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"go.uber.org/zap"

	"github.com/nexlearn/modelflow/dispatch"
	"github.com/nexlearn/modelflow/dispatch/audio"
	"github.com/nexlearn/modelflow/dispatch/convert"
	"github.com/nexlearn/modelflow/dispatch/retry"
)

// WhisperSTT 是两段式语音调度器：先用转写模型把语音转成文字，
// 发出 Transcription 事件，再把转录拼入消息历史，委托给解析到的
// 文本模型继续生成回复。
type WhisperSTT struct {
	clients  *clientPair
	fetcher  *audio.Fetcher
	retryer  *retry.Retryer
	resolver dispatch.ConfigResolver
	text     *OpenAICompat
	gemini   *Gemini
	logger   *zap.Logger
}

// NewWhisperSTT 创建转写调度器。resolver 用于在转写完成后解析
// 文本模型配置，不可为 nil。
func NewWhisperSTT(resolver dispatch.ConfigResolver, fetcher *audio.Fetcher, logger *zap.Logger, opts ...ProviderOption) *WhisperSTT {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fetcher == nil {
		fetcher = audio.NewFetcher(audio.WithLogger(logger))
	}
	s := newProviderSettings(opts)
	return &WhisperSTT{
		clients:  newClientPair(),
		fetcher:  fetcher,
		retryer:  retry.New(s.retry, logger),
		resolver: resolver,
		text:     NewOpenAICompat(logger, opts...),
		gemini:   NewGemini(logger, opts...),
		logger:   logger,
	}
}

func (d *WhisperSTT) Name() string { return "whisper_stt" }

func (d *WhisperSTT) Priority() int { return 15 }

// Supports 接受带语音的转写/合成类模型。
func (d *WhisperSTT) Supports(platform, model string, hasVoice bool) bool {
	return hasVoice && isSpeechModel(model)
}

// Call 实现 dispatch.Dispatcher。
func (d *WhisperSTT) Call(ctx context.Context, req dispatch.CallRequest) (<-chan dispatch.Event, error) {
	cfg := req.Config
	if !cfg.HasCredential() {
		return nil, dispatch.NewConfigMissingError(cfg.Platform, cfg.Model)
	}

	result, err := d.fetcher.Download(ctx, req.VoiceURL)
	if err != nil {
		return nil, err
	}

	transcript, err := retry.Result(ctx, d.retryer, func() (string, error) {
		return d.transcribe(ctx, cfg, req.VoiceURL, result)
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("voice transcribed",
		zap.Int("transcript_chars", len([]rune(transcript))),
		zap.String("identity", dispatch.TruncateIdentity(req.Identity)))

	textCfg, err := d.resolver.Resolve(ctx, req.Identity, dispatch.CapabilityText)
	if err != nil {
		return nil, &dispatch.Error{
			Code:       dispatch.ErrConfigMissing,
			Message:    fmt.Sprintf("no text model available after transcription: %v", err),
			HTTPStatus: http.StatusServiceUnavailable,
			Provider:   d.Name(),
		}
	}

	spliced := convert.SpliceTranscription(req.Messages, transcript)
	delegateReq := dispatch.CallRequest{
		Config:   textCfg,
		Messages: spliced,
		Stream:   req.Stream,
		Identity: req.Identity,
	}

	var delegate dispatch.Dispatcher = d.text
	if isGeminiModel(textCfg.Platform, textCfg.Model) {
		delegate = d.gemini
	}

	events, err := delegate.Call(ctx, delegateReq)
	if err != nil {
		return nil, err
	}

	out := make(chan dispatch.Event, 1)
	go func() {
		defer close(out)
		tev := dispatch.TranscriptionEvent(transcript)
		select {
		case out <- tev:
		case <-ctx.Done():
			return
		}
		for ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// transcribe 用 multipart 表单调用 audio/transcriptions 端点。
func (d *WhisperSTT) transcribe(ctx context.Context, cfg dispatch.ModelConfig, voiceURL string, result *audio.FetchResult) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := audio.FilenameFromURL(voiceURL, result.Data)
	mime := audio.UploadMimeType(voiceURL, result.Data, result.ContentType)

	header := make(map[string][]string)
	header["Content-Disposition"] = []string{
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename),
	}
	header["Content-Type"] = []string{mime}
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(result.Data); err != nil {
		return "", fmt.Errorf("write audio payload: %w", err)
	}
	if err := writer.WriteField("model", cfg.Model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	url := joinURL(cfg.BaseURL, "/audio/transcriptions")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := d.clients.pick(false, cfg.Timeout).Do(httpReq)
	if err != nil {
		return "", TransportError(err, d.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := ReadErrorMessage(resp.Body)
		mapped := MapHTTPError(resp.StatusCode, msg, d.Name())
		if mapped.Code == dispatch.ErrUpstreamError {
			mapped.Code = dispatch.ErrTranscriptionError
		}
		return "", mapped
	}

	var tr struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&tr); err != nil {
		return "", &dispatch.Error{
			Code:       dispatch.ErrTranscriptionError,
			Message:    "failed to decode transcription response: " + err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   d.Name(),
		}
	}
	if tr.Text == "" {
		return "", &dispatch.Error{
			Code:       dispatch.ErrTranscriptionError,
			Message:    "transcription returned empty text",
			HTTPStatus: http.StatusBadGateway,
			Provider:   d.Name(),
		}
	}
	return tr.Text, nil
}
