package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexlearn/modelflow/dispatch"
	"github.com/nexlearn/modelflow/dispatch/audio"
)

// audioServer 提供一个可下载的合法 mp3 负载。
func audioServer(t *testing.T) (*httptest.Server, []byte) {
	t.Helper()
	payload := make([]byte, 2000)
	copy(payload, "ID3")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(payload)
	}))
	t.Cleanup(server.Close)
	return server, payload
}

func TestGeminiAudio_Supports(t *testing.T) {
	d := NewGeminiAudio(nil, nil)

	assert.True(t, d.Supports("gemini", "gemini-2.0-flash", true))
	assert.False(t, d.Supports("gemini", "gemini-2.0-flash", false))
	assert.False(t, d.Supports("openai", "gpt-4o", true))
}

func TestGeminiAudio_CompatProxyInlinesAudioTurn(t *testing.T) {
	audioSrv, _ := audioServer(t)

	var gotReq struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string            `json:"role"`
			Content []ChatContentPart `json:"content"`
		} `json:"messages"`
	}
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{"id":"1","choices":[{"message":{"role":"assistant","content":"heard you"}}]}`))
	}))
	defer proxy.Close()

	fetcher := audio.NewFetcher()
	d := NewGeminiAudio(fetcher, nil)

	events, err := d.Call(context.Background(), dispatch.CallRequest{
		Config: dispatch.ModelConfig{
			Platform: "gemini",
			Model:    "gemini-2.0-flash",
			BaseURL:  proxy.URL,
			APIKey:   "key",
		},
		Messages: []dispatch.Message{
			dispatch.Text(dispatch.RoleSystem, "be kind"),
			dispatch.Text(dispatch.RoleUser, "what did I say"),
		},
		VoiceURL: audioSrv.URL + "/voice.mp3",
	})
	require.NoError(t, err)

	got := collectEvents(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, "heard you", got[0].Content)
	assert.Equal(t, dispatch.EventDone, got[1].Type)

	// 历史坍缩为单语音轮次：system 保留，最后的用户轮次带 input_audio。
	require.Len(t, gotReq.Messages, 2)
	last := gotReq.Messages[len(gotReq.Messages)-1]
	assert.Equal(t, "user", last.Role)

	var hasText, hasAudio bool
	for _, part := range last.Content {
		switch part.Type {
		case "text":
			hasText = true
			assert.Equal(t, "what did I say", part.Text)
		case "input_audio":
			hasAudio = true
			require.NotNil(t, part.InputAudio)
			assert.Equal(t, "mp3", part.InputAudio.Format)
			assert.NotEmpty(t, part.InputAudio.Data)
		}
	}
	assert.True(t, hasText)
	assert.True(t, hasAudio)
}

func TestGeminiAudio_ProxyRejectionDegradesToText(t *testing.T) {
	audioSrv, _ := audioServer(t)

	var calls int
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if strings.Contains(string(body), "input_audio") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"input_audio not supported"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"1","choices":[{"message":{"role":"assistant","content":"text only"}}]}`))
	}))
	defer proxy.Close()

	d := NewGeminiAudio(audio.NewFetcher(), nil)
	events, err := d.Call(context.Background(), dispatch.CallRequest{
		Config: dispatch.ModelConfig{
			Platform: "gemini",
			Model:    "gemini-2.0-flash",
			BaseURL:  proxy.URL,
			APIKey:   "key",
		},
		Messages: []dispatch.Message{dispatch.Text(dispatch.RoleUser, "hello")},
		VoiceURL: audioSrv.URL + "/voice.mp3",
	})
	require.NoError(t, err)

	got := collectEvents(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, "text only", got[0].Content)
	assert.GreaterOrEqual(t, calls, 2)
}

func TestGeminiAudio_DownloadFailurePropagates(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer broken.Close()

	d := NewGeminiAudio(audio.NewFetcher(), nil)
	_, err := d.Call(context.Background(), dispatch.CallRequest{
		Config: dispatch.ModelConfig{
			Platform: "gemini",
			Model:    "gemini-2.0-flash",
			BaseURL:  "https://proxy.example.com/v1",
			APIKey:   "key",
		},
		VoiceURL: broken.URL + "/missing.mp3",
	})

	var de *dispatch.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, dispatch.ErrAudioDownload, de.Code)
}

func TestInlineAudioTurn_AppendsToLastUserTurn(t *testing.T) {
	turns := []dispatch.Message{
		dispatch.Text(dispatch.RoleSystem, "sys"),
		dispatch.Text(dispatch.RoleUser, "prompt"),
	}

	messages := inlineAudioTurn(turns, "AAAA", "wav")

	require.Len(t, messages, 2)
	parts, ok := messages[1].Content.([]ChatContentPart)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "input_audio", parts[1].Type)
	assert.Equal(t, "wav", parts[1].InputAudio.Format)
}
