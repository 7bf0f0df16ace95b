package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/nexlearn/modelflow/dispatch"
)

func mp3Payload(size int) []byte {
	data := make([]byte, size)
	copy(data, "ID3")
	return data
}

func TestSniffFormat(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"id3", []byte("ID3\x04rest"), "mp3"},
		{"mpeg frame fb", []byte{0xFF, 0xFB, 0x90, 0x00}, "mp3"},
		{"mpeg frame fa", []byte{0xFF, 0xFA, 0x90, 0x00}, "mp3"},
		{"riff", []byte("RIFF....WAVE"), "wav"},
		{"flac", []byte("fLaC0000"), "flac"},
		{"ogg", []byte("OggS0000"), "ogg"},
		{"unknown", []byte("GIF89a.."), ""},
		{"too short", []byte("ID"), ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SniffFormat(tc.data))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(mp3Payload(minValidSize)))

	err := Validate(mp3Payload(minValidSize - 1))
	var de *dispatch.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, dispatch.ErrAudioInvalid, de.Code)

	junk := make([]byte, minValidSize)
	err = Validate(junk)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, dispatch.ErrAudioInvalid, de.Code)
}

func TestValidate_Property(t *testing.T) {
	signatures := [][]byte{
		[]byte("ID3"),
		{0xFF, 0xFB},
		{0xFF, 0xFA},
		[]byte("RIFF"),
		[]byte("fLaC"),
		[]byte("OggS"),
	}
	knownSignature := func(data []byte) bool {
		if len(data) < 4 {
			return false
		}
		for _, sig := range signatures {
			if bytes.HasPrefix(data, sig) {
				return true
			}
		}
		return false
	}

	rapid.Check(t, func(t *rapid.T) {
		// 一半样本带已知签名前缀，保证两个分支都被覆盖。
		prefix := rapid.SampledFrom(append(signatures, []byte{})).Draw(t, "prefix")
		tail := rapid.SliceOfN(rapid.Byte(), 0, 1500).Draw(t, "tail")
		data := append(append([]byte{}, prefix...), tail...)

		want := len(data) >= minValidSize && knownSignature(data)
		assert.Equal(t, want, Validate(data) == nil)
	})
}

func TestMimeType_Precedence(t *testing.T) {
	wav := []byte("RIFF....WAVE")

	// 扩展名优先于签名与 Content-Type。
	assert.Equal(t, "audio/m4a", MimeType("https://e.com/a.m4a?sig=x", wav, "audio/ogg"))

	// 没有已知扩展名时用签名。
	assert.Equal(t, "audio/wav", MimeType("https://e.com/voice", wav, "audio/ogg"))

	// 扩展名与签名都取不到时用 Content-Type。
	assert.Equal(t, "audio/ogg", MimeType("https://e.com/voice", []byte("????"), "audio/ogg; charset=binary"))

	// 全部缺失时兜底 mp3。
	assert.Equal(t, "audio/mp3", MimeType("https://e.com/voice", []byte("????"), "text/html"))
}

func TestUploadMimeType_Mp3BecomesMpeg(t *testing.T) {
	assert.Equal(t, "audio/mpeg", UploadMimeType("https://e.com/a.mp3", nil, ""))
	assert.Equal(t, "audio/wav", UploadMimeType("https://e.com/a.wav", nil, ""))
}

func TestFilenameFromURL(t *testing.T) {
	assert.Equal(t, "voice.mp3", FilenameFromURL("https://e.com/media/voice.mp3?token=1", nil))
	assert.Equal(t, "audio.wav", FilenameFromURL("https://e.com/stream", []byte("RIFF....")))
	assert.Equal(t, "audio.mp3", FilenameFromURL("", nil))
}

func TestToBase64_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")
		encoded := ToBase64(data)
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(t, err)
		assert.Equal(t, data, decoded)
	})
}

func TestFetcher_Download(t *testing.T) {
	payload := mp3Payload(2000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	f := NewFetcher(WithClient(server.Client()))
	result, err := f.Download(context.Background(), server.URL+"/voice.mp3")

	require.NoError(t, err)
	assert.Equal(t, payload, result.Data)
	assert.Equal(t, "audio/mpeg", result.ContentType)
}

func TestFetcher_DownloadStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := NewFetcher(WithClient(server.Client()))
	_, err := f.Download(context.Background(), server.URL+"/missing.mp3")

	var de *dispatch.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, dispatch.ErrAudioDownload, de.Code)
	assert.Equal(t, http.StatusNotFound, de.HTTPStatus)
	assert.False(t, de.Retryable)
}

func TestFetcher_DownloadServerErrorRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f := NewFetcher(WithClient(server.Client()))
	_, err := f.Download(context.Background(), server.URL+"/voice.mp3")

	var de *dispatch.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusBadGateway, de.HTTPStatus)
	assert.True(t, de.Retryable)
}

func TestFetcher_DownloadRejectsInvalidPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not audio"))
	}))
	defer server.Close()

	f := NewFetcher(WithClient(server.Client()))
	_, err := f.Download(context.Background(), server.URL+"/voice.mp3")

	var de *dispatch.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, dispatch.ErrAudioInvalid, de.Code)
}

func TestFetcher_DownloadEmptyURL(t *testing.T) {
	f := NewFetcher()
	_, err := f.Download(context.Background(), "")

	var de *dispatch.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, dispatch.ErrAudioDownload, de.Code)
}

func TestFetcher_ConcurrentDownloadsDeduplicated(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	payload := mp3Payload(2000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	f := NewFetcher(WithClient(server.Client()))

	const n = 8
	var wg sync.WaitGroup
	results := make([]*FetchResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.Download(context.Background(), server.URL+"/voice.mp3")
		}(i)
	}

	// 等全部请求挂在同一次下载上，再放行。
	for hits.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, payload, results[i].Data)
	}
}
