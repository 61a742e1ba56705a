package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/voxchain/internal/apperr"
	"github.com/fyrsmithlabs/voxchain/internal/resilience/resiliencetest"
)

func TestASRClient_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/voice/asr", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req asrRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "asr", req.Model)
		assert.Equal(t, "wav", req.Audio.Format)
		assert.Equal(t, "https://files.example/a.wav", req.Audio.URL)

		_, _ = w.Write([]byte(`{"reqid":"r1","data":{"result":{"text":"  open the browser "}}}`))
	}))
	defer srv.Close()

	c, err := NewASRClient(ClientConfig{BaseURL: srv.URL, APIKey: "secret"}, resiliencetest.NewGovernor(t), nil)
	require.NoError(t, err)

	text, err := c.Transcribe(context.Background(), "https://files.example/a.wav", "wav")
	require.NoError(t, err)
	assert.Equal(t, "open the browser", text)
}

func TestASRClient_Validation(t *testing.T) {
	c, err := NewASRClient(ClientConfig{BaseURL: "http://127.0.0.1:1"}, resiliencetest.NewGovernor(t), nil)
	require.NoError(t, err)
	_, err = c.Transcribe(context.Background(), " ", "mp3")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = NewASRClient(ClientConfig{}, resiliencetest.NewGovernor(t), nil)
	assert.Error(t, err)
}

func TestASRClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"result":{"text":"hello"}}}`))
	}))
	defer srv.Close()

	c, err := NewASRClient(ClientConfig{BaseURL: srv.URL}, resiliencetest.NewGovernor(t), nil)
	require.NoError(t, err)

	text, err := c.Transcribe(context.Background(), "u", "")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestASRClient_ClientErrorsArePermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad format", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewASRClient(ClientConfig{BaseURL: srv.URL}, resiliencetest.NewGovernor(t), nil)
	require.NoError(t, err)

	_, err = c.Transcribe(context.Background(), "u", "ogg")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, int32(1), calls.Load())
}

func TestASRClient_TimeoutIsRetryableFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewASRClient(ClientConfig{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, resiliencetest.NewGovernor(t), nil)
	require.NoError(t, err)

	_, err = c.Transcribe(context.Background(), "u", "mp3")
	require.Error(t, err)
	assert.Equal(t, apperr.KindDependencyFailure, apperr.KindOf(err))
}

func TestTTSClient_SynthesizeUploadsAudio(t *testing.T) {
	audio := []byte("ID3-fake-mp3")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/voice/tts", r.URL.Path)
		var req ttsRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultVoice, req.Audio.VoiceType)
		assert.Equal(t, "mp3", req.Audio.Encoding)
		assert.Equal(t, 1.0, req.Audio.SpeedRatio)
		assert.Equal(t, "Starting: open browser", req.Request.Text)

		_ = json.NewEncoder(w).Encode(ttsResponse{ReqID: "r", Data: base64.StdEncoding.EncodeToString(audio)})
	}))
	defer srv.Close()

	dir := t.TempDir()
	up, err := NewLocalUploader(dir, "http://localhost:9090/audio/", "tts")
	require.NoError(t, err)

	c, err := NewTTSClient(TTSConfig{ClientConfig: ClientConfig{BaseURL: srv.URL}}, up, resiliencetest.NewGovernor(t), nil)
	require.NoError(t, err)

	url, err := c.Synthesize(context.Background(), "Starting: open browser")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "http://localhost:9090/audio/tts_"), url)
	assert.True(t, strings.HasSuffix(url, ".mp3"))

	stored, err := os.ReadFile(filepath.Join(dir, filepath.Base(url)))
	require.NoError(t, err)
	assert.Equal(t, audio, stored)
}

func TestTTSClient_BadAudioIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"data":"%%%not-base64"}`))
	}))
	defer srv.Close()

	up, err := NewLocalUploader(t.TempDir(), "", "")
	require.NoError(t, err)
	c, err := NewTTSClient(TTSConfig{ClientConfig: ClientConfig{BaseURL: srv.URL}}, up, resiliencetest.NewGovernor(t), nil)
	require.NoError(t, err)

	_, err = c.Synthesize(context.Background(), "hi")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTTSClient_EmptyAudioRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"data":""}`))
	}))
	defer srv.Close()

	up, err := NewLocalUploader(t.TempDir(), "", "")
	require.NoError(t, err)
	c, err := NewTTSClient(TTSConfig{ClientConfig: ClientConfig{BaseURL: srv.URL}}, up, resiliencetest.NewGovernor(t), nil)
	require.NoError(t, err)

	_, err = c.Synthesize(context.Background(), "hi")
	assert.Equal(t, apperr.KindDependencyFailure, apperr.KindOf(err))
	assert.Equal(t, int32(3), calls.Load())

	_, err = c.Synthesize(context.Background(), "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestLocalUploader_UniqueNames(t *testing.T) {
	up, err := NewLocalUploader(filepath.Join(t.TempDir(), "nested"), "/audio", "")
	require.NoError(t, err)

	a, err := up.Upload(context.Background(), []byte("a"), "x.mp3")
	require.NoError(t, err)
	b, err := up.Upload(context.Background(), []byte("b"), "x.mp3")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "/audio/voxchain_"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = up.Upload(ctx, []byte("c"), "x.mp3")
	assert.ErrorIs(t, err, context.Canceled)
}
