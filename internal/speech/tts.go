package speech

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/voxchain/internal/apperr"
	"github.com/fyrsmithlabs/voxchain/internal/resilience"
)

// DefaultVoice is used when TTSConfig.Voice is empty.
const DefaultVoice = "qiniu_zh_female_wwxkjx"

// TTSConfig configures synthesis.
type TTSConfig struct {
	ClientConfig
	Voice      string
	SpeedRatio float64
}

type ttsRequest struct {
	Audio   ttsAudio   `json:"audio"`
	Request ttsPayload `json:"request"`
}

type ttsAudio struct {
	VoiceType  string  `json:"voice_type"`
	Encoding   string  `json:"encoding"`
	SpeedRatio float64 `json:"speed_ratio"`
}

type ttsPayload struct {
	Text string `json:"text"`
}

type ttsResponse struct {
	ReqID string `json:"reqid"`
	Data  string `json:"data"`
}

// TTSClient calls the speech synthesis service under the tts governor unit
// and publishes the audio through an Uploader.
type TTSClient struct {
	cfg      TTSConfig
	client   *http.Client
	uploader Uploader
	gov      *resilience.Governor
	logger   *zap.Logger
}

// NewTTSClient creates a synthesis client.
func NewTTSClient(cfg TTSConfig, uploader Uploader, gov *resilience.Governor, logger *zap.Logger) (*TTSClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if uploader == nil {
		return nil, fmt.Errorf("tts uploader required")
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.SpeedRatio <= 0 {
		cfg.SpeedRatio = 1.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TTSClient{cfg: cfg, client: cfg.httpClient(), uploader: uploader, gov: gov, logger: logger}, nil
}

// Synthesize renders text to mp3 and returns the uploaded file's URL.
func (c *TTSClient) Synthesize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", apperr.Validation("text is required")
	}

	req := ttsRequest{
		Audio:   ttsAudio{VoiceType: c.cfg.Voice, Encoding: "mp3", SpeedRatio: c.cfg.SpeedRatio},
		Request: ttsPayload{Text: text},
	}
	audio, err := resilience.Do(ctx, c.gov, resilience.TTS, func(ctx context.Context) ([]byte, error) {
		var resp ttsResponse
		if err := postJSON(ctx, c.client, c.cfg.ClientConfig, "/voice/tts", req, &resp); err != nil {
			return nil, err
		}
		if resp.Data == "" {
			return nil, fmt.Errorf("%w: empty audio", ErrUpstream)
		}
		b, err := base64.StdEncoding.DecodeString(resp.Data)
		if err != nil {
			return nil, apperr.Validation("decoding audio: %v", err)
		}
		return b, nil
	})
	if err != nil {
		return "", fmt.Errorf("synthesizing speech: %w", err)
	}

	url, err := c.uploader.Upload(ctx, audio, "tts.mp3")
	if err != nil {
		return "", fmt.Errorf("uploading speech: %w", err)
	}
	c.logger.Debug("synthesized speech", zap.Int("bytes", len(audio)), zap.String("url", url))
	return url, nil
}

var _ Synthesizer = (*TTSClient)(nil)
