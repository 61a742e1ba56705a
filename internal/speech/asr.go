package speech

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/voxchain/internal/apperr"
	"github.com/fyrsmithlabs/voxchain/internal/resilience"
)

type asrRequest struct {
	Model string   `json:"model"`
	Audio asrAudio `json:"audio"`
}

type asrAudio struct {
	Format string `json:"format"`
	URL    string `json:"url"`
}

type asrResponse struct {
	ReqID string `json:"reqid"`
	Data  struct {
		Result struct {
			Text string `json:"text"`
		} `json:"result"`
	} `json:"data"`
}

// ASRClient calls the speech recognition service under the asr governor unit.
type ASRClient struct {
	cfg    ClientConfig
	client *http.Client
	gov    *resilience.Governor
	logger *zap.Logger
}

// NewASRClient creates a recognition client.
func NewASRClient(cfg ClientConfig, gov *resilience.Governor, logger *zap.Logger) (*ASRClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ASRClient{cfg: cfg, client: cfg.httpClient(), gov: gov, logger: logger}, nil
}

// Transcribe returns the recognized text for the audio at audioURL. An
// empty transcript is not an error.
func (c *ASRClient) Transcribe(ctx context.Context, audioURL, format string) (string, error) {
	if strings.TrimSpace(audioURL) == "" {
		return "", apperr.Validation("audio URL is required")
	}
	if format == "" {
		format = "mp3"
	}

	req := asrRequest{Model: "asr", Audio: asrAudio{Format: format, URL: audioURL}}
	text, err := resilience.Do(ctx, c.gov, resilience.ASR, func(ctx context.Context) (string, error) {
		var resp asrResponse
		if err := postJSON(ctx, c.client, c.cfg, "/voice/asr", req, &resp); err != nil {
			return "", err
		}
		return resp.Data.Result.Text, nil
	})
	if err != nil {
		return "", fmt.Errorf("transcribing %s: %w", audioURL, err)
	}

	c.logger.Debug("transcribed audio", zap.String("format", format), zap.Int("chars", len(text)))
	return strings.TrimSpace(text), nil
}

var _ Recognizer = (*ASRClient)(nil)
