// Package speech provides governed clients for the speech recognition and
// speech synthesis services, plus the uploader that publishes synthesized
// audio.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/voxchain/internal/apperr"
)

// ErrUpstream marks a non-2xx response from a speech service.
var ErrUpstream = errors.New("speech service error")

// Recognizer converts recorded audio to text.
type Recognizer interface {
	Transcribe(ctx context.Context, audioURL, format string) (string, error)
}

// Synthesizer converts text to a playable audio URL.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// ClientConfig configures an HTTP speech client.
type ClientConfig struct {
	// BaseURL is the service root, e.g. https://openai.qiniu.com/v1
	BaseURL string
	// APIKey is sent as a bearer token.
	APIKey string
	// Timeout bounds one HTTP exchange (default: 10s)
	Timeout time.Duration
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("speech base URL required")
	}
	return nil
}

func (c ClientConfig) httpClient() *http.Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// postJSON sends body to baseURL+path and decodes a JSON response into out.
// 4xx other than 429 is permanent; everything else is left for the retry
// layer to classify as a dependency failure.
func postJSON(ctx context.Context, client *http.Client, cfg ClientConfig, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %w", apperr.ErrValidation, err)
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
