package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrEmptyInput      = errors.New("empty or nil input texts")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Embedder is the text-to-vector collaborator consumed by retrieval.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Config points the service at an OpenAI-compatible embeddings endpoint.
type Config struct {
	BaseURL string // e.g. https://api.openai.com/v1
	Model   string
	APIKey  string // optional for self-hosted servers

	// RequestsPerSecond paces outbound calls. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int // default 1
}

func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: requests per second must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Service provides paced, instrumented embedding generation.
type Service struct {
	embedder embeddings.Embedder
	model    string
	limiter  *rate.Limiter
	metrics  *Metrics
}

// NewService creates a langchaingo-backed embedding service.
func NewService(config Config, logger *zap.Logger) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	apiKey := config.APIKey
	if apiKey == "" {
		// langchaingo requires a token; self-hosted servers ignore it.
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(config.BaseURL),
		openai.WithEmbeddingModel(config.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return newService(embedder, config, logger), nil
}

func newService(embedder embeddings.Embedder, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	return &Service{
		embedder: embedder,
		model:    config.Model,
		limiter:  limiter,
		metrics:  NewMetrics(logger),
	}
}

func (s *Service) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// observe paces and times one upstream call.
func (s *Service) observe(ctx context.Context, op string, texts int, call func() error) (err error) {
	start := time.Now()
	defer func() { s.metrics.RecordGeneration(ctx, s.model, op, time.Since(start), texts, err) }()
	if err = s.wait(ctx); err != nil {
		return err
	}
	return call()
}

// EmbedDocuments embeds texts in one request, one vector per text.
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	var vectors [][]float32
	err := s.observe(ctx, "embed_documents", len(texts), func() error {
		var err error
		if vectors, err = s.embedder.EmbedDocuments(ctx, texts); err != nil {
			return fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

// EmbedQuery embeds a single utterance.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	var vector []float32
	err := s.observe(ctx, "embed_query", 1, func() error {
		var err error
		if vector, err = s.embedder.EmbedQuery(ctx, text); err != nil {
			return fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
		}
		if len(vector) == 0 {
			return fmt.Errorf("%w: empty response", ErrEmbeddingFailed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

var _ Embedder = (*Service)(nil)
