package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/voxchain/internal/apperr"
	"github.com/fyrsmithlabs/voxchain/internal/embeddings"
)

const instrumentationName = "github.com/fyrsmithlabs/voxchain/internal/retrieval"

var tracer = otel.Tracer(instrumentationName)

// Ranking methods reported on a Match.
const (
	MethodEmbedding = "embedding"
	MethodTermFreq  = "term_frequency"
)

// Match is a ranked template.
type Match struct {
	Template
	Score  float64 `json:"score"`
	Method string  `json:"method"`
}

// Index ranks library templates against an utterance. Template embeddings
// are computed on first use and cached in one chromem collection per OS;
// the cache resets when the library reloads.
type Index struct {
	lib      *Library
	embedder embeddings.Embedder
	logger   *zap.Logger

	mu          sync.Mutex
	db          *chromem.DB
	version     uint64
	collections map[string]*chromem.Collection
	cached      map[string]map[string]bool
}

// NewIndex creates an index over lib. A nil embedder always uses the
// term-frequency ranking.
func NewIndex(lib *Library, embedder embeddings.Embedder, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		lib:         lib,
		embedder:    embedder,
		logger:      logger,
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		cached:      make(map[string]map[string]bool),
	}
}

// Retrieve returns up to k templates for osName ranked by similarity to
// text, ties broken by library order.
func (x *Index) Retrieve(ctx context.Context, text, osName string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, apperr.Validation("k must be positive, got %d", k)
	}
	if strings.TrimSpace(text) == "" {
		return []Match{}, nil
	}

	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("os", osName), attribute.Int("k", k))

	candidates, version := x.lib.ForOS(osName)
	if len(candidates) == 0 {
		return []Match{}, nil
	}

	if x.embedder != nil {
		matches, err := x.rankByEmbedding(ctx, text, osName, candidates, version)
		if err == nil {
			span.SetAttributes(attribute.String("method", MethodEmbedding))
			return top(matches, k), nil
		}
		x.logger.Warn("embedding retrieval unavailable, using term frequency",
			zap.String("os", osName), zap.Error(err))
	}
	span.SetAttributes(attribute.String("method", MethodTermFreq))
	return top(rankByTerms(text, candidates), k), nil
}

func (x *Index) rankByEmbedding(ctx context.Context, text, osName string, candidates []Template, version uint64) ([]Match, error) {
	col, err := x.ensureEmbedded(ctx, osName, candidates, version)
	if err != nil {
		return nil, err
	}
	query, err := x.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	scores := make(map[string]float64, len(candidates))
	if n := col.Count(); n > 0 {
		results, err := col.QueryEmbedding(ctx, query, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("querying collection: %w", err)
		}
		for _, r := range results {
			scores[r.ID] = float64(r.Similarity)
		}
	}

	matches := make([]Match, len(candidates))
	for i, t := range candidates {
		matches[i] = Match{Template: t, Score: scores[t.ID], Method: MethodEmbedding}
	}
	return matches, nil
}

// ensureEmbedded adds any candidate not yet cached to the OS collection.
// Templates that fail to embed are retried next call; until every candidate
// is cached it returns an error so the caller ranks by term frequency.
func (x *Index) ensureEmbedded(ctx context.Context, osName string, candidates []Template, version uint64) (*chromem.Collection, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if version != x.version {
		for name := range x.collections {
			if err := x.db.DeleteCollection(collectionName(name)); err != nil {
				return nil, fmt.Errorf("resetting collection: %w", err)
			}
		}
		x.collections = make(map[string]*chromem.Collection)
		x.cached = make(map[string]map[string]bool)
		x.version = version
	}

	key := strings.ToLower(strings.TrimSpace(osName))
	col, ok := x.collections[key]
	if !ok {
		var err error
		col, err = x.db.GetOrCreateCollection(collectionName(key), map[string]string{"os": osName}, x.embedFunc())
		if err != nil {
			return nil, fmt.Errorf("getting/creating collection for %s: %w", osName, err)
		}
		x.collections[key] = col
		x.cached[key] = make(map[string]bool)
	}

	cached := x.cached[key]
	missing := 0
	for _, t := range candidates {
		if cached[t.ID] {
			continue
		}
		vec, err := x.embedder.EmbedQuery(ctx, t.embeddingText())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			x.logger.Debug("template embedding failed", zap.String("template", t.ID), zap.Error(err))
			missing++
			continue
		}
		doc := chromem.Document{
			ID:        t.ID,
			Content:   t.termText(),
			Embedding: vec,
			Metadata:  map[string]string{"shell": t.Shell},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("caching template %s: %w", t.ID, err)
		}
		cached[t.ID] = true
	}
	if missing > 0 {
		return nil, fmt.Errorf("%d of %d template embeddings failed", missing, len(candidates))
	}
	return col, nil
}

func (x *Index) embedFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return x.embedder.EmbedQuery(ctx, text)
	}
}

// CachedCount reports how many template embeddings are cached for osName.
func (x *Index) CachedCount(osName string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.cached[strings.ToLower(strings.TrimSpace(osName))])
}

func collectionName(key string) string {
	return "templates-" + strings.ReplaceAll(key, " ", "-")
}

func rankByTerms(text string, candidates []Template) []Match {
	query := termFrequencies(text)
	matches := make([]Match, len(candidates))
	for i, t := range candidates {
		matches[i] = Match{
			Template: t,
			Score:    termCosine(query, termFrequencies(t.termText())),
			Method:   MethodTermFreq,
		}
	}
	return matches
}

// top sorts by score descending, keeping library order on ties, and
// truncates to k.
func top(matches []Match, k int) []Match {
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
