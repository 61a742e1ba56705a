package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/voxchain/internal/apperr"
)

const windows = "Windows 11"

// bagEmbedder maps each distinct token to its own dimension.
type bagEmbedder struct {
	mu       sync.Mutex
	calls    int
	vocab    map[string]int
	failText map[string]bool
	failAll  bool
}

func (b *bagEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := b.EmbedQuery(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (b *bagEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failAll || b.failText[text] {
		return nil, errors.New("embedding service down")
	}
	if b.vocab == nil {
		b.vocab = make(map[string]int)
	}
	v := make([]float32, 128)
	for tok, n := range termFrequencies(text) {
		i, ok := b.vocab[tok]
		if !ok {
			i = len(b.vocab)
			b.vocab[tok] = i
		}
		v[i] += float32(n)
	}
	v[127] += 0.01
	return v, nil
}

func (b *bagEmbedder) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func ids(matches []Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.ID
	}
	return out
}

func TestRetrieve_Validation(t *testing.T) {
	idx := NewIndex(NewLibrary(Builtins()), &bagEmbedder{}, nil)

	_, err := idx.Retrieve(context.Background(), "open notepad", windows, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	got, err := idx.Retrieve(context.Background(), "   ", windows, 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieve_SelfSimilarityRanksFirst(t *testing.T) {
	idx := NewIndex(NewLibrary(Builtins()), &bagEmbedder{}, nil)

	for _, tmpl := range Builtins() {
		got, err := idx.Retrieve(context.Background(), tmpl.Description, tmpl.OS, 3)
		require.NoError(t, err)
		require.NotEmpty(t, got)
		assert.Equal(t, tmpl.ID, got[0].ID, "query %q", tmpl.Description)
		assert.InDelta(t, 1.0, got[0].Score, 1e-4)
		assert.Equal(t, MethodEmbedding, got[0].Method)
	}
}

func TestRetrieve_FiltersByOSCaseInsensitive(t *testing.T) {
	idx := NewIndex(NewLibrary(Builtins()), &bagEmbedder{}, nil)

	got, err := idx.Retrieve(context.Background(), "open browser", "ubuntu 22.04", 10)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for _, m := range got {
		assert.Equal(t, "Ubuntu 22.04", m.OS)
	}
	assert.Equal(t, "ubuntu.chrome", got[0].ID)

	got, err = idx.Retrieve(context.Background(), "open browser", "Plan 9", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieve_CachesTemplateEmbeddings(t *testing.T) {
	emb := &bagEmbedder{}
	idx := NewIndex(NewLibrary(Builtins()), emb, nil)
	ctx := context.Background()

	_, err := idx.Retrieve(ctx, "open calculator", windows, 2)
	require.NoError(t, err)
	assert.Equal(t, 6, idx.CachedCount(windows))
	assert.Equal(t, 7, emb.Calls(), "six templates plus the query")

	_, err = idx.Retrieve(ctx, "list directory", windows, 2)
	require.NoError(t, err)
	assert.Equal(t, 8, emb.Calls(), "only the query is embedded again")
	assert.Equal(t, 0, idx.CachedCount("Ubuntu 22.04"))
}

func TestRetrieve_FailedTemplateEmbeddingFallsBackAndRetries(t *testing.T) {
	emb := &bagEmbedder{failText: map[string]bool{"open notepad": true}}
	idx := NewIndex(NewLibrary(Builtins()), emb, nil)
	ctx := context.Background()

	got, err := idx.Retrieve(ctx, "open calculator", windows, 6)
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, 5, idx.CachedCount(windows), "templates that did embed stay cached")
	for _, m := range got {
		assert.Equal(t, MethodTermFreq, m.Method)
	}
	assert.Equal(t, "win.calc", got[0].ID)

	emb.mu.Lock()
	emb.failText = nil
	emb.mu.Unlock()

	got, err = idx.Retrieve(ctx, "open notepad", windows, 1)
	require.NoError(t, err)
	assert.Equal(t, "win.notepad", got[0].ID)
	assert.Equal(t, MethodEmbedding, got[0].Method)
	assert.Equal(t, 6, idx.CachedCount(windows))
}

func TestRetrieve_TemplateEmbeddingsDownQueryUpUsesTermFrequency(t *testing.T) {
	lib := NewLibrary(Builtins())
	candidates, _ := lib.ForOS(windows)
	failing := make(map[string]bool)
	for _, tmpl := range candidates {
		failing[tmpl.embeddingText()] = true
	}
	emb := &bagEmbedder{failText: failing}
	idx := NewIndex(lib, emb, nil)

	got, err := idx.Retrieve(context.Background(), "List the directory", windows, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "win.dir", got[0].ID)
	assert.Equal(t, MethodTermFreq, got[0].Method)
	assert.Greater(t, got[0].Score, got[1].Score)
	assert.Zero(t, idx.CachedCount(windows))
}

func TestRetrieve_TermFrequencyFallback(t *testing.T) {
	tests := []struct {
		name     string
		embedder *bagEmbedder
	}{
		{"embedder down", &bagEmbedder{failAll: true}},
		{"no embedder", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var idx *Index
			if tt.embedder == nil {
				idx = NewIndex(NewLibrary(Builtins()), nil, nil)
			} else {
				idx = NewIndex(NewLibrary(Builtins()), tt.embedder, nil)
			}

			got, err := idx.Retrieve(context.Background(), "List the directory", windows, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "win.dir", got[0].ID)
			assert.Equal(t, MethodTermFreq, got[0].Method)
			assert.Greater(t, got[0].Score, got[1].Score)
		})
	}
}

func TestRetrieve_TiesKeepLibraryOrder(t *testing.T) {
	idx := NewIndex(NewLibrary(Builtins()), nil, nil)

	got, err := idx.Retrieve(context.Background(), "zzz", windows, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"win.notepad", "win.calc", "win.chrome", "win.explorer", "win.dir", "win.code"}, ids(got))
	for _, m := range got {
		assert.Zero(t, m.Score)
	}
}

func TestRetrieve_TieBreakWithEmbeddings(t *testing.T) {
	lib := NewLibrary([]Template{
		{ID: "first", Command: "a", Description: "open editor", OS: windows},
		{ID: "second", Command: "b", Description: "open editor", OS: windows},
	})
	idx := NewIndex(lib, &bagEmbedder{}, nil)

	got, err := idx.Retrieve(context.Background(), "open editor", windows, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, ids(got))
}

func TestTermCosine(t *testing.T) {
	assert.InDelta(t, 1.0, termCosine(termFrequencies("Open Notepad"), termFrequencies("open, notepad!")), 1e-9)
	assert.Zero(t, termCosine(termFrequencies(""), termFrequencies("open")))
	assert.Zero(t, termCosine(termFrequencies("---"), termFrequencies("---")))
	assert.Equal(t, map[string]int{"ls": 1, "la": 1}, termFrequencies("ls -la"))
	assert.True(t, strings.Contains(Builtins()[0].termText(), "notepad"))
}
