package memory

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockEmbeddingProvider for testing. Each token adds weight to a hashed
// bucket, so texts sharing words have a positive cosine similarity.
type MockEmbeddingProvider struct {
	dimension int

	mu    sync.Mutex
	calls int
}

func NewMockEmbeddingProvider(dimension int) *MockEmbeddingProvider {
	return &MockEmbeddingProvider{dimension: dimension}
}

func (p *MockEmbeddingProvider) Dimension() int {
	return p.dimension
}

func (p *MockEmbeddingProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *MockEmbeddingProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	embedding := make([]float32, p.dimension)
	for _, tok := range Tokenize(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		embedding[int(h.Sum32())%p.dimension] += 1
	}
	return embedding, nil
}

func (p *MockEmbeddingProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := p.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// failingEmbeddingProvider always reports the embedding service as down.
type failingEmbeddingProvider struct{}

func (failingEmbeddingProvider) Dimension() int { return 8 }

func (failingEmbeddingProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, unavailable(errors.New("service down"))
}

func (failingEmbeddingProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, unavailable(errors.New("service down"))
}

func TestMockEmbeddingProvider_Similarity(t *testing.T) {
	p := NewMockEmbeddingProvider(64)
	ctx := context.Background()

	a, err := p.GenerateEmbedding(ctx, "golang concurrency patterns")
	require.NoError(t, err)
	b, err := p.GenerateEmbedding(ctx, "concurrency in golang")
	require.NoError(t, err)
	c, err := p.GenerateEmbedding(ctx, "banana bread recipe")
	require.NoError(t, err)

	assert.Greater(t, CosineSimilarity(a, b), CosineSimilarity(a, c))
}

func TestNewEmbeddingProvider(t *testing.T) {
	t.Run("unsupported provider", func(t *testing.T) {
		_, err := NewEmbeddingProvider(EmbeddingProviderConfig{Provider: "local", APIKey: "sk-test"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported embedding provider")
	})

	t.Run("missing api key", func(t *testing.T) {
		_, err := NewEmbeddingProvider(EmbeddingProviderConfig{Provider: "openai"})
		require.Error(t, err)
	})

	t.Run("cache wrapper", func(t *testing.T) {
		p, err := NewEmbeddingProvider(EmbeddingProviderConfig{
			Provider:  "openai",
			APIKey:    "sk-test",
			CacheSize: 16,
		})
		require.NoError(t, err)

		cached, ok := p.(*CachedEmbeddingProvider)
		require.True(t, ok)
		assert.Equal(t, defaultEmbeddingModel, cached.Model())
		assert.Equal(t, 1536, cached.Dimension())
	})
}

func TestDefaultDimension(t *testing.T) {
	assert.Equal(t, 1536, DefaultDimension("text-embedding-3-small"))
	assert.Equal(t, 3072, DefaultDimension("text-embedding-3-large"))
}

func TestCachedEmbeddingProvider(t *testing.T) {
	inner := NewMockEmbeddingProvider(32)
	cached, err := NewCachedEmbeddingProvider(inner, "mock", "m1", 100)
	require.NoError(t, err)

	ctx := context.Background()
	assert.Equal(t, float64(-1), cached.HitRate())

	first, err := cached.GenerateEmbeddings(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.Calls())

	second, err := cached.GenerateEmbeddings(ctx, []string{"beta", "gamma", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.Calls(), "only gamma should reach the provider")

	assert.Equal(t, first[0], second[2])
	assert.Equal(t, first[1], second[0])
	assert.InDelta(t, 2.0/5.0, cached.HitRate(), 1e-9)

	single, err := cached.GenerateEmbedding(ctx, "gamma")
	require.NoError(t, err)
	assert.Equal(t, second[1], single)
	assert.Equal(t, 3, inner.Calls())
}

func TestCachedEmbeddingProvider_KeyIncludesModel(t *testing.T) {
	a, err := NewCachedEmbeddingProvider(NewMockEmbeddingProvider(8), "openai", "small", 10)
	require.NoError(t, err)
	b, err := NewCachedEmbeddingProvider(NewMockEmbeddingProvider(8), "openai", "large", 10)
	require.NoError(t, err)

	assert.NotEqual(t, a.key("text"), b.key("text"))
	assert.Equal(t, a.key("text"), a.key("text"))
}

func TestCachedEmbeddingProvider_ErrorNotCached(t *testing.T) {
	cached, err := NewCachedEmbeddingProvider(failingEmbeddingProvider{}, "mock", "m", 10)
	require.NoError(t, err)

	_, err = cached.GenerateEmbeddings(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmbeddingUnavailable))
	assert.Equal(t, 0, cached.cache.Len())
}

func TestOpenAIEmbeddingProvider_Request(t *testing.T) {
	var gotInputs []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotInputs = body.Input

		// Return entries out of order to check index mapping.
		data := make([]map[string]interface{}, 0, len(body.Input))
		for i := len(body.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]interface{}{
				"object":    "embedding",
				"index":     i,
				"embedding": []float64{float64(i), 1},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   data,
			"model":  body.Model,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer server.Close()

	p, err := NewOpenAIEmbeddingProvider(OpenAIEmbeddingConfig{
		APIKey:            "sk-test",
		BaseURL:           server.URL,
		Dimension:         2,
		RequestsPerSecond: 100,
	})
	require.NoError(t, err)

	vecs, err := p.GenerateEmbeddings(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []string{"first", "second"}, gotInputs)
	assert.Equal(t, []float32{0, 1}, vecs[0])
	assert.Equal(t, []float32{1, 1}, vecs[1])

	empty, err := p.GenerateEmbeddings(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOpenAIEmbeddingProvider_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	p, err := NewOpenAIEmbeddingProvider(OpenAIEmbeddingConfig{APIKey: "sk-test", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = p.GenerateEmbedding(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmbeddingUnavailable))
}
