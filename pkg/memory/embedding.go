package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmbeddingUnavailable marks embedding failures the manager degrades
// around instead of failing the whole operation.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// EmbeddingProvider generates vector embeddings from text
type EmbeddingProvider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// EmbeddingProviderConfig selects and configures an embedding backend.
type EmbeddingProviderConfig struct {
	Provider          string
	Model             string
	APIKey            string
	BaseURL           string
	Dimension         int
	RequestsPerSecond float64
	CacheSize         int
}

// NewEmbeddingProvider builds the configured provider, wrapped in an LRU cache
// when CacheSize is positive. Only "openai" is supported.
func NewEmbeddingProvider(cfg EmbeddingProviderConfig) (EmbeddingProvider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		p, err := NewOpenAIEmbeddingProvider(OpenAIEmbeddingConfig{
			APIKey:            cfg.APIKey,
			Model:             cfg.Model,
			BaseURL:           cfg.BaseURL,
			Dimension:         cfg.Dimension,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
		if err != nil {
			return nil, err
		}
		if cfg.CacheSize <= 0 {
			return p, nil
		}
		return NewCachedEmbeddingProvider(p, "openai", p.Model(), cfg.CacheSize)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", cfg.Provider)
	}
}

// unavailable wraps err so callers can detect it with errors.Is.
func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrEmbeddingUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
}
