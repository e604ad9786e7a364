package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"
)

const defaultEmbeddingModel = "text-embedding-3-small"

// OpenAIEmbeddingConfig configures the OpenAI embeddings client.
type OpenAIEmbeddingConfig struct {
	APIKey            string
	Model             string
	BaseURL           string
	Dimension         int
	RequestsPerSecond float64
}

// OpenAIEmbeddingProvider implements EmbeddingProvider on the OpenAI embeddings API.
type OpenAIEmbeddingProvider struct {
	client    openai.Client
	model     string
	dimension int
	limiter   *rate.Limiter
}

// NewOpenAIEmbeddingProvider fails fast when no API key is configured.
func NewOpenAIEmbeddingProvider(cfg OpenAIEmbeddingConfig) (*OpenAIEmbeddingProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai embedding provider requires an API key")
	}

	model := cfg.Model
	if model == "" {
		model = defaultEmbeddingModel
	}

	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = DefaultDimension(model)
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	p := &OpenAIEmbeddingProvider{
		client:    openai.NewClient(opts...),
		model:     model,
		dimension: dimension,
	}
	if cfg.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return p, nil
}

// DefaultDimension returns the native output size of an OpenAI embedding model.
func DefaultDimension(model string) int {
	if strings.Contains(model, "small") {
		return 1536
	}
	return 3072
}

func (p *OpenAIEmbeddingProvider) Dimension() int {
	return p.dimension
}

// Model returns the embedding model name.
func (p *OpenAIEmbeddingProvider) Model() string {
	return p.model
}

func (p *OpenAIEmbeddingProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (p *OpenAIEmbeddingProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, unavailable(fmt.Errorf("rate limiter: %w", err))
		}
	}

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(p.model),
	}
	if strings.HasPrefix(p.model, "text-embedding-3") {
		params.Dimensions = openai.Int(int64(p.dimension))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, unavailable(fmt.Errorf("openai embeddings request failed: %w", err))
	}
	if len(resp.Data) != len(texts) {
		return nil, unavailable(fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts)))
	}

	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) {
			return nil, unavailable(fmt.Errorf("openai returned out of range index %d", d.Index))
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		embeddings[d.Index] = vec
	}

	return embeddings, nil
}
