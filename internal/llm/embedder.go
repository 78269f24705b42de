package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/antoniostano/mnemosyne/internal/memory"
)

const (
	// DefaultEmbeddingModel is the small OpenAI embedding model.
	DefaultEmbeddingModel = "text-embedding-3-small"
	// DefaultEmbeddingDim matches the small model's native width.
	DefaultEmbeddingDim = 1536
)

// OpenAIEmbedder implements memory.Embedder against the OpenAI embeddings
// API, or any compatible provider via a base URL override.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

var _ memory.Embedder = (*OpenAIEmbedder)(nil)

func NewOpenAIEmbedder(apiKey, baseURL, model string, dim int) *OpenAIEmbedder {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIEmbedder{
		client: &client,
		model:  model,
		dim:    dim,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("embed: empty input")
	}

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:          e.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Dimensions:     openai.Int(int64(e.dim)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) != 1 {
		return nil, fmt.Errorf("embed: got %d embeddings for one input", len(resp.Data))
	}
	return float64sToFloat32s(resp.Data[0].Embedding), nil
}

func (e *OpenAIEmbedder) Dimension() int {
	return e.dim
}

func float64sToFloat32s(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
