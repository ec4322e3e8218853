package embeddings

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// openAIEmbedder embeds query text through an OpenAI-compatible embeddings
// endpoint. Vectors must match the partition index dimension.
type openAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
}

func NewOpenAIEmbedder(opts Options) Embedder {
	cfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	if opts.OpenAIBaseURL != "" {
		cfg.BaseURL = opts.OpenAIBaseURL
	}
	return &openAIEmbedder{
		client:    openai.NewClientWithConfig(cfg),
		model:     opts.Model,
		dimension: opts.Dimension,
	}
}

// shortensOutput reports whether the model accepts a requested output size.
// Only the text-embedding-3 family does; older models reject the field.
func (e *openAIEmbedder) shortensOutput() bool {
	return e.dimension > 0 && strings.HasPrefix(e.model, "text-embedding-3")
}

func (e *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	}
	if e.shortensOutput() {
		req.Dimensions = e.dimension
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings (%s): %w", e.model, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings (%s): got %d vectors for %d texts", e.model, len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, datum := range resp.Data {
		if e.dimension > 0 && len(datum.Embedding) != e.dimension {
			return nil, fmt.Errorf("openai embeddings (%s): vector has %d dimensions, index expects %d", e.model, len(datum.Embedding), e.dimension)
		}
		slot := i
		if datum.Index >= 0 && datum.Index < len(texts) {
			slot = datum.Index
		}
		vectors[slot] = datum.Embedding
	}
	for i, vec := range vectors {
		if vec == nil {
			return nil, fmt.Errorf("openai embeddings (%s): no vector for input %d", e.model, i)
		}
	}
	return vectors, nil
}
