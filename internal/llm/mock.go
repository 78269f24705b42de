package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/antoniostano/mnemosyne/internal/memory"
)

// MockEmbedder produces deterministic vectors from a text hash. It lets the
// full pipeline run without an embeddings API; similar texts do not get
// similar vectors, so recall quality is nonsense, but every contract holds.
type MockEmbedder struct {
	dim int
}

var _ memory.Embedder = (*MockEmbedder)(nil)

func NewMockEmbedder(dim int) *MockEmbedder {
	if dim <= 0 {
		dim = 16
	}
	return &MockEmbedder{dim: dim}
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("embed: empty input")
	}
	out := make([]float32, m.dim)
	h := fnv.New32a()
	for i := range out {
		h.Write([]byte(text))
		h.Write([]byte{byte(i)})
		out[i] = float32(h.Sum32()%1000)/500 - 1
	}
	return out, nil
}

func (m *MockEmbedder) Dimension() int {
	return m.dim
}

// MockClient returns canned completions so the server can run end to end
// without an API key.
type MockClient struct{}

var _ Client = (*MockClient)(nil)

func (MockClient) Complete(ctx context.Context, system, user string) (string, error) {
	lines := strings.Split(user, "\n")
	last := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			last = s
			break
		}
	}
	if len(last) > 120 {
		last = last[:120]
	}
	return fmt.Sprintf("(mock) noted: %s", last), nil
}
