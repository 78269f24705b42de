// Package store provides the persistence backends for conversational memory.
// Two implementations of memory.Store exist: PostgresStore (pgx + pgvector)
// for deployments with a database, and EmbeddedStore (badger + chromem) for
// single-binary local use. NewStore picks one from configuration.
package store

import (
	"context"
	"strings"

	"github.com/antoniostano/mnemosyne/internal/memory"
)

// Options configures backend selection.
type Options struct {
	// DatabaseURL selects the postgres backend when non-empty.
	DatabaseURL string
	// DataDir is the embedded backend's storage directory.
	DataDir string
	// InMemory runs the embedded backend without disk persistence.
	InMemory bool
	// EmbeddingDim is the fixed embedding dimensionality.
	EmbeddingDim int
}

// NewStore creates a postgres-backed store when configured, otherwise an
// embedded badger+chromem store.
func NewStore(ctx context.Context, opts Options) (memory.Store, error) {
	if strings.TrimSpace(opts.DatabaseURL) != "" {
		return NewPostgresStore(ctx, opts.DatabaseURL, opts.EmbeddingDim)
	}
	return NewEmbeddedStore(EmbeddedOptions{
		Dir:      opts.DataDir,
		InMemory: opts.InMemory,
	})
}
