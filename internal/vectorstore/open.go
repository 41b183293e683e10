// Package vectorstore provides the vector index backends for the retrieval
// engine: embedded (JSONL file, in-memory brute force) and pgvector
// (user-provided PostgreSQL).
package vectorstore

import (
	"fmt"

	"github.com/cardmate/advisor/internal/config"
	"github.com/cardmate/advisor/pkg/contracts"
)

// Open builds the index selected by cfg. Nothing is read or dialled until
// the index is loaded.
func Open(cfg config.IndexConfig, dimensions int) (contracts.VectorIndex, error) {
	switch cfg.Kind {
	case "", "embedded":
		return NewEmbeddedIndex(cfg.Path), nil
	case "pgvector":
		if cfg.PGURL == "" {
			return nil, fmt.Errorf("pgvector index needs CARDMATE_PGVECTOR_URL")
		}
		return NewPgvectorIndex(cfg.PGURL, dimensions), nil
	default:
		return nil, fmt.Errorf("unknown index kind %q", cfg.Kind)
	}
}
