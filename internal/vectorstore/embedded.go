package vectorstore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/cardmate/advisor/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultIndexPath is the embedded index file produced by `cardmate index build`.
const DefaultIndexPath = "cards_rag_embedded.jsonl"

// EmbeddedIndex is an in-memory vector index loaded from a JSONL file and
// searched with brute-force cosine similarity. Chunks keep their file order,
// which is the tie-break order for equal scores.
type EmbeddedIndex struct {
	path string

	mu     sync.RWMutex
	chunks []models.Chunk
	loaded bool
}

// EmbeddedOption configures the embedded index.
type EmbeddedOption func(*EmbeddedIndex)

// WithChunks preloads the index with in-memory chunks instead of a file.
// Chunks without an embedding are skipped, as they are when loading a file.
func WithChunks(chunks []models.Chunk) EmbeddedOption {
	return func(s *EmbeddedIndex) {
		for _, c := range chunks {
			if len(c.Embedding) == 0 {
				continue
			}
			s.chunks = append(s.chunks, c.Clone())
		}
		s.loaded = true
	}
}

// NewEmbeddedIndex creates an index backed by the JSONL file at path. The
// file is not read until Load.
func NewEmbeddedIndex(path string, opts ...EmbeddedOption) *EmbeddedIndex {
	if path == "" {
		path = DefaultIndexPath
	}
	s := &EmbeddedIndex{path: path}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *EmbeddedIndex) Kind() string { return "embedded" }

// Path returns the backing file.
func (s *EmbeddedIndex) Path() string { return s.path }

// Load reads the index file once. Lines without an embedding are skipped.
// A failed load leaves the index empty and may be retried.
func (s *EmbeddedIndex) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer f.Close()

	var chunks []models.Chunk
	skipped := 0
	err = ReadRecords(f, func(lineNo int, rec *Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := rec.Chunk()
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if len(c.Embedding) == 0 {
			skipped++
			return nil
		}
		if c.ID == "" {
			c.ID = fmt.Sprintf("line-%d", lineNo)
		}
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		return fmt.Errorf("read index %s: %w", s.path, err)
	}

	s.chunks = chunks
	s.loaded = true
	log.Info().
		Str("path", s.path).
		Int("chunks", len(chunks)).
		Int("skipped", skipped).
		Msg("📚 RAG index loaded")
	return nil
}

// Search scores every chunk matching filter against vector. Scores of chunks
// whose embedding width differs from vector are 0.
func (s *EmbeddedIndex) Search(_ context.Context, vector []float64, topK int, filter models.Filter) ([]models.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []models.SearchResult
	for i := range s.chunks {
		c := &s.chunks[i]
		if !filter.Matches(c.Metadata) {
			continue
		}
		candidates = append(candidates, models.SearchResult{
			Chunk: c.Clone(),
			Score: CosineSimilarity(vector, c.Embedding),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	if topK > 0 && topK < len(candidates) {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

// CardNames returns the distinct card_name values in file order.
func (s *EmbeddedIndex) CardNames(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	var names []string
	for _, c := range s.chunks {
		name := c.CardName()
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, nil
}

func (s *EmbeddedIndex) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks), nil
}

func (s *EmbeddedIndex) Close() error { return nil }

// ── Helpers ─────────────────────────────────────────────────

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
