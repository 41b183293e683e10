package rag

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cardmate/advisor/internal/embeddings"
	"github.com/cardmate/advisor/internal/vectorstore"
	"github.com/cardmate/advisor/pkg/contracts"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/rs/zerolog/log"
)

// Sink receives embedded records during an index build.
type Sink interface {
	Write(ctx context.Context, recs []*vectorstore.Record) error
}

// JSONLSink writes records as an embedded JSONL index file.
type JSONLSink struct{ W io.Writer }

func (s JSONLSink) Write(_ context.Context, recs []*vectorstore.Record) error {
	for _, r := range recs {
		if err := vectorstore.WriteRecord(s.W, r); err != nil {
			return err
		}
	}
	return nil
}

// PgvectorSink upserts records into a loaded pgvector index.
type PgvectorSink struct{ Index *vectorstore.PgvectorIndex }

func (s PgvectorSink) Write(ctx context.Context, recs []*vectorstore.Record) error {
	chunks := make([]models.Chunk, 0, len(recs))
	for _, r := range recs {
		c, err := r.Chunk()
		if err != nil {
			return err
		}
		if len(c.Embedding) > 0 {
			chunks = append(chunks, c)
		}
	}
	return s.Index.Upsert(ctx, chunks)
}

// BuildStats summarises an index build.
type BuildStats struct {
	Records  int           `json:"records"`
	Embedded int           `json:"embedded"`
	Reused   int           `json:"reused"`
	Skipped  int           `json:"skipped"` // records without text
	Elapsed  time.Duration `json:"elapsed"`
}

// Indexer embeds the text of chunk records: read → embed → write.
type Indexer struct {
	embeddings contracts.EmbeddingDriver
	force      bool
	flushSize  int
}

// IndexerOption configures the indexer.
type IndexerOption func(*Indexer)

// WithReembed re-embeds records that already carry an embedding.
func WithReembed(force bool) IndexerOption {
	return func(ix *Indexer) { ix.force = force }
}

// NewIndexer creates an index builder.
func NewIndexer(emb contracts.EmbeddingDriver, opts ...IndexerOption) *Indexer {
	ix := &Indexer{embeddings: emb, flushSize: 100}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Build reads chunk records from in, embeds every record's text, and hands
// the records to sink in input order. Records without text pass through
// unembedded and are ignored at load time.
func (ix *Indexer) Build(ctx context.Context, in io.Reader, sink Sink) (*BuildStats, error) {
	start := time.Now()
	stats := &BuildStats{}

	var recs []*vectorstore.Record
	err := vectorstore.ReadRecords(in, func(_ int, rec *vectorstore.Record) error {
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read chunks: %w", err)
	}
	stats.Records = len(recs)

	var (
		pending []*vectorstore.Record
		texts   []string
	)
	for _, r := range recs {
		switch {
		case r.Text() == "":
			stats.Skipped++
		case r.HasEmbedding() && !ix.force:
			stats.Reused++
		default:
			pending = append(pending, r)
			texts = append(texts, r.Text())
		}
	}

	log.Info().
		Int("records", stats.Records).
		Int("to_embed", len(pending)).
		Str("driver", ix.embeddings.Kind()).
		Msg("Embedding card chunks")

	vectors, err := embeddings.EmbedAll(ctx, ix.embeddings, texts)
	if err != nil {
		return nil, err
	}
	for i, r := range pending {
		if err := r.SetEmbedding(vectors[i]); err != nil {
			return nil, fmt.Errorf("set embedding: %w", err)
		}
	}
	stats.Embedded = len(pending)

	for i := 0; i < len(recs); i += ix.flushSize {
		end := i + ix.flushSize
		if end > len(recs) {
			end = len(recs)
		}
		if err := sink.Write(ctx, recs[i:end]); err != nil {
			return nil, fmt.Errorf("write records %d-%d: %w", i, end, err)
		}
	}

	stats.Elapsed = time.Since(start)
	log.Info().
		Int("records", stats.Records).
		Int("embedded", stats.Embedded).
		Int("reused", stats.Reused).
		Int("skipped", stats.Skipped).
		Dur("elapsed", stats.Elapsed).
		Msg("📚 Index build complete")
	return stats, nil
}
