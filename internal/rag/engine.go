// Package rag is the retrieval engine the sub-agents ground their answers
// in: embed the question, score it against the card index, and return the
// best chunks.
package rag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cardmate/advisor/pkg/contracts"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTopK is the number of chunks returned when callers have no opinion.
const DefaultTopK = 5

// ErrEmbeddingUnavailable means the query could not be embedded. Search
// callers never see it; it surfaces in logs and in EmbedQuery.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

var tracer = otel.Tracer("cardmate/rag")

// Engine answers similarity queries over a lazily loaded index. It is safe
// for concurrent use; the index is loaded at most once successfully and is
// read-only afterwards.
type Engine struct {
	embeddings contracts.EmbeddingDriver
	index      contracts.VectorIndex

	loaded atomic.Bool
	loadMu sync.Mutex
}

// NewEngine creates a retrieval engine. Nothing is loaded until the first
// query.
func NewEngine(emb contracts.EmbeddingDriver, index contracts.VectorIndex) *Engine {
	return &Engine{embeddings: emb, index: index}
}

// Search returns up to topK chunks most similar to query. Metadata filter
// entries narrow the candidates; when the filter matches nothing the search
// is repeated without it. Any failure (load, embedding, index) yields an
// empty result.
func (e *Engine) Search(ctx context.Context, query string, topK int, filter models.Filter) []models.SearchResult {
	ctx, span := tracer.Start(ctx, "rag.search")
	defer span.End()
	span.SetAttributes(
		attribute.Int("rag.top_k", topK),
		attribute.String("rag.filter", filter.String()),
	)

	start := time.Now()
	empty := []models.SearchResult{}

	if topK < 1 {
		log.Warn().Int("top_k", topK).Msg("RAG search called with top_k < 1")
		return empty
	}
	if err := e.ensureLoaded(ctx); err != nil {
		log.Error().Err(err).Msg("RAG index unavailable")
		span.RecordError(err)
		return empty
	}

	vector, err := e.EmbedQuery(ctx, query)
	if err != nil {
		log.Warn().Err(err).Msg("RAG query embedding failed")
		span.RecordError(err)
		return empty
	}

	results, err := e.index.Search(ctx, vector, topK, filter)
	if err != nil {
		log.Error().Err(err).Str("kind", e.index.Kind()).Msg("RAG index search failed")
		span.RecordError(err)
		return empty
	}

	fallback := false
	if len(results) == 0 && !filter.IsEmpty() {
		fallback = true
		results, err = e.index.Search(ctx, vector, topK, nil)
		if err != nil {
			log.Error().Err(err).Msg("RAG unfiltered fallback failed")
			span.RecordError(err)
			return empty
		}
	}
	if results == nil {
		results = empty
	}

	span.SetAttributes(attribute.Int("rag.results", len(results)), attribute.Bool("rag.fallback", fallback))
	log.Debug().
		Int("results", len(results)).
		Str("filter", filter.String()).
		Bool("fallback", fallback).
		Dur("elapsed", time.Since(start)).
		Msg("RAG search complete")
	return results
}

// EmbedQuery embeds a single query string. Failures and empty vectors are
// reported as ErrEmbeddingUnavailable.
func (e *Engine) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	vectors, err := e.embeddings.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrEmbeddingUnavailable)
	}
	return vectors[0], nil
}

// CardNames lists the distinct cards in the index, in index order.
func (e *Engine) CardNames(ctx context.Context) ([]string, error) {
	if err := e.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return e.index.CardNames(ctx)
}

// Count reports the number of indexed chunks.
func (e *Engine) Count(ctx context.Context) (int, error) {
	if err := e.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	return e.index.Count(ctx)
}

// Loaded reports whether the index has been loaded.
func (e *Engine) Loaded() bool { return e.loaded.Load() }

// Close releases the index.
func (e *Engine) Close() error { return e.index.Close() }

// ensureLoaded loads the index on first use. Concurrent first callers wait
// on the same load; a failed load is retried by the next caller.
func (e *Engine) ensureLoaded(ctx context.Context) error {
	if e.loaded.Load() {
		return nil
	}
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if e.loaded.Load() {
		return nil
	}
	if err := e.index.Load(ctx); err != nil {
		return fmt.Errorf("load %s index: %w", e.index.Kind(), err)
	}
	e.loaded.Store(true)
	return nil
}
