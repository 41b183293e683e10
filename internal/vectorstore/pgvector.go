package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cardmate/advisor/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotLoaded is returned by PgvectorIndex operations issued before Load.
var ErrNotLoaded = errors.New("vector index not loaded")

// PgvectorIndex is a VectorIndex backed by PostgreSQL with the pgvector
// extension. Users provide their own PostgreSQL instance; the table is
// created on first Load.
type PgvectorIndex struct {
	connURL    string
	dimensions int

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// NewPgvectorIndex creates an unconnected pgvector index.
func NewPgvectorIndex(connURL string, dimensions int) *PgvectorIndex {
	return &PgvectorIndex{connURL: connURL, dimensions: dimensions}
}

func (s *PgvectorIndex) Kind() string { return "pgvector" }

// Load connects, pings and migrates. Repeated calls after success are no-ops.
func (s *PgvectorIndex) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return nil
	}
	if s.dimensions <= 0 {
		return fmt.Errorf("pgvector: embedding dimensions must be set")
	}

	pool, err := pgxpool.New(ctx, s.connURL)
	if err != nil {
		return fmt.Errorf("pgvector connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("pgvector ping: %w", err)
	}
	if err := migrate(ctx, pool, s.dimensions); err != nil {
		pool.Close()
		return fmt.Errorf("pgvector migrate: %w", err)
	}

	s.pool = pool
	log.Info().Int("dims", s.dimensions).Msg("📚 pgvector index ready")
	return nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS cardmate_chunks (
			seq        BIGSERIAL,
			id         TEXT PRIMARY KEY,
			content    TEXT NOT NULL DEFAULT '',
			metadata   JSONB NOT NULL DEFAULT '{}',
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_cardmate_chunks_card
			ON cardmate_chunks ((metadata->>'card_name'));
	`, dims)
	_, err := pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorIndex) conn() (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil, ErrNotLoaded
	}
	return s.pool, nil
}

// Upsert inserts or replaces chunks by id. Replaced rows keep their original
// insertion sequence.
func (s *PgvectorIndex) Upsert(ctx context.Context, chunks []models.Chunk) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO cardmate_chunks (id, content, metadata, embedding) VALUES `)
	args := make([]interface{}, 0, len(chunks)*4)
	for i, c := range chunks {
		if len(c.Embedding) != s.dimensions {
			return fmt.Errorf("pgvector upsert: chunk %q has %d dims, index has %d", c.ID, len(c.Embedding), s.dimensions)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*4 + 1
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d::vector)", base, base+1, base+2, base+3))
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		meta := c.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		args = append(args, id, c.Text, meta, pgvectorArray(c.Embedding))
	}
	sb.WriteString(` ON CONFLICT (id) DO UPDATE SET
		content = EXCLUDED.content,
		metadata = EXCLUDED.metadata,
		embedding = EXCLUDED.embedding`)

	if _, err := pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("pgvector upsert: %w", err)
	}
	return nil
}

// Search mirrors EmbeddedIndex.Search in SQL: the metadata filter uses the
// same trimmed equals-or-overlap rule and ties are broken by insertion order.
func (s *PgvectorIndex) Search(ctx context.Context, vector []float64, topK int, filter models.Filter) ([]models.SearchResult, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	if len(vector) != s.dimensions {
		// Length mismatch scores 0 everywhere; only the ordering contract remains.
		return s.zeroScored(ctx, pool, topK, filter)
	}

	query := `SELECT id, content, metadata,
		CASE WHEN d = 'NaN'::float8 THEN 0 ELSE 1 - d END AS score
		FROM (SELECT seq, id, content, metadata, embedding <=> $1::vector AS d FROM cardmate_chunks) c
		WHERE TRUE`
	args := []interface{}{pgvectorArray(vector)}
	where, args := filterSQL(filter, args)
	query += where + " ORDER BY score DESC, seq ASC"
	if topK > 0 {
		args = append(args, topK)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return scanResults(ctx, pool, query, args)
}

func (s *PgvectorIndex) zeroScored(ctx context.Context, pool *pgxpool.Pool, topK int, filter models.Filter) ([]models.SearchResult, error) {
	query := `SELECT id, content, metadata, 0::float8 AS score FROM cardmate_chunks c WHERE TRUE`
	where, args := filterSQL(filter, nil)
	query += where + " ORDER BY seq ASC"
	if topK > 0 {
		args = append(args, topK)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return scanResults(ctx, pool, query, args)
}

func scanResults(ctx context.Context, pool *pgxpool.Pool, query string, args []interface{}) ([]models.SearchResult, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var c models.Chunk
		var score float64
		if err := rows.Scan(&c.ID, &c.Text, &c.Metadata, &score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		results = append(results, models.SearchResult{Chunk: c, Score: score})
	}
	return results, rows.Err()
}

// CardNames returns distinct card_name values in insertion order.
func (s *PgvectorIndex) CardNames(ctx context.Context) ([]string, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `SELECT name FROM (
			SELECT metadata->>'card_name' AS name, MIN(seq) AS first_seq
			FROM cardmate_chunks
			WHERE COALESCE(metadata->>'card_name', '') <> ''
			GROUP BY 1
		) n ORDER BY first_seq`)
	if err != nil {
		return nil, fmt.Errorf("pgvector card names: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PgvectorIndex) Count(ctx context.Context) (int, error) {
	pool, err := s.conn()
	if err != nil {
		return 0, err
	}
	var count int
	err = pool.QueryRow(ctx, "SELECT COUNT(*) FROM cardmate_chunks").Scan(&count)
	return count, err
}

// Close releases the connection pool.
func (s *PgvectorIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// ── Helpers ─────────────────────────────────────────────────

// filterSQL renders the active filter entries as AND clauses over c.metadata.
// It mirrors models.Filter.Matches: STRPOS of an empty value is 1, so chunks
// with a blank or missing key pass.
func filterSQL(filter models.Filter, args []interface{}) (string, []interface{}) {
	active := filter.Active()
	var sb strings.Builder
	for _, k := range sortedKeys(active) {
		args = append(args, k, active[k])
		key, val := len(args)-1, len(args)
		field := fmt.Sprintf("BTRIM(COALESCE(c.metadata->>$%d, ''))", key)
		sb.WriteString(fmt.Sprintf(
			" AND (%[1]s = $%[2]d OR STRPOS(%[1]s, $%[2]d) > 0 OR STRPOS($%[2]d, %[1]s) > 0)",
			field, val))
	}
	return sb.String(), args
}

// pgvectorArray converts a float64 slice to pgvector's text format: [1.0,2.0,3.0]
func pgvectorArray(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')
	return sb.String()
}
