package rag_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cardmate/advisor/internal/rag"
	"github.com/cardmate/advisor/internal/vectorstore"
	"github.com/cardmate/advisor/pkg/contracts"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/google/go-cmp/cmp"
)

// ── Fakes ────────────────────────────────────────────────────

// fakeEmbedder returns a fixed vector per text, or err for every call.
type fakeEmbedder struct {
	vectors map[string][]float64
	err     error
	calls   atomic.Int32
}

func (f *fakeEmbedder) Kind() string      { return "fake" }
func (f *fakeEmbedder) Dimensions() int   { return 3 }
func (f *fakeEmbedder) MaxBatchSize() int { return 16 }
func (f *fakeEmbedder) HealthCheck(context.Context) error {
	return nil
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = f.vectors[t]
	}
	return out, nil
}

// countingIndex counts Load calls and can fail the first N of them.
type countingIndex struct {
	contracts.VectorIndex
	loads    atomic.Int32
	failures int32
}

func (c *countingIndex) Load(ctx context.Context) error {
	n := c.loads.Add(1)
	if n <= c.failures {
		return errors.New("disk on fire")
	}
	return c.VectorIndex.Load(ctx)
}

func chunk(id, card, docType string, vec ...float64) models.Chunk {
	return models.Chunk{
		ID:        id,
		Text:      id + " text",
		Embedding: vec,
		Metadata:  map[string]string{models.MetaCardName: card, models.MetaDocType: docType},
	}
}

func newTestEngine(t *testing.T, emb *fakeEmbedder, chunks ...models.Chunk) *rag.Engine {
	t.Helper()
	idx := vectorstore.NewEmbeddedIndex("", vectorstore.WithChunks(chunks))
	e := rag.NewEngine(emb, idx)
	t.Cleanup(func() { e.Close() })
	return e
}

func ids(results []models.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Chunk.ID
	}
	return out
}

// ─── Search ──────────────────────────────────────────────────

func TestSearch_EmptyIndex(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"q": {1, 0, 0}}}
	e := newTestEngine(t, emb)

	got := e.Search(context.Background(), "q", 5, nil)
	if len(got) != 0 {
		t.Errorf("Search() on empty index returned %d results, want 0", len(got))
	}
}

func TestSearch_TopKBelowOne(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"q": {1, 0, 0}}}
	e := newTestEngine(t, emb, chunk("a", "A", models.DocCardProfile, 1, 0, 0))

	for _, k := range []int{0, -1} {
		if got := e.Search(context.Background(), "q", k, nil); len(got) != 0 {
			t.Errorf("Search(topK=%d) returned %d results, want 0", k, len(got))
		}
	}
	if n := emb.calls.Load(); n != 0 {
		t.Errorf("embedder called %d times for invalid topK, want 0", n)
	}
}

func TestSearch_OrdersByScoreAndTruncates(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"q": {1, 0, 0}}}
	e := newTestEngine(t, emb,
		chunk("far", "A", models.DocCardProfile, 0, 1, 0),
		chunk("near", "B", models.DocCardProfile, 1, 0.1, 0),
		chunk("exact", "C", models.DocCardProfile, 2, 0, 0),
		chunk("mid", "D", models.DocCardProfile, 1, 1, 0),
	)

	got := e.Search(context.Background(), "q", 3, nil)
	want := []string{"exact", "near", "mid"}
	if diff := cmp.Diff(want, ids(got)); diff != "" {
		t.Errorf("Search() ids mismatch (-want +got):\n%s", diff)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Errorf("results not sorted: score[%d]=%f > score[%d]=%f", i, got[i].Score, i-1, got[i-1].Score)
		}
	}
}

func TestSearch_TopKLargerThanIndex(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"q": {1, 0, 0}}}
	e := newTestEngine(t, emb,
		chunk("a", "A", models.DocCardProfile, 1, 0, 0),
		chunk("b", "B", models.DocCardProfile, 0, 1, 0),
	)
	if got := e.Search(context.Background(), "q", 10, nil); len(got) != 2 {
		t.Errorf("Search(topK=10) returned %d results, want 2", len(got))
	}
}

func TestSearch_TiesKeepInsertionOrder(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"q": {1, 0, 0}}}
	e := newTestEngine(t, emb,
		chunk("first", "A", models.DocCardProfile, 1, 1, 0),
		chunk("second", "B", models.DocCardProfile, 1, 1, 0),
		chunk("third", "C", models.DocCardProfile, 1, 1, 0),
	)
	got := e.Search(context.Background(), "q", 3, nil)
	if diff := cmp.Diff([]string{"first", "second", "third"}, ids(got)); diff != "" {
		t.Errorf("tie order mismatch (-want +got):\n%s", diff)
	}
}

func TestSearch_ScaleInvariance(t *testing.T) {
	chunks := []models.Chunk{
		chunk("a", "A", models.DocCardProfile, 0.9, 0.1, 0),
		chunk("b", "B", models.DocCardProfile, 0.2, 0.8, 0.1),
		chunk("c", "C", models.DocCardProfile, 0.5, 0.5, 0.5),
	}
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"q":      {1, 2, 0.5},
		"scaled": {7.5, 15, 3.75},
	}}
	e := newTestEngine(t, emb, chunks...)

	base := e.Search(context.Background(), "q", 3, nil)
	scaled := e.Search(context.Background(), "scaled", 3, nil)
	if diff := cmp.Diff(ids(base), ids(scaled)); diff != "" {
		t.Errorf("scaling the query changed the ranking (-base +scaled):\n%s", diff)
	}
}

func TestSearch_ZeroNormScoresZero(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"q": {1, 0, 0}}}
	e := newTestEngine(t, emb,
		chunk("zero", "A", models.DocCardProfile, 0, 0, 0),
		chunk("short", "B", models.DocCardProfile, 1, 0),
	)
	for _, r := range e.Search(context.Background(), "q", 5, nil) {
		if r.Score != 0 {
			t.Errorf("chunk %q score = %f, want 0", r.Chunk.ID, r.Score)
		}
	}
}

func TestSearch_CardFilterOverlap(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"CUBE卡年費多少？": {1, 0, 0}}}
	e := newTestEngine(t, emb,
		chunk("other-profile", "台新玫瑰Giving卡", models.DocCardProfile, 1, 0, 0),
		chunk("cube-profile", "國泰世華CUBE卡", models.DocCardProfile, 0.9, 0.2, 0),
		chunk("cube-welcome", "國泰世華CUBE卡", models.DocWelcomeOffer, 0.3, 0.9, 0),
		chunk("cube-rule", " 國泰世華CUBE卡 ", models.DocBenefitRule, 0.6, 0.4, 0),
	)

	got := e.Search(context.Background(), "CUBE卡年費多少？", 5, models.Filter{models.MetaCardName: "CUBE卡"})
	want := []string{"cube-profile", "cube-rule", "cube-welcome"}
	if diff := cmp.Diff(want, ids(got)); diff != "" {
		t.Errorf("filtered ids mismatch (-want +got):\n%s", diff)
	}
}

func TestSearch_CardFilterKeepsCardlessChunks(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"q": {1, 0, 0}}}
	generic := chunk("generic", "", models.DocBenefitRule, 0.8, 0.2, 0)
	delete(generic.Metadata, models.MetaCardName)
	e := newTestEngine(t, emb,
		generic,
		chunk("cube", "國泰世華CUBE卡", models.DocBenefitRule, 0.7, 0.3, 0),
		chunk("taishin", "台新卡", models.DocBenefitRule, 1, 0, 0),
	)

	got := e.Search(context.Background(), "q", 5, models.Filter{models.MetaCardName: "CUBE卡"})
	if diff := cmp.Diff([]string{"generic", "cube"}, ids(got)); diff != "" {
		t.Errorf("filtered ids mismatch (-want +got):\n%s", diff)
	}
}

func TestSearch_FilterIsCaseSensitive(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"q": {1, 0, 0}}}
	e := newTestEngine(t, emb,
		chunk("cube", "國泰世華CUBE卡", models.DocCardProfile, 0.5, 0.5, 0),
		chunk("other", "Other", models.DocCardProfile, 1, 0, 0),
	)
	// "cube" does not overlap "CUBE", so the filter matches nothing and the
	// engine falls back to the unfiltered ranking.
	got := e.Search(context.Background(), "q", 1, models.Filter{models.MetaCardName: "cube"})
	if diff := cmp.Diff([]string{"other"}, ids(got)); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestSearch_FallbackWhenFilterMatchesNothing(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"q": {1, 0, 0}}}
	chunks := []models.Chunk{
		chunk("a", "A卡", models.DocCardProfile, 0.1, 1, 0),
		chunk("b", "B卡", models.DocCardProfile, 1, 0.1, 0),
	}
	e := newTestEngine(t, emb, chunks...)

	filtered := e.Search(context.Background(), "q", 2, models.Filter{models.MetaCardName: "不存在的卡"})
	unfiltered := e.Search(context.Background(), "q", 2, nil)
	if diff := cmp.Diff(unfiltered, filtered); diff != "" {
		t.Errorf("fallback differs from unfiltered search (-unfiltered +fallback):\n%s", diff)
	}
}

func TestSearch_BlankFilterValuesAreWildcards(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"q": {1, 0, 0}}}
	e := newTestEngine(t, emb,
		chunk("a", "A", models.DocCardProfile, 1, 0, 0),
		chunk("b", "B", models.DocWelcomeOffer, 0.5, 0.5, 0),
	)
	got := e.Search(context.Background(), "q", 5, models.Filter{models.MetaCardName: "  ", models.MetaDocType: models.DocWelcomeOffer})
	if diff := cmp.Diff([]string{"b"}, ids(got)); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestSearch_EmbeddingFailureDegradesToEmpty(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("model not loaded")}
	e := newTestEngine(t, emb, chunk("a", "A", models.DocCardProfile, 1, 0, 0))

	if got := e.Search(context.Background(), "q", 5, nil); len(got) != 0 {
		t.Errorf("Search() with failing embedder returned %d results, want 0", len(got))
	}
	if _, err := e.EmbedQuery(context.Background(), "q"); !errors.Is(err, rag.ErrEmbeddingUnavailable) {
		t.Errorf("EmbedQuery() error = %v, want ErrEmbeddingUnavailable", err)
	}
}

func TestSearch_EmptyVectorIsUnavailable(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	e := newTestEngine(t, emb, chunk("a", "A", models.DocCardProfile, 1, 0, 0))
	if got := e.Search(context.Background(), "unknown", 5, nil); len(got) != 0 {
		t.Errorf("Search() with empty query vector returned %d results, want 0", len(got))
	}
}

func TestSearch_DoesNotMutateIndex(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"q": {1, 0, 0}}}
	e := newTestEngine(t, emb,
		chunk("a", "A", models.DocCardProfile, 1, 0, 0),
		chunk("b", "B", models.DocCardProfile, 0, 1, 0),
	)
	ctx := context.Background()

	first := e.Search(ctx, "q", 2, nil)
	snapshot := make([]models.SearchResult, len(first))
	for i, r := range first {
		snapshot[i] = models.SearchResult{Chunk: r.Chunk.Clone(), Score: r.Score}
	}

	for i := range first {
		first[i].Chunk.Text = "tampered"
		first[i].Chunk.Embedding[0] = 42
		first[i].Chunk.Metadata[models.MetaCardName] = "tampered"
	}

	second := e.Search(ctx, "q", 2, nil)
	if diff := cmp.Diff(snapshot, second); diff != "" {
		t.Errorf("index changed after mutating results (-before +after):\n%s", diff)
	}
}

// ─── Lazy loading ────────────────────────────────────────────

func TestSearch_LoadsOnceUnderConcurrency(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"q": {1, 0, 0}}}
	idx := &countingIndex{VectorIndex: vectorstore.NewEmbeddedIndex("", vectorstore.WithChunks([]models.Chunk{
		chunk("a", "A", models.DocCardProfile, 1, 0, 0),
	}))}
	e := rag.NewEngine(emb, idx)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Search(context.Background(), "q", 1, nil)
		}()
	}
	wg.Wait()

	if n := idx.loads.Load(); n != 1 {
		t.Errorf("index loaded %d times, want 1", n)
	}
	if !e.Loaded() {
		t.Error("Loaded() = false after successful searches")
	}
}

func TestSearch_FailedLoadIsRetried(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"q": {1, 0, 0}}}
	idx := &countingIndex{
		VectorIndex: vectorstore.NewEmbeddedIndex("", vectorstore.WithChunks([]models.Chunk{
			chunk("a", "A", models.DocCardProfile, 1, 0, 0),
		})),
		failures: 1,
	}
	e := rag.NewEngine(emb, idx)
	ctx := context.Background()

	if got := e.Search(ctx, "q", 1, nil); len(got) != 0 {
		t.Fatalf("Search() during failed load returned %d results, want 0", len(got))
	}
	if got := e.Search(ctx, "q", 1, nil); len(got) != 1 {
		t.Fatalf("Search() after recovery returned %d results, want 1", len(got))
	}
	e.Search(ctx, "q", 1, nil)
	if n := idx.loads.Load(); n != 2 {
		t.Errorf("index loaded %d times, want 2", n)
	}
}

func TestCardNames(t *testing.T) {
	emb := &fakeEmbedder{}
	e := newTestEngine(t, emb,
		chunk("a", "國泰世華CUBE卡", models.DocCardProfile, 1, 0, 0),
		chunk("b", "台新玫瑰Giving卡", models.DocCardProfile, 1, 0, 0),
		chunk("c", "國泰世華CUBE卡", models.DocWelcomeOffer, 1, 0, 0),
	)
	got, err := e.CardNames(context.Background())
	if err != nil {
		t.Fatalf("CardNames() error = %v", err)
	}
	if diff := cmp.Diff([]string{"國泰世華CUBE卡", "台新玫瑰Giving卡"}, got); diff != "" {
		t.Errorf("CardNames() mismatch (-want +got):\n%s", diff)
	}
}
