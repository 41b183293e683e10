package vectorstore

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cardmate/advisor/pkg/models"
	"github.com/google/go-cmp/cmp"
)

func writeIndex(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	return path
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"scaled", []float64{1, 1}, []float64{5, 5}, 1},
		{"zero norm", []float64{0, 0}, []float64{1, 1}, 0},
		{"length mismatch", []float64{1, 0, 0}, []float64{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineSimilarity(%v, %v) = %f, want %f", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestFilterMatches(t *testing.T) {
	meta := map[string]string{models.MetaCardName: " 國泰世華CUBE卡 ", models.MetaDocType: models.DocBenefitRule}
	tests := []struct {
		name   string
		filter models.Filter
		want   bool
	}{
		{"nil filter", nil, true},
		{"exact", models.Filter{models.MetaCardName: "國泰世華CUBE卡"}, true},
		{"filter inside value", models.Filter{models.MetaCardName: "CUBE"}, true},
		{"value inside filter", models.Filter{models.MetaCardName: "國泰世華CUBE卡（新戶）"}, true},
		{"case sensitive", models.Filter{models.MetaCardName: "cube"}, false},
		{"blank is wildcard", models.Filter{models.MetaCardName: "   "}, true},
		{"all keys must match", models.Filter{models.MetaCardName: "CUBE", models.MetaDocType: models.DocWelcomeOffer}, false},
		{"missing key overlaps", models.Filter{"issuer": "國泰"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(meta); got != tt.want {
				t.Errorf("Filter(%v).Matches() = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}

	generic := map[string]string{models.MetaCardName: "  ", models.MetaDocType: models.DocBenefitRule}
	if !(models.Filter{models.MetaCardName: "CUBE卡"}).Matches(generic) {
		t.Error("Matches() = false for a blank card_name, want bank-wide chunks kept under a card filter")
	}
	if (models.Filter{models.MetaCardName: "CUBE卡", models.MetaDocType: models.DocWelcomeOffer}).Matches(generic) {
		t.Error("Matches() = true with a conflicting doc_type, want every active key checked")
	}
}

func TestEmbeddedIndex_LoadFile(t *testing.T) {
	path := writeIndex(t,
		`{"id":"cube-profile","text":"CUBE卡基本資料","card_name":"國泰世華CUBE卡","doc_type":"credit_card_profile","annual_fee":1800,"tags":["a"],"embedding":[1,0,0]}`,
		``,
		`{"id":"no-emb","text":"尚未向量化","card_name":"X卡"}`,
		`{"text":"nested","metadata":{"card_name":"台新玫瑰Giving卡","doc_type":"welcome_offer"},"embedding":[0,1,0]}`,
	)
	idx := NewEmbeddedIndex(path)
	ctx := context.Background()

	if err := idx.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	n, _ := idx.Count(ctx)
	if n != 2 {
		t.Fatalf("Count() = %d, want 2 (line without embedding skipped)", n)
	}

	res, err := idx.Search(ctx, []float64{1, 0, 0}, 0, nil)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	wantMeta := map[string]string{
		"card_name":  "國泰世華CUBE卡",
		"doc_type":   "credit_card_profile",
		"annual_fee": "1800",
	}
	if diff := cmp.Diff(wantMeta, res[0].Chunk.Metadata); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
	if res[1].Chunk.ID != "line-4" {
		t.Errorf("generated id = %q, want %q", res[1].Chunk.ID, "line-4")
	}
	if res[1].Chunk.CardName() != "台新玫瑰Giving卡" {
		t.Errorf("nested card_name = %q, want %q", res[1].Chunk.CardName(), "台新玫瑰Giving卡")
	}

	names, _ := idx.CardNames(ctx)
	if diff := cmp.Diff([]string{"國泰世華CUBE卡", "台新玫瑰Giving卡"}, names); diff != "" {
		t.Errorf("CardNames() mismatch (-want +got):\n%s", diff)
	}
}

func TestEmbeddedIndex_LoadMissingFile(t *testing.T) {
	idx := NewEmbeddedIndex(filepath.Join(t.TempDir(), "nope.jsonl"))
	if err := idx.Load(context.Background()); err == nil {
		t.Fatal("Load() of missing file returned nil error")
	}
	if n, _ := idx.Count(context.Background()); n != 0 {
		t.Errorf("Count() after failed load = %d, want 0", n)
	}
}

func TestEmbeddedIndex_LoadMalformedLine(t *testing.T) {
	path := writeIndex(t, `{"text":"ok","embedding":[1]}`, `{not json`)
	err := NewEmbeddedIndex(path).Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("Load() error = %v, want mention of line 2", err)
	}
}

func TestRecord_RoundTripKeepsFieldOrder(t *testing.T) {
	line := `{"id":"x","text":"hello","card_name":"A卡","extra":{"k":[1,2]}}`
	rec, err := ParseRecord([]byte(line))
	if err != nil {
		t.Fatalf("ParseRecord() error = %v", err)
	}
	if rec.HasEmbedding() {
		t.Error("HasEmbedding() = true for record without embedding")
	}
	if err := rec.SetEmbedding([]float64{0.5, 1}); err != nil {
		t.Fatalf("SetEmbedding() error = %v", err)
	}

	var buf bytes.Buffer
	if err := WriteRecord(&buf, rec); err != nil {
		t.Fatalf("WriteRecord() error = %v", err)
	}
	want := `{"id":"x","text":"hello","card_name":"A卡","extra":{"k":[1,2]},"embedding":[0.5,1]}` + "\n"
	if buf.String() != want {
		t.Errorf("WriteRecord() = %s, want %s", buf.String(), want)
	}
}

func TestRecordFromChunk(t *testing.T) {
	c := models.Chunk{ID: "a", Text: "t", Embedding: []float64{1}, Metadata: map[string]string{"doc_type": "x", "card_name": "A"}}
	got, err := RecordFromChunk(c).Chunk()
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("chunk mismatch (-want +got):\n%s", diff)
	}
}

func TestFilterSQL(t *testing.T) {
	where, args := filterSQL(models.Filter{models.MetaCardName: " CUBE ", models.MetaDocType: ""}, []interface{}{"[1]"})
	if diff := cmp.Diff([]interface{}{"[1]", "card_name", "CUBE"}, args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	for _, frag := range []string{"c.metadata->>$2", "= $3", "STRPOS("} {
		if !strings.Contains(where, frag) {
			t.Errorf("filterSQL() = %q, missing %q", where, frag)
		}
	}
	if strings.Contains(where, "<> ''") {
		t.Errorf("filterSQL() = %q excludes blank values, want them kept", where)
	}
}

func TestPgvectorArray(t *testing.T) {
	if got := pgvectorArray([]float64{1, 0.25, -3}); got != "[1,0.25,-3]" {
		t.Errorf("pgvectorArray() = %q, want %q", got, "[1,0.25,-3]")
	}
}
