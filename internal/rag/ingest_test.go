package rag_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cardmate/advisor/internal/rag"
	"github.com/cardmate/advisor/internal/vectorstore"
	"github.com/cardmate/advisor/pkg/models"
)

func TestIndexer_BuildJSONL(t *testing.T) {
	in := strings.Join([]string{
		`{"id":"a","text":"CUBE卡年費","card_name":"國泰世華CUBE卡","doc_type":"credit_card_profile"}`,
		`{"id":"b","text":"","card_name":"空白"}`,
		`{"id":"c","text":"已有向量","card_name":"台新玫瑰Giving卡","embedding":[0,0,1]}`,
	}, "\n")
	emb := &fakeEmbedder{vectors: map[string][]float64{"CUBE卡年費": {1, 0, 0}}}

	var out bytes.Buffer
	stats, err := rag.NewIndexer(emb).Build(context.Background(), strings.NewReader(in), rag.JSONLSink{W: &out})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if stats.Records != 3 || stats.Embedded != 1 || stats.Reused != 1 || stats.Skipped != 1 {
		t.Errorf("Build() stats = %+v, want 3 records, 1 embedded, 1 reused, 1 skipped", *stats)
	}

	path := filepath.Join(t.TempDir(), "out.jsonl")
	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	idx := vectorstore.NewEmbeddedIndex(path)
	if err := idx.Load(context.Background()); err != nil {
		t.Fatalf("Load() of built index error = %v", err)
	}
	res, _ := idx.Search(context.Background(), []float64{1, 0, 0}, 1, models.Filter{models.MetaCardName: "CUBE"})
	if len(res) != 1 || res[0].Chunk.ID != "a" {
		t.Errorf("Search() on built index = %+v, want chunk a", res)
	}
	if n, _ := idx.Count(context.Background()); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}
}

func TestIndexer_ReembedForcesAll(t *testing.T) {
	in := `{"id":"c","text":"已有向量","embedding":[0,0,1]}`
	emb := &fakeEmbedder{vectors: map[string][]float64{"已有向量": {1, 0, 0}}}

	var out bytes.Buffer
	stats, err := rag.NewIndexer(emb, rag.WithReembed(true)).Build(context.Background(), strings.NewReader(in), rag.JSONLSink{W: &out})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if stats.Embedded != 1 {
		t.Errorf("Embedded = %d, want 1", stats.Embedded)
	}
	if !strings.Contains(out.String(), `"embedding":[1,0,0]`) {
		t.Errorf("output = %s, want replaced embedding", out.String())
	}
}
