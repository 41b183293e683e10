package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cardmate/advisor/internal/embeddings"
	"github.com/cardmate/advisor/internal/rag"
	"github.com/cardmate/advisor/internal/vectorstore"
	"github.com/spf13/cobra"
)

func newIndexCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the card knowledge index",
	}
	cmd.AddCommand(newIndexBuildCommand())
	return cmd
}

func newIndexBuildCommand() *cobra.Command {
	var (
		in       string
		out      string
		pgvector bool
		reembed  bool
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Embed a chunk JSONL file into the index",
		Long: `Reads card chunks (one JSON object per line), embeds their text with the
configured embedding provider and writes them either to an embedded JSONL
index (--out, default $CARDMATE_INDEX_PATH) or into pgvector (--pgvector,
using $CARDMATE_PGVECTOR_URL).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			src, err := os.Open(in)
			if err != nil {
				return fmt.Errorf("open chunks: %w", err)
			}
			defer src.Close()

			emb, err := embeddings.Open(ctx, cfg.Embedding)
			if err != nil {
				return err
			}
			indexer := rag.NewIndexer(emb, rag.WithReembed(reembed))

			var stats *rag.BuildStats
			if pgvector {
				if cfg.Index.PGURL == "" {
					return fmt.Errorf("--pgvector needs CARDMATE_PGVECTOR_URL")
				}
				idx := vectorstore.NewPgvectorIndex(cfg.Index.PGURL, emb.Dimensions())
				defer idx.Close()
				if err := idx.Load(ctx); err != nil {
					return err
				}
				stats, err = indexer.Build(ctx, src, rag.PgvectorSink{Index: idx})
			} else {
				if out == "" {
					out = cfg.Index.Path
				}
				if out == in {
					return fmt.Errorf("--out must differ from --in")
				}
				stats, err = buildFile(cmd, indexer, src, out)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "records=%d embedded=%d reused=%d skipped=%d elapsed=%s\n",
				stats.Records, stats.Embedded, stats.Reused, stats.Skipped, stats.Elapsed.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&in, "in", "", "chunk JSONL to embed")
	cmd.Flags().StringVar(&out, "out", "", "embedded index file to write")
	cmd.Flags().BoolVar(&pgvector, "pgvector", false, "upsert into pgvector instead of writing a file")
	cmd.Flags().BoolVar(&reembed, "reembed", false, "re-embed records that already carry an embedding")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

// buildFile writes the index to a temporary file and renames it into place,
// so a failed build never leaves a truncated index behind.
func buildFile(cmd *cobra.Command, indexer *rag.Indexer, src *os.File, out string) (*rag.BuildStats, error) {
	tmp, err := os.CreateTemp(filepath.Dir(out), ".cardmate-index-*")
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	stats, err := indexer.Build(cmd.Context(), src, rag.JSONLSink{W: w})
	if err == nil {
		err = w.Flush()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return nil, fmt.Errorf("install index: %w", err)
	}
	return stats, nil
}
