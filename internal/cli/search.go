package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cardmate/advisor/internal/rag"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/cardmate/advisor/pkg/server"
	"github.com/spf13/cobra"
)

func newSearchCommand() *cobra.Command {
	var (
		topK    int
		card    string
		docType string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Query the card knowledge base directly",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			engine, err := server.OpenEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			query := strings.Join(args, " ")
			filter := models.Filter{models.MetaCardName: card, models.MetaDocType: docType}
			results := engine.Search(cmd.Context(), query, topK, filter)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				enc.SetEscapeHTML(false)
				return enc.Encode(results)
			}
			if len(results) == 0 {
				fmt.Fprintln(out, "no results")
				return nil
			}
			for i, r := range results {
				fmt.Fprintf(out, "%d. [%.4f] %s · %s\n", i+1, r.Score, r.Chunk.CardName(), r.Chunk.DocType())
				fmt.Fprintf(out, "   %s\n", preview(r.Chunk.Text, 160))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", rag.DefaultTopK, "number of chunks to return")
	cmd.Flags().StringVar(&card, "card", "", "only chunks of this card_name")
	cmd.Flags().StringVar(&docType, "doc-type", "", "only chunks of this doc_type")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw results as JSON")
	return cmd
}

// preview flattens s onto one line and cuts it to n runes.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
