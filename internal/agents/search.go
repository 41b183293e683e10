package agents

import (
	"context"
	"strings"

	"github.com/cardmate/advisor/internal/executor"
	"github.com/cardmate/advisor/pkg/contracts"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/rs/zerolog/log"
)

// NoResultsMessage is returned by the search tool when retrieval finds nothing.
const NoResultsMessage = "查無相關資料，請嘗試更換關鍵字。"

type searchArgs struct {
	Query      string `json:"query"`
	CardFilter string `json:"card_filter"`
}

// searchHit is the token-saving shape handed back to the model.
type searchHit struct {
	Card    string `json:"card"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// searchTool is tool_search_bank_info, backed by the retrieval engine.
func searchTool(r contracts.Retriever, topK int) executor.Tool {
	return executor.Tool{
		Descriptor: models.ToolDescriptor{
			Name:        "tool_search_bank_info",
			Description: "搜尋信用卡權益、回饋規則、年費等資訊。回答關於產品的具體問題時必須使用。",
			Parameters: []models.ToolParam{
				{Name: "query", Type: models.ParamString, Required: true, Description: "搜尋關鍵字，例如「CUBE卡日本回饋」或「世界卡年費」"},
				{Name: "card_filter", Type: models.ParamString, Description: "問題明確針對某張卡時填入卡片名稱以精準過濾，例如「CUBE卡」"},
			},
		},
		Handler: executor.Typed(func(ctx context.Context, a searchArgs) (interface{}, error) {
			log.Debug().Str("query", a.Query).Str("card_filter", a.CardFilter).Msg("🔎 RAG search")
			var filter models.Filter
			if strings.TrimSpace(a.CardFilter) != "" {
				filter = models.Filter{models.MetaCardName: a.CardFilter}
			}
			results := r.Search(ctx, a.Query, topK, filter)
			if len(results) == 0 {
				return map[string]string{"result": NoResultsMessage}, nil
			}
			return simplify(results), nil
		}),
	}
}

func simplify(results []models.SearchResult) []searchHit {
	hits := make([]searchHit, 0, len(results))
	for _, r := range results {
		h := searchHit{Card: r.Chunk.CardName(), Type: r.Chunk.DocType(), Content: r.Chunk.Text}
		if h.Card == "" {
			h.Card = "未知卡片"
		}
		if h.Type == "" {
			h.Type = "一般資訊"
		}
		hits = append(hits, h)
	}
	return hits
}

func logTrace(t *executor.Trace) {
	if t == nil {
		return
	}
	calls := 0
	for _, r := range t.Rounds {
		calls += len(r.ToolCalls)
	}
	log.Info().
		Str("agent", t.Agent).
		Str("trace_id", t.TraceID).
		Str("state", t.State.String()).
		Int("rounds", len(t.Rounds)).
		Int("tool_calls", calls).
		Int64("total_ms", t.TotalMs).
		Int64("tokens", t.Usage.TotalTokens).
		Msg("Agent request complete")
}
