package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cardmate/advisor/internal/executor"
	"github.com/cardmate/advisor/pkg/contracts"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const eligibilityPrompt = `你是「信用卡申辦資格專家」，負責判斷使用者是否適合申辦特定信用卡。

### 工具使用規則
- 任何「可不可以辦」、「過件機率高不高」、「哪張比較容易申辦」的問題，都必須呼叫 tool_check_eligibility，取得每張卡的判斷結果與原因。

### 回答原則
1. 先依工具回傳的 status 整理結果，再條列說明年齡、年收、學生身分等理由。
2. 工具沒有提供的資料，就說「此部分仍以銀行實際審核為準」，不要猜測銀行內規。
3. 先給總結，例如「整體來說，你最適合 A、B 卡」，再逐卡列出卡名、建議與原因。
4. 使用者背景可直接當作 tool_check_eligibility 的 user_profile_json。

請使用繁體中文回答。`

const verdictPrompt = `你是一位信用卡申辦資格分析專家。

使用者資料（JSON）：
%s

卡片名稱：%s

以下是從知識庫搜尋到的卡片內容（可能包含回饋、優惠、條款、資格）：
%s

請判斷：
1) 這張卡對申請人的年齡、收入或學生身分是否有明確門檻？沒有寫就說「資料不足」。
2) 以此使用者條件給出 status："eligible"（建議申辦）、"ineligible"（不建議）或 "uncertain"（資訊不足）。
3) 以繁體中文列出 2 到 4 點理由。

只輸出 JSON：{"status": "...", "reasons": ["..."], "rule_notes": ["..."]}`

type eligibilityArgs struct {
	UserProfileJSON looseString `json:"user_profile_json"`
	CardNames       []string    `json:"card_names"`
}

// EligibilityChecker produces per-card verdicts from retrieved card content.
type EligibilityChecker struct {
	completer contracts.Completer
	retriever contracts.Retriever
	cards     CardLister
	topK      int
	workers   int
}

// NewEligibilityChecker creates a checker from agent dependencies.
func NewEligibilityChecker(deps Deps) *EligibilityChecker {
	return &EligibilityChecker{
		completer: deps.Completer,
		retriever: deps.Retriever,
		cards:     deps.Cards,
		topK:      deps.topK(),
		workers:   deps.workers(),
	}
}

// Check runs one verdict per card, concurrently, keeping input order. An
// empty card list means every card in the knowledge base.
func (c *EligibilityChecker) Check(ctx context.Context, profile map[string]interface{}, cards []string) ([]models.EligibilityVerdict, error) {
	if len(cards) == 0 && c.cards != nil {
		names, err := c.cards.CardNames(ctx)
		if err != nil {
			return nil, fmt.Errorf("list cards: %w", err)
		}
		cards = names
	}
	if len(cards) == 0 {
		return nil, fmt.Errorf("沒有可檢查的卡片")
	}

	verdicts := make([]models.EligibilityVerdict, len(cards))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, card := range cards {
		g.Go(func() error {
			verdicts[i] = c.checkCard(gctx, profile, card)
			return nil
		})
	}
	_ = g.Wait()
	return verdicts, nil
}

func (c *EligibilityChecker) checkCard(ctx context.Context, profile map[string]interface{}, card string) (v models.EligibilityVerdict) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("card", card).Msg("Eligibility verdict panicked")
			v = models.EligibilityVerdict{
				CardName: card,
				Status:   models.VerdictUncertain,
				Reasons:  []string{fmt.Sprintf("資格判斷暫時無法完成：%v", r)},
			}
		}
	}()

	results := c.retriever.Search(ctx, card, c.topK, models.Filter{models.MetaCardName: card})
	prompt := fmt.Sprintf(verdictPrompt,
		executor.EncodeJSON(profile), card, executor.EncodeJSON(simplify(results)))

	resp, err := c.completer.Complete(ctx, &models.CompletionRequest{
		Messages: []models.Message{models.UserMessage(prompt)},
		JSONMode: true,
	})
	if err != nil {
		log.Warn().Err(err).Str("card", card).Msg("Eligibility verdict failed")
		return models.EligibilityVerdict{
			CardName: card,
			Status:   models.VerdictUncertain,
			Reasons:  []string{"資格判斷暫時無法完成：" + err.Error()},
		}
	}
	return parseVerdict(card, resp.Message.Content)
}

// parseVerdict decodes the model's JSON verdict. Free text is kept as the
// single reason of an uncertain verdict.
func parseVerdict(card, content string) models.EligibilityVerdict {
	v := models.EligibilityVerdict{CardName: card}
	if err := json.Unmarshal([]byte(stripFences(content)), &v); err != nil {
		text := strings.TrimSpace(content)
		if text == "" {
			text = "資料不足，無法判斷。"
		}
		return models.EligibilityVerdict{
			CardName:  card,
			Status:    models.VerdictUncertain,
			Reasons:   []string{text},
			RuleNotes: []string{"由模型根據知識庫內容推論"},
		}
	}
	v.CardName = card
	switch v.Status {
	case models.VerdictEligible, models.VerdictIneligible, models.VerdictUncertain:
	default:
		v.Status = models.VerdictUncertain
	}
	if len(v.Reasons) == 0 {
		v.Reasons = []string{"資料不足，無法判斷。"}
	}
	return v
}

func (c *EligibilityChecker) tool() executor.Tool {
	return executor.Tool{
		Descriptor: models.ToolDescriptor{
			Name:        "tool_check_eligibility",
			Description: "根據使用者條件，檢查指定信用卡是否符合申辦門檻。",
			Parameters: []models.ToolParam{
				{Name: "user_profile_json", Type: models.ParamString, Required: true, Description: `使用者資料的 JSON 字串，例如 {"age":23,"annual_income":450000,"identity_type":"上班族"}`},
				{Name: "card_names", Type: models.ParamArray, Items: models.ParamString, Description: "要檢查的卡片名稱列表，省略時檢查知識庫中的所有卡片"},
			},
		},
		Handler: executor.Typed(func(ctx context.Context, a eligibilityArgs) (interface{}, error) {
			var profile interface{}
			if err := json.Unmarshal([]byte(a.UserProfileJSON), &profile); err != nil {
				return nil, fmt.Errorf("user_profile_json 解析失敗: %w", err)
			}
			obj, ok := profile.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("user_profile_json 必須是一個 JSON 物件")
			}
			return c.Check(ctx, obj, a.CardNames)
		}),
	}
}

func newEligibilityAgent(deps Deps) (executor.Handler, error) {
	if deps.Retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	checker := NewEligibilityChecker(deps)
	tb, err := executor.NewToolbox(checker.tool())
	if err != nil {
		return nil, err
	}
	return loopHandler(executor.New(Eligibility, eligibilityPrompt, deps.Completer, tb, deps.loopOptions()...)), nil
}
