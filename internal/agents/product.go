package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/cardmate/advisor/internal/executor"
	"github.com/cardmate/advisor/pkg/models"
)

const productPrompt = `你是國泰世華銀行的「信用卡產品專家」，負責提供精確的產品數據與試算服務。

# 可用工具
- tool_query_annual_fee：查年費與免年費條件。
- tool_query_benefits：查權益與回饋。
- tool_calculate_installment：試算分期每期金額。
- tool_search_bank_info：查詢知識庫中的條款與活動內容。

# 規則
- 遇到數字或規定問題務必呼叫工具查詢，嚴禁憑空捏造。
- 回答保持專業、客觀，並使用繁體中文。`

// annualFee is one row of the static fee table.
type annualFee struct {
	Card      string `json:"card"`
	Fee       string `json:"fee"`
	Condition string `json:"condition"`
}

// catalogueEntry matches a card by any upper-cased keyword.
type catalogueEntry struct {
	keywords []string
	fee      *annualFee
	benefits string
}

var catalogue = []catalogueEntry{
	{
		keywords: []string{"CUBE"},
		fee:      &annualFee{Card: "CUBE卡", Fee: "首年免年費，次年NT$1,800", Condition: "申辦電子帳單享免年費"},
		benefits: "CUBE卡權益：提供四大權益方案天天切換，指定消費享 3% 小樹點回饋無上限。",
	},
	{
		keywords: []string{"世界", "WORLD"},
		fee:      &annualFee{Card: "世界卡", Fee: "NT$20,000", Condition: "無減免優惠"},
	},
	{
		keywords: []string{"COSTCO"},
		benefits: "Costco聯名卡權益：Costco店內消費 2% 柏克金幣，店外 1%。",
	},
}

func lookupCard(name string) []catalogueEntry {
	upper := strings.ToUpper(name)
	var out []catalogueEntry
	for _, e := range catalogue {
		for _, k := range e.keywords {
			if strings.Contains(upper, k) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

type cardArgs struct {
	CardName string `json:"card_name"`
}

type installmentArgs struct {
	Amount int64 `json:"amount"`
	Months int64 `json:"months"`
}

// Installment is the result of tool_calculate_installment.
type Installment struct {
	TotalAmount     int64  `json:"total_amount"`
	Months          int64  `json:"months"`
	PaymentPerMonth int64  `json:"payment_per_month"`
	Note            string `json:"note"`
}

// CalculateInstallment splits amount evenly over months, without interest.
func CalculateInstallment(amount, months int64) (*Installment, error) {
	if months <= 0 {
		return nil, fmt.Errorf("期數必須大於0")
	}
	return &Installment{
		TotalAmount:     amount,
		Months:          months,
		PaymentPerMonth: amount / months,
		Note:            "此為預估值，實際金額以帳單為準",
	}, nil
}

func productTools(deps Deps) []executor.Tool {
	cardParam := []models.ToolParam{{Name: "card_name", Type: models.ParamString, Required: true, Description: "卡片名稱"}}
	return []executor.Tool{
		{
			Descriptor: models.ToolDescriptor{
				Name:        "tool_query_annual_fee",
				Description: "查詢特定信用卡的年費與免年費條件。",
				Parameters:  cardParam,
			},
			Handler: executor.Typed(func(_ context.Context, a cardArgs) (interface{}, error) {
				for _, e := range lookupCard(a.CardName) {
					if e.fee != nil {
						return e.fee, nil
					}
				}
				return nil, fmt.Errorf("查無此卡片年費資料")
			}),
		},
		{
			Descriptor: models.ToolDescriptor{
				Name:        "tool_query_benefits",
				Description: "查詢信用卡的權益內容與回饋資訊。",
				Parameters:  cardParam,
			},
			Handler: executor.Typed(func(_ context.Context, a cardArgs) (interface{}, error) {
				for _, e := range lookupCard(a.CardName) {
					if e.benefits != "" {
						return e.benefits, nil
					}
				}
				return "查無此卡片權益資料。", nil
			}),
		},
		{
			Descriptor: models.ToolDescriptor{
				Name:        "tool_calculate_installment",
				Description: "計算分期付款每期應繳金額。",
				Parameters: []models.ToolParam{
					{Name: "amount", Type: models.ParamInteger, Required: true, Description: "總金額"},
					{Name: "months", Type: models.ParamInteger, Required: true, Description: "分期期數"},
				},
			},
			Handler: executor.Typed(func(_ context.Context, a installmentArgs) (interface{}, error) {
				return CalculateInstallment(a.Amount, a.Months)
			}),
		},
		searchTool(deps.Retriever, deps.topK()),
	}
}

func newProductAgent(deps Deps) (executor.Handler, error) {
	if deps.Retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	tb, err := executor.NewToolbox(productTools(deps)...)
	if err != nil {
		return nil, err
	}
	return loopHandler(executor.New(Product, productPrompt, deps.Completer, tb, deps.loopOptions()...)), nil
}
