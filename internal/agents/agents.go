// Package agents defines the four credit-card sub-agents and the global
// descriptor set the dispatcher advertises to its model.
//
// Every sub-agent is exposed as exactly one tool named after itself. The
// product, comparing and eligibility agents run an executor.Loop with their
// own internal tools; the demand agent is a single JSON-mode completion
// followed by a rule engine.
package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cardmate/advisor/internal/executor"
	"github.com/cardmate/advisor/pkg/contracts"
	"github.com/cardmate/advisor/pkg/models"
)

const (
	Product     = "product_agent"
	Comparing   = "comparing_agent"
	Demand      = "demand_agent"
	Eligibility = "eligibility_agent"
)

// CardLister lists the card names known to the knowledge base.
type CardLister interface {
	CardNames(ctx context.Context) ([]string, error)
}

// Deps are the collaborators a sub-agent needs.
type Deps struct {
	Completer contracts.Completer
	Retriever contracts.Retriever
	Cards     CardLister

	MaxRounds          int // reasoning loop ceiling, executor.DefaultMaxRounds when 0
	TopK               int // retrieval depth, 5 when 0
	EligibilityWorkers int // concurrent per-card checks, 4 when 0
}

func (d Deps) topK() int {
	if d.TopK > 0 {
		return d.TopK
	}
	return 5
}

func (d Deps) workers() int {
	if d.EligibilityWorkers > 0 {
		return d.EligibilityWorkers
	}
	return 4
}

func (d Deps) loopOptions() []executor.Option {
	return []executor.Option{executor.WithMaxRounds(d.MaxRounds)}
}

// ── Global descriptor set ───────────────────────────────────

var descriptors = []models.ToolDescriptor{
	{
		Name:        Product,
		Description: "【產品專家】提供卡片固定資訊與條款內容，計算回饋、分期並列出附加權益。",
		Parameters: []models.ToolParam{
			{Name: "user_query", Type: models.ParamString, Required: true, Description: "使用者的完整原始問題，例如「CUBE卡年費多少？」"},
		},
	},
	{
		Name:        Comparing,
		Description: "【比較與推薦專家】負責多張卡片比較或推薦卡片。使用者詢問「哪張卡比較好？」或「推薦適合學生的卡」時使用。",
		Parameters: []models.ToolParam{
			{Name: "user_query", Type: models.ParamString, Required: true, Description: "使用者的完整原始問題"},
			{Name: "user_profile", Type: models.ParamString, Description: "demand_agent 分析出的使用者背景 JSON，未知則不填"},
		},
	},
	{
		Name:        Demand,
		Description: "【需求分析專家】分析使用者背景（年齡、職業、年收、消費習慣）。使用者提供個人資訊或詢問「我可以辦什麼卡」時優先呼叫。",
		Parameters: []models.ToolParam{
			{Name: "user_input", Type: models.ParamString, Required: true, Description: "使用者的自我介紹或需求描述"},
		},
	},
	{
		Name:        Eligibility,
		Description: "【申辦資格專家】判斷使用者是否符合卡片的申辦門檻、財力條件或學生與新鮮人限制，並說明原因與需補充的資料。",
		Parameters: []models.ToolParam{
			{Name: "user_query", Type: models.ParamString, Required: true, Description: "使用者的完整原始問題，例如「我月薪 4 萬可以辦 CUBE 嗎？」"},
			{Name: "user_profile", Type: models.ParamString, Description: "使用者背景 JSON 字串，未知可不填"},
		},
	},
}

// Names returns the sub-agent names in descriptor order.
func Names() []string {
	out := make([]string, len(descriptors))
	for i, d := range descriptors {
		out[i] = d.Name
	}
	return out
}

// Descriptors returns the global descriptor set, one per sub-agent.
func Descriptors() []models.ToolDescriptor {
	out := make([]models.ToolDescriptor, len(descriptors))
	copy(out, descriptors)
	return out
}

// Descriptor looks up one sub-agent descriptor by exact name.
func Descriptor(name string) (models.ToolDescriptor, bool) {
	for _, d := range descriptors {
		if d.Name == name {
			return d, true
		}
	}
	return models.ToolDescriptor{}, false
}

// Build constructs the tool a sub-agent process serves.
func Build(name string, deps Deps) (executor.Tool, error) {
	desc, ok := Descriptor(name)
	if !ok {
		return executor.Tool{}, fmt.Errorf("unknown agent %q", name)
	}
	if deps.Completer == nil {
		return executor.Tool{}, fmt.Errorf("agent %s: completer is required", name)
	}

	var (
		h   executor.Handler
		err error
	)
	switch name {
	case Product:
		h, err = newProductAgent(deps)
	case Comparing:
		h, err = newComparingAgent(deps)
	case Demand:
		h = NewDemandAgent(deps.Completer).Handler()
	case Eligibility:
		h, err = newEligibilityAgent(deps)
	}
	if err != nil {
		return executor.Tool{}, fmt.Errorf("agent %s: %w", name, err)
	}
	return executor.Tool{Descriptor: desc, Handler: h}, nil
}

// queryArgs is the argument shape of the loop-backed agents.
type queryArgs struct {
	UserQuery   string      `json:"user_query"`
	UserProfile looseString `json:"user_profile"`
}

// looseString accepts a JSON string, or any other JSON value kept as its
// raw text. Models often pass a profile object where a string is declared.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = looseString(str)
		return nil
	}
	*s = looseString(b)
	return nil
}

func loopHandler(loop *executor.Loop) executor.Handler {
	return executor.Typed(func(ctx context.Context, a queryArgs) (interface{}, error) {
		if a.UserQuery == "" {
			return nil, fmt.Errorf("user_query is required")
		}
		out, trace := loop.RespondWithTrace(ctx, a.UserQuery, string(a.UserProfile))
		logTrace(trace)
		return out, nil
	})
}
