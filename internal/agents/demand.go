package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cardmate/advisor/internal/executor"
	"github.com/cardmate/advisor/pkg/contracts"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
)

const demandPrompt = `你是國泰世華銀行的「需求分析專家」。
請從使用者輸入中提取以下資訊，並只輸出 JSON 物件：

1. age (int，未知填 null)
2. occupation (string，未知填 "未知")
3. annual_income (int，單位新台幣元，「月薪4萬」請換算為 480000，未知填 null)
4. identity_type (string，可選 "學生"、"社會新鮮人"、"上班族"、"家管"、"退休"、"未知")
5. spending_habits (string 陣列，例如 ["網購", "旅遊", "蝦皮", "百貨", "加油"])
6. purpose (string，辦卡目的，例如 "脫白"、"哩程"、"現金回饋"、"首刷禮")

判斷規則：
- 提及「還在唸書」、「大學生」、「打工」時，identity_type 必為 "學生"。
- 提及「剛畢業」、「第一份工作」時，identity_type 為 "社會新鮮人"。`

// ── Rule engine ─────────────────────────────────────────────

// ruleEnv is the variable set rule expressions are evaluated against.
type ruleEnv struct {
	Age       int      `expr:"age"`
	HasAge    bool     `expr:"has_age"`
	Income    int64    `expr:"income"`
	HasIncome bool     `expr:"has_income"`
	Identity  string   `expr:"identity"`
	Habits    []string `expr:"habits"`
}

// Rule adds risk flags and system tags when its expression holds.
type Rule struct {
	Name  string
	When  string
	Flags []string
	Tags  []string
}

// DefaultRules encode the card application thresholds.
var DefaultRules = []Rule{
	{
		Name:  "student",
		When:  `identity == "學生"`,
		Flags: []string{"【學生身分限制】額度上限約 2 萬元，需照會父母，無法申辦無限卡/世界卡。"},
	},
	{
		Name:  "student-minor",
		When:  `identity == "學生" && has_age && age > 0 && age < 20`,
		Flags: []string{"【未成年】未滿 20 歲學生需法定代理人簽名同意。"},
	},
	{
		Name: "student-picks",
		When: `identity == "學生"`,
		Tags: []string{"推薦：CUBE卡(門檻低/回饋靈活)、蝦皮聯名卡(網購)"},
	},
	{
		Name:  "minor",
		When:  `identity != "學生" && has_age && age > 0 && age < 20`,
		Flags: []string{"【未成年】未滿 20 歲須由法定代理人同意，或僅能申辦附卡。"},
	},
	{
		Name: "new-graduate",
		When: `identity == "社會新鮮人"`,
		Tags: []string{"推薦：CUBE卡(適合新鮮人/首張卡)"},
	},
	{
		Name:  "income-low",
		When:  `has_income && income > 0 && income < 200000 && identity != "學生"`,
		Flags: []string{"【財力提醒】年收未達 20 萬，可能未達多數信用卡(CUBE/蝦皮)最低申請門檻。"},
	},
	{
		Name: "income-standard",
		When: `has_income && income >= 200000 && income < 600000`,
		Tags: []string{"資格符合：CUBE卡、蝦皮聯名卡、長榮航空御璽卡、亞洲萬里通里享卡"},
	},
	{
		Name: "income-premium",
		When: `has_income && income >= 600000 && income < 2000000`,
		Tags: []string{"資格符合：長榮航空無限卡(需年收60萬)、亞洲萬里通鈦金商務卡"},
	},
	{
		Name: "income-premium-travel",
		When: `has_income && income >= 600000 && income < 2000000 && ("旅遊" in habits || "出國" in habits)`,
		Tags: []string{"推薦：長榮航空聯名卡(適合常出國)"},
	},
	{
		Name: "income-high",
		When: `has_income && income >= 2000000`,
		Tags: []string{
			"【高資產客群】符合「世界卡」、「長榮航空極致無限卡」申請資格",
			"尊榮禮遇：機場接送、貴賓室、頂級餐廳優惠",
		},
	},
	{
		Name: "habit-online",
		When: `"蝦皮" in habits || "網購" in habits`,
		Tags: []string{"推薦：國泰蝦皮購物聯名卡(站內最高10%)、CUBE卡(玩數位方案)"},
	},
	{
		Name: "habit-travel",
		When: `"旅遊" in habits || "日本" in habits`,
		Tags: []string{"推薦：CUBE卡(趣旅行方案)、長榮/亞萬聯名卡"},
	},
	{
		Name: "habit-grocery",
		When: `"全聯" in habits || "超商" in habits`,
		Tags: []string{"推薦：CUBE卡(集精選方案)"},
	},
}

type compiledRule struct {
	Rule
	program *vm.Program
}

// RuleEngine evaluates compiled rules in order.
type RuleEngine struct {
	rules []compiledRule
}

// NewRuleEngine compiles every rule; a rule that does not compile to a
// boolean expression is a configuration error.
func NewRuleEngine(rules []Rule) (*RuleEngine, error) {
	re := &RuleEngine{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		prog, err := expr.Compile(r.When, expr.Env(ruleEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		re.rules = append(re.rules, compiledRule{Rule: r, program: prog})
	}
	return re, nil
}

// Apply sets the profile's risk flags and system tags.
func (re *RuleEngine) Apply(p *models.UserProfile) {
	env := ruleEnv{
		Identity: p.IdentityType,
		Habits:   p.SpendingHabits,
	}
	if p.Age != nil {
		env.Age, env.HasAge = *p.Age, true
	}
	if p.AnnualIncome != nil {
		env.Income, env.HasIncome = *p.AnnualIncome, true
	}
	if env.Habits == nil {
		env.Habits = []string{}
	}

	p.RiskFlags = []string{}
	p.SystemTags = []string{}
	for _, r := range re.rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			log.Warn().Err(err).Str("rule", r.Name).Msg("Rule evaluation failed")
			continue
		}
		if ok, _ := out.(bool); ok {
			p.RiskFlags = append(p.RiskFlags, r.Flags...)
			p.SystemTags = append(p.SystemTags, r.Tags...)
		}
	}
}

// ── Demand agent ────────────────────────────────────────────

// DemandAgent turns free text into a UserProfile.
type DemandAgent struct {
	completer contracts.Completer
	rules     *RuleEngine
}

// NewDemandAgent creates a demand agent using DefaultRules.
func NewDemandAgent(c contracts.Completer) *DemandAgent {
	rules, err := NewRuleEngine(DefaultRules)
	if err != nil {
		panic(err)
	}
	return &DemandAgent{completer: c, rules: rules}
}

type demandArgs struct {
	UserInput string `json:"user_input"`
}

// Handler exposes the agent as its demand_agent tool.
func (a *DemandAgent) Handler() executor.Handler {
	return executor.Typed(func(ctx context.Context, args demandArgs) (interface{}, error) {
		log.Info().Str("agent", Demand).Str("input", args.UserInput).Msg("Analysing user needs")
		return a.Analyze(ctx, args.UserInput), nil
	})
}

// Analyze extracts the profile and applies the rules. It never fails: an
// unusable model reply yields a fallback profile carrying an error field.
func (a *DemandAgent) Analyze(ctx context.Context, input string) *models.UserProfile {
	profile, err := a.extract(ctx, input)
	if err != nil {
		log.Error().Err(err).Str("agent", Demand).Msg("Profile extraction failed")
		profile = &models.UserProfile{
			Error:        "Parsing failed",
			Raw:          err.Error(),
			IdentityType: "未知",
		}
	}
	if profile.SpendingHabits == nil {
		profile.SpendingHabits = []string{}
	}
	a.rules.Apply(profile)
	return profile
}

func (a *DemandAgent) extract(ctx context.Context, input string) (*models.UserProfile, error) {
	resp, err := a.completer.Complete(ctx, &models.CompletionRequest{
		Messages: []models.Message{
			models.SystemMessage(demandPrompt),
			models.UserMessage(input),
		},
		JSONMode: true,
	})
	if err != nil {
		return nil, err
	}
	var p models.UserProfile
	if err := json.Unmarshal([]byte(stripFences(resp.Message.Content)), &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

// stripFences removes a surrounding ```json fence some models add even in
// JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
