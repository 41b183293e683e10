package router

import (
	"encoding/json"
	"testing"

	"github.com/cardmate/advisor/pkg/models"
	"google.golang.org/genai"
)

func TestToGenAIContents_FoldsToolResults(t *testing.T) {
	msgs := []models.Message{
		models.SystemMessage("你是信用卡顧問"),
		models.UserMessage("我是學生"),
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "demand_agent", Arguments: json.RawMessage(`{"user_input":"我是學生"}`)},
			{ID: "c2", Name: "product_agent", Arguments: json.RawMessage(`{"user_query":"CUBE"}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "c1", Name: "demand_agent", Content: "{}"},
		{Role: models.RoleTool, ToolCallID: "c2", Name: "product_agent", Content: "ok"},
		{Role: models.RoleAssistant, Content: "建議辦 CUBE 卡"},
	}

	sys, contents := toGenAIContents(msgs)
	if sys == nil || sys.Parts[0].Text != "你是信用卡顧問" {
		t.Fatalf("system instruction = %+v", sys)
	}
	if len(contents) != 4 {
		t.Fatalf("len(contents) = %d, want 4", len(contents))
	}
	if contents[1].Role != genai.RoleModel || len(contents[1].Parts) != 2 {
		t.Errorf("assistant turn = %+v, want model role with 2 function calls", contents[1])
	}
	if got := contents[1].Parts[0].FunctionCall.Args["user_input"]; got != "我是學生" {
		t.Errorf("function call args = %v", got)
	}
	tools := contents[2]
	if tools.Role != genai.RoleUser || len(tools.Parts) != 2 {
		t.Fatalf("tool turn = %+v, want one user turn with 2 responses", tools)
	}
	if tools.Parts[1].FunctionResponse.ID != "c2" || tools.Parts[1].FunctionResponse.Response["result"] != "ok" {
		t.Errorf("second function response = %+v", tools.Parts[1].FunctionResponse)
	}
}

func TestToGenAISchema(t *testing.T) {
	s := toGenAISchema(models.ToolDescriptor{
		Name: "tool_check_eligibility",
		Parameters: []models.ToolParam{
			{Name: "user_profile_json", Type: models.ParamString, Required: true},
			{Name: "card_names", Type: models.ParamArray},
		},
	})
	if s.Type != genai.TypeObject {
		t.Errorf("Type = %v, want OBJECT", s.Type)
	}
	if len(s.Required) != 1 || s.Required[0] != "user_profile_json" {
		t.Errorf("Required = %v", s.Required)
	}
	if s.Properties["card_names"].Items.Type != genai.TypeString {
		t.Errorf("array items type = %v, want STRING", s.Properties["card_names"].Items.Type)
	}
}
