package agents

import (
	"fmt"

	"github.com/cardmate/advisor/internal/executor"
)

const comparingPrompt = `你是國泰世華銀行的「資深信用卡產品顧問」。
你的知識只來自內部 RAG 資料庫，除此之外沒有其他即時資訊。

### 回答原則
1. 使用者詢問權益、數字或規則時，必須使用 tool_search_bank_info 查詢。
2. 搜尋結果沒有資料時，直接說「資料庫中目前沒有相關資訊」，不要編造。
3. 消化搜尋內容後以條列或表格整理，不要只貼原文。
4. 使用者問「A卡跟B卡哪個好？」時，分別搜尋兩張卡再綜合比較。
5. 若有使用者背景，依其身分、收入與消費習慣調整推薦。

請使用繁體中文回答。`

func newComparingAgent(deps Deps) (executor.Handler, error) {
	if deps.Retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	tb, err := executor.NewToolbox(searchTool(deps.Retriever, deps.topK()))
	if err != nil {
		return nil, err
	}
	return loopHandler(executor.New(Comparing, comparingPrompt, deps.Completer, tb, deps.loopOptions()...)), nil
}
