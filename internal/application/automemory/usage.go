package automemory

import (
	"encoding/json"

	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
)

// TokenUsageMethod is the app-server notification carrying token counts.
const TokenUsageMethod = "thread/tokenUsage/updated"

// TokenUsage is one parsed token-usage notification.
type TokenUsage struct {
	ThreadID      string
	TotalTokens   int64
	ContextWindow int64
}

type usageMessage struct {
	Method string `json:"method"`
	Params struct {
		ThreadID   string `json:"threadId"`
		TokenUsage struct {
			Total struct {
				TotalTokens *float64 `json:"totalTokens"`
			} `json:"total"`
			ModelContextWindow *float64 `json:"modelContextWindow"`
		} `json:"tokenUsage"`
	} `json:"params"`
}

// ParseTokenUsage extracts usage from a raw app-server message. Anything
// other than a token-usage notification with a thread id and numeric
// counts reports false.
func ParseTokenUsage(raw json.RawMessage) (TokenUsage, bool) {
	var m usageMessage
	if err := json.Unmarshal(raw, &m); err != nil || m.Method != TokenUsageMethod {
		return TokenUsage{}, false
	}
	p := m.Params
	if p.ThreadID == "" || p.TokenUsage.Total.TotalTokens == nil || p.TokenUsage.ModelContextWindow == nil {
		return TokenUsage{}, false
	}
	total, window := *p.TokenUsage.Total.TotalTokens, *p.TokenUsage.ModelContextWindow
	if total < 0 || window < 0 {
		return TokenUsage{}, false
	}
	return TokenUsage{
		ThreadID:      p.ThreadID,
		TotalTokens:   int64(total),
		ContextWindow: int64(window),
	}, true
}

// EventFilter selects the hub events the coordinator consumes.
func EventFilter(e session.Event) bool {
	return e.Key.Class == session.ClassAgent && e.Kind == session.EventMessage && e.Method == TokenUsageMethod
}
