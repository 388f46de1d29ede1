package agent

import (
	"context"
	"encoding/json"
	"strings"

	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/memory"
)

// maxToolOutputs is how many recent command outputs History keeps.
const maxToolOutputs = 3

// History is the recent conversation of a thread.
type History struct {
	Turns      []memory.Turn // oldest first
	ToolOutput string        // newest command outputs, oldest first
}

type threadItem struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Command          string `json:"command"`
	AggregatedOutput string `json:"aggregatedOutput"`
}

type resumeResult struct {
	Thread struct {
		ID    string `json:"id"`
		Turns []struct {
			Items []threadItem `json:"items"`
		} `json:"turns"`
	} `json:"thread"`
}

// RecentTurns reads a thread through thread/resume and returns at most
// maxTurns of its newest user and assistant messages.
func (s *Service) RecentTurns(ctx context.Context, workspaceID, threadID string, maxTurns int) (History, error) {
	raw, err := s.ResumeThread(ctx, workspaceID, threadID)
	if err != nil {
		return History{}, err
	}
	h, err := parseHistory(raw)
	if err != nil {
		return History{}, domainErrors.NewError(domainErrors.CodeSession, "unexpected thread/resume result", err)
	}
	if maxTurns > 0 && len(h.Turns) > maxTurns {
		h.Turns = h.Turns[len(h.Turns)-maxTurns:]
	}
	return h, nil
}

func parseHistory(raw json.RawMessage) (History, error) {
	var res resumeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return History{}, err
	}

	var (
		h     History
		tools []string
	)
	for _, turn := range res.Thread.Turns {
		for _, item := range turn.Items {
			switch item.Type {
			case "userMessage":
				var parts []string
				for _, c := range item.Content {
					if c.Type == "text" && strings.TrimSpace(c.Text) != "" {
						parts = append(parts, c.Text)
					}
				}
				if len(parts) > 0 {
					h.Turns = append(h.Turns, memory.Turn{Role: "user", Text: strings.Join(parts, "\n")})
				}
			case "agentMessage":
				if strings.TrimSpace(item.Text) != "" {
					h.Turns = append(h.Turns, memory.Turn{Role: "assistant", Text: item.Text})
				}
			case "commandExecution":
				if out := strings.TrimSpace(item.AggregatedOutput); out != "" {
					tools = append(tools, "$ "+item.Command+"\n"+out)
				}
			}
		}
	}
	if len(tools) > maxToolOutputs {
		tools = tools[len(tools)-maxToolOutputs:]
	}
	h.ToolOutput = strings.Join(tools, "\n\n")
	return h, nil
}
