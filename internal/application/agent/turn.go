package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
)

const (
	// turnEventBuffer is the subscription queue for one summarizer turn.
	turnEventBuffer = 4096

	// cleanupTimeout bounds the interrupt and archive sent after a turn.
	cleanupTimeout = 10 * time.Second

	// ephemeralLinger keeps a finished summarizer thread marked so late
	// notifications for it are still ignored.
	ephemeralLinger = time.Minute
)

// notification is the envelope of an app-server notification.
type notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type threadScoped struct {
	ThreadID string `json:"threadId"`
}

// RunTurn runs prompt on a fresh thread in the workspace's agent session and
// returns the agent's reply. The thread is archived afterwards whatever the
// outcome; if timeout passes first the turn is also interrupted.
func (s *Service) RunTurn(ctx context.Context, workspaceID, prompt string, timeout time.Duration) (string, error) {
	ws, err := s.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	sess, err := s.session(ctx, workspaceID)
	if err != nil {
		return "", err
	}

	// Subscribe before starting anything so no event is missed.
	key := session.AgentKey(workspaceID)
	sub := s.hub.Subscribe(turnEventBuffer, func(e session.Event) bool { return e.Key == key })
	defer sub.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	raw, err := sess.Request(ctx, "thread/start", map[string]any{
		"cwd":            ws.Path,
		"approvalPolicy": "never",
		"sandbox":        "read-only",
	}, 0)
	if err != nil {
		return "", s.turnError("start summarizer thread", err)
	}
	threadID := nestedID(raw, "thread")
	if threadID == "" {
		return "", domainErrors.NewError(domainErrors.CodeSession, "thread/start returned no thread id", nil)
	}
	s.ephemeral.Store(threadID, struct{}{})
	defer s.finishThread(sess, threadID)

	raw, err = sess.Request(ctx, "turn/start", map[string]any{
		"threadId": threadID,
		"input":    []map[string]string{{"type": "text", "text": prompt}},
	}, 0)
	if err != nil {
		return "", s.turnError("start summarizer turn", err)
	}
	turnID := nestedID(raw, "turn")

	reply, err := collectReply(ctx, sub.C(), threadID)
	if err != nil && ctx.Err() != nil && turnID != "" {
		s.interrupt(sess, threadID, turnID)
	}
	return reply, err
}

func (s *Service) turnError(what string, err error) error {
	code := domainErrors.CodeSession
	if domainErrors.Is(err, context.DeadlineExceeded) || domainErrors.Is(err, session.ErrRequestTimeout) {
		code = domainErrors.CodeTimeout
	}
	return domainErrors.NewError(code, "failed to "+what, err)
}

// collectReply consumes thread events until the turn completes. Streamed
// deltas are concatenated; a completed agentMessage item replaces them.
func collectReply(ctx context.Context, events <-chan session.Event, threadID string) (string, error) {
	var (
		deltas strings.Builder
		final  string
	)
	for {
		select {
		case <-ctx.Done():
			return "", domainErrors.NewError(domainErrors.CodeTimeout, "summarizer turn did not complete", ctx.Err())
		case e, ok := <-events:
			if !ok {
				return "", domainErrors.NewError(domainErrors.CodeSession, "event stream closed", session.ErrSessionTerminated)
			}
			if e.Kind == session.EventTerminated {
				return "", domainErrors.NewError(domainErrors.CodeSession, "agent session ended during summarizer turn", session.ErrSessionTerminated)
			}
			if e.Kind != session.EventMessage {
				continue
			}

			var n notification
			if err := json.Unmarshal(e.Message, &n); err != nil || n.Method == "" {
				continue
			}
			var scope threadScoped
			if json.Unmarshal(n.Params, &scope) != nil || scope.ThreadID != threadID {
				continue
			}

			switch n.Method {
			case "item/agentMessage/delta":
				var p struct {
					Delta string `json:"delta"`
				}
				if json.Unmarshal(n.Params, &p) == nil {
					deltas.WriteString(p.Delta)
				}
			case "item/completed":
				var p struct {
					Item struct {
						Type string `json:"type"`
						Text string `json:"text"`
					} `json:"item"`
				}
				if json.Unmarshal(n.Params, &p) == nil && p.Item.Type == "agentMessage" && p.Item.Text != "" {
					final = p.Item.Text
				}
			case "error":
				var p struct {
					Error struct {
						Message string `json:"message"`
					} `json:"error"`
					WillRetry bool `json:"willRetry"`
				}
				if json.Unmarshal(n.Params, &p) == nil && !p.WillRetry {
					return "", domainErrors.NewError(domainErrors.CodeSession, "summarizer turn failed", fmt.Errorf("%s", p.Error.Message))
				}
			case "turn/completed":
				var p struct {
					Turn struct {
						Status string `json:"status"`
						Error  *struct {
							Message string `json:"message"`
						} `json:"error"`
					} `json:"turn"`
				}
				if json.Unmarshal(n.Params, &p) == nil && p.Turn.Status == "failed" {
					msg := "turn failed"
					if p.Turn.Error != nil && p.Turn.Error.Message != "" {
						msg = p.Turn.Error.Message
					}
					return "", domainErrors.NewError(domainErrors.CodeSession, "summarizer turn failed", fmt.Errorf("%s", msg))
				}
				if final != "" {
					return final, nil
				}
				return deltas.String(), nil
			}
		}
	}
}

func (s *Service) interrupt(sess ports.ProcessSession, threadID, turnID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := sess.Request(ctx, "turn/interrupt", map[string]any{"threadId": threadID, "turnId": turnID}, 0); err != nil {
		s.logger.Warn("failed to interrupt summarizer turn", "thread_id", threadID, "error", err)
	}
}

func (s *Service) finishThread(sess ports.ProcessSession, threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := sess.Request(ctx, "thread/archive", map[string]any{"threadId": threadID}, 0); err != nil {
		s.logger.Warn("failed to archive summarizer thread", "thread_id", threadID, "error", err)
	}
	time.AfterFunc(ephemeralLinger, func() { s.ephemeral.Delete(threadID) })
}

// nestedID extracts result.<field>.id.
func nestedID(raw json.RawMessage, field string) string {
	var wrapper map[string]json.RawMessage
	if json.Unmarshal(raw, &wrapper) != nil {
		return ""
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(wrapper[field], &obj) != nil {
		return ""
	}
	return obj.ID
}
