package gateway

import (
	"encoding/json"

	"github.com/jbctechsolutions/codexmonitor/internal/domain/rpc"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
)

// AppServerEvent wraps a message from a workspace's app-server.
type AppServerEvent struct {
	WorkspaceID string          `json:"workspace_id"`
	Message     json.RawMessage `json:"message"`
}

// TerminalOutput carries a chunk of terminal output.
type TerminalOutput struct {
	WorkspaceID string `json:"workspace_id"`
	TerminalID  string `json:"terminal_id"`
	Data        string `json:"data"`
}

// TerminalExit reports that a terminal's shell exited.
type TerminalExit struct {
	WorkspaceID string `json:"workspace_id"`
	TerminalID  string `json:"terminal_id"`
}

// BrowserEvent wraps a message from the automation worker.
type BrowserEvent struct {
	Message json.RawMessage `json:"message"`
}

// SessionTerminated reports that any supervised child exited.
type SessionTerminated struct {
	Class       session.Class `json:"class"`
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspace_id,omitempty"`
	TerminalID  string        `json:"terminal_id,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// notificationsFor maps one session event to the notifications clients
// receive for it. Terminal output is sent as a string; invalid UTF-8 is
// replaced by the JSON encoder.
func notificationsFor(e session.Event) []rpc.Notification {
	switch e.Kind {
	case session.EventMessage:
		switch e.Key.Class {
		case session.ClassAgent:
			return []rpc.Notification{{
				Method: rpc.NotifyAppServerEvent,
				Params: AppServerEvent{WorkspaceID: e.Key.WorkspaceID(), Message: e.Message},
			}}
		case session.ClassWorker:
			return []rpc.Notification{{
				Method: rpc.NotifyBrowserEvent,
				Params: BrowserEvent{Message: e.Message},
			}}
		}

	case session.EventOutput:
		if e.Key.Class == session.ClassTerminal {
			return []rpc.Notification{{
				Method: rpc.NotifyTerminalOutput,
				Params: TerminalOutput{
					WorkspaceID: e.Key.WorkspaceID(),
					TerminalID:  e.Key.TerminalID(),
					Data:        string(e.Data),
				},
			}}
		}

	case session.EventTerminated:
		terminated := rpc.Notification{
			Method: rpc.NotifySessionTerminated,
			Params: SessionTerminated{
				Class:       e.Key.Class,
				ID:          e.Key.ID,
				WorkspaceID: e.Key.WorkspaceID(),
				TerminalID:  e.Key.TerminalID(),
				Error:       e.Err,
			},
		}
		if e.Key.Class == session.ClassTerminal {
			return []rpc.Notification{{
				Method: rpc.NotifyTerminalExit,
				Params: TerminalExit{WorkspaceID: e.Key.WorkspaceID(), TerminalID: e.Key.TerminalID()},
			}, terminated}
		}
		return []rpc.Notification{terminated}
	}
	return nil
}
