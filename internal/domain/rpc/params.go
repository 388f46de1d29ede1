package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
)

// validator is implemented by params that check their required fields.
type validator interface {
	Validate() error
}

// DecodeParams unmarshals raw into a fresh T. Missing or null params decode
// as the zero value. Decode and validation failures wrap
// domainErrors.ErrInvalidParams.
func DecodeParams[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &v); err != nil {
			return v, fmt.Errorf("%w: %v", domainErrors.ErrInvalidParams, err)
		}
	}
	if val, ok := any(&v).(validator); ok {
		if err := val.Validate(); err != nil {
			return v, fmt.Errorf("%w: %v", domainErrors.ErrInvalidParams, err)
		}
	}
	return v, nil
}

func required(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

// AuthParams carries the shared token.
type AuthParams struct {
	Token string `json:"token"`
}

// WorkspaceParams addresses a single workspace.
type WorkspaceParams struct {
	WorkspaceID string `json:"workspace_id"`
}

func (p *WorkspaceParams) Validate() error {
	return required("workspace_id", p.WorkspaceID)
}

// AddWorkspaceParams registers a new workspace directory.
type AddWorkspaceParams struct {
	Path      string   `json:"path"`
	Name      string   `json:"name,omitempty"`
	CodexBin  string   `json:"codex_bin,omitempty"`
	CodexArgs []string `json:"codex_args,omitempty"`
}

func (p *AddWorkspaceParams) Validate() error {
	return required("path", p.Path)
}

// ThreadParams addresses one thread in a workspace.
type ThreadParams struct {
	WorkspaceID string `json:"workspace_id"`
	ThreadID    string `json:"thread_id"`
}

func (p *ThreadParams) Validate() error {
	return errors.Join(required("workspace_id", p.WorkspaceID), required("thread_id", p.ThreadID))
}

// ListThreadsParams pages through a workspace's threads.
type ListThreadsParams struct {
	WorkspaceID string  `json:"workspace_id"`
	Cursor      *string `json:"cursor,omitempty"`
	Limit       *int    `json:"limit,omitempty"`
}

func (p *ListThreadsParams) Validate() error {
	return required("workspace_id", p.WorkspaceID)
}

// SendUserMessageParams starts a turn with user text.
type SendUserMessageParams struct {
	WorkspaceID string `json:"workspace_id"`
	ThreadID    string `json:"thread_id"`
	Text        string `json:"text"`
	Model       string `json:"model,omitempty"`
	Effort      string `json:"effort,omitempty"`
	AccessMode  string `json:"access_mode,omitempty"`
}

func (p *SendUserMessageParams) Validate() error {
	return errors.Join(
		required("workspace_id", p.WorkspaceID),
		required("thread_id", p.ThreadID),
		required("text", p.Text),
	)
}

// TurnInterruptParams stops a running turn.
type TurnInterruptParams struct {
	WorkspaceID string `json:"workspace_id"`
	ThreadID    string `json:"thread_id"`
	TurnID      string `json:"turn_id"`
}

func (p *TurnInterruptParams) Validate() error {
	return errors.Join(
		required("workspace_id", p.WorkspaceID),
		required("thread_id", p.ThreadID),
		required("turn_id", p.TurnID),
	)
}

// StartReviewParams asks the agent to review changes. Target is forwarded
// to the app-server untouched.
type StartReviewParams struct {
	WorkspaceID string          `json:"workspace_id"`
	ThreadID    string          `json:"thread_id"`
	Target      json.RawMessage `json:"target,omitempty"`
	Delivery    string          `json:"delivery,omitempty"`
}

func (p *StartReviewParams) Validate() error {
	return errors.Join(required("workspace_id", p.WorkspaceID), required("thread_id", p.ThreadID))
}

// RespondParams answers a server-initiated request (an approval prompt).
type RespondParams struct {
	WorkspaceID string          `json:"workspace_id"`
	RequestID   json.RawMessage `json:"request_id"`
	Result      json.RawMessage `json:"result"`
}

func (p *RespondParams) Validate() error {
	if len(p.RequestID) == 0 || bytes.Equal(p.RequestID, []byte("null")) {
		return errors.Join(required("workspace_id", p.WorkspaceID), errors.New("request_id is required"))
	}
	return required("workspace_id", p.WorkspaceID)
}

// TerminalParams addresses one terminal.
type TerminalParams struct {
	WorkspaceID string `json:"workspace_id"`
	TerminalID  string `json:"terminal_id"`
}

func (p *TerminalParams) Validate() error {
	return errors.Join(required("workspace_id", p.WorkspaceID), required("terminal_id", p.TerminalID))
}

// TerminalOpenParams opens a terminal. An empty TerminalID asks the daemon
// to pick a name.
type TerminalOpenParams struct {
	WorkspaceID string `json:"workspace_id"`
	TerminalID  string `json:"terminal_id,omitempty"`
	Cols        int    `json:"cols"`
	Rows        int    `json:"rows"`
}

func (p *TerminalOpenParams) Validate() error {
	return errors.Join(required("workspace_id", p.WorkspaceID), validSize(p.Cols, p.Rows))
}

// TerminalWriteParams sends keystrokes.
type TerminalWriteParams struct {
	WorkspaceID string `json:"workspace_id"`
	TerminalID  string `json:"terminal_id"`
	Data        string `json:"data"`
}

func (p *TerminalWriteParams) Validate() error {
	return errors.Join(required("workspace_id", p.WorkspaceID), required("terminal_id", p.TerminalID))
}

// TerminalResizeParams changes the PTY window size.
type TerminalResizeParams struct {
	WorkspaceID string `json:"workspace_id"`
	TerminalID  string `json:"terminal_id"`
	Cols        int    `json:"cols"`
	Rows        int    `json:"rows"`
}

func (p *TerminalResizeParams) Validate() error {
	return errors.Join(
		required("workspace_id", p.WorkspaceID),
		required("terminal_id", p.TerminalID),
		validSize(p.Cols, p.Rows),
	)
}

func validSize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > 0xFFFF || rows > 0xFFFF {
		return fmt.Errorf("cols and rows must be between 1 and 65535, got %dx%d", cols, rows)
	}
	return nil
}

// MemorySearchParams queries the memory store.
type MemorySearchParams struct {
	Query       string `json:"query"`
	Kind        string `json:"kind,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// MemoryAppendParams writes one entry to the memory store.
type MemoryAppendParams struct {
	Kind        string   `json:"kind"`
	Title       string   `json:"title,omitempty"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags,omitempty"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	ThreadID    string   `json:"thread_id,omitempty"`
}

func (p *MemoryAppendParams) Validate() error {
	return errors.Join(required("kind", p.Kind), required("content", p.Content))
}

// MemoryFlushNowParams triggers a manual flush for one thread.
type MemoryFlushNowParams struct {
	WorkspaceID string `json:"workspace_id"`
	ThreadID    string `json:"thread_id"`
	Force       bool   `json:"force,omitempty"`
}

func (p *MemoryFlushNowParams) Validate() error {
	return errors.Join(required("workspace_id", p.WorkspaceID), required("thread_id", p.ThreadID))
}

// UpdateSettingsParams carries a partial settings document.
type UpdateSettingsParams struct {
	Settings json.RawMessage `json:"settings"`
}

func (p *UpdateSettingsParams) Validate() error {
	if len(p.Settings) == 0 || bytes.Equal(p.Settings, []byte("null")) {
		return errors.New("settings is required")
	}
	return nil
}
