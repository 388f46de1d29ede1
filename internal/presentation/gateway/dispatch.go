package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jbctechsolutions/codexmonitor/internal/application/agent"
	"github.com/jbctechsolutions/codexmonitor/internal/application/automemory"
	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/memory"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/rpc"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/settings"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/workspace"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/logging"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/tracing"
)

// WorkspaceService manages the registered workspaces.
type WorkspaceService interface {
	List(ctx context.Context) ([]*workspace.Workspace, error)
	Get(ctx context.Context, id string) (*workspace.Workspace, error)
	Add(ctx context.Context, opts workspace.CreateOptions) (*workspace.Workspace, error)
	Remove(ctx context.Context, id string) error
}

// AgentService forwards agent calls to a workspace's app-server.
type AgentService interface {
	Connect(ctx context.Context, workspaceID string) error
	Disconnect(ctx context.Context, workspaceID string) error
	Connected(workspaceID string) bool
	StartThread(ctx context.Context, workspaceID string) (json.RawMessage, error)
	ResumeThread(ctx context.Context, workspaceID, threadID string) (json.RawMessage, error)
	ListThreads(ctx context.Context, workspaceID string, cursor *string, limit *int) (json.RawMessage, error)
	ArchiveThread(ctx context.Context, workspaceID, threadID string) (json.RawMessage, error)
	SendUserMessage(ctx context.Context, msg agent.UserMessage) (json.RawMessage, error)
	TurnInterrupt(ctx context.Context, workspaceID, threadID, turnID string) (json.RawMessage, error)
	StartReview(ctx context.Context, workspaceID, threadID string, target json.RawMessage, delivery string) (json.RawMessage, error)
	ModelList(ctx context.Context, workspaceID string) (json.RawMessage, error)
	AccountRateLimits(ctx context.Context, workspaceID string) (json.RawMessage, error)
	SkillsList(ctx context.Context, workspaceID string) (json.RawMessage, error)
	Respond(ctx context.Context, workspaceID string, requestID, result json.RawMessage) error
}

// TerminalService manages PTY terminals.
type TerminalService interface {
	Open(ctx context.Context, workspaceID, terminalID string, cols, rows uint16) (string, error)
	Write(workspaceID, terminalID string, data []byte) error
	Resize(workspaceID, terminalID string, cols, rows uint16) error
	Close(ctx context.Context, workspaceID, terminalID string) error
}

// BrowserService forwards browser calls to the automation worker.
type BrowserService interface {
	Call(ctx context.Context, clientMethod string, params json.RawMessage) (json.RawMessage, error)
}

// SettingsService reads and patches the app settings.
type SettingsService interface {
	Get() settings.AppSettings
	Update(ctx context.Context, patch json.RawMessage) (settings.AppSettings, error)
}

// Flusher runs manual memory flushes.
type Flusher interface {
	FlushNow(ctx context.Context, workspaceID, threadID string, force bool) (*automemory.FlushResult, error)
}

// Services is everything the gateway dispatches to.
type Services struct {
	Workspaces WorkspaceService
	Agent      AgentService
	Terminals  TerminalService
	Browser    BrowserService
	Settings   SettingsService
	Memory     ports.MemoryStorePort
	Flusher    Flusher
}

// WorkspaceInfo is a workspace plus its connection state.
type WorkspaceInfo struct {
	*workspace.Workspace
	Connected bool `json:"connected"`
}

type terminalOpened struct {
	TerminalID string `json:"terminal_id"`
}

type searchResult struct {
	Entries []memory.Entry `json:"entries"`
}

func (s *Server) dispatch(ctx context.Context, method rpc.Method, raw json.RawMessage) (any, error) {
	switch method.Surface() {
	case rpc.SurfaceSession:
		return okResult, nil
	case rpc.SurfaceWorkspace:
		return s.dispatchWorkspace(ctx, method, raw)
	case rpc.SurfaceAgent:
		return s.dispatchAgent(ctx, method, raw)
	case rpc.SurfaceTerminal:
		return s.dispatchTerminal(ctx, method, raw)
	case rpc.SurfaceBrowser:
		return s.services.Browser.Call(ctx, string(method), raw)
	case rpc.SurfaceSettings:
		return s.dispatchSettings(ctx, method, raw)
	case rpc.SurfaceMemory:
		return s.dispatchMemory(ctx, method, raw)
	}
	return nil, fmt.Errorf("%w: %s", domainErrors.ErrUnknownMethod, method)
}

// decode parses params and tags the request context and span with the
// workspace they address.
func decode[T any](ctx context.Context, raw json.RawMessage, workspaceOf func(*T) string) (context.Context, T, error) {
	p, err := rpc.DecodeParams[T](raw)
	if err != nil {
		return ctx, p, err
	}
	if workspaceOf != nil {
		if id := workspaceOf(&p); id != "" {
			ctx = logging.WithWorkspaceID(ctx, id)
			tracing.SetWorkspace(ctx, id)
		}
	}
	return ctx, p, nil
}

func (s *Server) dispatchWorkspace(ctx context.Context, method rpc.Method, raw json.RawMessage) (any, error) {
	if method == rpc.MethodListWorkspaces {
		list, err := s.services.Workspaces.List(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]WorkspaceInfo, 0, len(list))
		for _, ws := range list {
			out = append(out, WorkspaceInfo{Workspace: ws, Connected: s.services.Agent.Connected(ws.ID)})
		}
		return out, nil
	}

	if method == rpc.MethodAddWorkspace {
		p, err := rpc.DecodeParams[rpc.AddWorkspaceParams](raw)
		if err != nil {
			return nil, err
		}
		ws, err := s.services.Workspaces.Add(ctx, workspace.CreateOptions{
			Name:      p.Name,
			Path:      p.Path,
			CodexBin:  p.CodexBin,
			CodexArgs: p.CodexArgs,
		})
		if err != nil {
			return nil, err
		}
		return WorkspaceInfo{Workspace: ws}, nil
	}

	ctx, p, err := decode(ctx, raw, func(p *rpc.WorkspaceParams) string { return p.WorkspaceID })
	if err != nil {
		return nil, err
	}
	switch method {
	case rpc.MethodRemoveWorkspace:
		err = s.services.Workspaces.Remove(ctx, p.WorkspaceID)
	case rpc.MethodConnectWorkspace:
		err = s.services.Agent.Connect(ctx, p.WorkspaceID)
	case rpc.MethodDisconnectWorkspace:
		err = s.services.Agent.Disconnect(ctx, p.WorkspaceID)
	}
	if err != nil {
		return nil, err
	}
	return okResult, nil
}

func (s *Server) dispatchAgent(ctx context.Context, method rpc.Method, raw json.RawMessage) (any, error) {
	a := s.services.Agent
	switch method {
	case rpc.MethodStartThread, rpc.MethodModelList, rpc.MethodAccountRateLimits, rpc.MethodSkillsList:
		ctx, p, err := decode(ctx, raw, func(p *rpc.WorkspaceParams) string { return p.WorkspaceID })
		if err != nil {
			return nil, err
		}
		switch method {
		case rpc.MethodStartThread:
			return a.StartThread(ctx, p.WorkspaceID)
		case rpc.MethodModelList:
			return a.ModelList(ctx, p.WorkspaceID)
		case rpc.MethodAccountRateLimits:
			return a.AccountRateLimits(ctx, p.WorkspaceID)
		default:
			return a.SkillsList(ctx, p.WorkspaceID)
		}

	case rpc.MethodResumeThread, rpc.MethodArchiveThread:
		ctx, p, err := decode(ctx, raw, func(p *rpc.ThreadParams) string { return p.WorkspaceID })
		if err != nil {
			return nil, err
		}
		ctx = logging.WithThreadID(ctx, p.ThreadID)
		if method == rpc.MethodResumeThread {
			return a.ResumeThread(ctx, p.WorkspaceID, p.ThreadID)
		}
		return a.ArchiveThread(ctx, p.WorkspaceID, p.ThreadID)

	case rpc.MethodListThreads:
		ctx, p, err := decode(ctx, raw, func(p *rpc.ListThreadsParams) string { return p.WorkspaceID })
		if err != nil {
			return nil, err
		}
		return a.ListThreads(ctx, p.WorkspaceID, p.Cursor, p.Limit)

	case rpc.MethodSendUserMessage:
		ctx, p, err := decode(ctx, raw, func(p *rpc.SendUserMessageParams) string { return p.WorkspaceID })
		if err != nil {
			return nil, err
		}
		return a.SendUserMessage(logging.WithThreadID(ctx, p.ThreadID), agent.UserMessage{
			WorkspaceID: p.WorkspaceID,
			ThreadID:    p.ThreadID,
			Text:        p.Text,
			Model:       p.Model,
			Effort:      p.Effort,
			AccessMode:  p.AccessMode,
		})

	case rpc.MethodTurnInterrupt:
		ctx, p, err := decode(ctx, raw, func(p *rpc.TurnInterruptParams) string { return p.WorkspaceID })
		if err != nil {
			return nil, err
		}
		return a.TurnInterrupt(logging.WithThreadID(ctx, p.ThreadID), p.WorkspaceID, p.ThreadID, p.TurnID)

	case rpc.MethodStartReview:
		ctx, p, err := decode(ctx, raw, func(p *rpc.StartReviewParams) string { return p.WorkspaceID })
		if err != nil {
			return nil, err
		}
		return a.StartReview(logging.WithThreadID(ctx, p.ThreadID), p.WorkspaceID, p.ThreadID, p.Target, p.Delivery)

	case rpc.MethodRespondToServerRequest:
		ctx, p, err := decode(ctx, raw, func(p *rpc.RespondParams) string { return p.WorkspaceID })
		if err != nil {
			return nil, err
		}
		result := p.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		if err := a.Respond(ctx, p.WorkspaceID, p.RequestID, result); err != nil {
			return nil, err
		}
		return okResult, nil
	}
	return nil, fmt.Errorf("%w: %s", domainErrors.ErrUnknownMethod, method)
}

func (s *Server) dispatchTerminal(ctx context.Context, method rpc.Method, raw json.RawMessage) (any, error) {
	t := s.services.Terminals
	switch method {
	case rpc.MethodTerminalOpen:
		ctx, p, err := decode(ctx, raw, func(p *rpc.TerminalOpenParams) string { return p.WorkspaceID })
		if err != nil {
			return nil, err
		}
		id, err := t.Open(ctx, p.WorkspaceID, p.TerminalID, uint16(p.Cols), uint16(p.Rows))
		if err != nil {
			return nil, err
		}
		return terminalOpened{TerminalID: id}, nil

	case rpc.MethodTerminalWrite:
		_, p, err := decode(ctx, raw, func(p *rpc.TerminalWriteParams) string { return p.WorkspaceID })
		if err != nil {
			return nil, err
		}
		if err := t.Write(p.WorkspaceID, p.TerminalID, []byte(p.Data)); err != nil {
			return nil, err
		}

	case rpc.MethodTerminalResize:
		_, p, err := decode(ctx, raw, func(p *rpc.TerminalResizeParams) string { return p.WorkspaceID })
		if err != nil {
			return nil, err
		}
		if err := t.Resize(p.WorkspaceID, p.TerminalID, uint16(p.Cols), uint16(p.Rows)); err != nil {
			return nil, err
		}

	case rpc.MethodTerminalClose:
		ctx, p, err := decode(ctx, raw, func(p *rpc.TerminalParams) string { return p.WorkspaceID })
		if err != nil {
			return nil, err
		}
		if err := t.Close(ctx, p.WorkspaceID, p.TerminalID); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: %s", domainErrors.ErrUnknownMethod, method)
	}
	return okResult, nil
}

func (s *Server) dispatchSettings(ctx context.Context, method rpc.Method, raw json.RawMessage) (any, error) {
	if method == rpc.MethodGetAppSettings {
		return s.services.Settings.Get(), nil
	}
	p, err := rpc.DecodeParams[rpc.UpdateSettingsParams](raw)
	if err != nil {
		return nil, err
	}
	return s.services.Settings.Update(ctx, p.Settings)
}

func (s *Server) dispatchMemory(ctx context.Context, method rpc.Method, raw json.RawMessage) (any, error) {
	switch method {
	case rpc.MethodMemorySearch:
		p, err := rpc.DecodeParams[rpc.MemorySearchParams](raw)
		if err != nil {
			return nil, err
		}
		q := memory.SearchQuery{Text: p.Query, WorkspaceID: p.WorkspaceID, Limit: p.Limit}
		if p.Kind != "" {
			kind, err := memory.ParseKind(p.Kind)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", domainErrors.ErrInvalidParams, err)
			}
			q.Kind = kind
		}
		entries, err := s.services.Memory.Search(ctx, q)
		if err != nil {
			return nil, err
		}
		if entries == nil {
			entries = []memory.Entry{}
		}
		return searchResult{Entries: entries}, nil

	case rpc.MethodMemoryAppend:
		p, err := rpc.DecodeParams[rpc.MemoryAppendParams](raw)
		if err != nil {
			return nil, err
		}
		kind, err := memory.ParseKind(p.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domainErrors.ErrInvalidParams, err)
		}
		return s.services.Memory.Append(ctx, memory.AppendRequest{
			Kind:        kind,
			Title:       p.Title,
			Content:     p.Content,
			Tags:        p.Tags,
			WorkspaceID: p.WorkspaceID,
			ThreadID:    p.ThreadID,
		})

	case rpc.MethodMemoryFlushNow:
		ctx, p, err := decode(ctx, raw, func(p *rpc.MemoryFlushNowParams) string { return p.WorkspaceID })
		if err != nil {
			return nil, err
		}
		return s.services.Flusher.FlushNow(logging.WithThreadID(ctx, p.ThreadID), p.WorkspaceID, p.ThreadID, p.Force)
	}
	return nil, fmt.Errorf("%w: %s", domainErrors.ErrUnknownMethod, method)
}
