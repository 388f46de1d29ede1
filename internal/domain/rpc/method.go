package rpc

// Method is one entry of the closed set of gateway methods. Dispatch
// switches over Method values; strings that are not in the set never
// reach a handler.
type Method string

// Surface groups methods by the component that serves them.
type Surface string

const (
	SurfaceSession   Surface = "session"
	SurfaceWorkspace Surface = "workspace"
	SurfaceAgent     Surface = "agent"
	SurfaceTerminal  Surface = "terminal"
	SurfaceBrowser   Surface = "browser"
	SurfaceSettings  Surface = "settings"
	SurfaceMemory    Surface = "memory"
)

// Session surface.
const (
	MethodAuth Method = "auth"
	MethodPing Method = "ping"
)

// Workspace surface.
const (
	MethodListWorkspaces      Method = "list_workspaces"
	MethodAddWorkspace        Method = "add_workspace"
	MethodRemoveWorkspace     Method = "remove_workspace"
	MethodConnectWorkspace    Method = "connect_workspace"
	MethodDisconnectWorkspace Method = "disconnect_workspace"
)

// Agent surface, forwarded to the workspace's codex app-server.
const (
	MethodStartThread            Method = "start_thread"
	MethodResumeThread           Method = "resume_thread"
	MethodListThreads            Method = "list_threads"
	MethodArchiveThread          Method = "archive_thread"
	MethodSendUserMessage        Method = "send_user_message"
	MethodTurnInterrupt          Method = "turn_interrupt"
	MethodStartReview            Method = "start_review"
	MethodModelList              Method = "model_list"
	MethodAccountRateLimits      Method = "account_rate_limits"
	MethodSkillsList             Method = "skills_list"
	MethodRespondToServerRequest Method = "respond_to_server_request"
)

// Terminal surface.
const (
	MethodTerminalOpen   Method = "terminal_open"
	MethodTerminalWrite  Method = "terminal_write"
	MethodTerminalResize Method = "terminal_resize"
	MethodTerminalClose  Method = "terminal_close"
)

// Browser surface, forwarded to the automation worker.
const (
	MethodBrowserCreateSession Method = "browser_create_session"
	MethodBrowserListSessions  Method = "browser_list_sessions"
	MethodBrowserCloseSession  Method = "browser_close_session"
	MethodBrowserNavigate      Method = "browser_navigate"
	MethodBrowserScreenshot    Method = "browser_screenshot"
	MethodBrowserClick         Method = "browser_click"
	MethodBrowserType          Method = "browser_type"
	MethodBrowserEvaluate      Method = "browser_evaluate"
)

// Settings surface.
const (
	MethodGetAppSettings    Method = "get_app_settings"
	MethodUpdateAppSettings Method = "update_app_settings"
)

// Memory surface.
const (
	MethodMemorySearch   Method = "memory_search"
	MethodMemoryAppend   Method = "memory_append"
	MethodMemoryFlushNow Method = "memory_flush_now"
)

var surfaces = map[Method]Surface{
	MethodAuth: SurfaceSession,
	MethodPing: SurfaceSession,

	MethodListWorkspaces:      SurfaceWorkspace,
	MethodAddWorkspace:        SurfaceWorkspace,
	MethodRemoveWorkspace:     SurfaceWorkspace,
	MethodConnectWorkspace:    SurfaceWorkspace,
	MethodDisconnectWorkspace: SurfaceWorkspace,

	MethodStartThread:            SurfaceAgent,
	MethodResumeThread:           SurfaceAgent,
	MethodListThreads:            SurfaceAgent,
	MethodArchiveThread:          SurfaceAgent,
	MethodSendUserMessage:        SurfaceAgent,
	MethodTurnInterrupt:          SurfaceAgent,
	MethodStartReview:            SurfaceAgent,
	MethodModelList:              SurfaceAgent,
	MethodAccountRateLimits:      SurfaceAgent,
	MethodSkillsList:             SurfaceAgent,
	MethodRespondToServerRequest: SurfaceAgent,

	MethodTerminalOpen:   SurfaceTerminal,
	MethodTerminalWrite:  SurfaceTerminal,
	MethodTerminalResize: SurfaceTerminal,
	MethodTerminalClose:  SurfaceTerminal,

	MethodBrowserCreateSession: SurfaceBrowser,
	MethodBrowserListSessions:  SurfaceBrowser,
	MethodBrowserCloseSession:  SurfaceBrowser,
	MethodBrowserNavigate:      SurfaceBrowser,
	MethodBrowserScreenshot:    SurfaceBrowser,
	MethodBrowserClick:         SurfaceBrowser,
	MethodBrowserType:          SurfaceBrowser,
	MethodBrowserEvaluate:      SurfaceBrowser,

	MethodGetAppSettings:    SurfaceSettings,
	MethodUpdateAppSettings: SurfaceSettings,

	MethodMemorySearch:   SurfaceMemory,
	MethodMemoryAppend:   SurfaceMemory,
	MethodMemoryFlushNow: SurfaceMemory,
}

// ParseMethod maps a wire string to a Method. ok is false for anything
// outside the closed set.
func ParseMethod(name string) (m Method, ok bool) {
	m = Method(name)
	_, ok = surfaces[m]
	return m, ok
}

// Surface returns the component serving m, or "" if m is unknown.
func (m Method) Surface() Surface {
	return surfaces[m]
}

// Methods returns every known method.
func Methods() []Method {
	out := make([]Method, 0, len(surfaces))
	for m := range surfaces {
		out = append(out, m)
	}
	return out
}

// Notification methods pushed to clients.
const (
	NotifyAppServerEvent    = "app-server-event"
	NotifyTerminalOutput    = "terminal-output"
	NotifyTerminalExit      = "terminal-exit"
	NotifyBrowserEvent      = "browser-event"
	NotifySessionTerminated = "session-terminated"
)
