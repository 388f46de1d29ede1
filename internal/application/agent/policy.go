package agent

import "fmt"

// Access modes accepted by send_user_message.
const (
	AccessReadOnly   = "read-only"
	AccessCurrent    = "current"
	AccessFullAccess = "full-access"
)

// AccessPolicy is the sandbox and approval policy pair sent with turn/start.
type AccessPolicy struct {
	Approval string
	Sandbox  map[string]any
}

// AccessPolicyFor maps an access mode to app-server policies. An empty
// mode means AccessCurrent: writes confined to the workspace.
func AccessPolicyFor(mode, workspacePath string) (AccessPolicy, error) {
	switch mode {
	case "", AccessCurrent:
		return AccessPolicy{
			Approval: "on-request",
			Sandbox: map[string]any{
				"type":          "workspaceWrite",
				"writableRoots": []string{workspacePath},
				"networkAccess": true,
			},
		}, nil
	case AccessReadOnly:
		return AccessPolicy{
			Approval: "on-request",
			Sandbox:  map[string]any{"type": "readOnly"},
		}, nil
	case AccessFullAccess:
		return AccessPolicy{
			Approval: "never",
			Sandbox:  map[string]any{"type": "dangerFullAccess"},
		}, nil
	default:
		return AccessPolicy{}, fmt.Errorf("unknown access_mode %q", mode)
	}
}
