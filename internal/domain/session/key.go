// Package session defines the domain model shared by every supervised child
// process: keys, spawn specifications, emitted events and session errors.
package session

import (
	"fmt"
	"strings"
)

// Class identifies which kind of child a session supervises.
type Class string

const (
	ClassAgent    Class = "agent"    // codex app-server, one per workspace
	ClassTerminal Class = "terminal" // interactive shell on a PTY
	ClassWorker   Class = "worker"   // singleton browser-automation worker
)

// WorkerSlot is the fixed id of the only worker session.
const WorkerSlot = "browser"

const keySeparator = "/"

// Key identifies a live session. At most one session exists per key.
type Key struct {
	Class Class
	ID    string
}

// AgentKey returns the key of a workspace's agent session.
func AgentKey(workspaceID string) Key {
	return Key{Class: ClassAgent, ID: workspaceID}
}

// TerminalKey returns the key of a terminal inside a workspace.
func TerminalKey(workspaceID, terminalID string) Key {
	return Key{Class: ClassTerminal, ID: workspaceID + keySeparator + terminalID}
}

// WorkerKey returns the key of the singleton worker session.
func WorkerKey() Key {
	return Key{Class: ClassWorker, ID: WorkerSlot}
}

// String renders the key as "class:id".
func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Class, k.ID)
}

// WorkspaceID returns the workspace a key belongs to. Worker keys return "".
func (k Key) WorkspaceID() string {
	switch k.Class {
	case ClassAgent:
		return k.ID
	case ClassTerminal:
		ws, _, _ := strings.Cut(k.ID, keySeparator)
		return ws
	default:
		return ""
	}
}

// TerminalID returns the terminal part of a terminal key, "" otherwise.
func (k Key) TerminalID() string {
	if k.Class != ClassTerminal {
		return ""
	}
	_, term, _ := strings.Cut(k.ID, keySeparator)
	return term
}
