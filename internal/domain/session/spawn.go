package session

import (
	"errors"
	"time"
)

// Framing selects how a child's output stream is demultiplexed.
type Framing string

const (
	// FramingJSONLines treats stdout as newline-delimited JSON objects that
	// are either responses to pending requests or notifications.
	FramingJSONLines Framing = "json-lines"

	// FramingRaw treats output as an opaque byte stream. Nothing is
	// correlated; every chunk becomes an output event.
	FramingRaw Framing = "raw"
)

// SpawnSpec describes how to start a session's child process.
type SpawnSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Framing Framing

	// PTY attaches the child to a pseudo-terminal instead of pipes.
	// Only valid with FramingRaw.
	PTY  bool
	Cols uint16
	Rows uint16

	// KillGrace is how long Close waits after SIGTERM before SIGKILL.
	KillGrace time.Duration
}

// DefaultKillGrace is used when SpawnSpec.KillGrace is zero.
const DefaultKillGrace = 3 * time.Second

// Validate checks that the spec can be spawned.
func (s SpawnSpec) Validate() error {
	var errs []error
	if s.Command == "" {
		errs = append(errs, errors.New("command is required"))
	}
	switch s.Framing {
	case FramingJSONLines:
		if s.PTY {
			errs = append(errs, errors.New("pty requires raw framing"))
		}
	case FramingRaw:
	default:
		errs = append(errs, errors.New("unknown framing: "+string(s.Framing)))
	}
	if s.KillGrace < 0 {
		errs = append(errs, errors.New("kill grace must be non-negative"))
	}
	return errors.Join(errs...)
}
