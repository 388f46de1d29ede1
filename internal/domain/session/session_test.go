package session

import (
	"errors"
	"testing"
)

func TestKey_Accessors(t *testing.T) {
	tests := []struct {
		name      string
		key       Key
		str       string
		workspace string
		terminal  string
	}{
		{"agent", AgentKey("ws-1"), "agent:ws-1", "ws-1", ""},
		{"terminal", TerminalKey("ws-1", "t-2"), "terminal:ws-1/t-2", "ws-1", "t-2"},
		{"worker", WorkerKey(), "worker:browser", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.str {
				t.Errorf("String() = %q, want %q", got, tt.str)
			}
			if got := tt.key.WorkspaceID(); got != tt.workspace {
				t.Errorf("WorkspaceID() = %q, want %q", got, tt.workspace)
			}
			if got := tt.key.TerminalID(); got != tt.terminal {
				t.Errorf("TerminalID() = %q, want %q", got, tt.terminal)
			}
		})
	}
}

func TestSpawnSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    SpawnSpec
		wantErr bool
	}{
		{"json lines", SpawnSpec{Command: "codex", Framing: FramingJSONLines}, false},
		{"pty raw", SpawnSpec{Command: "/bin/sh", Framing: FramingRaw, PTY: true}, false},
		{"missing command", SpawnSpec{Framing: FramingRaw}, true},
		{"pty with json", SpawnSpec{Command: "sh", Framing: FramingJSONLines, PTY: true}, true},
		{"unknown framing", SpawnSpec{Command: "sh", Framing: "cbor"}, true},
		{"negative grace", SpawnSpec{Command: "sh", Framing: FramingRaw, KillGrace: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRemoteError(t *testing.T) {
	var err error = &RemoteError{Code: -32601, Message: "method not found"}
	if got := err.Error(); got != "rpc error -32601: method not found" {
		t.Errorf("Error() = %q", got)
	}

	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != -32601 {
		t.Error("errors.As should recover the RemoteError")
	}

	if got := (&RemoteError{Message: "boom"}).Error(); got != "boom" {
		t.Errorf("Error() without code = %q, want boom", got)
	}
}

func TestSinkFunc(t *testing.T) {
	var got Event
	var sink Sink = SinkFunc(func(e Event) { got = e })

	sink.Publish(Event{Kind: EventOutput, Data: []byte("x")})
	if got.Kind != EventOutput || string(got.Data) != "x" {
		t.Errorf("SinkFunc did not forward event: %+v", got)
	}
}
