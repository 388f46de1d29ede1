package terminal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbctechsolutions/codexmonitor/internal/application/ports"
	"github.com/jbctechsolutions/codexmonitor/internal/application/registry"
	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/workspace"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/testutil"
)

type stubWorkspaces map[string]*workspace.Workspace

func (s stubWorkspaces) Get(ctx context.Context, id string) (*workspace.Workspace, error) {
	if ws, ok := s[id]; ok {
		return ws, nil
	}
	return nil, domainErrors.NewError(domainErrors.CodeNotFound, id, domainErrors.ErrWorkspaceNotFound)
}

func newTestService(t *testing.T, shell string) (*Service, *testutil.FakeLauncher) {
	t.Helper()
	reg := registry.New[ports.ProcessSession](nil)
	t.Cleanup(func() { reg.CloseAll(context.Background()) })
	launcher := testutil.NewFakeLauncher(nil)
	ws := stubWorkspaces{"ws-1": {ID: "ws-1", Path: "/src/proj"}}
	return NewService(reg, launcher, ws, Options{Shell: shell}, nil), launcher
}

func TestService_OpenWriteResizeClose(t *testing.T) {
	svc, launcher := newTestService(t, "/bin/zsh")
	ctx := context.Background()

	id, err := svc.Open(ctx, "ws-1", "main", 80, 24)
	require.NoError(t, err)
	assert.Equal(t, "main", id)

	f := launcher.Last()
	spec := f.Spec()
	assert.Equal(t, "/bin/zsh", spec.Command)
	assert.Equal(t, "/src/proj", spec.Dir)
	assert.True(t, spec.PTY)
	assert.Equal(t, session.FramingRaw, spec.Framing)
	assert.Equal(t, "xterm-256color", spec.Env["TERM"])
	assert.Equal(t, session.TerminalKey("ws-1", "main"), f.Key())

	require.NoError(t, svc.Write("ws-1", "main", []byte("ls\r")))
	assert.Equal(t, "ls\r", f.Input())

	require.NoError(t, svc.Resize("ws-1", "main", 120, 40))
	cols, rows := f.Size()
	assert.Equal(t, [2]uint16{120, 40}, [2]uint16{cols, rows})

	again, err := svc.Open(ctx, "ws-1", "main", 80, 24)
	require.NoError(t, err)
	assert.Equal(t, "main", again)
	assert.Len(t, launcher.Launched(), 1, "reopening a live terminal reuses it")

	require.NoError(t, svc.Close(ctx, "ws-1", "main"))
	err = svc.Write("ws-1", "main", []byte("x"))
	assert.True(t, errors.Is(err, domainErrors.ErrTerminalNotFound))
	assert.True(t, errors.Is(svc.Close(ctx, "ws-1", "main"), domainErrors.ErrTerminalNotFound))
}

func TestService_OpenGeneratesName(t *testing.T) {
	svc, _ := newTestService(t, "/bin/sh")

	id, err := svc.Open(context.Background(), "ws-1", "", 80, 24)
	require.NoError(t, err)
	assert.True(t, session.IsValidTerminalID(id))
	assert.Contains(t, id, "-")
}

func TestService_OpenErrors(t *testing.T) {
	svc, launcher := newTestService(t, "/bin/sh")
	ctx := context.Background()

	_, err := svc.Open(ctx, "missing", "t", 80, 24)
	assert.True(t, errors.Is(err, domainErrors.ErrWorkspaceNotFound))

	_, err = svc.Open(ctx, "ws-1", "a/b", 80, 24)
	code, _ := domainErrors.CodeOf(err)
	assert.Equal(t, domainErrors.CodeValidation, code)

	launcher.FailWith(errors.New("no pty"))
	_, err = svc.Open(ctx, "ws-1", "t", 80, 24)
	assert.True(t, errors.Is(err, session.ErrSpawnFailed))
}

func TestService_ResizeUnknown(t *testing.T) {
	svc, _ := newTestService(t, "")
	err := svc.Resize("ws-1", "nope", 1, 1)
	code, _ := domainErrors.CodeOf(err)
	assert.Equal(t, domainErrors.CodeNotFound, code)
}

func TestService_ShellFallback(t *testing.T) {
	svc, _ := newTestService(t, "")

	t.Setenv("SHELL", "/usr/bin/fish")
	assert.Equal(t, "/usr/bin/fish", svc.Shell())

	t.Setenv("SHELL", "")
	assert.Equal(t, FallbackShell, svc.Shell())
}
