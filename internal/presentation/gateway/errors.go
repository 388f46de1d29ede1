package gateway

import (
	"context"
	"errors"

	domainErrors "github.com/jbctechsolutions/codexmonitor/internal/domain/errors"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/memory"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/rpc"
	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
)

var sentinelKinds = []struct {
	err  error
	kind rpc.ErrorKind
}{
	{session.ErrRequestTimeout, rpc.KindTimeout},
	{context.DeadlineExceeded, rpc.KindTimeout},
	{session.ErrSessionTerminated, rpc.KindSession},
	{session.ErrSpawnFailed, rpc.KindSession},
	{domainErrors.ErrWorkspaceNotFound, rpc.KindNotFound},
	{domainErrors.ErrTerminalNotFound, rpc.KindNotFound},
	{domainErrors.ErrInvalidParams, rpc.KindValidation},
	{domainErrors.ErrUnknownMethod, rpc.KindValidation},
	{domainErrors.ErrWorkspaceExists, rpc.KindValidation},
	{domainErrors.ErrFlushCooldown, rpc.KindValidation},
	{domainErrors.ErrAutoMemoryDisabled, rpc.KindValidation},
	{memory.ErrInvalidKind, rpc.KindValidation},
	{memory.ErrEmptyContent, rpc.KindValidation},
	{memory.ErrInvalidSettings, rpc.KindValidation},
	{domainErrors.ErrMalformedMessage, rpc.KindTransport},
	{domainErrors.ErrMessageTooLarge, rpc.KindTransport},
	{context.Canceled, rpc.KindTransport},
	{domainErrors.ErrUnauthorized, rpc.KindAuth},
	{domainErrors.ErrInvalidToken, rpc.KindAuth},
}

var codeKinds = map[domainErrors.ErrorCode]rpc.ErrorKind{
	domainErrors.CodeTransport:     rpc.KindTransport,
	domainErrors.CodeAuth:          rpc.KindAuth,
	domainErrors.CodeSession:       rpc.KindSession,
	domainErrors.CodeTimeout:       rpc.KindTimeout,
	domainErrors.CodeValidation:    rpc.KindValidation,
	domainErrors.CodeNotFound:      rpc.KindNotFound,
	domainErrors.CodeCoordinator:   rpc.KindValidation,
	domainErrors.CodeConfiguration: rpc.KindValidation,
}

// errorBody maps err to its wire kind and message. Known causes win over
// the code of the error wrapping them, so a timeout surfaced through a
// session error still reads as a timeout.
func errorBody(err error) (rpc.ErrorKind, string) {
	return errorKind(err), errorMessage(err)
}

func errorKind(err error) rpc.ErrorKind {
	for _, s := range sentinelKinds {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	var remote *session.RemoteError
	if errors.As(err, &remote) {
		return rpc.KindSession
	}
	if code, ok := domainErrors.CodeOf(err); ok {
		if kind, ok := codeKinds[code]; ok {
			return kind
		}
	}
	return rpc.KindInternal
}

// errorMessage drops the "[CODE]" prefix; the kind already carries it.
func errorMessage(err error) string {
	var me *domainErrors.MonitorError
	if !errors.As(err, &me) {
		return err.Error()
	}
	if me.Cause == nil {
		return me.Message
	}
	return me.Message + ": " + errorMessage(me.Cause)
}
