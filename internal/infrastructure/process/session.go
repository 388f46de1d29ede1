// Package process spawns and supervises the daemon's child processes and
// bridges their stdio to request/response calls and session events.
package process

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
	"github.com/jbctechsolutions/codexmonitor/internal/infrastructure/logging"
)

const (
	initialLineBuffer = 1 << 20  // 1 MiB
	maxLineSize       = 16 << 20 // 16 MiB
	rawChunkSize      = 4096

	// drainTimeout bounds how long teardown waits for buffered output after
	// the child has exited.
	drainTimeout = 500 * time.Millisecond
)

type reply struct {
	result json.RawMessage
	err    error
}

// Session is one running child process and its correlation state.
//
// Every pending request slot is resolved exactly once, by whichever of
// response, timeout, context cancellation or session death removes it from
// the pending map first.
type Session struct {
	key    session.Key
	spec   session.SpawnSpec
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output io.ReadCloser // stdout pipe, or the PTY master
	ptmx   *os.File
	sink   session.Sink
	logger *logging.Logger
	logCtx context.Context // carries the session key into log records

	startedAt time.Time
	requestID atomic.Int64
	closing   atomic.Bool

	writeMu sync.Mutex

	mu         sync.Mutex
	pending    map[int64]chan reply
	dead       bool
	deathErr   error
	lastStderr string

	readerDone chan struct{}
	done       chan struct{}
	finishOnce sync.Once
}

// Open spawns the child described by spec and starts its readers. ctx only
// bounds the spawn; the session lives until Close or the child exits.
func Open(ctx context.Context, key session.Key, spec session.SpawnSpec, sink session.Sink, logger *logging.Logger) (*Session, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrSpawnFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrSpawnFailed, err)
	}
	if spec.KillGrace == 0 {
		spec.KillGrace = session.DefaultKillGrace
	}
	if logger == nil {
		logger = logging.Nop()
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), mapToEnvSlice(spec.Env)...)
	}

	s := &Session{
		key:        key,
		spec:       spec,
		cmd:        cmd,
		sink:       sink,
		logger:     logger,
		logCtx:     logging.WithSessionKey(context.Background(), key.String()),
		pending:    make(map[int64]chan reply),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	var stderr io.ReadCloser
	var err error
	if spec.PTY {
		err = s.startPTY()
	} else {
		stderr, err = s.startPipes()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrSpawnFailed, err)
	}
	s.startedAt = time.Now()

	logging.LogSessionSpawned(logging.WithSessionKey(ctx, key.String()), s.logger, spec.Command, cmd.Process.Pid)

	if spec.Framing == session.FramingJSONLines {
		go s.readJSONLines()
	} else {
		go s.readRaw()
	}
	if stderr != nil {
		go s.readStderr(stderr)
	}
	go s.wait()

	return s, nil
}

// startPTY starts the child on a pseudo-terminal. pty.Start puts the child
// in a new session, so its pid is also its process group id.
func (s *Session) startPTY() error {
	size := &pty.Winsize{Cols: s.spec.Cols, Rows: s.spec.Rows}
	if size.Cols == 0 || size.Rows == 0 {
		size.Cols, size.Rows = 80, 24
	}
	ptmx, err := pty.StartWithSize(s.cmd, size)
	if err != nil {
		return err
	}
	s.ptmx = ptmx
	s.stdin = ptmx
	s.output = ptmx
	return nil
}

// startPipes starts the child with its own process group. stdout is an
// os.Pipe rather than cmd.StdoutPipe so cmd.Wait does not close it before
// the reader has drained it.
func (s *Session) startPipes() (io.ReadCloser, error) {
	s.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	s.cmd.Stdout = stdoutW
	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := s.cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}
	stdoutW.Close()

	s.stdin = stdin
	s.output = stdoutR
	return stderr, nil
}

// Key returns the session's registry key.
func (s *Session) Key() session.Key { return s.key }

// PID returns the child's process id.
func (s *Session) PID() int {
	if s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// Done is closed after the session has terminated and its terminated event
// has been published.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session died, or nil while it is alive.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deathErr
}

// Alive reports whether the session still accepts writes.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

type outgoingRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type outgoingNotification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type outgoingResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
}

// Request sends a JSON-RPC request and waits for its response. A timeout of
// zero waits until ctx is done or the session dies.
func (s *Session) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if s.spec.Framing != session.FramingJSONLines {
		return nil, session.ErrUnsupported
	}

	id := s.requestID.Add(1)
	line, err := encodeLine(outgoingRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	ch := make(chan reply, 1)
	s.mu.Lock()
	if s.dead {
		err := s.deathErr
		s.mu.Unlock()
		return nil, err
	}
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.write(line); err != nil {
		if s.take(id) != nil {
			return nil, err
		}
		r := <-ch
		return r.result, r.err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-timer:
		if s.take(id) != nil {
			return nil, fmt.Errorf("%w: %s after %s", session.ErrRequestTimeout, method, timeout)
		}
	case <-ctx.Done():
		if s.take(id) != nil {
			return nil, ctx.Err()
		}
	}
	// Lost the race: another resolver already removed the slot and its
	// reply is in the buffered channel.
	r := <-ch
	return r.result, r.err
}

// Notify sends a JSON-RPC notification to the child.
func (s *Session) Notify(method string, params any) error {
	if s.spec.Framing != session.FramingJSONLines {
		return session.ErrUnsupported
	}
	line, err := encodeLine(outgoingNotification{Method: method, Params: params})
	if err != nil {
		return err
	}
	return s.write(line)
}

// Respond answers a request the child initiated. id is echoed verbatim.
func (s *Session) Respond(id json.RawMessage, result json.RawMessage) error {
	if s.spec.Framing != session.FramingJSONLines {
		return session.ErrUnsupported
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	line, err := encodeLine(outgoingResponse{ID: id, Result: result})
	if err != nil {
		return err
	}
	return s.write(line)
}

// WriteInput writes raw bytes, such as keystrokes, to the child.
func (s *Session) WriteInput(data []byte) error {
	if s.spec.Framing != session.FramingRaw {
		return session.ErrUnsupported
	}
	return s.write(data)
}

// Resize changes the PTY window size.
func (s *Session) Resize(cols, rows uint16) error {
	if s.ptmx == nil {
		return session.ErrUnsupported
	}
	if !s.Alive() {
		return s.Err()
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("failed to resize pty: %w", err)
	}
	return nil
}

// Close terminates the child: SIGTERM to its process group, then SIGKILL
// after the kill grace. It returns once the terminated event has been
// published, or with ctx.Err() if ctx ends first (the kill still proceeds).
func (s *Session) Close(ctx context.Context) error {
	s.closing.Store(true)
	s.markDead(fmt.Errorf("%w: closed", session.ErrSessionTerminated))
	s.terminate()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.signalGroup(unix.SIGKILL)
		return ctx.Err()
	}
}

func (s *Session) write(data []byte) error {
	s.mu.Lock()
	if s.dead {
		err := s.deathErr
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: write failed: %v", session.ErrSessionTerminated, err)
	}
	return nil
}

// take removes and returns the pending slot for id, or nil if another
// resolver already took it.
func (s *Session) take(id int64) chan reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	return ch
}

// markDead records the first cause of death and resolves every pending
// slot with it. Later calls are no-ops.
func (s *Session) markDead(cause error) {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	s.deathErr = cause
	pending := s.pending
	s.pending = make(map[int64]chan reply)
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: cause}
	}
}

// terminate sends SIGTERM to the process group and escalates to SIGKILL
// after the grace period if the child is still running.
func (s *Session) terminate() {
	if err := s.signalGroup(unix.SIGTERM); err != nil {
		s.signalGroup(unix.SIGKILL)
		return
	}
	go func() {
		t := time.NewTimer(s.spec.KillGrace)
		defer t.Stop()
		select {
		case <-s.done:
		case <-t.C:
			s.signalGroup(unix.SIGKILL)
		}
	}()
}

func (s *Session) signalGroup(sig syscall.Signal) error {
	pid := s.PID()
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// wait reaps the child, drains remaining output and publishes the single
// terminated event.
func (s *Session) wait() {
	waitErr := s.cmd.Wait()

	select {
	case <-s.readerDone:
	case <-time.After(drainTimeout):
		s.output.Close()
		select {
		case <-s.readerDone:
		case <-time.After(drainTimeout):
			s.logger.WarnContext(s.logCtx, "output reader did not stop after close")
		}
	}

	s.markDead(s.exitCause(waitErr))
	s.finish()
}

func (s *Session) exitCause(waitErr error) error {
	if s.closing.Load() {
		return fmt.Errorf("%w: closed", session.ErrSessionTerminated)
	}
	msg := "process exited"
	if waitErr != nil {
		msg = fmt.Sprintf("process exited: %v", waitErr)
	}
	s.mu.Lock()
	tail := s.lastStderr
	s.mu.Unlock()
	if tail != "" {
		msg += " (" + tail + ")"
	}
	return fmt.Errorf("%w: %s", session.ErrSessionTerminated, msg)
}

func (s *Session) finish() {
	s.finishOnce.Do(func() {
		s.stdin.Close()
		s.output.Close()

		cause := s.Err()
		evt := session.Event{Key: s.key, Kind: session.EventTerminated, At: time.Now()}
		if cause != nil && !s.closing.Load() {
			evt.Err = cause.Error()
		}
		s.sink.Publish(evt)

		logging.LogSessionTerminated(s.logCtx, s.logger, cause, time.Since(s.startedAt))
		close(s.done)
	})
}

// readJSONLines demultiplexes stdout into responses and message events.
// Lines longer than maxLineSize are discarded.
func (s *Session) readJSONLines() {
	defer close(s.readerDone)

	r := bufio.NewReaderSize(s.output, initialLineBuffer)
	cause := fmt.Errorf("%w: output closed", session.ErrSessionTerminated)
	for {
		line, err := readLine(r, maxLineSize)
		if errors.Is(err, errLineTooLong) {
			s.logger.WarnContext(s.logCtx, "discarded oversize stdout line", "limit_bytes", maxLineSize)
			continue
		}
		if len(line) > 0 {
			s.handleLine(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.ErrorContext(s.logCtx, "stdout read failed", "error", err)
				cause = fmt.Errorf("%w: output read failed: %v", session.ErrSessionTerminated, err)
			}
			break
		}
	}
	// With stdout gone no response can arrive; fail pending calls now
	// rather than when the process is reaped.
	s.markDead(cause)
	s.terminate()
}

var errLineTooLong = errors.New("line exceeds size limit")

// readLine returns the next line without its terminator. A line longer than
// max is consumed up to its newline and reported as errLineTooLong.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > max+1 {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLong {
			if err == nil {
				err = errLineTooLong
			}
			return nil, err
		}
		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))
		return line, err
	}
}

type envelope struct {
	ID     json.RawMessage      `json:"id"`
	Method string               `json:"method"`
	Result json.RawMessage      `json:"result"`
	Error  *session.RemoteError `json:"error"`
}

func (s *Session) handleLine(line []byte) {
	var env envelope
	if !isObject(line) {
		s.logger.DebugContext(s.logCtx, "non-json stdout line", "line", truncate(string(line), 512))
		return
	}
	if err := json.Unmarshal(line, &env); err != nil {
		s.logger.DebugContext(s.logCtx, "non-json stdout line", "line", truncate(string(line), 512))
		return
	}

	if env.Method == "" {
		if id, ok := parseID(env.ID); ok {
			if ch := s.take(id); ch != nil {
				if env.Error != nil {
					ch <- reply{err: env.Error}
				} else {
					result := env.Result
					if len(result) == 0 {
						result = json.RawMessage("null")
					}
					ch <- reply{result: append(json.RawMessage(nil), result...)}
				}
				return
			}
			s.logger.DebugContext(s.logCtx, "response without pending request", "id", string(env.ID))
		}
	}

	s.sink.Publish(session.Event{
		Key:     s.key,
		Kind:    session.EventMessage,
		Method:  env.Method,
		Message: append(json.RawMessage(nil), line...),
		At:      time.Now(),
	})
}

// readRaw publishes output chunks as they arrive. A multibyte character
// split across reads is held back until it is complete.
func (s *Session) readRaw() {
	defer close(s.readerDone)

	publish := func(data []byte) {
		s.sink.Publish(session.Event{
			Key:  s.key,
			Kind: session.EventOutput,
			Data: data,
			At:   time.Now(),
		})
	}

	buf := make([]byte, rawChunkSize)
	var carry []byte
	for {
		n, err := s.output.Read(buf)
		if n > 0 {
			data := make([]byte, 0, len(carry)+n)
			data = append(append(data, carry...), buf[:n]...)
			complete, rest := splitPartialRune(data)
			carry = append([]byte(nil), rest...)
			if len(complete) > 0 {
				publish(complete[:len(complete):len(complete)])
			}
		}
		if err != nil {
			if len(carry) > 0 {
				publish(carry)
			}
			// A PTY master reports EIO once the child side is closed.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				s.logger.DebugContext(s.logCtx, "output read failed", "error", err)
			}
			return
		}
	}
}

// splitPartialRune splits off a trailing incomplete UTF-8 sequence.
func splitPartialRune(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i > len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i], b[i:]
		}
		break
	}
	return b, nil
}

func (s *Session) readStderr(r io.Reader) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		raw, err := readLine(br, maxLineSize)
		if line := string(raw); line != "" {
			s.mu.Lock()
			s.lastStderr = truncate(line, 256)
			s.mu.Unlock()
			s.logger.DebugContext(s.logCtx, "stderr", "line", truncate(line, 1024))
		}
		if err != nil && !errors.Is(err, errLineTooLong) {
			return
		}
	}
}

func isObject(line []byte) bool {
	for _, b := range line {
		switch b {
		case ' ', '\t', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

func parseID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func encodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// mapToEnvSlice converts a map to KEY=VALUE format.
func mapToEnvSlice(m map[string]string) []string {
	result := make([]string, 0, len(m))
	for k, v := range m {
		result = append(result, k+"="+v)
	}
	return result
}
