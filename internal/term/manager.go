package term

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sys/unix"
)

const (
	// DefaultByteLimit caps a terminal's retained output unless the caller
	// picks a different limit.
	DefaultByteLimit = 1_000_000

	// DefaultReleasedCap bounds the cache of released terminals.
	DefaultReleasedCap = 50

	// killGrace mirrors the supervisor's TERM-then-KILL escalation window.
	killGrace = 2 * time.Second
)

// Failure modes surfaced to the RPC layer.
var (
	ErrTerminalNotFound   = errors.New("terminal not found")
	ErrTerminalReleased   = errors.New("terminal already released")
	ErrExecutableNotFound = errors.New("executable not found")
	ErrCommandParse       = errors.New("command parse failed")
)

// ExitStatus reports how a child ended. ExitCode is set for a normal exit,
// Signal for a signal death.
type ExitStatus struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// Output is a point-in-time view of a terminal.
type Output struct {
	Output     string      `json:"output"`
	ExitStatus *ExitStatus `json:"exitStatus,omitempty"`
	Truncated  bool        `json:"truncated"`
}

// CreateParams describe a terminal to spawn.
type CreateParams struct {
	Command   string
	Args      []string
	Cwd       string
	Env       map[string]string
	ByteLimit int
}

// session is one live terminal. Its mutable state is guarded by mu; the
// reader goroutine is the only writer to buf.
type session struct {
	id  string
	cmd *exec.Cmd

	mu     sync.Mutex
	buf    *outputBuffer
	status *ExitStatus

	exited   chan struct{} // closed once the exit status is recorded
	drained  chan struct{} // closed when the output pipe hit EOF
	killOnce sync.Once
}

// releasedTerminal is the demoted form kept in the LRU after release.
type releasedTerminal struct {
	output    string
	truncated bool
	status    *ExitStatus
}

// Manager owns the live terminal table and the released LRU.
type Manager struct {
	logger   *slog.Logger
	snapshot func() map[string]string
	limit    int

	mu       sync.Mutex
	live     map[string]*session
	released *lru.Cache[string, releasedTerminal]
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultByteLimit overrides the default output cap.
func WithDefaultByteLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.limit = n
		}
	}
}

// WithSnapshot overrides the environment source for spawned children.
func WithSnapshot(fn func() map[string]string) Option {
	return func(m *Manager) { m.snapshot = fn }
}

// NewManager creates a terminal manager. releasedCap bounds the cache of
// released terminals; zero means the default of 50.
func NewManager(logger *slog.Logger, releasedCap int, opts ...Option) *Manager {
	if releasedCap <= 0 {
		releasedCap = DefaultReleasedCap
	}
	cache, err := lru.New[string, releasedTerminal](releasedCap)
	if err != nil {
		// Only reachable with a non-positive size, excluded above.
		panic(err)
	}
	m := &Manager{
		logger:   logger,
		snapshot: func() map[string]string { return nil },
		limit:    DefaultByteLimit,
		live:     make(map[string]*session),
		released: cache,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create spawns a terminal and returns its opaque id.
//
// Command interpretation: shell metacharacters route through `sh -c`; a bare
// command string with whitespace or quoting is tokenized; otherwise the
// command is a program name resolved against the fixed search path.
func (m *Manager) Create(params CreateParams) (string, error) {
	program, args, err := m.resolveInvocation(params)
	if err != nil {
		return "", err
	}

	limit := params.ByteLimit
	if limit <= 0 {
		limit = m.limit
	}

	cmd := exec.Command(program, args...)
	cmd.Dir = params.Cwd
	cmd.Env = buildChildEnv(m.snapshot(), params.Env)
	setProcessGroup(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return "", fmt.Errorf("output pipe: %w", err)
	}
	// stdout and stderr interleave into a single rolling buffer.
	cmd.Stdout = outW
	cmd.Stderr = outW
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		_ = outR.Close()
		_ = outW.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, program)
		}
		return "", fmt.Errorf("start terminal: %w", err)
	}
	_ = outW.Close()

	s := &session{
		id:      uuid.NewString(),
		cmd:     cmd,
		buf:     newOutputBuffer(limit),
		exited:  make(chan struct{}),
		drained: make(chan struct{}),
	}

	m.mu.Lock()
	m.live[s.id] = s
	m.mu.Unlock()

	go s.readOutput(outR)
	go s.awaitExit()

	m.logger.Debug("terminal created", "terminal_id", s.id, "pid", cmd.Process.Pid,
		"program", program, "byte_limit", limit)
	return s.id, nil
}

func (m *Manager) resolveInvocation(params CreateParams) (string, []string, error) {
	command := strings.TrimSpace(params.Command)
	if command == "" {
		return "", nil, fmt.Errorf("%w: empty command", ErrCommandParse)
	}

	if needsShell(command) {
		line := command
		if len(params.Args) > 0 {
			line = command + " " + strings.Join(params.Args, " ")
		}
		return "/bin/sh", []string{"-c", line}, nil
	}

	if len(params.Args) == 0 && strings.ContainsAny(command, " \t\"") {
		tokens, err := tokenize(command)
		if err != nil {
			return "", nil, err
		}
		program, err := resolveProgram(tokens[0])
		if err != nil {
			return "", nil, err
		}
		return program, tokens[1:], nil
	}

	program, err := resolveProgram(command)
	if err != nil {
		return "", nil, err
	}
	return program, params.Args, nil
}

// readOutput drains the child's combined output into the rolling buffer.
func (s *session) readOutput(r *os.File) {
	defer close(s.drained)
	defer func() { _ = r.Close() }()

	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf.Write(chunk[:n])
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// awaitExit reaps the child and records its exit status; every waiter
// observes the exited channel.
func (s *session) awaitExit() {
	err := s.cmd.Wait()

	status := &ExitStatus{}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		code := 0
		status.ExitCode = &code
	case errors.As(err, &exitErr):
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig := ws.Signal().String()
			status.Signal = &sig
		} else {
			code := exitErr.ExitCode()
			status.ExitCode = &code
		}
	default:
		code := -1
		status.ExitCode = &code
	}

	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	close(s.exited)
}

// snapshot waits briefly for the reader to finish when the child already
// exited so final bytes are included.
func (s *session) snapshot() Output {
	select {
	case <-s.exited:
		// Child gone: give the reader a moment to drain trailing bytes.
		select {
		case <-s.drained:
		case <-time.After(100 * time.Millisecond):
		}
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return Output{
		Output:     string(s.buf.Bytes()),
		ExitStatus: s.status,
		Truncated:  s.buf.Truncated(),
	}
}

// Output returns the terminal's buffered output. It works on both live and
// released terminals; for released ones the last-seen buffer and exit
// status are served from the cache until the LRU evicts them.
func (m *Manager) Output(id string) (Output, error) {
	m.mu.Lock()
	s, live := m.live[id]
	if !live {
		if rel, ok := m.released.Get(id); ok {
			m.mu.Unlock()
			return Output{Output: rel.output, ExitStatus: rel.status, Truncated: rel.truncated}, nil
		}
		m.mu.Unlock()
		return Output{}, fmt.Errorf("%w: %s", ErrTerminalNotFound, id)
	}
	m.mu.Unlock()
	return s.snapshot(), nil
}

// WaitForExit blocks until the child exits and returns its status.
func (m *Manager) WaitForExit(ctx context.Context, id string) (*ExitStatus, error) {
	s, err := m.liveSession(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-s.exited:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

// Kill terminates the child and resolves every pending waiter with the
// observed exit status.
func (m *Manager) Kill(ctx context.Context, id string) (*ExitStatus, error) {
	s, err := m.liveSession(id)
	if err != nil {
		return nil, err
	}
	s.kill()
	select {
	case <-s.exited:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

// kill escalates TERM → KILL on the child's process group. A reaped child
// is never signaled; its pid may already belong to someone else.
func (s *session) kill() {
	select {
	case <-s.exited:
		return
	default:
	}
	s.killOnce.Do(func() {
		pid := s.cmd.Process.Pid
		_ = signalGroup(pid, unix.SIGTERM)
		go func() {
			select {
			case <-s.exited:
			case <-time.After(killGrace):
				_ = signalGroup(pid, unix.SIGKILL)
			}
		}()
	})
}

// Release retires a terminal: the child is terminated if still running, the
// final output and exit status move into the released cache, and the live
// entry is removed. Released output stays readable until eviction.
func (m *Manager) Release(ctx context.Context, id string) error {
	s, err := m.liveSession(id)
	if err != nil {
		// Releasing an already-released terminal is idempotent.
		if errors.Is(err, ErrTerminalReleased) {
			return nil
		}
		return err
	}

	s.kill()
	select {
	case <-s.exited:
	case <-ctx.Done():
		return ctx.Err()
	}

	out := s.snapshot()

	m.mu.Lock()
	delete(m.live, id)
	m.released.Add(id, releasedTerminal{
		output:    out.Output,
		truncated: out.Truncated,
		status:    out.ExitStatus,
	})
	m.mu.Unlock()

	m.logger.Debug("terminal released", "terminal_id", id)
	return nil
}

// LiveCount reports the number of live terminals.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Shutdown releases every live terminal. Used when the connection closes.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Release(ctx, id); err != nil {
			m.logger.Warn("failed to release terminal during shutdown",
				"terminal_id", id, "error", err)
		}
	}
}

func (m *Manager) liveSession(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.live[id]; ok {
		return s, nil
	}
	if _, ok := m.released.Get(id); ok {
		return nil, fmt.Errorf("%w: %s", ErrTerminalReleased, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrTerminalNotFound, id)
}

// buildChildEnv overlays caller variables on the snapshot.
func buildChildEnv(snapshot, overrides map[string]string) []string {
	if snapshot == nil && overrides == nil {
		return nil // inherit the parent environment
	}
	merged := make(map[string]string, len(snapshot)+len(overrides))
	for k, v := range snapshot {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
