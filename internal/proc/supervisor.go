package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/deltazero-dev/agentwire/internal/shellenv"
)

const (
	// termGrace is how long a peer gets to exit after SIGTERM before the
	// group is killed.
	termGrace = 2 * time.Second

	// termPoll is the exit-poll cadence during the grace window.
	termPoll = 50 * time.Millisecond
)

// ErrNotStarted is returned by operations that need a live child.
var ErrNotStarted = errors.New("peer process not started")

// SpawnOptions describe the peer process to launch.
type SpawnOptions struct {
	Path string
	Args []string
	Cwd  string
	// Env overrides applied on top of the shell environment snapshot.
	Env map[string]string
	// Snapshot is the base environment. Nil means the caller wants the
	// process-wide shell snapshot; it is threaded in explicitly so tests
	// control it.
	Snapshot map[string]string
}

// Supervisor owns one peer subprocess: its pipes, its process group, its
// registry record, and its termination.
type Supervisor struct {
	opts     SpawnOptions
	registry *Registry
	logger   *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	pgid     int
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	started  bool
	exitCode int

	done chan struct{}
}

// NewSupervisor prepares a supervisor. Nothing runs until Start.
func NewSupervisor(opts SpawnOptions, registry *Registry, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		opts:     opts,
		registry: registry,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start resolves the executable, builds the environment, and launches the
// peer in its own process group with three unidirectional pipes. The child
// is recorded in the orphan registry before Start returns.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("peer process already started")
	}

	rc, err := ResolveCommand(s.opts.Path, s.opts.Args)
	if err != nil {
		return err
	}

	snapshot := s.opts.Snapshot
	if snapshot == nil {
		snapshot = shellenv.Get()
	}
	env := BuildEnv(snapshot, s.opts.Env, s.opts.Cwd, rc.ExeDir)

	cmd := exec.Command(rc.Program, rc.Args...)
	cmd.Env = env
	cmd.Dir = s.opts.Cwd
	setProcessGroup(cmd)

	// Manual pipes instead of cmd.StdoutPipe: Wait must not close the read
	// ends while the endpoint is still draining final frames.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return fmt.Errorf("stderr pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return fmt.Errorf("start peer %s: %w", rc.Program, err)
	}

	// The child holds its own copies of these ends now.
	closeAll(stdinR, stdoutW, stderrW)

	s.cmd = cmd
	s.pgid = processGroupID(cmd.Process.Pid)
	s.stdin = stdinW
	s.stdout = stdoutR
	s.stderr = stderrR
	s.started = true

	if s.registry != nil {
		rec := Record{
			PID:       cmd.Process.Pid,
			PGID:      s.pgid,
			AgentPath: s.opts.Path,
			StartedAt: time.Now().Unix(),
		}
		if err := s.registry.Add(rec); err != nil {
			s.logger.Warn("failed to record peer in registry", "pid", rec.PID, "error", err)
		}
	}

	s.logger.Info("peer process started",
		"pid", cmd.Process.Pid, "pgid", s.pgid, "program", rc.Program)

	go s.reap()
	return nil
}

// reap waits for the child and publishes its exit.
func (s *Supervisor) reap() {
	err := s.cmd.Wait()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}

	s.mu.Lock()
	s.exitCode = code
	s.mu.Unlock()
	close(s.done)

	if s.registry != nil {
		if err := s.registry.Remove(s.Pid()); err != nil {
			s.logger.Warn("failed to deregister peer", "error", err)
		}
	}
	s.logger.Info("peer process exited", "pid", s.Pid(), "code", code)
}

// Stdin returns the child's input; the connection's write path is its only
// writer.
func (s *Supervisor) Stdin() io.WriteCloser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin
}

// Stdout returns the child's output stream for the frame reader.
func (s *Supervisor) Stdout() io.ReadCloser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout
}

// Stderr returns the child's diagnostic stream. The runtime makes no
// semantic use of it; callers may drain it into a debug sink or discard it.
func (s *Supervisor) Stderr() io.ReadCloser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stderr
}

// Pid returns the child pid, or 0 before Start.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Done is closed when the child has been reaped.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// ExitCode returns the exit code once the child has exited.
func (s *Supervisor) ExitCode() (int, bool) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.exitCode, true
	default:
		return 0, false
	}
}

// Running reports whether the child started and has not exited.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Terminate shuts the child down: SIGTERM to the process group, a bounded
// wait polling for exit, then SIGKILL on timeout. Pipes are closed after
// the child is gone so the endpoint can drain any final frames first.
func (s *Supervisor) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	pid := s.cmd.Process.Pid
	pgid := s.pgid
	s.mu.Unlock()

	select {
	case <-s.done:
		// Already exited; just release the pipes.
		return s.closePipes()
	default:
	}

	if err := signalGroup(pid, pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Warn("failed to signal peer group", "pid", pid, "pgid", pgid, "error", err)
	}

	deadline := time.Now().Add(termGrace)
	for time.Now().Before(deadline) {
		select {
		case <-s.done:
			return s.closePipes()
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(termPoll):
		}
	}

	s.logger.Warn("peer ignored SIGTERM, escalating", "pid", pid, "pgid", pgid)
	if err := signalGroup(pid, pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Warn("failed to kill peer group", "pid", pid, "pgid", pgid, "error", err)
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.closePipes()
}

func (s *Supervisor) closePipes() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, c := range []io.Closer{s.stdin, s.stdout, s.stderr} {
		if c != nil {
			if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				errs = append(errs, err)
			}
		}
	}
	s.stdin, s.stdout, s.stderr = nil, nil, nil
	return errors.Join(errs...)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
