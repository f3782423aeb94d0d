package acp

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/deltazero-dev/agentwire/internal/proc"
	"github.com/deltazero-dev/agentwire/internal/shellenv"
)

// SpawnConfig describes an agent subprocess to launch and connect.
type SpawnConfig struct {
	Command string
	Args    []string
	Cwd     string
	// Env overrides applied on top of the login-shell snapshot.
	Env map[string]string
	// RegistryPath overrides the orphan registry location; empty selects
	// <user-config-dir>/ACP/acp-processes.json.
	RegistryPath string
	// SkipOrphanReap disables the startup sweep of peers left behind by a
	// crashed previous run.
	SkipOrphanReap bool
}

// AgentProcess couples a spawned agent subprocess with the client-side
// connection speaking over its standard streams.
type AgentProcess struct {
	conn   *ClientSideConnection
	sup    *proc.Supervisor
	logger *slog.Logger
}

// SpawnAgent launches the agent and returns the connected process. The
// child runs in its own process group, is recorded in the orphan registry,
// and its stderr is drained into the logger at debug level. When the child
// exits, every pending request fails with its exit code.
func SpawnAgent(ctx context.Context, cfg SpawnConfig, client Client, opts ...Option) (*AgentProcess, error) {
	o := buildOptions(opts)

	registryPath := cfg.RegistryPath
	if registryPath == "" {
		var err error
		registryPath, err = proc.DefaultRegistryPath()
		if err != nil {
			return nil, err
		}
	}
	registry := proc.NewRegistry(registryPath, o.logger)

	if !cfg.SkipOrphanReap {
		proc.ReapOrphans(ctx, registry, o.logger)
	}

	sup := proc.NewSupervisor(proc.SpawnOptions{
		Path:     cfg.Command,
		Args:     cfg.Args,
		Cwd:      cfg.Cwd,
		Env:      cfg.Env,
		Snapshot: shellenv.Get(),
	}, registry, o.logger)

	if err := sup.Start(ctx); err != nil {
		return nil, fmt.Errorf("spawn agent: %w", err)
	}

	// When the agent's stdout hits EOF because the process died, report
	// the exit code instead of a generic connection-closed.
	connOpts := append(append([]Option{}, opts...), withCloseCause(func() error {
		select {
		case <-sup.Done():
			code, _ := sup.ExitCode()
			return &PeerExitError{Code: code}
		case <-time.After(3 * time.Second):
			return nil
		}
	}))

	conn := NewClientSideConnection(client, sup.Stdin(), sup.Stdout(), connOpts...)
	p := &AgentProcess{conn: conn, sup: sup, logger: o.logger}

	go p.drainStderr()
	go p.watchExit()
	return p, nil
}

// drainStderr keeps the child's stderr from filling its pipe and surfaces
// it for debugging. No frames travel on this stream.
func (p *AgentProcess) drainStderr() {
	stderr := p.sup.Stderr()
	if stderr == nil {
		return
	}
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("agent stderr", "line", scanner.Text())
	}
}

// watchExit is the fallback for a dead child whose stdout never reaches
// EOF (a grandchild holding the pipe open). The normal path is the EOF
// close, which runs after every final frame has been drained.
func (p *AgentProcess) watchExit() {
	<-p.sup.Done()
	select {
	case <-p.conn.Done():
	case <-time.After(5 * time.Second):
		code, _ := p.sup.ExitCode()
		p.conn.closeWithExit(code)
	}
}

// Connection returns the client-side connection.
func (p *AgentProcess) Connection() *ClientSideConnection { return p.conn }

// Pid returns the agent's process id.
func (p *AgentProcess) Pid() int { return p.sup.Pid() }

// Running reports whether the agent process is alive.
func (p *AgentProcess) Running() bool { return p.sup.Running() }

// Terminate shuts the agent down: graceful signal, bounded wait,
// escalation, pipe close, registry removal. Final frames already buffered
// on stdout are drained by the connection before the pipes close.
func (p *AgentProcess) Terminate(ctx context.Context) error {
	err := p.sup.Terminate(ctx)
	_ = p.conn.Close()
	return err
}
