package acp

import (
	"context"
	"encoding/json"
	"io"

	"github.com/deltazero-dev/agentwire/internal/rpc"
	"github.com/deltazero-dev/agentwire/internal/transport"
	"github.com/deltazero-dev/agentwire/internal/wire"
)

// Agent is the handler interface an agent exposes to the host. Cancel
// mirrors the session/cancel notification; it has no reply and runs on the
// notification path.
type Agent interface {
	Initialize(ctx context.Context, params InitializeParams) (InitializeResult, error)
	NewSession(ctx context.Context, params NewSessionParams) (NewSessionResult, error)
	Prompt(ctx context.Context, params PromptParams) (PromptResult, error)
	LoadSession(ctx context.Context, params LoadSessionParams) (LoadSessionResult, error)
	Cancel(params CancelParams)
}

// AgentSideConnection is the agent's end of a connection: it serves the
// host's requests through the installed Agent and issues the
// client-directed ones (file I/O, terminals, permission prompts).
type AgentSideConnection struct {
	conn *rpc.Endpoint

	cancelDone chan struct{}
}

// NewAgentSideConnection wires an Agent over the host's streams (for a
// spawned agent: its own stdout as peerInput and stdin as peerOutput) and
// starts receiving.
func NewAgentSideConnection(agent Agent, peerInput io.WriteCloser, peerOutput io.ReadCloser, opts ...Option) *AgentSideConnection {
	o := buildOptions(opts)
	a := &AgentSideConnection{
		conn:       newEndpoint(transport.NewStdio(peerInput, peerOutput), o),
		cancelDone: make(chan struct{}),
	}
	a.conn.SetHandler(agentHandler(agent))
	// The subscription is created here, not inside the goroutine, so the
	// watcher is attached before the constructor returns.
	go a.watchCancel(agent, a.conn.Notifications())
	return a
}

// watchCancel forwards session/cancel notifications to the agent. The
// routing is deliberately application-layer: the runtime draws no
// conclusion about outstanding prompts.
func (a *AgentSideConnection) watchCancel(agent Agent, sub *Subscription) {
	defer close(a.cancelDone)
	defer sub.Close()
	for note := range sub.C {
		if note.Method != MethodSessionCancel {
			continue
		}
		var params CancelParams
		if len(note.Params) > 0 {
			if err := json.Unmarshal(note.Params, &params); err != nil {
				continue
			}
		}
		agent.Cancel(params)
	}
}

// ReadTextFile asks the host for file contents.
func (a *AgentSideConnection) ReadTextFile(ctx context.Context, params ReadTextFileParams) (ReadTextFileResult, error) {
	return call[ReadTextFileResult](ctx, a.conn, MethodReadTextFile, params)
}

// WriteTextFile asks the host to write a file.
func (a *AgentSideConnection) WriteTextFile(ctx context.Context, params WriteTextFileParams) error {
	_, err := call[struct{}](ctx, a.conn, MethodWriteTextFile, params)
	return err
}

// CreateTerminal asks the host to run a shell command.
func (a *AgentSideConnection) CreateTerminal(ctx context.Context, params CreateTerminalParams) (CreateTerminalResult, error) {
	return call[CreateTerminalResult](ctx, a.conn, MethodTerminalCreate, params)
}

// TerminalOutput fetches a terminal's buffered output.
func (a *AgentSideConnection) TerminalOutput(ctx context.Context, params TerminalParams) (TerminalOutputResult, error) {
	return call[TerminalOutputResult](ctx, a.conn, MethodTerminalOutput, params)
}

// WaitForTerminalExit blocks until the terminal's child exits.
func (a *AgentSideConnection) WaitForTerminalExit(ctx context.Context, params TerminalParams) (TerminalWaitResult, error) {
	return call[TerminalWaitResult](ctx, a.conn, MethodTerminalWait, params)
}

// KillTerminal terminates the terminal's child.
func (a *AgentSideConnection) KillTerminal(ctx context.Context, params TerminalParams) error {
	_, err := call[struct{}](ctx, a.conn, MethodTerminalKill, params)
	return err
}

// ReleaseTerminal retires the terminal; its output stays readable from the
// host's released cache.
func (a *AgentSideConnection) ReleaseTerminal(ctx context.Context, params TerminalParams) error {
	_, err := call[struct{}](ctx, a.conn, MethodTerminalRelease, params)
	return err
}

// RequestPermission asks the host to approve a tool call.
func (a *AgentSideConnection) RequestPermission(ctx context.Context, params RequestPermissionParams) (RequestPermissionResult, error) {
	return call[RequestPermissionResult](ctx, a.conn, MethodRequestPermission, params)
}

// SessionUpdate streams progress to the host as a notification.
func (a *AgentSideConnection) SessionUpdate(params SessionUpdateParams) error {
	return a.conn.SendNotification(MethodSessionUpdate, params)
}

// Notifications subscribes to inbound notifications.
func (a *AgentSideConnection) Notifications() *Subscription { return a.conn.Notifications() }

// DebugTap enables the frame mirror.
func (a *AgentSideConnection) DebugTap() *Tap { return a.conn.DebugTap() }

// Done is closed when the connection shuts down.
func (a *AgentSideConnection) Done() <-chan struct{} { return a.conn.Done() }

// Close tears the connection down.
func (a *AgentSideConnection) Close() error {
	err := a.conn.Close()
	<-a.cancelDone
	return err
}

// agentHandler routes inbound host requests to the Agent.
func agentHandler(agent Agent) rpc.Handler {
	return func(ctx context.Context, method string, params json.RawMessage) (any, *wire.Error) {
		switch method {
		case MethodInitialize:
			return handle(ctx, params, agent.Initialize)
		case MethodSessionNew:
			return handle(ctx, params, agent.NewSession)
		case MethodSessionPrompt:
			return handle(ctx, params, agent.Prompt)
		case MethodSessionLoad:
			return handle(ctx, params, agent.LoadSession)
		default:
			return nil, wire.NewMethodNotFound(method)
		}
	}
}
