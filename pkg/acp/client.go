package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/deltazero-dev/agentwire/internal/metrics"
	"github.com/deltazero-dev/agentwire/internal/rpc"
	"github.com/deltazero-dev/agentwire/internal/transport"
	"github.com/deltazero-dev/agentwire/internal/wire"
)

// Errors re-exported from the endpoint so callers can errors.Is against
// the public package.
var (
	ErrPeerNotRunning = rpc.ErrPeerNotRunning
	ErrPeerTerminated = rpc.ErrPeerTerminated
	ErrTimeout        = rpc.ErrTimeout
)

// PeerExitError reports the peer's exit code when it died mid-request.
type PeerExitError = rpc.PeerExitError

// Client is the handler interface a host exposes to the agent: file I/O,
// terminal operations, and permission prompts. Methods run concurrently;
// implementations synchronize their own state.
type Client interface {
	ReadTextFile(ctx context.Context, params ReadTextFileParams) (ReadTextFileResult, error)
	WriteTextFile(ctx context.Context, params WriteTextFileParams) error
	CreateTerminal(ctx context.Context, params CreateTerminalParams) (CreateTerminalResult, error)
	TerminalOutput(ctx context.Context, params TerminalParams) (TerminalOutputResult, error)
	WaitForTerminalExit(ctx context.Context, params TerminalParams) (TerminalWaitResult, error)
	KillTerminal(ctx context.Context, params TerminalParams) error
	ReleaseTerminal(ctx context.Context, params TerminalParams) error
	RequestPermission(ctx context.Context, params RequestPermissionParams) (RequestPermissionResult, error)
}

// Option configures a connection facade.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	policy     wire.Policy
	registry   prometheus.Registerer
	closeCause func() error
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), policy: wire.Lenient}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger installs a logger for connection diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStrictIDs switches the envelope codec to the strict policy: method
// frames with malformed ids are dropped instead of demoted to
// notifications.
func WithStrictIDs() Option {
	return func(o *options) { o.policy = wire.Strict }
}

// WithMetrics registers the runtime's Prometheus collectors against the
// given registerer and records into them.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// withCloseCause lets the subprocess glue resolve stream EOF into a
// peer-exited cause. Not exported: only the spawn path knows an exit code.
func withCloseCause(fn func() error) Option {
	return func(o *options) { o.closeCause = fn }
}

func newEndpoint(tr transport.Transport, o options) *rpc.Endpoint {
	epOpts := []rpc.Option{rpc.WithPolicy(o.policy)}
	if o.registry != nil {
		epOpts = append(epOpts, rpc.WithMetrics(metrics.NewMetrics(o.registry)))
	}
	if o.closeCause != nil {
		epOpts = append(epOpts, rpc.WithCloseCause(o.closeCause))
	}
	return rpc.New(tr, o.logger, epOpts...)
}

// ClientSideConnection is the host's end of a connection: it issues the
// agent-directed requests (initialize, session lifecycle, prompts) and
// serves the client-directed ones through the installed Client.
type ClientSideConnection struct {
	conn   *rpc.Endpoint
	logger *slog.Logger
}

// NewClientSideConnection wires a Client over the peer's input and output
// streams (typically the agent subprocess's stdin and stdout) and starts
// receiving.
func NewClientSideConnection(client Client, peerInput io.WriteCloser, peerOutput io.ReadCloser, opts ...Option) *ClientSideConnection {
	o := buildOptions(opts)
	c := &ClientSideConnection{
		conn:   newEndpoint(transport.NewStdio(peerInput, peerOutput), o),
		logger: o.logger,
	}
	if client != nil {
		c.conn.SetHandler(clientHandler(client, o.logger))
	}
	return c
}

// DialAgent connects to an agent over a websocket endpoint instead of
// child stdio. Inbound text frames are UTF-8 decoded and reassembled by
// the same frame reader.
func DialAgent(ctx context.Context, url string, client Client, opts ...Option) (*ClientSideConnection, error) {
	o := buildOptions(opts)
	tr, err := transport.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	c := &ClientSideConnection{conn: newEndpoint(tr, o), logger: o.logger}
	if client != nil {
		c.conn.SetHandler(clientHandler(client, o.logger))
	}
	return c, nil
}

// Initialize performs the protocol handshake.
func (c *ClientSideConnection) Initialize(ctx context.Context, params InitializeParams) (InitializeResult, error) {
	return call[InitializeResult](ctx, c.conn, MethodInitialize, params)
}

// NewSession creates a fresh session.
func (c *ClientSideConnection) NewSession(ctx context.Context, params NewSessionParams) (NewSessionResult, error) {
	return call[NewSessionResult](ctx, c.conn, MethodSessionNew, params)
}

// Prompt sends one user turn and waits for the stop reason. No implicit
// timeout: prompts legitimately run for minutes; bound ctx to bound the
// call.
func (c *ClientSideConnection) Prompt(ctx context.Context, params PromptParams) (PromptResult, error) {
	return call[PromptResult](ctx, c.conn, MethodSessionPrompt, params)
}

// LoadSession reloads an existing session. An agent that answers with an
// "already active" style error is reporting the session is live, so the
// call is treated as having succeeded; reloads stay idempotent.
func (c *ClientSideConnection) LoadSession(ctx context.Context, params LoadSessionParams) (LoadSessionResult, error) {
	res, err := call[LoadSessionResult](ctx, c.conn, MethodSessionLoad, params)
	if err != nil {
		var rpcErr *RequestError
		if errors.As(err, &rpcErr) && wire.IsAlreadyActive(rpcErr) {
			c.logger.Debug("session already active, treating load as success",
				"session_id", params.SessionID)
			return LoadSessionResult{}, nil
		}
		return LoadSessionResult{}, err
	}
	return res, nil
}

// Cancel notifies the agent to stop a session's in-flight work. Any
// outstanding Prompt keeps running until the agent answers it.
func (c *ClientSideConnection) Cancel(params CancelParams) error {
	return c.conn.SendNotification(MethodSessionCancel, params)
}

// Notifications subscribes to inbound notifications (session/update and
// anything else the agent emits) in arrival order.
func (c *ClientSideConnection) Notifications() *Subscription {
	return c.conn.Notifications()
}

// DebugTap enables the frame mirror; see rpc.Tap.
func (c *ClientSideConnection) DebugTap() *Tap {
	return c.conn.DebugTap()
}

// Done is closed when the connection shuts down.
func (c *ClientSideConnection) Done() <-chan struct{} { return c.conn.Done() }

// Close tears the connection down; pending requests fail with
// peer-terminated.
func (c *ClientSideConnection) Close() error { return c.conn.Close() }

// closeWithExit is used by the process glue when the agent subprocess
// exits underneath the connection.
func (c *ClientSideConnection) closeWithExit(code int) { c.conn.CloseWithExit(code) }

// call sends a request and decodes the typed result.
func call[T any](ctx context.Context, conn *rpc.Endpoint, method string, params any) (T, error) {
	var result T
	raw, err := conn.SendRequest(ctx, method, params)
	if err != nil {
		return result, err
	}
	if len(raw) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("decode %s result: %w", method, err)
	}
	return result, nil
}

// clientHandler routes inbound agent requests to the Client.
func clientHandler(client Client, logger *slog.Logger) rpc.Handler {
	return func(ctx context.Context, method string, params json.RawMessage) (any, *wire.Error) {
		switch method {
		case MethodReadTextFile:
			return handle(ctx, params, client.ReadTextFile)
		case MethodWriteTextFile:
			return handleNoResult(ctx, params, client.WriteTextFile)
		case MethodTerminalCreate:
			return handle(ctx, params, client.CreateTerminal)
		case MethodTerminalOutput:
			return handle(ctx, params, client.TerminalOutput)
		case MethodTerminalWait:
			return handle(ctx, params, client.WaitForTerminalExit)
		case MethodTerminalKill:
			return handleNoResult(ctx, params, client.KillTerminal)
		case MethodTerminalRelease:
			return handleNoResult(ctx, params, client.ReleaseTerminal)
		case MethodRequestPermission, MethodRequestPermissionAlias:
			return handle(ctx, params, client.RequestPermission)
		default:
			logger.Debug("unrouted method from agent", "method", method)
			return nil, wire.NewMethodNotFound(method)
		}
	}
}

// handle decodes params, invokes fn, and maps errors to JSON-RPC errors.
func handle[P, R any](ctx context.Context, raw json.RawMessage, fn func(context.Context, P) (R, error)) (any, *wire.Error) {
	var params P
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, wire.NewInternalError(fmt.Sprintf("decode params: %v", err))
		}
	}
	result, err := fn(ctx, params)
	if err != nil {
		return nil, toRequestError(err)
	}
	return result, nil
}

func handleNoResult[P any](ctx context.Context, raw json.RawMessage, fn func(context.Context, P) error) (any, *wire.Error) {
	var params P
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, wire.NewInternalError(fmt.Sprintf("decode params: %v", err))
		}
	}
	if err := fn(ctx, params); err != nil {
		return nil, toRequestError(err)
	}
	return struct{}{}, nil
}

// toRequestError preserves explicit JSON-RPC errors and wraps everything
// else as internal.
func toRequestError(err error) *wire.Error {
	var rpcErr *wire.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return wire.NewInternalError(err.Error())
}
