package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/deltazero-dev/agentwire/internal/metrics"
	"github.com/deltazero-dev/agentwire/internal/transport"
	"github.com/deltazero-dev/agentwire/internal/wire"
)

// Handler processes one inbound request; notifications go to the
// subscription stream instead (see Notifications). A nil *wire.Error
// means success and result is marshaled into the response. Handlers run
// concurrently with further inbound frames; they must not assume ordering
// against each other.
type Handler func(ctx context.Context, method string, params json.RawMessage) (any, *wire.Error)

// Endpoint multiplexes one connection: outbound requests with correlation
// ids, inbound dispatch to the installed handler, and a notification
// stream. Ids are scoped per direction; this side's counter never collides
// with the peer's.
type Endpoint struct {
	tr      transport.Transport
	framer  *wire.Framer
	policy  wire.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics

	// writeMu serializes frame writes so concurrent sends never interleave
	// bytes on the transport.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[wire.ID]chan *wire.Response
	nextID  int64
	handler Handler
	tap     *Tap
	closed  bool

	notifier *notifier

	// ctx is cancelled (with the close cause) when the endpoint shuts
	// down; handler invocations and request waiters observe it.
	ctx    context.Context
	cancel context.CancelCauseFunc

	// closeCause, when set, resolves the cause for an EOF-triggered close.
	// The subprocess glue uses it to report peer-exited(code) instead of a
	// bare connection-closed when the stream ended because the peer died.
	closeCause func() error

	recvDone chan struct{}
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithPolicy selects the envelope classification policy.
func WithPolicy(p wire.Policy) Option {
	return func(e *Endpoint) { e.policy = p }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Endpoint) { e.metrics = m }
}

// WithCloseCause installs a resolver consulted when the inbound stream
// ends. It may block briefly (waiting for a child's exit status); a nil
// return falls back to the generic connection-closed cause.
func WithCloseCause(fn func() error) Option {
	return func(e *Endpoint) { e.closeCause = fn }
}

// New creates an endpoint over the transport and starts its receive loop.
func New(tr transport.Transport, logger *slog.Logger, opts ...Option) *Endpoint {
	ctx, cancel := context.WithCancelCause(context.Background())
	e := &Endpoint{
		tr:       tr,
		framer:   wire.NewFramer(logger),
		policy:   wire.Lenient,
		logger:   logger,
		pending:  make(map[wire.ID]chan *wire.Response),
		notifier: newNotifier(logger),
		ctx:      ctx,
		cancel:   cancel,
		recvDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.receive()
	return e
}

// SetHandler installs the handler for inbound requests.
// Replacing the handler is allowed; invocations already in flight finish
// against the old one.
func (e *Endpoint) SetHandler(h Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// Notifications returns a new subscription to the inbound notification
// stream. Every subscription sees notifications in arrival order.
func (e *Endpoint) Notifications() *Subscription {
	return e.notifier.subscribe()
}

// DebugTap enables the frame mirror and returns it. Enabling is idempotent:
// while a tap is open, every call returns the same one. Closing the tap
// stops mirroring; a later call starts a fresh stream.
func (e *Endpoint) DebugTap() *Tap {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tap != nil {
		return e.tap
	}
	var t *Tap
	t = newTap(func() {
		e.mu.Lock()
		if e.tap == t {
			e.tap = nil
		}
		e.mu.Unlock()
	})
	e.tap = t
	return t
}

// Done is closed when the endpoint has shut down. Cause reports why.
func (e *Endpoint) Done() <-chan struct{} { return e.ctx.Done() }

// Cause returns the close cause, or nil while the endpoint is live.
func (e *Endpoint) Cause() error { return context.Cause(e.ctx) }

// SendRequest issues an outbound request and waits for its response. The
// context carries any per-call deadline; there is no implicit default, so
// long-running calls (prompts) may run indefinitely. On deadline the
// pending entry is removed and ErrTimeout returned; on external
// cancellation the entry is removed silently. A peer-reported error is
// returned as *wire.Error with code, message, and data intact.
func (e *Endpoint) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode params for %s: %w", method, err)
	}

	e.mu.Lock()
	if e.closed {
		cause := context.Cause(e.ctx)
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrPeerNotRunning, cause)
	}
	e.nextID++
	id := wire.IntID(e.nextID)
	ch := make(chan *wire.Response, 1)
	e.pending[id] = ch
	if e.metrics != nil {
		e.metrics.PendingRequests.Inc()
	}
	e.mu.Unlock()

	frame, err := wire.Encode(&wire.Request{ID: id, Method: method, Params: raw})
	if err != nil {
		e.removePending(id)
		return nil, fmt.Errorf("encode request %s: %w", method, err)
	}
	if err := e.writeFrame(frame); err != nil {
		e.removePending(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Result, nil

	case <-ctx.Done():
		e.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s (id %s)", ErrTimeout, method, id)
		}
		return nil, ctx.Err()

	case <-e.ctx.Done():
		// The close path already dropped the pending table and adjusted
		// the gauge.
		return nil, context.Cause(e.ctx)
	}
}

// SendNotification writes a fire-and-forget notification; no pending state
// is recorded.
func (e *Endpoint) SendNotification(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("encode params for %s: %w", method, err)
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrPeerNotRunning
	}

	frame, err := wire.Encode(&wire.Notification{Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("encode notification %s: %w", method, err)
	}
	if err := e.writeFrame(frame); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

// Close shuts the endpoint down locally: every pending request fails with
// peer-terminated, all streams finish, and the transport is closed.
func (e *Endpoint) Close() error {
	e.closeWith(ErrPeerTerminated)
	<-e.recvDone
	return nil
}

// CloseWithExit records that the peer process exited with the given code;
// pending requests fail with *PeerExitError.
func (e *Endpoint) CloseWithExit(code int) {
	e.closeWith(&PeerExitError{Code: code})
}

func (e *Endpoint) closeWith(cause error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	dropped := len(e.pending)
	for id := range e.pending {
		delete(e.pending, id)
	}
	tap := e.tap
	e.tap = nil
	e.mu.Unlock()

	if e.metrics != nil && dropped > 0 {
		e.metrics.PendingRequests.Sub(float64(dropped))
	}

	// Wake request waiters and handler contexts with the cause, then
	// unblock the receive loop.
	e.cancel(cause)
	_ = e.tr.Close()
	e.notifier.finish()
	if tap != nil {
		tap.Close()
	}

	e.logger.Debug("endpoint closed", "cause", cause, "dropped_pending", dropped)
}

// receive is the single reader of the transport: bytes → framer → dispatch.
func (e *Endpoint) receive() {
	defer close(e.recvDone)

	r := e.tr.Reader()
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			e.framer.Append(buf[:n])
			for {
				frame, ok := e.framer.PopFrame()
				if !ok {
					break
				}
				e.dispatch(frame)
			}
		}
		if err != nil {
			e.mu.Lock()
			alreadyClosed := e.closed
			e.mu.Unlock()

			cause := error(ErrConnectionClosed)
			// Only resolve a richer cause for an EOF the peer produced; a
			// locally initiated close already has one.
			if !alreadyClosed && e.closeCause != nil {
				if resolved := e.closeCause(); resolved != nil {
					cause = resolved
				}
			}
			e.closeWith(cause)
			return
		}
	}
}

// dispatch routes one inbound frame. Responses complete their pending
// continuation; requests run the handler concurrently; notifications go to
// the stream. Malformed frames are logged and dropped.
func (e *Endpoint) dispatch(frame []byte) {
	e.mirror(Inbound, frame)

	msg, err := wire.Classify(frame, e.policy)
	if err != nil {
		e.logger.Warn("dropping malformed frame", "error", err)
		if e.metrics != nil {
			e.metrics.MalformedFrames.Inc()
		}
		return
	}

	switch m := msg.(type) {
	case *wire.Response:
		if e.metrics != nil {
			e.metrics.FramesRead.WithLabelValues("response").Inc()
		}
		e.mu.Lock()
		ch, ok := e.pending[m.ID]
		if ok {
			delete(e.pending, m.ID)
		}
		e.mu.Unlock()
		if !ok {
			// A stale response: its request timed out or was cancelled.
			e.logger.Debug("dropping response with no pending request", "id", m.ID)
			return
		}
		if e.metrics != nil {
			e.metrics.PendingRequests.Dec()
		}
		ch <- m

	case *wire.Request:
		if e.metrics != nil {
			e.metrics.FramesRead.WithLabelValues("request").Inc()
		}
		e.mu.Lock()
		h := e.handler
		e.mu.Unlock()
		go e.handleRequest(h, m)

	case *wire.Notification:
		if e.metrics != nil {
			e.metrics.FramesRead.WithLabelValues("notification").Inc()
			if hasTopLevelID(frame) {
				// A method frame whose malformed id was discarded under the
				// lenient policy; operators watch this to spot odd peers.
				e.metrics.LenientDemotions.Inc()
			}
		}
		// Notifications never reach the handler and never get a reply;
		// consumers watch the stream.
		e.notifier.publish(*m)
	}
}

// handleRequest runs the handler and writes the response. Handler failures
// become -32603 responses; they never terminate the connection.
func (e *Endpoint) handleRequest(h Handler, req *wire.Request) {
	resp := &wire.Response{ID: req.ID}

	switch {
	case h == nil:
		resp.Err = wire.NewInternalError("delegate not set")
	default:
		result, herr := h(e.ctx, req.Method, req.Params)
		if herr != nil {
			resp.Err = herr
		} else if b, merr := json.Marshal(result); merr != nil {
			resp.Err = wire.NewInternalError(fmt.Sprintf("encode result: %v", merr))
		} else {
			resp.Result = b
		}
	}

	if resp.Err != nil && e.metrics != nil {
		e.metrics.HandlerErrors.WithLabelValues(req.Method).Inc()
	}

	frame, err := wire.Encode(resp)
	if err != nil {
		e.logger.Error("failed to encode response", "id", req.ID, "error", err)
		return
	}
	if err := e.writeFrame(frame); err != nil {
		e.logger.Warn("failed to write response", "id", req.ID, "error", err)
	}
}

// writeFrame appends the newline terminator and writes under the write
// lock, so a frame is never byte-interleaved with another.
func (e *Endpoint) writeFrame(frame []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.tr.Send(append(frame, '\n')); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.FramesWritten.Inc()
	}
	e.mirror(Outbound, frame)
	return nil
}

func (e *Endpoint) mirror(dir Direction, frame []byte) {
	e.mu.Lock()
	tap := e.tap
	e.mu.Unlock()
	if tap != nil {
		tap.record(dir, frame)
	}
}

func (e *Endpoint) removePending(id wire.ID) {
	e.mu.Lock()
	_, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if ok && e.metrics != nil {
		e.metrics.PendingRequests.Dec()
	}
}

// PendingCount reports outstanding outbound requests. Used by tests to
// verify timeout and close cleanup.
func (e *Endpoint) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func hasTopLevelID(raw []byte) bool {
	// A RawMessage keeps "id": null as the bytes null instead of dropping it.
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	return json.Unmarshal(raw, &probe) == nil && len(probe.ID) > 0
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
