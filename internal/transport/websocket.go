package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
)

// WebSocket is a transport over a websocket connection. Each ACP frame is
// one text message; inbound messages are UTF-8 strings forwarded as bytes to
// the frame reader through an in-process pipe.
type WebSocket struct {
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	pr *io.PipeReader
	pw *io.PipeWriter

	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocket wraps an accepted or dialed websocket connection. The
// transport owns the connection and closes it on Close.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	t := &WebSocket{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		pr:     pr,
		pw:     pw,
		done:   make(chan struct{}),
	}
	go t.pump()
	return t
}

// Dial connects to a websocket ACP endpoint and returns the transport.
func Dial(ctx context.Context, url string) (*WebSocket, error) {
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:staticcheck
	if err != nil {
		return nil, err
	}
	// ACP frames can be large; the framer bounds memory, not the socket.
	conn.SetReadLimit(16 * 1024 * 1024)
	return NewWebSocket(conn), nil
}

// pump copies inbound websocket messages into the pipe. A newline is
// appended after each message so a peer that omits the terminator still
// produces delimited frames.
func (t *WebSocket) pump() {
	defer close(t.done)
	for {
		typ, data, err := t.conn.Read(t.ctx)
		if err != nil {
			_ = t.pw.CloseWithError(io.EOF)
			return
		}
		if typ != websocket.MessageText { //nolint:staticcheck
			continue
		}
		if _, err := t.pw.Write(data); err != nil {
			return
		}
		if len(data) == 0 || data[len(data)-1] != '\n' {
			if _, err := t.pw.Write([]byte("\n")); err != nil {
				return
			}
		}
	}
}

// Send writes one framed message as a single text message.
func (t *WebSocket) Send(p []byte) error {
	select {
	case <-t.ctx.Done():
		return errors.New("websocket transport closed")
	default:
	}
	return t.conn.Write(t.ctx, websocket.MessageText, p) //nolint:staticcheck
}

// Reader returns the inbound byte stream.
func (t *WebSocket) Reader() io.Reader { return t.pr }

// Close shuts the connection down and unblocks the reader.
func (t *WebSocket) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		_ = t.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck
		_ = t.pw.CloseWithError(io.EOF)
		<-t.done
	})
	return nil
}

var _ Transport = (*WebSocket)(nil)
