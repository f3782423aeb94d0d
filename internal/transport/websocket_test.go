package transport

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
)

// echoPeer accepts one websocket connection, answers every inbound text
// message with a fixed notification frame, and exits when the client goes
// away.
func echoPeer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil) //nolint:staticcheck
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }() //nolint:staticcheck

		ctx := r.Context()
		for {
			typ, _, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageText { //nolint:staticcheck
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil { //nolint:staticcheck
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// TestWebSocket_FramePassthrough: outbound frames travel as text messages;
// inbound messages surface on the byte stream newline-delimited, ready for
// the frame reader.
func TestWebSocket_FramePassthrough(t *testing.T) {
	const reply = `{"jsonrpc":"2.0","method":"session/update","params":{"a":1}}`
	srv := echoPeer(t, reply)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = tr.Close() }()

	if err := tr.Send([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	line, err := bufio.NewReader(tr.Reader()).ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if line != reply+"\n" {
		t.Errorf("inbound frame mangled: %q", line)
	}
}

// TestWebSocket_NewlineAppended: a peer that omits the terminator still
// produces delimited frames on the reader side.
func TestWebSocket_NewlineAppended(t *testing.T) {
	const reply = `{"jsonrpc":"2.0","id":2,"result":{}}` // no trailing newline
	srv := echoPeer(t, reply)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = tr.Close() }()

	if err := tr.Send([]byte(`{"ping":true}` + "\n")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	line, err := bufio.NewReader(tr.Reader()).ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if line != reply+"\n" {
		t.Errorf("expected newline appended, got %q", line)
	}
}

func TestWebSocket_SendAfterClose(t *testing.T) {
	srv := echoPeer(t, `{}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := tr.Send([]byte("{}\n")); err == nil {
		t.Error("expected error from Send after Close")
	}
	// Double close is safe.
	if err := tr.Close(); err != nil {
		t.Errorf("second Close should be nil, got %v", err)
	}
}
