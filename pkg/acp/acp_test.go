package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubAgent implements Agent for tests.
type stubAgent struct {
	mu        sync.Mutex
	cancelled []string

	loadErr *RequestError
}

func (a *stubAgent) Initialize(ctx context.Context, params InitializeParams) (InitializeResult, error) {
	return InitializeResult{ProtocolVersion: params.ProtocolVersion}, nil
}

func (a *stubAgent) NewSession(ctx context.Context, params NewSessionParams) (NewSessionResult, error) {
	return NewSessionResult{SessionID: "s-1"}, nil
}

func (a *stubAgent) Prompt(ctx context.Context, params PromptParams) (PromptResult, error) {
	return PromptResult{StopReason: "end_turn"}, nil
}

func (a *stubAgent) LoadSession(ctx context.Context, params LoadSessionParams) (LoadSessionResult, error) {
	if a.loadErr != nil {
		return LoadSessionResult{}, a.loadErr
	}
	return LoadSessionResult{}, nil
}

func (a *stubAgent) Cancel(params CancelParams) {
	a.mu.Lock()
	a.cancelled = append(a.cancelled, params.SessionID)
	a.mu.Unlock()
}

func (a *stubAgent) cancelledSessions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancelled...)
}

// stubClient implements Client for tests.
type stubClient struct {
	mu     sync.Mutex
	writes map[string]string
}

func (c *stubClient) ReadTextFile(ctx context.Context, params ReadTextFileParams) (ReadTextFileResult, error) {
	return ReadTextFileResult{Content: "content of " + params.Path}, nil
}

func (c *stubClient) WriteTextFile(ctx context.Context, params WriteTextFileParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writes == nil {
		c.writes = make(map[string]string)
	}
	c.writes[params.Path] = params.Content
	return nil
}

func (c *stubClient) CreateTerminal(ctx context.Context, params CreateTerminalParams) (CreateTerminalResult, error) {
	return CreateTerminalResult{TerminalID: "t-1"}, nil
}

func (c *stubClient) TerminalOutput(ctx context.Context, params TerminalParams) (TerminalOutputResult, error) {
	code := 0
	return TerminalOutputResult{
		Output:     "terminal says hi",
		ExitStatus: &TerminalExitStatus{ExitCode: &code},
	}, nil
}

func (c *stubClient) WaitForTerminalExit(ctx context.Context, params TerminalParams) (TerminalWaitResult, error) {
	code := 0
	return TerminalWaitResult{ExitStatus: TerminalExitStatus{ExitCode: &code}}, nil
}

func (c *stubClient) KillTerminal(ctx context.Context, params TerminalParams) error { return nil }

func (c *stubClient) ReleaseTerminal(ctx context.Context, params TerminalParams) error { return nil }

func (c *stubClient) RequestPermission(ctx context.Context, params RequestPermissionParams) (RequestPermissionResult, error) {
	return RequestPermissionResult{Outcome: PermissionOutcome{Outcome: "selected", OptionID: "allow"}}, nil
}

// connectPair wires a ClientSideConnection and an AgentSideConnection over
// crossed in-memory pipes, exactly how two processes would see each other.
func connectPair(t *testing.T, client Client, agent Agent) (*ClientSideConnection, *AgentSideConnection) {
	t.Helper()

	// client writes → agent reads
	agentInR, agentInW := io.Pipe()
	// agent writes → client reads
	clientInR, clientInW := io.Pipe()

	cs := NewClientSideConnection(client, agentInW, clientInR, WithLogger(testLogger()))
	as := NewAgentSideConnection(agent, clientInW, agentInR, WithLogger(testLogger()))

	t.Cleanup(func() {
		_ = cs.Close()
		_ = as.Close()
	})
	return cs, as
}

func TestRoundTrip_InitializeAndSession(t *testing.T) {
	cs, _ := connectPair(t, &stubClient{}, &stubAgent{})
	ctx := context.Background()

	init, err := cs.Initialize(ctx, InitializeParams{ProtocolVersion: 1})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if init.ProtocolVersion != 1 {
		t.Errorf("protocol version mangled: %d", init.ProtocolVersion)
	}

	sess, err := cs.NewSession(ctx, NewSessionParams{Cwd: "/work"})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if sess.SessionID != "s-1" {
		t.Errorf("unexpected session id %q", sess.SessionID)
	}

	prompt, err := cs.Prompt(ctx, PromptParams{SessionID: sess.SessionID, Prompt: json.RawMessage(`[{"type":"text","text":"hi"}]`)})
	if err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	if prompt.StopReason != "end_turn" {
		t.Errorf("unexpected stop reason %q", prompt.StopReason)
	}
}

// TestRoundTrip_AgentDrivesClient exercises the reverse direction: the
// agent invokes the host's file and terminal methods over the same
// connection while it serves nothing else.
func TestRoundTrip_AgentDrivesClient(t *testing.T) {
	client := &stubClient{}
	_, as := connectPair(t, client, &stubAgent{})
	ctx := context.Background()

	read, err := as.ReadTextFile(ctx, ReadTextFileParams{SessionID: "s", Path: "/a.txt"})
	if err != nil {
		t.Fatalf("ReadTextFile failed: %v", err)
	}
	if read.Content != "content of /a.txt" {
		t.Errorf("unexpected content %q", read.Content)
	}

	if err := as.WriteTextFile(ctx, WriteTextFileParams{Path: "/b.txt", Content: "data"}); err != nil {
		t.Fatalf("WriteTextFile failed: %v", err)
	}
	client.mu.Lock()
	got := client.writes["/b.txt"]
	client.mu.Unlock()
	if got != "data" {
		t.Errorf("write did not reach the client: %q", got)
	}

	created, err := as.CreateTerminal(ctx, CreateTerminalParams{SessionID: "s", Command: "ls"})
	if err != nil {
		t.Fatalf("CreateTerminal failed: %v", err)
	}
	out, err := as.TerminalOutput(ctx, TerminalParams{SessionID: "s", TerminalID: created.TerminalID})
	if err != nil {
		t.Fatalf("TerminalOutput failed: %v", err)
	}
	if out.Output != "terminal says hi" {
		t.Errorf("unexpected output %q", out.Output)
	}

	perm, err := as.RequestPermission(ctx, RequestPermissionParams{SessionID: "s"})
	if err != nil {
		t.Fatalf("RequestPermission failed: %v", err)
	}
	if perm.Outcome.OptionID != "allow" {
		t.Errorf("unexpected permission outcome %+v", perm.Outcome)
	}
}

// TestRoundTrip_Concurrent drives both directions at once; correlation
// must keep every answer with its own question.
func TestRoundTrip_Concurrent(t *testing.T) {
	cs, as := connectPair(t, &stubClient{}, &stubAgent{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cs.Prompt(ctx, PromptParams{SessionID: "s"}); err != nil {
				errs <- fmt.Errorf("prompt: %w", err)
			}
		}()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			read, err := as.ReadTextFile(ctx, ReadTextFileParams{Path: fmt.Sprintf("/f%d", i)})
			if err != nil {
				errs <- fmt.Errorf("read: %w", err)
				return
			}
			if want := fmt.Sprintf("content of /f%d", i); read.Content != want {
				errs <- fmt.Errorf("cross-correlated result: %q", read.Content)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// TestLoadSession_AlreadyActive is scenario S7: an "already active" error
// from the agent synthesizes success.
func TestLoadSession_AlreadyActive(t *testing.T) {
	agent := &stubAgent{loadErr: &RequestError{Code: -32000, Message: "Session is already active"}}
	cs, _ := connectPair(t, &stubClient{}, agent)

	if _, err := cs.LoadSession(context.Background(), LoadSessionParams{SessionID: "s-7"}); err != nil {
		t.Fatalf("already-active load must synthesize success, got %v", err)
	}
}

func TestLoadSession_RealErrorSurfaces(t *testing.T) {
	agent := &stubAgent{loadErr: &RequestError{Code: -32000, Message: "no such session"}}
	cs, _ := connectPair(t, &stubClient{}, agent)

	_, err := cs.LoadSession(context.Background(), LoadSessionParams{SessionID: "s-7"})
	var rpcErr *RequestError
	if !errors.As(err, &rpcErr) || rpcErr.Message != "no such session" {
		t.Fatalf("real errors must surface verbatim, got %v", err)
	}
}

// TestCancelNotification: session/cancel travels as a notification and
// reaches Agent.Cancel without a reply.
func TestCancelNotification(t *testing.T) {
	agent := &stubAgent{}
	cs, _ := connectPair(t, &stubClient{}, agent)

	if err := cs.Cancel(CancelParams{SessionID: "s-9"}); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(agent.cancelledSessions()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := agent.cancelledSessions()
	if len(got) != 1 || got[0] != "s-9" {
		t.Fatalf("agent never saw the cancel: %v", got)
	}
}

// TestSessionUpdateNotifications: agent-side updates arrive on the client
// notification stream in order.
func TestSessionUpdateNotifications(t *testing.T) {
	cs, as := connectPair(t, &stubClient{}, &stubAgent{})

	sub := cs.Notifications()
	for i := 0; i < 5; i++ {
		if err := as.SessionUpdate(SessionUpdateParams{
			SessionID: "s",
			Update:    json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
		}); err != nil {
			t.Fatalf("SessionUpdate failed: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		select {
		case note := <-sub.C:
			if note.Method != MethodSessionUpdate {
				t.Fatalf("unexpected method %q", note.Method)
			}
			var params SessionUpdateParams
			if err := json.Unmarshal(note.Params, &params); err != nil {
				t.Fatal(err)
			}
			var update struct{ Seq int }
			if err := json.Unmarshal(params.Update, &update); err != nil || update.Seq != i {
				t.Fatalf("updates out of order at %d: %s", i, params.Update)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("update %d never arrived", i)
		}
	}
}

// TestUnroutedMethod: methods outside the routed set answer -32601.
func TestUnroutedMethod(t *testing.T) {
	_, as := connectPair(t, &stubClient{}, &stubAgent{})

	_, err := call[struct{}](context.Background(), as.conn, "fs/delete_everything", nil)
	var rpcErr *RequestError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RequestError, got %v", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("expected -32601, got %d", rpcErr.Code)
	}
	if !strings.Contains(rpcErr.Message, "fs/delete_everything") {
		t.Errorf("message should name the method: %q", rpcErr.Message)
	}
}

// TestPermissionAlias: the prefixless request_permission spelling routes to
// the same handler.
func TestPermissionAlias(t *testing.T) {
	_, as := connectPair(t, &stubClient{}, &stubAgent{})

	res, err := call[RequestPermissionResult](context.Background(), as.conn,
		MethodRequestPermissionAlias, RequestPermissionParams{SessionID: "s"})
	if err != nil {
		t.Fatalf("alias call failed: %v", err)
	}
	if res.Outcome.OptionID != "allow" {
		t.Errorf("alias outcome wrong: %+v", res.Outcome)
	}
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
