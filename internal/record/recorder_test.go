package record

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/deltazero-dev/agentwire/internal/rpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecorder_RowShape(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "frames.db"), testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = r.Close() }()

	rec := rpc.TapRecord{
		Direction:   rpc.Outbound,
		Time:        time.Now(),
		Raw:         []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`),
		Method:      "initialize",
		Fingerprint: 0xdeadbeef,
	}
	if err := r.insert(rec); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	var direction, method string
	var ts, fp int64
	var raw []byte
	err = r.db.QueryRow(
		"SELECT direction, method, ts_unix_ms, fingerprint, raw FROM frames WHERE seq = 1",
	).Scan(&direction, &method, &ts, &fp, &raw)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}

	if direction != string(rpc.Outbound) || method != "initialize" {
		t.Errorf("row mangled: direction=%q method=%q", direction, method)
	}
	if uint64(fp) != rec.Fingerprint {
		t.Errorf("fingerprint mangled: %d", fp)
	}
	if string(raw) != string(rec.Raw) {
		t.Errorf("raw frame mangled: %s", raw)
	}
	if ts == 0 {
		t.Error("timestamp missing")
	}
}

func TestRecorder_Count(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "frames.db"), testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = r.Close() }()

	for i := 0; i < 3; i++ {
		if err := r.insert(rpc.TapRecord{
			Direction: rpc.Inbound, Time: time.Now(), Raw: []byte(`{}`),
		}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	n, err := r.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 frames, got %d", n)
	}
}

func TestRecorder_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.db")

	r, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := r.insert(rpc.TapRecord{Direction: rpc.Inbound, Time: time.Now(), Raw: []byte(`{}`)}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Recorded frames survive reopening.
	r2, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = r2.Close() }()
	n, err := r2.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 frame after reopen, got %d", n)
	}
}
