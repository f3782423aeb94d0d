//go:build !windows

package proc

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func shPath(t *testing.T) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh unavailable")
	}
	return "/bin/sh"
}

func TestSupervisor_StartAndExit(t *testing.T) {
	dir := t.TempDir()
	script := writeExecutable(t, dir, "peer", "#!/bin/sh\necho '{\"jsonrpc\":\"2.0\",\"method\":\"ready\"}'\nexit 0\n")

	reg := NewRegistry(filepath.Join(dir, "reg.json"), testLogger())
	sup := NewSupervisor(SpawnOptions{Path: script, Snapshot: map[string]string{"PATH": "/usr/bin:/bin"}}, reg, testLogger())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sup.Pid() == 0 {
		t.Fatal("expected a pid after Start")
	}

	line, err := bufio.NewReader(sup.Stdout()).ReadString('\n')
	if err != nil {
		t.Fatalf("stdout read failed: %v", err)
	}
	if !strings.Contains(line, `"method":"ready"`) {
		t.Errorf("unexpected child output: %q", line)
	}

	select {
	case <-sup.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	code, ok := sup.ExitCode()
	if !ok || code != 0 {
		t.Errorf("expected exit 0, got %d ok=%v", code, ok)
	}

	// Clean exit removes the registry record.
	waitFor(t, time.Second, func() bool { return len(reg.Load()) == 0 })
}

func TestSupervisor_RegistryRecordWhileRunning(t *testing.T) {
	dir := t.TempDir()
	script := writeExecutable(t, dir, "peer", "#!/bin/sh\nsleep 30\n")

	reg := NewRegistry(filepath.Join(dir, "reg.json"), testLogger())
	sup := NewSupervisor(SpawnOptions{Path: script, Snapshot: map[string]string{"PATH": "/usr/bin:/bin"}}, reg, testLogger())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = sup.Terminate(context.Background()) }()

	records := reg.Load()
	if len(records) != 1 {
		t.Fatalf("expected 1 registry record, got %d", len(records))
	}
	if records[0].PID != sup.Pid() {
		t.Errorf("record pid %d != child pid %d", records[0].PID, sup.Pid())
	}
	if records[0].AgentPath != script {
		t.Errorf("record path %q != %q", records[0].AgentPath, script)
	}
}

func TestSupervisor_TerminateGraceful(t *testing.T) {
	dir := t.TempDir()
	// Exits promptly on SIGTERM.
	script := writeExecutable(t, dir, "peer", "#!/bin/sh\ntrap 'exit 0' TERM\nwhile true; do sleep 0.1; done\n")

	sup := NewSupervisor(SpawnOptions{Path: script, Snapshot: map[string]string{"PATH": "/usr/bin:/bin"}}, nil, testLogger())
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	start := time.Now()
	if err := sup.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > termGrace {
		t.Errorf("graceful exit should beat the grace window, took %v", elapsed)
	}
	if !processGone(sup.Pid()) {
		t.Error("child still alive after Terminate")
	}
}

// TestSupervisor_TerminateKillsGroup verifies descendants die with the
// group: the child spawns its own child, and both must be gone.
func TestSupervisor_TerminateKillsGroup(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "grandchild.pid")
	script := writeExecutable(t, dir, "peer",
		"#!/bin/sh\nsleep 60 &\necho $! > "+pidFile+"\nwait\n")

	sup := NewSupervisor(SpawnOptions{Path: script, Snapshot: map[string]string{"PATH": "/usr/bin:/bin"}}, nil, testLogger())
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(pidFile)
		return err == nil
	})
	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("grandchild pid not recorded: %v", err)
	}
	grandchild := parsePid(t, string(data))

	if err := sup.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return processGone(grandchild) })
	if !processGone(grandchild) {
		t.Errorf("grandchild %d survived group termination", grandchild)
	}
}

func TestSupervisor_ExitCodePropagated(t *testing.T) {
	dir := t.TempDir()
	script := writeExecutable(t, dir, "peer", "#!/bin/sh\nexit 3\n")

	sup := NewSupervisor(SpawnOptions{Path: script, Snapshot: map[string]string{"PATH": "/usr/bin:/bin"}}, nil, testLogger())
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-sup.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	if code, _ := sup.ExitCode(); code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}
}

func TestSupervisor_TerminateBeforeStart(t *testing.T) {
	sup := NewSupervisor(SpawnOptions{Path: shPath(t)}, nil, testLogger())
	if err := sup.Terminate(context.Background()); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func processGone(pid int) bool {
	return !processAlive(pid)
}

func parsePid(t *testing.T, s string) int {
	t.Helper()
	pid, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		t.Fatalf("bad pid %q: %v", s, err)
	}
	return pid
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met in time")
	}
}
