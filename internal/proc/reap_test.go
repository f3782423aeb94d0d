//go:build !windows

package proc

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestReapOrphans_ExpiredEntriesDropped(t *testing.T) {
	reg := tempRegistry(t)
	old := time.Now().Add(-8 * 24 * time.Hour).Unix()
	if err := reg.Add(Record{PID: 999999, AgentPath: "/gone/agent", StartedAt: old}); err != nil {
		t.Fatal(err)
	}

	ReapOrphans(context.Background(), reg, testLogger())

	if records := reg.Load(); len(records) != 0 {
		t.Errorf("expired entry should be dropped, got %+v", records)
	}
}

func TestReapOrphans_DeadPidDropped(t *testing.T) {
	reg := tempRegistry(t)
	// Spawn and immediately reap a process so its pid is known-dead.
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Wait()

	if err := reg.Add(Record{PID: pid, AgentPath: "/bin/sh", StartedAt: time.Now().Unix()}); err != nil {
		t.Fatal(err)
	}

	ReapOrphans(context.Background(), reg, testLogger())

	if records := reg.Load(); len(records) != 0 {
		t.Errorf("dead pid should be dropped, got %+v", records)
	}
}

// TestReapOrphans_KillsLiveOrphan spawns a detached sleeper posing as an
// orphan from a previous run and verifies the sweep terminates it.
func TestReapOrphans_KillsLiveOrphan(t *testing.T) {
	dir := t.TempDir()
	script := writeExecutable(t, dir, "orphan-agent", "#!/bin/sh\nsleep 60\n")

	cmd := exec.Command(script)
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	reg := NewRegistry(filepath.Join(dir, "reg.json"), testLogger())
	if err := reg.Add(Record{
		PID: pid, PGID: processGroupID(pid),
		AgentPath: script, StartedAt: time.Now().Unix(),
	}); err != nil {
		t.Fatal(err)
	}

	ReapOrphans(context.Background(), reg, testLogger())

	waitFor(t, 3*time.Second, func() bool { return !processAlive(pid) })
	if records := reg.Load(); len(records) != 0 {
		t.Errorf("reaped entry should be removed, got %+v", records)
	}
}

// TestReapOrphans_PidReuseSkipped: an entry whose pid belongs to an
// unrelated command is dropped without signaling it.
func TestReapOrphans_PidReuseSkipped(t *testing.T) {
	reg := tempRegistry(t)

	// A live process whose command string has nothing to do with the
	// recorded agent path: this very test binary's sleeper.
	cmd := exec.Command("/bin/sh", "-c", "sleep 10")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	if err := reg.Add(Record{
		PID: pid, AgentPath: "/completely/unrelated/agent-binary",
		StartedAt: time.Now().Unix(),
	}); err != nil {
		t.Fatal(err)
	}

	ReapOrphans(context.Background(), reg, testLogger())

	if !processAlive(pid) {
		t.Error("unrelated process must not be signaled")
	}
	if records := reg.Load(); len(records) != 0 {
		t.Errorf("stale entry should be dropped, got %+v", records)
	}
}
