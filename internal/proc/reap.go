package proc

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const (
	reapTermWait = 2 * time.Second
	reapKillWait = 1 * time.Second
)

// ReapOrphans terminates peers left behind by a previous run. Entries older
// than seven days are dropped without signaling. An entry whose pid now
// belongs to an unrelated process (command string no longer mentions the
// recorded executable) is dropped as stale. Processes that survive SIGKILL
// are retained for the next run. Errors never abort the sweep.
func ReapOrphans(ctx context.Context, registry *Registry, logger *slog.Logger) {
	records := registry.Load()
	if len(records) == 0 {
		return
	}

	now := time.Now()
	var retained []Record

	for _, rec := range records {
		age := now.Sub(time.Unix(rec.StartedAt, 0))
		if age > maxRecordAge {
			logger.Debug("dropping expired registry entry", "pid", rec.PID, "age", age)
			continue
		}
		if !processAlive(rec.PID) {
			logger.Debug("registry entry already gone", "pid", rec.PID)
			continue
		}
		if !commandMatches(rec.PID, rec.AgentPath) {
			logger.Debug("registry pid reused by another process, dropping",
				"pid", rec.PID, "agent_path", rec.AgentPath)
			continue
		}

		logger.Info("reaping orphaned peer", "pid", rec.PID, "pgid", rec.PGID,
			"agent_path", rec.AgentPath)

		if err := signalGroup(rec.PID, rec.PGID, unix.SIGTERM); err != nil {
			logger.Warn("failed to signal orphan", "pid", rec.PID, "error", err)
		}
		if waitGone(ctx, rec.PID, reapTermWait) {
			continue
		}

		if err := signalGroup(rec.PID, rec.PGID, unix.SIGKILL); err != nil {
			logger.Warn("failed to kill orphan", "pid", rec.PID, "error", err)
		}
		if waitGone(ctx, rec.PID, reapKillWait) {
			continue
		}

		logger.Warn("orphan resisted SIGKILL, retaining registry entry", "pid", rec.PID)
		retained = append(retained, rec)
	}

	if err := registry.Replace(retained); err != nil {
		logger.Warn("failed to rewrite registry after reaping", "error", err)
	}
}

// waitGone polls for process disappearance up to the given duration.
func waitGone(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !processAlive(pid)
		case <-time.After(termPoll):
		}
	}
	return !processAlive(pid)
}

// commandMatches reports whether the live process's command string still
// contains the recorded executable path, guarding against pid reuse. It
// reads /proc where available and falls back to ps.
func commandMatches(pid int, agentPath string) bool {
	if data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline"); err == nil {
		cmdline := strings.ReplaceAll(string(data), "\x00", " ")
		return strings.Contains(cmdline, agentPath)
	}

	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "command=").Output()
	if err != nil {
		// Cannot inspect the process; err on the side of signaling it so a
		// crashed host still cleans up its children.
		return true
	}
	return strings.Contains(string(out), agentPath)
}
