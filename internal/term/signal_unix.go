//go:build !windows

package term

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup gives the terminal child its own process group so kill
// reaches pipelines and backgrounded descendants, not just the shell.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the child's process group, falling back to the single
// process when the group lookup fails.
func signalGroup(pid int, sig unix.Signal) error {
	if pgid, err := unix.Getpgid(pid); err == nil && pgid > 0 {
		return unix.Kill(-pgid, sig)
	}
	return unix.Kill(pid, sig)
}
