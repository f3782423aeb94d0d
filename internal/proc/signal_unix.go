//go:build !windows

package proc

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup configures the command to start in its own process group
// so signals can address the child and every descendant together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// processGroupID returns the process group of a started command, or 0 when
// it cannot be determined.
func processGroupID(pid int) int {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return 0
	}
	return pgid
}

// signalGroup sends sig to the whole process group when pgid is known, and
// to the single process otherwise.
func signalGroup(pid, pgid int, sig unix.Signal) error {
	if pgid > 0 {
		return unix.Kill(-pgid, sig)
	}
	return unix.Kill(pid, sig)
}

// processAlive reports whether a process with the given pid exists.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
