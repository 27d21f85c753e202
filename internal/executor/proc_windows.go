//go:build windows

package executor

import (
	"os/exec"
	"syscall"
)

func configureProc(cmd *exec.Cmd) {}

// signalGroup falls back to killing the process directly; Windows has
// no POSIX process groups or graceful termination signal.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
