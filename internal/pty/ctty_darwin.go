//go:build darwin

package pty

import (
	"os"
	"os/exec"
	"syscall"
)

// setCtty makes the child a session leader with slave as its
// controlling terminal, applied before exec.
func setCtty(cmd *exec.Cmd, slave *os.File) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}
}
