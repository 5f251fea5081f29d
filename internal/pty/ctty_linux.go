//go:build linux

package pty

import (
	"os"
	"os/exec"
	"syscall"
)

// setCtty makes the child a session leader with slave as its
// controlling terminal, applied before exec. Ctty=0
// refers to the child's fd 0 (stdin), which is set to slave below.
func setCtty(cmd *exec.Cmd, slave *os.File) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}
}
