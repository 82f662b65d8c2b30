package applier

import (
	"os/exec"
	"syscall"
)

// setDetachedProcAttr puts the child in its own session so it survives the
// parent process being replaced or stopped.
func setDetachedProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
