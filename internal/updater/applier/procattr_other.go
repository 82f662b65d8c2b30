//go:build !linux

package applier

import "os/exec"

func setDetachedProcAttr(cmd *exec.Cmd) {}
