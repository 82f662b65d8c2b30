package applier

import (
	"fmt"
	"os/exec"

	log "github.com/sirupsen/logrus"
)

// PrivilegeMode names a way of escalating to root for package operations.
type PrivilegeMode string

const (
	PrivilegePkexec             PrivilegeMode = "pkexec"
	PrivilegeSudoNonInteractive PrivilegeMode = "sudo-noninteractive"
	PrivilegeSudoTerminal       PrivilegeMode = "sudo-terminal"
	PrivilegeNone               PrivilegeMode = "none"
)

// ErrNoPrivilegeEscalation is returned when no escalation path is
// available on this system.
var ErrNoPrivilegeEscalation = fmt.Errorf("no privilege escalation mechanism available")

// PrivilegedExecutor runs commands as root through whichever escalation
// mechanism the system offers. Components never branch on platform strings
// themselves; they ask the executor.
type PrivilegedExecutor struct {
	mode  PrivilegeMode
	spawn SpawnFunc
}

func NewPrivilegedExecutor(mode PrivilegeMode, spawn SpawnFunc) *PrivilegedExecutor {
	if spawn == nil {
		spawn = DefaultSpawn
	}
	return &PrivilegedExecutor{mode: mode, spawn: spawn}
}

func (e *PrivilegedExecutor) Mode() PrivilegeMode { return e.mode }

// Available reports whether any escalation path exists.
func (e *PrivilegedExecutor) Available() bool { return e.mode != PrivilegeNone }

// SpawnDetached runs argv as root in a detached process. The error reports
// only spawn failure; the command's own exit status is not observed.
func (e *PrivilegedExecutor) SpawnDetached(argv ...string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}

	switch e.mode {
	case PrivilegePkexec:
		return e.spawn("pkexec", argv...)
	case PrivilegeSudoNonInteractive:
		return e.spawn("sudo", append([]string{"-n"}, argv...)...)
	case PrivilegeSudoTerminal:
		return e.spawn("sudo", argv...)
	default:
		return ErrNoPrivilegeEscalation
	}
}

// DetectPrivilegeMode probes the system for an escalation path: pkexec if
// installed, then passwordless sudo, then interactive sudo, else none.
func DetectPrivilegeMode(lookPath func(string) (string, error), probeSudoNonInteractive func() error) PrivilegeMode {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if probeSudoNonInteractive == nil {
		probeSudoNonInteractive = func() error {
			return exec.Command("sudo", "-n", "true").Run()
		}
	}

	if _, err := lookPath("pkexec"); err == nil {
		return PrivilegePkexec
	}

	if _, err := lookPath("sudo"); err == nil {
		if err := probeSudoNonInteractive(); err == nil {
			return PrivilegeSudoNonInteractive
		}
		return PrivilegeSudoTerminal
	}

	log.Debug("no privilege escalation mechanism found")
	return PrivilegeNone
}
