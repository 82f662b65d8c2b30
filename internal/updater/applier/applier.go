// Package applier contains the strategies that actually move the app into
// a staged update: in-process relaunch, AppImage binary swap, and deb
// package installation, composed behind a first-capable chain.
package applier

import (
	"errors"
	"os"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/N1ghthill/dexter-sub001/internal/updater"
)

// Applier is one restart/install strategy. CanHandle inspects the staged
// state; RequestRestartToApply errors only on precondition violations
// (wrong artifact type, missing file) — runtime failures are handled
// internally and reported through the decision.
type Applier interface {
	Name() string
	CanHandle(st *updater.State) bool
	RequestRestartToApply(st *updater.State) (*Decision, error)
}

// Decision reports how an applier chose to act.
type Decision struct {
	Mode    string `json:"mode"`
	Message string `json:"message"`
}

// Applier modes, also recorded on the apply attempt record.
const (
	ModeRelaunch     = "relaunch"
	ModeAppImage     = "appimage-spawn"
	ModeDebAssist    = "deb-assist"
	ModeDebPkexecApt = "deb-pkexec-apt"
)

// SpawnFunc starts a detached process. It returns an error only when the
// process could not be started.
type SpawnFunc func(name string, args ...string) error

// ScheduleFunc runs fn after a delay. The short delays in this package
// exist so an IPC response can flush before the process exits or is
// replaced.
type ScheduleFunc func(d time.Duration, fn func())

// ExistsFunc probes a path. Injected so tests control the filesystem view.
type ExistsFunc func(path string) bool

// ProcessController abstracts the running process's own lifecycle.
type ProcessController interface {
	// Relaunch restarts the current app in place.
	Relaunch()
	// Exit terminates the current process.
	Exit(code int)
}

// DefaultSpawn starts a command in its own session, detached from the
// current process, and releases it so it survives our exit.
func DefaultSpawn(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	setDetachedProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	if err := cmd.Process.Release(); err != nil {
		log.Warnf("failed to release spawned process %s: %v", name, err)
	}
	return nil
}

// DefaultSchedule is time.AfterFunc in ScheduleFunc shape.
func DefaultSchedule(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// DefaultExists reports whether the path names an existing file.
func DefaultExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ErrNoCapableApplier is returned when no applier in a composite accepts
// the staged state.
var ErrNoCapableApplier = errors.New("no applier can handle the staged update")

// Composite tries a fixed ordered list of appliers and delegates to the
// first one whose CanHandle accepts the staged state.
type Composite struct {
	appliers []Applier
}

func NewComposite(appliers ...Applier) *Composite {
	return &Composite{appliers: appliers}
}

func (c *Composite) Name() string { return "composite" }

// Select returns the first capable applier, or nil.
func (c *Composite) Select(st *updater.State) Applier {
	for _, a := range c.appliers {
		if a.CanHandle(st) {
			return a
		}
	}
	return nil
}

func (c *Composite) CanHandle(st *updater.State) bool {
	return c.Select(st) != nil
}

func (c *Composite) RequestRestartToApply(st *updater.State) (*Decision, error) {
	a := c.Select(st)
	if a == nil {
		return nil, ErrNoCapableApplier
	}
	log.Infof("applying staged update %s via %s", st.StagedVersion, a.Name())
	return a.RequestRestartToApply(st)
}
