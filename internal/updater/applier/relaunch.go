package applier

import (
	"time"

	"github.com/N1ghthill/dexter-sub001/internal/updater"
)

// relaunchDelay lets the IPC response reach the caller before the process
// restarts.
const relaunchDelay = 100 * time.Millisecond

// RelaunchApplier restarts the app in place and lets the packaging layer
// pick up the staged artifact. It is the fallback of last resort and can
// handle any staged state.
type RelaunchApplier struct {
	schedule ScheduleFunc
	proc     ProcessController
}

func NewRelaunchApplier(schedule ScheduleFunc, proc ProcessController) *RelaunchApplier {
	if schedule == nil {
		schedule = DefaultSchedule
	}
	return &RelaunchApplier{schedule: schedule, proc: proc}
}

func (a *RelaunchApplier) Name() string { return "relaunch" }

func (a *RelaunchApplier) CanHandle(*updater.State) bool { return true }

func (a *RelaunchApplier) RequestRestartToApply(st *updater.State) (*Decision, error) {
	a.schedule(relaunchDelay, a.proc.Relaunch)
	return &Decision{
		Mode:    ModeRelaunch,
		Message: "restarting to apply the staged update",
	}, nil
}
