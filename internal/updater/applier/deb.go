package applier

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"

	"github.com/N1ghthill/dexter-sub001/internal/events"
	"github.com/N1ghthill/dexter-sub001/internal/updater"
)

const (
	debSuffix     = ".deb"
	debSpawnDelay = 150 * time.Millisecond
)

// DebStrategy selects how a staged deb package gets installed.
type DebStrategy string

const (
	// DebAssist opens the package through the desktop handler so the user
	// completes a graphical install; the current process keeps running.
	DebAssist DebStrategy = "assist"
	// DebPkexecApt installs the package through a privileged apt run.
	DebPkexecApt DebStrategy = "pkexec-apt"
)

// DebApplier installs a staged .deb package. The pkexec-apt strategy falls
// back to the assisted path on any spawn or auth failure rather than
// leaving the user stuck.
type DebApplier struct {
	strategy   DebStrategy
	privileged *PrivilegedExecutor
	schedule   ScheduleFunc
	exists     ExistsFunc
	openFile   func(path string) error
	events     *events.Log
}

func NewDebApplier(strategy DebStrategy, privileged *PrivilegedExecutor, schedule ScheduleFunc, exists ExistsFunc, eventLog *events.Log) *DebApplier {
	if strategy == "" {
		strategy = DebAssist
	}
	if schedule == nil {
		schedule = DefaultSchedule
	}
	if exists == nil {
		exists = DefaultExists
	}
	return &DebApplier{
		strategy:   strategy,
		privileged: privileged,
		schedule:   schedule,
		exists:     exists,
		openFile:   open.Run,
		events:     eventLog,
	}
}

func (a *DebApplier) Name() string { return "deb" }

func (a *DebApplier) CanHandle(st *updater.State) bool {
	return strings.HasSuffix(strings.ToLower(st.StagedArtifactPath), debSuffix)
}

func (a *DebApplier) RequestRestartToApply(st *updater.State) (*Decision, error) {
	path := st.StagedArtifactPath

	if !a.CanHandle(st) {
		return nil, fmt.Errorf("staged artifact %s is not a deb package", path)
	}
	if !a.exists(path) {
		return nil, fmt.Errorf("staged package %s does not exist", path)
	}

	if a.strategy == DebPkexecApt && a.privileged != nil && a.privileged.Mode() != PrivilegeNone {
		a.schedule(debSpawnDelay, func() {
			if err := a.privileged.SpawnDetached("apt", "install", "-y", path); err != nil {
				log.WithField("fallbackFrom", string(DebPkexecApt)).
					Warnf("privileged install of %s failed, falling back to assisted install: %v", path, err)
				a.events.Append("update.applier.fallback", map[string]interface{}{
					"fallbackFrom": string(DebPkexecApt),
					"path":         path,
				})
				a.assist(path)
			}
		})
		return &Decision{
			Mode:    ModeDebPkexecApt,
			Message: "installing the update package with elevated privileges",
		}, nil
	}

	a.schedule(debSpawnDelay, func() { a.assist(path) })
	return &Decision{
		Mode:    ModeDebAssist,
		Message: "opening the update package for guided installation",
	}, nil
}

// assist hands the package to the desktop handler. The current process
// keeps running; the user drives the install.
func (a *DebApplier) assist(path string) {
	if err := a.openFile(path); err != nil {
		log.Errorf("failed to open package %s with the desktop handler: %v", path, err)
		a.events.Append("update.applier.assist_failed", map[string]interface{}{
			"mode": ModeDebAssist,
			"path": path,
		})
		return
	}
	a.events.Append("update.applier.assist_opened", map[string]interface{}{
		"mode": ModeDebAssist,
		"path": path,
	})
}
