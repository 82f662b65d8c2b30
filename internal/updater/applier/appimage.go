package applier

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/N1ghthill/dexter-sub001/internal/events"
	"github.com/N1ghthill/dexter-sub001/internal/updater"
)

const (
	appImageSuffix     = ".appimage"
	appImageSpawnDelay = 150 * time.Millisecond
)

// AppImageApplier replaces a running AppImage by spawning the staged binary
// and exiting the current process — but only after the spawn succeeded. A
// spawn failure leaves the current instance running: the user is never left
// with zero instances.
type AppImageApplier struct {
	spawn    SpawnFunc
	schedule ScheduleFunc
	exists   ExistsFunc
	chmod    func(path string, mode os.FileMode) error
	proc     ProcessController
	events   *events.Log
}

func NewAppImageApplier(spawn SpawnFunc, schedule ScheduleFunc, exists ExistsFunc, proc ProcessController, eventLog *events.Log) *AppImageApplier {
	if spawn == nil {
		spawn = DefaultSpawn
	}
	if schedule == nil {
		schedule = DefaultSchedule
	}
	if exists == nil {
		exists = DefaultExists
	}
	return &AppImageApplier{
		spawn:    spawn,
		schedule: schedule,
		exists:   exists,
		chmod:    os.Chmod,
		proc:     proc,
		events:   eventLog,
	}
}

func (a *AppImageApplier) Name() string { return "appimage" }

func (a *AppImageApplier) CanHandle(st *updater.State) bool {
	return strings.HasSuffix(strings.ToLower(st.StagedArtifactPath), appImageSuffix)
}

func (a *AppImageApplier) RequestRestartToApply(st *updater.State) (*Decision, error) {
	path := st.StagedArtifactPath

	if !a.CanHandle(st) {
		return nil, fmt.Errorf("staged artifact %s is not an AppImage", path)
	}
	// A missing staged file is a caller bug, not a runtime condition.
	if !a.exists(path) {
		return nil, fmt.Errorf("staged AppImage %s does not exist", path)
	}

	if err := a.chmod(path, 0o755); err != nil {
		return nil, fmt.Errorf("mark staged AppImage executable: %w", err)
	}

	a.schedule(appImageSpawnDelay, func() {
		if err := a.spawn(path); err != nil {
			// Deliberately keep the current process alive.
			log.Errorf("failed to spawn staged AppImage %s, keeping current instance running: %v", path, err)
			a.events.Append("update.applier.spawn_failed", map[string]interface{}{
				"mode": ModeAppImage,
				"path": path,
			})
			return
		}
		a.events.Append("update.applier.spawned", map[string]interface{}{
			"mode": ModeAppImage,
			"path": path,
		})
		a.proc.Exit(0)
	})

	return &Decision{
		Mode:    ModeAppImage,
		Message: "launching the updated AppImage and exiting",
	}, nil
}
