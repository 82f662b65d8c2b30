package migration

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/N1ghthill/dexter-sub001/util"
)

// TrackedFiles is the fixed set of user-data files the migration machinery
// snapshots and restores, relative to the user-data root. It is a static
// list: migrations operate on known files only, never on discovered ones.
var TrackedFiles = []string{
	"config/dexter.config.json",
	"memory/medium-term.json",
	"memory/long-term.json",
	"history/operations.jsonl",
	"policy/permissions.json",
}

// Result is the outcome of EnsureCurrent. The runner reports rather than
// panics or throws: a failed migration is fatal to app bootstrap, but that
// decision belongs to the caller.
type Result struct {
	OK                    bool
	Applied               bool
	AdoptedCurrentVersion bool
	FromVersion           int
	ToVersion             int
	Err                   error
}

// Runner brings the user-data directory up to the schema version the
// running build expects. It must finish before any other component starts.
type Runner struct {
	userDataDir string
	backupsDir  string
	store       *SchemaStateStore
	planner     *Planner
	now         func() time.Time
	exists      func(path string) bool
}

func NewRunner(userDataDir, backupsDir string, store *SchemaStateStore, planner *Planner) *Runner {
	return &Runner{
		userDataDir: userDataDir,
		backupsDir:  backupsDir,
		store:       store,
		planner:     planner,
		now:         time.Now,
		exists:      util.FileExists,
	}
}

// EnsureCurrent migrates the user-data directory to targetVersion.
//
// Without a persisted marker, a directory that already holds any tracked
// file is adopted at the target version without running steps: it predates
// schema versioning and is treated as already at baseline. An empty
// directory is a fresh install and just gets the marker. With a marker, the
// planned step chain runs under a filesystem backup: any step failure
// restores every tracked file to its pre-migration state before the failure
// is reported.
func (r *Runner) EnsureCurrent(targetVersion int) Result {
	state := r.store.Get()

	if state == nil {
		adopted := r.anyTrackedFileExists()
		if err := r.store.Set(targetVersion); err != nil {
			return Result{ToVersion: targetVersion, Err: fmt.Errorf("persist schema version: %w", err)}
		}
		if adopted {
			log.Infof("adopted existing user data at schema version %d without migration", targetVersion)
		} else {
			log.Infof("initialized fresh user data at schema version %d", targetVersion)
		}
		return Result{OK: true, AdoptedCurrentVersion: adopted, FromVersion: targetVersion, ToVersion: targetVersion}
	}

	plan := r.planner.Plan(state.Version, targetVersion)
	result := Result{FromVersion: state.Version, ToVersion: targetVersion}

	if !plan.Supported {
		result.Err = fmt.Errorf("user data schema migration unsupported: %s", plan.BlockedReason)
		return result
	}

	if !plan.Required {
		result.OK = true
		return result
	}

	backupDir := filepath.Join(r.backupsDir,
		fmt.Sprintf("%s-%d-to-%d", r.now().UTC().Format("20060102T150405Z"), plan.FromVersion, plan.ToVersion))

	backedUp, err := r.snapshotTrackedFiles(backupDir)
	if err != nil {
		result.Err = fmt.Errorf("snapshot user data before migration: %w", err)
		return result
	}

	log.Infof("migrating user data schema from version %d to %d (%d steps)",
		plan.FromVersion, plan.ToVersion, len(plan.Steps))

	for _, planned := range plan.Steps {
		step, ok := r.planner.step(planned.ID)
		if !ok || step.Migrate == nil {
			r.restoreTrackedFiles(backupDir, backedUp)
			result.Err = fmt.Errorf("migration step %s has no executable body", planned.ID)
			return result
		}

		if err := runStep(step, r.userDataDir); err != nil {
			log.Errorf("migration step %s failed, rolling back: %v", step.ID, err)
			r.restoreTrackedFiles(backupDir, backedUp)
			result.Err = fmt.Errorf("migration step %s: %w", step.ID, err)
			return result
		}
		log.Infof("migration step %s applied (%d -> %d)", step.ID, step.FromVersion, step.ToVersion)
	}

	if err := r.store.Set(plan.ToVersion); err != nil {
		r.restoreTrackedFiles(backupDir, backedUp)
		result.Err = fmt.Errorf("persist schema version after migration: %w", err)
		return result
	}

	result.OK = true
	result.Applied = true
	return result
}

// runStep isolates a step's panic into an error so rollback still runs.
func runStep(step Step, userDataDir string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in migration step: %v", rec)
		}
	}()
	return step.Migrate(userDataDir)
}

func (r *Runner) anyTrackedFileExists() bool {
	for _, rel := range TrackedFiles {
		if r.exists(filepath.Join(r.userDataDir, rel)) {
			return true
		}
	}
	return false
}

// snapshotTrackedFiles copies every tracked file that exists into backupDir
// and returns the set that was present, keyed by relative path.
func (r *Runner) snapshotTrackedFiles(backupDir string) (map[string]bool, error) {
	existed := make(map[string]bool, len(TrackedFiles))
	for _, rel := range TrackedFiles {
		src := filepath.Join(r.userDataDir, rel)
		if !r.exists(src) {
			existed[rel] = false
			continue
		}
		if err := util.CopyFileContents(src, filepath.Join(backupDir, rel)); err != nil {
			return nil, fmt.Errorf("back up %s: %w", rel, err)
		}
		existed[rel] = true
	}
	return existed, nil
}

// restoreTrackedFiles puts every tracked file back into its pre-migration
// state: files that existed are overwritten from the backup, files that did
// not are deleted if a step created them.
func (r *Runner) restoreTrackedFiles(backupDir string, existed map[string]bool) {
	var merr *multierror.Error

	for _, rel := range TrackedFiles {
		dst := filepath.Join(r.userDataDir, rel)
		if existed[rel] {
			if err := util.CopyFileContents(filepath.Join(backupDir, rel), dst); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("restore %s: %w", rel, err))
			}
			continue
		}
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			merr = multierror.Append(merr, fmt.Errorf("remove %s: %w", rel, err))
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		log.Errorf("migration rollback left residue: %v", err)
		return
	}
	log.Infof("migration rolled back from backup %s", backupDir)
}
