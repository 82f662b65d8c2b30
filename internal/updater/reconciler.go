package updater

import (
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/N1ghthill/dexter-sub001/internal/events"
	"github.com/N1ghthill/dexter-sub001/version"
)

// StartupReconciler resolves a staged-but-possibly-applied state at boot.
// If the running version still predates the staged one, the update is
// genuinely pending and the state is left alone. Otherwise the staged
// fields are cleared and the staged artifact is best-effort cleaned up.
type StartupReconciler struct {
	store          *StateStore
	downloadsRoot  string
	currentVersion string
	events         *events.Log
}

func NewStartupReconciler(store *StateStore, downloadsRoot, currentVersion string, eventLog *events.Log) *StartupReconciler {
	return &StartupReconciler{
		store:          store,
		downloadsRoot:  downloadsRoot,
		currentVersion: currentVersion,
		events:         eventLog,
	}
}

// Reconcile runs once at boot, after migration and before the service
// accepts requests.
func (r *StartupReconciler) Reconcile() {
	st := r.store.Get()
	if st.Phase != PhaseStaged {
		return
	}

	if version.IsNewer(st.StagedVersion, r.currentVersion) {
		log.Infof("staged update %s still pending a restart", st.StagedVersion)
		return
	}

	// Applied, or superseded by another install path entirely.
	log.Infof("staged update %s resolved (running %s), clearing staged state",
		st.StagedVersion, r.currentVersion)

	artifactPath := st.StagedArtifactPath
	stagedVersion := st.StagedVersion

	if _, err := r.store.Patch(func(next *State) {
		next.Phase = PhaseIdle
		next.Available = nil
		next.StagedVersion = ""
		next.StagedArtifactPath = ""
		next.LastError = ""
		next.LastErrorCode = ""
	}); err != nil {
		log.Errorf("failed to clear staged state: %v", err)
		return
	}

	r.cleanupArtifact(artifactPath)
	r.events.Append("update.reconciled", map[string]interface{}{
		"stagedVersion":  stagedVersion,
		"runningVersion": r.currentVersion,
	})
}

// cleanupArtifact removes the staged artifact, but only when it resolves
// inside the downloads root. When the artifact's parent directory is named
// like a semver version folder, the whole version directory goes; otherwise
// only the file. Failures are logged, never fatal.
func (r *StartupReconciler) cleanupArtifact(artifactPath string) {
	if artifactPath == "" {
		return
	}

	root, err := filepath.Abs(r.downloadsRoot)
	if err != nil {
		log.Warnf("failed to resolve downloads root: %v", err)
		return
	}

	abs, err := filepath.Abs(artifactPath)
	if err != nil {
		log.Warnf("failed to resolve staged artifact path: %v", err)
		return
	}

	if !strings.HasPrefix(abs, root+string(os.PathSeparator)) {
		log.Warnf("refusing to clean up %s: resolves outside the downloads root", artifactPath)
		return
	}

	target := abs
	parent := filepath.Dir(abs)
	if parent != root && looksLikeVersionDir(filepath.Base(parent)) {
		target = parent
	}

	if err := os.RemoveAll(target); err != nil {
		log.Warnf("failed to clean up staged artifact %s: %v", target, err)
		return
	}
	log.Debugf("cleaned up staged artifact %s", target)
}

func looksLikeVersionDir(name string) bool {
	_, err := version.Parse(name)
	return err == nil
}
