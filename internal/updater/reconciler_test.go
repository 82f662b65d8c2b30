package updater

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stagedState(version, artifactPath string) *State {
	return &State{
		Phase:              PhaseStaged,
		StagedVersion:      version,
		StagedArtifactPath: artifactPath,
	}
}

func writeArtifact(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte("binary"), 0600))
}

func TestReconcileLeavesPendingUpdate(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(filepath.Join(dir, "state.json"))
	artifact := filepath.Join(dir, "downloads", "1.1.0", "dexter.AppImage")
	writeArtifact(t, artifact)
	require.NoError(t, store.Set(stagedState("1.1.0", artifact)))

	// Running version still predates the staged one: nothing changes.
	NewStartupReconciler(store, filepath.Join(dir, "downloads"), "1.0.0", nil).Reconcile()

	st := store.Get()
	assert.Equal(t, PhaseStaged, st.Phase)
	assert.FileExists(t, artifact)
}

func TestReconcileClearsAppliedUpdate(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(filepath.Join(dir, "state.json"))
	artifact := filepath.Join(dir, "downloads", "1.1.0", "dexter.AppImage")
	writeArtifact(t, artifact)
	require.NoError(t, store.Set(stagedState("1.1.0", artifact)))

	NewStartupReconciler(store, filepath.Join(dir, "downloads"), "1.1.0", nil).Reconcile()

	st := store.Get()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Empty(t, st.StagedVersion)
	assert.Empty(t, st.StagedArtifactPath)

	// The parent directory is named like a version, so the whole version
	// directory goes.
	_, err := os.Stat(filepath.Join(dir, "downloads", "1.1.0"))
	assert.True(t, os.IsNotExist(err))
}

func TestReconcileRemovesOnlyFileOutsideVersionDir(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(filepath.Join(dir, "state.json"))
	artifact := filepath.Join(dir, "downloads", "scratch", "dexter.AppImage")
	sibling := filepath.Join(dir, "downloads", "scratch", "other.file")
	writeArtifact(t, artifact)
	writeArtifact(t, sibling)
	require.NoError(t, store.Set(stagedState("1.1.0", artifact)))

	NewStartupReconciler(store, filepath.Join(dir, "downloads"), "1.1.0", nil).Reconcile()

	_, err := os.Stat(artifact)
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, sibling, "non-version directory must survive cleanup")
}

func TestReconcileNeverDeletesOutsideDownloadsRoot(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(filepath.Join(dir, "state.json"))

	testMatrix := []struct {
		name     string
		artifact string
	}{
		{name: "absolute path elsewhere", artifact: filepath.Join(dir, "precious", "1.1.0", "data.AppImage")},
		{name: "traversal out of root", artifact: filepath.Join(dir, "downloads", "..", "precious", "1.1.0", "data.AppImage")},
	}

	for _, c := range testMatrix {
		t.Run(c.name, func(t *testing.T) {
			target := filepath.Join(dir, "precious", "1.1.0", "data.AppImage")
			writeArtifact(t, target)
			require.NoError(t, store.Set(stagedState("1.1.0", c.artifact)))

			NewStartupReconciler(store, filepath.Join(dir, "downloads"), "1.1.0", nil).Reconcile()

			assert.FileExists(t, target, "cleanup must never escape the downloads root")
			assert.Equal(t, PhaseIdle, store.Get().Phase, "state still clears even when cleanup is refused")
		})
	}
}

func TestReconcileIgnoresNonStagedState(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(filepath.Join(dir, "state.json"))
	require.NoError(t, store.Set(&State{Phase: PhaseUpToDate, CheckedAt: "2026-08-24T10:00:00Z"}))

	NewStartupReconciler(store, filepath.Join(dir, "downloads"), "1.0.0", nil).Reconcile()

	assert.Equal(t, PhaseUpToDate, store.Get().Phase)
}
