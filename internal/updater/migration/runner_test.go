package migration

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, steps []Step) (*Runner, string) {
	t.Helper()
	userData := t.TempDir()
	store := NewSchemaStateStore(filepath.Join(userData, "updates", "user-data-schema-state.json"))
	runner := NewRunner(userData, filepath.Join(userData, "updates", "migration-backups"), store, NewPlanner(steps))
	return runner, userData
}

func writeUserDataFile(t *testing.T, userData, rel, content string) {
	t.Helper()
	path := filepath.Join(userData, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestEnsureCurrentFreshInstall(t *testing.T) {
	runner, _ := newTestRunner(t, nil)

	res := runner.EnsureCurrent(1)

	assert.True(t, res.OK)
	assert.False(t, res.Applied)
	assert.False(t, res.AdoptedCurrentVersion)
}

func TestEnsureCurrentAdoptsExistingInstall(t *testing.T) {
	runner, userData := newTestRunner(t, nil)
	writeUserDataFile(t, userData, "config/dexter.config.json", `{"theme":"dark"}`)

	res := runner.EnsureCurrent(1)

	assert.True(t, res.OK)
	assert.False(t, res.Applied)
	assert.True(t, res.AdoptedCurrentVersion)

	// Marker persisted: a second call must not re-adopt.
	res = runner.EnsureCurrent(1)
	assert.True(t, res.OK)
	assert.False(t, res.AdoptedCurrentVersion)
}

func TestEnsureCurrentRunsChain(t *testing.T) {
	var ran []string
	steps := []Step{
		{ID: "s1", FromVersion: 1, ToVersion: 2, Migrate: func(string) error {
			ran = append(ran, "s1")
			return nil
		}},
		{ID: "s2", FromVersion: 2, ToVersion: 3, Migrate: func(string) error {
			ran = append(ran, "s2")
			return nil
		}},
	}
	runner, userData := newTestRunner(t, steps)
	writeUserDataFile(t, userData, "config/dexter.config.json", "{}")
	require.NoError(t, runner.store.Set(1))

	res := runner.EnsureCurrent(3)

	assert.True(t, res.OK)
	assert.True(t, res.Applied)
	assert.Equal(t, []string{"s1", "s2"}, ran)

	state := runner.store.Get()
	require.NotNil(t, state)
	assert.Equal(t, 3, state.Version)
}

func TestEnsureCurrentUnsupportedPlanFails(t *testing.T) {
	runner, _ := newTestRunner(t, nil)
	require.NoError(t, runner.store.Set(1))

	res := runner.EnsureCurrent(2)

	assert.False(t, res.OK)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "unsupported")
}

func TestEnsureCurrentNoopWhenCurrent(t *testing.T) {
	runner, _ := newTestRunner(t, nil)
	require.NoError(t, runner.store.Set(2))

	res := runner.EnsureCurrent(2)

	assert.True(t, res.OK)
	assert.False(t, res.Applied)
}

func TestEnsureCurrentRollsBackOnStepFailure(t *testing.T) {
	const original = `{"theme":"dark","permissions":{"shell":"ask"}}`

	steps := []Step{
		{ID: "bad", FromVersion: 1, ToVersion: 2, Migrate: func(userDataDir string) error {
			// Mutate a tracked file and a previously absent one, then fail.
			configPath := filepath.Join(userDataDir, "config/dexter.config.json")
			if err := os.WriteFile(configPath, []byte(`{"broken":true}`), 0600); err != nil {
				return err
			}
			policyPath := filepath.Join(userDataDir, "policy/permissions.json")
			if err := os.MkdirAll(filepath.Dir(policyPath), 0750); err != nil {
				return err
			}
			if err := os.WriteFile(policyPath, []byte("{}"), 0600); err != nil {
				return err
			}
			return errors.New("boom")
		}},
	}

	runner, userData := newTestRunner(t, steps)
	writeUserDataFile(t, userData, "config/dexter.config.json", original)
	require.NoError(t, runner.store.Set(1))

	res := runner.EnsureCurrent(2)

	assert.False(t, res.OK)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "bad")

	restored, err := os.ReadFile(filepath.Join(userData, "config/dexter.config.json"))
	require.NoError(t, err)
	assert.Equal(t, original, string(restored), "tracked file must be byte-identical after rollback")

	_, err = os.Stat(filepath.Join(userData, "policy/permissions.json"))
	assert.True(t, os.IsNotExist(err), "file created by the failed step must be removed")

	state := runner.store.Get()
	require.NotNil(t, state)
	assert.Equal(t, 1, state.Version, "schema version must not advance after rollback")
}

func TestEnsureCurrentRollsBackOnStepPanic(t *testing.T) {
	const original = "line1\nline2\n"

	steps := []Step{
		{ID: "panics", FromVersion: 1, ToVersion: 2, Migrate: func(userDataDir string) error {
			path := filepath.Join(userDataDir, "history/operations.jsonl")
			if err := os.WriteFile(path, []byte("mangled"), 0600); err != nil {
				return err
			}
			panic("unexpected")
		}},
	}

	runner, userData := newTestRunner(t, steps)
	writeUserDataFile(t, userData, "history/operations.jsonl", original)
	require.NoError(t, runner.store.Set(1))

	res := runner.EnsureCurrent(2)

	assert.False(t, res.OK)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "panic")

	restored, err := os.ReadFile(filepath.Join(userData, "history/operations.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, original, string(restored))
}

func TestSchemaStateStoreMonotonic(t *testing.T) {
	store := NewSchemaStateStore(filepath.Join(t.TempDir(), "schema.json"))

	require.NoError(t, store.Set(3))
	assert.Error(t, store.Set(2), "lowering an adopted version must be refused")
	require.NoError(t, store.Set(3))
	require.NoError(t, store.Set(4))

	state := store.Get()
	require.NotNil(t, state)
	assert.Equal(t, 4, state.Version)
}
