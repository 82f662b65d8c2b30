package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/N1ghthill/dexter-sub001/util"
)

// Steps is the registered forward chain for the dexter user-data directory.
// Keep this in version order; the planner relies on one step per version.
func Steps() []Step {
	return []Step{
		{
			ID:          "v1-extract-permission-policy",
			FromVersion: 1,
			ToVersion:   2,
			Migrate:     migratePermissionPolicy,
		},
		{
			ID:          "v2-operation-history-jsonl",
			FromVersion: 2,
			ToVersion:   3,
			Migrate:     migrateOperationHistory,
		},
	}
}

// migratePermissionPolicy moves the inline "permissions" block out of the
// main config into its own policy file.
func migratePermissionPolicy(userDataDir string) error {
	configPath := filepath.Join(userDataDir, "config/dexter.config.json")

	var config map[string]json.RawMessage
	if err := util.ReadJson(configPath, &config); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	permissions, ok := config["permissions"]
	if !ok {
		return nil
	}

	policyPath := filepath.Join(userDataDir, "policy/permissions.json")
	if err := util.WriteBytes(policyPath, permissions); err != nil {
		return fmt.Errorf("write permission policy: %w", err)
	}

	delete(config, "permissions")
	if err := util.WriteJson(configPath, config); err != nil {
		return fmt.Errorf("rewrite config: %w", err)
	}
	return nil
}

// migrateOperationHistory converts the legacy operations array file into
// the append-friendly JSONL form. The legacy file is left in place; it is
// outside the tracked set and removing it would not be covered by rollback.
func migrateOperationHistory(userDataDir string) error {
	legacyPath := filepath.Join(userDataDir, "history/operations.json")

	var operations []json.RawMessage
	if err := util.ReadJson(legacyPath, &operations); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read legacy operation history: %w", err)
	}

	var out []byte
	for _, op := range operations {
		compact, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("re-encode operation record: %w", err)
		}
		out = append(out, compact...)
		out = append(out, '\n')
	}

	historyPath := filepath.Join(userDataDir, "history/operations.jsonl")
	if err := util.WriteBytes(historyPath, out); err != nil {
		return fmt.Errorf("write operation history: %w", err)
	}
	return nil
}
