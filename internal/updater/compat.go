package updater

import (
	"fmt"

	"github.com/N1ghthill/dexter-sub001/internal/updater/migration"
)

// compatResult is the outcome of evaluating a manifest against the running
// install.
type compatResult struct {
	ok     bool
	code   ErrorCode
	reason string
}

// evaluateCompatibility checks a manifest in a fixed order, short-circuiting
// on the first failure: the IPC contract must match, the remote must declare
// the local schema compatible, and the migration planner must support the
// local-to-remote schema hop.
func evaluateCompatibility(m *Manifest, localSchemaVersion int, planner *migration.Planner) compatResult {
	if !m.Compatibility.IPCContractCompatible {
		return compatResult{
			code:   ErrCodeIPCIncompatible,
			reason: fmt.Sprintf("update %s declares the IPC contract incompatible with this install", m.Version),
		}
	}

	if !m.Compatibility.UserDataSchemaCompatible {
		return compatResult{
			code:   ErrCodeRemoteSchemaIncompatible,
			reason: fmt.Sprintf("update %s declares the user data schema incompatible with this install", m.Version),
		}
	}

	plan := planner.Plan(localSchemaVersion, m.Components.UserDataSchemaVersion)
	if !plan.Supported {
		return compatResult{
			code:   ErrCodeSchemaMigrationUnavailable,
			reason: plan.BlockedReason,
		}
	}

	return compatResult{ok: true}
}
