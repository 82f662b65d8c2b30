package updater

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/N1ghthill/dexter-sub001/internal/events"
	"github.com/N1ghthill/dexter-sub001/internal/updater/migration"
	"github.com/N1ghthill/dexter-sub001/version"
)

// Provider fetches release metadata and stages artifacts. Implementations
// own manifest trust: a manifest returned by CheckLatest has already passed
// signature verification when a signing key is configured.
type Provider interface {
	Name() string
	// CheckLatest returns the newest release manifest for the channel, or
	// nil when no release is published.
	CheckLatest(ctx context.Context, channel Channel, currentVersion string, current ComponentVersions) (*Manifest, error)
	// Download fetches the manifest's selected artifact, verifies its
	// checksum, and returns the staged artifact path.
	Download(ctx context.Context, m *Manifest) (string, error)
}

// RestartResult is what restartToApplyUpdate reports. The operation never
// escapes an error to the caller; failures land in the error phase and in
// the ErrorCode field here.
type RestartResult struct {
	OK        bool      `json:"ok"`
	Mode      string    `json:"mode,omitempty"`
	Message   string    `json:"message,omitempty"`
	ErrorCode ErrorCode `json:"errorCode,omitempty"`
}

// RestartRequestFunc applies a staged update: it selects an applier,
// records the apply attempt, and triggers the restart. Wired in at
// construction so stateless appliers can be built first.
type RestartRequestFunc func(st *State) (*RestartResult, error)

// ServiceConfig wires the service's collaborators.
type ServiceConfig struct {
	Store          *StateStore
	Policy         *PolicyStore
	Provider       Provider
	Planner        *migration.Planner
	Schema         *migration.SchemaStateStore
	Current        ComponentVersions
	RequestRestart RestartRequestFunc
	Events         *events.Log
}

// Service orchestrates check, download, and apply. The persisted phase acts
// as a soft mutex: conflicting operations no-op while another is active.
// That guard is advisory; the IPC boundary serializes invocations.
type Service struct {
	store          *StateStore
	policy         *PolicyStore
	provider       Provider
	planner        *migration.Planner
	schema         *migration.SchemaStateStore
	current        ComponentVersions
	requestRestart RestartRequestFunc
	events         *events.Log
	now            func() time.Time
}

func NewService(cfg ServiceConfig) *Service {
	return &Service{
		store:          cfg.Store,
		policy:         cfg.Policy,
		provider:       cfg.Provider,
		planner:        cfg.Planner,
		schema:         cfg.Schema,
		current:        cfg.Current,
		requestRestart: cfg.RequestRestart,
		events:         cfg.Events,
		now:            time.Now,
	}
}

// State returns the current state snapshot.
func (s *Service) State() *State {
	return s.store.Get()
}

// CheckForUpdates queries the provider and moves the state machine to
// up-to-date, available, or error. Already-staged and in-flight states
// no-op and return the current snapshot.
func (s *Service) CheckForUpdates(ctx context.Context) *State {
	current := s.store.Get()
	switch current.Phase {
	case PhaseStaged:
		log.Debug("check skipped: an update is already staged")
		return current
	case PhaseChecking, PhaseDownloading:
		log.Debugf("check skipped: operation already in flight (%s)", current.Phase)
		return current
	}

	st, err := s.store.Patch(func(st *State) {
		st.Phase = PhaseChecking
		st.Provider = s.provider.Name()
		st.LastError = ""
		st.LastErrorCode = ""
	})
	if err != nil {
		log.Errorf("failed to persist checking state: %v", err)
		return current
	}

	policy := s.policy.Get()

	manifest, err := s.provider.CheckLatest(ctx, policy.Channel, s.current.AppVersion, s.current)
	if err != nil {
		log.Errorf("update check failed: %v", err)
		return s.toError(ErrCodeCheckFailed, fmt.Sprintf("update check failed: %v", err), nil)
	}

	checkedAt := s.now().UTC().Format(time.RFC3339)

	if manifest == nil || !version.IsNewer(manifest.Version, s.current.AppVersion) || s.filteredByPolicy(policy, manifest) {
		st, err = s.store.Patch(func(st *State) {
			st.Phase = PhaseUpToDate
			st.CheckedAt = checkedAt
			st.Available = nil
		})
		if err != nil {
			log.Errorf("failed to persist up-to-date state: %v", err)
		}
		s.events.Append("update.check.up_to_date", map[string]interface{}{"currentVersion": s.current.AppVersion})
		return st
	}

	compat := s.evaluate(manifest)
	if !compat.ok {
		// Known but blocked: the manifest stays populated so the UI can
		// show why rather than pretending nothing was found.
		log.Warnf("update %s found but blocked: %s", manifest.Version, compat.reason)
		s.events.Append("update.check.blocked", map[string]interface{}{
			"version": manifest.Version,
			"code":    string(compat.code),
		})
		return s.toError(compat.code, compat.reason, func(st *State) {
			st.CheckedAt = checkedAt
			st.Available = manifest
		})
	}

	st, err = s.store.Patch(func(st *State) {
		st.Phase = PhaseAvailable
		st.CheckedAt = checkedAt
		st.Available = manifest
	})
	if err != nil {
		log.Errorf("failed to persist available state: %v", err)
	}
	log.Infof("update %s is available", manifest.Version)
	s.events.Append("update.check.available", map[string]interface{}{"version": manifest.Version})
	return st
}

// DownloadUpdate stages the available update. Requires the available phase
// with an unblocked manifest.
func (s *Service) DownloadUpdate(ctx context.Context) *State {
	current := s.store.Get()
	if current.Phase == PhaseDownloading || current.Phase == PhaseChecking {
		log.Debugf("download skipped: operation already in flight (%s)", current.Phase)
		return current
	}
	if current.Phase == PhaseStaged {
		log.Debug("download skipped: an update is already staged")
		return current
	}
	if current.Phase != PhaseAvailable || current.Available == nil {
		return s.toError(ErrCodeNoUpdateForDownload, "no update available for download", nil)
	}

	manifest := current.Available

	st, err := s.store.Patch(func(st *State) {
		st.Phase = PhaseDownloading
		st.LastError = ""
		st.LastErrorCode = ""
	})
	if err != nil {
		log.Errorf("failed to persist downloading state: %v", err)
		return current
	}

	artifactPath, err := s.provider.Download(ctx, manifest)
	if err != nil {
		log.Errorf("update download failed: %v", err)
		s.events.Append("update.download.failed", map[string]interface{}{
			"version": manifest.Version,
			"error":   err.Error(),
		})
		return s.toError(ErrCodeDownloadFailed, fmt.Sprintf("download failed: %v", err), func(st *State) {
			st.Available = manifest
		})
	}

	st, err = s.store.Patch(func(st *State) {
		st.Phase = PhaseStaged
		st.Available = manifest
		st.StagedVersion = manifest.Version
		st.StagedArtifactPath = artifactPath
	})
	if err != nil {
		log.Errorf("failed to persist staged state: %v", err)
	}
	log.Infof("update %s staged at %s", manifest.Version, artifactPath)
	s.events.Append("update.staged", map[string]interface{}{
		"version": manifest.Version,
		"path":    artifactPath,
	})
	return st
}

// RestartToApplyUpdate hands the staged state to the restart hook. It
// returns a result object and never an error: failures convert to the
// error phase with a specific code.
func (s *Service) RestartToApplyUpdate() *RestartResult {
	current := s.store.Get()
	if current.Phase != PhaseStaged {
		s.toError(ErrCodeNoStagedUpdate, "no staged update to apply", nil)
		return &RestartResult{ErrorCode: ErrCodeNoStagedUpdate, Message: "no staged update to apply"}
	}

	if s.requestRestart == nil {
		s.toError(ErrCodeRestartUnavailable, "restart is not available in this environment", nil)
		return &RestartResult{ErrorCode: ErrCodeRestartUnavailable, Message: "restart is not available in this environment"}
	}

	result, err := s.requestRestart(current)
	if err != nil {
		log.Errorf("restart to apply update failed: %v", err)
		s.events.Append("update.restart.failed", map[string]interface{}{
			"version": current.StagedVersion,
			"error":   err.Error(),
		})
		s.toError(ErrCodeRestartFailed, fmt.Sprintf("restart failed: %v", err), func(st *State) {
			st.Available = current.Available
			st.StagedVersion = current.StagedVersion
			st.StagedArtifactPath = current.StagedArtifactPath
		})
		return &RestartResult{ErrorCode: ErrCodeRestartFailed, Message: err.Error()}
	}

	// The state stays staged until the startup reconciler clears it after
	// the restart actually happened.
	s.events.Append("update.restart.requested", map[string]interface{}{
		"version": current.StagedVersion,
		"mode":    result.Mode,
	})
	return result
}

func (s *Service) evaluate(m *Manifest) compatResult {
	localSchema := version.UserDataSchemaVersion
	if st := s.schema.Get(); st != nil {
		localSchema = st.Version
	}
	return evaluateCompatibility(m, localSchema, s.planner)
}

// filteredByPolicy rejects manifests the policy's channel does not accept:
// the stable channel never takes a prerelease tag.
func (s *Service) filteredByPolicy(policy Policy, m *Manifest) bool {
	if policy.Channel == ChannelStable && version.IsPrerelease(m.Version) {
		log.Debugf("ignoring prerelease %s on the stable channel", m.Version)
		return true
	}
	return false
}

func (s *Service) toError(code ErrorCode, message string, extra func(*State)) *State {
	st, err := s.store.Patch(func(st *State) {
		st.Phase = PhaseError
		st.LastError = message
		st.LastErrorCode = code
		st.Available = nil
		st.StagedVersion = ""
		st.StagedArtifactPath = ""
		if extra != nil {
			extra(st)
		}
	})
	if err != nil {
		log.Errorf("failed to persist error state: %v", err)
		return s.store.Get()
	}
	return st
}
