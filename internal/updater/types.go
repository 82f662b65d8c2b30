// Package updater implements the self-update engine: a persisted
// check/download/stage state machine, compatibility evaluation against the
// local user-data schema, and the boot-time reconciliation and post-apply
// supervision around an applied update.
package updater

import "time"

// Phase is the update state machine phase.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseChecking    Phase = "checking"
	PhaseUpToDate    Phase = "up-to-date"
	PhaseAvailable   Phase = "available"
	PhaseDownloading Phase = "downloading"
	PhaseStaged      Phase = "staged"
	PhaseError       Phase = "error"
)

func validPhase(p Phase) bool {
	switch p {
	case PhaseIdle, PhaseChecking, PhaseUpToDate, PhaseAvailable, PhaseDownloading, PhaseStaged, PhaseError:
		return true
	}
	return false
}

// ErrorCode identifies why the state machine entered the error phase.
type ErrorCode string

const (
	ErrCodeCheckFailed                ErrorCode = "check_failed"
	ErrCodeDownloadFailed             ErrorCode = "download_failed"
	ErrCodeRestartFailed              ErrorCode = "restart_failed"
	ErrCodeRestartUnavailable         ErrorCode = "restart_unavailable"
	ErrCodeNoUpdateForDownload        ErrorCode = "no_update_available_for_download"
	ErrCodeNoStagedUpdate             ErrorCode = "no_staged_update"
	ErrCodeIPCIncompatible            ErrorCode = "ipc_incompatible"
	ErrCodeRemoteSchemaIncompatible   ErrorCode = "remote_schema_incompatible"
	ErrCodeSchemaMigrationUnavailable ErrorCode = "schema_migration_unavailable"
)

// Channel is a release track.
type Channel string

const (
	ChannelStable Channel = "stable"
	ChannelRC     Channel = "rc"
)

// PackageType identifies the artifact packaging.
type PackageType string

const (
	PackageAppImage PackageType = "appimage"
	PackageDeb      PackageType = "deb"
)

// ComponentVersions describes the versioned components shipped in a release.
type ComponentVersions struct {
	AppVersion            string `json:"appVersion"`
	CoreVersion           string `json:"coreVersion"`
	UIVersion             string `json:"uiVersion"`
	IPCContractVersion    string `json:"ipcContractVersion"`
	UserDataSchemaVersion int    `json:"userDataSchemaVersion"`
}

// Artifact is one downloadable variant of a release.
type Artifact struct {
	Platform       string      `json:"platform"`
	Arch           string      `json:"arch"`
	PackageType    PackageType `json:"packageType"`
	DownloadURL    string      `json:"downloadUrl"`
	ChecksumSHA256 string      `json:"checksumSha256"`
}

// Compatibility is the remote-declared compatibility block of a manifest.
type Compatibility struct {
	Strategy                 string   `json:"strategy"`
	RequiresRestart          bool     `json:"requiresRestart"`
	IPCContractCompatible    bool     `json:"ipcContractCompatible"`
	UserDataSchemaCompatible bool     `json:"userDataSchemaCompatible"`
	Notes                    []string `json:"notes,omitempty"`
}

// Manifest describes an available release. It is produced by a provider
// from a signed remote document and never constructed locally outside of
// tests.
type Manifest struct {
	Version          string            `json:"version"`
	Channel          Channel           `json:"channel"`
	PublishedAt      string            `json:"publishedAt"`
	ReleaseNotes     string            `json:"releaseNotes"`
	DownloadURL      string            `json:"downloadUrl"`
	ChecksumSHA256   string            `json:"checksumSha256"`
	Artifacts        []Artifact        `json:"artifacts,omitempty"`
	SelectedArtifact *Artifact         `json:"selectedArtifact,omitempty"`
	Components       ComponentVersions `json:"components"`
	Compatibility    Compatibility     `json:"compatibility"`
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := *m
	if m.Artifacts != nil {
		out.Artifacts = make([]Artifact, len(m.Artifacts))
		copy(out.Artifacts, m.Artifacts)
	}
	if m.SelectedArtifact != nil {
		sel := *m.SelectedArtifact
		out.SelectedArtifact = &sel
	}
	if m.Compatibility.Notes != nil {
		out.Compatibility.Notes = make([]string, len(m.Compatibility.Notes))
		copy(out.Compatibility.Notes, m.Compatibility.Notes)
	}
	return &out
}

// State is the persisted update state machine snapshot.
//
// Invariants: phase staged implies StagedVersion and StagedArtifactPath are
// both set; phase available implies Available is non-nil. The state store
// enforces both when persisting.
type State struct {
	Phase              Phase     `json:"phase"`
	Provider           string    `json:"provider,omitempty"`
	CheckedAt          string    `json:"checkedAt,omitempty"`
	LastError          string    `json:"lastError,omitempty"`
	LastErrorCode      ErrorCode `json:"lastErrorCode,omitempty"`
	Available          *Manifest `json:"available,omitempty"`
	StagedVersion      string    `json:"stagedVersion,omitempty"`
	StagedArtifactPath string    `json:"stagedArtifactPath,omitempty"`
}

// Clone returns a deep copy of the state, including the nested manifest.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Available = s.Available.Clone()
	return &out
}

// DefaultState is the state a fresh or self-healed store holds.
func DefaultState() *State {
	return &State{Phase: PhaseIdle}
}

// Policy is the externally owned update policy consulted by the service.
type Policy struct {
	Channel   Channel   `json:"channel"`
	AutoCheck bool      `json:"autoCheck"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DefaultPolicy returns the policy used before the user ever set one.
func DefaultPolicy() Policy {
	return Policy{Channel: ChannelStable, AutoCheck: true}
}

// ApplyAttemptRecord captures an in-flight apply across the restart
// boundary. It is written immediately before a restart is requested, read
// once at the next boot, and cleared on resolution.
type ApplyAttemptRecord struct {
	TargetVersion        string      `json:"targetVersion"`
	PreviousVersion      string      `json:"previousVersion"`
	Mode                 string      `json:"mode"`
	PackageType          PackageType `json:"packageType,omitempty"`
	StagedArtifactPath   string      `json:"stagedArtifactPath,omitempty"`
	RollbackArtifactPath string      `json:"rollbackArtifactPath,omitempty"`
	CreatedAt            time.Time   `json:"createdAt"`
}
