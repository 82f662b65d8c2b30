package provider

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/N1ghthill/dexter-sub001/internal/updater"
	"github.com/N1ghthill/dexter-sub001/version"
)

const (
	defaultAPIBaseURL       = "https://api.github.com"
	defaultManifestAsset    = "dexter-manifest.json"
	defaultMaxStagedToKeep  = 3
	manifestSizeLimit       = 1 << 20 // 1MB
	signatureSizeLimit      = 4096
	releaseListPageSize     = 100
	githubRequestTimeout    = 30 * time.Second
	appImageEnvVar          = "APPIMAGE"
	appImagePathSuffix      = ".appimage"
	manifestSidecarFileName = "manifest.json"
)

// GitHubConfig configures the GitHub release provider.
type GitHubConfig struct {
	// APIBaseURL overrides the GitHub API endpoint, mainly for tests.
	APIBaseURL string
	Owner      string
	Repo       string
	// ManifestAssetName is the release asset holding the update manifest.
	// Its sibling "<name>.sig" asset carries a base64 ed25519 signature
	// over the raw manifest bytes.
	ManifestAssetName string
	// PublicKeyPEM enables mandatory signature verification when set.
	PublicKeyPEM []byte
	// DownloadsRoot is the directory artifacts are staged under, one
	// subdirectory per version.
	DownloadsRoot string
	// MaxStagedVersionsToKeep bounds how many version directories pruning
	// leaves behind.
	MaxStagedVersionsToKeep int
	HTTPClient              *http.Client
	// ExecutablePath reports the running executable, used to detect an
	// AppImage install. Injected for tests.
	ExecutablePath func() (string, error)
}

// GitHubReleaseProvider discovers releases through the GitHub releases API
// and stages checksum-verified artifacts under the downloads root.
type GitHubReleaseProvider struct {
	cfg       GitHubConfig
	client    *http.Client
	publicKey ed25519.PublicKey
	getenv    func(string) string
}

// githubRelease mirrors the fields of the release listing API we consume.
type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
	Assets     []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

func NewGitHubReleaseProvider(cfg GitHubConfig) (*GitHubReleaseProvider, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github provider requires owner and repo")
	}
	if cfg.DownloadsRoot == "" {
		return nil, fmt.Errorf("github provider requires a downloads root")
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if cfg.ManifestAssetName == "" {
		cfg.ManifestAssetName = defaultManifestAsset
	}
	if cfg.MaxStagedVersionsToKeep <= 0 {
		cfg.MaxStagedVersionsToKeep = defaultMaxStagedToKeep
	}
	if cfg.ExecutablePath == nil {
		cfg.ExecutablePath = os.Executable
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: githubRequestTimeout}
	}

	p := &GitHubReleaseProvider{
		cfg:    cfg,
		client: client,
		getenv: os.Getenv,
	}

	if len(cfg.PublicKeyPEM) > 0 {
		pub, err := ParsePublicKeyPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, err
		}
		p.publicKey = pub
	}

	return p, nil
}

func (p *GitHubReleaseProvider) Name() string { return "github" }

// CheckLatest lists releases, picks candidates for the channel newest
// first, and returns the first one whose manifest passes verification.
// Releases with a missing or invalid signature are skipped, not flagged:
// once a key is configured, verification is mandatory.
func (p *GitHubReleaseProvider) CheckLatest(ctx context.Context, channel updater.Channel, currentVersion string, current updater.ComponentVersions) (*updater.Manifest, error) {
	releases, err := p.listReleases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}

	candidates := selectCandidates(releases, channel)
	for _, candidate := range candidates {
		manifest, err := p.fetchManifest(ctx, candidate)
		if err != nil {
			log.Warnf("skipping release %s: %v", candidate.release.TagName, err)
			continue
		}
		if err := p.selectArtifact(manifest); err != nil {
			log.Warnf("skipping release %s: %v", candidate.release.TagName, err)
			continue
		}
		return manifest, nil
	}

	return nil, nil
}

type releaseCandidate struct {
	release githubRelease
	version *goversion.Version
}

// selectCandidates filters drafts, keeps releases with parseable semver
// tags matching the channel, and sorts them newest first. The stable
// channel only sees non-prerelease releases; rc sees everything.
func selectCandidates(releases []githubRelease, channel updater.Channel) []releaseCandidate {
	var candidates []releaseCandidate
	for _, rel := range releases {
		if rel.Draft {
			continue
		}
		if channel == updater.ChannelStable && rel.Prerelease {
			continue
		}
		v, err := version.Parse(rel.TagName)
		if err != nil {
			log.Debugf("ignoring release with unparseable tag %q", rel.TagName)
			continue
		}
		candidates = append(candidates, releaseCandidate{release: rel, version: v})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].version.GreaterThan(candidates[j].version)
	})
	return candidates
}

// fetchManifest downloads the manifest asset and, when a key is configured,
// its detached signature. Both must be present and valid or the release is
// rejected.
func (p *GitHubReleaseProvider) fetchManifest(ctx context.Context, candidate releaseCandidate) (*updater.Manifest, error) {
	manifestURL := ""
	sigURL := ""
	sigAssetName := p.cfg.ManifestAssetName + ".sig"
	for _, asset := range candidate.release.Assets {
		switch asset.Name {
		case p.cfg.ManifestAssetName:
			manifestURL = asset.BrowserDownloadURL
		case sigAssetName:
			sigURL = asset.BrowserDownloadURL
		}
	}

	if manifestURL == "" {
		return nil, fmt.Errorf("release has no %s asset", p.cfg.ManifestAssetName)
	}

	raw, err := p.fetchToMemory(ctx, manifestURL, manifestSizeLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}

	if p.publicKey != nil {
		if sigURL == "" {
			return nil, fmt.Errorf("release has no %s asset and a signing key is configured", sigAssetName)
		}
		sig, err := p.fetchToMemory(ctx, sigURL, signatureSizeLimit)
		if err != nil {
			return nil, fmt.Errorf("fetch manifest signature: %w", err)
		}
		if err := VerifyDetachedSignature(p.publicKey, raw, sig); err != nil {
			return nil, fmt.Errorf("manifest signature verification failed: %w", err)
		}
	}

	var manifest updater.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if manifest.Version == "" {
		manifest.Version = strings.TrimPrefix(candidate.release.TagName, "v")
	}

	return &manifest, nil
}

// selectArtifact resolves the platform/arch/package variant to download
// when the manifest carries per-platform artifacts. An AppImage install
// prefers the appimage artifact; a regular Linux install prefers deb.
func (p *GitHubReleaseProvider) selectArtifact(m *updater.Manifest) error {
	if len(m.Artifacts) == 0 {
		if m.DownloadURL == "" {
			return fmt.Errorf("manifest has neither artifacts nor a download URL")
		}
		return nil
	}

	var matching []updater.Artifact
	for _, a := range m.Artifacts {
		if a.Platform != "" && a.Platform != runtime.GOOS {
			continue
		}
		if a.Arch != "" && a.Arch != runtime.GOARCH {
			continue
		}
		matching = append(matching, a)
	}
	if len(matching) == 0 {
		return fmt.Errorf("manifest has no artifact for %s/%s", runtime.GOOS, runtime.GOARCH)
	}

	preferred := updater.PackageDeb
	if p.runningFromAppImage() {
		preferred = updater.PackageAppImage
	}

	winner := matching[0]
	for _, a := range matching {
		if a.PackageType == preferred {
			winner = a
			break
		}
	}

	m.DownloadURL = winner.DownloadURL
	m.ChecksumSHA256 = winner.ChecksumSHA256
	m.SelectedArtifact = &winner
	return nil
}

func (p *GitHubReleaseProvider) runningFromAppImage() bool {
	if p.getenv(appImageEnvVar) != "" {
		return true
	}
	exe, err := p.cfg.ExecutablePath()
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(exe), appImagePathSuffix)
}

func (p *GitHubReleaseProvider) listReleases(ctx context.Context) ([]githubRelease, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases?per_page=%d",
		strings.TrimSuffix(p.cfg.APIBaseURL, "/"), p.cfg.Owner, p.cfg.Repo, releaseListPageSize)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", userAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status %d from release listing", resp.StatusCode)
	}

	var releases []githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("decode release listing: %w", err)
	}
	return releases, nil
}

func userAgent() string {
	return fmt.Sprintf("dexter-updater/%s", version.AppVersion())
}
