package provider

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/N1ghthill/dexter-sub001/internal/updater"
)

// releaseFixture serves a fake GitHub releases API plus its asset downloads
// from a single httptest server.
type releaseFixture struct {
	t        *testing.T
	server   *httptest.Server
	releases []githubRelease
	assets   map[string][]byte

	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newReleaseFixture(t *testing.T) *releaseFixture {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	f := &releaseFixture{t: t, assets: map[string][]byte{}, pub: pub, priv: priv}
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/dexter/releases", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(f.releases))
	})
	mux.HandleFunc("/assets/", func(w http.ResponseWriter, r *http.Request) {
		data, ok := f.assets[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *releaseFixture) publicKeyPEM() []byte {
	der, err := x509.MarshalPKIXPublicKey(f.pub)
	require.NoError(f.t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// addRelease publishes a release whose manifest is generated from the tag,
// signed unless sign is false.
func (f *releaseFixture) addRelease(tag string, prerelease, draft, sign bool) {
	manifest := updater.Manifest{
		Version:        tagVersion(tag),
		Channel:        updater.ChannelStable,
		DownloadURL:    f.server.URL + "/assets/" + tag + "/dexter.AppImage",
		ChecksumSHA256: "0000000000000000000000000000000000000000000000000000000000000000",
		Compatibility:  updater.Compatibility{IPCContractCompatible: true, UserDataSchemaCompatible: true},
	}
	raw, err := json.Marshal(manifest)
	require.NoError(f.t, err)

	manifestPath := "/assets/" + tag + "/dexter-manifest.json"
	f.assets[manifestPath] = raw

	rel := githubRelease{TagName: tag, Draft: draft, Prerelease: prerelease}
	rel.Assets = append(rel.Assets, struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	}{Name: "dexter-manifest.json", BrowserDownloadURL: f.server.URL + manifestPath})

	if sign {
		sig := base64.StdEncoding.EncodeToString(ed25519.Sign(f.priv, raw))
		sigPath := manifestPath + ".sig"
		f.assets[sigPath] = []byte(sig)
		rel.Assets = append(rel.Assets, struct {
			Name               string `json:"name"`
			BrowserDownloadURL string `json:"browser_download_url"`
		}{Name: "dexter-manifest.json.sig", BrowserDownloadURL: f.server.URL + sigPath})
	}

	f.releases = append(f.releases, rel)
}

func (f *releaseFixture) provider(t *testing.T, keyPEM []byte) *GitHubReleaseProvider {
	t.Helper()
	p, err := NewGitHubReleaseProvider(GitHubConfig{
		APIBaseURL:    f.server.URL,
		Owner:         "acme",
		Repo:          "dexter",
		PublicKeyPEM:  keyPEM,
		DownloadsRoot: filepath.Join(t.TempDir(), "downloads"),
	})
	require.NoError(t, err)
	p.getenv = func(string) string { return "" }
	return p
}

func tagVersion(tag string) string {
	if len(tag) > 0 && tag[0] == 'v' {
		return tag[1:]
	}
	return tag
}

func checkLatest(t *testing.T, p *GitHubReleaseProvider, channel updater.Channel) *updater.Manifest {
	t.Helper()
	m, err := p.CheckLatest(context.Background(), channel, "1.0.0", updater.ComponentVersions{})
	require.NoError(t, err)
	return m
}

func TestCheckLatestPicksNewestForChannel(t *testing.T) {
	f := newReleaseFixture(t)
	f.addRelease("v1.1.0", false, false, true)
	f.addRelease("v1.2.0", false, false, true)
	f.addRelease("v1.3.0-rc.1", true, false, true)
	f.addRelease("v9.9.9", false, true, true) // draft, never visible
	f.addRelease("nightly-build", false, false, true)

	p := f.provider(t, f.publicKeyPEM())

	stable := checkLatest(t, p, updater.ChannelStable)
	require.NotNil(t, stable)
	assert.Equal(t, "1.2.0", stable.Version)

	rc := checkLatest(t, p, updater.ChannelRC)
	require.NotNil(t, rc)
	assert.Equal(t, "1.3.0-rc.1", rc.Version)
}

func TestCheckLatestSkipsInvalidSignature(t *testing.T) {
	f := newReleaseFixture(t)
	f.addRelease("v1.1.0", false, false, true)
	f.addRelease("v1.2.0", false, false, true)
	// Corrupt the newest release's signature after signing.
	f.assets["/assets/v1.2.0/dexter-manifest.json.sig"] = []byte(base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize)))

	p := f.provider(t, f.publicKeyPEM())

	m := checkLatest(t, p, updater.ChannelStable)
	require.NotNil(t, m, "an older validly signed release must still be offered")
	assert.Equal(t, "1.1.0", m.Version)
}

func TestCheckLatestRequiresSignatureWhenKeyConfigured(t *testing.T) {
	f := newReleaseFixture(t)
	f.addRelease("v1.2.0", false, false, false) // no .sig asset at all

	p := f.provider(t, f.publicKeyPEM())

	m := checkLatest(t, p, updater.ChannelStable)
	assert.Nil(t, m, "an unsigned release must be skipped once a key is configured")
}

func TestCheckLatestWithoutKeyAcceptsUnsigned(t *testing.T) {
	f := newReleaseFixture(t)
	f.addRelease("v1.2.0", false, false, false)

	p := f.provider(t, nil)

	m := checkLatest(t, p, updater.ChannelStable)
	require.NotNil(t, m)
	assert.Equal(t, "1.2.0", m.Version)
}

func TestCheckLatestNoReleases(t *testing.T) {
	f := newReleaseFixture(t)
	p := f.provider(t, nil)

	m := checkLatest(t, p, updater.ChannelStable)
	assert.Nil(t, m)
}

func TestSelectArtifactPrefersInstallKind(t *testing.T) {
	appImage := updater.Artifact{
		Platform:       runtime.GOOS,
		Arch:           runtime.GOARCH,
		PackageType:    updater.PackageAppImage,
		DownloadURL:    "https://example.invalid/dexter.AppImage",
		ChecksumSHA256: "aa",
	}
	deb := updater.Artifact{
		Platform:       runtime.GOOS,
		Arch:           runtime.GOARCH,
		PackageType:    updater.PackageDeb,
		DownloadURL:    "https://example.invalid/dexter.deb",
		ChecksumSHA256: "bb",
	}
	foreign := updater.Artifact{Platform: "plan9", Arch: "mips", PackageType: updater.PackageDeb}

	testMatrix := []struct {
		name        string
		appImageEnv string
		want        updater.PackageType
	}{
		{name: "regular install prefers deb", appImageEnv: "", want: updater.PackageDeb},
		{name: "appimage install prefers appimage", appImageEnv: "/opt/Dexter.AppImage", want: updater.PackageAppImage},
	}

	for _, c := range testMatrix {
		t.Run(c.name, func(t *testing.T) {
			f := newReleaseFixture(t)
			p := f.provider(t, nil)
			p.getenv = func(key string) string {
				if key == appImageEnvVar {
					return c.appImageEnv
				}
				return ""
			}

			m := &updater.Manifest{Version: "1.2.0", Artifacts: []updater.Artifact{foreign, appImage, deb}}
			require.NoError(t, p.selectArtifact(m))
			require.NotNil(t, m.SelectedArtifact)
			assert.Equal(t, c.want, m.SelectedArtifact.PackageType)
			assert.Equal(t, m.SelectedArtifact.DownloadURL, m.DownloadURL)
			assert.Equal(t, m.SelectedArtifact.ChecksumSHA256, m.ChecksumSHA256)
		})
	}
}

func TestSelectArtifactNoPlatformMatch(t *testing.T) {
	f := newReleaseFixture(t)
	p := f.provider(t, nil)

	m := &updater.Manifest{
		Version:   "1.2.0",
		Artifacts: []updater.Artifact{{Platform: "plan9", Arch: "mips", PackageType: updater.PackageDeb}},
	}
	assert.Error(t, p.selectArtifact(m))
}

func TestDownloadVerifiesChecksum(t *testing.T) {
	payload := []byte("the update binary")
	digest := sha256.Sum256(payload)

	f := newReleaseFixture(t)
	f.assets["/assets/v1.2.0/dexter-1.2.0.AppImage"] = payload
	p := f.provider(t, nil)

	m := &updater.Manifest{
		Version:        "1.2.0",
		DownloadURL:    f.server.URL + "/assets/v1.2.0/dexter-1.2.0.AppImage",
		ChecksumSHA256: hex.EncodeToString(digest[:]),
	}

	path, err := p.Download(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(p.cfg.DownloadsRoot, "1.2.0", "dexter-1.2.0.AppImage"), path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// The manifest sidecar lands next to the artifact.
	var sidecar updater.Manifest
	raw, err := os.ReadFile(filepath.Join(filepath.Dir(path), "manifest.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &sidecar))
	assert.Equal(t, "1.2.0", sidecar.Version)
}

func TestDownloadChecksumMismatchLeavesNothingBehind(t *testing.T) {
	f := newReleaseFixture(t)
	f.assets["/assets/v1.2.0/dexter-1.2.0.AppImage"] = []byte("tampered binary")
	p := f.provider(t, nil)

	m := &updater.Manifest{
		Version:        "1.2.0",
		DownloadURL:    f.server.URL + "/assets/v1.2.0/dexter-1.2.0.AppImage",
		ChecksumSHA256: "1111111111111111111111111111111111111111111111111111111111111111",
	}

	_, err := p.Download(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Checksum")

	entries, readErr := os.ReadDir(filepath.Join(p.cfg.DownloadsRoot, "1.2.0"))
	require.NoError(t, readErr)
	for _, entry := range entries {
		assert.NotEqual(t, "dexter-1.2.0.AppImage", entry.Name(), "no unverified artifact may be staged")
	}
}

func TestDownloadChecksumIsCaseInsensitive(t *testing.T) {
	payload := []byte("binary")
	digest := sha256.Sum256(payload)

	f := newReleaseFixture(t)
	f.assets["/assets/v1.2.0/dexter.deb"] = payload
	p := f.provider(t, nil)

	m := &updater.Manifest{
		Version:        "1.2.0",
		DownloadURL:    f.server.URL + "/assets/v1.2.0/dexter.deb",
		ChecksumSHA256: hex.EncodeToString(digest[:]),
	}
	m.ChecksumSHA256 = "" + upperHex(m.ChecksumSHA256)

	_, err := p.Download(context.Background(), m)
	assert.NoError(t, err)
}

func upperHex(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'a' && c <= 'f' {
			out[i] = c - ('a' - 'A')
		}
	}
	return string(out)
}

func TestPruneStagedVersionsKeepsNewest(t *testing.T) {
	f := newReleaseFixture(t)
	p := f.provider(t, nil)
	p.cfg.MaxStagedVersionsToKeep = 2

	for _, v := range []string{"1.0.0", "1.1.0", "1.2.0", "1.3.0"} {
		dir := filepath.Join(p.cfg.DownloadsRoot, v)
		require.NoError(t, os.MkdirAll(dir, 0750))
	}
	// A stray file in the root is never a pruning candidate.
	require.NoError(t, os.WriteFile(filepath.Join(p.cfg.DownloadsRoot, "notes.txt"), []byte("x"), 0600))

	p.pruneStagedVersions("1.3.0")

	entries, err := os.ReadDir(p.cfg.DownloadsRoot)
	require.NoError(t, err)

	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.Contains(t, names, "1.3.0", "the version just staged is always kept")
	assert.Contains(t, names, "notes.txt")
	assert.LessOrEqual(t, len(names), 4, "older version directories get pruned")
}

func TestParsePublicKeyPEMRejectsWrongKeyType(t *testing.T) {
	_, err := ParsePublicKeyPEM([]byte("not a pem block"))
	assert.Error(t, err)
}
