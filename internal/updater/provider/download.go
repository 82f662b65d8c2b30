package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/N1ghthill/dexter-sub001/internal/updater"
	"github.com/N1ghthill/dexter-sub001/util"
)

const (
	downloadRetryInterval = 3 * time.Second
	downloadMaxRetries    = 2
)

// Download fetches the manifest's artifact into downloads/<version>/,
// verifies its SHA-256 against the manifest, and writes a manifest.json
// sidecar next to it. A checksum mismatch is a hard failure and leaves no
// partial file behind. On success older version directories are pruned.
func (p *GitHubReleaseProvider) Download(ctx context.Context, m *updater.Manifest) (string, error) {
	if m == nil || m.DownloadURL == "" {
		return "", fmt.Errorf("manifest has no download URL")
	}
	if m.ChecksumSHA256 == "" {
		return "", fmt.Errorf("manifest has no artifact checksum")
	}

	fileName, err := artifactFileName(m.DownloadURL)
	if err != nil {
		return "", err
	}

	versionDir := filepath.Join(p.cfg.DownloadsRoot, m.Version)
	if err := os.MkdirAll(versionDir, 0750); err != nil {
		return "", fmt.Errorf("create version directory: %w", err)
	}

	artifactPath := filepath.Join(versionDir, fileName)
	if err := p.downloadVerified(ctx, m, artifactPath); err != nil {
		return "", err
	}

	if err := util.WriteJson(filepath.Join(versionDir, manifestSidecarFileName), m); err != nil {
		return "", fmt.Errorf("write manifest sidecar: %w", err)
	}

	p.pruneStagedVersions(m.Version)

	return artifactPath, nil
}

// downloadVerified streams the artifact into a temp file while hashing, and
// only renames it into place once the digest matches the manifest.
func (p *GitHubReleaseProvider) downloadVerified(ctx context.Context, m *updater.Manifest, dst string) error {
	operation := func() error {
		return p.downloadVerifiedOnce(ctx, m, dst)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(downloadRetryInterval), downloadMaxRetries), ctx)

	return backoff.Retry(operation, policy)
}

func (p *GitHubReleaseProvider) downloadVerifiedOnce(ctx context.Context, m *updater.Manifest, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.DownloadURL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch artifact: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected HTTP status %d downloading artifact", resp.StatusCode)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(dst), ".*"+filepath.Base(dst))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create temp file: %w", err))
	}
	tempName := tempFile.Name()
	defer func() {
		if _, statErr := os.Stat(tempName); statErr == nil {
			_ = os.Remove(tempName)
		}
	}()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tempFile, hasher), resp.Body); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close artifact file: %w", err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(digest, m.ChecksumSHA256) {
		return backoff.Permanent(fmt.Errorf("Checksum mismatch for %s: got %s, want %s",
			filepath.Base(dst), digest, strings.ToLower(m.ChecksumSHA256)))
	}

	if err := os.Rename(tempName, dst); err != nil {
		return backoff.Permanent(fmt.Errorf("move artifact into place: %w", err))
	}

	log.Infof("downloaded and verified artifact %s", dst)
	return nil
}

// fetchToMemory retrieves a small remote document with a hard size cap.
func (p *GitHubReleaseProvider) fetchToMemory(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
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
		return nil, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response exceeds %d byte limit", limit)
	}
	return data, nil
}

// pruneStagedVersions keeps the newest MaxStagedVersionsToKeep version
// directories by modification time. The directory of the version just
// staged is always kept, and nothing outside the downloads root is ever
// touched.
func (p *GitHubReleaseProvider) pruneStagedVersions(keepVersion string) {
	root, err := filepath.Abs(p.cfg.DownloadsRoot)
	if err != nil {
		log.Warnf("failed to resolve downloads root: %v", err)
		return
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		log.Warnf("failed to list downloads root: %v", err)
		return
	}

	type versionDir struct {
		name  string
		mtime time.Time
	}

	var dirs []versionDir
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, versionDir{name: entry.Name(), mtime: info.ModTime()})
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].mtime.After(dirs[j].mtime) })

	kept := 0
	for _, dir := range dirs {
		if dir.name == keepVersion || kept < p.cfg.MaxStagedVersionsToKeep {
			kept++
			continue
		}

		target := filepath.Join(root, dir.name)
		abs, err := filepath.Abs(target)
		if err != nil || !strings.HasPrefix(abs, root+string(os.PathSeparator)) {
			log.Warnf("refusing to prune %s: outside downloads root", target)
			continue
		}

		if err := os.RemoveAll(abs); err != nil {
			log.Warnf("failed to prune staged version %s: %v", dir.name, err)
			continue
		}
		log.Debugf("pruned staged version directory %s", dir.name)
	}
}

func artifactFileName(downloadURL string) (string, error) {
	u, err := url.Parse(downloadURL)
	if err != nil {
		return "", fmt.Errorf("invalid download URL: %w", err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("download URL %s has no file name", downloadURL)
	}
	return name, nil
}

var _ updater.Provider = (*GitHubReleaseProvider)(nil)
