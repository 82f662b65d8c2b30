// Package provider discovers, verifies, and downloads release artifacts.
// Implementations satisfy the updater.Provider interface.
package provider

import (
	"context"
	"errors"

	"github.com/N1ghthill/dexter-sub001/internal/updater"
)

// ErrNoopProvider is returned by the noop provider for operations that need
// a real release source.
var ErrNoopProvider = errors.New("update provider is disabled")

// NoopProvider is used in builds and environments without a release source
// (dev builds, store-distributed installs). It never finds updates.
type NoopProvider struct{}

func (NoopProvider) Name() string { return "noop" }

func (NoopProvider) CheckLatest(context.Context, updater.Channel, string, updater.ComponentVersions) (*updater.Manifest, error) {
	return nil, nil
}

func (NoopProvider) Download(context.Context, *updater.Manifest) (string, error) {
	return "", ErrNoopProvider
}

var _ updater.Provider = NoopProvider{}
