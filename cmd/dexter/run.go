package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/N1ghthill/dexter-sub001/internal/events"
	"github.com/N1ghthill/dexter-sub001/internal/ipc"
	"github.com/N1ghthill/dexter-sub001/internal/updater"
	"github.com/N1ghthill/dexter-sub001/internal/updater/applier"
	"github.com/N1ghthill/dexter-sub001/internal/updater/migration"
	"github.com/N1ghthill/dexter-sub001/internal/updater/provider"
	"github.com/N1ghthill/dexter-sub001/version"
)

const autoCheckInterval = 6 * time.Hour

// run executes the boot sequence: migrate user data (fatal on failure),
// reconcile leftover staged state, arm post-apply supervision, then serve
// the IPC boundary until shutdown.
func run(ctx context.Context) error {
	updatesDir := filepath.Join(userDataDir, "updates")
	downloadsRoot := filepath.Join(updatesDir, "downloads")

	// The migration runner must complete before anything else starts: the
	// app must never run against a half-migrated store.
	planner := migration.NewPlanner(migration.Steps())
	schemaStore := migration.NewSchemaStateStore(filepath.Join(updatesDir, "user-data-schema-state.json"))
	runner := migration.NewRunner(userDataDir, filepath.Join(updatesDir, "migration-backups"), schemaStore, planner)

	if res := runner.EnsureCurrent(version.UserDataSchemaVersion); !res.OK {
		return fmt.Errorf("user data migration failed, refusing to start: %w", res.Err)
	}

	eventLog := events.NewLog(filepath.Join(userDataDir, "history", "operations.jsonl"))
	stateStore := updater.NewStateStore(filepath.Join(updatesDir, "state.json"))
	attemptStore := updater.NewApplyAttemptStore(filepath.Join(updatesDir, "apply-attempt.json"))
	policyStore := updater.NewPolicyStore(filepath.Join(updatesDir, "policy.json"))

	reconciler := updater.NewStartupReconciler(stateStore, downloadsRoot, version.AppVersion(), eventLog)
	reconciler.Reconcile()

	privileged := applier.NewPrivilegedExecutor(applier.DetectPrivilegeMode(nil, nil), nil)

	coordinator := updater.NewPostApplyCoordinator(
		attemptStore, privileged, version.AppVersion(), updater.DefaultPostApplyConfig(), eventLog)
	coordinator.ArmIfPending()

	proc := &selfController{}
	composite := applier.NewComposite(
		applier.NewAppImageApplier(nil, nil, nil, proc, eventLog),
		applier.NewDebApplier(applier.DebStrategy(debStrategy), privileged, nil, nil, eventLog),
		applier.NewRelaunchApplier(nil, proc),
	)

	requestRestart := func(st *updater.State) (*updater.RestartResult, error) {
		selected := composite.Select(st)
		if selected == nil {
			return nil, applier.ErrNoCapableApplier
		}

		decision, err := selected.RequestRestartToApply(st)
		if err != nil {
			return nil, err
		}

		rec := &updater.ApplyAttemptRecord{
			TargetVersion:        st.StagedVersion,
			PreviousVersion:      version.AppVersion(),
			Mode:                 decision.Mode,
			PackageType:          stagedPackageType(st.StagedArtifactPath),
			StagedArtifactPath:   st.StagedArtifactPath,
			RollbackArtifactPath: previousDebArtifact(downloadsRoot, version.AppVersion()),
			CreatedAt:            time.Now().UTC(),
		}
		if err := attemptStore.Set(rec); err != nil {
			log.Errorf("failed to record apply attempt: %v", err)
		}

		return &updater.RestartResult{OK: true, Mode: decision.Mode, Message: decision.Message}, nil
	}

	svc := updater.NewService(updater.ServiceConfig{
		Store:          stateStore,
		Policy:         policyStore,
		Provider:       buildProvider(downloadsRoot),
		Planner:        planner,
		Schema:         schemaStore,
		Current:        currentComponents(),
		RequestRestart: requestRestart,
		Events:         eventLog,
	})

	if updateChannel != "" {
		if _, err := policyStore.Set(updater.Policy{
			Channel:   updater.Channel(updateChannel),
			AutoCheck: policyStore.Get().AutoCheck,
		}); err != nil {
			return fmt.Errorf("apply channel override: %w", err)
		}
	}

	server := ipc.NewServer(svc, policyStore, coordinator)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go autoCheckLoop(ctx, server, policyStore)

	go func() {
		<-ctx.Done()
		coordinator.Disarm()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnf("IPC shutdown: %v", err)
		}
	}()

	return server.Serve(filepath.Join(userDataDir, "dexter.sock"))
}

func autoCheckLoop(ctx context.Context, server *ipc.Server, policyStore *updater.PolicyStore) {
	ticker := time.NewTicker(autoCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !policyStore.Get().AutoCheck {
				continue
			}
			server.CheckNow(ctx)
		}
	}
}

func buildProvider(downloadsRoot string) updater.Provider {
	if githubRepo == "" {
		log.Info("no release repository configured, updates disabled")
		return provider.NoopProvider{}
	}

	var keyPEM []byte
	if signingKey != "" {
		data, err := os.ReadFile(signingKey)
		if err != nil {
			log.Errorf("failed to read signing key %s, updates disabled: %v", signingKey, err)
			return provider.NoopProvider{}
		}
		keyPEM = data
	}

	p, err := provider.NewGitHubReleaseProvider(provider.GitHubConfig{
		Owner:         githubOwner,
		Repo:          githubRepo,
		PublicKeyPEM:  keyPEM,
		DownloadsRoot: downloadsRoot,
	})
	if err != nil {
		log.Errorf("failed to build update provider, updates disabled: %v", err)
		return provider.NoopProvider{}
	}
	return p
}

func currentComponents() updater.ComponentVersions {
	return updater.ComponentVersions{
		AppVersion:            version.AppVersion(),
		CoreVersion:           version.CoreVersion,
		UIVersion:             version.UIVersion,
		IPCContractVersion:    version.IPCContractVersion,
		UserDataSchemaVersion: version.UserDataSchemaVersion,
	}
}

func stagedPackageType(path string) updater.PackageType {
	switch {
	case strings.HasSuffix(strings.ToLower(path), ".appimage"):
		return updater.PackageAppImage
	case strings.HasSuffix(strings.ToLower(path), ".deb"):
		return updater.PackageDeb
	}
	return ""
}

// previousDebArtifact finds the still-staged package of the running version
// so a failed boot after a deb install can roll back to it.
func previousDebArtifact(downloadsRoot, currentVersion string) string {
	dir := filepath.Join(downloadsRoot, currentVersion)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(strings.ToLower(entry.Name()), ".deb") {
			return filepath.Join(dir, entry.Name())
		}
	}
	return ""
}

// selfController relaunches or exits the current process.
type selfController struct{}

func (selfController) Relaunch() {
	exe, err := os.Executable()
	if err != nil {
		log.Errorf("failed to resolve own executable for relaunch: %v", err)
		return
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		// Keep the current instance running rather than exiting into nothing.
		log.Errorf("relaunch failed, keeping current instance: %v", err)
		return
	}
	if err := cmd.Process.Release(); err != nil {
		log.Warnf("failed to release relaunched process: %v", err)
	}
	os.Exit(0)
}

func (selfController) Exit(code int) {
	os.Exit(code)
}
