package updater

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/N1ghthill/dexter-sub001/internal/events"
	"github.com/N1ghthill/dexter-sub001/version"
)

// PrivilegedRunner is the escalation capability the coordinator needs for
// rollback. Satisfied by applier.PrivilegedExecutor.
type PrivilegedRunner interface {
	Available() bool
	SpawnDetached(argv ...string) error
}

// PostApplyConfig tunes the boot-health handshake. The defaults are
// deliberately conservative; product has not pinned the durations down.
type PostApplyConfig struct {
	// GracePeriod is how long after boot the UI has to report healthy.
	GracePeriod time.Duration
	// StabilityWindow optionally extends supervision past the handshake:
	// the boot only counts as accepted after this much further uptime
	// without a reported failure. Zero disables the window.
	StabilityWindow time.Duration
	// AutoRollbackDeb enables privileged reinstall of the previous deb
	// package when a boot fails.
	AutoRollbackDeb bool
}

// DefaultPostApplyConfig returns the conservative defaults.
func DefaultPostApplyConfig() PostApplyConfig {
	return PostApplyConfig{
		GracePeriod:     45 * time.Second,
		StabilityWindow: 0,
		AutoRollbackDeb: true,
	}
}

// PostApplyCoordinator supervises the first boot after an apply. A pending
// attempt record arms a boot-health timer; the UI must send an explicit
// handshake within the grace period. Handshake timeout, renderer crash, or
// failed load counts as boot failure and, for deb attempts with rollback
// enabled, triggers a privileged reinstall of the previous package. The
// record is cleared once resolved so a single bad update cannot loop.
type PostApplyCoordinator struct {
	mu             sync.Mutex
	attempts       *ApplyAttemptStore
	privileged     PrivilegedRunner
	currentVersion string
	cfg            PostApplyConfig
	events         *events.Log

	pending        *ApplyAttemptRecord
	graceTimer     *time.Timer
	stabilityTimer *time.Timer
	resolved       bool
}

func NewPostApplyCoordinator(attempts *ApplyAttemptStore, privileged PrivilegedRunner, currentVersion string, cfg PostApplyConfig, eventLog *events.Log) *PostApplyCoordinator {
	return &PostApplyCoordinator{
		attempts:       attempts,
		privileged:     privileged,
		currentVersion: currentVersion,
		cfg:            cfg,
		events:         eventLog,
	}
}

// ArmIfPending runs once at boot. Without a pending attempt it does
// nothing. When the running version matches the attempt's target, the
// boot-health timer arms. A version mismatch means the apply never took
// effect; the attempt resolves immediately as ineffective so it cannot
// dangle across another restart.
func (c *PostApplyCoordinator) ArmIfPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.attempts.Get()
	if rec == nil {
		return
	}

	if !sameVersion(rec.TargetVersion, c.currentVersion) {
		log.Warnf("apply attempt for %s did not take effect (running %s), clearing attempt record",
			rec.TargetVersion, c.currentVersion)
		c.events.Append("update.postapply.ineffective", map[string]interface{}{
			"targetVersion":  rec.TargetVersion,
			"runningVersion": c.currentVersion,
		})
		c.clearLocked()
		return
	}

	c.pending = rec
	c.graceTimer = time.AfterFunc(c.cfg.GracePeriod, func() {
		c.resolveFailure("boot-health handshake timed out")
	})
	log.Infof("boot-health supervision armed for update %s (grace period %s)",
		rec.TargetVersion, c.cfg.GracePeriod)
}

// NotifyBootHealthy is the explicit handshake from the UI. Within the
// stability window, a later NotifyBootFailure can still fail the boot.
func (c *PostApplyCoordinator) NotifyBootHealthy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil || c.resolved {
		return
	}

	c.stopTimersLocked()

	if c.cfg.StabilityWindow > 0 {
		log.Infof("boot healthy; holding for %s stability window", c.cfg.StabilityWindow)
		c.stabilityTimer = time.AfterFunc(c.cfg.StabilityWindow, func() {
			c.resolveSuccess()
		})
		return
	}

	c.resolveSuccessLocked()
}

// NotifyBootFailure reports a renderer crash or failed load. Before the
// handshake, or during the stability window, it fails the boot.
func (c *PostApplyCoordinator) NotifyBootFailure(reason string) {
	c.resolveFailure(reason)
}

// Disarm cancels supervision on clean app exit. A user who starts the
// updated app and quits it normally had a working boot; the attempt
// resolves as successful.
func (c *PostApplyCoordinator) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil || c.resolved {
		return
	}
	log.Info("clean exit during boot-health supervision, accepting the update")
	c.resolveSuccessLocked()
}

func (c *PostApplyCoordinator) resolveSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolveSuccessLocked()
}

func (c *PostApplyCoordinator) resolveSuccessLocked() {
	if c.pending == nil || c.resolved {
		return
	}
	log.Infof("update %s accepted as healthy", c.pending.TargetVersion)
	c.events.Append("update.postapply.healthy", map[string]interface{}{
		"targetVersion": c.pending.TargetVersion,
	})
	c.clearLocked()
}

func (c *PostApplyCoordinator) resolveFailure(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil || c.resolved {
		return
	}

	rec := c.pending
	log.Errorf("boot after update %s failed: %s", rec.TargetVersion, reason)
	c.events.Append("update.postapply.boot_failed", map[string]interface{}{
		"targetVersion": rec.TargetVersion,
		"reason":        reason,
	})

	if c.shouldRollback(rec) {
		log.Warnf("rolling back to %s via privileged reinstall of %s",
			rec.PreviousVersion, rec.RollbackArtifactPath)
		if err := c.privileged.SpawnDetached("apt", "install", "-y", "--allow-downgrades", rec.RollbackArtifactPath); err != nil {
			log.Errorf("automatic rollback failed to start: %v", err)
			c.events.Append("update.postapply.rollback_failed", map[string]interface{}{
				"targetVersion": rec.TargetVersion,
				"error":         err.Error(),
			})
		} else {
			c.events.Append("update.postapply.rollback_started", map[string]interface{}{
				"targetVersion":   rec.TargetVersion,
				"previousVersion": rec.PreviousVersion,
			})
		}
	}

	// Resolved either way: one grace period, one decision, no retry loop.
	c.clearLocked()
}

func (c *PostApplyCoordinator) shouldRollback(rec *ApplyAttemptRecord) bool {
	if !c.cfg.AutoRollbackDeb {
		return false
	}
	if rec.PackageType != PackageDeb || rec.RollbackArtifactPath == "" {
		return false
	}
	return c.privileged != nil && c.privileged.Available()
}

func (c *PostApplyCoordinator) clearLocked() {
	c.stopTimersLocked()
	c.resolved = true
	c.pending = nil
	if err := c.attempts.Clear(); err != nil {
		log.Errorf("failed to clear apply attempt record: %v", err)
	}
}

func (c *PostApplyCoordinator) stopTimersLocked() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	if c.stabilityTimer != nil {
		c.stabilityTimer.Stop()
		c.stabilityTimer = nil
	}
}

func sameVersion(a, b string) bool {
	va, errA := version.Parse(a)
	vb, errB := version.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return va.Equal(vb)
}
