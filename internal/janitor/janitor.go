// Package janitor performs the periodic maintenance behind the
// reverification pipeline: it removes trackers that outlived their purpose
// and purges accounts that exhausted the retry policy without verifying.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openhub/reverify/internal/metrics"
	"github.com/openhub/reverify/internal/store"
)

// Policy is the retry/expiry policy an unverified account must exceed before
// it is purged: its tracker sits at or past FinalPhase with at least
// MaxAttempts sends, the last of which is more than ExpiryGraceDays old.
type Policy struct {
	FinalPhase      int `toml:"final_phase" json:"final_phase"`
	MaxAttempts     int `toml:"max_attempts" json:"max_attempts"`
	ExpiryGraceDays int `toml:"expiry_grace_days" json:"expiry_grace_days"`
}

// DefaultPolicy matches the stock three-notice campaign
func DefaultPolicy() Policy {
	return Policy{
		FinalPhase:      3,
		MaxAttempts:     3,
		ExpiryGraceDays: 14,
	}
}

// Janitor runs the two cleanup operations on a schedule.
type Janitor struct {
	store    store.Store
	policy   Policy
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a janitor over the given store
func New(st store.Store, policy Policy, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		store:    st,
		policy:   policy,
		interval: interval,
		logger:   slog.Default().With("component", "janitor"),
		now:      time.Now,
	}
}

// Run executes Cleanup on the configured interval until ctx is cancelled
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Cleanup(ctx); err != nil {
				j.logger.Error("Cleanup failed", "error", err)
			}
		}
	}
}

// Cleanup performs both maintenance operations once. Each is idempotent: a
// second run over the same data removes nothing further.
func (j *Janitor) Cleanup(ctx context.Context) error {
	if err := j.removeVerifiedTrackers(ctx); err != nil {
		return err
	}
	return j.purgeExpiredAccounts(ctx)
}

// removeVerifiedTrackers deletes trackers whose account already verified;
// they serve no further purpose.
func (j *Janitor) removeVerifiedTrackers(ctx context.Context) error {
	ids, err := j.store.VerifiedAccountTrackers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list trackers of verified accounts: %w", err)
	}

	removed := 0
	for _, id := range ids {
		if err := j.store.DestroyTracker(ctx, id); err != nil {
			return fmt.Errorf("failed to remove tracker for account %d: %w", id, err)
		}
		removed++
	}

	if removed > 0 {
		metrics.RecordTrackersCleaned(removed)
		j.logger.Info("Removed trackers of verified accounts", "count", removed)
	}
	return nil
}

// purgeExpiredAccounts deletes accounts that ran out the retry policy without
// verifying. This is the batch counterpart of the permanent-bounce
// destruction path, for addresses that simply never responded.
func (j *Janitor) purgeExpiredAccounts(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.policy.ExpiryGraceDays) * 24 * time.Hour)
	ids, err := j.store.ExpiredAccounts(ctx, j.policy.FinalPhase, j.policy.MaxAttempts, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list expired accounts: %w", err)
	}

	purged := 0
	for _, id := range ids {
		if err := j.store.DestroyAccount(ctx, id); err != nil {
			return fmt.Errorf("failed to purge account %d: %w", id, err)
		}
		metrics.RecordAccountDestroyed("expired")
		purged++
	}

	if purged > 0 {
		j.logger.Info("Purged expired unverified accounts", "count", purged)
	}
	return nil
}
