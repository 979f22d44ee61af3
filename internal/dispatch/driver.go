package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openhub/reverify/internal/account"
	"github.com/openhub/reverify/internal/email"
	"github.com/openhub/reverify/internal/store"
	"github.com/openhub/reverify/internal/tracker"
)

// Phase describes one stage of the reverification campaign: the message sent
// during that stage and how long to wait before resending or advancing.
type Phase struct {
	Subject         string `toml:"subject" json:"subject"`
	TextBody        string `toml:"text_body" json:"text_body"`
	HTMLBody        string `toml:"html_body" json:"html_body"`
	ResendAfterDays int    `toml:"resend_after_days" json:"resend_after_days"`
}

// DriverConfig configures the campaign driver
type DriverConfig struct {
	Enabled         bool    `toml:"enabled" json:"enabled"`
	IntervalSeconds int     `toml:"interval_seconds" json:"interval_seconds"`
	BatchSize       int     `toml:"batch_size" json:"batch_size"`
	MaxAttempts     int     `toml:"max_attempts" json:"max_attempts"`
	From            string  `toml:"from" json:"from"`
	Phases          []Phase `toml:"phases" json:"phases"`
}

// DefaultDriverConfig returns the stock three-notice campaign
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		Enabled:         false,
		IntervalSeconds: 3600,
		BatchSize:       500,
		MaxAttempts:     3,
		Phases: []Phase{
			{Subject: "Please verify your email address", ResendAfterDays: 7},
			{Subject: "Your account is marked for deactivation", ResendAfterDays: 7},
			{Subject: "Final warning before account removal", ResendAfterDays: 14},
		},
	}
}

// Driver walks unverified accounts and sends whichever phase each is due
// for. It respects the remaining daily quota and stops a run early when the
// bounce gate closes; the next scheduled run picks up where it left off.
type Driver struct {
	config     DriverConfig
	dispatcher *Dispatcher
	gateway    *email.Gateway
	store      store.Store
	logger     *slog.Logger
	now        func() time.Time
}

// NewDriver creates a campaign driver
func NewDriver(config DriverConfig, dispatcher *Dispatcher, gateway *email.Gateway, st store.Store) *Driver {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	return &Driver{
		config:     config,
		dispatcher: dispatcher,
		gateway:    gateway,
		store:      st,
		logger:     slog.Default().With("component", "campaign-driver"),
		now:        time.Now,
	}
}

// Run executes RunOnce on the configured interval until ctx is cancelled
func (d *Driver) Run(ctx context.Context) {
	interval := time.Duration(d.config.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				d.logger.Error("Campaign run failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single campaign pass
func (d *Driver) RunOnce(ctx context.Context) error {
	remaining, err := d.gateway.RemainingQuota(ctx)
	if err != nil {
		return fmt.Errorf("failed to read remaining quota: %w", err)
	}
	if remaining <= 0 {
		d.logger.Info("Daily send quota exhausted, skipping campaign run")
		return nil
	}

	accounts, err := d.store.UnverifiedAccounts(ctx, d.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list unverified accounts: %w", err)
	}

	sent := 0
	for _, acct := range accounts {
		if float64(sent) >= remaining {
			d.logger.Info("Stopping campaign run at quota", "sent", sent)
			break
		}

		phase, due, err := d.nextPhase(ctx, acct)
		if err != nil {
			return err
		}
		if !due {
			continue
		}

		tmpl := d.template(phase, acct)
		if err := d.dispatcher.Send(ctx, tmpl, acct, phase); err != nil {
			if email.IsBounceLimit(err) {
				d.logger.Warn("Bounce gate closed, stopping campaign run", "sent", sent)
				return nil
			}
			// A single failed recipient does not end the run.
			d.logger.Error("Send failed", "account_id", acct.ID, "error", err)
			continue
		}
		sent++
	}

	d.logger.Info("Campaign run complete", "candidates", len(accounts), "sent", sent)
	return nil
}

// nextPhase decides which phase the account is due for, if any. Phases are
// numbered from 1.
func (d *Driver) nextPhase(ctx context.Context, acct *account.Account) (int, bool, error) {
	t, err := d.store.GetTracker(ctx, acct.ID)
	if errors.Is(err, store.ErrNotFound) {
		return 1, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load tracker for account %d: %w", acct.ID, err)
	}

	// Complained recipients asked not to hear from us again.
	if t.Status == tracker.StatusComplained {
		return 0, false, nil
	}
	if t.Phase < 1 || t.Phase > len(d.config.Phases) {
		return 0, false, nil
	}

	waited := d.now().UTC().Sub(t.SentAt)
	resendAfter := time.Duration(d.config.Phases[t.Phase-1].ResendAfterDays) * 24 * time.Hour
	if waited < resendAfter {
		return 0, false, nil
	}

	if t.Attempts < d.config.MaxAttempts {
		return t.Phase, true, nil
	}
	if t.Phase < len(d.config.Phases) {
		return t.Phase + 1, true, nil
	}

	// Final phase exhausted; the janitor owns this account now.
	return 0, false, nil
}

func (d *Driver) template(phase int, acct *account.Account) email.Template {
	p := d.config.Phases[phase-1]
	return email.Template{
		From:     d.config.From,
		To:       acct.Email,
		Subject:  p.Subject,
		TextBody: p.TextBody,
		HTMLBody: p.HTMLBody,
	}
}
