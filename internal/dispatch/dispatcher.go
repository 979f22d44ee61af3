// Package dispatch performs tracked reverification sends: every send passes
// the bounce-rate gate, goes out through the email client, and records its
// outcome on the account's tracker.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openhub/reverify/internal/account"
	"github.com/openhub/reverify/internal/email"
	"github.com/openhub/reverify/internal/metrics"
	"github.com/openhub/reverify/internal/store"
	"github.com/openhub/reverify/internal/tracker"
)

// Dispatcher sends reverification messages and maintains the per-account
// tracker. It holds its collaborators explicitly; one dispatcher is built per
// process and shared.
type Dispatcher struct {
	gate   *email.Gate
	client email.Client
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher over the given gate, client and store
func NewDispatcher(gate *email.Gate, client email.Client, st store.Store) *Dispatcher {
	return &Dispatcher{
		gate:   gate,
		client: client,
		store:  st,
		logger: slog.Default().With("component", "dispatcher"),
		now:    time.Now,
	}
}

// Send dispatches one reverification message to the account and upserts its
// tracker. A gate refusal or transport failure propagates to the caller with
// no tracker mutation; retry policy belongs to the campaign driver.
func (d *Dispatcher) Send(ctx context.Context, tmpl email.Template, acct *account.Account, phase int) error {
	if err := d.gate.Check(ctx); err != nil {
		if email.IsBounceLimit(err) {
			metrics.RecordSend("blocked")
		} else {
			metrics.RecordSend("failed")
		}
		return err
	}

	messageID, err := d.client.Send(ctx, tmpl)
	if err != nil {
		metrics.RecordSend("failed")
		return fmt.Errorf("failed to send to %s: %w", acct.Email, err)
	}

	sentAt := d.now().UTC()
	err = d.store.UpsertTracker(ctx, acct.ID, func(t *tracker.Tracker, exists bool) error {
		t.RecordSend(phase, messageID, sentAt)
		return nil
	})
	if err != nil {
		// The message is already on the wire; the tracker just missed
		// the update. Surface the store error so the caller knows the
		// record is behind.
		metrics.RecordSend("failed")
		return fmt.Errorf("sent %s but failed to update tracker for account %d: %w", messageID, acct.ID, err)
	}

	metrics.RecordSend("sent")
	d.logger.Info("Dispatched reverification message",
		"account_id", acct.ID,
		"message_id", messageID,
		"phase", phase)
	return nil
}
