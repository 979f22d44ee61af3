package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/openhub/reverify/internal/metrics"
	"github.com/openhub/reverify/internal/store"
	"github.com/openhub/reverify/internal/tracker"
)

// PollerConfig configures a notification consumer
type PollerConfig struct {
	BatchSize   int `toml:"batch_size" json:"batch_size"`
	WaitSeconds int `toml:"wait_seconds" json:"wait_seconds"` // bounded receive wait per cycle
	IdleSeconds int `toml:"idle_seconds" json:"idle_seconds"` // pause after an empty cycle
}

// DefaultPollerConfig returns sensible defaults
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		BatchSize:   10,
		WaitSeconds: 1,
		IdleSeconds: 1,
	}
}

// Poller consumes one notification stream and applies each message to the
// tracker store. A circuit breaker guards the queue transport so a failing
// broker backs the consumer off instead of hammering it every cycle.
type Poller struct {
	stream  string
	queue   Queue
	store   store.Store
	config  PollerConfig
	wait    time.Duration
	idle    time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewPoller creates a consumer for the given stream
func NewPoller(stream string, queue Queue, st store.Store, config PollerConfig) *Poller {
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	wait := time.Duration(config.WaitSeconds) * time.Second
	if wait <= 0 {
		wait = time.Second
	}
	idle := time.Duration(config.IdleSeconds) * time.Second
	if idle <= 0 {
		idle = time.Second
	}

	logger := slog.Default().With("component", "notification-poller", "stream", stream)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("%s-queue", stream),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Queue circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return &Poller{
		stream:  stream,
		queue:   queue,
		store:   st,
		config:  config,
		wait:    wait,
		idle:    idle,
		breaker: breaker,
		logger:  logger,
	}
}

// Stream returns the notification stream this poller consumes
func (p *Poller) Stream() string {
	return p.stream
}

// BreakerState returns the current state of the transport circuit breaker
func (p *Poller) BreakerState() string {
	return p.breaker.State().String()
}

// reclaimer is implemented by queue backends that park received messages in
// a processing area until acknowledgment. Reclaim moves messages stranded
// there by a dead consumer back onto the queue and reports how many.
type reclaimer interface {
	Reclaim(ctx context.Context) (int, error)
}

// Run polls the queue until ctx is cancelled. Messages a previous consumer
// received but never acknowledged are reclaimed before the first cycle.
// Cancellation takes effect between cycles: a batch already received is
// processed to completion before the loop checks ctx again. No error from a
// single cycle terminates the loop.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Notification poller started", "queue", p.queue.Name())
	defer p.logger.Info("Notification poller stopped")

	if r, ok := p.queue.(reclaimer); ok {
		n, err := r.Reclaim(ctx)
		if err != nil {
			p.logger.Error("Failed to reclaim in-flight messages", "error", err)
		} else if n > 0 {
			p.logger.Info("Reclaimed in-flight messages from a previous consumer", "count", n)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := p.Poll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			metrics.RecordQueueReceiveError(p.queue.Name())
			p.logger.Error("Poll cycle failed", "error", err)
		}

		if processed == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.idle):
			}
		}
	}
}

// Poll performs one bounded-wait receive and processes the batch. It returns
// how many messages were handled.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.queue.Receive(ctx, p.config.BatchSize, p.wait)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to receive from %s: %w", p.queue.Name(), err)
	}

	batch := result.([]Message)
	for _, msg := range batch {
		p.processMessage(ctx, msg)
	}
	return len(batch), nil
}

// processMessage applies one notification. A malformed envelope is logged and
// acknowledged so it stops cycling through this consumer; an unresolved
// recipient is skipped without failing the message; a store failure leaves
// the message unacknowledged for queue-level redelivery.
func (p *Poller) processMessage(ctx context.Context, msg Message) {
	n, err := DecodeEnvelope(msg.Body)
	if err != nil {
		p.logger.Warn("Dropping undecodable message", "message_id", msg.ID, "error", err)
		metrics.RecordNotification(p.stream, "decode_error")
		p.ack(ctx, msg)
		return
	}

	var applyErr error
	switch p.stream {
	case StreamDelivery:
		applyErr = p.applyDelivery(ctx, n)
	case StreamBounce:
		applyErr = p.applyBounce(ctx, n)
	case StreamComplaint:
		applyErr = p.applyComplaint(ctx, n)
	default:
		applyErr = fmt.Errorf("unknown stream %q", p.stream)
	}

	if applyErr != nil {
		if errors.Is(applyErr, ErrEnvelopeDecode) {
			p.logger.Warn("Dropping message with wrong payload shape", "message_id", msg.ID, "error", applyErr)
			metrics.RecordNotification(p.stream, "decode_error")
			p.ack(ctx, msg)
			return
		}
		// Store or transport trouble: leave the message for redelivery.
		p.logger.Error("Failed to process message, leaving for redelivery",
			"message_id", msg.ID, "error", applyErr)
		metrics.RecordNotification(p.stream, "failed")
		return
	}

	metrics.RecordNotification(p.stream, "processed")
	p.ack(ctx, msg)
}

func (p *Poller) ack(ctx context.Context, msg Message) {
	if err := p.queue.Delete(ctx, msg.Receipt); err != nil {
		p.logger.Error("Failed to acknowledge message", "message_id", msg.ID, "error", err)
	}
}

// applyDelivery moves pending trackers for each delivered recipient to
// delivered. Duplicate notices and recipients without a tracker are no-ops.
func (p *Poller) applyDelivery(ctx context.Context, n *Notification) error {
	if n.Delivery == nil {
		return fmt.Errorf("%w: delivery notification without delivery payload", ErrEnvelopeDecode)
	}

	for _, recipient := range n.Delivery.Recipients {
		if err := p.updateTracker(ctx, recipient, func(t *tracker.Tracker) {
			t.RecordDelivery()
		}); err != nil {
			return err
		}
	}
	return nil
}

// applyBounce destroys accounts behind permanently bounced addresses and
// soft-bounces the rest.
func (p *Poller) applyBounce(ctx context.Context, n *Notification) error {
	if n.Bounce == nil {
		return fmt.Errorf("%w: bounce notification without bounce payload", ErrEnvelopeDecode)
	}

	for _, recipient := range n.Bounce.BouncedRecipients {
		email := recipient.EmailAddress

		switch n.Bounce.BounceType {
		case BounceTypePermanent:
			acct, err := p.store.FindAccountByEmail(ctx, email)
			if errors.Is(err, store.ErrNotFound) {
				// Already destroyed, or never ours. Either way done.
				p.logger.Debug("Skipping unresolved recipient", "email", email)
				continue
			}
			if err != nil {
				return err
			}
			if err := p.store.DestroyAccount(ctx, acct.ID); err != nil {
				return err
			}
			metrics.RecordAccountDestroyed("permanent_bounce")
			p.logger.Info("Destroyed account for permanently bounced address", "account_id", acct.ID)

		case BounceTypeTransient, BounceTypeUndetermined:
			if err := p.updateTracker(ctx, email, func(t *tracker.Tracker) {
				t.RecordSoftBounce()
			}); err != nil {
				return err
			}

		default:
			// The feed is untrusted; an unmodeled bounce type is
			// absorbed, not an error.
			p.logger.Warn("Ignoring unknown bounce type", "bounce_type", n.Bounce.BounceType)
		}
	}
	return nil
}

// applyComplaint marks each complained recipient and records the feedback
// classifier.
func (p *Poller) applyComplaint(ctx context.Context, n *Notification) error {
	if n.Complaint == nil {
		return fmt.Errorf("%w: complaint notification without complaint payload", ErrEnvelopeDecode)
	}

	feedback := n.Complaint.ComplaintFeedbackType
	for _, recipient := range n.Complaint.ComplainedRecipients {
		if err := p.updateTracker(ctx, recipient.EmailAddress, func(t *tracker.Tracker) {
			t.RecordComplaint(feedback)
		}); err != nil {
			return err
		}
	}
	return nil
}

// updateTracker resolves the recipient and applies fn to their tracker under
// the store's atomic upsert. An unresolved recipient or a missing tracker is
// a skip, not an error.
func (p *Poller) updateTracker(ctx context.Context, email string, fn func(t *tracker.Tracker)) error {
	acct, err := p.store.FindAccountByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Debug("Skipping unresolved recipient", "email", email)
		return nil
	}
	if err != nil {
		return err
	}

	err = p.store.UpsertTracker(ctx, acct.ID, func(t *tracker.Tracker, exists bool) error {
		if !exists {
			return store.ErrNotFound
		}
		fn(t)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		// Notification for an account that was never sent to, or whose
		// tracker raced away. Nothing to transition.
		return nil
	}
	return err
}

// PollerGroup runs the three stream consumers as independent units of work.
type PollerGroup struct {
	pollers []*Poller
}

// NewPollerGroup bundles pollers for a shared lifecycle
func NewPollerGroup(pollers ...*Poller) *PollerGroup {
	return &PollerGroup{pollers: pollers}
}

// Pollers returns the group's consumers
func (g *PollerGroup) Pollers() []*Poller {
	return g.pollers
}

// Run runs every poller until ctx is cancelled and returns once all have
// stopped.
func (g *PollerGroup) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, p := range g.pollers {
		poller := p
		eg.Go(func() error {
			return poller.Run(ctx)
		})
	}

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
