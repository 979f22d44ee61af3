package email

import (
	"context"
	"time"
)

// Gateway reads quota and statistics from the sending service. Every method
// performs a fresh call; nothing is cached, because the protective value of
// the bounce-rate check depends on current data.
type Gateway struct {
	client Client
	now    func() time.Time
}

// NewGateway creates a gateway over the given client
func NewGateway(client Client) *Gateway {
	return &Gateway{
		client: client,
		now:    time.Now,
	}
}

// Quota returns the account-level 24-hour sending quota
func (g *Gateway) Quota(ctx context.Context) (Quota, error) {
	return g.client.Quota(ctx)
}

// IsLimitReached reports whether the 24-hour send allowance is exhausted
func (g *Gateway) IsLimitReached(ctx context.Context) (bool, error) {
	quota, err := g.client.Quota(ctx)
	if err != nil {
		return false, err
	}
	return quota.SentLast24h == quota.Max24hSend, nil
}

// RemainingQuota returns how many sends are left in the 24-hour allowance
func (g *Gateway) RemainingQuota(ctx context.Context) (float64, error) {
	quota, err := g.client.Quota(ctx)
	if err != nil {
		return 0, err
	}
	return quota.Max24hSend - quota.SentLast24h, nil
}

// StatisticsLast24h returns the statistics points whose timestamp falls
// within the trailing 24-hour window, re-derived from the service on every
// call.
func (g *Gateway) StatisticsLast24h(ctx context.Context) ([]SendStatistic, error) {
	stats, err := g.client.Statistics(ctx)
	if err != nil {
		return nil, err
	}

	now := g.now().UTC()
	cutoff := now.Add(-24 * time.Hour)

	recent := make([]SendStatistic, 0, len(stats))
	for _, s := range stats {
		ts := s.Timestamp.UTC()
		if !ts.Before(cutoff) && !ts.After(now) {
			recent = append(recent, s)
		}
	}
	return recent, nil
}

// BounceRateLast24h returns bounces over delivery attempts, as a percentage,
// across the trailing 24-hour window. A window with no delivery attempts has
// a rate of 0.0; no attempts means no evidence of a bounce problem.
func (g *Gateway) BounceRateLast24h(ctx context.Context) (float64, error) {
	stats, err := g.StatisticsLast24h(ctx)
	if err != nil {
		return 0, err
	}

	var attempts, bounces float64
	for _, s := range stats {
		attempts += float64(s.DeliveryAttempts)
		bounces += float64(s.Bounces)
	}

	if attempts == 0 {
		return 0.0, nil
	}
	return bounces / attempts * 100, nil
}
