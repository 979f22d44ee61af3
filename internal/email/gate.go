package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openhub/reverify/internal/metrics"
)

// DefaultBounceRateThreshold is the bounce-rate percentage at which sends are
// refused. The value is operational policy and normally comes from
// configuration.
const DefaultBounceRateThreshold = 5.0

// BounceLimitError is returned by the gate when the rolling bounce rate is at
// or past the configured threshold. The refused send has no side effects.
type BounceLimitError struct {
	Rate      float64
	Threshold float64
}

func (e *BounceLimitError) Error() string {
	return fmt.Sprintf("bounce rate %.2f%% reached the %.2f%% send threshold", e.Rate, e.Threshold)
}

// IsBounceLimit reports whether err is a bounce-limit refusal
func IsBounceLimit(err error) bool {
	var ble *BounceLimitError
	return errors.As(err, &ble)
}

// Gate decides, per send, whether sending is currently allowed. The check is
// stateless and re-evaluated on every call against fresh statistics, so the
// gate re-opens on its own once the rolling rate recovers. There is no
// memoized tripped flag.
type Gate struct {
	gateway   *Gateway
	threshold float64
	logger    *slog.Logger
}

// NewGate creates a send gate with the given bounce-rate threshold. A zero or
// negative threshold falls back to the default.
func NewGate(gateway *Gateway, threshold float64) *Gate {
	if threshold <= 0 {
		threshold = DefaultBounceRateThreshold
	}
	return &Gate{
		gateway:   gateway,
		threshold: threshold,
		logger:    slog.Default().With("component", "send-gate"),
	}
}

// Check returns nil when sending is allowed, a *BounceLimitError when the
// bounce rate is at or past the threshold, and the transport error when the
// statistics cannot be read.
func (g *Gate) Check(ctx context.Context) error {
	rate, err := g.gateway.BounceRateLast24h(ctx)
	if err != nil {
		return fmt.Errorf("failed to read bounce rate: %w", err)
	}

	metrics.SetBounceRate(rate)

	if rate >= g.threshold {
		g.logger.Warn("Refusing send, bounce rate over threshold",
			"bounce_rate", rate,
			"threshold", g.threshold)
		return &BounceLimitError{Rate: rate, Threshold: g.threshold}
	}
	return nil
}
