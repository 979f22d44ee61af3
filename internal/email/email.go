// Package email wraps the outbound sending service: the client used to send
// reverification messages, the metrics gateway that reads quota and bounce
// statistics from it, and the gate that refuses sends when the rolling bounce
// rate endangers sender reputation.
package email

import (
	"context"
	"time"
)

// Template is an immutable descriptor of a message to send. Content
// composition happens upstream; this subsystem only hands templates to the
// sending service.
type Template struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	TextBody string `json:"text_body"`
	HTMLBody string `json:"html_body,omitempty"`
}

// Quota is the account-level 24-hour sending allowance reported by the
// sending service.
type Quota struct {
	SentLast24h float64 `json:"sent_last_24_hours"`
	Max24hSend  float64 `json:"max_24_hour_send"`
}

// SendStatistic is one point of the sending service's statistics series.
type SendStatistic struct {
	Timestamp        time.Time `json:"timestamp"`
	DeliveryAttempts int64     `json:"delivery_attempts"`
	Bounces          int64     `json:"bounces"`
	Complaints       int64     `json:"complaints"`
	Rejects          int64     `json:"rejects"`
}

// Client is the transport to the email-sending service. Implementations must
// be safe for concurrent use; the dispatcher and the stats command share one
// client per process.
type Client interface {
	// Send submits a template for delivery and returns the service's
	// message ID for it.
	Send(ctx context.Context, tmpl Template) (string, error)

	// Quota returns the account-level 24-hour sending quota.
	Quota(ctx context.Context) (Quota, error)

	// Statistics returns the service's raw sending statistics series.
	Statistics(ctx context.Context) ([]SendStatistic, error)
}
