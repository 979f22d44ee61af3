package tracker

import (
	"fmt"
	"time"
)

// Status represents the delivery outcome of the most recent reverification
// send for an account.
type Status int

const (
	// StatusPending means a message was sent and no notification has
	// arrived for it yet.
	StatusPending Status = iota
	// StatusDelivered means the sending service confirmed delivery.
	StatusDelivered
	// StatusSoftBounced means the last send bounced with a transient or
	// undetermined type. The recipient may be retried.
	StatusSoftBounced
	// StatusComplained means the recipient marked the message as unwanted.
	StatusComplained
)

// String returns the string representation of a status
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusSoftBounced:
		return "soft_bounced"
	case StatusComplained:
		return "complained"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus converts a stored string back into a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "delivered":
		return StatusDelivered, nil
	case "soft_bounced":
		return StatusSoftBounced, nil
	case "complained":
		return StatusComplained, nil
	default:
		return StatusPending, fmt.Errorf("unknown tracker status: %q", s)
	}
}

// MarshalJSON encodes the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Tracker records the most recent reverification send for an account and the
// delivery outcome observed for it. Exactly one tracker exists per account,
// created lazily on the first send.
//
// Trackers are only ever mutated through the store's atomic upsert, so the
// transition methods below are pure in-memory updates with no locking of
// their own.
type Tracker struct {
	AccountID int64     `json:"account_id"`
	MessageID string    `json:"message_id"`
	Status    Status    `json:"status"`
	Phase     int       `json:"phase"`
	Attempts  int       `json:"attempts"`
	SentAt    time.Time `json:"sent_at"`
	Feedback  string    `json:"feedback,omitempty"`
}

// RecordSend applies a fresh send to the tracker. A send within the current
// phase is a retry and increments the attempt counter; a send for a new phase
// starts the counter over at 1. Either way the tracker returns to pending
// with the new message ID.
func (t *Tracker) RecordSend(phase int, messageID string, now time.Time) {
	if phase == t.Phase && t.Attempts > 0 {
		t.Attempts++
	} else {
		t.Phase = phase
		t.Attempts = 1
	}
	t.Status = StatusPending
	t.MessageID = messageID
	t.SentAt = now
}

// RecordDelivery marks the tracker delivered. Only a pending tracker moves;
// duplicate delivery notices from an at-least-once queue are absorbed as
// no-ops.
func (t *Tracker) RecordDelivery() {
	if t.Status == StatusPending {
		t.Status = StatusDelivered
	}
}

// RecordSoftBounce marks the tracker soft-bounced. The address stays eligible
// for later sends.
func (t *Tracker) RecordSoftBounce() {
	t.Status = StatusSoftBounced
}

// RecordComplaint marks the tracker complained and stores the complaint
// classifier reported by the sending service.
func (t *Tracker) RecordComplaint(feedback string) {
	t.Status = StatusComplained
	t.Feedback = feedback
}
