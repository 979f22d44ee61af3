// Package notify consumes the delivery, bounce and complaint notification
// queues published by the sending service and drives tracker transitions from
// them. The queues are at-least-once and possibly out of order; everything in
// this package is written to absorb duplicates and races as no-ops.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEnvelopeDecode marks a message body that could not be decoded. Such
// messages are logged and removed from further automatic reprocessing;
// queue-level redelivery policy owns retries.
var ErrEnvelopeDecode = errors.New("malformed notification envelope")

// Bounce types reported by the sending service.
const (
	BounceTypePermanent    = "Permanent"
	BounceTypeTransient    = "Transient"
	BounceTypeUndetermined = "Undetermined"
)

// Notification stream identifiers.
const (
	StreamDelivery  = "delivery"
	StreamBounce    = "bounce"
	StreamComplaint = "complaint"
)

// envelope is the outer transport wrapper around the notification payload.
// The inner payload arrives JSON-encoded inside the Message field.
type envelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	Message   string `json:"Message"`
}

// Notification is the inner payload of a queue message. Exactly one of
// Delivery, Bounce and Complaint is populated, matching Type.
type Notification struct {
	Type      string     `json:"notificationType"`
	Delivery  *Delivery  `json:"delivery,omitempty"`
	Bounce    *Bounce    `json:"bounce,omitempty"`
	Complaint *Complaint `json:"complaint,omitempty"`
}

// Delivery lists recipients the service successfully delivered to.
type Delivery struct {
	Recipients []string `json:"recipients"`
}

// Bounce lists recipients a message bounced for, with the bounce class.
type Bounce struct {
	BounceType        string      `json:"bounceType"`
	BouncedRecipients []Recipient `json:"bouncedRecipients"`
}

// Complaint lists recipients who marked the message unwanted. The feedback
// type applies to every recipient in the message.
type Complaint struct {
	ComplainedRecipients  []Recipient `json:"complainedRecipients"`
	ComplaintFeedbackType string      `json:"complaintFeedbackType"`
}

// Recipient wraps a single email address.
type Recipient struct {
	EmailAddress string `json:"emailAddress"`
}

// DecodeEnvelope unwraps the outer transport envelope and decodes the inner
// notification payload.
func DecodeEnvelope(body []byte) (*Notification, error) {
	var outer envelope
	if err := json.Unmarshal(body, &outer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeDecode, err)
	}
	if outer.Message == "" {
		return nil, fmt.Errorf("%w: empty inner message", ErrEnvelopeDecode)
	}

	var n Notification
	if err := json.Unmarshal([]byte(outer.Message), &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeDecode, err)
	}
	return &n, nil
}
