package account

import "time"

// Account is the recipient entity owning at most one reverification tracker.
// Accounts are managed elsewhere; this subsystem only looks them up by email,
// marks them verified, or destroys them when their address is confirmed
// invalid.
type Account struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
}
