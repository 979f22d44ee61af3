package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openhub/reverify/internal/account"
	"github.com/openhub/reverify/internal/tracker"
)

// Common errors
var (
	ErrNotFound     = errors.New("record not found")
	ErrNotConnected = errors.New("not connected to store")
)

// Store is the persistence boundary for accounts and their reverification
// trackers. It is the sole synchronization point between the dispatcher and
// the notification pollers: every tracker mutation funnels through
// UpsertTracker, which each backend implements as an atomic per-account
// read-modify-write so concurrent notifications never produce a lost update.
//
// Destroy operations are idempotent. A permanent-bounce destroy racing a
// complaint update for the same account must not error; destroying or
// updating a row that is already gone is a no-op.
type Store interface {
	// Connect establishes a connection to the backing storage
	Connect() error

	// Close closes the connection to the backing storage
	Close() error

	// IsConnected returns true if the store is connected
	IsConnected() bool

	// Name returns the name of this store instance
	Name() string

	// Type returns the type of the store (e.g. "sqlite", "postgres")
	Type() string

	// CreateAccount inserts a new account and assigns its ID
	CreateAccount(ctx context.Context, acct *account.Account) error

	// FindAccountByEmail resolves a notification recipient to an account.
	// Returns ErrNotFound when no account owns the address.
	FindAccountByEmail(ctx context.Context, email string) (*account.Account, error)

	// GetAccount retrieves an account by ID
	GetAccount(ctx context.Context, id int64) (*account.Account, error)

	// MarkVerified flags an account as verified
	MarkVerified(ctx context.Context, id int64) error

	// DestroyAccount removes an account and its tracker. Removing a
	// missing account is a no-op.
	DestroyAccount(ctx context.Context, id int64) error

	// UnverifiedAccounts lists accounts still awaiting verification, up
	// to limit. Used by the campaign driver.
	UnverifiedAccounts(ctx context.Context, limit int) ([]*account.Account, error)

	// GetTracker retrieves the tracker owned by an account. Returns
	// ErrNotFound when the account has never been sent to.
	GetTracker(ctx context.Context, accountID int64) (*tracker.Tracker, error)

	// UpsertTracker atomically creates or mutates the tracker for an
	// account. fn receives the current tracker (a fresh zero value when
	// exists is false) and the stored row reflects its state when fn
	// returns nil. An error from fn aborts the upsert without mutation.
	UpsertTracker(ctx context.Context, accountID int64, fn func(t *tracker.Tracker, exists bool) error) error

	// DestroyTracker removes the tracker for an account. Removing a
	// missing tracker is a no-op.
	DestroyTracker(ctx context.Context, accountID int64) error

	// VerifiedAccountTrackers lists account IDs whose tracker outlived
	// verification and should be cleaned up.
	VerifiedAccountTrackers(ctx context.Context) ([]int64, error)

	// ExpiredAccounts lists unverified account IDs whose tracker sits at
	// or past finalPhase with at least maxAttempts sends, the last of
	// which is older than olderThan.
	ExpiredAccounts(ctx context.Context, finalPhase, maxAttempts int, olderThan time.Time) ([]int64, error)
}

// Config represents the configuration for a store backend
type Config struct {
	Type string `toml:"type" json:"type"` // "memory", "sqlite" or "postgres"
	Name string `toml:"name" json:"name"`
	Path string `toml:"path" json:"path"` // sqlite database file
	DSN  string `toml:"dsn" json:"dsn"`   // postgres connection string
}

// Factory creates a store based on configuration
func Factory(config Config) (Store, error) {
	switch config.Type {
	case "memory":
		return NewMemory(config.Name), nil
	case "sqlite":
		return NewSQLite(config), nil
	case "postgres":
		return NewPostgres(config), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
