package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/openhub/reverify/internal/account"
	"github.com/openhub/reverify/internal/tracker"
)

// Postgres implements the Store interface for PostgreSQL. The tracker upsert
// takes a row lock with SELECT ... FOR UPDATE so concurrent mutations for the
// same account serialize at the database.
type Postgres struct {
	config    Config
	db        *sql.DB
	connected bool
	logger    *slog.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id BIGSERIAL PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	verified BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS trackers (
	account_id BIGINT PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
	message_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	phase INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	sent_at TIMESTAMPTZ NOT NULL,
	feedback TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trackers_expiry ON trackers(phase, attempts, sent_at);
`

// NewPostgres creates a new PostgreSQL store
func NewPostgres(config Config) *Postgres {
	if config.Name == "" {
		config.Name = "postgres"
	}
	return &Postgres{
		config: config,
		logger: slog.Default().With("component", "postgres-store"),
	}
}

// Connect establishes the database connection and ensures the schema exists
func (p *Postgres) Connect() error {
	if p.connected {
		return nil
	}

	db, err := sql.Open("postgres", p.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize PostgreSQL schema: %w", err)
	}

	p.db = db
	p.connected = true
	p.logger.Info("Connected to PostgreSQL store")
	return nil
}

// Close closes the database connection
func (p *Postgres) Close() error {
	if !p.connected {
		return nil
	}
	if err := p.db.Close(); err != nil {
		return err
	}
	p.connected = false
	return nil
}

// IsConnected returns true if the store is connected
func (p *Postgres) IsConnected() bool { return p.connected }

// Name returns the name of this store instance
func (p *Postgres) Name() string { return p.config.Name }

// Type returns the type of this store
func (p *Postgres) Type() string { return "postgres" }

// CreateAccount inserts a new account and assigns its ID
func (p *Postgres) CreateAccount(ctx context.Context, acct *account.Account) error {
	if !p.connected {
		return ErrNotConnected
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}

	err := p.db.QueryRowContext(ctx,
		"INSERT INTO accounts (email, verified, created_at) VALUES ($1, $2, $3) RETURNING id",
		acct.Email, acct.Verified, acct.CreatedAt).Scan(&acct.ID)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// FindAccountByEmail resolves an email address to its account
func (p *Postgres) FindAccountByEmail(ctx context.Context, email string) (*account.Account, error) {
	if !p.connected {
		return nil, ErrNotConnected
	}

	row := p.db.QueryRowContext(ctx,
		"SELECT id, email, verified, created_at FROM accounts WHERE lower(email) = lower($1)", email)
	return scanAccount(row)
}

// GetAccount retrieves an account by ID
func (p *Postgres) GetAccount(ctx context.Context, id int64) (*account.Account, error) {
	if !p.connected {
		return nil, ErrNotConnected
	}

	row := p.db.QueryRowContext(ctx,
		"SELECT id, email, verified, created_at FROM accounts WHERE id = $1", id)
	return scanAccount(row)
}

// MarkVerified flags an account as verified
func (p *Postgres) MarkVerified(ctx context.Context, id int64) error {
	if !p.connected {
		return ErrNotConnected
	}

	result, err := p.db.ExecContext(ctx, "UPDATE accounts SET verified = TRUE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to mark account verified: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DestroyAccount removes an account and, via the cascade, its tracker
func (p *Postgres) DestroyAccount(ctx context.Context, id int64) error {
	if !p.connected {
		return ErrNotConnected
	}

	if _, err := p.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to destroy account: %w", err)
	}
	return nil
}

// UnverifiedAccounts lists accounts still awaiting verification
func (p *Postgres) UnverifiedAccounts(ctx context.Context, limit int) ([]*account.Account, error) {
	if !p.connected {
		return nil, ErrNotConnected
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := p.db.QueryContext(ctx,
		"SELECT id, email, verified, created_at FROM accounts WHERE NOT verified ORDER BY id LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unverified accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*account.Account
	for rows.Next() {
		var acct account.Account
		if err := rows.Scan(&acct.ID, &acct.Email, &acct.Verified, &acct.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, &acct)
	}
	return accounts, rows.Err()
}

// GetTracker retrieves the tracker owned by an account
func (p *Postgres) GetTracker(ctx context.Context, accountID int64) (*tracker.Tracker, error) {
	if !p.connected {
		return nil, ErrNotConnected
	}

	row := p.db.QueryRowContext(ctx,
		"SELECT account_id, message_id, status, phase, attempts, sent_at, feedback FROM trackers WHERE account_id = $1",
		accountID)
	return scanTracker(row)
}

// UpsertTracker atomically creates or mutates the tracker for an account
func (p *Postgres) UpsertTracker(ctx context.Context, accountID int64, fn func(t *tracker.Tracker, exists bool) error) error {
	if !p.connected {
		return ErrNotConnected
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tracker upsert: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT account_id, message_id, status, phase, attempts, sent_at, feedback FROM trackers WHERE account_id = $1 FOR UPDATE",
		accountID)
	current, err := scanTracker(row)

	exists := true
	work := tracker.Tracker{AccountID: accountID}
	switch {
	case err == nil:
		work = *current
	case errors.Is(err, ErrNotFound):
		exists = false
	default:
		return err
	}

	if err := fn(&work, exists); err != nil {
		return err
	}
	work.AccountID = accountID

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trackers (account_id, message_id, status, phase, attempts, sent_at, feedback)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id) DO UPDATE SET
			message_id = EXCLUDED.message_id,
			status = EXCLUDED.status,
			phase = EXCLUDED.phase,
			attempts = EXCLUDED.attempts,
			sent_at = EXCLUDED.sent_at,
			feedback = EXCLUDED.feedback`,
		work.AccountID, work.MessageID, work.Status.String(), work.Phase, work.Attempts, work.SentAt, work.Feedback)
	if err != nil {
		return fmt.Errorf("failed to upsert tracker: %w", err)
	}

	return tx.Commit()
}

// DestroyTracker removes the tracker for an account, if one exists
func (p *Postgres) DestroyTracker(ctx context.Context, accountID int64) error {
	if !p.connected {
		return ErrNotConnected
	}

	if _, err := p.db.ExecContext(ctx, "DELETE FROM trackers WHERE account_id = $1", accountID); err != nil {
		return fmt.Errorf("failed to destroy tracker: %w", err)
	}
	return nil
}

// VerifiedAccountTrackers lists account IDs with a tracker and a verified account
func (p *Postgres) VerifiedAccountTrackers(ctx context.Context) ([]int64, error) {
	if !p.connected {
		return nil, ErrNotConnected
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT t.account_id FROM trackers t
		JOIN accounts a ON a.id = t.account_id
		WHERE a.verified
		ORDER BY t.account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list verified-account trackers: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ExpiredAccounts lists unverified account IDs whose tracker exhausted the
// retry policy before olderThan
func (p *Postgres) ExpiredAccounts(ctx context.Context, finalPhase, maxAttempts int, olderThan time.Time) ([]int64, error) {
	if !p.connected {
		return nil, ErrNotConnected
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT a.id FROM accounts a
		JOIN trackers t ON t.account_id = a.id
		WHERE NOT a.verified
		  AND t.phase >= $1
		  AND t.attempts >= $2
		  AND t.sent_at < $3
		ORDER BY a.id`,
		finalPhase, maxAttempts, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired accounts: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}
