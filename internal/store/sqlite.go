package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openhub/reverify/internal/account"
	"github.com/openhub/reverify/internal/tracker"
)

// SQLite implements the Store interface on a local SQLite database. The
// connection opens with immediate transactions and a busy timeout so the
// tracker upsert holds the write lock for the whole read-modify-write.
type SQLite struct {
	config    Config
	db        *sql.DB
	connected bool
	dbPath    string
	logger    *slog.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE COLLATE NOCASE,
	verified INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS trackers (
	account_id INTEGER PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
	message_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	phase INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	sent_at TIMESTAMP NOT NULL,
	feedback TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trackers_expiry ON trackers(phase, attempts, sent_at);
`

// NewSQLite creates a new SQLite store
func NewSQLite(config Config) *SQLite {
	dbPath := config.Path
	if dbPath == "" {
		dbPath = "reverify.db"
	}
	if config.Name == "" {
		config.Name = "sqlite"
	}

	return &SQLite{
		config: config,
		dbPath: dbPath,
		logger: slog.Default().With("component", "sqlite-store", "database", dbPath),
	}
}

// Connect opens the database file and ensures the schema exists
func (s *SQLite) Connect() error {
	if s.connected {
		return nil
	}

	dir := filepath.Dir(s.dbPath)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for SQLite database: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", s.dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize SQLite schema: %w", err)
	}

	s.db = db
	s.connected = true
	s.logger.Info("Connected to SQLite store")
	return nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	if !s.connected {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.connected = false
	return nil
}

// IsConnected returns true if the store is connected
func (s *SQLite) IsConnected() bool { return s.connected }

// Name returns the name of this store instance
func (s *SQLite) Name() string { return s.config.Name }

// Type returns the type of this store
func (s *SQLite) Type() string { return "sqlite" }

// CreateAccount inserts a new account and assigns its ID
func (s *SQLite) CreateAccount(ctx context.Context, acct *account.Account) error {
	if !s.connected {
		return ErrNotConnected
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO accounts (email, verified, created_at) VALUES (?, ?, ?)",
		acct.Email, acct.Verified, acct.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read new account ID: %w", err)
	}
	acct.ID = id
	return nil
}

// FindAccountByEmail resolves an email address to its account
func (s *SQLite) FindAccountByEmail(ctx context.Context, email string) (*account.Account, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, verified, created_at FROM accounts WHERE email = ?", email)
	return scanAccount(row)
}

// GetAccount retrieves an account by ID
func (s *SQLite) GetAccount(ctx context.Context, id int64) (*account.Account, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, verified, created_at FROM accounts WHERE id = ?", id)
	return scanAccount(row)
}

// MarkVerified flags an account as verified
func (s *SQLite) MarkVerified(ctx context.Context, id int64) error {
	if !s.connected {
		return ErrNotConnected
	}

	result, err := s.db.ExecContext(ctx, "UPDATE accounts SET verified = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to mark account verified: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DestroyAccount removes an account and, via the cascade, its tracker
func (s *SQLite) DestroyAccount(ctx context.Context, id int64) error {
	if !s.connected {
		return ErrNotConnected
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to destroy account: %w", err)
	}
	return nil
}

// UnverifiedAccounts lists accounts still awaiting verification
func (s *SQLite) UnverifiedAccounts(ctx context.Context, limit int) ([]*account.Account, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, email, verified, created_at FROM accounts WHERE verified = 0 ORDER BY id LIMIT ?", limit)
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
func (s *SQLite) GetTracker(ctx context.Context, accountID int64) (*tracker.Tracker, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT account_id, message_id, status, phase, attempts, sent_at, feedback FROM trackers WHERE account_id = ?",
		accountID)
	return scanTracker(row)
}

// UpsertTracker atomically creates or mutates the tracker for an account.
// The immediate transaction takes the write lock before the read so two
// concurrent upserts for the same account serialize instead of both reading
// the stale row.
func (s *SQLite) UpsertTracker(ctx context.Context, accountID int64, fn func(t *tracker.Tracker, exists bool) error) error {
	if !s.connected {
		return ErrNotConnected
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tracker upsert: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT account_id, message_id, status, phase, attempts, sent_at, feedback FROM trackers WHERE account_id = ?",
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
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			message_id = excluded.message_id,
			status = excluded.status,
			phase = excluded.phase,
			attempts = excluded.attempts,
			sent_at = excluded.sent_at,
			feedback = excluded.feedback`,
		work.AccountID, work.MessageID, work.Status.String(), work.Phase, work.Attempts, work.SentAt, work.Feedback)
	if err != nil {
		return fmt.Errorf("failed to upsert tracker: %w", err)
	}

	return tx.Commit()
}

// DestroyTracker removes the tracker for an account, if one exists
func (s *SQLite) DestroyTracker(ctx context.Context, accountID int64) error {
	if !s.connected {
		return ErrNotConnected
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM trackers WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("failed to destroy tracker: %w", err)
	}
	return nil
}

// VerifiedAccountTrackers lists account IDs with a tracker and a verified account
func (s *SQLite) VerifiedAccountTrackers(ctx context.Context) ([]int64, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.account_id FROM trackers t
		JOIN accounts a ON a.id = t.account_id
		WHERE a.verified = 1
		ORDER BY t.account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list verified-account trackers: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ExpiredAccounts lists unverified account IDs whose tracker exhausted the
// retry policy before olderThan
func (s *SQLite) ExpiredAccounts(ctx context.Context, finalPhase, maxAttempts int, olderThan time.Time) ([]int64, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id FROM accounts a
		JOIN trackers t ON t.account_id = a.id
		WHERE a.verified = 0
		  AND t.phase >= ?
		  AND t.attempts >= ?
		  AND t.sent_at < ?
		ORDER BY a.id`,
		finalPhase, maxAttempts, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired accounts: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// rowScanner covers both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*account.Account, error) {
	var acct account.Account
	err := row.Scan(&acct.ID, &acct.Email, &acct.Verified, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &acct, nil
}

func scanTracker(row rowScanner) (*tracker.Tracker, error) {
	var t tracker.Tracker
	var status string
	err := row.Scan(&t.AccountID, &t.MessageID, &status, &t.Phase, &t.Attempts, &t.SentAt, &t.Feedback)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tracker: %w", err)
	}

	t.Status, err = tracker.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
