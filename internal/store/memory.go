package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openhub/reverify/internal/account"
	"github.com/openhub/reverify/internal/tracker"
)

// Memory implements the Store interface with in-process maps. It exists for
// tests and single-node development runs; the mutex gives it the same atomic
// per-account upsert semantics the SQL backends provide with transactions.
type Memory struct {
	name      string
	mu        sync.RWMutex
	connected bool
	nextID    int64
	accounts  map[int64]*account.Account
	byEmail   map[string]int64
	trackers  map[int64]*tracker.Tracker
}

// NewMemory creates a new in-memory store
func NewMemory(name string) *Memory {
	if name == "" {
		name = "memory"
	}
	return &Memory{
		name:     name,
		nextID:   1,
		accounts: make(map[int64]*account.Account),
		byEmail:  make(map[string]int64),
		trackers: make(map[int64]*tracker.Tracker),
	}
}

// Connect marks the store as connected
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close marks the store as disconnected
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns true if the store is connected
func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Name returns the name of this store instance
func (m *Memory) Name() string { return m.name }

// Type returns the type of this store
func (m *Memory) Type() string { return "memory" }

// CreateAccount inserts a new account and assigns its ID
func (m *Memory) CreateAccount(ctx context.Context, acct *account.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	acct.ID = m.nextID
	m.nextID++
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}

	stored := *acct
	m.accounts[acct.ID] = &stored
	m.byEmail[strings.ToLower(acct.Email)] = acct.ID
	return nil
}

// FindAccountByEmail resolves an email address to its account
func (m *Memory) FindAccountByEmail(ctx context.Context, email string) (*account.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *m.accounts[id]
	return &copy, nil
}

// GetAccount retrieves an account by ID
func (m *Memory) GetAccount(ctx context.Context, id int64) (*account.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *acct
	return &copy, nil
}

// MarkVerified flags an account as verified
func (m *Memory) MarkVerified(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	acct, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acct.Verified = true
	return nil
}

// DestroyAccount removes an account and its tracker, if either exists
func (m *Memory) DestroyAccount(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	if acct, ok := m.accounts[id]; ok {
		delete(m.byEmail, strings.ToLower(acct.Email))
		delete(m.accounts, id)
	}
	delete(m.trackers, id)
	return nil
}

// UnverifiedAccounts lists accounts still awaiting verification
func (m *Memory) UnverifiedAccounts(ctx context.Context, limit int) ([]*account.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	result := make([]*account.Account, 0)
	for _, acct := range m.accounts {
		if !acct.Verified {
			copy := *acct
			result = append(result, &copy)
		}
	}
	// Stable order so the campaign driver walks accounts deterministically.
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// GetTracker retrieves the tracker owned by an account
func (m *Memory) GetTracker(ctx context.Context, accountID int64) (*tracker.Tracker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	t, ok := m.trackers[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *t
	return &copy, nil
}

// UpsertTracker atomically creates or mutates the tracker for an account
func (m *Memory) UpsertTracker(ctx context.Context, accountID int64, fn func(t *tracker.Tracker, exists bool) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	// Same ownership rule the SQL backends get from the foreign key.
	if _, ok := m.accounts[accountID]; !ok {
		return fmt.Errorf("no account %d to track", accountID)
	}

	current, exists := m.trackers[accountID]
	work := tracker.Tracker{AccountID: accountID}
	if exists {
		work = *current
	}

	if err := fn(&work, exists); err != nil {
		return err
	}

	work.AccountID = accountID
	m.trackers[accountID] = &work
	return nil
}

// DestroyTracker removes the tracker for an account, if one exists
func (m *Memory) DestroyTracker(ctx context.Context, accountID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	delete(m.trackers, accountID)
	return nil
}

// VerifiedAccountTrackers lists account IDs with a tracker and a verified account
func (m *Memory) VerifiedAccountTrackers(ctx context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	ids := make([]int64, 0)
	for id := range m.trackers {
		if acct, ok := m.accounts[id]; ok && acct.Verified {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ExpiredAccounts lists unverified account IDs whose tracker exhausted the
// retry policy before olderThan
func (m *Memory) ExpiredAccounts(ctx context.Context, finalPhase, maxAttempts int, olderThan time.Time) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	ids := make([]int64, 0)
	for id, t := range m.trackers {
		acct, ok := m.accounts[id]
		if !ok || acct.Verified {
			continue
		}
		if t.Phase >= finalPhase && t.Attempts >= maxAttempts && t.SentAt.Before(olderThan) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
