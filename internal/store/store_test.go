package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhub/reverify/internal/account"
	"github.com/openhub/reverify/internal/tracker"
)

// The memory and sqlite backends must behave identically; every test runs
// against both.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	backends := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemory("test")
		},
		"sqlite": func(t *testing.T) Store {
			return NewSQLite(Config{Path: filepath.Join(t.TempDir(), "test.db")})
		},
	}

	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			s := build(t)
			require.NoError(t, s.Connect())
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func newAccount(t *testing.T, s Store, email string) *account.Account {
	t.Helper()
	acct := &account.Account{Email: email}
	require.NoError(t, s.CreateAccount(context.Background(), acct))
	require.NotZero(t, acct.ID)
	return acct
}

func TestFindAccountByEmail(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		acct := newAccount(t, s, "user@example.com")

		found, err := s.FindAccountByEmail(ctx, "user@example.com")
		require.NoError(t, err)
		assert.Equal(t, acct.ID, found.ID)

		_, err = s.FindAccountByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpsertTrackerCreatesAndMutates(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		acct := newAccount(t, s, "user@example.com")
		now := time.Now().UTC().Truncate(time.Second)

		err := s.UpsertTracker(ctx, acct.ID, func(tr *tracker.Tracker, exists bool) error {
			assert.False(t, exists)
			tr.RecordSend(1, "msg-001", now)
			return nil
		})
		require.NoError(t, err)

		tr, err := s.GetTracker(ctx, acct.ID)
		require.NoError(t, err)
		assert.Equal(t, tracker.StatusPending, tr.Status)
		assert.Equal(t, 1, tr.Attempts)
		assert.Equal(t, "msg-001", tr.MessageID)

		err = s.UpsertTracker(ctx, acct.ID, func(tr *tracker.Tracker, exists bool) error {
			assert.True(t, exists)
			tr.RecordSend(1, "msg-002", now.Add(time.Hour))
			return nil
		})
		require.NoError(t, err)

		tr, err = s.GetTracker(ctx, acct.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, tr.Attempts)
		assert.Equal(t, "msg-002", tr.MessageID)
	})
}

func TestUpsertTrackerAbortsOnError(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		acct := newAccount(t, s, "user@example.com")

		boom := errors.New("boom")
		err := s.UpsertTracker(ctx, acct.ID, func(tr *tracker.Tracker, exists bool) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = s.GetTracker(ctx, acct.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpsertTrackerRejectsUnknownAccount(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		err := s.UpsertTracker(ctx, 9999, func(tr *tracker.Tracker, exists bool) error {
			tr.RecordSend(1, "msg-orphan", time.Now().UTC())
			return nil
		})
		assert.Error(t, err, "a tracker must not outlive or precede its account")

		_, err = s.GetTracker(ctx, 9999)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpsertTrackerConcurrentIncrements(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		acct := newAccount(t, s, "user@example.com")
		now := time.Now().UTC().Truncate(time.Second)

		const workers = 20
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.UpsertTracker(ctx, acct.ID, func(tr *tracker.Tracker, exists bool) error {
					tr.RecordSend(1, "msg", now)
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		tr, err := s.GetTracker(ctx, acct.ID)
		require.NoError(t, err)
		assert.Equal(t, workers, tr.Attempts, "concurrent upserts must not lose increments")
	})
}

func TestDestroyAccountRemovesTracker(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		acct := newAccount(t, s, "user@example.com")

		require.NoError(t, s.UpsertTracker(ctx, acct.ID, func(tr *tracker.Tracker, exists bool) error {
			tr.RecordSend(1, "msg-001", time.Now().UTC())
			return nil
		}))

		require.NoError(t, s.DestroyAccount(ctx, acct.ID))

		_, err := s.GetAccount(ctx, acct.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetTracker(ctx, acct.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		// Destroying again is a no-op, not an error.
		assert.NoError(t, s.DestroyAccount(ctx, acct.ID))
		assert.NoError(t, s.DestroyTracker(ctx, acct.ID))
	})
}

func TestVerifiedAccountTrackers(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		verified := newAccount(t, s, "verified@example.com")
		pending := newAccount(t, s, "pending@example.com")

		for _, id := range []int64{verified.ID, pending.ID} {
			require.NoError(t, s.UpsertTracker(ctx, id, func(tr *tracker.Tracker, exists bool) error {
				tr.RecordSend(1, "msg", time.Now().UTC())
				return nil
			}))
		}
		require.NoError(t, s.MarkVerified(ctx, verified.ID))

		ids, err := s.VerifiedAccountTrackers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{verified.ID}, ids)
	})
}

func TestExpiredAccounts(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		stale := newAccount(t, s, "stale@example.com")
		fresh := newAccount(t, s, "fresh@example.com")
		early := newAccount(t, s, "early@example.com")

		old := time.Now().UTC().Add(-40 * 24 * time.Hour).Truncate(time.Second)
		recent := time.Now().UTC().Truncate(time.Second)

		// Final phase, attempts exhausted, last send long ago.
		require.NoError(t, s.UpsertTracker(ctx, stale.ID, func(tr *tracker.Tracker, exists bool) error {
			tr.Phase, tr.Attempts, tr.SentAt, tr.Status = 4, 3, old, tracker.StatusSoftBounced
			return nil
		}))
		// Exhausted but sent recently.
		require.NoError(t, s.UpsertTracker(ctx, fresh.ID, func(tr *tracker.Tracker, exists bool) error {
			tr.Phase, tr.Attempts, tr.SentAt = 4, 3, recent
			return nil
		}))
		// Still in an early phase.
		require.NoError(t, s.UpsertTracker(ctx, early.ID, func(tr *tracker.Tracker, exists bool) error {
			tr.Phase, tr.Attempts, tr.SentAt = 1, 3, old
			return nil
		}))

		cutoff := time.Now().UTC().Add(-14 * 24 * time.Hour)
		ids, err := s.ExpiredAccounts(ctx, 4, 3, cutoff)
		require.NoError(t, err)
		assert.Equal(t, []int64{stale.ID}, ids)
	})
}

func TestUnverifiedAccounts(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := newAccount(t, s, "a@example.com")
		b := newAccount(t, s, "b@example.com")
		newAccount(t, s, "c@example.com")
		require.NoError(t, s.MarkVerified(ctx, b.ID))

		accounts, err := s.UnverifiedAccounts(ctx, 1)
		require.NoError(t, err)
		require.Len(t, accounts, 1)
		assert.Equal(t, a.ID, accounts[0].ID)

		accounts, err = s.UnverifiedAccounts(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, accounts, 2)
	})
}

func TestFactory(t *testing.T) {
	s, err := Factory(Config{Type: "memory"})
	require.NoError(t, err)
	assert.Equal(t, "memory", s.Type())

	s, err = Factory(Config{Type: "sqlite", Path: filepath.Join(t.TempDir(), "f.db")})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s.Type())

	_, err = Factory(Config{Type: "etcd"})
	assert.Error(t, err)
}
