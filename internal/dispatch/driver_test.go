package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhub/reverify/internal/account"
	"github.com/openhub/reverify/internal/email"
	"github.com/openhub/reverify/internal/store"
	"github.com/openhub/reverify/internal/tracker"
)

func driverConfig() DriverConfig {
	return DriverConfig{
		Enabled:     true,
		BatchSize:   100,
		MaxAttempts: 3,
		From:        "noreply@example.com",
		Phases: []Phase{
			{Subject: "first notice", ResendAfterDays: 1},
			{Subject: "second notice", ResendAfterDays: 1},
			{Subject: "final notice", ResendAfterDays: 2},
		},
	}
}

func setupDriver(t *testing.T) (*Driver, *email.MockClient, store.Store) {
	t.Helper()

	mock := email.NewMockClient()
	st := store.NewMemory("test")
	require.NoError(t, st.Connect())
	t.Cleanup(func() { st.Close() })

	gateway := email.NewGateway(mock)
	gate := email.NewGate(gateway, 5.0)
	d := NewDriver(driverConfig(), NewDispatcher(gate, mock, st), gateway, st)
	return d, mock, st
}

func addAccount(t *testing.T, st store.Store, email string) *account.Account {
	t.Helper()
	acct := &account.Account{Email: email}
	require.NoError(t, st.CreateAccount(context.Background(), acct))
	return acct
}

func TestDriverSendsFirstNoticeToFreshAccounts(t *testing.T) {
	d, mock, st := setupDriver(t)
	ctx := context.Background()

	fresh := addAccount(t, st, "fresh@example.com")
	verified := addAccount(t, st, "verified@example.com")
	require.NoError(t, st.MarkVerified(ctx, verified.ID))

	require.NoError(t, d.RunOnce(ctx))

	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "fresh@example.com", sent[0].To)
	assert.Equal(t, "first notice", sent[0].Subject)

	tr, err := st.GetTracker(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Phase)
}

func TestDriverWaitsForResendWindow(t *testing.T) {
	d, mock, st := setupDriver(t)
	ctx := context.Background()

	acct := addAccount(t, st, "user@example.com")
	require.NoError(t, st.UpsertTracker(ctx, acct.ID, func(tr *tracker.Tracker, exists bool) error {
		tr.RecordSend(1, "msg-001", time.Now().UTC().Add(-time.Hour))
		return nil
	}))

	require.NoError(t, d.RunOnce(ctx))
	assert.Empty(t, mock.Sent(), "resend window has not elapsed")
}

func TestDriverRetriesThenAdvancesPhase(t *testing.T) {
	d, mock, st := setupDriver(t)
	ctx := context.Background()
	acct := addAccount(t, st, "user@example.com")
	old := time.Now().UTC().Add(-48 * time.Hour)

	// Two attempts into phase 1: next run retries phase 1.
	require.NoError(t, st.UpsertTracker(ctx, acct.ID, func(tr *tracker.Tracker, exists bool) error {
		tr.Phase, tr.Attempts, tr.SentAt, tr.Status = 1, 2, old, tracker.StatusSoftBounced
		return nil
	}))
	require.NoError(t, d.RunOnce(ctx))
	require.Len(t, mock.Sent(), 1)
	assert.Equal(t, "first notice", mock.Sent()[0].Subject)

	tr, err := st.GetTracker(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, tr.Attempts)

	// Phase 1 exhausted: next due run advances to phase 2 with attempts 1.
	require.NoError(t, st.UpsertTracker(ctx, acct.ID, func(tr *tracker.Tracker, exists bool) error {
		tr.SentAt = old
		return nil
	}))
	require.NoError(t, d.RunOnce(ctx))
	require.Len(t, mock.Sent(), 2)
	assert.Equal(t, "second notice", mock.Sent()[1].Subject)

	tr, err = st.GetTracker(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Phase)
	assert.Equal(t, 1, tr.Attempts)
}

func TestDriverSkipsComplainedAccounts(t *testing.T) {
	d, mock, st := setupDriver(t)
	ctx := context.Background()
	acct := addAccount(t, st, "user@example.com")

	require.NoError(t, st.UpsertTracker(ctx, acct.ID, func(tr *tracker.Tracker, exists bool) error {
		tr.RecordSend(1, "msg-001", time.Now().UTC().Add(-72*time.Hour))
		tr.RecordComplaint("abuse")
		return nil
	}))

	require.NoError(t, d.RunOnce(ctx))
	assert.Empty(t, mock.Sent())
}

func TestDriverLeavesExhaustedFinalPhaseToJanitor(t *testing.T) {
	d, mock, st := setupDriver(t)
	ctx := context.Background()
	acct := addAccount(t, st, "user@example.com")

	require.NoError(t, st.UpsertTracker(ctx, acct.ID, func(tr *tracker.Tracker, exists bool) error {
		tr.Phase, tr.Attempts, tr.SentAt = 3, 3, time.Now().UTC().Add(-30*24*time.Hour)
		return nil
	}))

	require.NoError(t, d.RunOnce(ctx))
	assert.Empty(t, mock.Sent())
}

func TestDriverStopsWhenGateCloses(t *testing.T) {
	d, mock, st := setupDriver(t)
	ctx := context.Background()
	addAccount(t, st, "a@example.com")
	addAccount(t, st, "b@example.com")

	mock.ScriptedStats = []email.SendStatistic{
		{Timestamp: time.Now().UTC().Add(-time.Hour), DeliveryAttempts: 100, Bounces: 8},
	}

	require.NoError(t, d.RunOnce(ctx), "a closed gate ends the run without error")
	assert.Empty(t, mock.Sent())
}

func TestDriverSkipsRunWhenQuotaExhausted(t *testing.T) {
	d, mock, st := setupDriver(t)
	ctx := context.Background()
	addAccount(t, st, "a@example.com")

	mock.ScriptedQuota = email.Quota{SentLast24h: 50000, Max24hSend: 50000}

	require.NoError(t, d.RunOnce(ctx))
	assert.Empty(t, mock.Sent())
}
