package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhub/reverify/internal/account"
	"github.com/openhub/reverify/internal/email"
	"github.com/openhub/reverify/internal/store"
	"github.com/openhub/reverify/internal/tracker"
)

func setupDispatcher(t *testing.T) (*Dispatcher, *email.MockClient, store.Store, *account.Account) {
	t.Helper()

	mock := email.NewMockClient()
	st := store.NewMemory("test")
	require.NoError(t, st.Connect())
	t.Cleanup(func() { st.Close() })

	acct := &account.Account{Email: "user@example.com"}
	require.NoError(t, st.CreateAccount(context.Background(), acct))

	gate := email.NewGate(email.NewGateway(mock), 5.0)
	return NewDispatcher(gate, mock, st), mock, st, acct
}

func TestSendCreatesTracker(t *testing.T) {
	d, mock, st, acct := setupDispatcher(t)
	ctx := context.Background()

	err := d.Send(ctx, email.Template{To: acct.Email, Subject: "verify"}, acct, 1)
	require.NoError(t, err)
	require.Len(t, mock.Sent(), 1)

	tr, err := st.GetTracker(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusPending, tr.Status)
	assert.Equal(t, 1, tr.Phase)
	assert.Equal(t, 1, tr.Attempts)
	assert.NotEmpty(t, tr.MessageID)
	assert.WithinDuration(t, time.Now().UTC(), tr.SentAt, time.Minute)
}

func TestSendSamePhaseIncrementsAttempts(t *testing.T) {
	d, _, st, acct := setupDispatcher(t)
	ctx := context.Background()
	tmpl := email.Template{To: acct.Email}

	require.NoError(t, d.Send(ctx, tmpl, acct, 1))
	require.NoError(t, d.Send(ctx, tmpl, acct, 1))

	tr, err := st.GetTracker(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Attempts)
	assert.Equal(t, 1, tr.Phase)
}

func TestSendNewPhaseResetsAttempts(t *testing.T) {
	d, _, st, acct := setupDispatcher(t)
	ctx := context.Background()
	tmpl := email.Template{To: acct.Email}

	require.NoError(t, d.Send(ctx, tmpl, acct, 1))
	require.NoError(t, d.Send(ctx, tmpl, acct, 2))

	tr, err := st.GetTracker(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Attempts)
	assert.Equal(t, 2, tr.Phase)
}

func TestSendBlockedLeavesNoTracker(t *testing.T) {
	d, mock, st, acct := setupDispatcher(t)
	ctx := context.Background()

	mock.ScriptedStats = []email.SendStatistic{
		{Timestamp: time.Now().UTC().Add(-time.Hour), DeliveryAttempts: 100, Bounces: 6},
	}

	err := d.Send(ctx, email.Template{To: acct.Email}, acct, 1)
	require.Error(t, err)
	assert.True(t, email.IsBounceLimit(err))
	assert.Empty(t, mock.Sent(), "blocked send must not reach the service")

	_, err = st.GetTracker(ctx, acct.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSendTransportFailureLeavesTrackerUntouched(t *testing.T) {
	d, mock, st, acct := setupDispatcher(t)
	ctx := context.Background()
	tmpl := email.Template{To: acct.Email}

	require.NoError(t, d.Send(ctx, tmpl, acct, 1))

	mock.SendErr = errors.New("connection reset")
	err := d.Send(ctx, tmpl, acct, 1)
	require.Error(t, err)
	assert.False(t, email.IsBounceLimit(err))

	tr, err := st.GetTracker(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Attempts, "failed send must not mutate the tracker")
}
