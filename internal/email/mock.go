package email

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockClient implements the Client interface in memory. It exists for tests
// and for development runs without a real sending service: sends are recorded
// instead of delivered, and quota/statistics return whatever the test
// scripted.
type MockClient struct {
	mu sync.Mutex

	// ScriptedQuota is returned by Quota.
	ScriptedQuota Quota

	// ScriptedStats is returned by Statistics.
	ScriptedStats []SendStatistic

	// SendErr, QuotaErr and StatsErr, when set, are returned by the
	// corresponding call.
	SendErr  error
	QuotaErr error
	StatsErr error

	sent []Template
}

// NewMockClient creates a mock client with an effectively unlimited quota
func NewMockClient() *MockClient {
	return &MockClient{
		ScriptedQuota: Quota{SentLast24h: 0, Max24hSend: 50000},
	}
}

// Send records the template and returns a generated message ID
func (m *MockClient) Send(ctx context.Context, tmpl Template) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.sent = append(m.sent, tmpl)
	return fmt.Sprintf("mock-%s", uuid.New().String()), nil
}

// Quota returns the scripted quota
func (m *MockClient) Quota(ctx context.Context) (Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QuotaErr != nil {
		return Quota{}, m.QuotaErr
	}
	return m.ScriptedQuota, nil
}

// Statistics returns the scripted statistics series
func (m *MockClient) Statistics(ctx context.Context) ([]SendStatistic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StatsErr != nil {
		return nil, m.StatsErr
	}
	stats := make([]SendStatistic, len(m.ScriptedStats))
	copy(stats, m.ScriptedStats)
	return stats, nil
}

// Sent returns a copy of every template handed to Send
func (m *MockClient) Sent() []Template {
	m.mu.Lock()
	defer m.mu.Unlock()

	sent := make([]Template, len(m.sent))
	copy(sent, m.sent)
	return sent
}
