package scheduler

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/opd-ai/ferry/transfer"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// mockLauncher records launcher calls.
type mockLauncher struct {
	mock.Mock
}

func (m *mockLauncher) SendFile(ctx context.Context, peerID, path string) (string, error) {
	args := m.Called(peerID, path)
	return args.String(0), args.Error(1)
}

func (m *mockLauncher) CancelTransfer(ctx context.Context, transferID, reason string) error {
	args := m.Called(transferID, reason)
	return args.Error(0)
}

func (m *mockLauncher) Get(transferID string) (transfer.Info, bool) {
	args := m.Called(transferID)
	return args.Get(0).(transfer.Info), args.Bool(1)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, *mockLauncher, *mockTimeProvider) {
	t.Helper()
	launcher := &mockLauncher{}
	tp := newMockTimeProvider()
	s := New(NewQueue(newTestDB(t), quietLogger()), launcher, opts, quietLogger())
	s.SetTimeProvider(tp)
	return s, launcher, tp
}
