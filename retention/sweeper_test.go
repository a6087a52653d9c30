package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// --- Mocks ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) TryRetentionLock(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}
func (m *mockStore) ReleaseRetentionLock(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *mockStore) PurgeTerminalTrackedEmailsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	args := m.Called(ctx, cutoff, batchSize)
	return args.Get(0).(int64), args.Error(1)
}
func (m *mockStore) PurgeEngineEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	args := m.Called(ctx, cutoff, batchSize)
	return args.Get(0).(int64), args.Error(1)
}

type mockJournal struct {
	mock.Mock
}

func (m *mockJournal) PurgeOlderThan(age time.Duration) (int64, error) {
	args := m.Called(age)
	return args.Get(0).(int64), args.Error(1)
}

// --- Tests ---

func TestSweeperRunOnce(t *testing.T) {
	store := new(mockStore)
	journal := new(mockJournal)
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	retainFor := 90 * 24 * time.Hour
	cutoff := now.Add(-retainFor)

	sweeper := New(store, journal, retainFor, 24*time.Hour, 500)
	sweeper.clock = func() time.Time { return now }

	store.On("TryRetentionLock", ctx).Return(true, nil).Once()
	store.On("ReleaseRetentionLock", ctx).Return(nil).Once()
	store.On("PurgeTerminalTrackedEmailsBefore", ctx, cutoff, 500).Return(int64(12), nil).Once()
	store.On("PurgeEngineEventsBefore", ctx, cutoff, 500).Return(int64(40), nil).Once()
	journal.On("PurgeOlderThan", retainFor).Return(int64(7), nil).Once()

	err := sweeper.runOnce(ctx)

	assert.NoError(t, err)
	store.AssertExpectations(t)
	journal.AssertExpectations(t)
}

func TestSweeperSkipsWhenLockHeldElsewhere(t *testing.T) {
	store := new(mockStore)
	journal := new(mockJournal)
	ctx := context.Background()

	sweeper := New(store, journal, 90*24*time.Hour, 24*time.Hour, 500)

	store.On("TryRetentionLock", ctx).Return(false, nil).Once()

	err := sweeper.runOnce(ctx)

	assert.NoError(t, err)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "ReleaseRetentionLock", mock.Anything)
	store.AssertNotCalled(t, "PurgeTerminalTrackedEmailsBefore", mock.Anything, mock.Anything, mock.Anything)
	journal.AssertNotCalled(t, "PurgeOlderThan", mock.Anything)
}

func TestSweeperReportsLockError(t *testing.T) {
	store := new(mockStore)
	ctx := context.Background()

	sweeper := New(store, nil, 90*24*time.Hour, 24*time.Hour, 500)

	store.On("TryRetentionLock", ctx).Return(false, errors.New("pool exhausted")).Once()

	err := sweeper.runOnce(ctx)

	assert.Error(t, err)
	store.AssertExpectations(t)
}

func TestSweeperContinuesPastPhaseFailure(t *testing.T) {
	store := new(mockStore)
	journal := new(mockJournal)
	ctx := context.Background()

	sweeper := New(store, journal, 90*24*time.Hour, 24*time.Hour, 500)

	store.On("TryRetentionLock", ctx).Return(true, nil).Once()
	store.On("ReleaseRetentionLock", ctx).Return(nil).Once()
	store.On("PurgeTerminalTrackedEmailsBefore", ctx, mock.Anything, 500).
		Return(int64(0), errors.New("deadlock detected")).Once()
	store.On("PurgeEngineEventsBefore", ctx, mock.Anything, 500).Return(int64(3), nil).Once()
	journal.On("PurgeOlderThan", mock.Anything).Return(int64(1), nil).Once()

	err := sweeper.runOnce(ctx)

	assert.NoError(t, err, "a phase failure does not abort the sweep")
	store.AssertExpectations(t)
	journal.AssertExpectations(t)
}

func TestSweeperWithoutJournal(t *testing.T) {
	store := new(mockStore)
	ctx := context.Background()

	sweeper := New(store, nil, 90*24*time.Hour, 24*time.Hour, 0)
	assert.Equal(t, 500, sweeper.batchSize, "zero batch size falls back to the default")

	store.On("TryRetentionLock", ctx).Return(true, nil).Once()
	store.On("ReleaseRetentionLock", ctx).Return(nil).Once()
	store.On("PurgeTerminalTrackedEmailsBefore", ctx, mock.Anything, 500).Return(int64(0), nil).Once()
	store.On("PurgeEngineEventsBefore", ctx, mock.Anything, 500).Return(int64(0), nil).Once()

	assert.NoError(t, sweeper.runOnce(ctx))
	store.AssertExpectations(t)
}

func TestSweeperStartStop(t *testing.T) {
	store := new(mockStore)

	sweeper := New(store, nil, 90*24*time.Hour, time.Hour, 500)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper.Start(ctx)
	sweeper.Stop()

	// The hour-long ticker never fired, so no store call was made.
	store.AssertNotCalled(t, "TryRetentionLock", mock.Anything)
}
