package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"paygate/internal/queue"
	"paygate/pkg/config"
	"paygate/pkg/logger"
)

type MockCandidates struct {
	mock.Mock
}

func (m *MockCandidates) ListPayoutCandidates(ctx context.Context, minBalance decimal.Decimal) ([]uuid.UUID, error) {
	args := m.Called(ctx, minBalance)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func tenantIDs(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids
}

func TestRunOnce_Batches(t *testing.T) {
	ids := tenantIDs(120)
	candidates := new(MockCandidates)
	candidates.On("ListPayoutCandidates", mock.Anything, mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(decimal.NewFromInt(100))
	})).Return(ids, nil)

	q := queue.NewMemoryQueue()
	s := NewScheduler(candidates, q, config.PayoutConfig{BatchSize: 50, MinBalance: 100}, logger.NewNop())

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tasks := q.Pending()
	require.Len(t, tasks, 3)
	var seen []uuid.UUID
	sizes := map[int]int{}
	for _, task := range tasks {
		assert.Equal(t, queue.KindPayoutBatch, task.Kind)
		sizes[len(task.TenantIDs)]++
		seen = append(seen, task.TenantIDs...)
	}
	assert.Equal(t, map[int]int{50: 2, 20: 1}, sizes)
	assert.ElementsMatch(t, ids, seen)
	candidates.AssertExpectations(t)
}

func TestRunOnce_NoCandidates(t *testing.T) {
	candidates := new(MockCandidates)
	candidates.On("ListPayoutCandidates", mock.Anything, mock.Anything).Return([]uuid.UUID{}, nil)
	q := queue.NewMemoryQueue()
	s := NewScheduler(candidates, q, config.PayoutConfig{BatchSize: 50}, logger.NewNop())

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, q.Pending())
}

func TestNextRun(t *testing.T) {
	// 2024-03-06 is a Wednesday.
	wed := time.Date(2024, 3, 6, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		now     time.Time
		weekday time.Weekday
		hour    int
		want    time.Time
	}{
		{"later this week", wed, time.Friday, 0, time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)},
		{"next week", wed, time.Monday, 0, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)},
		{"later today", wed, time.Wednesday, 18, time.Date(2024, 3, 6, 18, 0, 0, 0, time.UTC)},
		{"earlier today", wed, time.Wednesday, 9, time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)},
		{"exactly now", time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC), time.Wednesday, 9, time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextRun(tt.now, tt.weekday, tt.hour))
		})
	}
}

func TestStartStop(t *testing.T) {
	candidates := new(MockCandidates)
	s := NewScheduler(candidates, queue.NewMemoryQueue(), config.PayoutConfig{Weekday: time.Monday}, logger.NewNop())
	s.Start(context.Background())
	s.Stop()
	candidates.AssertNotCalled(t, "ListPayoutCandidates", mock.Anything, mock.Anything)
}
