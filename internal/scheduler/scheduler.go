// Package scheduler triggers the weekly wallet payout run.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paygate/internal/queue"
	"paygate/pkg/config"
	"paygate/pkg/logger"
)

// Candidates lists tenants due a payout.
type Candidates interface {
	ListPayoutCandidates(ctx context.Context, minBalance decimal.Decimal) ([]uuid.UUID, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, t *queue.Task, delay time.Duration) error
}

// Scheduler splits each payout run into fixed-size batches, one
// payout_batch task per batch.
type Scheduler struct {
	candidates Candidates
	queue      Enqueuer
	batchSize  int
	minBalance decimal.Decimal
	weekday    time.Weekday
	hour       int
	logger     logger.Logger
	now        func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewScheduler(c Candidates, q Enqueuer, cfg config.PayoutConfig, log logger.Logger) *Scheduler {
	size := cfg.BatchSize
	if size <= 0 {
		size = 50
	}
	return &Scheduler{
		candidates: c,
		queue:      q,
		batchSize:  size,
		minBalance: decimal.NewFromFloat(cfg.MinBalance),
		weekday:    cfg.Weekday,
		hour:       cfg.Hour,
		logger:     log,
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// RunOnce queues one payout run and returns how many batches it made.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.candidates.ListPayoutCandidates(ctx, s.minBalance)
	if err != nil {
		return 0, err
	}

	batches := 0
	for start := 0; start < len(ids); start += s.batchSize {
		end := start + s.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		t := queue.NewTask(queue.KindPayoutBatch, uuid.New())
		t.TenantIDs = append([]uuid.UUID(nil), ids[start:end]...)
		if err := s.queue.Enqueue(ctx, t, 0); err != nil {
			return batches, err
		}
		batches++
	}

	s.logger.Info("Payout run scheduled", map[string]interface{}{
		"tenants": len(ids),
		"batches": batches,
	})
	return batches, nil
}

// NextRun is the first weekday at hour:00 UTC strictly after now.
func NextRun(now time.Time, weekday time.Weekday, hour int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	days := (int(weekday) - int(now.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, days)
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// Start runs the payout on schedule until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		for {
			next := NextRun(s.now(), s.weekday, s.hour)
			s.logger.Info("Next payout run", map[string]interface{}{"at": next.Format(time.RFC3339)})

			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.stop:
				timer.Stop()
				return
			case <-timer.C:
			}

			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("Payout run failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}()
	s.logger.Info("Payout scheduler started", map[string]interface{}{
		"weekday": s.weekday.String(),
		"hour":    s.hour,
	})
}

// Stop ends the schedule loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
