// Package worker runs background tasks off the queue: request initiation,
// webhook delivery, deferred ledger postings and payout batches. Failed
// tasks are re-queued with exponential backoff until their attempt budget
// runs out.
package worker

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"paygate/internal/metrics"
	"paygate/internal/queue"
	"paygate/pkg/config"
	"paygate/pkg/errors"
	"paygate/pkg/logger"
)

// Handler does the work of one task.
type Handler func(ctx context.Context, t *queue.Task) error

// Route is how a task kind is handled. OnExhausted, when set, runs once
// the task has failed for good: permanently, or on its last attempt.
type Route struct {
	Handle      Handler
	OnExhausted func(ctx context.Context, t *queue.Task, err error)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return stderrors.As(err, &p)
}

// Backoff doubles from Base on each attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay is the wait before retrying after attempt failed. attempt is
// zero-based.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

type Pool struct {
	queue       queue.Queue
	routes      map[queue.Kind]Route
	concurrency int
	maxAttempts int
	backoff     Backoff
	logger      logger.Logger
}

func NewPool(q queue.Queue, cfg config.WorkerConfig, log logger.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Pool{
		queue:       q,
		routes:      make(map[queue.Kind]Route),
		concurrency: cfg.Concurrency,
		maxAttempts: cfg.MaxAttempts,
		backoff:     Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		logger:      log,
	}
}

func (p *Pool) Register(kind queue.Kind, r Route) {
	p.routes[kind] = r
}

// Run processes tasks with the configured concurrency until ctx ends.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, n)
		}(i)
	}
	p.logger.Info("Worker pool started", map[string]interface{}{"concurrency": p.concurrency})
	wg.Wait()
	p.logger.Info("Worker pool stopped", nil)
}

func (p *Pool) loop(ctx context.Context, n int) {
	for {
		t, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("Failed to dequeue task", map[string]interface{}{"worker": n, "error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.Process(ctx, t)
	}
}

// Process runs t through its route and settles it: acked on success,
// re-queued with backoff on a retryable failure, handed to OnExhausted
// otherwise.
func (p *Pool) Process(ctx context.Context, t *queue.Task) {
	fields := map[string]interface{}{
		"task_id":    t.ID,
		"kind":       t.Kind,
		"request_id": t.RequestID,
		"attempt":    t.Attempt,
	}

	route, ok := p.routes[t.Kind]
	if !ok {
		p.logger.Error("No handler for task kind", fields)
		metrics.Tasks.WithLabelValues(string(t.Kind), "unroutable").Inc()
		p.ack(ctx, t, fields)
		return
	}

	start := time.Now()
	err := route.Handle(ctx, t)
	metrics.TaskDuration.WithLabelValues(string(t.Kind)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.Tasks.WithLabelValues(string(t.Kind), "ok").Inc()
		p.ack(ctx, t, fields)

	case IsPermanent(err) || errors.IsValidation(err):
		fields["error"] = err.Error()
		p.logger.Warn("Task failed permanently", fields)
		metrics.Tasks.WithLabelValues(string(t.Kind), "failed").Inc()
		p.exhaust(ctx, route, t, err)
		p.ack(ctx, t, fields)

	case t.Attempt+1 >= p.maxAttempts:
		fields["error"] = err.Error()
		p.logger.Error("Task retries exhausted", fields)
		metrics.Tasks.WithLabelValues(string(t.Kind), "exhausted").Inc()
		p.exhaust(ctx, route, t, err)
		p.ack(ctx, t, fields)

	default:
		delay := p.backoff.Delay(t.Attempt)
		fields["error"] = err.Error()
		fields["retry_in"] = delay.String()
		p.logger.Warn("Task failed, retrying", fields)
		metrics.Tasks.WithLabelValues(string(t.Kind), "retried").Inc()
		if qerr := p.queue.Enqueue(ctx, t.Retry(), delay); qerr != nil {
			// Leave t unacked so the queue can hand it out again.
			fields["error"] = qerr.Error()
			p.logger.Error("Failed to re-queue task", fields)
			return
		}
		p.ack(ctx, t, fields)
	}
}

func (p *Pool) exhaust(ctx context.Context, route Route, t *queue.Task, err error) {
	if route.OnExhausted != nil {
		route.OnExhausted(ctx, t, err)
	}
}

func (p *Pool) ack(ctx context.Context, t *queue.Task, fields map[string]interface{}) {
	if err := p.queue.Ack(ctx, t); err != nil {
		fields["error"] = err.Error()
		p.logger.Error("Failed to ack task", fields)
	}
}
