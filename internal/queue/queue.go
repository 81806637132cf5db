// Package queue carries background tasks between the API and the workers.
// Every backend supports delayed delivery, which is how retries back off.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind names what a task asks the worker to do.
type Kind string

const (
	KindInitiateCollection   Kind = "initiate_collection"
	KindInitiateDisbursement Kind = "initiate_disbursement"
	KindPayoutBatch          Kind = "payout_batch"
	KindSendWebhook          Kind = "send_webhook"
	KindLedgerPost           Kind = "ledger_post"
)

// Task is one unit of background work.
type Task struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	RequestID  uuid.UUID       `json:"request_id"`
	TenantIDs  []uuid.UUID     `json:"tenant_ids,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	receipt string
}

func NewTask(kind Kind, requestID uuid.UUID) *Task {
	return &Task{ID: uuid.NewString(), Kind: kind, RequestID: requestID}
}

// WithPayload attaches v as the task's JSON payload.
func (t *Task) WithPayload(v interface{}) (*Task, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	t.Payload = raw
	return t, nil
}

// Decode unmarshals the payload into v.
func (t *Task) Decode(v interface{}) error {
	if len(t.Payload) == 0 {
		return errors.New("task has no payload")
	}
	return json.Unmarshal(t.Payload, v)
}

// Retry returns the follow-up attempt of t.
func (t *Task) Retry() *Task {
	next := *t
	next.ID = uuid.NewString()
	next.Attempt = t.Attempt + 1
	next.receipt = ""
	return &next
}

// Queue is a delayed task queue. Dequeue blocks until a task is due or ctx
// ends. Ack confirms a dequeued task has been handled.
type Queue interface {
	Enqueue(ctx context.Context, t *Task, delay time.Duration) error
	Dequeue(ctx context.Context) (*Task, error)
	Ack(ctx context.Context, t *Task) error
}

func stamp(t *Task) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.EnqueuedAt = time.Now().UTC()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
