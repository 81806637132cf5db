package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_DelayedDelivery(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	late := NewTask(KindSendWebhook, uuid.New())
	early := NewTask(KindInitiateCollection, uuid.New())
	require.NoError(t, q.Enqueue(ctx, late, 80*time.Millisecond))
	require.NoError(t, q.Enqueue(ctx, early, 0))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, early.ID, got.ID)

	start := time.Now()
	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, late.ID, got.ID)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryQueue_DequeueHonoursContext(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueue_AckedIsBounded(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	var last *Task
	for i := 0; i < maxAcked+10; i++ {
		last = NewTask(KindSendWebhook, uuid.New())
		require.NoError(t, q.Ack(ctx, last))
	}

	acked := q.Acked()
	require.Len(t, acked, maxAcked)
	assert.Equal(t, last.ID, acked[len(acked)-1].ID)
}

func TestTask_RetryAndPayload(t *testing.T) {
	task, err := NewTask(KindSendWebhook, uuid.New()).WithPayload(map[string]string{"status": "success"})
	require.NoError(t, err)

	next := task.Retry()
	assert.Equal(t, 1, next.Attempt)
	assert.NotEqual(t, task.ID, next.ID)
	assert.Equal(t, task.RequestID, next.RequestID)

	var body map[string]string
	require.NoError(t, next.Decode(&body))
	assert.Equal(t, "success", body["status"])
}

func newRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisQueue(client, "paygate:tasks", 5*time.Millisecond), mr
}

func TestRedisQueue_RoundTrip(t *testing.T) {
	q, _ := newRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	task := NewTask(KindPayoutBatch, uuid.Nil)
	task.TenantIDs = []uuid.UUID{uuid.New(), uuid.New()}
	require.NoError(t, q.Enqueue(ctx, task, 0))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, KindPayoutBatch, got.Kind)
	assert.Equal(t, task.TenantIDs, got.TenantIDs)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisQueue_NotDueYet(t *testing.T) {
	q, _ := newRedisQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, NewTask(KindSendWebhook, uuid.New()), time.Hour))

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

type mockSQS struct {
	mock.Mock
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, in)
	return &sqs.SendMessageOutput{}, args.Error(0)
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(*sqs.ReceiveMessageOutput), args.Error(1)
}

func (m *mockSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	args := m.Called(ctx, in)
	return &sqs.DeleteMessageOutput{}, args.Error(0)
}

func TestSQSQueue_EnqueueCapsDelay(t *testing.T) {
	client := new(mockSQS)
	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		return in.DelaySeconds == 900 && aws.ToString(in.QueueUrl) == "https://sqs/q"
	})).Return(nil)

	q := NewSQSQueue(client, "https://sqs/q", 20*time.Second)
	require.NoError(t, q.Enqueue(context.Background(), NewTask(KindSendWebhook, uuid.New()), time.Hour))
	client.AssertExpectations(t)
}

func TestSQSQueue_DequeueAndAck(t *testing.T) {
	task := NewTask(KindInitiateDisbursement, uuid.New())
	body, err := json.Marshal(task)
	require.NoError(t, err)

	client := new(mockSQS)
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []sqstypes.Message{{Body: aws.String(string(body)), ReceiptHandle: aws.String("rh-1")}},
	}, nil).Once()
	client.On("DeleteMessage", mock.Anything, mock.MatchedBy(func(in *sqs.DeleteMessageInput) bool {
		return aws.ToString(in.ReceiptHandle) == "rh-1"
	})).Return(nil).Once()

	q := NewSQSQueue(client, "https://sqs/q", time.Second)
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	require.NoError(t, q.Ack(context.Background(), got))
	client.AssertExpectations(t)
}
