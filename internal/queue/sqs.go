package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// maxSQSDelay is the longest DelaySeconds SQS accepts.
const maxSQSDelay = 15 * time.Minute

// SQSAPI is the subset of the SQS client the queue needs.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue implements Queue on AWS SQS. Messages are deleted on Ack, so a
// worker that dies mid-task lets the message become visible again.
type SQSQueue struct {
	Client   SQSAPI
	QueueURL string
	WaitTime time.Duration
}

func NewSQSQueue(client SQSAPI, queueURL string, waitTime time.Duration) *SQSQueue {
	return &SQSQueue{Client: client, QueueURL: queueURL, WaitTime: waitTime}
}

// Make sure we conform to the interface
var _ Queue = (*SQSQueue)(nil)

func (q *SQSQueue) Enqueue(ctx context.Context, t *Task, delay time.Duration) error {
	stamp(t)
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task for SQS: %w", err)
	}
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}
	if delay < 0 {
		delay = 0
	}

	_, err = q.Client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.QueueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to send message to SQS: %w", err)
	}
	return nil
}

func (q *SQSQueue) Dequeue(ctx context.Context) (*Task, error) {
	wait := int32(q.WaitTime / time.Second)
	if wait > 20 {
		wait = 20
	}
	for {
		out, err := q.Client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.QueueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     wait,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to receive message from SQS: %w", err)
		}
		if len(out.Messages) == 0 {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		msg := out.Messages[0]
		var t Task
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &t); err != nil {
			// poison message: drop it rather than redeliver forever
			_, _ = q.Client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(q.QueueURL),
				ReceiptHandle: msg.ReceiptHandle,
			})
			return nil, fmt.Errorf("failed to decode SQS message: %w", err)
		}
		t.receipt = aws.ToString(msg.ReceiptHandle)
		return &t, nil
	}
}

func (q *SQSQueue) Ack(ctx context.Context, t *Task) error {
	if t.receipt == "" {
		return nil
	}
	_, err := q.Client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.QueueURL),
		ReceiptHandle: aws.String(t.receipt),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message from SQS: %w", err)
	}
	return nil
}
