// Package queue defines the message-queue contract from section 6 for the
// two logical queues ("export-jobs", "download-tasks-overflow") and an
// SQS-backed implementation, extending the teacher's narrow
// per-service-client interface pattern (aws.DynamoDBClient/aws.S3Client) to
// SQS.
package queue

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Message is a received message, per section 6's receiveMessages shape.
// ApproximateReceiveCount is surfaced explicitly because the overflow
// consumer's redelivery policy (section 4.7) depends on it.
type Message struct {
	MessageID                string
	Body                     string
	ReceiptHandle            string
	ApproximateReceiveCount  int
}

// BatchEntry is one message within a sendMessageBatch call.
type BatchEntry struct {
	ID   string
	Body string
}

// Queue is the message-queue contract from section 6.
type Queue interface {
	SendMessage(ctx context.Context, queueURL, body string) (messageID string, err error)
	SendMessageBatch(ctx context.Context, queueURL string, entries []BatchEntry) error
	ReceiveMessages(ctx context.Context, queueURL string, max int32, waitSeconds int32) ([]Message, error)
	DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error
	DeleteMessageBatch(ctx context.Context, queueURL string, receiptHandles []string) error
	ChangeMessageVisibility(ctx context.Context, queueURL, receiptHandle string, visibilityTimeoutSeconds int32) error
}

// Client narrows the AWS SQS SDK surface this package needs.
type Client interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

var _ Client = (*sqs.Client)(nil)

// SQSQueue implements Queue against Amazon SQS.
type SQSQueue struct {
	client Client
}

// New creates an SQSQueue.
func New(client Client) *SQSQueue {
	return &SQSQueue{client: client}
}

func (q *SQSQueue) SendMessage(ctx context.Context, queueURL, body string) (string, error) {
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &queueURL,
		MessageBody: &body,
	})
	if err != nil {
		return "", err
	}
	return *out.MessageId, nil
}

func (q *SQSQueue) SendMessageBatch(ctx context.Context, queueURL string, entries []BatchEntry) error {
	wireEntries := make([]types.SendMessageBatchRequestEntry, 0, len(entries))
	for _, e := range entries {
		id, body := e.ID, e.Body
		wireEntries = append(wireEntries, types.SendMessageBatchRequestEntry{
			Id:          &id,
			MessageBody: &body,
		})
	}
	_, err := q.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: &queueURL,
		Entries:  wireEntries,
	})
	return err
}

func (q *SQSQueue) ReceiveMessages(ctx context.Context, queueURL string, max int32, waitSeconds int32) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              &queueURL,
		MaxNumberOfMessages:   max,
		WaitTimeSeconds:       waitSeconds,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []types.QueueAttributeName{types.QueueAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := Message{
			MessageID:     derefStr(m.MessageId),
			Body:          derefStr(m.Body),
			ReceiptHandle: derefStr(m.ReceiptHandle),
		}
		if raw, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			if n, err := strconv.Atoi(raw); err == nil {
				msg.ApproximateReceiveCount = n
			}
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (q *SQSQueue) DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &queueURL,
		ReceiptHandle: &receiptHandle,
	})
	return err
}

func (q *SQSQueue) DeleteMessageBatch(ctx context.Context, queueURL string, receiptHandles []string) error {
	entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(receiptHandles))
	for i, rh := range receiptHandles {
		id := strconv.Itoa(i)
		handle := rh
		entries = append(entries, types.DeleteMessageBatchRequestEntry{
			Id:            &id,
			ReceiptHandle: &handle,
		})
	}
	_, err := q.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: &queueURL,
		Entries:  entries,
	})
	return err
}

func (q *SQSQueue) ChangeMessageVisibility(ctx context.Context, queueURL, receiptHandle string, visibilityTimeoutSeconds int32) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &queueURL,
		ReceiptHandle:     &receiptHandle,
		VisibilityTimeout: visibilityTimeoutSeconds,
	})
	return err
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ Queue = (*SQSQueue)(nil)
