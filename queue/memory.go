package queue

import (
	"context"
	"strconv"
	"sync"

	"github.com/sorensen/exportjob/joberrors"
)

// MemoryQueue is an in-process Queue for tests and single-process
// deployments, generalising checkpoint.MemoryStore's mutex-guarded pattern
// to a FIFO message list keyed by queue URL.
type MemoryQueue struct {
	mu      sync.Mutex
	queues  map[string][]*memoryMessage
	nextID  int
}

type memoryMessage struct {
	id            string
	body          string
	receiptHandle string
	receiveCount  int
	inFlight      bool
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{queues: make(map[string][]*memoryMessage)}
}

func (q *MemoryQueue) SendMessage(ctx context.Context, queueURL, body string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	id := strconv.Itoa(q.nextID)
	q.queues[queueURL] = append(q.queues[queueURL], &memoryMessage{id: id, body: body})
	return id, nil
}

func (q *MemoryQueue) SendMessageBatch(ctx context.Context, queueURL string, entries []BatchEntry) error {
	for _, e := range entries {
		if _, err := q.SendMessage(ctx, queueURL, e.Body); err != nil {
			return err
		}
	}
	return nil
}

func (q *MemoryQueue) ReceiveMessages(ctx context.Context, queueURL string, max int32, waitSeconds int32) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Message
	for _, m := range q.queues[queueURL] {
		if m.inFlight {
			continue
		}
		m.inFlight = true
		m.receiveCount++
		q.nextID++
		m.receiptHandle = m.id + "-" + strconv.Itoa(q.nextID)
		out = append(out, Message{
			MessageID:               m.id,
			Body:                    m.body,
			ReceiptHandle:           m.receiptHandle,
			ApproximateReceiveCount: m.receiveCount,
		})
		if int32(len(out)) >= max {
			break
		}
	}
	return out, nil
}

func (q *MemoryQueue) find(queueURL, receiptHandle string) (*memoryMessage, int) {
	for i, m := range q.queues[queueURL] {
		if m.receiptHandle == receiptHandle {
			return m, i
		}
	}
	return nil, -1
}

func (q *MemoryQueue) DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, idx := q.find(queueURL, receiptHandle)
	if idx < 0 {
		return joberrors.New(joberrors.KindNotFound, "message not found: "+receiptHandle)
	}
	msgs := q.queues[queueURL]
	q.queues[queueURL] = append(msgs[:idx], msgs[idx+1:]...)
	return nil
}

func (q *MemoryQueue) DeleteMessageBatch(ctx context.Context, queueURL string, receiptHandles []string) error {
	for _, rh := range receiptHandles {
		if err := q.DeleteMessage(ctx, queueURL, rh); err != nil {
			return err
		}
	}
	return nil
}

func (q *MemoryQueue) ChangeMessageVisibility(ctx context.Context, queueURL, receiptHandle string, visibilityTimeoutSeconds int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, idx := q.find(queueURL, receiptHandle)
	if idx < 0 {
		return joberrors.New(joberrors.KindNotFound, "message not found: "+receiptHandle)
	}
	if visibilityTimeoutSeconds == 0 {
		m.inFlight = false
	}
	return nil
}

// Len returns the number of messages currently queued (in-flight or not)
// for queueURL, for use in tests.
func (q *MemoryQueue) Len(queueURL string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queueURL])
}

var _ Queue = (*MemoryQueue)(nil)
