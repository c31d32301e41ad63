package queue

import (
	"context"
	"testing"
)

func TestSendAndReceiveMessage_RoundTripsBody(t *testing.T) {
	q := NewMemoryQueue()
	if _, err := q.SendMessage(context.Background(), "url-1", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	messages, err := q.ReceiveMessages(context.Background(), "url-1", 10, 0)
	if err != nil {
		t.Fatalf("ReceiveMessages: %v", err)
	}
	if len(messages) != 1 || messages[0].Body != "hello" {
		t.Fatalf("unexpected messages: %+v", messages)
	}
	if messages[0].ApproximateReceiveCount != 1 {
		t.Fatalf("ApproximateReceiveCount = %d, want 1", messages[0].ApproximateReceiveCount)
	}
}

func TestReceiveMessages_InFlightMessageIsNotRedeliveredUntilVisible(t *testing.T) {
	q := NewMemoryQueue()
	if _, err := q.SendMessage(context.Background(), "url-1", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if _, err := q.ReceiveMessages(context.Background(), "url-1", 10, 0); err != nil {
		t.Fatalf("first ReceiveMessages: %v", err)
	}

	again, err := q.ReceiveMessages(context.Background(), "url-1", 10, 0)
	if err != nil {
		t.Fatalf("second ReceiveMessages: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no redelivery while in flight, got %+v", again)
	}
}

func TestDeleteMessage_RemovesFromQueue(t *testing.T) {
	q := NewMemoryQueue()
	if _, err := q.SendMessage(context.Background(), "url-1", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	messages, err := q.ReceiveMessages(context.Background(), "url-1", 10, 0)
	if err != nil {
		t.Fatalf("ReceiveMessages: %v", err)
	}

	if err := q.DeleteMessage(context.Background(), "url-1", messages[0].ReceiptHandle); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if q.Len("url-1") != 0 {
		t.Fatalf("Len = %d, want 0 after delete", q.Len("url-1"))
	}
}

func TestDeleteMessage_UnknownReceiptHandleIsNotFound(t *testing.T) {
	q := NewMemoryQueue()
	err := q.DeleteMessage(context.Background(), "url-1", "does-not-exist")
	if err == nil {
		t.Fatal("expected error deleting an unknown receipt handle")
	}
}

func TestChangeMessageVisibility_ZeroTimeoutMakesMessageRedeliverable(t *testing.T) {
	q := NewMemoryQueue()
	if _, err := q.SendMessage(context.Background(), "url-1", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	received, err := q.ReceiveMessages(context.Background(), "url-1", 10, 0)
	if err != nil {
		t.Fatalf("ReceiveMessages: %v", err)
	}

	if err := q.ChangeMessageVisibility(context.Background(), "url-1", received[0].ReceiptHandle, 0); err != nil {
		t.Fatalf("ChangeMessageVisibility: %v", err)
	}

	again, err := q.ReceiveMessages(context.Background(), "url-1", 10, 0)
	if err != nil {
		t.Fatalf("ReceiveMessages: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("expected message to be redeliverable, got %+v", again)
	}
	if again[0].ApproximateReceiveCount != 2 {
		t.Fatalf("ApproximateReceiveCount = %d, want 2", again[0].ApproximateReceiveCount)
	}
}

func TestReceiveMessages_RespectsMaxLimit(t *testing.T) {
	q := NewMemoryQueue()
	for i := 0; i < 5; i++ {
		if _, err := q.SendMessage(context.Background(), "url-1", "msg"); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
	}
	messages, err := q.ReceiveMessages(context.Background(), "url-1", 3, 0)
	if err != nil {
		t.Fatalf("ReceiveMessages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(messages))
	}
}
