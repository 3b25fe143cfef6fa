package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"billingsync/internal/config"
	"billingsync/internal/types"
)

// --- Mock SQS Client ---

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

const (
	testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/subscription-events"
	testFIFOURL  = "https://sqs.us-east-1.amazonaws.com/123456789/subscription-events.fifo"
)

func testEvent() types.SubscriptionEvent {
	return types.SubscriptionEvent{
		Type:       types.EventSubscriptionChanged,
		UserID:     "user_123",
		Action:     types.ActionUpdatedSubscription,
		PriceRef:   "price_pro_month",
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublish_SendsEventBody(t *testing.T) {
	mock := &mockSQSSender{}
	pub := NewSQSPublisher(mock, testQueueURL, slog.Default())

	if err := pub.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}

	call := mock.calls[0]
	if *call.QueueUrl != testQueueURL {
		t.Errorf("expected queue URL %q, got %q", testQueueURL, *call.QueueUrl)
	}

	var got types.SubscriptionEvent
	if err := json.Unmarshal([]byte(*call.MessageBody), &got); err != nil {
		t.Fatalf("message body is not valid JSON: %v", err)
	}
	if got.UserID != "user_123" || got.Action != types.ActionUpdatedSubscription || got.PriceRef != "price_pro_month" {
		t.Errorf("unexpected event in body: %+v", got)
	}
}

func TestPublish_SetsAttributes(t *testing.T) {
	mock := &mockSQSSender{}
	pub := NewSQSPublisher(mock, testQueueURL, nil)

	if err := pub.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}

	attrs := mock.calls[0].MessageAttributes
	if v := attrs["event_type"].StringValue; v == nil || *v != types.EventSubscriptionChanged {
		t.Errorf("event_type attribute = %v, want %q", v, types.EventSubscriptionChanged)
	}
	if v := attrs["action"].StringValue; v == nil || *v != string(types.ActionUpdatedSubscription) {
		t.Errorf("action attribute = %v, want %q", v, types.ActionUpdatedSubscription)
	}
	if *attrs["event_type"].DataType != "String" {
		t.Errorf("expected String data type, got %q", *attrs["event_type"].DataType)
	}
}

func TestPublish_StandardQueueHasNoGroup(t *testing.T) {
	mock := &mockSQSSender{}
	pub := NewSQSPublisher(mock, testQueueURL, nil)

	if err := pub.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}
	if mock.calls[0].MessageGroupId != nil {
		t.Errorf("expected no message group for a standard queue, got %q", *mock.calls[0].MessageGroupId)
	}
}

func TestPublish_FIFOQueueGroupsByUser(t *testing.T) {
	mock := &mockSQSSender{}
	pub := NewSQSPublisher(mock, testFIFOURL, nil)

	for i := 0; i < 2; i++ {
		if err := pub.Publish(context.Background(), testEvent()); err != nil {
			t.Fatalf("Publish returned unexpected error: %v", err)
		}
	}

	first, second := mock.calls[0], mock.calls[1]
	if first.MessageGroupId == nil || *first.MessageGroupId != "user_123" {
		t.Fatalf("expected message group user_123, got %v", first.MessageGroupId)
	}
	if first.MessageDeduplicationId == nil || second.MessageDeduplicationId == nil {
		t.Fatal("expected deduplication IDs on a FIFO queue")
	}
	if *first.MessageDeduplicationId == *second.MessageDeduplicationId {
		t.Error("expected distinct deduplication IDs per event")
	}
}

func TestPublish_SendFailure(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("connection refused")}
	pub := NewSQSPublisher(mock, testQueueURL, nil)

	err := pub.Publish(context.Background(), testEvent())
	if err == nil {
		t.Fatal("expected an error when SQS fails")
	}
	if types.KindOf(err) != types.KindUpstream {
		t.Errorf("expected upstream kind, got %v", types.KindOf(err))
	}
	if !errors.Is(err, mock.err) {
		t.Error("expected the SQS error to be wrapped")
	}
}

func TestNopPublisher(t *testing.T) {
	if err := (NopPublisher{}).Publish(context.Background(), testEvent()); err != nil {
		t.Errorf("NopPublisher returned %v", err)
	}
}

func TestNew_WithoutQueueIsNop(t *testing.T) {
	pub, err := New(context.Background(), config.EventsConfig{}, nil)
	if err != nil {
		t.Fatalf("New returned unexpected error: %v", err)
	}
	if _, ok := pub.(NopPublisher); !ok {
		t.Errorf("expected NopPublisher, got %T", pub)
	}
}

func TestNew_WithQueueBuildsSQSPublisher(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	pub, err := New(context.Background(), config.EventsConfig{
		QueueURL:    testFIFOURL,
		Region:      "us-east-1",
		EndpointURL: "http://localhost:4566",
	}, nil)
	if err != nil {
		t.Fatalf("New returned unexpected error: %v", err)
	}
	sp, ok := pub.(*SQSPublisher)
	if !ok {
		t.Fatalf("expected *SQSPublisher, got %T", pub)
	}
	if !sp.fifo {
		t.Error("expected FIFO detection from the queue URL")
	}
}
