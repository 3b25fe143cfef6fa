// Package queue publishes subscription-change events to SQS for downstream
// consumers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"billingsync/internal/config"
	"billingsync/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher serializes a SubscriptionEvent and sends it to one queue.
// Events for the same user share a message group when the queue is FIFO.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
	fifo     bool
	logger   *slog.Logger
}

// NewSQSPublisher creates an SQSPublisher for queueURL.
func NewSQSPublisher(client SQSSender, queueURL string, logger *slog.Logger) *SQSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
		fifo:     isFIFO(queueURL),
		logger:   logger,
	}
}

// Publish sends ev. The event type travels as a message attribute so
// consumers can filter without decoding the body.
func (p *SQSPublisher) Publish(ctx context.Context, ev types.SubscriptionEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal SubscriptionEvent: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Type),
			},
			"action": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(ev.Action)),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(ev.UserID)
		input.MessageDeduplicationId = aws.String(uuid.NewString())
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("failed to send subscription event to %s", p.queueURL), err)
	}

	attrs := []any{
		"queue_url", p.queueURL,
		"user_id", ev.UserID,
		"action", string(ev.Action),
	}
	if out != nil && out.MessageId != nil {
		attrs = append(attrs, "message_id", *out.MessageId)
	}
	p.logger.InfoContext(ctx, "subscription event sent", attrs...)
	return nil
}

// NopPublisher discards events. Used when no queue is configured.
type NopPublisher struct{}

// Publish implements billing.EventPublisher.
func (NopPublisher) Publish(context.Context, types.SubscriptionEvent) error { return nil }

// Publisher is the contract both implementations satisfy.
type Publisher interface {
	Publish(ctx context.Context, ev types.SubscriptionEvent) error
}

// New builds a Publisher from configuration. Without a queue URL it returns a
// NopPublisher and no AWS configuration is loaded.
func New(ctx context.Context, cfg config.EventsConfig, logger *slog.Logger) (Publisher, error) {
	if cfg.QueueURL == "" {
		return NopPublisher{}, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("queue: failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})
	return NewSQSPublisher(client, cfg.QueueURL, logger), nil
}

func isFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}
