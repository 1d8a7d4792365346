// Package queue provides the SQS producer for the global chase audit
// stream. Every dispatch attempt, sent or failed, real or dry-run, is
// published here for downstream reporting.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"duepoint/internal/chase"
	"duepoint/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// AuditPublisher serializes ChaseAuditRecords and sends them to the audit
// queue. Delivery is best-effort; the caller logs and continues on error,
// so Publish never retries beyond what the SDK does internally.
type AuditPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

var _ chase.AuditPublisher = (*AuditPublisher)(nil)

// NewAuditPublisher creates an AuditPublisher for the given queue URL.
func NewAuditPublisher(client SQSSender, queueURL string, logger *slog.Logger) *AuditPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditPublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Publish sends one audit record to the queue.
func (p *AuditPublisher) Publish(ctx context.Context, rec types.ChaseAuditRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal audit record: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"stage": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(rec.Stage)),
			},
			"account_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.AccountID),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send audit record for invoice %s: %w", rec.InvoiceID, err)
	}

	p.logger.DebugContext(ctx, "published chase audit record",
		"invoice_id", rec.InvoiceID,
		"stage", rec.Stage,
	)
	return nil
}
