// Package queue drives the orchestrator from an SQS queue: receive a batch,
// process it, delete everything the result did not mark failed. Failed
// messages stay on the queue and return after the visibility timeout.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/justapithecus/bale/log"
	"github.com/justapithecus/bale/types"
)

const (
	maxReceive   = 10
	waitTime     = 20 * time.Second
	errorBackoff = 5 * time.Second
)

// Processor is the batch entry point the receiver feeds.
type Processor interface {
	Process(ctx context.Context, invocationID string, envelopes []types.EventEnvelope) (*types.BatchResult, error)
}

// sqsAPI is the slice of the SQS client the receiver uses.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// Receiver long-polls one queue and runs batches until its context ends.
type Receiver struct {
	client    sqsAPI
	queueURL  string
	processor Processor
	logger    *log.Logger
}

// NewReceiver builds a receiver over a real SQS client.
func NewReceiver(client *sqs.Client, queueURL string, processor Processor, logger *log.Logger) *Receiver {
	return newReceiverWithAPI(client, queueURL, processor, logger)
}

func newReceiverWithAPI(client sqsAPI, queueURL string, processor Processor, logger *log.Logger) *Receiver {
	return &Receiver{
		client:    client,
		queueURL:  queueURL,
		processor: processor,
		logger:    logger,
	}
}

// Run polls until ctx is cancelled. Transient receive errors back off and
// retry; the loop only returns the context's error.
func (r *Receiver) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := r.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.queueURL),
			MaxNumberOfMessages: maxReceive,
			WaitTimeSeconds:     int32(waitTime / time.Second),
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			r.logger.Error("receive failed", map[string]any{"error": err.Error()})
			select {
			case <-time.After(errorBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if len(out.Messages) == 0 {
			continue
		}

		r.handleBatch(ctx, out.Messages)
	}
}

func (r *Receiver) handleBatch(ctx context.Context, messages []sqstypes.Message) {
	envelopes := make([]types.EventEnvelope, 0, len(messages))
	receipts := make(map[string]string, len(messages))
	for _, msg := range messages {
		id := aws.ToString(msg.MessageId)
		envelopes = append(envelopes, types.EventEnvelope{
			ID:      id,
			Payload: []byte(aws.ToString(msg.Body)),
		})
		receipts[id] = aws.ToString(msg.ReceiptHandle)
	}

	invocationID := uuid.NewString()
	result, err := r.processor.Process(ctx, invocationID, envelopes)
	if err != nil {
		r.logger.Error("batch failed", map[string]any{
			"invocation_id": invocationID,
			"error":         err.Error(),
		})
	}
	if result == nil {
		return
	}

	failed := make(map[string]struct{}, len(result.FailedEnvelopeIDs))
	for _, id := range result.FailedEnvelopeIDs {
		failed[id] = struct{}{}
	}

	var entries []sqstypes.DeleteMessageBatchRequestEntry
	for i, env := range envelopes {
		if _, ok := failed[env.ID]; ok {
			continue
		}
		entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
			Id:            aws.String(fmt.Sprintf("m%d", i)),
			ReceiptHandle: aws.String(receipts[env.ID]),
		})
	}
	if len(entries) == 0 {
		return
	}

	if _, err := r.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(r.queueURL),
		Entries:  entries,
	}); err != nil {
		// Deletion failure means redelivery; the idempotency guard absorbs it.
		r.logger.Warn("delete batch failed", map[string]any{
			"invocation_id": invocationID,
			"error":         err.Error(),
		})
	}
}
