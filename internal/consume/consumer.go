// Package consume runs the upload-event queue loop: long-poll, decode
// the envelope, hand each object record to the processor, and delete the
// message only once every record has been handled successfully.
package consume

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/0karl0/Serverless/internal/event"
	"github.com/0karl0/Serverless/pkg/log"
)

const (
	waitTimeSeconds = 20
	maxMessages     = 5
	errorBackoff    = time.Second
)

// Consumer long-polls one queue and dispatches records to a Handler.
type Consumer struct {
	client   QueueAPI
	queueURL string
	handler  Handler
}

// New creates a Consumer for the given queue.
func New(client QueueAPI, queueURL string, handler Handler) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		handler:  handler,
	}
}

// Run blocks polling the queue until the context is cancelled. Empty
// polls simply re-poll; receive errors back off briefly and retry.
func (c *Consumer) Run(ctx context.Context) error {
	l := log.L()
	l.Info().Str(log.FieldQueue, c.queueURL).Msg("waiting for upload events")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: maxMessages,
			WaitTimeSeconds:     waitTimeSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.Error().Err(err).Msg("receive failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(errorBackoff):
			}
			continue
		}

		for _, msg := range out.Messages {
			// In-flight work finishes even once shutdown has begun.
			c.processMessage(context.WithoutCancel(ctx), msg)
		}
	}
}

// processMessage applies the ack contract: a message is deleted iff every
// record in it was handled successfully. Malformed bodies are dropped
// with a warning, since redelivery cannot fix them. A handler failure
// aborts the remaining records and leaves the message for redelivery.
func (c *Consumer) processMessage(ctx context.Context, msg sqstypes.Message) {
	l := log.L()
	body := aws.ToString(msg.Body)

	records, err := event.DecodeRecords([]byte(body))
	if err != nil {
		l.Warn().Err(err).Str("body", body).Msg("dropping undecodable queue message")
		c.deleteMessage(ctx, msg)
		return
	}

	for _, rec := range records {
		if err := c.handler.Handle(ctx, rec); err != nil {
			l.Error().Err(err).
				Str(log.FieldBucket, rec.Bucket).
				Str(log.FieldKey, rec.Key).
				Msg("processing failed, leaving message for redelivery")
			return
		}
	}

	c.deleteMessage(ctx, msg)
}

func (c *Consumer) deleteMessage(ctx context.Context, msg sqstypes.Message) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		// The message will be redelivered; the idempotent handler
		// absorbs the duplicate.
		logger := log.L()
		logger.Warn().Err(err).Msg("failed to delete message")
	}
}
