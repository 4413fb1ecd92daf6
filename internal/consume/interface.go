package consume

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/0karl0/Serverless/internal/event"
)

// Handler processes one created object. Implementations must be
// idempotent: the queue delivers at least once, so a record may be
// handled again after a redelivery.
type Handler interface {
	Handle(ctx context.Context, rec event.ObjectRecord) error
}

// QueueAPI is the subset of the SQS client used by the consumer.
type QueueAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}
