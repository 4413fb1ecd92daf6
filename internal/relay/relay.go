// Package relay ingests SNS webhook deliveries for the processed-updates
// topic: it completes the one-time subscription handshake, then turns
// object-created notifications into live broadcast messages.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/0karl0/Serverless/internal/event"
	"github.com/0karl0/Serverless/internal/hub"
	"github.com/0karl0/Serverless/pkg/log"
)

var (
	// ErrMalformed reports an undecodable notification body.
	ErrMalformed = errors.New("malformed notification")
	// ErrBadHandshake reports a confirmation missing its token or topic ARN.
	ErrBadHandshake = errors.New("handshake missing token or topic ARN")
	// ErrNotConfirmed reports an event delivered before the handshake completed.
	ErrNotConfirmed = errors.New("subscription not confirmed")
)

// SNSAPI is the subset of the SNS client used by the relay.
type SNSAPI interface {
	ConfirmSubscription(ctx context.Context, in *sns.ConfirmSubscriptionInput, optFns ...func(*sns.Options)) (*sns.ConfirmSubscriptionOutput, error)
}

// URLSigner produces time-limited access URLs for processed objects.
// Satisfied by the storage layer.
type URLSigner interface {
	GetURL(ctx context.Context, key string, expires time.Duration) (string, error)
	Bucket() string
}

// notification covers both inbound variants: the subscription handshake
// and a regular event notification.
type notification struct {
	Type     string `json:"Type"`
	Token    string `json:"Token"`
	TopicArn string `json:"TopicArn"`
	Message  string `json:"Message"`
}

// Relay receives webhook deliveries and forwards broadcast messages.
type Relay struct {
	snsc      SNSAPI
	processed URLSigner
	hub       *hub.Hub
	urlExpiry time.Duration

	// One-shot: set on the first successful handshake, never cleared.
	active atomic.Bool
}

// New creates a Relay publishing into the given hub.
func New(snsc SNSAPI, processed URLSigner, h *hub.Hub, urlExpiry time.Duration) *Relay {
	return &Relay{
		snsc:      snsc,
		processed: processed,
		hub:       h,
		urlExpiry: urlExpiry,
	}
}

// Active reports whether the subscription handshake has completed.
func (r *Relay) Active() bool {
	return r.active.Load()
}

// Receive handles one webhook delivery. Unknown notification types are
// accepted as no-ops so an SNS feature addition can never take the
// endpoint down.
func (r *Relay) Receive(ctx context.Context, body []byte) error {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch n.Type {
	case "SubscriptionConfirmation":
		return r.confirm(ctx, n)
	case "Notification":
		return r.broadcast(ctx, n)
	default:
		l := log.Ctx(ctx)
		l.Warn().Str("type", n.Type).Msg("ignoring unhandled notification type")
		return nil
	}
}

func (r *Relay) confirm(ctx context.Context, n notification) error {
	if n.Token == "" || n.TopicArn == "" {
		return ErrBadHandshake
	}

	_, err := r.snsc.ConfirmSubscription(ctx, &sns.ConfirmSubscriptionInput{
		Token:    aws.String(n.Token),
		TopicArn: aws.String(n.TopicArn),
	})
	if err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}

	r.active.Store(true)
	l := log.Ctx(ctx)
	l.Info().Str(log.FieldTopic, n.TopicArn).Msg("subscription confirmed")
	return nil
}

func (r *Relay) broadcast(ctx context.Context, n notification) error {
	if !r.active.Load() {
		return ErrNotConfirmed
	}

	records, err := event.DecodeRecords([]byte(n.Message))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	l := log.Ctx(ctx)
	for _, rec := range records {
		// Only the processed bucket feeds the live stream.
		if rec.Bucket != r.processed.Bucket() {
			l.Debug().Str(log.FieldBucket, rec.Bucket).Str(log.FieldKey, rec.Key).Msg("skipping record from unexpected bucket")
			continue
		}

		url, err := r.processed.GetURL(ctx, rec.Key, r.urlExpiry)
		if err != nil {
			l.Error().Err(err).Str(log.FieldKey, rec.Key).Msg("failed to presign access URL")
			continue
		}

		r.hub.Publish(hub.Message{
			Bucket:    rec.Bucket,
			Key:       rec.Key,
			URL:       url,
			Timestamp: time.Now(),
		})
		l.Info().Str(log.FieldKey, rec.Key).Msg("published live update")
	}

	return nil
}
