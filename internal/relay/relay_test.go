package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0karl0/Serverless/internal/hub"
)

type fakeSNS struct {
	mu     sync.Mutex
	tokens []string
	arns   []string
	err    error
}

func (f *fakeSNS) ConfirmSubscription(ctx context.Context, in *sns.ConfirmSubscriptionInput, _ ...func(*sns.Options)) (*sns.ConfirmSubscriptionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tokens = append(f.tokens, aws.ToString(in.Token))
	f.arns = append(f.arns, aws.ToString(in.TopicArn))
	return &sns.ConfirmSubscriptionOutput{}, nil
}

func (f *fakeSNS) confirmed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

type fakeSigner struct {
	bucket string
}

func (f *fakeSigner) GetURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	return "http://localhost:4566/" + f.bucket + "/" + key + "?expires=" + expires.String(), nil
}

func (f *fakeSigner) Bucket() string { return f.bucket }

func handshake(token, arn string) []byte {
	return []byte(fmt.Sprintf(`{"Type":"SubscriptionConfirmation","Token":%q,"TopicArn":%q}`, token, arn))
}

func eventNotification(bucket string, keys ...string) []byte {
	records := ""
	for i, k := range keys {
		if i > 0 {
			records += ","
		}
		records += fmt.Sprintf(`{"s3":{"bucket":{"name":"%s"},"object":{"key":"%s"}}}`, bucket, k)
	}
	message := fmt.Sprintf(`{"Records":[%s]}`, records)
	return []byte(fmt.Sprintf(`{"Type":"Notification","Message":%q}`, message))
}

func nextMessage(t *testing.T, sub *hub.Subscriber) hub.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	return msg
}

func TestHandshakeActivatesRelay(t *testing.T) {
	snsc := &fakeSNS{}
	h := hub.New()
	r := New(snsc, &fakeSigner{bucket: "processed"}, h, time.Hour)

	require.False(t, r.Active())
	require.NoError(t, r.Receive(context.Background(), handshake("tok-1", "arn:aws:sns:us-east-1:000000000000:processed-updates")))

	assert.True(t, r.Active())
	assert.Equal(t, []string{"tok-1"}, snsc.tokens)
	assert.Equal(t, []string{"arn:aws:sns:us-east-1:000000000000:processed-updates"}, snsc.arns)
}

func TestNotificationBeforeHandshakeRejected(t *testing.T) {
	h := hub.New()
	r := New(&fakeSNS{}, &fakeSigner{bucket: "processed"}, h, time.Hour)

	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	err := r.Receive(context.Background(), eventNotification("processed", "a.jpg"))
	require.ErrorIs(t, err, ErrNotConfirmed)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotificationAfterHandshakePublishes(t *testing.T) {
	h := hub.New()
	r := New(&fakeSNS{}, &fakeSigner{bucket: "processed"}, h, time.Hour)
	require.NoError(t, r.Receive(context.Background(), handshake("tok", "arn:topic")))

	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	require.NoError(t, r.Receive(context.Background(), eventNotification("processed", "a.jpg", "b.jpg")))

	first := nextMessage(t, sub)
	assert.Equal(t, "a.jpg", first.Key)
	assert.Equal(t, "processed", first.Bucket)
	assert.Contains(t, first.URL, "/processed/a.jpg")
	assert.False(t, first.Timestamp.IsZero())

	second := nextMessage(t, sub)
	assert.Equal(t, "b.jpg", second.Key)
}

func TestHandshakeMissingFieldsRejected(t *testing.T) {
	for name, body := range map[string][]byte{
		"missing token": handshake("", "arn:topic"),
		"missing arn":   handshake("tok", ""),
	} {
		t.Run(name, func(t *testing.T) {
			snsc := &fakeSNS{}
			r := New(snsc, &fakeSigner{bucket: "processed"}, hub.New(), time.Hour)

			err := r.Receive(context.Background(), body)
			require.ErrorIs(t, err, ErrBadHandshake)
			assert.False(t, r.Active())
			assert.Zero(t, snsc.confirmed())
		})
	}
}

func TestConfirmFailureLeavesRelayInactive(t *testing.T) {
	snsc := &fakeSNS{err: fmt.Errorf("sns unavailable")}
	r := New(snsc, &fakeSigner{bucket: "processed"}, hub.New(), time.Hour)

	err := r.Receive(context.Background(), handshake("tok", "arn:topic"))
	require.Error(t, err)
	assert.False(t, r.Active())
}

func TestRecordsFromOtherBucketsSkipped(t *testing.T) {
	h := hub.New()
	r := New(&fakeSNS{}, &fakeSigner{bucket: "processed"}, h, time.Hour)
	require.NoError(t, r.Receive(context.Background(), handshake("tok", "arn:topic")))

	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	require.NoError(t, r.Receive(context.Background(), eventNotification("uploads", "raw.jpg")))
	require.NoError(t, r.Receive(context.Background(), eventNotification("processed", "done.jpg")))

	msg := nextMessage(t, sub)
	assert.Equal(t, "done.jpg", msg.Key)
}

func TestUnknownTypeIsNoOp(t *testing.T) {
	h := hub.New()
	r := New(&fakeSNS{}, &fakeSigner{bucket: "processed"}, h, time.Hour)

	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	err := r.Receive(context.Background(), []byte(`{"Type":"UnsubscribeConfirmation"}`))
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMalformedBodiesRejected(t *testing.T) {
	r := New(&fakeSNS{}, &fakeSigner{bucket: "processed"}, hub.New(), time.Hour)
	require.NoError(t, r.Receive(context.Background(), handshake("tok", "arn:topic")))

	for name, body := range map[string][]byte{
		"empty body":        {},
		"not json":          []byte("hello"),
		"malformed message": []byte(`{"Type":"Notification","Message":"{\"Records\":\"nope\"}"}`),
	} {
		t.Run(name, func(t *testing.T) {
			err := r.Receive(context.Background(), body)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}
