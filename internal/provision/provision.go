// Package provision creates the pipeline's AWS resources idempotently:
// buckets, the upload event queue, the processed-updates topic, and the
// S3 notification wiring between them. Provisioning races an
// initializing backend (LocalStack), so failed attempts are retried
// forever with a fixed backoff until the sequence converges.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/0karl0/Serverless/pkg/log"
)

const (
	defaultRetryInterval = 2 * time.Second
	receiveWaitSeconds   = "20"
)

// Config selects which resources a service owns. An empty QueueName
// skips the queue side; an empty TopicName skips the topic side.
type Config struct {
	QueueName      string
	TopicName      string
	NotifyEndpoint string
	RetryInterval  time.Duration
}

// Provisioner runs the resource setup sequence. Start is single-flight:
// however many goroutines trigger it, exactly one sequence executes, and
// the readiness gate fires exactly once on first success.
type Provisioner struct {
	cfg Config

	uploads   BucketEnsurer
	processed BucketEnsurer
	s3c       S3API
	sqsc      SQSAPI
	snsc      SNSAPI

	started atomic.Bool
	ready   chan struct{}

	// Written once before ready closes; the channel close publishes them.
	queueURL string
	topicARN string
}

// New creates a Provisioner. s3c, sqsc and snsc may be nil when the
// corresponding side is not configured.
func New(cfg Config, uploads, processed BucketEnsurer, s3c S3API, sqsc SQSAPI, snsc SNSAPI) *Provisioner {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	return &Provisioner{
		cfg:       cfg,
		uploads:   uploads,
		processed: processed,
		s3c:       s3c,
		sqsc:      sqsc,
		snsc:      snsc,
		ready:     make(chan struct{}),
	}
}

// Start launches the provisioning loop on its own goroutine. Concurrent
// and repeated calls collapse into the single in-flight attempt.
func (p *Provisioner) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

// Ready returns a channel closed once provisioning has succeeded.
// The gate never resets.
func (p *Provisioner) Ready() <-chan struct{} {
	return p.ready
}

// QueueURL returns the provisioned queue URL. Valid after Ready fires.
func (p *Provisioner) QueueURL() string {
	return p.queueURL
}

// TopicARN returns the provisioned topic ARN. Valid after Ready fires.
func (p *Provisioner) TopicARN() string {
	return p.topicARN
}

func (p *Provisioner) run(ctx context.Context) {
	l := log.L()
	for {
		err := p.Provision(ctx)
		if err == nil {
			l.Info().Msg("resource provisioning complete")
			close(p.ready)
			return
		}

		l.Warn().Err(err).Dur("retry_in", p.cfg.RetryInterval).Msg("provisioning failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.RetryInterval):
		}
	}
}

// Provision performs one full setup attempt in dependency order. Every
// step is idempotent, so the whole sequence is safe to re-run after a
// partial failure or a process restart.
func (p *Provisioner) Provision(ctx context.Context) error {
	for _, b := range []BucketEnsurer{p.uploads, p.processed} {
		if err := b.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket %s: %w", b.Bucket(), err)
		}
	}

	if p.cfg.QueueName != "" {
		queueURL, queueARN, err := p.ensureQueue(ctx)
		if err != nil {
			return fmt.Errorf("ensure queue %s: %w", p.cfg.QueueName, err)
		}
		if err := p.wireBucketToQueue(ctx, queueARN); err != nil {
			return fmt.Errorf("wire bucket notifications to queue: %w", err)
		}
		p.queueURL = queueURL
	}

	if p.cfg.TopicName != "" {
		topicARN, err := p.ensureTopic(ctx)
		if err != nil {
			return fmt.Errorf("ensure topic %s: %w", p.cfg.TopicName, err)
		}
		if err := p.ensureSubscription(ctx, topicARN); err != nil {
			return fmt.Errorf("ensure subscription: %w", err)
		}
		if err := p.wireBucketToTopic(ctx, topicARN); err != nil {
			return fmt.Errorf("wire bucket notifications to topic: %w", err)
		}
		p.topicARN = topicARN
	}

	return nil
}

// ensureQueue creates the upload event queue with long polling enabled
// and attaches a policy permitting the upload bucket to send messages.
// CreateQueue returns the existing queue's URL when it already exists.
func (p *Provisioner) ensureQueue(ctx context.Context) (queueURL, queueARN string, err error) {
	created, err := p.sqsc.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(p.cfg.QueueName),
		Attributes: map[string]string{
			string(sqstypes.QueueAttributeNameReceiveMessageWaitTimeSeconds): receiveWaitSeconds,
		},
	})
	if err != nil {
		return "", "", err
	}
	queueURL = aws.ToString(created.QueueUrl)

	attrs, err := p.sqsc.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", "", err
	}
	queueARN = attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]

	policy, err := json.Marshal(bucketSendPolicy(queueARN, p.uploads.Bucket()))
	if err != nil {
		return "", "", err
	}
	_, err = p.sqsc.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl: aws.String(queueURL),
		Attributes: map[string]string{
			string(sqstypes.QueueAttributeNamePolicy): string(policy),
		},
	})
	if err != nil {
		return "", "", err
	}

	return queueURL, queueARN, nil
}

func (p *Provisioner) wireBucketToQueue(ctx context.Context, queueARN string) error {
	_, err := p.s3c.PutBucketNotificationConfiguration(ctx, &s3.PutBucketNotificationConfigurationInput{
		Bucket: aws.String(p.uploads.Bucket()),
		NotificationConfiguration: &s3types.NotificationConfiguration{
			QueueConfigurations: []s3types.QueueConfiguration{
				{
					Id:       aws.String("UploadEvents"),
					QueueArn: aws.String(queueARN),
					Events:   []s3types.Event{s3types.EventS3ObjectCreated},
				},
			},
		},
	})
	return err
}

// ensureTopic creates the processed-updates topic and attaches a policy
// permitting the processed bucket to publish. CreateTopic returns the
// existing topic's ARN when it already exists.
func (p *Provisioner) ensureTopic(ctx context.Context) (string, error) {
	created, err := p.snsc.CreateTopic(ctx, &sns.CreateTopicInput{
		Name: aws.String(p.cfg.TopicName),
	})
	if err != nil {
		return "", err
	}
	topicARN := aws.ToString(created.TopicArn)

	policy, err := json.Marshal(bucketPublishPolicy(topicARN, p.processed.Bucket()))
	if err != nil {
		return "", err
	}
	_, err = p.snsc.SetTopicAttributes(ctx, &sns.SetTopicAttributesInput{
		TopicArn:       aws.String(topicARN),
		AttributeName:  aws.String("Policy"),
		AttributeValue: aws.String(string(policy)),
	})
	if err != nil {
		return "", err
	}

	return topicARN, nil
}

// ensureSubscription subscribes the relay endpoint to the topic unless a
// subscription for that endpoint already exists.
func (p *Provisioner) ensureSubscription(ctx context.Context, topicARN string) error {
	existing, err := p.snsc.ListSubscriptionsByTopic(ctx, &sns.ListSubscriptionsByTopicInput{
		TopicArn: aws.String(topicARN),
	})
	if err != nil {
		return err
	}
	for _, sub := range existing.Subscriptions {
		if aws.ToString(sub.Endpoint) == p.cfg.NotifyEndpoint {
			return nil
		}
	}

	_, err = p.snsc.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: aws.String(topicARN),
		Protocol: aws.String(endpointProtocol(p.cfg.NotifyEndpoint)),
		Endpoint: aws.String(p.cfg.NotifyEndpoint),
	})
	return err
}

func (p *Provisioner) wireBucketToTopic(ctx context.Context, topicARN string) error {
	_, err := p.s3c.PutBucketNotificationConfiguration(ctx, &s3.PutBucketNotificationConfigurationInput{
		Bucket: aws.String(p.processed.Bucket()),
		NotificationConfiguration: &s3types.NotificationConfiguration{
			TopicConfigurations: []s3types.TopicConfiguration{
				{
					Id:       aws.String("ProcessedImages"),
					TopicArn: aws.String(topicARN),
					Events:   []s3types.Event{s3types.EventS3ObjectCreated},
				},
			},
		},
	})
	return err
}

func endpointProtocol(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Scheme == "https" {
		return "https"
	}
	return "http"
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Sid       string            `json:"Sid"`
	Effect    string            `json:"Effect"`
	Principal map[string]string `json:"Principal"`
	Action    string            `json:"Action"`
	Resource  string            `json:"Resource"`
	Condition map[string]any    `json:"Condition"`
}

func bucketSendPolicy(queueARN, bucket string) policyDocument {
	return policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Sid:       "AllowS3Uploads",
				Effect:    "Allow",
				Principal: map[string]string{"Service": "s3.amazonaws.com"},
				Action:    "sqs:SendMessage",
				Resource:  queueARN,
				Condition: map[string]any{
					"ArnEquals": map[string]string{"aws:SourceArn": "arn:aws:s3:::" + bucket},
				},
			},
		},
	}
}

func bucketPublishPolicy(topicARN, bucket string) policyDocument {
	return policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Sid:       "AllowS3",
				Effect:    "Allow",
				Principal: map[string]string{"Service": "s3.amazonaws.com"},
				Action:    "SNS:Publish",
				Resource:  topicARN,
				Condition: map[string]any{
					"ArnLike": map[string]string{"aws:SourceArn": "arn:aws:s3:::" + bucket},
				},
			},
		},
	}
}
