// Package metrics reports per-image processing counters to CloudWatch.
package metrics

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const namespace = "PhotoPipeline"

// Reporter records one completed image transform.
type Reporter interface {
	ImageProcessed(ctx context.Context) error
}

// CloudWatchAPI is the subset of the CloudWatch client used by the reporter.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchReporter publishes an ImagesProcessed count and the nominal
// ProcessingCost per completed item.
type CloudWatchReporter struct {
	client       CloudWatchAPI
	costPerImage float64
}

// NewCloudWatchReporter creates a reporter with the configured nominal
// cost per image.
func NewCloudWatchReporter(client CloudWatchAPI, costPerImage float64) *CloudWatchReporter {
	return &CloudWatchReporter{
		client:       client,
		costPerImage: costPerImage,
	}
}

// ImageProcessed reports one processed image.
func (r *CloudWatchReporter) ImageProcessed(ctx context.Context) error {
	_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("ImagesProcessed"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
			},
			{
				MetricName: aws.String("ProcessingCost"),
				Value:      aws.Float64(r.costPerImage),
				Unit:       cwtypes.StandardUnitNone,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to put metric data: %w", err)
	}
	return nil
}

// Nop is a Reporter that discards all metrics.
type Nop struct{}

// ImageProcessed implements Reporter.
func (Nop) ImageProcessed(ctx context.Context) error { return nil }
