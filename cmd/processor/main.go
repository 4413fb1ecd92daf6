// The processor drains the upload event queue and runs the image
// transform for every object-created record, publishing per-image
// metrics to CloudWatch.
package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/0karl0/Serverless/internal/config"
	"github.com/0karl0/Serverless/internal/consume"
	"github.com/0karl0/Serverless/internal/metrics"
	"github.com/0karl0/Serverless/internal/process"
	"github.com/0karl0/Serverless/internal/provision"
	"github.com/0karl0/Serverless/pkg/awsconn"
	pkgconfig "github.com/0karl0/Serverless/pkg/config"
	"github.com/0karl0/Serverless/pkg/log"
	"github.com/0karl0/Serverless/pkg/storage"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadProcessor(pkgconfig.GetEnv("CONFIG_PATH", "./config"))
	if err != nil {
		logger := log.L()
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	awsCfg, err := awsconn.Load(ctx, cfg.AWS)
	if err != nil {
		logger := log.L()
		logger.Fatal().Err(err).Msg("failed to load AWS config")
	}
	endpoint := cfg.AWS.Endpoint

	var mirror io.Writer
	if cfg.CloudWatch.LogGroup != "" {
		cwlClient := cloudwatchlogs.NewFromConfig(awsCfg, func(o *cloudwatchlogs.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		w, err := log.NewCloudWatchWriter(ctx, cwlClient, cfg.CloudWatch.LogGroup, cfg.CloudWatch.LogStream)
		if err != nil {
			logger := log.L()
			logger.Warn().Err(err).Msg("cloudwatch log mirroring unavailable")
		} else {
			mirror = w
			defer w.Close()
		}
	}

	log.Init(log.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "processor",
		Mirror:      mirror,
	})
	l := log.L()

	uploads := storage.NewS3Storage(awsCfg, endpoint, storage.S3Config{
		Bucket:       cfg.UploadBucket,
		UsePathStyle: cfg.UsePathStyle,
	})
	processed := storage.NewS3Storage(awsCfg, endpoint, storage.S3Config{
		Bucket:       cfg.OutputBucket,
		UsePathStyle: cfg.UsePathStyle,
	})

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		l.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	prov := provision.New(provision.Config{
		QueueName: cfg.QueueName,
	}, uploads, processed, s3Client, sqsClient, nil)
	prov.Start(ctx)

	select {
	case <-prov.Ready():
	case <-ctx.Done():
		return
	}

	reporter := metrics.NewCloudWatchReporter(cwClient, cfg.CostPerImage)
	inverter := process.NewInverter(uploads, processed, reporter)
	consumer := consume.New(sqsClient, prov.QueueURL(), inverter)

	l.Info().Str(log.FieldQueue, prov.QueueURL()).Msg("processor started")
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		l.Error().Err(err).Msg("consumer stopped with error")
	}
	l.Info().Msg("processor stopped")
}
