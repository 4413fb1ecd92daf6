// The webapp accepts photo uploads, serves the processed gallery, and
// streams processed-image updates to browsers over SSE. AWS resources
// are provisioned lazily on the first request.
package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/gin-gonic/gin"

	"github.com/0karl0/Serverless/internal/config"
	"github.com/0karl0/Serverless/internal/handler"
	"github.com/0karl0/Serverless/internal/hub"
	"github.com/0karl0/Serverless/internal/provision"
	"github.com/0karl0/Serverless/internal/relay"
	"github.com/0karl0/Serverless/pkg/awsconn"
	pkgconfig "github.com/0karl0/Serverless/pkg/config"
	"github.com/0karl0/Serverless/pkg/log"
	"github.com/0karl0/Serverless/pkg/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadWebapp(pkgconfig.GetEnv("CONFIG_PATH", "./config"))
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
		ServiceName: "webapp",
		Mirror:      mirror,
	})
	l := log.L()

	uploads := storage.NewS3Storage(awsCfg, endpoint, storage.S3Config{
		Bucket:       cfg.UploadBucket,
		UsePathStyle: cfg.UsePathStyle,
		PublicURL:    cfg.PublicS3Endpoint,
	})
	processed := storage.NewS3Storage(awsCfg, endpoint, storage.S3Config{
		Bucket:       cfg.OutputBucket,
		UsePathStyle: cfg.UsePathStyle,
		PublicURL:    cfg.PublicS3Endpoint,
	})

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	snsClient := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	prov := provision.New(provision.Config{
		TopicName:      cfg.TopicName,
		NotifyEndpoint: cfg.NotifyEndpoint,
	}, uploads, processed, s3Client, nil, snsClient)

	broadcast := hub.New()
	rl := relay.New(snsClient, processed, broadcast, cfg.URLExpiry())

	h := handler.New(uploads, processed, broadcast, rl, prov, cfg.URLExpiry())

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), log.GinMiddleware(l), h.EnsureProvisioned())
	h.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
		// Event streams inherit this context, so cancelling it on
		// shutdown releases the long-lived SSE connections.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		l.Info().Str("addr", cfg.ListenAddr).Msg("webapp listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	l.Info().Str("signal", sig.String()).Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
	l.Info().Msg("webapp stopped")
}
