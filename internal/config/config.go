// Package config loads the pipeline service configuration from YAML
// files and environment variables. Defaults target the local compose
// stack, so both services boot with zero configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/0karl0/Serverless/pkg/awsconn"
	pkgconfig "github.com/0karl0/Serverless/pkg/config"
)

// Log holds logger settings shared by both services.
type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// CloudWatch holds the optional log mirroring target. An empty group
// disables mirroring.
type CloudWatch struct {
	LogGroup  string `mapstructure:"log_group"`
	LogStream string `mapstructure:"log_stream"`
}

// Processor configures the queue-driven image processor.
type Processor struct {
	AWS        awsconn.Config `mapstructure:"aws"`
	Log        Log            `mapstructure:"log"`
	CloudWatch CloudWatch     `mapstructure:"cloudwatch"`

	UploadBucket string  `mapstructure:"upload_bucket"`
	OutputBucket string  `mapstructure:"output_bucket"`
	QueueName    string  `mapstructure:"queue_name"`
	UsePathStyle bool    `mapstructure:"use_path_style"`
	CostPerImage float64 `mapstructure:"cost_per_image"`
}

// Webapp configures the upload/stream web service.
type Webapp struct {
	AWS        awsconn.Config `mapstructure:"aws"`
	Log        Log            `mapstructure:"log"`
	CloudWatch CloudWatch     `mapstructure:"cloudwatch"`

	ListenAddr       string `mapstructure:"listen_addr"`
	UploadBucket     string `mapstructure:"upload_bucket"`
	OutputBucket     string `mapstructure:"output_bucket"`
	TopicName        string `mapstructure:"topic_name"`
	NotifyEndpoint   string `mapstructure:"notify_endpoint"`
	PublicS3Endpoint string `mapstructure:"public_s3_endpoint"`
	UsePathStyle     bool   `mapstructure:"use_path_style"`

	URLExpirySeconds int `mapstructure:"url_expiry_seconds"`
}

// URLExpiry returns the presigned URL lifetime.
func (w Webapp) URLExpiry() time.Duration {
	return time.Duration(w.URLExpirySeconds) * time.Second
}

// LoadProcessor reads the processor configuration.
func LoadProcessor(configPath string) (*Processor, error) {
	v, err := pkgconfig.Load(configPath, "processor")
	if err != nil {
		return nil, err
	}

	setSharedDefaults(v, "processor")
	v.SetDefault("queue_name", "upload-events")
	v.SetDefault("cost_per_image", 0.0005)
	bindEnv(v, "queue_name", "UPLOAD_QUEUE_NAME")
	bindEnv(v, "cost_per_image", "COST_PER_IMAGE_USD")

	var cfg Processor
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal processor config: %w", err)
	}
	return &cfg, nil
}

// LoadWebapp reads the webapp configuration.
func LoadWebapp(configPath string) (*Webapp, error) {
	v, err := pkgconfig.Load(configPath, "webapp")
	if err != nil {
		return nil, err
	}

	setSharedDefaults(v, "webapp")
	v.SetDefault("listen_addr", ":5000")
	v.SetDefault("topic_name", "processed-updates")
	v.SetDefault("notify_endpoint", "http://webapp:5000/sns/processed")
	v.SetDefault("public_s3_endpoint", "")
	v.SetDefault("url_expiry_seconds", 3600)
	bindEnv(v, "listen_addr", "LISTEN_ADDR")
	bindEnv(v, "topic_name", "PROCESSED_TOPIC_NAME")
	bindEnv(v, "notify_endpoint", "SNS_HTTP_ENDPOINT")
	bindEnv(v, "public_s3_endpoint", "PUBLIC_S3_ENDPOINT")

	var cfg Webapp
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal webapp config: %w", err)
	}
	return &cfg, nil
}

func setSharedDefaults(v *viper.Viper, service string) {
	v.SetDefault("aws.endpoint", "http://localstack:4566")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.access_key_id", "test")
	v.SetDefault("aws.secret_access_key", "test")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("cloudwatch.log_group", "")
	v.SetDefault("cloudwatch.log_stream", service)

	v.SetDefault("upload_bucket", "uploads")
	v.SetDefault("output_bucket", "processed")
	v.SetDefault("use_path_style", true)

	bindEnv(v, "aws.endpoint", "AWS_ENDPOINT_URL")
	bindEnv(v, "aws.region", "AWS_REGION")
	bindEnv(v, "aws.access_key_id", "AWS_ACCESS_KEY_ID")
	bindEnv(v, "aws.secret_access_key", "AWS_SECRET_ACCESS_KEY")
	bindEnv(v, "upload_bucket", "UPLOAD_BUCKET")
	bindEnv(v, "output_bucket", "OUTPUT_BUCKET")
	bindEnv(v, "cloudwatch.log_group", "CLOUDWATCH_LOG_GROUP")
	bindEnv(v, "cloudwatch.log_stream", "CLOUDWATCH_LOG_STREAM")
	bindEnv(v, "log.level", "LOG_LEVEL")
}

func bindEnv(v *viper.Viper, key, env string) {
	// BindEnv only errors on an empty key.
	_ = v.BindEnv(key, env)
}
