package log

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

const (
	cwFlushInterval = 2 * time.Second
	cwMaxBatch      = 500
)

// CloudWatchLogsAPI is the subset of the CloudWatch Logs client used by the writer.
type CloudWatchLogsAPI interface {
	CreateLogGroup(ctx context.Context, in *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	CreateLogStream(ctx context.Context, in *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatchWriter mirrors log lines to a CloudWatch Logs stream.
// It buffers writes and ships them in the background; delivery is
// best-effort so a slow or unavailable backend never blocks logging.
type CloudWatchWriter struct {
	client CloudWatchLogsAPI
	group  string
	stream string

	mu      sync.Mutex
	pending []types.InputLogEvent

	done chan struct{}
	stop sync.Once
}

// NewCloudWatchWriter ensures the log group and stream exist and starts
// the background flusher. Callers that get an error should fall back to
// stdout-only logging.
func NewCloudWatchWriter(ctx context.Context, client CloudWatchLogsAPI, group, stream string) (*CloudWatchWriter, error) {
	_, err := client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(group),
	})
	if err != nil && !isAlreadyExists(err) {
		return nil, err
	}

	_, err = client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
	})
	if err != nil && !isAlreadyExists(err) {
		return nil, err
	}

	w := &CloudWatchWriter{
		client: client,
		group:  group,
		stream: stream,
		done:   make(chan struct{}),
	}
	go w.flushLoop()
	return w, nil
}

// Write buffers one log line. It never blocks and never fails.
func (w *CloudWatchWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg == "" {
		return len(p), nil
	}

	w.mu.Lock()
	if len(w.pending) < cwMaxBatch {
		w.pending = append(w.pending, types.InputLogEvent{
			Message:   aws.String(msg),
			Timestamp: aws.Int64(time.Now().UnixMilli()),
		})
	}
	w.mu.Unlock()
	return len(p), nil
}

// Close flushes buffered events and stops the background flusher.
func (w *CloudWatchWriter) Close() error {
	w.stop.Do(func() { close(w.done) })
	w.flush()
	return nil
}

func (w *CloudWatchWriter) flushLoop() {
	ticker := time.NewTicker(cwFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.flush()
		case <-w.done:
			return
		}
	}
}

func (w *CloudWatchWriter) flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Dropped on failure; the primary stdout sink already has the lines.
	_, _ = w.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(w.group),
		LogStreamName: aws.String(w.stream),
		LogEvents:     batch,
	})
}

func isAlreadyExists(err error) bool {
	var exists *types.ResourceAlreadyExistsException
	return errors.As(err, &exists)
}
