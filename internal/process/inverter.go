// Package process holds the pixel transform applied to each uploaded
// image. The transform is deliberately self-contained behind the
// consumer's Handler interface so it can be swapped without touching the
// delivery pipeline; the only hard requirement is idempotence, since the
// queue may redeliver a record that was already transformed.
package process

import (
	"bytes"
	"context"
	"fmt"

	"github.com/disintegration/imaging"

	"github.com/0karl0/Serverless/internal/event"
	"github.com/0karl0/Serverless/internal/metrics"
	"github.com/0karl0/Serverless/pkg/log"
	"github.com/0karl0/Serverless/pkg/storage"
)

const jpegQuality = 90

// Inverter reads an uploaded image, inverts its colors and writes the
// result under the same key in the processed bucket. Output depends only
// on the input object, so re-invocation on redelivery is harmless.
type Inverter struct {
	uploads   storage.Storage
	processed storage.Storage
	reporter  metrics.Reporter
}

// NewInverter constructs the transform over the two buckets.
func NewInverter(uploads, processed storage.Storage, reporter metrics.Reporter) *Inverter {
	return &Inverter{
		uploads:   uploads,
		processed: processed,
		reporter:  reporter,
	}
}

// Handle implements consume.Handler.
func (p *Inverter) Handle(ctx context.Context, rec event.ObjectRecord) error {
	l := log.L()
	l.Info().Str(log.FieldKey, rec.Key).Msg("processing image")

	rc, err := p.uploads.Read(ctx, rec.Key)
	if err != nil {
		return fmt.Errorf("read upload %s: %w", rec.Key, err)
	}
	defer rc.Close()

	img, err := imaging.Decode(rc)
	if err != nil {
		return fmt.Errorf("decode image %s: %w", rec.Key, err)
	}

	inverted := imaging.Invert(img)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, inverted, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return fmt.Errorf("encode image %s: %w", rec.Key, err)
	}

	if err := p.processed.Write(ctx, rec.Key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "image/jpeg"); err != nil {
		return fmt.Errorf("write processed %s: %w", rec.Key, err)
	}

	// Metric delivery is best-effort; a metrics outage must not force a
	// redelivery of an already-transformed image.
	if err := p.reporter.ImageProcessed(ctx); err != nil {
		l.Warn().Err(err).Msg("failed to report processing metrics")
	}

	l.Info().Str(log.FieldKey, rec.Key).Msg("completed processing")
	return nil
}
