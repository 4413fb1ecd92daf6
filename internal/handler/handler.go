// Package handler exposes the webapp's HTTP surface: photo upload,
// gallery listing, the SNS webhook and the live SSE event stream.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/0karl0/Serverless/internal/hub"
	"github.com/0karl0/Serverless/internal/provision"
	"github.com/0karl0/Serverless/internal/relay"
	"github.com/0karl0/Serverless/pkg/log"
	"github.com/0karl0/Serverless/pkg/response"
	"github.com/0karl0/Serverless/pkg/storage"
)

// Handler serves the webapp routes.
type Handler struct {
	uploads   storage.Storage
	processed storage.Storage
	hub       *hub.Hub
	relay     *relay.Relay
	prov      *provision.Provisioner
	urlExpiry time.Duration
}

// New creates the handler over its collaborators.
func New(uploads, processed storage.Storage, h *hub.Hub, r *relay.Relay, prov *provision.Provisioner, urlExpiry time.Duration) *Handler {
	return &Handler{
		uploads:   uploads,
		processed: processed,
		hub:       h,
		relay:     r,
		prov:      prov,
		urlExpiry: urlExpiry,
	}
}

// RegisterRoutes attaches all routes to the router.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.POST("/upload", h.Upload)
	r.GET("/api/images", h.ListImages)
	r.GET("/events", h.Events)
	r.POST("/sns/processed", h.ProcessedNotification)
}

// EnsureProvisioned lazily kicks off resource provisioning on the first
// request. Start collapses concurrent calls, so this is safe on every
// request. The detached context keeps provisioning alive after the
// triggering request completes.
func (h *Handler) EnsureProvisioned() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.prov.Start(context.WithoutCancel(c.Request.Context()))
		c.Next()
	}
}

// Health reports liveness and whether provisioning has finished.
func (h *Handler) Health(c *gin.Context) {
	provisioned := false
	select {
	case <-h.prov.Ready():
		provisioned = true
	default:
	}
	response.Success(c, gin.H{
		"status":      "healthy",
		"provisioned": provisioned,
		"listeners":   h.hub.Count(),
	})
}

// Upload accepts a multipart photo and stores it in the upload bucket
// under a timestamped key. The pipeline takes over from there.
func (h *Handler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "missing file field")
		return
	}
	if file.Size == 0 {
		response.BadRequest(c, "empty file")
		return
	}

	src, err := file.Open()
	if err != nil {
		response.InternalError(c, "failed to open uploaded file")
		return
	}
	defer src.Close()

	key := storage.ObjectKey(file.Filename)
	contentType := file.Header.Get("Content-Type")

	ctx := c.Request.Context()
	if err := h.uploads.Write(ctx, key, src, file.Size, contentType); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldKey, key).Msg("failed to store upload")
		response.InternalError(c, "failed to store upload")
		return
	}

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldKey, key).Int64("size", file.Size).Msg("stored upload")
	response.Created(c, gin.H{
		"bucket": h.uploads.Bucket(),
		"key":    key,
	})
}

type imageInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	URL          string    `json:"url"`
}

// ListImages returns every processed image with a presigned access URL.
func (h *Handler) ListImages(c *gin.Context) {
	ctx := c.Request.Context()

	files, err := h.processed.List(ctx, "")
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to list processed images")
		response.InternalError(c, "failed to list images")
		return
	}

	images := make([]imageInfo, 0, len(files))
	for _, f := range files {
		url, err := h.processed.GetURL(ctx, f.Key, h.urlExpiry)
		if err != nil {
			l := log.Ctx(ctx)
			l.Error().Err(err).Str(log.FieldKey, f.Key).Msg("failed to presign image URL")
			response.InternalError(c, "failed to presign image URL")
			return
		}
		images = append(images, imageInfo{
			Key:          f.Key,
			Size:         f.Size,
			LastModified: f.LastModified,
			URL:          url,
		})
	}

	response.Success(c, gin.H{"images": images})
}

// Events streams processed-image updates as server-sent events. The
// stream stays open until the client disconnects; each broadcast message
// becomes one `data:` frame.
func (h *Handler) Events(c *gin.Context) {
	ctx := c.Request.Context()

	// Listeners connecting during startup wait for provisioning rather
	// than failing.
	select {
	case <-h.prov.Ready():
	case <-ctx.Done():
		return
	}

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}

		data, err := json.Marshal(msg)
		if err != nil {
			l := log.Ctx(ctx)
			l.Error().Err(err).Msg("failed to encode event")
			continue
		}

		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		c.Writer.Flush()
	}
}

// ProcessedNotification is the SNS webhook for the processed-updates
// topic. Status codes tell SNS whether to retry the delivery.
func (h *Handler) ProcessedNotification(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.BadRequest(c, "failed to read request body")
		return
	}

	ctx := c.Request.Context()
	switch err := h.relay.Receive(ctx, body); {
	case err == nil:
		c.Status(http.StatusOK)
	case errors.Is(err, relay.ErrNotConfirmed):
		response.Conflict(c, "SUBSCRIPTION_NOT_CONFIRMED", "subscription handshake has not completed")
	case errors.Is(err, relay.ErrMalformed), errors.Is(err, relay.ErrBadHandshake):
		response.BadRequest(c, err.Error())
	default:
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to handle notification")
		response.InternalError(c, "failed to handle notification")
	}
}
