package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0karl0/Serverless/internal/hub"
	"github.com/0karl0/Serverless/internal/provision"
	"github.com/0karl0/Serverless/internal/relay"
	"github.com/0karl0/Serverless/pkg/storage"
)

type memStorage struct {
	mu      sync.Mutex
	name    string
	objects map[string][]byte
}

func newMemStorage(name string) *memStorage {
	return &memStorage{name: name, objects: make(map[string][]byte)}
}

func (m *memStorage) EnsureBucket(ctx context.Context) error { return nil }

func (m *memStorage) Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStorage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such key: " + key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) List(ctx context.Context, prefix string) ([]storage.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var files []storage.FileInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			files = append(files, storage.FileInfo{Key: k, Size: int64(len(v))})
		}
	}
	return files, nil
}

func (m *memStorage) GetURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	return "http://localhost:4566/" + m.name + "/" + key, nil
}

func (m *memStorage) Bucket() string { return m.name }

func (m *memStorage) object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

type fakeSNS struct{}

func (fakeSNS) ConfirmSubscription(ctx context.Context, in *sns.ConfirmSubscriptionInput, _ ...func(*sns.Options)) (*sns.ConfirmSubscriptionOutput, error) {
	return &sns.ConfirmSubscriptionOutput{}, nil
}

type fixture struct {
	uploads   *memStorage
	processed *memStorage
	hub       *hub.Hub
	relay     *relay.Relay
	router    *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	uploads := newMemStorage("uploads")
	processed := newMemStorage("processed")
	h := hub.New()
	rl := relay.New(fakeSNS{}, processed, h, time.Hour)

	prov := provision.New(provision.Config{}, uploads, processed, nil, nil, nil)
	prov.Start(context.Background())
	select {
	case <-prov.Ready():
	case <-time.After(time.Second):
		t.Fatal("provisioning did not complete")
	}

	handler := New(uploads, processed, h, rl, prov, time.Hour)
	router := gin.New()
	router.Use(handler.EnsureProvisioned())
	handler.RegisterRoutes(router)

	return &fixture{
		uploads:   uploads,
		processed: processed,
		hub:       h,
		relay:     rl,
		router:    router,
	}
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func decodeData(t *testing.T, body *bytes.Buffer) map[string]any {
	t.Helper()
	var resp struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body.Bytes(), &resp))
	require.True(t, resp.Success)
	return resp.Data
}

func TestUploadStoresObjectUnderTimestampedKey(t *testing.T) {
	f := newFixture(t)

	body, contentType := multipartBody(t, "file", "my photo.png", []byte("fake image bytes"))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	data := decodeData(t, rec.Body)
	key, _ := data["key"].(string)
	require.NotEmpty(t, key)
	assert.Regexp(t, `^\d+-my_photo\.png$`, key)
	assert.Equal(t, "uploads", data["bucket"])

	stored, ok := f.uploads.object(key)
	require.True(t, ok)
	assert.Equal(t, []byte("fake image bytes"), stored)
}

func TestUploadRejectsMissingAndEmptyFiles(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(""))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, contentType := multipartBody(t, "file", "empty.png", nil)
	req = httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListImagesReturnsPresignedURLs(t *testing.T) {
	f := newFixture(t)
	f.processed.objects["1-a.jpg"] = []byte("aaa")
	f.processed.objects["2-b.jpg"] = []byte("bbbb")

	req := httptest.NewRequest(http.MethodGet, "/api/images", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Images []struct {
				Key string `json:"key"`
				URL string `json:"url"`
			} `json:"images"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Images, 2)
	for _, img := range resp.Data.Images {
		assert.Contains(t, img.URL, "/processed/"+img.Key)
	}
}

func postJSON(f *fixture, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestNotificationStatusCodes(t *testing.T) {
	f := newFixture(t)

	notification := fmt.Sprintf(
		`{"Type":"Notification","Message":%q}`,
		`{"Records":[{"s3":{"bucket":{"name":"processed"},"object":{"key":"a.jpg"}}}]}`,
	)

	// Events before the handshake are refused so SNS redelivers them.
	rec := postJSON(f, "/sns/processed", notification)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "SUBSCRIPTION_NOT_CONFIRMED")

	rec = postJSON(f, "/sns/processed", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(f, "/sns/processed", `{"Type":"SubscriptionConfirmation","Token":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(f, "/sns/processed", `{"Type":"SubscriptionConfirmation","Token":"tok","TopicArn":"arn:topic"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(f, "/sns/processed", notification)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReportsProvisioned(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec.Body)
	assert.Equal(t, true, data["provisioned"])
}

func TestEventsStreamsPublishedMessages(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		time.Sleep(100 * time.Millisecond)
		f.hub.Publish(hub.Message{Bucket: "processed", Key: "a.jpg", URL: "http://localhost:4566/processed/a.jpg"})
	}()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var msg hub.Message
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg))
		assert.Equal(t, "a.jpg", msg.Key)
		assert.Equal(t, "http://localhost:4566/processed/a.jpg", msg.URL)
		return
	}

	t.Fatalf("stream ended without an event: %v", scanner.Err())
}
