package transfer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"feedsync/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memObject struct {
	data        []byte
	contentType string
	sourceURL   string
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string]memObject
	puts    int
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string]memObject)}
}

func (m *memStorage) Upload(_ context.Context, loc storage.Location, r io.Reader, u storage.Upload) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.objects[loc.String()] = memObject{data: data, contentType: u.ContentType, sourceURL: u.SourceURL}
	return nil
}

func (m *memStorage) Exists(_ context.Context, loc storage.Location) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[loc.String()]
	return ok, nil
}

func TestS3CopyURLAutoFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	st := newMemStorage()
	s3 := NewS3(st, S3Config{}, zap.NewNop())

	res, err := s3.CopyURL(context.Background(), Request{
		URL:          srv.URL + "/files/My%20Show.mp4",
		Dest:         "media/shows",
		AutoFilename: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	obj, ok := st.objects["media/shows/My Show.mp4"]
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), obj.data)
	assert.Equal(t, "video/mp4", obj.contentType)
	assert.Equal(t, srv.URL+"/files/My%20Show.mp4", obj.sourceURL)
}

func TestS3CopyURLContentDisposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="episode.mkv"`)
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	st := newMemStorage()
	s3 := NewS3(st, S3Config{}, zap.NewNop())

	_, err := s3.CopyURL(context.Background(), Request{URL: srv.URL + "/download?id=1", Dest: "media", AutoFilename: true})
	require.NoError(t, err)

	obj, ok := st.objects["media/episode.mkv"]
	require.True(t, ok)
	assert.Equal(t, "application/octet-stream", obj.contentType)
}

func TestS3CopyURLIgnoreExisting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("new"))
	}))
	defer srv.Close()

	st := newMemStorage()
	st.objects["media/a.mp4"] = memObject{data: []byte("old")}
	s3 := NewS3(st, S3Config{}, zap.NewNop())

	res, err := s3.CopyURL(context.Background(), Request{URL: srv.URL + "/a.mp4", Dest: "media", AutoFilename: true, IgnoreExisting: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 0, st.puts)
	assert.Equal(t, []byte("old"), st.objects["media/a.mp4"].data)
}

func TestS3CopyURLRetriesThenReportsHTTPStatus(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s3 := NewS3(newMemStorage(), S3Config{RetryBackoffMs: 1}, zap.NewNop())

	res, err := s3.CopyURL(context.Background(), Request{URL: srv.URL + "/a.mp4", Dest: "media", AutoFilename: true, Retries: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "429 Too Many Requests")
	assert.Equal(t, 3, hits)
}

func TestS3CopyURLRecoversOnRetry(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	st := newMemStorage()
	s3 := NewS3(st, S3Config{RetryBackoffMs: 1}, zap.NewNop())

	res, err := s3.CopyURL(context.Background(), Request{URL: srv.URL + "/obj", Dest: "media/key.bin", Retries: 2})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, st.objects, "media/key.bin")
}

func TestS3CopyURLInvalidDest(t *testing.T) {
	s3 := NewS3(newMemStorage(), S3Config{}, zap.NewNop())
	_, err := s3.CopyURL(context.Background(), Request{URL: "http://example.com/a", Dest: "/"})
	assert.Error(t, err)
}

func TestS3ThroughClientTriggersCooldown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s3 := NewS3(newMemStorage(), S3Config{RetryBackoffMs: 1}, zap.NewNop())
	c, _, _ := newTestClient(s3, Config{DefaultDest: "media", RateLimitErrors: []string{"Too Many Requests"}})

	err := c.CopyURL(context.Background(), srv.URL+"/a.mp4", "")
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))

	_, limited := c.LimitedUntil()
	assert.True(t, limited)
}
