package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		host     string
		tls      bool
		wantErr  bool
	}{
		{name: "host and port", endpoint: "s3.local:9000", host: "s3.local:9000"},
		{name: "https url", endpoint: "https://s3.example.com", host: "s3.example.com", tls: true},
		{name: "trailing slash", endpoint: "http://127.0.0.1:9000/", host: "127.0.0.1:9000"},
		{name: "empty", endpoint: "", wantErr: true},
		{name: "path without scheme", endpoint: "s3.local/bucket", wantErr: true},
		{name: "url with path", endpoint: "https://s3.example.com/bucket", wantErr: true},
		{name: "other scheme", endpoint: "ftp://s3.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, tls, err := parseEndpoint(tt.endpoint)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

func TestParseDestination(t *testing.T) {
	d, err := ParseDestination("media/shows/2024/")
	require.NoError(t, err)
	assert.Equal(t, Destination{Bucket: "media", Prefix: "shows/2024"}, d)
	assert.Equal(t, Location{Bucket: "media", Key: "shows/2024/a.mkv"}, d.Object("a.mkv"))
	assert.Equal(t, "media/shows/2024", d.Object("").String())

	d, err = ParseDestination("media")
	require.NoError(t, err)
	assert.Equal(t, Location{Bucket: "media", Key: "a.mkv"}, d.Object("a.mkv"))

	_, err = ParseDestination("/")
	assert.Error(t, err)
}

func TestIsNotFound(t *testing.T) {
	assert.False(t, isNotFound(nil))
	assert.False(t, isNotFound(errors.New("boom")))
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, isNotFound(minio.ErrorResponse{StatusCode: http.StatusNotFound}))
}

// fakeS3 is a path-style object server answering HEAD and single-part PUT
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]http.Header
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodHead:
		data, ok := f.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("ETag", `"etag"`)
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		f.objects[r.URL.Path] = readBody(r)
		f.meta[r.URL.Path] = r.Header.Clone()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// readBody returns the object payload, undoing aws-chunked framing
func readBody(r *http.Request) []byte {
	data, _ := io.ReadAll(r.Body)
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return data
	}

	var out []byte
	br := bufio.NewReader(bytes.NewReader(data))
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return out
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil || size == 0 {
			return out
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return out
		}
		out = append(out, chunk...)
		_, _ = br.ReadString('\n')
	}
}

func TestMinIOClientExistsAndUpload(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}, meta: map[string]http.Header{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c, err := NewMinIOClient(Config{Endpoint: srv.URL, AccessKey: "a", SecretKey: "b", Region: "us-east-1"})
	require.NoError(t, err)

	ctx := context.Background()
	loc := Location{Bucket: "media", Key: "shows/a.mkv"}

	ok, err := c.Exists(ctx, loc)
	require.NoError(t, err)
	assert.False(t, ok)

	body := "payload"
	err = c.Upload(ctx, loc, strings.NewReader(body), Upload{
		Size:        int64(len(body)),
		ContentType: "video/x-matroska",
		SourceURL:   "https://files.example.com/a.mkv",
	})
	require.NoError(t, err)

	assert.Equal(t, []byte(body), fake.objects["/media/shows/a.mkv"])
	assert.Equal(t, "video/x-matroska", fake.meta["/media/shows/a.mkv"].Get("Content-Type"))
	assert.Equal(t, "https://files.example.com/a.mkv", fake.meta["/media/shows/a.mkv"].Get("X-Amz-Meta-Source-Url"))

	ok, err = c.Exists(ctx, loc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewMinIOClient(t *testing.T) {
	c, err := NewMinIOClient(Config{Endpoint: "http://localhost:9000", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = NewMinIOClient(Config{})
	assert.Error(t, err)
}
