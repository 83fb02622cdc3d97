package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// sourceURLMeta records where a stored file was copied from
const sourceURLMeta = "source-url"

// MinIOClient implements Client with minio-go
type MinIOClient struct {
	client *minio.Client
}

// NewMinIOClient creates a client for cfg.Endpoint. An https:// endpoint
// implies Secure.
func NewMinIOClient(cfg Config) (*MinIOClient, error) {
	host, tls, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure || tls,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOClient{client: client}, nil
}

// parseEndpoint accepts host[:port] or a scheme URL without a path
func parseEndpoint(endpoint string) (host string, tls bool, err error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.Contains(endpoint, "://") {
		if strings.Contains(endpoint, "/") {
			return "", false, fmt.Errorf("endpoint %q has a path but no scheme", endpoint)
		}
		return endpoint, false, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return "", false, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return "", false, fmt.Errorf("endpoint URL cannot have a path (got %s)", u.Path)
	}
	return u.Host, u.Scheme == "https", nil
}

// Exists stats the object
func (c *MinIOClient) Exists(ctx context.Context, loc Location) (bool, error) {
	_, err := c.client.StatObject(ctx, loc.Bucket, loc.Key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", loc, err)
}

// Upload puts the object, tagging it with its source URL
func (c *MinIOClient) Upload(ctx context.Context, loc Location, r io.Reader, u Upload) error {
	opts := minio.PutObjectOptions{
		ContentType: u.ContentType,
		PartSize:    u.PartSize,
	}
	if u.SourceURL != "" {
		opts.UserMetadata = map[string]string{sourceURLMeta: u.SourceURL}
	}

	if _, err := c.client.PutObject(ctx, loc.Bucket, loc.Key, r, u.Size, opts); err != nil {
		return fmt.Errorf("failed to upload %s: %w", loc, err)
	}
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}
