package transfer

import (
	"context"
	"fmt"
	"math"
	"mime"
	"net/http"
	"net/url"
	"path"
	"time"

	"feedsync/internal/storage"

	"go.uber.org/zap"
)

// S3 streams a URL into an S3-compatible bucket. Destinations have the form
// "bucket" or "bucket/prefix"; with AutoFilename unset the prefix is the full
// object key.
type S3 struct {
	client         storage.Client
	httpClient     *http.Client
	partSize       uint64
	retryBackoffMs int
	logger         *zap.Logger
}

// S3Config contains S3 copier configuration
type S3Config struct {
	PartSize       uint64
	RetryBackoffMs int
	Timeout        time.Duration
}

// NewS3 creates an S3 copier over client
func NewS3(client storage.Client, cfg S3Config, logger *zap.Logger) *S3 {
	if cfg.RetryBackoffMs <= 0 {
		cfg.RetryBackoffMs = 500
	}
	return &S3{
		client:         client,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		partSize:       cfg.PartSize,
		retryBackoffMs: cfg.RetryBackoffMs,
		logger:         logger,
	}
}

// CopyURL implements Copier. Failures are reported as exit status 1 with the
// last error as stderr, so rate-limit signatures can match HTTP errors.
func (s *S3) CopyURL(ctx context.Context, req Request) (Result, error) {
	dest, err := storage.ParseDestination(req.Dest)
	if err != nil {
		return Result{}, err
	}

	attempts := req.Retries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var loc storage.Location
		loc, lastErr = s.copyOnce(ctx, req, dest)
		if lastErr == nil {
			return Result{Stdout: fmt.Sprintf("copied %s to %s\n", req.URL, loc)}, nil
		}

		s.logger.Warn("Copy attempt failed",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		if attempt < attempts {
			select {
			case <-time.After(s.calculateBackoff(attempt)):
			case <-ctx.Done():
				return Result{ExitCode: 1, Stderr: ctx.Err().Error()}, nil
			}
		}
	}

	return Result{ExitCode: 1, Stderr: lastErr.Error()}, nil
}

func (s *S3) copyOnce(ctx context.Context, req Request, dest storage.Destination) (storage.Location, error) {
	var loc storage.Location

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return loc, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return loc, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return loc, fmt.Errorf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var name string
	if req.AutoFilename {
		if name = filenameFromResponse(resp); name == "" {
			return loc, fmt.Errorf("cannot derive a file name from %s", req.URL)
		}
	}
	loc = dest.Object(name)
	if loc.Key == "" {
		return loc, fmt.Errorf("no object key for %s", req.URL)
	}

	if req.IgnoreExisting {
		exists, err := s.client.Exists(ctx, loc)
		if err != nil {
			return loc, err
		}
		if exists {
			s.logger.Debug("Skipping existing object", zap.Stringer("object", loc))
			return loc, nil
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	err = s.client.Upload(ctx, loc, resp.Body, storage.Upload{
		Size:        resp.ContentLength,
		ContentType: contentType,
		SourceURL:   req.URL,
		PartSize:    s.partSize,
	})
	return loc, err
}

func (s *S3) calculateBackoff(attempt int) time.Duration {
	base := time.Duration(s.retryBackoffMs) * time.Millisecond
	return base * time.Duration(math.Pow(2, float64(attempt-1)))
}

// filenameFromResponse prefers Content-Disposition, then the last URL path
// segment of the final request
func filenameFromResponse(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := path.Base(params["filename"]); name != "" && name != "." && name != "/" {
				return name
			}
		}
	}

	if resp.Request == nil || resp.Request.URL == nil {
		return ""
	}
	name, err := url.PathUnescape(path.Base(resp.Request.URL.Path))
	if err != nil || name == "." || name == "/" {
		return ""
	}
	return name
}
