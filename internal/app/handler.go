package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"feedsync/internal/entry"
	"feedsync/internal/metrics"
	"feedsync/internal/seedr"
	"feedsync/internal/transfer"
	"feedsync/internal/worker"

	"go.uber.org/zap"
)

// Copier copies a URL to a destination; empty dest means the default one
type Copier interface {
	CopyURL(ctx context.Context, url, dest string) error
}

// Acquirer is the secondary acquisition path
type Acquirer interface {
	Download(ctx context.Context, locator string, filterExt []string, timeout time.Duration) (*seedr.Job, error)
}

// Handler copies one entry, falling back to the acquirer when the primary
// source does not exist
type Handler struct {
	copier     Copier
	acquirer   Acquirer
	httpURL    string
	torrentURL string
	extensions []string
	timeout    time.Duration
	probe      *http.Client
	dryRun     bool
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// HandlerConfig contains handler configuration
type HandlerConfig struct {
	HTTPURL    string
	TorrentURL string
	Extensions []string
	// FallbackTimeout bounds one secondary acquisition
	FallbackTimeout time.Duration
	ProbeTimeout    time.Duration
	DryRun          bool
}

// NewHandler creates a handler. acquirer may be nil to disable the fallback.
func NewHandler(copier Copier, acquirer Acquirer, cfg HandlerConfig, m *metrics.Collector, logger *zap.Logger) *Handler {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	return &Handler{
		copier:     copier,
		acquirer:   acquirer,
		httpURL:    cfg.HTTPURL,
		torrentURL: cfg.TorrentURL,
		extensions: cfg.Extensions,
		timeout:    cfg.FallbackTimeout,
		probe:      &http.Client{Timeout: cfg.ProbeTimeout},
		dryRun:     cfg.DryRun,
		metrics:    m,
		logger:     logger,
	}
}

// Handle implements worker.Handler
func (h *Handler) Handle(ctx context.Context, e entry.Entry, p worker.Progress) (bool, error) {
	startTime := time.Now()
	tag := p.String()

	if h.dryRun {
		h.logger.Info(tag+" Skip copying", zap.String("entry", e.ID))
		return true, nil
	}

	h.logger.Info(tag+" Copying", zap.String("entry", e.ID), zap.String("title", e.Title))
	link := Expand(h.httpURL, e)

	err := h.copier.CopyURL(ctx, link, "")
	if err == nil {
		h.logSuccess(tag, e, startTime)
		return true, nil
	}
	h.logger.Debug(tag+" Copy failed", zap.String("url", link), zap.Error(err))

	// the fallback copies through the same client, so it would fail too
	if errors.Is(err, transfer.ErrRateLimited) {
		return false, nil
	}
	if h.exists(ctx, link) {
		h.logger.Info(tag+" Copy failed, source is reachable", zap.String("entry", e.ID), zap.Error(err))
		return false, nil
	}
	if h.acquirer == nil {
		return false, nil
	}

	h.logger.Info(tag+" http failed, using seedr", zap.String("entry", e.ID))
	locator := Expand(h.torrentURL, e)
	job, err := h.acquirer.Download(ctx, locator, h.extensions, h.timeout)
	switch {
	case errors.Is(err, seedr.ErrTimeout):
		h.metrics.ObserveFallback("timeout")
		h.logger.Warn(tag+" Seedr timeout", zap.String("entry", e.ID), zap.Error(err))
		return false, nil
	case err != nil:
		h.metrics.ObserveFallback("error")
		h.logger.Warn(tag+" Seedr failed", zap.String("entry", e.ID), zap.Error(err))
		return false, nil
	}

	h.metrics.ObserveFallback("success")
	h.logger.Debug(tag+" Downloaded", zap.String("locator", locator), zap.Strings("files", job.Copied))
	h.logSuccess(tag, e, startTime)
	return true, nil
}

// exists reports whether url answers a HEAD request with 200
func (h *Handler) exists(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := h.probe.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (h *Handler) logSuccess(tag string, e entry.Entry, startTime time.Time) {
	h.logger.Info(tag+" Copied successfully",
		zap.String("entry", e.ID),
		zap.Duration("duration", time.Since(startTime).Truncate(time.Second)),
	)
}

// Expand substitutes {name} (the entry ID), {title} and {link} in tmpl.
// Values are inserted verbatim.
func Expand(tmpl string, e entry.Entry) string {
	return strings.NewReplacer(
		"{name}", e.ID,
		"{title}", e.Title,
		"{link}", e.Link,
	).Replace(tmpl)
}
