package transfer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config contains client configuration
type Config struct {
	DefaultDest     string
	Retries         int
	LowLevelRetries int
	// RateLimitErrors are substrings of the copy output that signal throttling
	RateLimitErrors []string
	RateLimitWait   time.Duration
}

// Client wraps a Copier with default arguments and a rate-limit cooldown.
// It is safe for concurrent use.
type Client struct {
	copier   Copier
	config   Config
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	limitedUntil *time.Time
}

// Option customizes a Client
type Option func(*Client)

// WithRecorder reports copy outcomes to r
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a transfer client
func NewClient(copier Copier, cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if cfg.DefaultDest == "" {
		cfg.DefaultDest = "dest:"
	}
	if cfg.RateLimitWait <= 0 {
		cfg.RateLimitWait = 15 * time.Minute
	}

	c := &Client{
		copier:   copier,
		config:   cfg,
		recorder: nopRecorder{},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	logger.Debug("Transfer client configured",
		zap.String("default_dest", cfg.DefaultDest),
		zap.Int("retries", cfg.Retries),
		zap.Int("low_level_retries", cfg.LowLevelRetries),
		zap.Strings("rate_limit_errors", cfg.RateLimitErrors),
		zap.Duration("rate_limit_wait", cfg.RateLimitWait),
	)
	return c
}

// CopyURL copies url to dest, or to the default destination when dest is
// empty. Existing files are skipped and the file name is derived from the
// source. While a cooldown is active it fails with ErrRateLimited without
// calling the copy primitive.
func (c *Client) CopyURL(ctx context.Context, url, dest string) error {
	if until, limited := c.cooldown(); limited {
		c.recorder.IncRateLimited()
		c.logger.Debug("Copy skipped, rate limit cooldown active",
			zap.String("url", url),
			zap.Time("limited_until", until),
		)
		return fmt.Errorf("%w until %s", ErrRateLimited, until.Format(time.RFC3339))
	}

	if dest == "" {
		dest = c.config.DefaultDest
	}

	req := Request{
		URL:             url,
		Dest:            dest,
		Retries:         c.config.Retries,
		LowLevelRetries: c.config.LowLevelRetries,
		IgnoreExisting:  true,
		AutoFilename:    true,
	}

	c.logger.Debug("Running copy", zap.String("url", url), zap.String("dest", dest))
	res, err := c.copier.CopyURL(ctx, req)
	if err == nil && res.ExitCode == 0 {
		c.recorder.ObserveCopy(true)
		return nil
	}
	c.recorder.ObserveCopy(false)

	c.logger.Warn("Copy failed",
		zap.String("url", url),
		zap.Int("exit_code", res.ExitCode),
		zap.String("stdout", strings.TrimSpace(res.Stdout)),
		zap.String("stderr", strings.TrimSpace(res.Stderr)),
		zap.Error(err),
	)

	output := res.Stderr
	if err != nil {
		output += "\n" + err.Error()
	}
	if sig, ok := c.matchRateLimit(output); ok {
		until := c.startCooldown()
		c.logger.Warn("Rate limit detected, pausing copies",
			zap.String("signature", sig),
			zap.Time("limited_until", until),
			zap.Duration("wait", c.config.RateLimitWait),
		)
	}

	if err != nil {
		return fmt.Errorf("copy of %s: %w", url, err)
	}
	return &ExitError{URL: url, Code: res.ExitCode, Stderr: res.Stderr}
}

// LimitedUntil returns the end of the active cooldown, if any
func (c *Client) LimitedUntil() (time.Time, bool) {
	return c.cooldown()
}

func (c *Client) cooldown() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limitedUntil == nil {
		return time.Time{}, false
	}
	if !c.now().Before(*c.limitedUntil) {
		return time.Time{}, false
	}
	return *c.limitedUntil, true
}

// startCooldown extends the cooldown to now+wait; it never shortens it
func (c *Client) startCooldown() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	until := c.now().Add(c.config.RateLimitWait)
	if c.limitedUntil == nil || until.After(*c.limitedUntil) {
		c.limitedUntil = &until
	}
	return *c.limitedUntil
}

func (c *Client) matchRateLimit(output string) (string, bool) {
	for _, sig := range c.config.RateLimitErrors {
		if sig != "" && strings.Contains(output, sig) {
			return sig, true
		}
	}
	return "", false
}
