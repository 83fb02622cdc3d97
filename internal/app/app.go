// Package app wires the feed, entry tracking, transfer and fallback
// components into sync cycles.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"feedsync/internal/config"
	"feedsync/internal/entry"
	"feedsync/internal/feed"
	"feedsync/internal/metrics"
	"feedsync/internal/progress"
	"feedsync/internal/seedr"
	"feedsync/internal/storage"
	"feedsync/internal/store"
	"feedsync/internal/transfer"
	"feedsync/internal/worker"

	"go.uber.org/zap"
)

// Syncer represents the main sync application
type Syncer struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       *store.SQLiteStore
	lister      *FeedLister
	managerOpts entry.Options
	client      *transfer.Client
	metrics     *metrics.Collector
	tracker     *progress.Tracker
	workers     *worker.Pool
}

// Option customizes a Syncer
type Option func(*options)

type options struct {
	copier     transfer.Copier
	fetcher    Fetcher
	noFallback bool
	reset      bool
}

// WithCopier replaces the configured copy primitive
func WithCopier(c transfer.Copier) Option {
	return func(o *options) { o.copier = c }
}

// WithFetcher replaces the feed source
func WithFetcher(f Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithoutFallback skips the seedr login, for commands that never copy
func WithoutFallback() Option {
	return func(o *options) { o.noFallback = true }
}

// WithReset wipes the store before any stored state is read, so a store
// written with another compare method can still be reset
func WithReset() Option {
	return func(o *options) { o.reset = true }
}

// New creates a new syncer instance. Store and configuration errors are
// returned; a failing seedr login only disables the fallback.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Syncer, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// Open entry store
	st, err := store.Open(cfg.Sync.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = st.Close()
		}
	}()

	if o.reset {
		if err := st.Reset(ctx); err != nil {
			return nil, fmt.Errorf("failed to reset store: %w", err)
		}
		logger.Info("Store reset", zap.String("path", cfg.Sync.DBPath))
	}

	initial, err := cfg.LastPublished()
	if err != nil {
		return nil, err
	}
	managerOpts := entry.Options{
		Channel:          channelName(cfg.Feed),
		IDField:          cfg.Entries.IDField,
		ExpireAfter:      cfg.Entries.ExpireAfter.Std(),
		Method:           cfg.Entries.CompareMethod,
		InitialPublished: initial,
	}
	manager, err := entry.NewManager(ctx, st, managerOpts, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create entry manager: %w", err)
	}

	// Create metrics collector
	metricsCollector := metrics.New()

	// Create copy primitive and transfer client
	copier := o.copier
	if copier == nil {
		copier, err = newCopier(cfg, logger)
		if err != nil {
			return nil, err
		}
	}
	client := transfer.NewClient(copier, transfer.Config{
		DefaultDest:     cfg.Transfer.Dest,
		Retries:         cfg.Transfer.Retries,
		LowLevelRetries: cfg.Transfer.LowLevelRetries,
		RateLimitErrors: cfg.Transfer.RateLimitErrors,
		RateLimitWait:   cfg.Transfer.RateLimitWait.Std(),
	}, logger.Named("transfer"), transfer.WithRecorder(metricsCollector))

	var acquirer Acquirer
	if !o.noFallback {
		if a := newAcquirer(ctx, cfg, client, logger); a != nil {
			acquirer = a
		}
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = feed.NewSource(cfg.Feed.URL, cfg.Feed.Timeout.Std(), logger)
	}
	lister := NewFeedLister(fetcher, manager, logger)

	handler := NewHandler(client, acquirer, HandlerConfig{
		HTTPURL:         cfg.Transfer.HTTPURL,
		TorrentURL:      cfg.Transfer.TorrentURL,
		Extensions:      cfg.Seedr.Extensions,
		FallbackTimeout: cfg.Seedr.Timeout.Std(),
		ProbeTimeout:    cfg.Transfer.ProbeTimeout.Std(),
		DryRun:          cfg.Sync.DryRun,
	}, metricsCollector, logger)

	tracker := progress.NewTracker()
	workerPool := worker.NewPool(cfg.Sync.Workers, lister, handler.Handle, tracker, metricsCollector, logger)

	ok = true
	return &Syncer{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		lister:      lister,
		managerOpts: managerOpts,
		client:      client,
		metrics:     metricsCollector,
		tracker:     tracker,
		workers:     workerPool,
	}, nil
}

func newCopier(cfg *config.Config, logger *zap.Logger) (transfer.Copier, error) {
	switch cfg.Transfer.Backend {
	case "s3":
		s3Client, err := storage.NewMinIOClient(storage.Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Secure:    cfg.S3.Secure,
			Region:    cfg.S3.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		return transfer.NewS3(s3Client, transfer.S3Config{
			PartSize:       cfg.S3.PartSize,
			RetryBackoffMs: cfg.S3.RetryBackoffMs,
		}, logger.Named("s3")), nil
	default:
		return transfer.NewRclone(cfg.Transfer.RclonePath, cfg.Transfer.RcloneConfig, logger.Named("rclone")), nil
	}
}

// newAcquirer logs in to seedr and clears stale jobs. It returns nil when
// seedr is not configured or the login fails.
func newAcquirer(ctx context.Context, cfg *config.Config, client *transfer.Client, logger *zap.Logger) *seedr.Acquirer {
	if !cfg.Seedr.Enabled() {
		return nil
	}

	api := seedr.NewAPI(seedr.Config{
		Email:    cfg.Seedr.Email,
		Password: cfg.Seedr.Password,
		BaseURL:  cfg.Seedr.APIURL,
	}, logger.Named("seedr"))

	if err := api.Login(ctx); err != nil {
		logger.Error("Seedr login failed, fallback disabled", zap.Error(err))
		return nil
	}
	if err := api.DeleteAll(ctx); err != nil {
		logger.Warn("Failed to clear seedr account", zap.Error(err))
	}

	return seedr.NewAcquirer(api, client, seedr.AcquirerConfig{
		PollInterval: cfg.Seedr.PollInterval.Std(),
	}, logger.Named("seedr"))
}

// channelName namespaces stored state per feed; the feed host by default
func channelName(f config.Feed) string {
	if f.Channel != "" {
		return f.Channel
	}
	if u, err := url.Parse(f.URL); err == nil && u.Host != "" {
		return u.Host
	}
	return f.URL
}

// Run serves metrics when configured and runs one cycle, or keeps running
// cycles when a watch interval is set
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info("Starting sync",
		zap.String("feed", s.cfg.Feed.URL),
		zap.String("channel", s.managerOpts.Channel),
		zap.String("compare_method", s.managerOpts.Method),
		zap.Int("workers", s.cfg.Sync.Workers),
		zap.Bool("dry_run", s.cfg.Sync.DryRun),
	)

	if addr := s.cfg.Sync.MetricsAddr; addr != "" {
		go func() {
			if err := s.metrics.StartServer(ctx, addr); err != nil {
				s.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	interval := s.cfg.Sync.WatchInterval.Std()
	if interval <= 0 {
		_, err := s.RunOnce(ctx)
		return err
	}
	return s.Watch(ctx, interval)
}

// RunOnce runs one check cycle and flushes the store
func (s *Syncer) RunOnce(ctx context.Context) (progress.Summary, error) {
	reporter := progress.NewReporter(s.tracker, s.cfg.Sync.ProgressInterval.Std(), s.logger)
	reporter.Start()
	summary, err := s.workers.CheckNewEntries(ctx)
	reporter.Stop()

	if ferr := s.store.Flush(context.WithoutCancel(ctx)); ferr != nil {
		err = errors.Join(err, fmt.Errorf("failed to flush store: %w", ferr))
	}
	return summary, err
}

// Watch runs a cycle now and then every interval until ctx is done. Cycle
// errors are logged.
func (s *Syncer) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("Sync cycle failed", zap.Error(err))
		}
		if until, limited := s.client.LimitedUntil(); limited {
			s.logger.Info("Copies paused by rate limit", zap.Time("limited_until", until))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Watch stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Entries returns every stored entry of the channel
func (s *Syncer) Entries(ctx context.Context) ([]entry.Entry, error) {
	return s.lister.Manager().List(ctx)
}

// Cursor describes the comparison cursor of the channel
func (s *Syncer) Cursor(ctx context.Context) (string, error) {
	return s.lister.Manager().Cursor(ctx)
}

// Reset wipes the store and starts tracking from the configured initial
// state. It must not run concurrently with a cycle.
func (s *Syncer) Reset(ctx context.Context) error {
	if err := s.store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset store: %w", err)
	}
	manager, err := entry.NewManager(ctx, s.store, s.managerOpts, s.logger)
	if err != nil {
		return err
	}
	s.lister.setManager(manager)
	s.logger.Info("Store reset", zap.String("path", s.cfg.Sync.DBPath))
	return nil
}

// Close cleans up resources
func (s *Syncer) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
