package app

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"feedsync/internal/entry"
	"feedsync/internal/feed"

	"go.uber.org/zap"
)

// Fetcher returns the current feed snapshot
type Fetcher interface {
	Fetch(ctx context.Context) ([]feed.Item, error)
}

// FeedLister feeds the current feed snapshot into the entry manager and
// serves the manager's entries to the worker pool
type FeedLister struct {
	fetcher Fetcher
	logger  *zap.Logger

	mu      sync.RWMutex
	manager *entry.Manager
}

// NewFeedLister creates a lister over manager
func NewFeedLister(fetcher Fetcher, manager *entry.Manager, logger *zap.Logger) *FeedLister {
	return &FeedLister{
		fetcher: fetcher,
		manager: manager,
		logger:  logger,
	}
}

// Refresh fetches the feed and stores the entries that are new
func (l *FeedLister) Refresh(ctx context.Context) error {
	items, err := l.fetcher.Fetch(ctx)
	if err != nil {
		return err
	}
	l.logger.Debug("Fetched feed items", zap.Int("items", len(items)))

	if err := l.Manager().SaveNewEntries(ctx, items); err != nil {
		return fmt.Errorf("failed to save new entries: %w", err)
	}
	return nil
}

// Entries yields every tracked, unexpired entry
func (l *FeedLister) Entries(ctx context.Context) iter.Seq2[entry.Entry, error] {
	return l.Manager().Entries(ctx)
}

// SetSuccess stops tracking id
func (l *FeedLister) SetSuccess(ctx context.Context, id string) error {
	return l.Manager().SetSuccess(ctx, id)
}

// SetFailed flags id for retry
func (l *FeedLister) SetFailed(ctx context.Context, id string) error {
	return l.Manager().SetFailed(ctx, id)
}

// Manager returns the current manager
func (l *FeedLister) Manager() *entry.Manager {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.manager
}

func (l *FeedLister) setManager(m *entry.Manager) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manager = m
}
