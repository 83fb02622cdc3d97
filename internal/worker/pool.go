// Package worker drains the entries of a cycle through a fixed number of
// concurrent workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"feedsync/internal/entry"
	"feedsync/internal/metrics"
	"feedsync/internal/progress"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrBusy is returned when CheckNewEntries is called while a cycle is running
var ErrBusy = errors.New("entry check already running")

// Pool manages a pool of workers
type Pool struct {
	size    int
	source  EntrySource
	handler Handler
	tracker *progress.Tracker
	metrics *metrics.Collector
	logger  *zap.Logger

	running atomic.Bool
}

// NewPool creates a new worker pool. size is clamped to at least 1.
func NewPool(
	size int,
	source EntrySource,
	handler Handler,
	tracker *progress.Tracker,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:    size,
		source:  source,
		handler: handler,
		tracker: tracker,
		metrics: metricsCollector,
		logger:  logger,
	}
}

// CheckNewEntries refreshes the source, queues every tracked entry and blocks
// until each one has been handled and acknowledged. Cancelling ctx does not
// drop queued entries; handlers see the cancelled context and fail fast.
func (p *Pool) CheckNewEntries(ctx context.Context) (progress.Summary, error) {
	if !p.running.CompareAndSwap(false, true) {
		return progress.Summary{}, ErrBusy
	}
	defer p.running.Store(false)

	p.logger.Debug("Checking for new entries")
	if err := p.source.Refresh(ctx); err != nil {
		return progress.Summary{}, fmt.Errorf("failed to refresh entries: %w", err)
	}

	var queued []entry.Entry
	for e, err := range p.source.Entries(ctx) {
		if err != nil {
			return progress.Summary{}, fmt.Errorf("failed to read entries: %w", err)
		}
		queued = append(queued, e)
	}

	tasks := make(chan entry.Entry, len(queued))
	for _, e := range queued {
		tasks <- e
	}
	close(tasks)

	p.tracker.Reset(len(queued))
	p.logger.Info("Total tasks", zap.Int("total", len(queued)))

	p.Start(ctx, tasks)

	summary := p.tracker.Summary()
	p.metrics.MarkCycle(time.Now())
	p.logger.Info(summary.String()+" Tasks completed successfully",
		zap.Int("succeeded", summary.Succeeded()),
		zap.Int("failed", summary.Failed),
		zap.Int("total", summary.Total),
		zap.Duration("elapsed", summary.Elapsed),
	)
	return summary, nil
}

// Start runs the workers over tasks and returns once tasks is closed and
// drained
func (p *Pool) Start(ctx context.Context, tasks <-chan entry.Entry) {
	var g errgroup.Group
	for i := 0; i < p.size; i++ {
		id := i
		g.Go(func() error {
			p.worker(ctx, id, tasks)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) worker(ctx context.Context, id int, tasks <-chan entry.Entry) {
	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	processor := &entryProcessor{
		handler: p.handler,
		source:  p.source,
		tracker: p.tracker,
		metrics: p.metrics,
		logger:  logger,
	}

	for e := range tasks {
		processor.Process(ctx, e)
	}
	logger.Debug("Worker finished - no more tasks")
}
