package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"feedsync/internal/entry"
	"feedsync/internal/metrics"
	"feedsync/internal/progress"
	"feedsync/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// entryProcessor runs the handler for one entry and records the outcome
type entryProcessor struct {
	handler Handler
	source  EntrySource
	tracker *progress.Tracker
	metrics *metrics.Collector
	logger  *zap.Logger
}

// Process acknowledges e exactly once, as success or failure
func (p *entryProcessor) Process(ctx context.Context, e entry.Entry) {
	startTime := time.Now()
	summary := p.tracker.Summary()
	prog := Progress{Current: p.tracker.Next(), Total: summary.Total}

	p.metrics.InflightInc()
	ok, err := p.invoke(ctx, e, prog)
	p.metrics.InflightDec()
	p.metrics.ObserveDuration(time.Since(startTime))

	if err != nil {
		p.logger.Error("Task failed",
			zap.Stringer("progress", prog),
			zap.String("entry", e.ID),
			zap.Error(err),
		)
	}

	if ok && err == nil {
		p.markSucceeded(ctx, e)
		p.metrics.IncSuccess()
		p.logger.Debug("Task completed",
			zap.Stringer("progress", prog),
			zap.String("entry", e.ID),
			zap.Duration("duration", time.Since(startTime)),
		)
		return
	}

	p.tracker.AddFailed()
	p.metrics.IncFailed()
	p.markFailed(ctx, e)
	p.logger.Debug("Task completed with failure",
		zap.Stringer("progress", prog),
		zap.String("entry", e.ID),
	)
}

// invoke calls the handler, turning a panic into an error
func (p *entryProcessor) invoke(ctx context.Context, e entry.Entry, prog Progress) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			id := uuid.NewString()
			p.logger.Error("Handler panicked",
				zap.String("panic_id", id),
				zap.String("entry", e.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			ok = false
			err = fmt.Errorf("handler panic %s: %v", id, r)
		}
	}()

	return p.handler(ctx, e, prog)
}

func (p *entryProcessor) markSucceeded(ctx context.Context, e entry.Entry) {
	if err := p.source.SetSuccess(context.WithoutCancel(ctx), e.ID); err != nil {
		p.logStoreError("Failed to mark entry succeeded", e, err)
	}
}

func (p *entryProcessor) markFailed(ctx context.Context, e entry.Entry) {
	if err := p.source.SetFailed(context.WithoutCancel(ctx), e.ID); err != nil {
		p.logStoreError("Failed to mark entry failed", e, err)
	}
}

func (p *entryProcessor) logStoreError(msg string, e entry.Entry, err error) {
	switch {
	case errors.Is(err, entry.ErrNotFound):
		// expired while it was being handled
		p.logger.Debug("Entry no longer tracked", zap.String("entry", e.ID))
	case errors.Is(err, store.ErrClosed):
		p.logger.Warn("Cannot record entry state - database is closed",
			zap.String("entry", e.ID),
			zap.Error(err))
	default:
		p.logger.Error(msg,
			zap.String("entry", e.ID),
			zap.Error(err))
	}
}
