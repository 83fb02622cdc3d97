package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reporter periodically logs the tracker state while a cycle runs
type Reporter struct {
	tracker  *Tracker
	interval time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewReporter creates a reporter. A non-positive interval disables it.
func NewReporter(tracker *Tracker, interval time.Duration, logger *zap.Logger) *Reporter {
	return &Reporter{
		tracker:  tracker,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the report loop
func (r *Reporter) Start() {
	if r.interval <= 0 {
		close(r.doneCh)
		return
	}
	go r.loop()
}

// Stop stops the loop and waits for it to exit. Safe to call more than once.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *Reporter) loop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.report()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reporter) report() {
	s := r.tracker.Summary()
	r.logger.Info("Progress",
		zap.Int("claimed", s.Completed),
		zap.Int("total", s.Total),
		zap.Int("failed", s.Failed),
		zap.Float64("percent", r.tracker.Percent()),
		zap.String("elapsed", FormatDuration(s.Elapsed)),
	)
}
