package progress

import (
	"fmt"
	"sync"
	"time"
)

// Summary is a snapshot of one sync cycle's counters
type Summary struct {
	Total     int
	Completed int
	Failed    int
	StartTime time.Time
	Elapsed   time.Duration
}

// Succeeded returns completed minus failed
func (s Summary) Succeeded() int {
	return s.Completed - s.Failed
}

func (s Summary) String() string {
	return fmt.Sprintf("[%d/%d]", s.Succeeded(), s.Total)
}

// Tracker holds the aggregate counters of a cycle. All mutation happens
// under mu.
type Tracker struct {
	mu        sync.Mutex
	total     int
	completed int
	failed    int
	startTime time.Time
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	return &Tracker{startTime: time.Now()}
}

// Reset zeroes the counters and records total as the size of the new cycle
func (t *Tracker) Reset(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total = total
	t.completed = 0
	t.failed = 0
	t.startTime = time.Now()
}

// Next claims the next 1-based progress index. Indices are unique and gapless
// across concurrent callers.
func (t *Tracker) Next() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completed++
	return t.completed
}

// AddFailed increments the failure counter
func (t *Tracker) AddFailed() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failed++
	return t.failed
}

// Summary returns the current counters (thread-safe)
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Summary{
		Total:     t.total,
		Completed: t.completed,
		Failed:    t.failed,
		StartTime: t.startTime,
		Elapsed:   time.Since(t.startTime),
	}
}

// Percent returns the share of claimed entries
func (t *Tracker) Percent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.total == 0 {
		return 0
	}
	return float64(t.completed) / float64(t.total) * 100
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
