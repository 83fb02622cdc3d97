package worker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feedsync/internal/entry"
	"feedsync/internal/feed"
	"feedsync/internal/metrics"
	"feedsync/internal/progress"
	"feedsync/internal/store"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memSource is an in-memory EntrySource
type memSource struct {
	mu         sync.Mutex
	entries    []entry.Entry
	refreshErr error
	succeeded  map[string]int
	failed     map[string]int
	missing    map[string]bool
}

func newMemSource(n int) *memSource {
	s := &memSource{
		succeeded: make(map[string]int),
		failed:    make(map[string]int),
		missing:   make(map[string]bool),
	}
	for i := 0; i < n; i++ {
		s.entries = append(s.entries, entry.Entry{ID: fmt.Sprintf("entry-%d", i)})
	}
	return s
}

func (s *memSource) Refresh(context.Context) error { return s.refreshErr }

func (s *memSource) Entries(context.Context) iter.Seq2[entry.Entry, error] {
	return func(yield func(entry.Entry, error) bool) {
		s.mu.Lock()
		snapshot := append([]entry.Entry(nil), s.entries...)
		s.mu.Unlock()
		for _, e := range snapshot {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *memSource) SetSuccess(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missing[id] {
		return entry.ErrNotFound
	}
	s.succeeded[id]++
	return nil
}

func (s *memSource) SetFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missing[id] {
		return entry.ErrNotFound
	}
	s.failed[id]++
	return nil
}

func (s *memSource) acks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.succeeded {
		n += c
	}
	for _, c := range s.failed {
		n += c
	}
	return n
}

func newTestPool(size int, source EntrySource, handler Handler) (*Pool, *metrics.Collector) {
	m := metrics.New()
	return NewPool(size, source, handler, progress.NewTracker(), m, zap.NewNop()), m
}

func TestCheckNewEntriesAccounting(t *testing.T) {
	for _, workers := range []int{1, 2, 4, 8} {
		for _, n := range []int{0, 1, 3, 17} {
			t.Run(fmt.Sprintf("workers=%d/entries=%d", workers, n), func(t *testing.T) {
				source := newMemSource(n)
				handler := func(_ context.Context, e entry.Entry, _ Progress) (bool, error) {
					var i int
					_, _ = fmt.Sscanf(e.ID, "entry-%d", &i)
					return i%3 != 0, nil
				}
				pool, _ := newTestPool(workers, source, handler)

				summary, err := pool.CheckNewEntries(context.Background())
				require.NoError(t, err)

				wantFailed := (n + 2) / 3
				assert.Equal(t, n, summary.Total)
				assert.Equal(t, summary.Total, summary.Completed)
				assert.Equal(t, wantFailed, summary.Failed)
				assert.Equal(t, n-wantFailed, summary.Succeeded())
				assert.Equal(t, n, source.acks())
			})
		}
	}
}

func TestProgressIndicesAreUniqueAndGapless(t *testing.T) {
	const n = 50
	source := newMemSource(n)

	var mu sync.Mutex
	var seen []int
	handler := func(_ context.Context, _ entry.Entry, p Progress) (bool, error) {
		assert.Equal(t, n, p.Total)
		mu.Lock()
		seen = append(seen, p.Current)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return true, nil
	}
	pool, _ := newTestPool(6, source, handler)

	_, err := pool.CheckNewEntries(context.Background())
	require.NoError(t, err)

	sort.Ints(seen)
	require.Len(t, seen, n)
	for i, v := range seen {
		assert.Equal(t, i+1, v)
	}
}

func TestHandlerErrorsAndPanicsCountAsFailures(t *testing.T) {
	source := newMemSource(3)
	handler := func(_ context.Context, e entry.Entry, _ Progress) (bool, error) {
		switch e.ID {
		case "entry-0":
			return true, nil
		case "entry-1":
			return true, errors.New("copy exploded")
		default:
			panic("boom")
		}
	}
	pool, m := newTestPool(2, source, handler)

	summary, err := pool.CheckNewEntries(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Completed)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 1, source.succeeded["entry-0"])
	assert.Equal(t, 1, source.failed["entry-1"])
	assert.Equal(t, 1, source.failed["entry-2"])

	expected := `
# HELP feedsync_entries_total Total number of entries handled, by outcome
# TYPE feedsync_entries_total counter
feedsync_entries_total{status="failed"} 2
feedsync_entries_total{status="success"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "feedsync_entries_total"))
}

func TestNotFoundIsNotFatal(t *testing.T) {
	source := newMemSource(2)
	source.missing["entry-0"] = true
	pool, _ := newTestPool(1, source, func(context.Context, entry.Entry, Progress) (bool, error) {
		return true, nil
	})

	summary, err := pool.CheckNewEntries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded())
}

func TestRefreshErrorQueuesNothing(t *testing.T) {
	source := newMemSource(3)
	source.refreshErr = errors.New("feed down")

	var calls atomic.Int32
	pool, _ := newTestPool(2, source, func(context.Context, entry.Entry, Progress) (bool, error) {
		calls.Add(1)
		return true, nil
	})

	_, err := pool.CheckNewEntries(context.Background())
	assert.ErrorContains(t, err, "feed down")
	assert.Zero(t, calls.Load())
}

func TestCheckNewEntriesIsNotReentrant(t *testing.T) {
	source := newMemSource(1)
	started := make(chan struct{})
	release := make(chan struct{})
	pool, _ := newTestPool(1, source, func(context.Context, entry.Entry, Progress) (bool, error) {
		close(started)
		<-release
		return true, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := pool.CheckNewEntries(context.Background())
		done <- err
	}()

	<-started
	_, err := pool.CheckNewEntries(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
}

func TestCancelledContextStillAcknowledgesEveryEntry(t *testing.T) {
	source := newMemSource(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool, _ := newTestPool(3, source, func(ctx context.Context, _ entry.Entry, _ Progress) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		return true, nil
	})

	summary, err := pool.CheckNewEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Completed)
	assert.Equal(t, 10, summary.Failed)
	assert.Equal(t, 10, source.acks())
}

// managerSource wires a real Manager over SQLite to a fixed feed snapshot
type managerSource struct {
	*entry.Manager
	items []feed.Item
}

func (s *managerSource) Refresh(ctx context.Context) error {
	return s.SaveNewEntries(ctx, s.items)
}

func TestPoolWithManager(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m, err := entry.NewManager(ctx, st, entry.Options{
		Channel:     "pool",
		ExpireAfter: 72 * time.Hour,
		Method:      entry.MethodLastPublishedDate,
		Clock:       func() time.Time { return base.Add(24 * time.Hour) },
	}, zap.NewNop())
	require.NoError(t, err)

	source := &managerSource{Manager: m}
	for i := 0; i < 6; i++ {
		source.items = append(source.items, feed.Item{
			Title:     fmt.Sprintf("show-%d", i),
			Published: base.Add(time.Duration(i) * time.Hour),
		})
	}

	handler := func(_ context.Context, e entry.Entry, _ Progress) (bool, error) {
		return e.ID != "show-2" && e.ID != "show-4", nil
	}
	pool, _ := newTestPool(3, source, handler)

	summary, err := pool.CheckNewEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Total)
	assert.Equal(t, 4, summary.Succeeded())

	remaining, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	for _, e := range remaining {
		assert.True(t, e.Failed)
	}

	// failed entries are retried on the next cycle
	summary, err = pool.CheckNewEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 0, summary.Succeeded())
}
