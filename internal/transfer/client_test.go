package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCopier struct {
	mu       sync.Mutex
	calls    []Request
	result   Result
	err      error
	onCopyFn func(Request) (Result, error)
}

func (f *fakeCopier) CopyURL(_ context.Context, req Request) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.onCopyFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return f.result, f.err
}

func (f *fakeCopier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRecorder struct {
	mu          sync.Mutex
	ok, failed  int
	rateLimited int
}

func (r *fakeRecorder) ObserveCopy(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.ok++
	} else {
		r.failed++
	}
}

func (r *fakeRecorder) IncRateLimited() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateLimited++
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestClient(copier Copier, cfg Config) (*Client, *clock, *fakeRecorder) {
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	rec := &fakeRecorder{}
	c := NewClient(copier, cfg, zap.NewNop(), WithClock(clk.Now), WithRecorder(rec))
	return c, clk, rec
}

func TestCopyURLSuccessUsesDefaults(t *testing.T) {
	copier := &fakeCopier{}
	c, _, rec := newTestClient(copier, Config{Retries: 3, LowLevelRetries: 10})

	require.NoError(t, c.CopyURL(context.Background(), "https://example.com/a.mp4", ""))

	require.Len(t, copier.calls, 1)
	req := copier.calls[0]
	assert.Equal(t, "https://example.com/a.mp4", req.URL)
	assert.Equal(t, "dest:", req.Dest)
	assert.Equal(t, 3, req.Retries)
	assert.Equal(t, 10, req.LowLevelRetries)
	assert.True(t, req.IgnoreExisting)
	assert.True(t, req.AutoFilename)
	assert.Equal(t, 1, rec.ok)
}

func TestCopyURLExplicitDest(t *testing.T) {
	copier := &fakeCopier{}
	c, _, _ := newTestClient(copier, Config{DefaultDest: "remote:media"})

	require.NoError(t, c.CopyURL(context.Background(), "https://example.com/a", "other:dir"))
	assert.Equal(t, "other:dir", copier.calls[0].Dest)
}

func TestCopyURLExitError(t *testing.T) {
	copier := &fakeCopier{result: Result{ExitCode: 3, Stderr: "first line\nnot found\n"}}
	c, _, rec := newTestClient(copier, Config{RateLimitErrors: []string{"429"}})

	err := c.CopyURL(context.Background(), "https://example.com/a", "")

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, err.Error(), "not found")
	assert.NotContains(t, err.Error(), "first line")
	assert.Equal(t, 1, rec.failed)

	_, limited := c.LimitedUntil()
	assert.False(t, limited)
}

func TestRateLimitCooldown(t *testing.T) {
	copier := &fakeCopier{result: Result{ExitCode: 1, Stderr: "ERROR : HTTP 429 Too Many Requests"}}
	c, clk, rec := newTestClient(copier, Config{
		RateLimitErrors: []string{"Too Many Requests"},
		RateLimitWait:   10 * time.Minute,
	})
	ctx := context.Background()

	err := c.CopyURL(ctx, "https://example.com/a", "")
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)

	until, limited := c.LimitedUntil()
	require.True(t, limited)
	assert.Equal(t, clk.Now().Add(10*time.Minute), until)

	copier.result = Result{}
	clk.Advance(5 * time.Minute)
	err = c.CopyURL(ctx, "https://example.com/b", "")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, copier.callCount())
	assert.Equal(t, 1, rec.rateLimited)

	clk.Advance(5 * time.Minute)
	require.NoError(t, c.CopyURL(ctx, "https://example.com/b", ""))
	assert.Equal(t, 2, copier.callCount())

	_, limited = c.LimitedUntil()
	assert.False(t, limited)
}

func TestRateLimitSignatureInPrimitiveError(t *testing.T) {
	copier := &fakeCopier{err: errors.New("dial: rateLimitExceeded")}
	c, _, _ := newTestClient(copier, Config{RateLimitErrors: []string{"rateLimitExceeded"}})

	err := c.CopyURL(context.Background(), "https://example.com/a", "")
	require.Error(t, err)
	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr))

	_, limited := c.LimitedUntil()
	assert.True(t, limited)
}

func TestCooldownNeverShortens(t *testing.T) {
	c, clk, _ := newTestClient(&fakeCopier{}, Config{RateLimitWait: time.Hour})

	first := c.startCooldown()
	c.config.RateLimitWait = time.Minute
	clk.Advance(time.Second)
	second := c.startCooldown()

	assert.Equal(t, first, second)
}

func TestCopyURLConcurrent(t *testing.T) {
	copier := &fakeCopier{onCopyFn: func(req Request) (Result, error) {
		if req.URL == "https://example.com/limited" {
			return Result{ExitCode: 1, Stderr: "quota exceeded"}, nil
		}
		return Result{}, nil
	}}
	c, _, _ := newTestClient(copier, Config{RateLimitErrors: []string{"quota exceeded"}})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := "https://example.com/ok"
			if i == 7 {
				url = "https://example.com/limited"
			}
			_ = c.CopyURL(context.Background(), url, "")
		}(i)
	}
	wg.Wait()

	_, limited := c.LimitedUntil()
	assert.True(t, limited)
	assert.LessOrEqual(t, copier.callCount(), 20)
}
