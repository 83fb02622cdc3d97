// Package transfer copies remote URLs into a storage destination through a
// pluggable copy primitive, with rate-limit cooldown handling.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrRateLimited is returned without invoking the copy primitive while a
// rate-limit cooldown is active
var ErrRateLimited = errors.New("rate limited")

// Request describes one copy
type Request struct {
	URL  string
	Dest string
	// Retries is the number of attempts of the whole copy, first included
	Retries int
	// LowLevelRetries is the number of retries of each low-level request
	LowLevelRetries int
	IgnoreExisting  bool
	AutoFilename    bool
}

// Result is the outcome of a copy primitive invocation. ExitCode zero is the
// only success signal; the captured output is for diagnostics.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Copier is the copy primitive
type Copier interface {
	// CopyURL copies req.URL to req.Dest. A non-nil error means the primitive
	// could not run at all.
	CopyURL(ctx context.Context, req Request) (Result, error)
}

// ExitError reports a copy that ran and exited unsuccessfully
type ExitError struct {
	URL    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("copy of %s exited with status %d", e.URL, e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		if i := strings.LastIndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		msg += ": " + s
	}
	return msg
}

// Recorder receives copy outcomes; metrics.Collector implements it
type Recorder interface {
	ObserveCopy(ok bool)
	IncRateLimited()
}

type nopRecorder struct{}

func (nopRecorder) ObserveCopy(bool) {}
func (nopRecorder) IncRateLimited()  {}
