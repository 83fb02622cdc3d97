package worker

import (
	"context"
	"fmt"
	"iter"

	"feedsync/internal/entry"
)

// Progress is the position of an entry within a cycle
type Progress struct {
	Current int
	Total   int
}

func (p Progress) String() string {
	return fmt.Sprintf("[%d/%d]", p.Current, p.Total)
}

// Handler transfers one entry. true means success; false or an error marks
// the entry failed.
type Handler func(ctx context.Context, e entry.Entry, p Progress) (bool, error)

// EntrySource supplies the entries of a cycle and records their outcome
type EntrySource interface {
	// Refresh pulls the feed and stores new entries
	Refresh(ctx context.Context) error
	Entries(ctx context.Context) iter.Seq2[entry.Entry, error]
	SetSuccess(ctx context.Context, id string) error
	SetFailed(ctx context.Context, id string) error
}
