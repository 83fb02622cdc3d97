package entry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"feedsync/internal/store"
)

// Comparison methods
const (
	MethodLastPublishedDate = "last_published_date"
	MethodPreviousEntries   = "previous_entries"
)

// strategy decides which entries of a feed snapshot are new and advances its
// persisted cursor afterwards. Both calls run inside one store transaction.
type strategy interface {
	Name() string
	// Key is the store key holding the cursor state
	Key() string
	ensure(ctx context.Context, o store.Ops) error
	Classify(ctx context.Context, o store.Ops, current []Entry) ([]Entry, error)
	Advance(ctx context.Context, o store.Ops, current, fresh []Entry) error
	Cursor(ctx context.Context, o store.Ops) (string, error)
}

func newStrategy(method, channel string, initial time.Time) (strategy, error) {
	switch method {
	case MethodLastPublishedDate:
		if initial.IsZero() {
			initial = time.Unix(0, 0)
		}
		return &lastPublished{key: MethodLastPublishedDate + ":" + channel, initial: initial.UTC()}, nil
	case MethodPreviousEntries:
		return &previousEntries{key: MethodPreviousEntries + ":" + channel}, nil
	default:
		return nil, fmt.Errorf("%w: %q, valid methods are: %s, %s",
			ErrInvalidMethod, method, MethodLastPublishedDate, MethodPreviousEntries)
	}
}

// lastPublished treats an entry as new when it was published strictly after
// the stored cursor.
type lastPublished struct {
	key     string
	initial time.Time
}

func (s *lastPublished) Name() string { return MethodLastPublishedDate }
func (s *lastPublished) Key() string  { return s.key }

func (s *lastPublished) ensure(ctx context.Context, o store.Ops) error {
	exists, err := o.Exists(ctx, s.key)
	if err != nil || exists {
		return err
	}
	return o.Set(ctx, s.key, s.initial.Format(time.RFC3339Nano))
}

func (s *lastPublished) cursor(ctx context.Context, o store.Ops) (time.Time, error) {
	raw, ok, err := o.Get(ctx, s.key)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return s.initial, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s value %q: %w", s.key, raw, err)
	}
	return t, nil
}

// Classify returns the entries newer than the cursor, oldest first
func (s *lastPublished) Classify(ctx context.Context, o store.Ops, current []Entry) ([]Entry, error) {
	last, err := s.cursor(ctx, o)
	if err != nil {
		return nil, err
	}

	var fresh []Entry
	for _, e := range current {
		if e.Published.After(last) {
			fresh = append(fresh, e)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].Published.Before(fresh[j].Published)
	})
	return fresh, nil
}

func (s *lastPublished) Advance(ctx context.Context, o store.Ops, _, fresh []Entry) error {
	if len(fresh) == 0 {
		return nil
	}
	latest := fresh[0].Published
	for _, e := range fresh[1:] {
		if e.Published.After(latest) {
			latest = e.Published
		}
	}
	return o.Set(ctx, s.key, latest.UTC().Format(time.RFC3339Nano))
}

func (s *lastPublished) Cursor(ctx context.Context, o store.Ops) (string, error) {
	t, err := s.cursor(ctx, o)
	if err != nil {
		return "", err
	}
	return t.Format(time.RFC3339), nil
}

// previousEntries treats an entry as new when its ID was absent from the
// previous feed snapshot.
type previousEntries struct {
	key string
}

func (s *previousEntries) Name() string { return MethodPreviousEntries }
func (s *previousEntries) Key() string  { return s.key }

func (s *previousEntries) ensure(ctx context.Context, o store.Ops) error {
	return o.SCreate(ctx, s.key)
}

func (s *previousEntries) seen(ctx context.Context, o store.Ops) (map[string]struct{}, []string, error) {
	members, err := o.SMembers(ctx, s.key)
	if err != nil {
		return nil, nil, err
	}
	set := make(map[string]struct{}, len(members))
	for _, id := range members {
		set[id] = struct{}{}
	}
	return set, members, nil
}

// Classify returns the entries not in the previous snapshot, in snapshot order
func (s *previousEntries) Classify(ctx context.Context, o store.Ops, current []Entry) ([]Entry, error) {
	seen, _, err := s.seen(ctx, o)
	if err != nil {
		return nil, err
	}

	var fresh []Entry
	for _, e := range current {
		if _, ok := seen[e.ID]; !ok {
			fresh = append(fresh, e)
		}
	}
	return fresh, nil
}

// Advance prunes IDs that left the feed and records the new ones
func (s *previousEntries) Advance(ctx context.Context, o store.Ops, current, fresh []Entry) error {
	_, members, err := s.seen(ctx, o)
	if err != nil {
		return err
	}

	inFeed := make(map[string]struct{}, len(current))
	for _, e := range current {
		inFeed[e.ID] = struct{}{}
	}
	for _, id := range members {
		if _, ok := inFeed[id]; !ok {
			if err := o.SRem(ctx, s.key, id); err != nil {
				return err
			}
		}
	}

	for _, e := range fresh {
		if err := o.SAdd(ctx, s.key, e.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *previousEntries) Cursor(ctx context.Context, o store.Ops) (string, error) {
	members, err := o.SMembers(ctx, s.key)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(len(members)) + " ids", nil
}
