// Package entry tracks feed entries from first sighting until they are copied
// or expire.
package entry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"feedsync/internal/feed"
	"feedsync/internal/store"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when an entry is no longer stored
	ErrNotFound = errors.New("entry not found")
	// ErrInvalidMethod is returned for an unknown comparison method
	ErrInvalidMethod = errors.New("invalid compare method")
	// ErrMethodMismatch is returned when the store was populated by a
	// different comparison method than the configured one
	ErrMethodMismatch = errors.New("compare method does not match stored state")
)

// Options configures a Manager
type Options struct {
	Channel          string
	IDField          string
	ExpireAfter      time.Duration
	Method           string
	InitialPublished time.Time
	Clock            func() time.Time
}

// Manager owns persisted entries and the comparison cursor of one channel
type Manager struct {
	store      store.Store
	strategy   strategy
	entriesKey string
	methodKey  string
	idField    string
	ttl        time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewManager creates a manager and prepares its store keys. Unknown methods
// and method switches over existing state are rejected here.
func NewManager(ctx context.Context, st store.Store, opts Options, logger *zap.Logger) (*Manager, error) {
	if opts.Channel == "" {
		opts.Channel = "default"
	}
	if opts.IDField == "" {
		opts.IDField = "title"
	}
	if opts.ExpireAfter <= 0 {
		return nil, fmt.Errorf("entry expiry must be positive, got %s", opts.ExpireAfter)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	strat, err := newStrategy(opts.Method, opts.Channel, opts.InitialPublished)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		store:      st,
		strategy:   strat,
		entriesKey: "entries:" + opts.Channel,
		methodKey:  "compare_method:" + opts.Channel,
		idField:    opts.IDField,
		ttl:        opts.ExpireAfter,
		now:        opts.Clock,
		logger:     logger.With(zap.String("channel", opts.Channel)),
	}

	if err := m.ensure(ctx, opts.Channel); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) ensure(ctx context.Context, channel string) error {
	return m.store.Atomic(ctx, func(o store.Ops) error {
		stored, ok, err := o.Get(ctx, m.methodKey)
		if err != nil {
			return err
		}
		if ok && stored != m.strategy.Name() {
			return fmt.Errorf("%w: store uses %s, configured %s", ErrMethodMismatch, stored, m.strategy.Name())
		}
		if !ok {
			// state written before the method was recorded
			for _, other := range []string{MethodLastPublishedDate, MethodPreviousEntries} {
				if other == m.strategy.Name() {
					continue
				}
				exists, err := o.Exists(ctx, other+":"+channel)
				if err != nil {
					return err
				}
				if exists {
					return fmt.Errorf("%w: found %s state, configured %s", ErrMethodMismatch, other, m.strategy.Name())
				}
			}
			if err := o.Set(ctx, m.methodKey, m.strategy.Name()); err != nil {
				return err
			}
		}

		if err := o.DCreate(ctx, m.entriesKey); err != nil {
			return err
		}
		return m.strategy.ensure(ctx, o)
	})
}

// Method returns the active comparison method
func (m *Manager) Method() string {
	return m.strategy.Name()
}

// SaveNewEntries persists the items the comparison method classifies as new
// and advances its cursor. Already tracked entries keep their creation time.
func (m *Manager) SaveNewEntries(ctx context.Context, items []feed.Item) error {
	if len(items) == 0 {
		return nil
	}

	now := m.now()
	current := make([]Entry, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		e, err := FromItem(item, m.idField, now)
		if err != nil {
			m.logger.Warn("Skipping feed item", zap.Error(err))
			continue
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		current = append(current, e)
	}

	var saved int
	err := m.store.Atomic(ctx, func(o store.Ops) error {
		saved = 0
		fresh, err := m.strategy.Classify(ctx, o, current)
		if err != nil {
			return fmt.Errorf("failed to classify entries: %w", err)
		}

		for _, e := range fresh {
			_, tracked, err := o.DGet(ctx, m.entriesKey, e.ID)
			if err != nil {
				return err
			}
			if tracked {
				continue
			}
			value, err := e.marshal()
			if err != nil {
				return err
			}
			if err := o.DAdd(ctx, m.entriesKey, e.ID, value); err != nil {
				return err
			}
			saved++
		}

		return m.strategy.Advance(ctx, o, current, fresh)
	})
	if err != nil {
		return fmt.Errorf("failed to save new entries: %w", err)
	}

	if saved == 0 {
		m.logger.Info("No new items found")
	} else {
		m.logger.Info("Found new items", zap.Int("count", saved))
	}
	return nil
}

// Entries yields every stored entry that has not expired, in stored order.
// Expired entries found along the way are deleted. The sequence reads the
// store lazily and is not restartable; call Entries again for a fresh view.
func (m *Manager) Entries(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		keys, err := m.store.DKeys(ctx, m.entriesKey)
		if err != nil {
			yield(Entry{}, fmt.Errorf("failed to list entries: %w", err))
			return
		}

		for _, id := range keys {
			raw, ok, err := m.store.DGet(ctx, m.entriesKey, id)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !ok {
				continue // removed since the key snapshot
			}

			e, err := unmarshal(raw)
			if err != nil {
				m.logger.Error("Dropping unreadable entry", zap.String("id", id), zap.Error(err))
				_, _, _ = m.store.DPop(ctx, m.entriesKey, id)
				continue
			}

			if e.Expired(m.now(), m.ttl) {
				m.logger.Info("Entry expired, removing",
					zap.String("id", e.ID),
					zap.Time("created_at", e.CreatedAt),
					zap.Duration("expire_after", m.ttl),
				)
				if _, _, err := m.store.DPop(ctx, m.entriesKey, id); err != nil {
					yield(Entry{}, err)
					return
				}
				continue
			}

			if !yield(e, nil) {
				return
			}
		}
	}
}

// List returns all stored entries without pruning
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	vals, err := m.store.DVals(ctx, m.entriesKey)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(vals))
	for _, raw := range vals {
		e, err := unmarshal(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Cursor describes the comparison cursor
func (m *Manager) Cursor(ctx context.Context) (string, error) {
	return m.strategy.Cursor(ctx, m.store)
}

// SetSuccess stops tracking the entry
func (m *Manager) SetSuccess(ctx context.Context, id string) error {
	_, ok, err := m.store.DPop(ctx, m.entriesKey, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SetFailed flags the entry for retry on a later run. Flagging an already
// failed entry is a no-op, so its creation time and position are kept.
func (m *Manager) SetFailed(ctx context.Context, id string) error {
	return m.store.Atomic(ctx, func(o store.Ops) error {
		raw, ok, err := o.DGet(ctx, m.entriesKey, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		e, err := unmarshal(raw)
		if err != nil {
			return err
		}
		if e.Failed {
			return nil
		}

		if _, _, err := o.DPop(ctx, m.entriesKey, id); err != nil {
			return err
		}
		e.Failed = true
		value, err := e.marshal()
		if err != nil {
			return err
		}
		return o.DAdd(ctx, m.entriesKey, id, value)
	})
}
