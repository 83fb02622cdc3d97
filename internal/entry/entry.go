package entry

import (
	"encoding/json"
	"fmt"
	"time"

	"feedsync/internal/feed"
)

// Entry is one feed item under lifecycle tracking
type Entry struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Link      string            `json:"link,omitempty"`
	GUID      string            `json:"guid,omitempty"`
	Published time.Time         `json:"published"`
	Fields    map[string]string `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Failed    bool              `json:"failed"`
}

// FromItem builds an Entry from a raw feed record, taking its ID from idField.
// It fails when the record has no non-empty value for idField.
func FromItem(item feed.Item, idField string, now time.Time) (Entry, error) {
	e := Entry{
		Title:     item.Title,
		Link:      item.Link,
		GUID:      item.GUID,
		Published: item.Published,
		Fields:    item.Fields,
		CreatedAt: now.UTC(),
	}

	id, ok := e.Field(idField)
	if !ok || id == "" {
		return Entry{}, fmt.Errorf("feed item %q has no %q field", item.Title, idField)
	}
	e.ID = id

	return e, nil
}

// Field looks up a record field by name. Known fields take precedence over
// pass-through ones; a name present nowhere reports false.
func (e Entry) Field(name string) (string, bool) {
	switch name {
	case "id":
		return e.ID, e.ID != ""
	case "title":
		return e.Title, true
	case "link":
		return e.Link, e.Link != ""
	case "guid":
		return e.GUID, e.GUID != ""
	case "published":
		if e.Published.IsZero() {
			return "", false
		}
		return e.Published.Format(time.RFC3339), true
	}

	v, ok := e.Fields[name]
	return v, ok
}

// ExpiresAt returns the moment the entry stops being tracked
func (e Entry) ExpiresAt(ttl time.Duration) time.Time {
	return e.CreatedAt.Add(ttl)
}

// Expired reports whether the entry is older than ttl at now
func (e Entry) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CreatedAt) > ttl
}

func (e Entry) String() string {
	return fmt.Sprintf("<Entry %s>", e.ID)
}

func (e Entry) marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode entry %s: %w", e.ID, err)
	}
	return string(b), nil
}

func unmarshal(s string) (Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return Entry{}, fmt.Errorf("failed to decode entry: %w", err)
	}
	return e, nil
}
