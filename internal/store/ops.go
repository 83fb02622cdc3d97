package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ops implements Ops against either the database or an open transaction.
// It does no locking of its own.
type ops struct {
	q querier
}

func (o *ops) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := o.q.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (o *ops) Set(ctx context.Context, key, value string) error {
	_, err := o.q.ExecContext(ctx, `
	INSERT INTO kv (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Exists reports whether key names a scalar or a collection
func (o *ops) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := o.q.QueryRowContext(ctx, `
	SELECT (SELECT COUNT(*) FROM kv WHERE key = ?) + (SELECT COUNT(*) FROM collections WHERE name = ?)
	`, key, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", key, err)
	}
	return n > 0, nil
}

// Delete removes a scalar or a whole collection
func (o *ops) Delete(ctx context.Context, key string) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	if _, err := o.q.ExecContext(ctx, `DELETE FROM items WHERE collection = ?`, key); err != nil {
		return fmt.Errorf("delete items of %q: %w", key, err)
	}
	if _, err := o.q.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, key); err != nil {
		return fmt.Errorf("delete collection %q: %w", key, err)
	}
	return nil
}

func (o *ops) create(ctx context.Context, name string, kind CollectionKind) error {
	_, err := o.q.ExecContext(ctx, `
	INSERT INTO collections (name, kind) VALUES (?, ?)
	ON CONFLICT(name) DO NOTHING
	`, name, string(kind))
	if err != nil {
		return fmt.Errorf("create collection %q: %w", name, err)
	}
	return nil
}

func (o *ops) requireCollection(ctx context.Context, name string, kind CollectionKind) error {
	var got string
	err := o.q.QueryRowContext(ctx, `SELECT kind FROM collections WHERE name = ?`, name).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNoCollection, name)
	}
	if err != nil {
		return fmt.Errorf("lookup collection %q: %w", name, err)
	}
	if CollectionKind(got) != kind {
		return fmt.Errorf("collection %q is a %s, not a %s", name, got, kind)
	}
	return nil
}

func (o *ops) put(ctx context.Context, name, key, value string) error {
	_, err := o.q.ExecContext(ctx, `
	INSERT INTO items (collection, item_key, value) VALUES (?, ?, ?)
	ON CONFLICT(collection, item_key) DO UPDATE SET value = excluded.value
	`, name, key, value)
	if err != nil {
		return fmt.Errorf("add %q to %q: %w", key, name, err)
	}
	return nil
}

func (o *ops) column(ctx context.Context, name, column string) ([]string, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT `+column+` FROM items WHERE collection = ? ORDER BY seq ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", name, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (o *ops) DCreate(ctx context.Context, name string) error {
	return o.create(ctx, name, KindDict)
}

// DAdd inserts or replaces key. A replaced key keeps its position.
func (o *ops) DAdd(ctx context.Context, name, key, value string) error {
	if err := o.requireCollection(ctx, name, KindDict); err != nil {
		return err
	}
	return o.put(ctx, name, key, value)
}

func (o *ops) DGet(ctx context.Context, name, key string) (string, bool, error) {
	if err := o.requireCollection(ctx, name, KindDict); err != nil {
		return "", false, err
	}
	var value string
	err := o.q.QueryRowContext(ctx, `SELECT value FROM items WHERE collection = ? AND item_key = ?`, name, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q from %q: %w", key, name, err)
	}
	return value, true, nil
}

func (o *ops) DPop(ctx context.Context, name, key string) (string, bool, error) {
	value, ok, err := o.DGet(ctx, name, key)
	if err != nil || !ok {
		return value, ok, err
	}
	if _, err := o.q.ExecContext(ctx, `DELETE FROM items WHERE collection = ? AND item_key = ?`, name, key); err != nil {
		return "", false, fmt.Errorf("pop %q from %q: %w", key, name, err)
	}
	return value, true, nil
}

func (o *ops) DKeys(ctx context.Context, name string) ([]string, error) {
	if err := o.requireCollection(ctx, name, KindDict); err != nil {
		return nil, err
	}
	return o.column(ctx, name, "item_key")
}

func (o *ops) DVals(ctx context.Context, name string) ([]string, error) {
	if err := o.requireCollection(ctx, name, KindDict); err != nil {
		return nil, err
	}
	return o.column(ctx, name, "value")
}

func (o *ops) SCreate(ctx context.Context, name string) error {
	return o.create(ctx, name, KindSet)
}

func (o *ops) SAdd(ctx context.Context, name, member string) error {
	if err := o.requireCollection(ctx, name, KindSet); err != nil {
		return err
	}
	_, err := o.q.ExecContext(ctx, `
	INSERT INTO items (collection, item_key, value) VALUES (?, ?, '')
	ON CONFLICT(collection, item_key) DO NOTHING
	`, name, member)
	if err != nil {
		return fmt.Errorf("add %q to %q: %w", member, name, err)
	}
	return nil
}

func (o *ops) SRem(ctx context.Context, name, member string) error {
	if err := o.requireCollection(ctx, name, KindSet); err != nil {
		return err
	}
	if _, err := o.q.ExecContext(ctx, `DELETE FROM items WHERE collection = ? AND item_key = ?`, name, member); err != nil {
		return fmt.Errorf("remove %q from %q: %w", member, name, err)
	}
	return nil
}

func (o *ops) SMembers(ctx context.Context, name string) ([]string, error) {
	if err := o.requireCollection(ctx, name, KindSet); err != nil {
		return nil, err
	}
	return o.column(ctx, name, "item_key")
}
