package store

import (
	"context"
	"errors"
)

// ErrNoCollection is returned when a collection operation targets a
// collection that was never created.
var ErrNoCollection = errors.New("collection does not exist")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store is closed")

// CollectionKind distinguishes dict-like from set-like collections
type CollectionKind string

const (
	KindDict CollectionKind = "dict"
	KindSet  CollectionKind = "set"
)

// Ops is the full operation set of the store. Store implements it with one
// lock acquisition per call; the Ops handed to Atomic runs every call inside
// a single lock acquisition and transaction.
type Ops interface {
	// Scalar operations
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error

	// Dict collections, ordered by first insertion
	DCreate(ctx context.Context, name string) error
	DAdd(ctx context.Context, name, key, value string) error
	DGet(ctx context.Context, name, key string) (string, bool, error)
	DPop(ctx context.Context, name, key string) (string, bool, error)
	DKeys(ctx context.Context, name string) ([]string, error)
	DVals(ctx context.Context, name string) ([]string, error)

	// Set collections, ordered by first insertion
	SCreate(ctx context.Context, name string) error
	SAdd(ctx context.Context, name, member string) error
	SRem(ctx context.Context, name, member string) error
	SMembers(ctx context.Context, name string) ([]string, error)
}

// Store is a durable Ops with atomic multi-step sequences
type Store interface {
	Ops

	// Atomic runs fn under the store lock in a single transaction
	Atomic(ctx context.Context, fn func(Ops) error) error
	Flush(ctx context.Context) error
	Reset(ctx context.Context) error
	Close() error
}
