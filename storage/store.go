package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("storage: key not found")
	ErrMemoryExhausted = errors.New("storage: memory limit reached")
	ErrInvalidBackup   = errors.New("storage: invalid backup")
	ErrClosed          = errors.New("storage: store closed")
)

// Store holds the items of a reference LightCache server.
type Store interface {
	// Get returns ErrNotFound for missing and expired keys.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Set returns ErrMemoryExhausted when the item does not fit under the
	// memory limit.
	Set(ctx context.Context, key, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key []byte) error
	Flush(ctx context.Context) error

	// MemUsed is the number of bytes held by keys and values.
	MemUsed() uint64
	Len() int

	// SetLimit sets the memory limit in bytes. Zero means unlimited.
	SetLimit(limit uint64)

	// Sweep drops every item that has expired by now.
	Sweep(now time.Time) int

	Restore(values []byte) error
	Backup() ([]byte, error)

	Close() error
}
