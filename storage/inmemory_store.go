package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type item struct {
	value []byte

	// expires is zero for items that never expire
	expires time.Time
}

func (i item) expired(now time.Time) bool {
	return !i.expires.IsZero() && !now.Before(i.expires)
}

type backupItem struct {
	Key     []byte `json:"key"`
	Value   []byte `json:"value"`
	Expires int64  `json:"expires,omitempty"`
}

type InmemoryStore struct {
	mu      sync.Mutex
	items   map[string]item
	memUsed uint64
	limit   uint64

	clock func() time.Time

	// stop willl be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		items: make(map[string]item),
		clock: time.Now,
		stop:  make(chan struct{}),
	}
}

// WithClock replaces the store's time source. Only meant for tests.
func (i *InmemoryStore) WithClock(clock func() time.Time) *InmemoryStore {
	i.clock = clock
	return i
}

func (i *InmemoryStore) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.isRunning() {
		close(i.stop)
	}

	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return nil, ErrClosed
	}

	it, ok := i.items[string(key)]
	if !ok {
		return nil, ErrNotFound
	}

	if it.expired(i.clock()) {
		i.remove(string(key), it)
		return nil, ErrNotFound
	}

	return append([]byte(nil), it.value...), nil
}

func (i *InmemoryStore) Set(ctx context.Context, key, value []byte, ttl time.Duration) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return ErrClosed
	}

	size := uint64(len(key) + len(value))

	// An overwrite gives back the space of the value it replaces
	used := i.memUsed
	if old, ok := i.items[string(key)]; ok {
		used -= uint64(len(key) + len(old.value))
	}

	if i.limit > 0 && used+size > i.limit {
		return fmt.Errorf("%d bytes with %d of %d in use: %w", size, used, i.limit, ErrMemoryExhausted)
	}

	it := item{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expires = i.clock().Add(ttl)
	}

	i.items[string(key)] = it
	i.memUsed = used + size

	return nil
}

func (i *InmemoryStore) Delete(ctx context.Context, key []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return ErrClosed
	}

	it, ok := i.items[string(key)]
	if !ok {
		return ErrNotFound
	}

	i.remove(string(key), it)

	if it.expired(i.clock()) {
		return ErrNotFound
	}

	return nil
}

func (i *InmemoryStore) Flush(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return ErrClosed
	}

	i.items = make(map[string]item)
	i.memUsed = 0

	return nil
}

func (i *InmemoryStore) MemUsed() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.memUsed
}

func (i *InmemoryStore) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	return len(i.items)
}

func (i *InmemoryStore) SetLimit(limit uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.limit = limit
}

func (i *InmemoryStore) Sweep(now time.Time) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	swept := 0
	for key, it := range i.items {
		if it.expired(now) {
			i.remove(key, it)
			swept++
		}
	}

	return swept
}

// Restore replaces the store's contents with a snapshot made by Backup.
// Items that have expired since are skipped.
func (i *InmemoryStore) Restore(values []byte) error {
	if !gjson.ValidBytes(values) {
		return ErrInvalidBackup
	}

	items := make(map[string]item)
	var (
		memUsed uint64
		err     error
	)

	now := i.clock()

	gjson.GetBytes(values, "items").ForEach(func(_, entry gjson.Result) bool {
		var key, value []byte

		if key, err = base64.StdEncoding.DecodeString(entry.Get("key").String()); err != nil {
			err = fmt.Errorf("key %q: %w", entry.Get("key").String(), ErrInvalidBackup)
			return false
		}

		if value, err = base64.StdEncoding.DecodeString(entry.Get("value").String()); err != nil {
			err = fmt.Errorf("value of %q: %w", key, ErrInvalidBackup)
			return false
		}

		it := item{value: value}
		if expires := entry.Get("expires").Int(); expires > 0 {
			it.expires = time.Unix(0, expires)
		}

		if it.expired(now) {
			return true
		}

		items[string(key)] = it
		memUsed += uint64(len(key) + len(value))
		return true
	})

	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.items = items
	i.memUsed = memUsed

	return nil
}

// Backup returns a JSON snapshot of every live item, sorted by key.
func (i *InmemoryStore) Backup() ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	keys := make([]string, 0, len(i.items))
	for key := range i.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	now := i.clock()
	doc := []byte(`{"items":[]}`)

	for _, key := range keys {
		it := i.items[key]
		if it.expired(now) {
			continue
		}

		entry := backupItem{Key: []byte(key), Value: it.value}
		if !it.expires.IsZero() {
			entry.Expires = it.expires.UnixNano()
		}

		var err error
		if doc, err = sjson.SetBytes(doc, "items.-1", entry); err != nil {
			return nil, err
		}
	}

	return doc, nil
}

// remove deletes an item, the lock must be held.
func (i *InmemoryStore) remove(key string, it item) {
	delete(i.items, key)
	i.memUsed -= uint64(len(key) + len(it.value))
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

var _ Store = (*InmemoryStore)(nil)
