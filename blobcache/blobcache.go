// Package blobcache keeps recently downloaded volumes so an operation
// touching the same volume twice, e.g. repair reading an index and then the
// block volume it describes, only fetches it once. It is backed by a store,
// so it can be entirely in memory or disk-backed.
//
// While the cached contents are kept in the store, the list recording usage
// information is kept only in memory. On startup the items in the store are
// enumerated and taken to populate the cache list in an undetermined order.
//
// The cache uses an LRU item replacement policy.
package blobcache

import (
	"container/list"
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/ndlib/strata/store"
)

// Cache is the interface shared by the caches in this package.
type Cache interface {
	// Contains reports whether key is in the cache right now.
	Contains(key string) bool
	// Get returns a reader for key, or a nil reader on a miss.
	Get(ctx context.Context, key string) (store.ReadAtCloser, int64, error)
	// Put returns a writer saving content under key. The item is added
	// when the writer is closed.
	Put(ctx context.Context, key string) (io.WriteCloser, error)
	// Delete removes key from the cache, if present.
	Delete(ctx context.Context, key string) error
}

// T is an LRU cache.
type T struct {
	// this is the place where cached items are stored
	s store.Store

	m sync.Mutex // protects everything below

	// total size used to store items in cache.
	size int64

	maxSize int64 // The maximum amount of space we may use

	// front of list is MRU, tail is LRU.
	lru   *list.List
	index map[string]*list.Element

	// keys with a Put in progress
	pending map[string]bool
}

type entry struct {
	id   string
	size int64
}

var (
	// ErrCacheFull means an item is larger than the whole cache.
	ErrCacheFull = errors.New("cache is full and no more items can be removed")

	// ErrPutPending means another writer is saving the same key.
	ErrPutPending = errors.New("put already in progress for key")
)

// New creates and initializes a new cache structure. The given store
// may already have items in it. Call Scan() either inline or in a goroutine
// to scan the store and add the items inside it to the LRU list.
func New(s store.Store, maxSize int64) *T {
	return &T{
		s:       s,
		maxSize: maxSize,
		lru:     list.New(),
		index:   make(map[string]*list.Element),
		pending: make(map[string]bool),
	}
}

// Scan enumerates the items in the backing store and adds them to the
// cache. Items which do not fit are removed from the store.
func (t *T) Scan(ctx context.Context) error {
	items, err := t.s.List(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.IsFolder || t.Contains(item.Name) {
			continue
		}
		if err := t.reserve(ctx, item.Size); err != nil {
			// this item is too big for the cache.
			t.s.Delete(ctx, item.Name)
			continue
		}
		t.linkEntry(entry{id: item.Name, size: item.Size})
	}
	return nil
}

// Contains returns true if the given item is in the cache. It does not
// update the LRU status, and does not guarantee the item will be in the
// cache when Get() is called.
func (t *T) Contains(id string) bool {
	t.m.Lock()
	_, ok := t.index[id]
	t.m.Unlock()
	return ok
}

// Get returns a reader for the given item and updates the LRU list. If the
// item is not in the cache nil is returned for the ReadAtCloser. It is not
// an error for an item to not be in the cache.
func (t *T) Get(ctx context.Context, id string) (store.ReadAtCloser, int64, error) {
	t.m.Lock()
	e, ok := t.index[id]
	if ok {
		t.lru.MoveToFront(e)
	}
	t.m.Unlock()
	if !ok {
		return nil, 0, nil
	}
	rac, size, err := t.s.Open(ctx, id)
	if err != nil {
		// assume the item is bad and forget it
		t.Delete(ctx, id)
		return nil, 0, nil
	}
	return rac, size, nil
}

// Put returns a WriteCloser which saves writes to it in the cache under the
// provided id key. Items are evicted from the cache as content is written to
// the Writer. The item is not formally added to the cache until the Writer is
// closed. If the item is already in the cache it is replaced.
func (t *T) Put(ctx context.Context, id string) (io.WriteCloser, error) {
	t.m.Lock()
	if t.pending[id] {
		t.m.Unlock()
		return nil, ErrPutPending
	}
	t.pending[id] = true
	t.m.Unlock()
	if err := t.Delete(ctx, id); err != nil {
		t.clearPending(id)
		return nil, err
	}
	w, err := t.s.Create(ctx, id)
	if err != nil {
		t.clearPending(id)
		return nil, err
	}
	return &writer{parent: t, ctx: ctx, key: id, w: w}, nil
}

// Delete removes an item from the cache.
func (t *T) Delete(ctx context.Context, id string) error {
	t.m.Lock()
	e, ok := t.index[id]
	if ok {
		t.unlink(e)
	}
	t.m.Unlock()
	if !ok {
		return nil
	}
	return t.s.Delete(ctx, id)
}

// Size returns the number of bytes currently cached.
func (t *T) Size() int64 {
	t.m.Lock()
	defer t.m.Unlock()
	return t.size
}

// linkEntry adds the given entry into our LRU list.
func (t *T) linkEntry(entry entry) {
	t.m.Lock()
	defer t.m.Unlock()
	t.index[entry.id] = t.lru.PushFront(entry)
}

// unlink must be called with t.m held. It does not touch the size.
func (t *T) unlink(e *list.Element) entry {
	ent := t.lru.Remove(e).(entry)
	delete(t.index, ent.id)
	t.size -= ent.size
	return ent
}

func (t *T) clearPending(id string) {
	t.m.Lock()
	delete(t.pending, id)
	t.m.Unlock()
}

// reserve space for the passed in size, evicting items if necessary to stay
// under maxSize. Size can be negative to cancel a previous reservation.
// Nothing is reserved if there is an error.
func (t *T) reserve(ctx context.Context, size int64) error {
	t.m.Lock()
	defer t.m.Unlock()

	t.size += size
	for t.size > t.maxSize {
		// LRU eviction
		e := t.lru.Back()
		if e == nil {
			t.size -= size
			return ErrCacheFull
		}
		ent := t.unlink(e)
		t.s.Delete(ctx, ent.id)
	}
	return nil
}

func (t *T) save(w *writer) {
	t.linkEntry(entry{id: w.key, size: w.size})
	t.clearPending(w.key)
}

func (t *T) discard(w *writer) {
	t.reserve(w.ctx, -w.size)
	t.s.Delete(w.ctx, w.key)
	t.clearPending(w.key)
}
