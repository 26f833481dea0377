package storetest

import (
	"context"
	"io"
	"math/rand"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/ndlib/strata/store"
)

// ErrUnreachable is returned by every call to an Unreachable store.
var ErrUnreachable = errors.New("backend unreachable")

// Unreachable is a store whose every operation fails, as if the network
// were down.
type Unreachable struct{}

var _ store.Store = Unreachable{}

func (Unreachable) List(ctx context.Context) ([]store.FileEntry, error) {
	return nil, ErrUnreachable
}

func (Unreachable) Open(ctx context.Context, key string) (store.ReadAtCloser, int64, error) {
	return nil, 0, ErrUnreachable
}

func (Unreachable) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	return nil, ErrUnreachable
}

func (Unreachable) Delete(ctx context.Context, key string) error { return ErrUnreachable }

func (Unreachable) CreateFolder(ctx context.Context) error { return ErrUnreachable }

func (Unreachable) Test(ctx context.Context) error { return ErrUnreachable }

// Reorder wraps a store so that List returns its entries in an order
// chosen by the wrapper rather than the backend. Every call to List uses the
// next permutation source; see NewShuffled and NewReversed.
type Reorder struct {
	store.Store
	m     sync.Mutex
	order func([]store.FileEntry)
}

// NewShuffled returns a wrapper which shuffles every listing using a
// random source seeded with seed.
func NewShuffled(s store.Store, seed int64) *Reorder {
	rng := rand.New(rand.NewSource(seed))
	return &Reorder{Store: s, order: func(e []store.FileEntry) {
		rng.Shuffle(len(e), func(i, j int) { e[i], e[j] = e[j], e[i] })
	}}
}

// NewReversed returns a wrapper which lists entries in reverse name order.
func NewReversed(s store.Store) *Reorder {
	return &Reorder{Store: s, order: func(e []store.FileEntry) {
		sort.Slice(e, func(i, j int) bool { return e[i].Name > e[j].Name })
	}}
}

// List returns the wrapped store's listing in the wrapper's order.
func (r *Reorder) List(ctx context.Context) ([]store.FileEntry, error) {
	entries, err := r.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	r.m.Lock()
	r.order(entries)
	r.m.Unlock()
	return entries, nil
}

// Rename passes through to the wrapped store when it supports renaming.
func (r *Reorder) Rename(ctx context.Context, oldkey, newkey string) error {
	rn, ok := r.Store.(store.Renamer)
	if !ok {
		return store.ErrNotSupported
	}
	return rn.Rename(ctx, oldkey, newkey)
}

// Counting wraps a store and counts the calls made to it.
type Counting struct {
	store.Store
	m       sync.Mutex
	Opens   map[string]int
	Creates map[string]int
	Deletes map[string]int
}

// NewCounting returns a Counting wrapper around s.
func NewCounting(s store.Store) *Counting {
	return &Counting{
		Store:   s,
		Opens:   make(map[string]int),
		Creates: make(map[string]int),
		Deletes: make(map[string]int),
	}
}

func (c *Counting) Open(ctx context.Context, key string) (store.ReadAtCloser, int64, error) {
	c.m.Lock()
	c.Opens[key]++
	c.m.Unlock()
	return c.Store.Open(ctx, key)
}

func (c *Counting) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	c.m.Lock()
	c.Creates[key]++
	c.m.Unlock()
	return c.Store.Create(ctx, key)
}

func (c *Counting) Delete(ctx context.Context, key string) error {
	c.m.Lock()
	c.Deletes[key]++
	c.m.Unlock()
	return c.Store.Delete(ctx, key)
}

// Mutations returns the total number of Create and Delete calls seen.
func (c *Counting) Mutations() int {
	c.m.Lock()
	defer c.m.Unlock()
	var n int
	for _, v := range c.Creates {
		n += v
	}
	for _, v := range c.Deletes {
		n += v
	}
	return n
}
