package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Memory implements a simple in-memory version of a store. It is intended
// mainly for testing. It supports renaming and subfolders.
type Memory struct {
	m     sync.RWMutex
	store map[string]memItem
}

type memItem struct {
	b        []byte
	modified time.Time
}

var (
	// ensure Memory satisfies the Store interface
	_ Store      = &Memory{}
	_ Renamer    = &Memory{}
	_ Subfolders = &Memory{}
)

// NewMemory returns a new, empty memory store.
func NewMemory() *Memory {
	return &Memory{store: make(map[string]memItem)}
}

// List returns an entry for every item in the store.
func (ms *Memory) List(ctx context.Context) ([]FileEntry, error) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	result := make([]FileEntry, 0, len(ms.store))
	for k, v := range ms.store {
		result = append(result, FileEntry{
			Name:         k,
			Size:         int64(len(v.b)),
			LastModified: v.modified,
		})
	}
	return result, nil
}

// Open returns a ReadAtCloser and the size of the given blob.
func (ms *Memory) Open(ctx context.Context, key string) (ReadAtCloser, int64, error) {
	ms.m.RLock()
	v, ok := ms.store[key]
	ms.m.RUnlock()
	if !ok {
		return nil, 0, errors.Wrap(ErrNotExist, key)
	}
	return memReader{bytes.NewReader(v.b)}, int64(len(v.b)), nil
}

type memReader struct {
	*bytes.Reader
}

func (memReader) Close() error { return nil }

// Create makes a new entry in the store, and returns a writer to save data
// into it. The entry becomes visible when the writer is closed.
func (ms *Memory) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	ms.m.RLock()
	_, ok := ms.store[key]
	ms.m.RUnlock()
	if ok {
		return nil, errors.Wrap(ErrKeyExists, key)
	}
	return &memWriter{parent: ms, key: key}, nil
}

type memWriter struct {
	bytes.Buffer
	parent *Memory
	key    string
}

func (w *memWriter) Close() error {
	w.parent.m.Lock()
	defer w.parent.m.Unlock()
	if _, ok := w.parent.store[w.key]; ok {
		return errors.Wrap(ErrKeyExists, w.key)
	}
	w.parent.store[w.key] = memItem{b: w.Bytes(), modified: time.Now()}
	return nil
}

// Delete the given key from the store. It is not an error if the item does
// not exist in the store.
func (ms *Memory) Delete(ctx context.Context, key string) error {
	ms.m.Lock()
	delete(ms.store, key)
	ms.m.Unlock()
	return nil
}

// Rename moves oldkey to newkey. It fails if newkey already exists.
func (ms *Memory) Rename(ctx context.Context, oldkey, newkey string) error {
	ms.m.Lock()
	defer ms.m.Unlock()
	v, ok := ms.store[oldkey]
	if !ok {
		return errors.Wrap(ErrNotExist, oldkey)
	}
	if _, ok := ms.store[newkey]; ok {
		return errors.Wrap(ErrKeyExists, newkey)
	}
	delete(ms.store, oldkey)
	ms.store[newkey] = v
	return nil
}

// CreateFolder does nothing for a memory store.
func (ms *Memory) CreateFolder(ctx context.Context) error { return nil }

// CreateSubfolder does nothing for a memory store; keys may contain '/'.
func (ms *Memory) CreateSubfolder(ctx context.Context, name string) error { return nil }

// Test always succeeds.
func (ms *Memory) Test(ctx context.Context) error { return nil }

// Dump writes a listing of the contents of the store to the given writer.
// This is intended for testing and debugging.
func (ms *Memory) Dump(w io.Writer) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	var keys []string
	for k := range ms.store {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %d bytes\n", k, len(ms.store[k].b))
	}
}
