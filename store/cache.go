package store

// The remote stores need to remember object sizes to avoid extra round
// trips. This file implements that cache.

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// head is the structure stored in a sizecache.
type head struct {
	expire time.Time
	size   int64 // size of item. 0 = ?, -1 = doesn't exist. see constant below
}

// A sizecache is used to remember the size or non-size of a remote object.
// The size is either a non-negative int64, 0 = we don't know, -1 = item
// doesn't exist. Entries will expire after some amount of time. Items not
// existing expire quicker than items with a positive size.
type sizecache struct {
	m         sync.Mutex      // protects everything below
	cache     map[string]head // cache for item sizes
	sweeptime time.Time       // next time to age everything
}

const (
	// constants for head.size. Indicates that the given key is deleted.
	sizeDeleted int64 = -1 // any negative number will work

	defaultMissTTL = 10 * time.Minute
	defaultHitTTL  = 24 * time.Hour
)

func newSizeCache() *sizecache {
	return &sizecache{
		cache: make(map[string]head),
	}
}

// Get returns the size associated with key. If key is not in the cache
// it will call the fill function to figure out what the size is.
// If a size is negative ErrNotExist is returned.
func (s *sizecache) Get(key string, fill func(key string) (int64, error)) (int64, error) {
	s.m.Lock()
	now := time.Now()
	if now.After(s.sweeptime) {
		s.age(now)
	}
	entry, ok := s.cache[key]
	s.m.Unlock()
	if ok && now.Before(entry.expire) {
		if entry.size > 0 {
			return entry.size, nil
		}
		if entry.size < 0 {
			// we have previously determined this key does not exist
			return 0, errors.Wrap(ErrNotExist, key)
		}
	}
	size, err := fill(key)
	if err == nil || size < 0 {
		s.Set(key, size)
	}
	return size, err
}

// Set caches a size to use for the given key.
// Use sizeDeleted to mark the key as missing.
func (s *sizecache) Set(key string, size int64) {
	ttl := defaultHitTTL
	switch {
	case size < 0:
		ttl = defaultMissTTL
	case size == 0:
		ttl = 0
	}
	s.m.Lock()
	s.cache[key] = head{expire: time.Now().Add(ttl), size: size}
	s.m.Unlock()
}

// age removes the entries which have expired. The caller holds m.
func (s *sizecache) age(now time.Time) {
	s.sweeptime = now.Add(time.Hour) // next sweep in an hour
	for k, v := range s.cache {
		if now.After(v.expire) {
			delete(s.cache, k)
		}
	}
}
