package cache

import (
	"errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"sync"
	"time"
)

// LRU is a size-bounded table whose entries also lapse after ttl without use.
// It holds per-client limiter state, never pastes.
type LRU[V any] struct {
	c   *lru.Cache[string, entry[V]]
	ttl time.Duration
	now func() time.Time
	mu  sync.Mutex
}
type entry[V any] struct {
	val  V
	seen time.Time
}

func NewLRU[V any](size int, ttl time.Duration) (*LRU[V], error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 1000000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, entry[V]](size)
	if err != nil {
		return nil, err
	}
	return &LRU[V]{c: c, ttl: ttl, now: time.Now}, nil
}

// GetOrAdd returns the value under key, creating it with mk when it is
// missing or has lapsed. The lookup and insert happen under one lock.
func (l *LRU[V]) GetOrAdd(key string, mk func() V) V {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if it, ok := l.c.Get(key); ok && (l.ttl <= 0 || now.Sub(it.seen) <= l.ttl) {
		it.seen = now
		l.c.Add(key, it)
		return it.val
	}
	v := mk()
	l.c.Add(key, entry[V]{val: v, seen: now})
	return v
}

// Len counts entries including lapsed ones not yet evicted.
func (l *LRU[V]) Len() int {
	return l.c.Len()
}
