// Package dedupe suppresses repeated processing of the same external event
// within a retention window.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Deduper marks keys as seen for a bounded window.
type Deduper interface {
	// CheckAndMark reports whether key was already seen inside the window.
	// When it was not, the key is marked in the same step.
	CheckAndMark(ctx context.Context, key string) (bool, error)
	// Forget releases a key so a later redelivery is processed again.
	Forget(ctx context.Context, key string) error
	Close() error
}

type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is the in-process Deduper: TTL bounded, size bounded, oldest evicted first.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a cache and starts its background sweeper.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *Cache) CheckAndMark(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.seenAt) < c.ttl {
			return true, nil
		}
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return false, nil
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.seen[key] = &cacheEntry{seenAt: now, element: c.order.PushBack(key)}
	return false, nil
}

func (c *Cache) Forget(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
	return nil
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) sweep() {
	interval := c.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	// Entries are ordered by last mark, so stop at the first live one.
	for e := c.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		ent := c.seen[key]
		if ent == nil || now.Sub(ent.seenAt) < c.ttl {
			return
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.seen, key)
		e = next
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
	return nil
}
