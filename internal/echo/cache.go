// Package echo recognizes the Z-API redelivery of our own outbound
// messages. The platform reports every message the connected number
// sends, including ours, as an inbound from-me event; without this
// cache each bot reply would look like a human operator typing and
// silently disable the AI for that conversation.
package echo

import (
	"sync"
	"time"
)

const defaultTTL = 60 * time.Second

// Cache is a bounded TTL set of outbound message ids. Safe for
// concurrent Register/Consume from multiple in-flight events. Entries
// are not persisted; losing them on restart degrades to "assume human
// takeover", which is the safe direction.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	done    chan struct{}
	once    sync.Once
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c := &Cache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Register records id as bot-originated.
func (c *Cache) Register(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.entries[id] = time.Now()
	c.mu.Unlock()
}

// Consume returns true exactly once per registered id within the TTL
// window, removing the entry.
func (c *Cache) Consume(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.entries[id]
	if !ok {
		return false
	}
	delete(c.entries, id)
	return time.Since(at) <= c.ttl
}

// Len reports the live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for id, at := range c.entries {
				if now.Sub(at) > c.ttl {
					delete(c.entries, id)
				}
			}
			c.mu.Unlock()
		}
	}
}
