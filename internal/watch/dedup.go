package watch

import (
	"fmt"
	"sync"
	"time"
)

// DefaultDedupCapacity bounds the suppression set; old entries are evicted
// arbitrarily once the cap is reached.
const DefaultDedupCapacity = 1000

// DedupCache suppresses duplicate notifications for the same message. Keys
// include a minute bucket, so an edit arriving in a later minute is treated
// as new. The cache is cleared on every subscription rebuild.
type DedupCache struct {
	mu   sync.Mutex
	keys map[string]struct{}
	cap  int
}

func NewDedupCache(capacity int) *DedupCache {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &DedupCache{keys: make(map[string]struct{}), cap: capacity}
}

// DedupKey builds the suppression key for one message occurrence. The minute
// bucket comes from the wall clock at dispatch time, not the message
// timestamp, so the same (chat, message id) pair dispatched again in a later
// minute is treated as new.
func DedupKey(chatID int64, messageID int) string {
	return dedupKeyAt(chatID, messageID, time.Now())
}

func dedupKeyAt(chatID int64, messageID int, at time.Time) string {
	return fmt.Sprintf("%d_%d_%s", chatID, messageID, at.Format("200601021504"))
}

// Seen records key and reports whether it was already present. When the cache
// is full an arbitrary existing entry is evicted to make room.
func (c *DedupCache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.keys[key]; ok {
		return true
	}
	if len(c.keys) >= c.cap {
		for k := range c.keys {
			delete(c.keys, k)
			break
		}
	}
	c.keys[key] = struct{}{}
	return false
}

// Clear drops every entry.
func (c *DedupCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = make(map[string]struct{})
}

func (c *DedupCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}
