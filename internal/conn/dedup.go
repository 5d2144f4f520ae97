package conn

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/taskforge/syncd/internal/protocol"
)

// dedupCache drops inbound messages that are structurally identical to the
// last message of the same type seen within a short window.
type dedupCache struct {
	mu         sync.Mutex
	window     time.Duration
	evictAfter time.Duration
	maxEntries int
	entries    map[string]dedupEntry // message type -> last seen
	now        func() time.Time
}

type dedupEntry struct {
	fingerprint string
	at          time.Time
}

func newDedupCache(window, evictAfter time.Duration, maxEntries int) *dedupCache {
	return &dedupCache{
		window:     window,
		evictAfter: evictAfter,
		maxEntries: maxEntries,
		entries:    make(map[string]dedupEntry),
		now:        time.Now,
	}
}

// isDuplicate reports whether msg repeats the previous message of the same
// type within the window, and records msg as the latest otherwise.
func (c *dedupCache) isDuplicate(msg *protocol.Message) bool {
	fp := fingerprint(msg)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.entries[msg.Type]
	if ok && now.Sub(prev.at) <= c.window && prev.fingerprint == fp {
		return true
	}

	c.entries[msg.Type] = dedupEntry{fingerprint: fp, at: now}
	c.evictLocked(now)
	return false
}

// evictLocked drops aged entries once the cache grows past maxEntries.
func (c *dedupCache) evictLocked(now time.Time) {
	if len(c.entries) <= c.maxEntries {
		return
	}
	for msgType, entry := range c.entries {
		if now.Sub(entry.at) > c.evictAfter {
			delete(c.entries, msgType)
		}
	}
}

func (c *dedupCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]dedupEntry)
}

// fingerprint is a structural identity for the message payload. json.Marshal
// writes map keys in sorted order, so equal payloads produce equal bytes.
func fingerprint(msg *protocol.Message) string {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return msg.ID
	}
	return string(data)
}
