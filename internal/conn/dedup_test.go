package conn

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/taskforge/syncd/internal/protocol"
)

func TestDedupIdenticalWithinWindow(t *testing.T) {
	cache := newDedupCache(100*time.Millisecond, 5*time.Second, 100)

	now := time.Now()
	cache.now = func() time.Time { return now }

	msg := &protocol.Message{Type: protocol.TypeTaskUpdated, Data: map[string]any{"task_id": "t1", "title": "A"}}

	assert.False(t, cache.isDuplicate(msg), "first delivery must pass")

	now = now.Add(50 * time.Millisecond)
	assert.True(t, cache.isDuplicate(msg), "identical payload 50ms later must be dropped")
}

func TestDedupIdenticalOutsideWindow(t *testing.T) {
	cache := newDedupCache(100*time.Millisecond, 5*time.Second, 100)

	now := time.Now()
	cache.now = func() time.Time { return now }

	msg := &protocol.Message{Type: protocol.TypeTaskUpdated, Data: map[string]any{"task_id": "t1"}}

	assert.False(t, cache.isDuplicate(msg))

	now = now.Add(150 * time.Millisecond)
	assert.False(t, cache.isDuplicate(msg), "identical payload 150ms later must be delivered")
}

func TestDedupDifferentPayloads(t *testing.T) {
	cache := newDedupCache(100*time.Millisecond, 5*time.Second, 100)

	a := &protocol.Message{Type: protocol.TypeTaskUpdated, Data: map[string]any{"title": "A"}}
	b := &protocol.Message{Type: protocol.TypeTaskUpdated, Data: map[string]any{"title": "B"}}

	assert.False(t, cache.isDuplicate(a))
	assert.False(t, cache.isDuplicate(b), "different payload of same type must pass")
}

func TestDedupDifferentTypes(t *testing.T) {
	cache := newDedupCache(100*time.Millisecond, 5*time.Second, 100)

	data := map[string]any{"task_id": "t1"}
	assert.False(t, cache.isDuplicate(&protocol.Message{Type: protocol.TypeTaskCreated, Data: data}))
	assert.False(t, cache.isDuplicate(&protocol.Message{Type: protocol.TypeTaskUpdated, Data: data}),
		"same payload under a different type must pass")
}

func TestDedupEviction(t *testing.T) {
	cache := newDedupCache(100*time.Millisecond, 5*time.Second, 10)

	now := time.Now()
	cache.now = func() time.Time { return now }

	for i := 0; i < 11; i++ {
		cache.isDuplicate(&protocol.Message{
			Type: fmt.Sprintf("type_%d", i),
			Data: map[string]any{"n": i},
		})
	}
	assert.Equal(t, 11, len(cache.entries), "nothing old enough to evict yet")

	// Age everything past the eviction horizon, then overflow again.
	now = now.Add(6 * time.Second)
	cache.isDuplicate(&protocol.Message{Type: "fresh", Data: map[string]any{}})
	assert.Equal(t, 1, len(cache.entries), "aged entries evicted once past capacity")
}

func TestDedupClear(t *testing.T) {
	cache := newDedupCache(100*time.Millisecond, 5*time.Second, 100)

	msg := &protocol.Message{Type: protocol.TypePing, Data: map[string]any{}}
	assert.False(t, cache.isDuplicate(msg))
	cache.clear()
	assert.False(t, cache.isDuplicate(msg), "cleared cache forgets prior messages")
}
