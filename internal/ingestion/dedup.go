package ingestion

import (
	"container/list"
	"fmt"
)

// CommandDedup is an LRU of recently applied command ids. JetStream delivers
// at-least-once, and Submit in particular is not naturally idempotent, so a
// redelivered command must be recognized and acked without re-applying.
// Not thread-safe: only accessed from the single dispatcher goroutine.
type CommandDedup struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type dedupEntry struct {
	key string
}

func NewCommandDedup(capacity int) *CommandDedup {
	return &CommandDedup{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Seen checks whether a command was already applied, promoting it on hit.
func (d *CommandDedup) Seen(kind, commandID string) bool {
	elem, exists := d.cache[compositeKey(kind, commandID)]
	if exists {
		d.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// MarkApplied records a command id after the engine accepted or terminally
// rejected it.
func (d *CommandDedup) MarkApplied(kind, commandID string) {
	key := compositeKey(kind, commandID)
	if elem, exists := d.cache[key]; exists {
		d.lruList.MoveToFront(elem)
		return
	}

	entry := &dedupEntry{key: key}
	elem := d.lruList.PushFront(entry)
	d.cache[key] = elem

	if d.lruList.Len() > d.capacity {
		d.evictOldest()
	}
}

func (d *CommandDedup) evictOldest() {
	elem := d.lruList.Back()
	if elem == nil {
		return
	}
	d.lruList.Remove(elem)
	entry := elem.Value.(*dedupEntry)
	delete(d.cache, entry.key)
	d.evictions++
}

// Size returns the current number of tracked command ids.
func (d *CommandDedup) Size() int {
	return d.lruList.Len()
}

// Evictions returns the total evictions, for monitoring.
func (d *CommandDedup) Evictions() int64 {
	return d.evictions
}

func compositeKey(kind, commandID string) string {
	return fmt.Sprintf("%s:%s", kind, commandID)
}
