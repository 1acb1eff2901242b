// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import (
	"fmt"
	"unsafe"
)

// LruCache is a bounded key/value cache evicting the least recently used
// entry once its capacity is exceeded. It is not thread safe; owners are
// expected to guard it with their own lock.
type LruCache[K comparable, V any] struct {
	cache    map[K]*entry[K, V]
	capacity int
	head     *entry[K, V]
	tail     *entry[K, V]
}

// NewLruCache returns a new cache holding at most capacity entries. A
// capacity below one is raised to one.
func NewLruCache[K comparable, V any](capacity int) *LruCache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LruCache[K, V]{
		cache:    make(map[K]*entry[K, V], capacity),
		capacity: capacity,
	}
}

// Get returns a value from the cache or false. If the value exists, it is
// marked as the most recently used entry.
func (c *LruCache[K, V]) Get(key K) (V, bool) {
	item, exists := c.cache[key]
	if !exists {
		var zero V
		return zero, false
	}
	c.touch(item)
	return item.val, true
}

// Set associates a key to the cache. If the key is already present, the
// value is updated and the key marked as used. Otherwise a new entry is
// added, evicting the least recently used entry if the capacity is exceeded.
func (c *LruCache[K, V]) Set(key K, val V) (evictedKey K, evictedValue V, evicted bool) {
	if item, exists := c.cache[key]; exists {
		item.val = val
		c.touch(item)
		return
	}

	var item *entry[K, V]
	if len(c.cache) >= c.capacity {
		item = c.dropLast() // reuse evicted object for the new entry
		evictedKey = item.key
		evictedValue = item.val
		evicted = true
	} else {
		item = new(entry[K, V])
	}
	item.key = key
	item.val = val
	c.cache[key] = item
	c.pushFront(item)
	return
}

// Remove deletes the key from the cache and returns the deleted value.
func (c *LruCache[K, V]) Remove(key K) (original V, exists bool) {
	item, exists := c.cache[key]
	if !exists {
		return original, false
	}
	delete(c.cache, key)
	c.unlink(item)
	return item.val, true
}

// Len returns the number of cached entries.
func (c *LruCache[K, V]) Len() int {
	return len(c.cache)
}

// Clear removes all entries.
func (c *LruCache[K, V]) Clear() {
	if len(c.cache) > 0 {
		c.cache = make(map[K]*entry[K, V], c.capacity)
	}
	c.head = nil
	c.tail = nil
}

func (c *LruCache[K, V]) touch(item *entry[K, V]) {
	if item == c.head {
		return
	}
	c.unlink(item)
	c.pushFront(item)
}

func (c *LruCache[K, V]) pushFront(item *entry[K, V]) {
	item.prev = nil
	item.next = c.head
	if c.head != nil {
		c.head.prev = item
	}
	c.head = item
	if c.tail == nil {
		c.tail = item
	}
}

func (c *LruCache[K, V]) unlink(item *entry[K, V]) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
	item.prev = nil
	item.next = nil
}

// dropLast drops the last element from the queue and returns it.
func (c *LruCache[K, V]) dropLast() *entry[K, V] {
	dropped := c.tail
	delete(c.cache, dropped.key)
	c.unlink(dropped)
	return dropped
}

// GetDynamicMemoryFootprint provides the size of the cache in memory in
// bytes for values referencing a dynamic amount of memory, like slices.
func (c *LruCache[K, V]) GetDynamicMemoryFootprint(valueSizeProvider func(V) uintptr) *MemoryFootprint {
	selfSize := unsafe.Sizeof(*c)
	entryPointerSize := unsafe.Sizeof(&entry[K, V]{})
	size := uintptr(c.capacity) * entryPointerSize
	for _, value := range c.cache {
		size += unsafe.Sizeof(entry[K, V]{})
		size += valueSizeProvider(value.val)
	}
	return NewMemoryFootprint(selfSize + size)
}

// entry is a cache item wrapping a key, a value and references to the
// previous and next elements of the usage queue.
type entry[K comparable, V any] struct {
	key  K
	val  V
	prev *entry[K, V]
	next *entry[K, V]
}

func (e entry[K, V]) String() string {
	return fmt.Sprintf("Entry: %v -> %v", e.key, e.val)
}
