// Copyright 2025 Navtrace Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package camera

import (
	"container/list"
	"sync"
	"time"
)

// Verdict classifies one observation against the dedup cache.
type Verdict int

const (
	// VerdictNew means the key was never seen and the record must be emitted.
	VerdictNew Verdict = iota
	// VerdictDuplicate means the record carries nothing new and is dropped.
	VerdictDuplicate
	// VerdictVideoUpdate means a previously photo-only alarm now has its
	// clip; the record is re-emitted so consumers pick up the media.
	VerdictVideoUpdate
)

type cacheEntry struct {
	key      string
	at       time.Time
	hasVideo bool
}

// seenCache is the bounded TTL map behind both dedup surfaces: alarm GUIDs
// (where the video flag matters) and backfilled (imei, gps_time) fixes
// (where it is always false, so any repeat is a duplicate). The oldest entry
// is evicted when the size cap is hit.
type seenCache struct {
	mu      sync.Mutex
	byKey   map[string]*list.Element
	order   *list.List // front = oldest insertion
	maxSize int
	ttl     time.Duration
}

func newSeenCache(maxSize int, ttl time.Duration) *seenCache {
	return &seenCache{
		byKey:   make(map[string]*list.Element, maxSize),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Observe records one sighting of key and classifies it. An existing entry
// without video upgraded by a sighting with video flips in place, keeping its
// original insertion age.
func (c *seenCache) Observe(key string, hasVideo bool, now time.Time) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.byKey[key]; ok {
		e := el.Value.(*cacheEntry)
		if !e.hasVideo && hasVideo {
			e.hasVideo = true
			return VerdictVideoUpdate
		}
		return VerdictDuplicate
	}

	for len(c.byKey) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.byKey[key] = c.order.PushBack(&cacheEntry{key: key, at: now, hasVideo: hasVideo})
	return VerdictNew
}

func (c *seenCache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.byKey, front.Value.(*cacheEntry).key)
}

// Sweep drops expired entries and returns how many were removed.
func (c *seenCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*cacheEntry).at) < c.ttl {
			break
		}
		c.order.Remove(front)
		delete(c.byKey, front.Value.(*cacheEntry).key)
		removed++
	}
	return removed
}

func (c *seenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}
