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

// Package dedup implements the two-tier message deduplicator: a bounded
// in-memory insertion-ordered map (L1) in front of the processed_message_ids
// table (L2).
package dedup

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Tier identifies which tier answered a lookup.
type Tier string

const (
	TierNone Tier = ""
	TierL1   Tier = "l1"
	TierL2   Tier = "l2"
)

// Store is the L2 tier. Implementations must tolerate concurrent workers
// (ON CONFLICT DO NOTHING).
type Store interface {
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageIDs []string) error
}

type entry struct {
	id string
	at time.Time
}

// Deduplicator is safe for concurrent use. L1 evicts its oldest entry when
// full; expired entries are removed by Sweep.
type Deduplicator struct {
	mu      sync.Mutex
	byID    map[string]*list.Element
	order   *list.List // front = oldest insertion
	maxSize int
	ttl     time.Duration
	store   Store
}

func New(maxSize int, ttl time.Duration, store Store) *Deduplicator {
	return &Deduplicator{
		byID:    make(map[string]*list.Element, maxSize),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		store:   store,
	}
}

// Seen reports whether the message id was already processed and which tier
// knew about it. An L2 hit is promoted into L1.
func (d *Deduplicator) Seen(ctx context.Context, messageID string) (bool, Tier, error) {
	d.mu.Lock()
	_, ok := d.byID[messageID]
	d.mu.Unlock()
	if ok {
		return true, TierL1, nil
	}

	if d.store == nil {
		return false, TierNone, nil
	}
	processed, err := d.store.IsProcessed(ctx, messageID)
	if err != nil {
		return false, TierNone, err
	}
	if processed {
		d.remember(messageID, time.Now().UTC())
		return true, TierL2, nil
	}
	return false, TierNone, nil
}

// Mark records the ids as processed, L1 first, then L2. The L2 write must
// succeed before the caller acknowledges the message.
func (d *Deduplicator) Mark(ctx context.Context, messageIDs ...string) error {
	now := time.Now().UTC()
	for _, id := range messageIDs {
		d.remember(id, now)
	}
	if d.store == nil {
		return nil
	}
	return d.store.MarkProcessed(ctx, messageIDs)
}

func (d *Deduplicator) remember(id string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byID[id]; ok {
		return
	}
	for len(d.byID) >= d.maxSize {
		d.evictOldestLocked()
	}
	d.byID[id] = d.order.PushBack(entry{id: id, at: at})
}

func (d *Deduplicator) evictOldestLocked() {
	front := d.order.Front()
	if front == nil {
		return
	}
	d.order.Remove(front)
	delete(d.byID, front.Value.(entry).id)
}

// Sweep removes expired L1 entries and returns how many were removed.
func (d *Deduplicator) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for front := d.order.Front(); front != nil; front = d.order.Front() {
		if now.Sub(front.Value.(entry).at) < d.ttl {
			break
		}
		d.order.Remove(front)
		delete(d.byID, front.Value.(entry).id)
		removed++
	}
	return removed
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byID)
}
