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

package dedup_test

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/navtrace/navtrace/internal/dedup"
)

type fakeStore struct {
	processed map[string]bool
	marked    [][]string
}

func (f *fakeStore) IsProcessed(_ context.Context, id string) (bool, error) {
	return f.processed[id], nil
}

func (f *fakeStore) MarkProcessed(_ context.Context, ids []string) error {
	f.marked = append(f.marked, ids)
	for _, id := range ids {
		f.processed[id] = true
	}
	return nil
}

func TestSeenAfterMark(t *testing.T) {
	store := &fakeStore{processed: map[string]bool{}}
	d := dedup.New(10, time.Hour, store)
	ctx := context.Background()

	seen, tier, err := d.Seen(ctx, "m1")
	assert.NilError(t, err)
	assert.Assert(t, !seen)
	assert.Equal(t, dedup.TierNone, tier)

	assert.NilError(t, d.Mark(ctx, "m1"))

	seen, tier, err = d.Seen(ctx, "m1")
	assert.NilError(t, err)
	assert.Assert(t, seen)
	assert.Equal(t, dedup.TierL1, tier)
	assert.Equal(t, 1, len(store.marked))
}

func TestL2HitPromotedToL1(t *testing.T) {
	store := &fakeStore{processed: map[string]bool{"m2": true}}
	d := dedup.New(10, time.Hour, store)
	ctx := context.Background()

	seen, tier, err := d.Seen(ctx, "m2")
	assert.NilError(t, err)
	assert.Assert(t, seen)
	assert.Equal(t, dedup.TierL2, tier)

	// Second lookup answers from memory.
	seen, tier, err = d.Seen(ctx, "m2")
	assert.NilError(t, err)
	assert.Assert(t, seen)
	assert.Equal(t, dedup.TierL1, tier)
}

func TestEvictsOldestWhenFull(t *testing.T) {
	d := dedup.New(3, time.Hour, nil)
	ctx := context.Background()

	assert.NilError(t, d.Mark(ctx, "a", "b", "c"))
	assert.NilError(t, d.Mark(ctx, "d"))
	assert.Equal(t, 3, d.Len())

	seen, _, _ := d.Seen(ctx, "a")
	assert.Assert(t, !seen, "oldest entry should have been evicted")
	seen, _, _ = d.Seen(ctx, "d")
	assert.Assert(t, seen)
}

func TestSweepRemovesExpired(t *testing.T) {
	d := dedup.New(10, time.Minute, nil)
	ctx := context.Background()

	assert.NilError(t, d.Mark(ctx, "old1", "old2"))
	removed := d.Sweep(time.Now().UTC().Add(2 * time.Minute))
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, d.Len())
}
