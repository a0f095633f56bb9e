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

package configcache_test

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/navtrace/navtrace/internal/configcache"
	"github.com/navtrace/navtrace/internal/logs"
)

type fakeQuerier struct {
	clientID int64
	tracker  map[string]string
	client   map[string]string
	system   map[string]string
	queries  int
}

func (f *fakeQuerier) ClientIDForIMEI(context.Context, int64) (int64, error) {
	f.queries++
	return f.clientID, nil
}

func (f *fakeQuerier) TrackerConfig(context.Context, int64) (map[string]string, error) {
	f.queries++
	return f.tracker, nil
}

func (f *fakeQuerier) ClientConfig(context.Context, int64) (map[string]string, error) {
	f.queries++
	return f.client, nil
}

func (f *fakeQuerier) SystemConfig(context.Context) (map[string]string, error) {
	f.queries++
	return f.system, nil
}

func (f *fakeQuerier) KnownConfigKeys(context.Context) ([]string, error) {
	return []string{"SPEED_LIMIT_CITY", "IDLE_MAX", "NR_THRESHOLD"}, nil
}

func newResolver(t *testing.T, q *fakeQuerier) *configcache.Resolver {
	t.Helper()
	r := configcache.NewResolver(q, time.Minute, logs.DiscardLogger())
	assert.NilError(t, r.LoadKnownKeys(context.Background()))
	return r
}

func TestTierPrecedence(t *testing.T) {
	q := &fakeQuerier{
		clientID: 7,
		tracker:  map[string]string{"SPEED_LIMIT_CITY": "50"},
		client:   map[string]string{"SPEED_LIMIT_CITY": "70", "IDLE_MAX": "600"},
		system:   map[string]string{"SPEED_LIMIT_CITY": "80", "IDLE_MAX": "900", "NR_THRESHOLD": "1800"},
	}
	r := newResolver(t, q)

	cfg, err := r.ResolveAll(context.Background(), 100)
	assert.NilError(t, err)

	city, err := cfg.Float64("SPEED_LIMIT_CITY")
	assert.NilError(t, err)
	assert.Equal(t, 50.0, city)

	idle, err := cfg.Float64("IDLE_MAX")
	assert.NilError(t, err)
	assert.Equal(t, 600.0, idle)

	nr, err := cfg.Float64("NR_THRESHOLD")
	assert.NilError(t, err)
	assert.Equal(t, 1800.0, nr)
}

func TestEmergencyDefaultFallback(t *testing.T) {
	q := &fakeQuerier{clientID: 0, tracker: map[string]string{}, system: map[string]string{}}
	r := newResolver(t, q)

	v, err := r.Resolve(context.Background(), 100, "SPEED_LIMIT_CITY")
	assert.NilError(t, err)
	assert.Equal(t, configcache.EmergencyDefaults["SPEED_LIMIT_CITY"], v)
}

func TestBulkResolveQueryBudget(t *testing.T) {
	q := &fakeQuerier{
		clientID: 7,
		tracker:  map[string]string{},
		client:   map[string]string{},
		system:   map[string]string{"SPEED_LIMIT_CITY": "80"},
	}
	r := newResolver(t, q)

	_, err := r.ResolveAll(context.Background(), 100)
	assert.NilError(t, err)
	assert.Assert(t, q.queries <= 4, "bulk resolve used %d queries, want at most 4", q.queries)
}

func TestCacheAndInvalidate(t *testing.T) {
	q := &fakeQuerier{clientID: 0, tracker: map[string]string{"IDLE_MAX": "100"}, system: map[string]string{}}
	r := newResolver(t, q)
	ctx := context.Background()

	_, err := r.ResolveAll(ctx, 100)
	assert.NilError(t, err)
	before := q.queries

	_, err = r.ResolveAll(ctx, 100)
	assert.NilError(t, err)
	assert.Equal(t, before, q.queries, "second resolve should be served from cache")

	r.Invalidate(100)
	_, err = r.ResolveAll(ctx, 100)
	assert.NilError(t, err)
	assert.Assert(t, q.queries > before)
}

func TestSecondsGetter(t *testing.T) {
	cfg := configcache.Config{"MIN_DURATION_SPEED": "30"}
	d, err := cfg.Seconds("MIN_DURATION_SPEED")
	assert.NilError(t, err)
	assert.Equal(t, 30*time.Second, d)

	_, err = cfg.Seconds("ABSENT")
	assert.ErrorContains(t, err, "missing at all tiers")
}
