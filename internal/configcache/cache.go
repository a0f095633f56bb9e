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

// Package configcache resolves per-device configuration through the
// three-tier fallback chain tracker_config → client_config → system_config →
// compile-time emergency defaults, with a TTL cache per imei.
package configcache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/navtrace/navtrace/internal/logs"
)

// EmergencyDefaults is the compile-time last-resort tier. Values are strings
// because all tiers store strings; typed access goes through Config.
var EmergencyDefaults = map[string]string{
	"SPEED_LIMIT_CITY":          "60",
	"SPEED_LIMIT_HIGHWAY":       "100",
	"SPEED_LIMIT_MOTORWAY":      "120",
	"MIN_DURATION_SPEED":        "30",
	"NR_THRESHOLD":              "3600",
	"IDLE_THRESHOLD":            "300",
	"IDLE_MAX":                  "900",
	"MAX_SPEED_FILTER":          "200",
	"SEATBELT_SPEED_THRESHOLD":  "20",
	"SEATBELT_MAX_DURATION":     "120",
	"SEATBELT_MAX_DISTANCE":     "1.0",
	"MAX_DRIVING_HOURS":         "5",
	"MAX_DRIVING_DISTANCE":      "500",
	"MIN_REST_DURATION":         "1800",
	"NIGHT_START":               "22:00",
	"NIGHT_END":                 "05:00",
	"TEMP_MIN":                  "2",
	"TEMP_MAX":                  "8",
	"HUMIDITY_MIN":              "30",
	"HUMIDITY_MAX":              "70",
	"SENSOR_DURATION_THRESHOLD": "300",
	"FILL_THRESHOLD":            "5",
	"THEFT_THRESHOLD":           "5",
	"STOP_THRESHOLD":            "300",
	"TIME_COMPLIANCE_THRESHOLD": "600",
	"DEVIATION_THRESHOLD":       "100",
	"FENCE_BUFFER_DISTANCE":     "50",
}

// Querier is the DB surface the resolver needs. Bulk resolution for one imei
// costs at most four queries: client id plus one per tier.
type Querier interface {
	ClientIDForIMEI(ctx context.Context, imei int64) (int64, error)
	TrackerConfig(ctx context.Context, imei int64) (map[string]string, error)
	ClientConfig(ctx context.Context, clientID int64) (map[string]string, error)
	SystemConfig(ctx context.Context) (map[string]string, error)
	KnownConfigKeys(ctx context.Context) ([]string, error)
}

// Config is a resolved key→value view for one imei.
type Config map[string]string

func (c Config) String(key string) (string, error) {
	v, ok := c[key]
	if !ok {
		return "", fmt.Errorf("config key %q missing at all tiers", key)
	}
	return v, nil
}

func (c Config) Float64(key string) (float64, error) {
	s, err := c.String(key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("config key %q: %w", key, err)
	}
	return f, nil
}

func (c Config) Int(key string) (int, error) {
	f, err := c.Float64(key)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// Seconds reads a key holding a second count as a Duration.
func (c Config) Seconds(key string) (time.Duration, error) {
	f, err := c.Float64(key)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}

const DefaultTTL = 5 * time.Minute

type cacheEntry struct {
	cfg     Config
	expires time.Time
}

type Resolver struct {
	q   Querier
	log logs.StructuredLogger
	ttl time.Duration

	mu        sync.Mutex
	perIMEI   map[int64]cacheEntry
	knownKeys []string

	// Business-rule fallbacks are logged once per key, not per record.
	warnedKeys map[string]bool
}

func NewResolver(q Querier, ttl time.Duration, log logs.StructuredLogger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		q:          q,
		log:        log.With("component", "configcache"),
		ttl:        ttl,
		perIMEI:    map[int64]cacheEntry{},
		warnedKeys: map[string]bool{},
	}
}

// LoadKnownKeys bootstraps the key universe from system_config, falling back
// to the emergency-default key list.
func (r *Resolver) LoadKnownKeys(ctx context.Context) error {
	keys, err := r.q.KnownConfigKeys(ctx)
	if err != nil || len(keys) == 0 {
		keys = make([]string, 0, len(EmergencyDefaults))
		for k := range EmergencyDefaults {
			keys = append(keys, k)
		}
		if err != nil {
			r.log.Warnf("loading known config keys failed, using compiled defaults: %v", err)
		}
	}
	r.mu.Lock()
	r.knownKeys = keys
	r.mu.Unlock()
	return nil
}

// ResolveAll returns the full resolved config for one imei, from cache when
// fresh.
func (r *Resolver) ResolveAll(ctx context.Context, imei int64) (Config, error) {
	r.mu.Lock()
	if e, ok := r.perIMEI[imei]; ok && time.Now().Before(e.expires) {
		r.mu.Unlock()
		return e.cfg, nil
	}
	r.mu.Unlock()

	cfg, err := r.resolve(ctx, imei)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.perIMEI[imei] = cacheEntry{cfg: cfg, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return cfg, nil
}

// Resolve returns one key for one imei.
func (r *Resolver) Resolve(ctx context.Context, imei int64, key string) (string, error) {
	cfg, err := r.ResolveAll(ctx, imei)
	if err != nil {
		return "", err
	}
	return cfg.String(key)
}

// Invalidate drops the cached config for an imei (or all, when imei is 0).
func (r *Resolver) Invalidate(imei int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if imei == 0 {
		r.perIMEI = map[int64]cacheEntry{}
		return
	}
	delete(r.perIMEI, imei)
}

func (r *Resolver) resolve(ctx context.Context, imei int64) (Config, error) {
	system, err := r.q.SystemConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading system config: %w", err)
	}

	var client map[string]string
	clientID, err := r.q.ClientIDForIMEI(ctx, imei)
	if err != nil {
		r.log.Warnf("client lookup failed for imei %d, skipping client tier: %v", imei, err)
	} else if clientID != 0 {
		client, err = r.q.ClientConfig(ctx, clientID)
		if err != nil {
			return nil, fmt.Errorf("loading client config: %w", err)
		}
	}

	tracker, err := r.q.TrackerConfig(ctx, imei)
	if err != nil {
		return nil, fmt.Errorf("loading tracker config: %w", err)
	}

	cfg := make(Config, len(EmergencyDefaults))
	r.mu.Lock()
	keys := r.knownKeys
	r.mu.Unlock()
	if len(keys) == 0 {
		for k := range EmergencyDefaults {
			keys = append(keys, k)
		}
	}

	for _, key := range keys {
		if v, ok := tracker[key]; ok {
			cfg[key] = v
			continue
		}
		if v, ok := client[key]; ok {
			cfg[key] = v
			continue
		}
		if v, ok := system[key]; ok {
			cfg[key] = v
			continue
		}
		if v, ok := EmergencyDefaults[key]; ok {
			cfg[key] = v
			r.mu.Lock()
			if !r.warnedKeys[key] {
				r.warnedKeys[key] = true
				r.mu.Unlock()
				r.log.Warnf("config key %q missing at all tiers, using emergency default %q", key, v)
			} else {
				r.mu.Unlock()
			}
		}
	}
	return cfg, nil
}
