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

// Package camera polls vendor CMS servers for device positions and safety
// alarms and republishes them as normalized tracking records. Every server
// gets its own session, circuit breaker, and polling loops; one bounded
// semaphore caps concurrent HTTP calls across all of them.
package camera

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/navtrace/navtrace/internal/breaker"
	"github.com/navtrace/navtrace/internal/config"
	"github.com/navtrace/navtrace/internal/logs"
	"github.com/navtrace/navtrace/internal/metrics"
	"github.com/navtrace/navtrace/internal/model"
	"github.com/navtrace/navtrace/internal/set"
	"github.com/navtrace/navtrace/internal/store"
)

// routingTTL bounds how stale a cached camera_alarm_config read may be.
const routingTTL = 5 * time.Minute

type Service struct {
	log   logs.StructuredLogger
	cfg   config.Camera
	store *store.Store
	sink  Sink

	sem     chan struct{}
	alarms  *seenCache
	tracks  *seenCache
	allowed set.Set[string]

	mu          sync.Mutex
	provisioned set.Set[int64]
	routing     map[int64]routingEntry
}

type routingEntry struct {
	cfgs []model.CameraAlarmConfig
	at   time.Time
}

func NewService(cfg config.Camera, st *store.Store, sink Sink, log logs.StructuredLogger) *Service {
	return &Service{
		log:         log.With("component", "camera"),
		cfg:         cfg,
		store:       st,
		sink:        sink,
		sem:         make(chan struct{}, cfg.MaxConcurrentCalls),
		alarms:      newSeenCache(cfg.DedupMaxSize, cfg.AlarmDedupTTL),
		tracks:      newSeenCache(cfg.DedupMaxSize, cfg.TrackDedupTTL),
		allowed:     set.FromSlice(cfg.AllowedAlarmTypes),
		provisioned: set.Set[int64]{},
		routing:     map[int64]routingEntry{},
	}
}

// Run polls every enabled server until the context ends. A server with a
// broken configuration is skipped, not fatal; the rest keep polling.
func (s *Service) Run(ctx context.Context) error {
	servers, err := s.store.CMSServers(ctx)
	if err != nil {
		return fmt.Errorf("loading cms servers: %w", err)
	}
	if len(servers) == 0 {
		s.log.Warnf("no enabled cms servers configured")
		<-ctx.Done()
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		client, err := NewClient(srv, s.cfg.HTTPTimeout)
		if err != nil {
			s.log.Errorf("skipping server %s: %v", srv.Name, err)
			continue
		}
		p := &serverPoller{
			svc:    s,
			log:    s.log.With("server", srv.Name),
			server: srv,
			client: client,
			breaker: breaker.New(breaker.Settings{
				Name:             "cms-" + srv.Name,
				FailureThreshold: s.cfg.BreakerFailures,
				RecoveryTimeout:  s.cfg.BreakerResetTimeout,
			}, s.log),
		}
		g.Go(func() error { return p.run(ctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type serverPoller struct {
	svc     *Service
	log     logs.StructuredLogger
	server  model.CMSServer
	client  *Client
	breaker *breaker.Breaker
}

func (p *serverPoller) run(ctx context.Context) error {
	p.backfill(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.loop(ctx, p.svc.cfg.StatusInterval, p.pollStatus) })
	g.Go(func() error { return p.loop(ctx, p.svc.cfg.AlarmInterval, p.pollAlarms) })
	g.Go(func() error { return p.loop(ctx, p.svc.cfg.RealtimeInterval, p.pollRealtime) })
	g.Go(func() error { return p.loop(ctx, p.svc.cfg.CleanupInterval, p.cleanup) })
	return g.Wait()
}

func (p *serverPoller) loop(ctx context.Context, every time.Duration, poll func(context.Context) error) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Warnf("poll failed: %v", err)
		}
	}
}

// call runs one CMS request under the shared semaphore and the server's
// breaker. An open breaker skips the call entirely.
func (p *serverPoller) call(ctx context.Context, kind string, fn func(context.Context) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.svc.sem <- struct{}{}:
	}
	defer func() { <-p.svc.sem }()

	err := p.breaker.Execute(func() error { return fn(ctx) })
	outcome := "ok"
	switch {
	case errors.Is(err, breaker.ErrOpen):
		outcome = "breaker_open"
	case err != nil:
		outcome = "error"
	}
	metrics.CameraPolls.WithLabelValues(p.server.Name, kind, outcome).Inc()
	return err
}

// pollStatus fetches the device list and emits a trackdata record for every
// online device.
func (p *serverPoller) pollStatus(ctx context.Context) error {
	var devices []Device
	err := p.call(ctx, "status", func(ctx context.Context) error {
		var err error
		devices, err = p.client.Devices(ctx)
		return err
	})
	if err != nil {
		return err
	}

	for _, d := range devices {
		if !d.Online {
			continue
		}
		imei, ok := imeiFor(d.DeviceID)
		if !ok {
			p.log.Debugf("device %s has no numeric imei, skipping", d.DeviceID)
			continue
		}
		var row *StatusRow
		err := p.call(ctx, "status", func(ctx context.Context) error {
			var err error
			row, err = p.client.DeviceStatus(ctx, d.DeviceID)
			return err
		})
		if err != nil {
			if errors.Is(err, breaker.ErrOpen) {
				return err
			}
			p.log.Warnf("status of device %s: %v", d.DeviceID, err)
			continue
		}
		p.svc.ensureProvisioned(ctx, imei)
		if err := p.emitStatus(ctx, imei, row); err != nil {
			p.log.Warnf("emitting status of device %s: %v", d.DeviceID, err)
		}
	}
	return nil
}

func (p *serverPoller) emitStatus(ctx context.Context, imei int64, row *StatusRow) error {
	gpsTime, err := p.client.ParseTime(row.GPSTime)
	if err != nil {
		return err
	}
	if p.svc.tracks.Observe(trackKey(imei, gpsTime), false, time.Now().UTC()) != VerdictNew {
		metrics.CameraDuplicates.WithLabelValues("trackdata").Inc()
		return nil
	}
	return p.emit(ctx, &Record{
		Vendor:     "camera",
		IMEI:       imei,
		GPSTime:    gpsTime,
		RecordType: RecordTrackData,
		MessageID:  uuid.NewString(),
		Data: map[string]any{
			"latitude":   row.Latitude,
			"longitude":  row.Longitude,
			"speed":      row.Speed,
			"heading":    row.Heading,
			"altitude":   row.Altitude,
			"satellites": row.Satellites,
			"ignition":   row.Ignition,
			"status":     "Normal",
		},
	})
}

// pollAlarms fetches the safety violations over the lookback window.
func (p *serverPoller) pollAlarms(ctx context.Context) error {
	to := time.Now().UTC()
	from := to.Add(-p.svc.cfg.AlarmLookback)
	var rows []AlarmRow
	err := p.call(ctx, "alarms", func(ctx context.Context) error {
		var err error
		rows, err = p.client.SafetyAlarms(ctx, from, to)
		return err
	})
	if err != nil {
		return err
	}
	p.handleAlarms(ctx, rows)
	return nil
}

// pollRealtime fetches the currently active violations.
func (p *serverPoller) pollRealtime(ctx context.Context) error {
	var rows []AlarmRow
	err := p.call(ctx, "realtime", func(ctx context.Context) error {
		var err error
		rows, err = p.client.ActiveAlarms(ctx)
		return err
	})
	if err != nil {
		return err
	}
	p.handleAlarms(ctx, rows)
	return nil
}

func (p *serverPoller) cleanup(context.Context) error {
	now := time.Now().UTC()
	if n := p.svc.alarms.Sweep(now); n > 0 {
		p.log.Debugf("evicted %d expired alarm dedup entries", n)
	}
	if n := p.svc.tracks.Sweep(now); n > 0 {
		p.log.Debugf("evicted %d expired track dedup entries", n)
	}
	return nil
}

// backfill replays the configured window of alarms and GPS tracks once at
// startup. Failures are logged; the live loops still start.
func (p *serverPoller) backfill(ctx context.Context) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -p.svc.cfg.BackfillDays)
	p.log.Infof("backfilling %d days from %s", p.svc.cfg.BackfillDays, p.server.BaseURL)

	var rows []AlarmRow
	err := p.call(ctx, "backfill", func(ctx context.Context) error {
		var err error
		rows, err = p.client.SafetyAlarms(ctx, from, to)
		return err
	})
	if err != nil {
		p.log.Warnf("alarm backfill failed: %v", err)
	} else {
		p.handleAlarms(ctx, rows)
	}

	if err := p.backfillTracks(ctx, from, to); err != nil && ctx.Err() == nil {
		p.log.Warnf("track backfill failed: %v", err)
	}
}

// backfillTracks pulls archived GPS fixes in small device chunks with a pause
// between chunks so the CMS is not hammered right after startup.
func (p *serverPoller) backfillTracks(ctx context.Context, from, to time.Time) error {
	var devices []Device
	err := p.call(ctx, "backfill", func(ctx context.Context) error {
		var err error
		devices, err = p.client.Devices(ctx)
		return err
	})
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		if _, ok := imeiFor(d.DeviceID); ok {
			ids = append(ids, d.DeviceID)
		}
	}

	chunk := p.svc.cfg.BackfillChunkSize
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}
		var rows []TrackRow
		err := p.call(ctx, "backfill", func(ctx context.Context) error {
			var err error
			rows, err = p.client.TrackHistory(ctx, ids[start:end], from, to)
			return err
		})
		if err != nil {
			return err
		}
		for i := range rows {
			if err := p.emitTrack(ctx, &rows[i]); err != nil {
				p.log.Warnf("emitting backfilled track: %v", err)
			}
		}

		if end < len(ids) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.svc.cfg.BackfillChunkPause):
			}
		}
	}
	return nil
}

func (p *serverPoller) emitTrack(ctx context.Context, row *TrackRow) error {
	imei, ok := imeiFor(row.DeviceID)
	if !ok {
		return nil
	}
	gpsTime, err := p.client.ParseTime(row.GPSTime)
	if err != nil {
		return err
	}
	if p.svc.tracks.Observe(trackKey(imei, gpsTime), false, time.Now().UTC()) != VerdictNew {
		metrics.CameraDuplicates.WithLabelValues("trackdata").Inc()
		return nil
	}
	return p.emit(ctx, &Record{
		Vendor:     "camera",
		IMEI:       imei,
		GPSTime:    gpsTime,
		RecordType: RecordTrackData,
		MessageID:  uuid.NewString(),
		Data: map[string]any{
			"latitude":  row.Latitude,
			"longitude": row.Longitude,
			"speed":     row.Speed,
			"heading":   row.Heading,
			"status":    "Normal",
		},
	})
}

func (p *serverPoller) emit(ctx context.Context, r *Record) error {
	if err := p.svc.sink.Emit(ctx, r); err != nil {
		metrics.CameraPolls.WithLabelValues(p.server.Name, "publish", "error").Inc()
		return err
	}
	return nil
}

func imeiFor(deviceID string) (int64, bool) {
	imei, err := strconv.ParseInt(deviceID, 10, 64)
	if err != nil || imei <= 0 {
		return 0, false
	}
	return imei, true
}

func trackKey(imei int64, gpsTime time.Time) string {
	return strconv.FormatInt(imei, 10) + "|" + strconv.FormatInt(gpsTime.Unix(), 10)
}

// ensureProvisioned copies the template alarm config for a device the first
// time it shows up. The store insert is idempotent; the local set only saves
// the round trip.
func (s *Service) ensureProvisioned(ctx context.Context, imei int64) {
	s.mu.Lock()
	done := s.provisioned.Contains(imei)
	s.mu.Unlock()
	if done {
		return
	}
	created, err := s.store.ProvisionCameraConfigs(ctx, imei)
	if err != nil {
		s.log.Warnf("provisioning alarm config for imei %d: %v", imei, err)
		return
	}
	if created {
		s.log.Infof("provisioned template alarm config for new imei %d", imei)
	}
	s.mu.Lock()
	s.provisioned.Add(imei)
	s.mu.Unlock()
}

// routingFor returns the alarm routing row for (imei, eventType), nil when
// the type is not configured. Rows are cached per imei for routingTTL.
func (s *Service) routingFor(ctx context.Context, imei int64, eventType string) *model.CameraAlarmConfig {
	s.mu.Lock()
	entry, ok := s.routing[imei]
	s.mu.Unlock()

	if !ok || time.Since(entry.at) > routingTTL {
		cfgs, err := s.store.CameraAlarmConfigs(ctx, imei)
		if err != nil {
			s.log.Warnf("loading alarm config for imei %d: %v", imei, err)
			return nil
		}
		entry = routingEntry{cfgs: cfgs, at: time.Now()}
		s.mu.Lock()
		s.routing[imei] = entry
		s.mu.Unlock()
	}

	for i := range entry.cfgs {
		if entry.cfgs[i].EventType == eventType {
			return &entry.cfgs[i]
		}
	}
	return nil
}
