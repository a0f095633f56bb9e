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

package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/navtrace/navtrace/internal/breaker"
	"github.com/navtrace/navtrace/internal/broker"
	"github.com/navtrace/navtrace/internal/config"
	"github.com/navtrace/navtrace/internal/configcache"
	"github.com/navtrace/navtrace/internal/consumer"
	"github.com/navtrace/navtrace/internal/dedup"
	"github.com/navtrace/navtrace/internal/logs"
	"github.com/navtrace/navtrace/internal/metrics"
	"github.com/navtrace/navtrace/internal/model"
	"github.com/navtrace/navtrace/internal/store"
)

// Signature returns the idempotency key for a delivery: the broker message id
// when the listener set one, otherwise a SHA-256 of the body.
func Signature(d *amqp.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	sum := sha256.Sum256(d.Body)
	return hex.EncodeToString(sum[:])
}

type job struct {
	sig      string
	point    *model.TrackPoint
	delivery amqp.Delivery
}

// Service drains the engine's trackdata queue and runs the pipeline. Records
// are sharded by imei onto a fixed worker set so one device is always
// processed in order.
type Service struct {
	log      logs.StructuredLogger
	cfg      config.Engine
	store    *store.Store
	broker   *broker.Broker
	breaker  *breaker.Breaker
	dedup    *dedup.Deduplicator
	ddStore  *store.DedupStore
	resolver *configcache.Resolver
	registry *Registry
	pipeline *Pipeline

	shards []chan job

	pendingMu sync.Mutex
	pending   []job // records buffered while the DB breaker is open

	nProcessed atomic.Int64
	nFailed    atomic.Int64
}

// drainChunk bounds how many buffered records one drain pass replays.
const drainChunk = 100

func NewService(cfg config.Engine, st *store.Store, bk *broker.Broker, log logs.StructuredLogger) *Service {
	ddStore := st.EngineDedup()
	resolver := configcache.NewResolver(st, cfg.ConfigTTL, log)
	registry := NewRegistry(st, log)
	s := &Service{
		log:      log.With("component", "engine"),
		cfg:      cfg,
		store:    st,
		broker:   bk,
		breaker:  breaker.New(breaker.Settings{Name: "engine-db"}, log),
		dedup:    dedup.New(50000, time.Hour, ddStore),
		ddStore:  ddStore,
		resolver: resolver,
		registry: registry,
		pipeline: NewPipeline(st, registry, resolver, bk, cfg.ShadowMode, log),
	}
	s.shards = make([]chan job, cfg.Workers)
	for i := range s.shards {
		s.shards[i] = make(chan job, 64)
	}
	return s
}

// Resolver exposes the config cache so the recalculation worker can
// invalidate it when configuration changes land.
func (s *Service) Resolver() *configcache.Resolver { return s.resolver }

// Registry exposes the calculator chain for the formula-version sweep.
func (s *Service) Registry() *Registry { return s.registry }

// Pipeline exposes the record pipeline for recalculation replays.
func (s *Service) Pipeline() *Pipeline { return s.pipeline }

func (s *Service) Run(ctx context.Context) error {
	if err := s.resolver.LoadKnownKeys(ctx); err != nil {
		return err
	}
	if s.cfg.ShadowMode {
		s.log.Infof("shadow mode: computing without writing")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.broker.Consume(ctx, broker.EngineQueue, "navtrace-engine", s.handle)
	})
	for _, ch := range s.shards {
		ch := ch
		g.Go(func() error { return s.worker(ctx, ch) })
	}
	g.Go(func() error { return s.sweepLoop(ctx) })
	g.Go(func() error { return s.drainLoop(ctx) })
	g.Go(func() error { return s.statsLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) handle(ctx context.Context, d amqp.Delivery) {
	sig := Signature(&d)

	seen, tier, err := s.dedup.Seen(ctx, sig)
	if err != nil {
		s.log.Warnf("dedup lookup failed for %s, processing anyway: %v", sig, err)
	}
	if seen {
		metrics.DedupHits.WithLabelValues(string(tier)).Inc()
		metrics.MessagesConsumed.WithLabelValues(broker.EngineQueue, "duplicate").Inc()
		_ = d.Ack(false)
		return
	}

	pt, reason, err := consumer.ParseTrackPoint(d.Body, time.Now())
	if err != nil {
		// The ingestion consumer owns invalid_data_queue; the engine only
		// needs to get the record out of the way.
		s.log.Debugf("skipping invalid record (%s): %v", reason, err)
		metrics.MessagesConsumed.WithLabelValues(broker.EngineQueue, "invalid").Inc()
		_ = d.Ack(false)
		return
	}

	metrics.MessagesConsumed.WithLabelValues(broker.EngineQueue, "accepted").Inc()
	shard := s.shards[uint64(pt.IMEI)%uint64(len(s.shards))]
	select {
	case <-ctx.Done():
		_ = d.Nack(false, true)
	case shard <- job{sig: sig, point: pt, delivery: d}:
	}
}

func (s *Service) worker(ctx context.Context, ch chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-ch:
			s.process(ctx, j)
		}
	}
}

func (s *Service) process(ctx context.Context, j job) {
	err := s.breaker.Execute(func() error {
		return s.pipeline.Process(ctx, j.point)
	})
	if err == nil {
		s.nProcessed.Add(1)
		if err := s.dedup.Mark(ctx, j.sig); err != nil {
			// Processing is idempotent via the stale-record drop; a missed
			// mark only costs a wasted replay.
			s.log.Warnf("marking %s processed failed: %v", j.sig, err)
		}
		if err := j.delivery.Ack(false); err != nil {
			s.log.Warnf("ack failed for %s: %v", j.sig, err)
		}
		return
	}

	if errors.Is(err, breaker.ErrOpen) {
		// The DB is known-down; churning the queue would only burn retries.
		// Buffer the record, ack, and let the drain loop replay it.
		s.bufferPending(j)
		_ = j.delivery.Ack(false)
		return
	}

	s.nFailed.Add(1)
	s.log.Errorf("processing imei %d at %s failed: %v",
		j.point.IMEI, j.point.GPSTime.Format(time.RFC3339), err)
	metrics.MessagesConsumed.WithLabelValues(broker.EngineQueue, "requeued").Inc()

	count, cerr := s.ddStore.IncrementRetry(ctx, j.sig, err.Error())
	if cerr != nil {
		_ = j.delivery.Nack(false, true)
		return
	}
	if count >= s.cfg.MaxRetries {
		s.log.Warnf("record %s exceeded %d retries, dead-lettering", j.sig, s.cfg.MaxRetries)
		metrics.MessagesConsumed.WithLabelValues(broker.EngineQueue, "dead_lettered").Inc()
		_ = j.delivery.Nack(false, false)
		return
	}
	_ = j.delivery.Nack(false, true)
}

// bufferPending enqueues a record for the drain loop, dropping the oldest
// with a warning when the buffer is full.
func (s *Service) bufferPending(j job) {
	s.pendingMu.Lock()
	if len(s.pending) >= s.cfg.PendingLimit {
		dropped := s.pending[0]
		s.pending = s.pending[1:]
		s.log.Warnf("pending buffer full, dropping oldest record %s", dropped.sig)
	}
	s.pending = append(s.pending, j)
	metrics.PendingWrites.WithLabelValues("engine").Set(float64(len(s.pending)))
	s.pendingMu.Unlock()
}

// drainLoop replays buffered records through the pipeline in chunks once the
// breaker lets traffic through again. FIFO order plus the stale-record drop
// keep the replay idempotent.
func (s *Service) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if s.breaker.IsOpen() {
			continue
		}

		s.pendingMu.Lock()
		n := len(s.pending)
		if n == 0 {
			s.pendingMu.Unlock()
			continue
		}
		if n > drainChunk {
			n = drainChunk
		}
		chunk := s.pending[:n]
		s.pending = s.pending[n:]
		metrics.PendingWrites.WithLabelValues("engine").Set(float64(len(s.pending)))
		s.pendingMu.Unlock()

		drained := 0
		for i := range chunk {
			j := chunk[i]
			err := s.breaker.Execute(func() error {
				return s.pipeline.Process(ctx, j.point)
			})
			if err != nil {
				s.log.Warnf("draining buffered record %s failed: %v", j.sig, err)
				s.pendingMu.Lock()
				s.pending = append(chunk[i:], s.pending...)
				metrics.PendingWrites.WithLabelValues("engine").Set(float64(len(s.pending)))
				s.pendingMu.Unlock()
				break
			}
			if err := s.dedup.Mark(ctx, j.sig); err != nil {
				s.log.Warnf("marking %s processed failed: %v", j.sig, err)
			}
			s.nProcessed.Add(1)
			drained++
		}
		if drained > 0 {
			s.log.Infof("drained %d buffered records", drained)
		}
	}
}

// statsLoop logs a throughput summary every minute.
func (s *Service) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			backlog := 0
			for _, ch := range s.shards {
				backlog += len(ch)
			}
			s.pendingMu.Lock()
			buffered := len(s.pending)
			s.pendingMu.Unlock()
			s.log.Infof("stats: processed=%d failed=%d backlog=%d pending=%d dedup_l1=%d",
				s.nProcessed.Swap(0), s.nFailed.Swap(0), backlog, buffered, s.dedup.Len())
		}
	}
}

// sweepLoop expires L1 dedup entries and trims the engine's processed table
// daily.
func (s *Service) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	var lastPurge time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.dedup.Sweep(now.UTC())
			if now.Sub(lastPurge) >= 24*time.Hour {
				lastPurge = now
				cutoff := now.UTC().Add(-7 * 24 * time.Hour)
				if n, err := s.ddStore.PurgeProcessedBefore(ctx, cutoff); err != nil {
					s.log.Warnf("purging processed records failed: %v", err)
				} else if n > 0 {
					s.log.Infof("purged %d processed-record rows", n)
				}
			}
		}
	}
}
