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

// Package consumer is the durable ingestion service: it drains the telemetry
// queues, deduplicates, and batch-upserts into the time-series store. A
// message is acknowledged only after its write has committed.
package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/navtrace/navtrace/internal/breaker"
	"github.com/navtrace/navtrace/internal/broker"
	"github.com/navtrace/navtrace/internal/config"
	"github.com/navtrace/navtrace/internal/dedup"
	"github.com/navtrace/navtrace/internal/logs"
	"github.com/navtrace/navtrace/internal/metrics"
	"github.com/navtrace/navtrace/internal/model"
	"github.com/navtrace/navtrace/internal/store"
)

// item is one message waiting in a batch accumulator.
type item struct {
	messageID string
	point     *model.TrackPoint
	alarm     *model.Alarm
	event     *model.Event
	delivery  amqp.Delivery
}

func (it *item) key() (int64, time.Time) {
	switch {
	case it.alarm != nil:
		return it.alarm.IMEI, it.alarm.GPSTime
	case it.event != nil:
		return it.event.IMEI, it.event.GPSTime
	default:
		return it.point.IMEI, it.point.GPSTime
	}
}

// accumulator is the batch buffer shared by every worker on one queue.
type accumulator struct {
	mu    sync.Mutex
	items []item
	kick  chan struct{}
}

func newAccumulator() *accumulator {
	return &accumulator{kick: make(chan struct{}, 1)}
}

func (a *accumulator) add(it item, flushAt int) {
	a.mu.Lock()
	a.items = append(a.items, it)
	full := len(a.items) >= flushAt
	a.mu.Unlock()
	if full {
		select {
		case a.kick <- struct{}{}:
		default:
		}
	}
}

func (a *accumulator) take() []item {
	a.mu.Lock()
	defer a.mu.Unlock()
	items := a.items
	a.items = nil
	return items
}

type Consumer struct {
	log     logs.StructuredLogger
	cfg     config.Consumer
	store   *store.Store
	broker  *broker.Broker
	breaker *breaker.Breaker
	dedup   *dedup.Deduplicator
	ddStore *store.DedupStore

	accumulators map[string]*accumulator

	pendingMu sync.Mutex
	pending   []item // writes buffered while the breaker is open

	nAccepted atomic.Int64
	nWritten  atomic.Int64
	nParked   atomic.Int64
}

func New(cfg config.Consumer, st *store.Store, bk *broker.Broker, log logs.StructuredLogger) *Consumer {
	ddStore := st.ConsumerDedup()
	c := &Consumer{
		log:     log.With("component", "consumer"),
		cfg:     cfg,
		store:   st,
		broker:  bk,
		ddStore: ddStore,
		dedup:   dedup.New(cfg.DedupL1Size, cfg.DedupL1TTL, ddStore),
		breaker: breaker.New(breaker.Settings{Name: "consumer-db"}, log),

		accumulators: map[string]*accumulator{},
	}
	for _, q := range cfg.Queues {
		c.accumulators[q] = newAccumulator()
	}
	return c
}

// Run consumes until ctx is cancelled. Outstanding batches are flushed on the
// way out so acked work is never lost.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for queue, acc := range c.accumulators {
		queue, acc := queue, acc
		g.Go(func() error {
			return c.broker.Consume(ctx, queue, "navtrace-consumer", func(ctx context.Context, d amqp.Delivery) {
				c.handle(ctx, queue, acc, d)
			})
		})
		g.Go(func() error {
			return c.flushLoop(ctx, queue, acc)
		})
	}

	g.Go(func() error { return c.sweepLoop(ctx) })
	g.Go(func() error { return c.drainLoop(ctx) })
	g.Go(func() error { return c.statsLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) handle(ctx context.Context, queue string, acc *accumulator, d amqp.Delivery) {
	msgID := MessageID(&d)

	seen, tier, err := c.dedup.Seen(ctx, msgID)
	if err != nil {
		c.log.Warnf("dedup lookup failed for %s, processing anyway: %v", msgID, err)
	}
	if seen {
		metrics.DedupHits.WithLabelValues(string(tier)).Inc()
		metrics.MessagesConsumed.WithLabelValues(queue, "duplicate").Inc()
		if err := d.Ack(false); err != nil {
			c.log.Warnf("ack failed for duplicate %s: %v", msgID, err)
		}
		return
	}

	it := item{messageID: msgID, delivery: d}
	var reason string
	now := time.Now()
	switch queue {
	case broker.AlarmsQueue:
		it.alarm, reason, err = ParseAlarm(d.Body, now)
	case broker.EventsQueue:
		it.event, reason, err = ParseEvent(d.Body, now)
	default:
		it.point, reason, err = ParseTrackPoint(d.Body, now)
	}
	if err != nil {
		c.park(ctx, d, reason, err)
		return
	}

	metrics.MessagesConsumed.WithLabelValues(queue, "accepted").Inc()
	c.nAccepted.Add(1)
	acc.add(it, c.cfg.BatchSize)
}

// park moves an invalid record to invalid_data_queue and acks it; the record
// is preserved for inspection, not retried.
func (c *Consumer) park(ctx context.Context, d amqp.Delivery, reason string, cause error) {
	c.log.Warnf("invalid record (%s): %v", reason, cause)
	metrics.InvalidRecords.WithLabelValues(reason).Inc()
	c.nParked.Add(1)
	if err := c.store.InsertInvalidRecord(ctx, d.Body, reason); err != nil {
		c.log.Errorf("parking invalid record failed, requeueing: %v", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (c *Consumer) flushLoop(ctx context.Context, queue string, acc *accumulator) error {
	ticker := time.NewTicker(c.cfg.BatchTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final flush with a short grace window.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.flush(flushCtx, queue, acc.take())
			cancel()
			return ctx.Err()
		case <-ticker.C:
			c.flush(ctx, queue, acc.take())
		case <-acc.kick:
			c.flush(ctx, queue, acc.take())
		}
	}
}

// dedupeLastWins collapses duplicate (imei, gps_time) keys inside one batch,
// keeping the last occurrence.
func dedupeLastWins(items []item) []item {
	type key struct {
		imei int64
		at   time.Time
	}
	last := make(map[key]int, len(items))
	for i := range items {
		imei, at := items[i].key()
		last[key{imei, at}] = i
	}
	out := items[:0]
	for i := range items {
		imei, at := items[i].key()
		if last[key{imei, at}] == i {
			out = append(out, items[i])
		}
	}
	return out
}

func (c *Consumer) flush(ctx context.Context, queue string, items []item) {
	if len(items) == 0 {
		return
	}
	items = dedupeLastWins(items)

	start := time.Now()
	err := c.breaker.Execute(func() error {
		return c.write(ctx, items)
	})
	metrics.BatchFlushDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
	metrics.BatchFlushSize.WithLabelValues(queue).Observe(float64(len(items)))

	if err != nil {
		c.handleFlushFailure(ctx, queue, items, err)
		return
	}

	c.nWritten.Add(int64(len(items)))
	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].messageID
	}
	if err := c.dedup.Mark(ctx, ids...); err != nil {
		// The write committed; failing to record idempotency only risks a
		// harmless re-upsert later.
		c.log.Warnf("marking %d messages processed failed: %v", len(ids), err)
	}
	for i := range items {
		if err := items[i].delivery.Ack(false); err != nil {
			c.log.Warnf("ack failed for %s: %v", items[i].messageID, err)
		}
	}

	c.publishAlarms(ctx, items)
}

// write persists one deduplicated batch.
func (c *Consumer) write(ctx context.Context, items []item) error {
	var points []*model.TrackPoint
	var alarms []*model.Alarm
	var events []*model.Event
	for i := range items {
		switch {
		case items[i].alarm != nil:
			alarms = append(alarms, items[i].alarm)
		case items[i].event != nil:
			events = append(events, items[i].event)
		default:
			points = append(points, items[i].point)
		}
	}
	if err := c.store.InsertTrackPoints(ctx, points); err != nil {
		return err
	}
	if err := c.store.InsertAlarms(ctx, alarms); err != nil {
		return err
	}
	if err := c.store.InsertEvents(ctx, events); err != nil {
		return err
	}

	snapshot := points
	for _, a := range alarms {
		snapshot = append(snapshot, &a.TrackPoint)
	}
	return c.store.UpsertObservedStatus(ctx, snapshot)
}

// publishAlarms forwards freshly written alarms to the notification exchange.
// Fire-and-forget: a publish failure is logged, never propagated, and only
// alarms that got a database id are sent.
func (c *Consumer) publishAlarms(ctx context.Context, items []item) {
	for i := range items {
		a := items[i].alarm
		if a == nil || a.ID == 0 {
			continue
		}
		if err := c.broker.PublishAlarm(ctx, a); err != nil {
			c.log.Warnf("publishing alarm %d failed: %v", a.ID, err)
			continue
		}
		metrics.AlarmsPublished.Inc()
	}
}

func (c *Consumer) handleFlushFailure(ctx context.Context, queue string, items []item, cause error) {
	c.log.Errorf("flush of %d records on %s failed: %v", len(items), queue, cause)

	// Buffer the writes so recovery can replay them even if the broker
	// redelivers slowly.
	c.bufferPending(items)

	for i := range items {
		metrics.MessagesConsumed.WithLabelValues(queue, "requeued").Inc()
		count, err := c.ddStore.IncrementRetry(ctx, items[i].messageID, cause.Error())
		if err != nil {
			// Counter unreachable while the DB is down; requeue and let the
			// next attempt count.
			_ = items[i].delivery.Nack(false, true)
			continue
		}
		if count >= c.cfg.MaxRetries {
			c.log.Warnf("message %s exceeded %d retries, dead-lettering", items[i].messageID, c.cfg.MaxRetries)
			metrics.MessagesConsumed.WithLabelValues(queue, "dead_lettered").Inc()
			_ = items[i].delivery.Nack(false, false)
			continue
		}
		_ = items[i].delivery.Nack(false, true)
	}
}

// statsLoop logs a throughput summary every minute so operators can read the
// service's pulse from the log alone.
func (c *Consumer) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.pendingMu.Lock()
			buffered := len(c.pending)
			c.pendingMu.Unlock()
			c.log.Infof("stats: accepted=%d written=%d parked=%d pending=%d dedup_l1=%d",
				c.nAccepted.Swap(0), c.nWritten.Swap(0), c.nParked.Swap(0),
				buffered, c.dedup.Len())
		}
	}
}

// bufferPending appends writes for the drain loop, evicting the oldest with
// a warning when the buffer is at its cap.
func (c *Consumer) bufferPending(items []item) {
	c.pendingMu.Lock()
	dropped := 0
	for i := range items {
		if len(c.pending) >= c.cfg.PendingLimit {
			c.pending = c.pending[1:]
			dropped++
		}
		c.pending = append(c.pending, items[i])
	}
	if dropped > 0 {
		c.log.Warnf("pending buffer full, dropped %d oldest writes", dropped)
	}
	metrics.PendingWrites.WithLabelValues("consumer").Set(float64(len(c.pending)))
	c.pendingMu.Unlock()
}

// drainLoop replays buffered writes in chunks once the breaker lets traffic
// through again.
func (c *Consumer) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if c.breaker.IsOpen() {
			continue
		}

		c.pendingMu.Lock()
		n := len(c.pending)
		if n == 0 {
			c.pendingMu.Unlock()
			continue
		}
		if n > c.cfg.PendingChunk {
			n = c.cfg.PendingChunk
		}
		chunk := c.pending[:n]
		c.pending = c.pending[n:]
		metrics.PendingWrites.WithLabelValues("consumer").Set(float64(len(c.pending)))
		c.pendingMu.Unlock()

		err := c.breaker.Execute(func() error {
			return c.write(ctx, chunk)
		})
		if err != nil {
			c.log.Warnf("draining %d pending writes failed: %v", len(chunk), err)
			c.pendingMu.Lock()
			c.pending = append(chunk, c.pending...)
			metrics.PendingWrites.WithLabelValues("consumer").Set(float64(len(c.pending)))
			c.pendingMu.Unlock()
			continue
		}
		ids := make([]string, len(chunk))
		for i := range chunk {
			ids[i] = chunk[i].messageID
		}
		if err := c.dedup.Mark(ctx, ids...); err != nil {
			c.log.Warnf("marking drained messages processed failed: %v", err)
		}
		c.log.Infof("drained %d pending writes", len(chunk))
	}
}

// sweepLoop expires old L1 dedup entries and trims the L2 table daily.
func (c *Consumer) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	var lastPurge time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if removed := c.dedup.Sweep(now.UTC()); removed > 0 {
				c.log.Debugf("dedup sweep removed %d entries", removed)
			}
			if now.Sub(lastPurge) >= 24*time.Hour {
				lastPurge = now
				cutoff := now.UTC().Add(-7 * 24 * time.Hour)
				if n, err := c.ddStore.PurgeProcessedBefore(ctx, cutoff); err != nil {
					c.log.Warnf("purging processed messages failed: %v", err)
				} else if n > 0 {
					c.log.Infof("purged %d processed-message rows", n)
				}
			}
		}
	}
}
