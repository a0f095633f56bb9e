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

// Package broker wraps the RabbitMQ connection shared by the services:
// topology declaration, a confirmed publisher, and consuming with automatic
// recovery. A dropped channel is recreated on the live connection; only a
// dropped connection forces a full redial.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/navtrace/navtrace/internal/logs"
	"github.com/navtrace/navtrace/internal/retry"
)

type Broker struct {
	log            logs.StructuredLogger
	url            string
	prefetch       int
	confirmTimeout time.Duration

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Options carries the connection settings; zero values get sane defaults.
type Options struct {
	URL            string
	Prefetch       int
	ConfirmTimeout time.Duration
}

// Connect dials the broker, retrying indefinitely until ctx is cancelled.
func Connect(ctx context.Context, opts Options, log logs.StructuredLogger) (*Broker, error) {
	b := &Broker{
		log:            log.With("component", "broker"),
		url:            opts.URL,
		prefetch:       opts.Prefetch,
		confirmTimeout: opts.ConfirmTimeout,
	}
	if b.prefetch == 0 {
		b.prefetch = 50
	}
	if b.confirmTimeout == 0 {
		b.confirmTimeout = 5 * time.Second
	}

	err := retry.Do(ctx, b.log, "broker connect", retry.Policy{MaxRetries: -1}, func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.redialLocked()
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// redialLocked opens a fresh connection and channel. Caller holds mu.
func (b *Broker) redialLocked() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	ch, err := b.openChannel(conn)
	if err != nil {
		conn.Close()
		return err
	}
	b.closeLocked()
	b.conn, b.ch = conn, ch
	return nil
}

func (b *Broker) openChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("setting prefetch: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enabling publisher confirms: %w", err)
	}
	return ch, nil
}

// Channel returns a live channel, recovering a dead one first. The channel
// is recreated in place when the connection survived; a dead connection
// triggers a full redial.
func (b *Broker) Channel(ctx context.Context) (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}

	if b.conn != nil && !b.conn.IsClosed() {
		ch, err := b.openChannel(b.conn)
		if err == nil {
			if b.ch != nil {
				b.ch.Close()
			}
			b.ch = ch
			b.log.Infof("broker channel recreated on live connection")
			return b.ch, nil
		}
		b.log.Warnf("channel recreation failed, redialing: %v", err)
	}

	err := retry.Do(ctx, b.log, "broker reconnect", retry.Policy{MaxRetries: -1}, func() error {
		return b.redialLocked()
	})
	if err != nil {
		return nil, err
	}
	b.log.Infof("broker connection reestablished")
	return b.ch, nil
}

func (b *Broker) closeLocked() {
	if b.ch != nil {
		b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

// Ping reports whether the connection is currently open.
func (b *Broker) Ping() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return fmt.Errorf("broker connection closed")
	}
	return nil
}

// Consume delivers messages from queue to handler until ctx is cancelled,
// transparently resubscribing after broker failures. Handlers ack or nack the
// delivery themselves.
func (b *Broker) Consume(ctx context.Context, queue, consumerTag string, handler func(context.Context, amqp.Delivery)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ch, err := b.Channel(ctx)
		if err != nil {
			return err
		}
		deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
		if err != nil {
			b.log.Warnf("consume on %s failed: %v", queue, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		b.log.Infof("consuming from %s", queue)

		closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	deliveryLoop:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case reason := <-closed:
				b.log.Warnf("channel closed while consuming %s: %v", queue, reason)
				break deliveryLoop
			case d, ok := <-deliveries:
				if !ok {
					break deliveryLoop
				}
				handler(ctx, d)
			}
		}
	}
}
