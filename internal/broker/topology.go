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

package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange, queue, and routing key names shared by the producers and
// consumers. Vendor listeners publish with routing keys like
// tracking.teltonika.trackdata.
const (
	TrackingExchange = "tracking_data_exchange"
	AlarmExchange    = "alarm_exchange"
	DeadLetterX      = "dlx_tracking_data"

	TrackDataQueue    = "trackdata_queue"
	AlarmsQueue       = "alarms_queue"
	EventsQueue       = "events_queue"
	EngineQueue       = "metric_engine_queue"
	NotificationQueue = "alarm_notification_queue"
	DeadLetterQueue   = "dead_tracking_data"

	TrackDataKey = "tracking.*.trackdata"
	AlarmKey     = "tracking.*.alarm"
	EventKey     = "tracking.*.event"

	// NotificationKey carries alarms and metric events to the dispatcher.
	NotificationKey = "alarm.notification"
)

// Telemetry queues stay on disk, bound in size, and route rejects to the DLX
// under a per-queue routing key.
func queueArgs(dlqKey string) amqp.Table {
	return amqp.Table{
		"x-queue-mode":              "lazy",
		"x-message-ttl":             int32(24 * 60 * 60 * 1000),
		"x-max-length":              int32(1_000_000),
		"x-dead-letter-exchange":    DeadLetterX,
		"x-dead-letter-routing-key": dlqKey,
	}
}

// DeclareTopology declares every exchange, queue, and binding the platform
// uses. Declarations are idempotent; each service declares on startup so boot
// order does not matter.
func (b *Broker) DeclareTopology(ctx context.Context) error {
	ch, err := b.Channel(ctx)
	if err != nil {
		return err
	}

	for _, x := range []string{TrackingExchange, AlarmExchange, DeadLetterX} {
		if err := ch.ExchangeDeclare(x, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declaring exchange %s: %w", x, err)
		}
	}

	if _, err := ch.QueueDeclare(TrackDataQueue, true, false, false, false, queueArgs("dlq_tracking_data")); err != nil {
		return fmt.Errorf("declaring %s: %w", TrackDataQueue, err)
	}

	alarmArgs := queueArgs("dlq_alarms")
	alarmArgs["x-max-priority"] = int32(10)
	if _, err := ch.QueueDeclare(AlarmsQueue, true, false, false, false, alarmArgs); err != nil {
		return fmt.Errorf("declaring %s: %w", AlarmsQueue, err)
	}

	if _, err := ch.QueueDeclare(EventsQueue, true, false, false, false, queueArgs("dlq_events")); err != nil {
		return fmt.Errorf("declaring %s: %w", EventsQueue, err)
	}

	// The engine reads the same trackdata stream through its own queue so
	// ingestion and metric computation back-pressure independently.
	if _, err := ch.QueueDeclare(EngineQueue, true, false, false, false, queueArgs("dlq_tracking_data")); err != nil {
		return fmt.Errorf("declaring %s: %w", EngineQueue, err)
	}

	notifyArgs := amqp.Table{"x-max-priority": int32(10)}
	if _, err := ch.QueueDeclare(NotificationQueue, true, false, false, false, notifyArgs); err != nil {
		return fmt.Errorf("declaring %s: %w", NotificationQueue, err)
	}

	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring %s: %w", DeadLetterQueue, err)
	}

	bindings := []struct{ queue, key, exchange string }{
		{TrackDataQueue, TrackDataKey, TrackingExchange},
		{AlarmsQueue, AlarmKey, TrackingExchange},
		{EventsQueue, EventKey, TrackingExchange},
		{EngineQueue, TrackDataKey, TrackingExchange},
		{NotificationQueue, "alarm.#", AlarmExchange},
		{DeadLetterQueue, "#", DeadLetterX},
	}
	for _, bind := range bindings {
		if err := ch.QueueBind(bind.queue, bind.key, bind.exchange, false, nil); err != nil {
			return fmt.Errorf("binding %s to %s: %w", bind.queue, bind.exchange, err)
		}
	}
	return nil
}
