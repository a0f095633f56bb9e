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
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/navtrace/navtrace/internal/model"
)

// ClampPriority bounds an alarm priority to the queue's 0..10 range.
func ClampPriority(p int) uint8 {
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return uint8(p)
}

// Publish sends one persistent message and waits for the broker confirmation.
// An unconfirmed publish within the timeout is an error; callers retry.
func (b *Broker) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	ch, err := b.Channel(ctx)
	if err != nil {
		return err
	}
	msg.DeliveryMode = amqp.Persistent
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	// Deferred confirmations are correlated by delivery tag, so concurrent
	// publishers on the shared channel never claim each other's acks.
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return fmt.Errorf("publishing to %s/%s: %w", exchange, key, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.confirmTimeout)
	defer cancel()
	acked, err := conf.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("publish to %s/%s not confirmed within %s: %w", exchange, key, b.confirmTimeout, err)
	}
	if !acked {
		return fmt.Errorf("publish to %s/%s nacked by broker", exchange, key)
	}
	return nil
}

// PublishAlarm routes an alarm to the notification pipeline. The message id
// carries the database id so downstream consumers can dedup replays.
func (b *Broker) PublishAlarm(ctx context.Context, a *model.Alarm) error {
	body, err := json.Marshal(map[string]any{
		"id":         a.ID,
		"imei":       a.IMEI,
		"gps_time":   a.GPSTime,
		"alarm_type": a.AlarmType,
		"category":   a.Category,
		"priority":   a.Priority,
		"latitude":   a.Latitude,
		"longitude":  a.Longitude,
		"is_sms":     a.SMS,
		"is_email":   a.Email,
		"is_call":    a.Call,
	})
	if err != nil {
		return fmt.Errorf("marshaling alarm %d: %w", a.ID, err)
	}
	return b.Publish(ctx, AlarmExchange, NotificationKey, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   fmt.Sprintf("alarm-%d", a.ID),
		Priority:    ClampPriority(a.Priority),
		Body:        body,
	})
}
