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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/navtrace/navtrace/internal/model"
)

// Latest value wins per column on replays; the key and created_at never move.
const insertTrackPointSQL = `
INSERT INTO trackdata (
    imei, gps_time, server_time, latitude, longitude, altitude, heading,
    satellites, speed, status, vendor, ignition, seatbelt, fuel,
    dallas_temperature_1, dallas_temperature_2, dallas_temperature_3, dallas_temperature_4,
    ble_temperature_1, ble_temperature_2, ble_temperature_3, ble_temperature_4,
    ble_humidity_1, ble_humidity_2, ble_humidity_3, ble_humidity_4,
    driving_score, dynamic_io, valid, landmark_id, landmark_distance
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
    $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26,
    $27, $28, $29, $30, $31
)
ON CONFLICT (imei, gps_time) DO UPDATE SET
    server_time = EXCLUDED.server_time,
    latitude = EXCLUDED.latitude,
    longitude = EXCLUDED.longitude,
    altitude = EXCLUDED.altitude,
    heading = EXCLUDED.heading,
    satellites = EXCLUDED.satellites,
    speed = EXCLUDED.speed,
    status = EXCLUDED.status,
    vendor = EXCLUDED.vendor,
    ignition = EXCLUDED.ignition,
    seatbelt = EXCLUDED.seatbelt,
    fuel = EXCLUDED.fuel,
    dallas_temperature_1 = EXCLUDED.dallas_temperature_1,
    dallas_temperature_2 = EXCLUDED.dallas_temperature_2,
    dallas_temperature_3 = EXCLUDED.dallas_temperature_3,
    dallas_temperature_4 = EXCLUDED.dallas_temperature_4,
    ble_temperature_1 = EXCLUDED.ble_temperature_1,
    ble_temperature_2 = EXCLUDED.ble_temperature_2,
    ble_temperature_3 = EXCLUDED.ble_temperature_3,
    ble_temperature_4 = EXCLUDED.ble_temperature_4,
    ble_humidity_1 = EXCLUDED.ble_humidity_1,
    ble_humidity_2 = EXCLUDED.ble_humidity_2,
    ble_humidity_3 = EXCLUDED.ble_humidity_3,
    ble_humidity_4 = EXCLUDED.ble_humidity_4,
    driving_score = EXCLUDED.driving_score,
    dynamic_io = EXCLUDED.dynamic_io,
    valid = EXCLUDED.valid,
    landmark_id = EXCLUDED.landmark_id,
    landmark_distance = EXCLUDED.landmark_distance`

func trackPointArgs(p *model.TrackPoint) ([]any, error) {
	var io []byte
	if len(p.DynamicIO) > 0 {
		var err error
		if io, err = json.Marshal(p.DynamicIO); err != nil {
			return nil, fmt.Errorf("marshaling dynamic_io for imei %d: %w", p.IMEI, err)
		}
	}
	return []any{
		p.IMEI, p.GPSTime, p.ServerTime, p.Latitude, p.Longitude, p.Altitude,
		p.Heading, p.Satellites, p.Speed, p.Status, p.Vendor, p.Ignition,
		p.Seatbelt, p.Fuel,
		p.DallasTemperature1, p.DallasTemperature2, p.DallasTemperature3, p.DallasTemperature4,
		p.BLETemperature1, p.BLETemperature2, p.BLETemperature3, p.BLETemperature4,
		p.BLEHumidity1, p.BLEHumidity2, p.BLEHumidity3, p.BLEHumidity4,
		p.DrivingScore, io, p.Valid, p.LandmarkID, p.LandmarkDistance,
	}, nil
}

// InsertTrackPoints upserts a batch in one round trip.
func (s *Store) InsertTrackPoints(ctx context.Context, points []*model.TrackPoint) error {
	if len(points) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range points {
		args, err := trackPointArgs(p)
		if err != nil {
			return err
		}
		batch.Queue(insertTrackPointSQL, args...)
	}
	err := s.Pool().SendBatch(ctx, batch).Close()
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("inserting %d track points: %w", len(points), err)
	}
	return nil
}

// The dispatcher owns sms_sent_at, email_sent_at, call_sent_at, and
// retry_count; replays must never clear a delivery that already happened.
const insertAlarmSQL = `
INSERT INTO alarms (
    imei, gps_time, server_time, latitude, longitude, altitude, heading,
    satellites, speed, status, vendor, ignition, seatbelt, fuel, dynamic_io,
    valid, alarm_type, category, priority, is_sms, is_email, is_call,
    scheduled_at, state
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
    $16, $17, $18, $19, $20, $21, $22, $23, $24
)
ON CONFLICT (imei, gps_time) DO UPDATE SET
    server_time = EXCLUDED.server_time,
    latitude = EXCLUDED.latitude,
    longitude = EXCLUDED.longitude,
    altitude = EXCLUDED.altitude,
    heading = EXCLUDED.heading,
    satellites = EXCLUDED.satellites,
    speed = EXCLUDED.speed,
    status = EXCLUDED.status,
    vendor = EXCLUDED.vendor,
    ignition = EXCLUDED.ignition,
    seatbelt = EXCLUDED.seatbelt,
    fuel = EXCLUDED.fuel,
    dynamic_io = EXCLUDED.dynamic_io,
    valid = EXCLUDED.valid,
    alarm_type = EXCLUDED.alarm_type,
    category = EXCLUDED.category,
    priority = EXCLUDED.priority,
    is_sms = EXCLUDED.is_sms,
    is_email = EXCLUDED.is_email,
    is_call = EXCLUDED.is_call,
    scheduled_at = EXCLUDED.scheduled_at,
    state = EXCLUDED.state
RETURNING id`

// InsertAlarms upserts alarms and fills in the database-assigned ids, which
// downstream publication needs for the alarm-<id> message id.
func (s *Store) InsertAlarms(ctx context.Context, alarms []*model.Alarm) error {
	if len(alarms) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range alarms {
		var io, state []byte
		var err error
		if len(a.DynamicIO) > 0 {
			if io, err = json.Marshal(a.DynamicIO); err != nil {
				return fmt.Errorf("marshaling alarm dynamic_io for imei %d: %w", a.IMEI, err)
			}
		}
		if len(a.State) > 0 {
			if state, err = json.Marshal(a.State); err != nil {
				return fmt.Errorf("marshaling alarm state for imei %d: %w", a.IMEI, err)
			}
		}
		batch.Queue(insertAlarmSQL,
			a.IMEI, a.GPSTime, a.ServerTime, a.Latitude, a.Longitude, a.Altitude,
			a.Heading, a.Satellites, a.Speed, a.Status, a.Vendor, a.Ignition,
			a.Seatbelt, a.Fuel, io, a.Valid, a.AlarmType, a.Category, a.Priority,
			a.SMS, a.Email, a.Call, a.ScheduledAt, state,
		)
	}
	results := s.Pool().SendBatch(ctx, batch)
	defer results.Close()
	for _, a := range alarms {
		if err := results.QueryRow().Scan(&a.ID); err != nil {
			s.NoteResult(err)
			return fmt.Errorf("inserting alarm for imei %d: %w", a.IMEI, err)
		}
	}
	s.NoteResult(nil)
	return nil
}

const insertEventSQL = `
INSERT INTO events (imei, gps_time, event_type, status, vendor, latitude, longitude, speed, photo_url, video_url)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (imei, gps_time) DO UPDATE SET
    event_type = EXCLUDED.event_type,
    status = EXCLUDED.status,
    vendor = EXCLUDED.vendor,
    latitude = EXCLUDED.latitude,
    longitude = EXCLUDED.longitude,
    speed = EXCLUDED.speed,
    photo_url = COALESCE(EXCLUDED.photo_url, events.photo_url),
    video_url = COALESCE(EXCLUDED.video_url, events.video_url)`

// InsertEvents upserts events. Media URLs merge rather than overwrite so a
// late-arriving video does not erase the photo, and vice versa.
func (s *Store) InsertEvents(ctx context.Context, events []*model.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(insertEventSQL,
			e.IMEI, e.GPSTime, e.EventType, e.Status, e.Vendor,
			e.Latitude, e.Longitude, e.Speed, e.PhotoURL, e.VideoURL,
		)
	}
	err := s.Pool().SendBatch(ctx, batch).Close()
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("inserting %d events: %w", len(events), err)
	}
	return nil
}

// UpsertObservedStatus writes the consumer-owned laststatus columns. The
// gps_time guard drops out-of-order updates; engine-owned columns are never
// listed here.
func (s *Store) UpsertObservedStatus(ctx context.Context, points []*model.TrackPoint) error {
	if len(points) == 0 {
		return nil
	}
	const q = `
INSERT INTO laststatus (imei, gps_time, latitude, longitude, speed, status, vendor, ignition, seatbelt, fuel, temperature, humidity)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (imei) DO UPDATE SET
    gps_time = EXCLUDED.gps_time,
    latitude = EXCLUDED.latitude,
    longitude = EXCLUDED.longitude,
    speed = EXCLUDED.speed,
    status = EXCLUDED.status,
    vendor = EXCLUDED.vendor,
    ignition = EXCLUDED.ignition,
    seatbelt = EXCLUDED.seatbelt,
    fuel = EXCLUDED.fuel,
    temperature = EXCLUDED.temperature,
    humidity = EXCLUDED.humidity
WHERE laststatus.gps_time IS NULL OR laststatus.gps_time <= EXCLUDED.gps_time`

	// Only the newest point per imei needs to reach the snapshot.
	newest := make(map[int64]*model.TrackPoint, len(points))
	for _, p := range points {
		if cur, ok := newest[p.IMEI]; !ok || p.GPSTime.After(cur.GPSTime) {
			newest[p.IMEI] = p
		}
	}
	batch := &pgx.Batch{}
	for _, p := range newest {
		batch.Queue(q,
			p.IMEI, p.GPSTime, p.Latitude, p.Longitude, p.Speed, p.Status,
			p.Vendor, p.Ignition, p.Seatbelt, p.Fuel,
			p.FirstTemperature(), p.FirstHumidity(),
		)
	}
	err := s.Pool().SendBatch(ctx, batch).Close()
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("upserting laststatus for %d devices: %w", len(newest), err)
	}
	return nil
}

// InsertInvalidRecord parks an unparseable or invalid payload for later
// inspection instead of dropping it.
func (s *Store) InsertInvalidRecord(ctx context.Context, raw []byte, reason string) error {
	if !json.Valid(raw) {
		wrapped, err := json.Marshal(map[string]string{"raw": string(raw)})
		if err != nil {
			return fmt.Errorf("wrapping invalid payload: %w", err)
		}
		raw = wrapped
	}
	_, err := s.Pool().Exec(ctx,
		`INSERT INTO invalid_data_queue (record, reason) VALUES ($1, $2)`, raw, reason)
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("parking invalid record: %w", err)
	}
	return nil
}

// DedupStore adapts one idempotency table pair to dedup.Store. The consumer
// and the engine use separate tables so their dedup horizons are independent.
type DedupStore struct {
	s              *Store
	processedTable string
	retriesTable   string
}

func (s *Store) ConsumerDedup() *DedupStore {
	return &DedupStore{s: s, processedTable: "processed_message_ids", retriesTable: "message_retry_counts"}
}

func (s *Store) EngineDedup() *DedupStore {
	return &DedupStore{s: s, processedTable: "metric_engine_processed_messages", retriesTable: "metric_engine_message_retries"}
}

func (d *DedupStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := d.s.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+d.processedTable+` WHERE message_id = $1)`,
		messageID).Scan(&exists)
	d.s.NoteResult(err)
	if err != nil {
		return false, fmt.Errorf("checking processed message: %w", err)
	}
	return exists, nil
}

func (d *DedupStore) MarkProcessed(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, id := range messageIDs {
		batch.Queue(
			`INSERT INTO `+d.processedTable+` (message_id) VALUES ($1) ON CONFLICT (message_id) DO NOTHING`, id)
	}
	err := d.s.Pool().SendBatch(ctx, batch).Close()
	d.s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("marking %d messages processed: %w", len(messageIDs), err)
	}
	return nil
}

// IncrementRetry bumps the persistent retry counter and returns the new count.
func (d *DedupStore) IncrementRetry(ctx context.Context, messageID string, cause string) (int, error) {
	var count int
	err := d.s.Pool().QueryRow(ctx, `
INSERT INTO `+d.retriesTable+` (message_id, retry_count, last_error)
VALUES ($1, 1, $2)
ON CONFLICT (message_id) DO UPDATE SET
    retry_count = `+d.retriesTable+`.retry_count + 1,
    last_error = EXCLUDED.last_error,
    last_attempt = (now() AT TIME ZONE 'utc')
RETURNING retry_count`,
		messageID, cause).Scan(&count)
	d.s.NoteResult(err)
	if err != nil {
		return 0, fmt.Errorf("incrementing retry count: %w", err)
	}
	return count, nil
}

// ClearRetry drops the retry row once a message finally lands.
func (d *DedupStore) ClearRetry(ctx context.Context, messageID string) error {
	_, err := d.s.Pool().Exec(ctx,
		`DELETE FROM `+d.retriesTable+` WHERE message_id = $1`, messageID)
	d.s.NoteResult(err)
	return err
}

// PurgeProcessedBefore trims the idempotency tables past the dedup horizon.
func (d *DedupStore) PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := d.s.Pool().Exec(ctx,
		`DELETE FROM `+d.processedTable+` WHERE processed_at < $1`, cutoff)
	d.s.NoteResult(err)
	if err != nil {
		return 0, fmt.Errorf("purging processed messages: %w", err)
	}
	tag2, err := d.s.Pool().Exec(ctx,
		`DELETE FROM `+d.retriesTable+` WHERE last_attempt < $1`, cutoff)
	d.s.NoteResult(err)
	if err != nil {
		return tag.RowsAffected(), fmt.Errorf("purging retry counts: %w", err)
	}
	return tag.RowsAffected() + tag2.RowsAffected(), nil
}
