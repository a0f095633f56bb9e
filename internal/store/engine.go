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
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/navtrace/navtrace/internal/model"
)

// GetLastStatus returns the full snapshot row, or nil when the device has
// never been seen.
func (s *Store) GetLastStatus(ctx context.Context, imei int64) (*model.LastStatus, error) {
	row := s.Pool().QueryRow(ctx, `
SELECT imei, COALESCE(gps_time, 'epoch'::timestamp), COALESCE(latitude, 0), COALESCE(longitude, 0),
       speed, COALESCE(status, ''), COALESCE(vendor, ''), ignition, seatbelt, fuel, temperature, humidity,
       COALESCE(vehicle_state, ''), last_processed_gps_time, last_latitude, last_longitude, last_ignition,
       idle_start_time, speeding_start_time, speeding_max_speed,
       seatbelt_start_time, seatbelt_distance_km,
       driving_start_time, driving_distance_km, rest_start_time,
       stoppage_start_time, stoppage_latitude, stoppage_longitude,
       temp_violation_start, humidity_violation_start, last_fuel,
       current_fence_ids, current_trip_id, trip_in_progress,
       source_exit_time, destination_arrival_time
FROM laststatus WHERE imei = $1`, imei)

	var ls model.LastStatus
	err := row.Scan(
		&ls.IMEI, &ls.GPSTime, &ls.Latitude, &ls.Longitude,
		&ls.Speed, &ls.Status, &ls.Vendor, &ls.Ignition, &ls.Seatbelt, &ls.Fuel,
		&ls.Temperature, &ls.Humidity,
		&ls.Engine.VehicleState, &ls.Engine.LastProcessedGPSTime,
		&ls.Engine.LastLatitude, &ls.Engine.LastLongitude, &ls.Engine.LastIgnition,
		&ls.Engine.IdleStartTime, &ls.Engine.SpeedingStartTime, &ls.Engine.SpeedingMaxSpeed,
		&ls.Engine.SeatbeltStartTime, &ls.Engine.SeatbeltDistanceKM,
		&ls.Engine.DrivingStartTime, &ls.Engine.DrivingDistanceKM, &ls.Engine.RestStartTime,
		&ls.Engine.StoppageStartTime, &ls.Engine.StoppageLatitude, &ls.Engine.StoppageLongitude,
		&ls.Engine.TempViolationStart, &ls.Engine.HumidityViolationStart, &ls.Engine.LastFuel,
		&ls.Engine.CurrentFenceIDs, &ls.Engine.CurrentTripID, &ls.Engine.TripInProgress,
		&ls.Engine.SourceExitTime, &ls.Engine.DestinationArrivalTime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("loading laststatus for imei %d: %w", imei, err)
	}
	return &ls, nil
}

// UpsertEngineState writes the engine-owned laststatus columns. Consumer-owned
// columns are never listed so the two writers cannot clobber each other.
func (s *Store) UpsertEngineState(ctx context.Context, imei int64, es *model.EngineState) error {
	_, err := s.Pool().Exec(ctx, `
INSERT INTO laststatus (
    imei, vehicle_state, last_processed_gps_time, last_latitude, last_longitude, last_ignition,
    idle_start_time, speeding_start_time, speeding_max_speed,
    seatbelt_start_time, seatbelt_distance_km,
    driving_start_time, driving_distance_km, rest_start_time,
    stoppage_start_time, stoppage_latitude, stoppage_longitude,
    temp_violation_start, humidity_violation_start, last_fuel,
    current_fence_ids, current_trip_id, trip_in_progress,
    source_exit_time, destination_arrival_time
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
    $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25
)
ON CONFLICT (imei) DO UPDATE SET
    vehicle_state = EXCLUDED.vehicle_state,
    last_processed_gps_time = EXCLUDED.last_processed_gps_time,
    last_latitude = EXCLUDED.last_latitude,
    last_longitude = EXCLUDED.last_longitude,
    last_ignition = EXCLUDED.last_ignition,
    idle_start_time = EXCLUDED.idle_start_time,
    speeding_start_time = EXCLUDED.speeding_start_time,
    speeding_max_speed = EXCLUDED.speeding_max_speed,
    seatbelt_start_time = EXCLUDED.seatbelt_start_time,
    seatbelt_distance_km = EXCLUDED.seatbelt_distance_km,
    driving_start_time = EXCLUDED.driving_start_time,
    driving_distance_km = EXCLUDED.driving_distance_km,
    rest_start_time = EXCLUDED.rest_start_time,
    stoppage_start_time = EXCLUDED.stoppage_start_time,
    stoppage_latitude = EXCLUDED.stoppage_latitude,
    stoppage_longitude = EXCLUDED.stoppage_longitude,
    temp_violation_start = EXCLUDED.temp_violation_start,
    humidity_violation_start = EXCLUDED.humidity_violation_start,
    last_fuel = EXCLUDED.last_fuel,
    current_fence_ids = EXCLUDED.current_fence_ids,
    current_trip_id = EXCLUDED.current_trip_id,
    trip_in_progress = EXCLUDED.trip_in_progress,
    source_exit_time = EXCLUDED.source_exit_time,
    destination_arrival_time = EXCLUDED.destination_arrival_time`,
		imei, es.VehicleState, es.LastProcessedGPSTime, es.LastLatitude, es.LastLongitude, es.LastIgnition,
		es.IdleStartTime, es.SpeedingStartTime, es.SpeedingMaxSpeed,
		es.SeatbeltStartTime, es.SeatbeltDistanceKM,
		es.DrivingStartTime, es.DrivingDistanceKM, es.RestStartTime,
		es.StoppageStartTime, es.StoppageLatitude, es.StoppageLongitude,
		es.TempViolationStart, es.HumidityViolationStart, es.LastFuel,
		es.CurrentFenceIDs, es.CurrentTripID, es.TripInProgress,
		es.SourceExitTime, es.DestinationArrivalTime,
	)
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("upserting engine state for imei %d: %w", imei, err)
	}
	return nil
}

func (s *Store) InsertStateHistory(ctx context.Context, h *model.LastStatusHistory) error {
	_, err := s.Pool().Exec(ctx, `
INSERT INTO laststatus_history (imei, gps_time, previous_state, new_state, latitude, longitude)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (imei, gps_time) DO NOTHING`,
		h.IMEI, h.GPSTime, h.PreviousState, h.NewState, h.Latitude, h.Longitude)
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("inserting state history for imei %d: %w", h.IMEI, err)
	}
	return nil
}

// InsertMetricEvents writes a batch of derived events.
func (s *Store) InsertMetricEvents(ctx context.Context, events []*model.MetricEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		var meta []byte
		if len(e.Metadata) > 0 {
			var err error
			if meta, err = json.Marshal(e.Metadata); err != nil {
				return fmt.Errorf("marshaling metric event metadata: %w", err)
			}
		}
		batch.Queue(`
INSERT INTO metric_events (
    imei, gps_time, event_category, event_type, event_value, threshold_value,
    duration_sec, severity, fence_id, trip_id, latitude, longitude, metadata, formula_version
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			e.IMEI, e.GPSTime, e.Category, e.EventType, e.Value, e.Threshold,
			e.DurationSec, e.Severity, e.FenceID, e.TripID, e.Latitude, e.Longitude,
			meta, e.FormulaVersion)
	}
	err := s.Pool().SendBatch(ctx, batch).Close()
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("inserting %d metric events: %w", len(events), err)
	}
	return nil
}

// DeleteMetricEvents clears the recalculation window before a replay. An
// empty categories slice clears everything in range.
func (s *Store) DeleteMetricEvents(ctx context.Context, imei int64, from, to time.Time, categories []string) (int64, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	q := `DELETE FROM metric_events WHERE imei = $1 AND gps_time >= $2 AND gps_time < $3`
	if len(categories) > 0 {
		tag, err = s.Pool().Exec(ctx, q+` AND event_category = ANY($4)`, imei, from, to, categories)
	} else {
		tag, err = s.Pool().Exec(ctx, q, imei, from, to)
	}
	s.NoteResult(err)
	if err != nil {
		return 0, fmt.Errorf("deleting metric events for imei %d: %w", imei, err)
	}
	return tag.RowsAffected(), nil
}

// TrackPointsRange streams the stored samples for a replay window, oldest
// first, through fn.
func (s *Store) TrackPointsRange(ctx context.Context, imei int64, from, to time.Time, fn func(*model.TrackPoint) error) error {
	rows, err := s.Pool().Query(ctx, `
SELECT imei, gps_time, server_time, latitude, longitude, altitude, heading,
       satellites, speed, status, vendor, ignition, seatbelt, fuel,
       dallas_temperature_1, dallas_temperature_2, dallas_temperature_3, dallas_temperature_4,
       ble_temperature_1, ble_temperature_2, ble_temperature_3, ble_temperature_4,
       ble_humidity_1, ble_humidity_2, ble_humidity_3, ble_humidity_4,
       driving_score, dynamic_io, valid
FROM trackdata
WHERE imei = $1 AND gps_time >= $2 AND gps_time < $3 AND valid
ORDER BY gps_time`, imei, from, to)
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("querying trackdata range for imei %d: %w", imei, err)
	}
	defer rows.Close()

	for rows.Next() {
		var p model.TrackPoint
		var io []byte
		if err := rows.Scan(
			&p.IMEI, &p.GPSTime, &p.ServerTime, &p.Latitude, &p.Longitude, &p.Altitude,
			&p.Heading, &p.Satellites, &p.Speed, &p.Status, &p.Vendor, &p.Ignition,
			&p.Seatbelt, &p.Fuel,
			&p.DallasTemperature1, &p.DallasTemperature2, &p.DallasTemperature3, &p.DallasTemperature4,
			&p.BLETemperature1, &p.BLETemperature2, &p.BLETemperature3, &p.BLETemperature4,
			&p.BLEHumidity1, &p.BLEHumidity2, &p.BLEHumidity3, &p.BLEHumidity4,
			&p.DrivingScore, &io, &p.Valid,
		); err != nil {
			return fmt.Errorf("scanning trackdata row: %w", err)
		}
		if len(io) > 0 {
			if err := json.Unmarshal(io, &p.DynamicIO); err != nil {
				return fmt.Errorf("decoding dynamic_io: %w", err)
			}
		}
		if err := fn(&p); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Tracker loads the device capability flags; nil when the imei is unknown.
func (s *Store) Tracker(ctx context.Context, imei int64) (*model.Tracker, error) {
	var t model.Tracker
	err := s.Pool().QueryRow(ctx, `
SELECT imei, COALESCE(vehicle_id, 0), COALESCE(client_id, 0), vendor,
       has_fuel_sensor, has_temp_sensor, has_humidity_sensor, has_seatbelt_sensor
FROM tracker WHERE imei = $1`, imei).Scan(
		&t.IMEI, &t.VehicleID, &t.ClientID, &t.Vendor,
		&t.HasFuelSensor, &t.HasTempSensor, &t.HasHumiditySensor, &t.HasSeatbeltSensor)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("loading tracker %d: %w", imei, err)
	}
	return &t, nil
}

// Spatial queries ------------------------------------------------------------

// RoadSpeedLimit returns the posted limit and road type of the nearest road
// within 25m of the point; a nil limit means no road matched.
func (s *Store) RoadSpeedLimit(ctx context.Context, lat, lon float64) (*float64, string, error) {
	var (
		limit    float64
		roadType string
	)
	err := s.Pool().QueryRow(ctx, `
SELECT speed_limit, road_type
FROM road
WHERE ST_DWithin(geom::geography, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography, 25)
ORDER BY geom::geography <-> ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography
LIMIT 1`, lat, lon).Scan(&limit, &roadType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", nil
	}
	s.NoteResult(err)
	if err != nil {
		return nil, "", fmt.Errorf("querying road speed limit: %w", err)
	}
	return &limit, roadType, nil
}

// FenceHit is a fence whose buffered boundary contains a point. Core is true
// when the point is inside the raw polygon; a point inside only the buffer
// keeps an already-entered fence but does not trigger an entry.
type FenceHit struct {
	Fence model.Fence
	Core  bool
}

// FencesAt returns every client fence whose buffered polygon contains the
// point.
func (s *Store) FencesAt(ctx context.Context, clientID int64, lat, lon float64) ([]FenceHit, error) {
	rows, err := s.Pool().Query(ctx, `
SELECT id, client_id, name, buffer_distance,
       ST_Contains(polygon, ST_SetSRID(ST_MakePoint($3, $2), 4326)) AS core
FROM fence
WHERE client_id = $1
  AND ST_DWithin(polygon::geography, ST_SetSRID(ST_MakePoint($3, $2), 4326)::geography, buffer_distance)`,
		clientID, lat, lon)
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("querying fences: %w", err)
	}
	defer rows.Close()

	var hits []FenceHit
	for rows.Next() {
		var h FenceHit
		if err := rows.Scan(&h.Fence.ID, &h.Fence.ClientID, &h.Fence.Name, &h.Fence.BufferDistance, &h.Core); err != nil {
			return nil, fmt.Errorf("scanning fence row: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// RouteDeviationM returns the distance in metres from a point to the route
// polyline.
func (s *Store) RouteDeviationM(ctx context.Context, routeID int64, lat, lon float64) (float64, error) {
	var m float64
	err := s.Pool().QueryRow(ctx, `
SELECT ST_Distance(polyline::geography, ST_SetSRID(ST_MakePoint($3, $2), 4326)::geography)
FROM route WHERE id = $1`, routeID, lat, lon).Scan(&m)
	s.NoteResult(err)
	if err != nil {
		return 0, fmt.Errorf("querying route deviation: %w", err)
	}
	return m, nil
}

// ActiveRouteAssignment returns (assignmentID, routeID) for the vehicle, or
// zeros when no active assignment exists.
func (s *Store) ActiveRouteAssignment(ctx context.Context, vehicleID int64) (int64, int64, error) {
	var assignmentID, routeID int64
	err := s.Pool().QueryRow(ctx, `
SELECT id, route_id FROM route_assignment
WHERE vehicle_id = $1 AND active
ORDER BY id DESC LIMIT 1`, vehicleID).Scan(&assignmentID, &routeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, nil
	}
	s.NoteResult(err)
	if err != nil {
		return 0, 0, fmt.Errorf("querying route assignment for vehicle %d: %w", vehicleID, err)
	}
	return assignmentID, routeID, nil
}

// UploadSheet is one pending round-trip order for a vehicle.
type UploadSheet struct {
	ID            int64
	VehicleID     int64
	DestinationID int64
	DestLatitude  float64
	DestLongitude float64
	StartTime     time.Time
}

// NextUploadSheet returns the oldest unconsumed sheet whose start time has
// passed, or nil.
func (s *Store) NextUploadSheet(ctx context.Context, vehicleID int64, now time.Time) (*UploadSheet, error) {
	var u UploadSheet
	err := s.Pool().QueryRow(ctx, `
SELECT id, vehicle_id, destination_id, dest_latitude, dest_longitude, start_time
FROM upload_sheet
WHERE vehicle_id = $1 AND NOT consumed AND start_time <= $2
ORDER BY start_time LIMIT 1`, vehicleID, now).Scan(
		&u.ID, &u.VehicleID, &u.DestinationID, &u.DestLatitude, &u.DestLongitude, &u.StartTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("querying upload sheet for vehicle %d: %w", vehicleID, err)
	}
	return &u, nil
}

// UploadSheetByID fetches one sheet regardless of consumption state.
func (s *Store) UploadSheetByID(ctx context.Context, id int64) (*UploadSheet, error) {
	var u UploadSheet
	err := s.Pool().QueryRow(ctx, `
SELECT id, vehicle_id, destination_id, dest_latitude, dest_longitude, start_time
FROM upload_sheet WHERE id = $1`, id).Scan(
		&u.ID, &u.VehicleID, &u.DestinationID, &u.DestLatitude, &u.DestLongitude, &u.StartTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("querying upload sheet %d: %w", id, err)
	}
	return &u, nil
}

func (s *Store) ConsumeUploadSheet(ctx context.Context, id int64) error {
	_, err := s.Pool().Exec(ctx, `UPDATE upload_sheet SET consumed = TRUE WHERE id = $1`, id)
	s.NoteResult(err)
	return err
}

// CalibrationPoint maps one raw sensor interval to litres.
type CalibrationPoint struct {
	RawFrom, RawTo       float64
	LitersFrom, LitersTo float64
}

func (s *Store) CalibrationPoints(ctx context.Context, vehicleID int64) ([]CalibrationPoint, error) {
	rows, err := s.Pool().Query(ctx, `
SELECT raw_from, raw_to, liters_from, liters_to
FROM calibration WHERE vehicle_id = $1 ORDER BY raw_from`, vehicleID)
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("querying calibration for vehicle %d: %w", vehicleID, err)
	}
	defer rows.Close()

	var pts []CalibrationPoint
	for rows.Next() {
		var p CalibrationPoint
		if err := rows.Scan(&p.RawFrom, &p.RawTo, &p.LitersFrom, &p.LitersTo); err != nil {
			return nil, fmt.Errorf("scanning calibration row: %w", err)
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

// Trips ----------------------------------------------------------------------

// InsertTrip creates a trip row and fills in the assigned id.
func (s *Store) InsertTrip(ctx context.Context, t *model.Trip) error {
	err := s.Pool().QueryRow(ctx, `
INSERT INTO trip (vehicle_id, imei, trip_type, status, creation_mode,
                  trip_start_time, start_latitude, start_longitude)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING trip_id`,
		t.VehicleID, t.IMEI, t.Type, t.Status, t.CreationMode,
		t.StartTime, t.StartLatitude, t.StartLongitude).Scan(&t.ID)
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("inserting %s trip for imei %d: %w", t.Type, t.IMEI, err)
	}
	return nil
}

// UpdateTripProgress accumulates distance while a trip is ongoing.
func (s *Store) UpdateTripProgress(ctx context.Context, tripID int64, addKM float64) error {
	_, err := s.Pool().Exec(ctx, `
UPDATE trip SET total_distance_km = total_distance_km + $2 WHERE trip_id = $1`, tripID, addKM)
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("updating trip %d progress: %w", tripID, err)
	}
	return nil
}

// CompleteTrip closes a trip with its final totals.
func (s *Store) CompleteTrip(ctx context.Context, t *model.Trip) error {
	_, err := s.Pool().Exec(ctx, `
UPDATE trip SET status = $2, trip_end_time = $3, end_latitude = $4, end_longitude = $5,
                total_distance_km = $6, total_duration_sec = $7, fuel_consumed = $8
WHERE trip_id = $1`,
		t.ID, t.Status, t.EndTime, t.EndLatitude, t.EndLongitude,
		t.TotalDistanceKM, t.TotalDurationSec, t.FuelConsumed)
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("completing trip %d: %w", t.ID, err)
	}
	return nil
}

// IMEIForVehicle resolves the tracker mounted on a vehicle, 0 when none.
func (s *Store) IMEIForVehicle(ctx context.Context, vehicleID int64) (int64, error) {
	var imei int64
	err := s.Pool().QueryRow(ctx,
		`SELECT imei FROM tracker WHERE vehicle_id = $1 LIMIT 1`, vehicleID).Scan(&imei)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	s.NoteResult(err)
	if err != nil {
		return 0, fmt.Errorf("resolving tracker for vehicle %d: %w", vehicleID, err)
	}
	return imei, nil
}

// ClientIDForFence returns the owner of a fence, 0 when the fence is gone.
func (s *Store) ClientIDForFence(ctx context.Context, fenceID int64) (int64, error) {
	var clientID int64
	err := s.Pool().QueryRow(ctx,
		`SELECT client_id FROM fence WHERE id = $1`, fenceID).Scan(&clientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	s.NoteResult(err)
	if err != nil {
		return 0, fmt.Errorf("resolving client for fence %d: %w", fenceID, err)
	}
	return clientID, nil
}

// TripsInRange lists a device's trips whose start falls inside the window.
func (s *Store) TripsInRange(ctx context.Context, imei int64, from, to time.Time) ([]model.Trip, error) {
	rows, err := s.Pool().Query(ctx, `
SELECT trip_id, vehicle_id, imei, trip_type, status, creation_mode,
       trip_start_time, start_latitude, start_longitude, trip_end_time,
       total_distance_km, total_duration_sec
FROM trip
WHERE imei = $1 AND trip_start_time >= $2 AND trip_start_time < $3
ORDER BY trip_start_time`, imei, from, to)
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("listing trips for imei %d: %w", imei, err)
	}
	defer rows.Close()

	var trips []model.Trip
	for rows.Next() {
		var t model.Trip
		if err := rows.Scan(&t.ID, &t.VehicleID, &t.IMEI, &t.Type, &t.Status, &t.CreationMode,
			&t.StartTime, &t.StartLatitude, &t.StartLongitude, &t.EndTime,
			&t.TotalDistanceKM, &t.TotalDurationSec); err != nil {
			return nil, fmt.Errorf("scanning trip: %w", err)
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// UpdateTripFuel rewrites a trip's computed fuel consumption.
func (s *Store) UpdateTripFuel(ctx context.Context, tripID int64, consumed float64) error {
	_, err := s.Pool().Exec(ctx,
		`UPDATE trip SET fuel_consumed = $2 WHERE trip_id = $1`, tripID, consumed)
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("updating fuel for trip %d: %w", tripID, err)
	}
	return nil
}

// TripByID loads one trip row, nil when the id is unknown.
func (s *Store) TripByID(ctx context.Context, tripID int64) (*model.Trip, error) {
	var t model.Trip
	err := s.Pool().QueryRow(ctx, `
SELECT trip_id, vehicle_id, imei, trip_type, status, creation_mode,
       trip_start_time, start_latitude, start_longitude, total_distance_km, total_duration_sec
FROM trip WHERE trip_id = $1`, tripID).Scan(
		&t.ID, &t.VehicleID, &t.IMEI, &t.Type, &t.Status, &t.CreationMode,
		&t.StartTime, &t.StartLatitude, &t.StartLongitude, &t.TotalDistanceKM, &t.TotalDurationSec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("querying trip %d: %w", tripID, err)
	}
	return &t, nil
}

// OngoingTrip returns the open trip of the given type for a device, or nil.
func (s *Store) OngoingTrip(ctx context.Context, imei int64, tripType string) (*model.Trip, error) {
	var t model.Trip
	err := s.Pool().QueryRow(ctx, `
SELECT trip_id, vehicle_id, imei, trip_type, status, creation_mode,
       trip_start_time, start_latitude, start_longitude, total_distance_km, total_duration_sec
FROM trip
WHERE imei = $1 AND trip_type = $2 AND status = 'Ongoing'
ORDER BY trip_start_time DESC LIMIT 1`, imei, tripType).Scan(
		&t.ID, &t.VehicleID, &t.IMEI, &t.Type, &t.Status, &t.CreationMode,
		&t.StartTime, &t.StartLatitude, &t.StartLongitude, &t.TotalDistanceKM, &t.TotalDurationSec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("querying ongoing %s trip for imei %d: %w", tripType, imei, err)
	}
	return &t, nil
}

func (s *Store) InsertTripRouteExtension(ctx context.Context, e *model.TripRouteExtension) error {
	_, err := s.Pool().Exec(ctx, `
INSERT INTO trip_route_extension (trip_id, route_id, route_assignment_id)
VALUES ($1, $2, $3)
ON CONFLICT (trip_id) DO NOTHING`, e.TripID, e.RouteID, e.RouteAssignmentID)
	s.NoteResult(err)
	return err
}

// TripRouteExtension returns the route extension, nil when the trip is not
// route based.
func (s *Store) TripRouteExtension(ctx context.Context, tripID int64) (*model.TripRouteExtension, error) {
	var e model.TripRouteExtension
	err := s.Pool().QueryRow(ctx, `
SELECT trip_id, route_id, route_assignment_id, deviation_count
FROM trip_route_extension WHERE trip_id = $1`, tripID).Scan(
		&e.TripID, &e.RouteID, &e.RouteAssignmentID, &e.DeviationCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("querying route extension for trip %d: %w", tripID, err)
	}
	return &e, nil
}

func (s *Store) IncrementTripDeviation(ctx context.Context, tripID int64) (int, error) {
	var n int
	err := s.Pool().QueryRow(ctx, `
UPDATE trip_route_extension SET deviation_count = deviation_count + 1
WHERE trip_id = $1 RETURNING deviation_count`, tripID).Scan(&n)
	s.NoteResult(err)
	if err != nil {
		return 0, fmt.Errorf("incrementing deviation count for trip %d: %w", tripID, err)
	}
	return n, nil
}

func (s *Store) InsertTripRoundExtension(ctx context.Context, e *model.TripRoundExtension) error {
	_, err := s.Pool().Exec(ctx, `
INSERT INTO trip_round_extension (trip_id, upload_sheet_id, destination_id)
VALUES ($1, $2, $3)
ON CONFLICT (trip_id) DO NOTHING`, e.TripID, e.UploadSheetID, e.DestinationID)
	s.NoteResult(err)
	return err
}

func (s *Store) UpdateTripRoundExtension(ctx context.Context, e *model.TripRoundExtension) error {
	_, err := s.Pool().Exec(ctx, `
UPDATE trip_round_extension
SET arrival_time = $2, departure_time = $3, time_compliance = $4
WHERE trip_id = $1`, e.TripID, e.ArrivalTime, e.DepartureTime, e.TimeCompliance)
	s.NoteResult(err)
	return err
}

func (s *Store) TripRoundExtension(ctx context.Context, tripID int64) (*model.TripRoundExtension, error) {
	var e model.TripRoundExtension
	var compliance *string
	err := s.Pool().QueryRow(ctx, `
SELECT trip_id, upload_sheet_id, destination_id, arrival_time, departure_time, time_compliance
FROM trip_round_extension WHERE trip_id = $1`, tripID).Scan(
		&e.TripID, &e.UploadSheetID, &e.DestinationID, &e.ArrivalTime, &e.DepartureTime, &compliance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("querying round extension for trip %d: %w", tripID, err)
	}
	if compliance != nil {
		e.TimeCompliance = *compliance
	}
	return &e, nil
}

func (s *Store) InsertTripFenceWiseExtension(ctx context.Context, e *model.TripFenceWiseExtension) error {
	_, err := s.Pool().Exec(ctx, `
INSERT INTO trip_fence_wise_extension (trip_id, origin_fence_id, destination_fence_id)
VALUES ($1, $2, $3)
ON CONFLICT (trip_id) DO NOTHING`, e.TripID, e.OriginFenceID, e.DestinationFenceID)
	s.NoteResult(err)
	return err
}

func (s *Store) UpdateTripFenceWiseExtension(ctx context.Context, e *model.TripFenceWiseExtension) error {
	_, err := s.Pool().Exec(ctx, `
UPDATE trip_fence_wise_extension
SET source_exit_time = $2, destination_arrival_time = $3
WHERE trip_id = $1`, e.TripID, e.SourceExitTime, e.DestinationArrivalTime)
	s.NoteResult(err)
	return err
}

// FenceWiseTripPlan is an open manual fence-wise trip with its endpoints.
func (s *Store) FenceWiseTripPlan(ctx context.Context, imei int64) (*model.Trip, *model.TripFenceWiseExtension, error) {
	trip, err := s.OngoingTrip(ctx, imei, model.TripFenceWise)
	if err != nil || trip == nil {
		return nil, nil, err
	}
	var e model.TripFenceWiseExtension
	err = s.Pool().QueryRow(ctx, `
SELECT trip_id, origin_fence_id, destination_fence_id, source_exit_time, destination_arrival_time
FROM trip_fence_wise_extension WHERE trip_id = $1`, trip.ID).Scan(
		&e.TripID, &e.OriginFenceID, &e.DestinationFenceID, &e.SourceExitTime, &e.DestinationArrivalTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return trip, nil, nil
	}
	s.NoteResult(err)
	if err != nil {
		return nil, nil, fmt.Errorf("querying fence-wise extension for trip %d: %w", trip.ID, err)
	}
	return trip, &e, nil
}

func (s *Store) InsertStoppage(ctx context.Context, l *model.TripStoppageLog) error {
	_, err := s.Pool().Exec(ctx, `
INSERT INTO trip_stoppage_log (trip_id, imei, start_time, end_time, latitude, longitude, inside_fence_id, stoppage_type)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.TripID, l.IMEI, l.StartTime, l.EndTime, l.Latitude, l.Longitude, l.InsideFenceID, l.Type)
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("inserting stoppage for trip %d: %w", l.TripID, err)
	}
	return nil
}

// Config tiers (configcache.Querier) ------------------------------------------

func (s *Store) ClientIDForIMEI(ctx context.Context, imei int64) (int64, error) {
	var id int64
	err := s.Pool().QueryRow(ctx,
		`SELECT COALESCE(client_id, 0) FROM tracker WHERE imei = $1`, imei).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	s.NoteResult(err)
	if err != nil {
		return 0, fmt.Errorf("resolving client for imei %d: %w", imei, err)
	}
	return id, nil
}

func (s *Store) configMap(ctx context.Context, q string, args ...any) (map[string]string, error) {
	rows, err := s.Pool().Query(ctx, q, args...)
	s.NoteResult(err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) TrackerConfig(ctx context.Context, imei int64) (map[string]string, error) {
	m, err := s.configMap(ctx,
		`SELECT config_key, config_value FROM tracker_config WHERE imei = $1`, imei)
	if err != nil {
		return nil, fmt.Errorf("loading tracker config for imei %d: %w", imei, err)
	}
	return m, nil
}

func (s *Store) ClientConfig(ctx context.Context, clientID int64) (map[string]string, error) {
	m, err := s.configMap(ctx,
		`SELECT config_key, config_value FROM client_config WHERE client_id = $1`, clientID)
	if err != nil {
		return nil, fmt.Errorf("loading client config for client %d: %w", clientID, err)
	}
	return m, nil
}

func (s *Store) SystemConfig(ctx context.Context) (map[string]string, error) {
	m, err := s.configMap(ctx, `SELECT config_key, config_value FROM system_config`)
	if err != nil {
		return nil, fmt.Errorf("loading system config: %w", err)
	}
	return m, nil
}

func (s *Store) KnownConfigKeys(ctx context.Context) ([]string, error) {
	rows, err := s.Pool().Query(ctx, `
SELECT DISTINCT config_key FROM (
    SELECT config_key FROM system_config
    UNION SELECT config_key FROM client_config
    UNION SELECT config_key FROM tracker_config
    UNION SELECT config_key FROM recalculation_catalog
) keys`)
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("loading known config keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Formula registry -------------------------------------------------------------

func (s *Store) FormulaVersions(ctx context.Context) (map[string]string, error) {
	m, err := s.configMap(ctx, `SELECT metric_name, version FROM formula_version_registry`)
	if err != nil {
		return nil, fmt.Errorf("loading formula versions: %w", err)
	}
	return m, nil
}

func (s *Store) SetFormulaVersion(ctx context.Context, metric, version string) error {
	_, err := s.Pool().Exec(ctx, `
INSERT INTO formula_version_registry (metric_name, version)
VALUES ($1, $2)
ON CONFLICT (metric_name) DO UPDATE SET version = EXCLUDED.version, updated_at = (now() AT TIME ZONE 'utc')`,
		metric, version)
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("recording formula version %s=%s: %w", metric, version, err)
	}
	return nil
}

// Recalculation queue ----------------------------------------------------------

// EnqueueRecalcJob inserts a job unless an identical-scope job is already
// pending, which collapses bursts of config edits into one replay.
func (s *Store) EnqueueRecalcJob(ctx context.Context, j *model.RecalcJob) (bool, error) {
	var exists bool
	err := s.Pool().QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM recalculation_queue
    WHERE status = 'PENDING' AND job_type = $1
      AND scope_imei IS NOT DISTINCT FROM $2
      AND scope_client_id IS NOT DISTINCT FROM $3
      AND scope_fence_id IS NOT DISTINCT FROM $4
      AND config_key IS NOT DISTINCT FROM $5
      AND view_name IS NOT DISTINCT FROM $6
)`, j.JobType, j.ScopeIMEI, j.ScopeClientID, j.ScopeFenceID, j.ConfigKey, j.ViewName).Scan(&exists)
	s.NoteResult(err)
	if err != nil {
		return false, fmt.Errorf("checking pending recalc jobs: %w", err)
	}
	if exists {
		return false, nil
	}

	err = s.Pool().QueryRow(ctx, `
INSERT INTO recalculation_queue (
    job_type, trigger_type, status, priority,
    scope_imei, scope_client_id, scope_vehicle_id, scope_fence_id,
    scope_date_from, scope_date_to, config_change_id, config_key, view_name, reason
) VALUES ($1, $2, 'PENDING', $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING id`,
		j.JobType, j.TriggerType, j.Priority,
		j.ScopeIMEI, j.ScopeClientID, j.ScopeVehicle, j.ScopeFenceID,
		j.ScopeDateFrom, j.ScopeDateTo, j.ConfigChangeID, j.ConfigKey, j.ViewName, j.Reason).Scan(&j.ID)
	s.NoteResult(err)
	if err != nil {
		return false, fmt.Errorf("enqueueing recalc job: %w", err)
	}
	return true, nil
}

// ClaimRecalcJob atomically moves the highest-priority pending job to
// PROCESSING. Returns nil when the queue is empty.
func (s *Store) ClaimRecalcJob(ctx context.Context) (*model.RecalcJob, error) {
	var j model.RecalcJob
	err := s.Pool().QueryRow(ctx, `
UPDATE recalculation_queue SET status = 'PROCESSING', started_at = (now() AT TIME ZONE 'utc')
WHERE id = (
    SELECT id FROM recalculation_queue
    WHERE status = 'PENDING'
    ORDER BY priority DESC, created_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING id, job_type, trigger_type, status, priority,
          scope_imei, scope_client_id, scope_vehicle_id, scope_fence_id,
          scope_date_from, scope_date_to, config_change_id, config_key, view_name,
          reason, created_at`).Scan(
		&j.ID, &j.JobType, &j.TriggerType, &j.Status, &j.Priority,
		&j.ScopeIMEI, &j.ScopeClientID, &j.ScopeVehicle, &j.ScopeFenceID,
		&j.ScopeDateFrom, &j.ScopeDateTo, &j.ConfigChangeID, &j.ConfigKey, &j.ViewName,
		&j.Reason, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("claiming recalc job: %w", err)
	}
	return &j, nil
}

func (s *Store) CompleteRecalcJob(ctx context.Context, id int64, rowsAffected int64) error {
	_, err := s.Pool().Exec(ctx, `
UPDATE recalculation_queue
SET status = 'COMPLETED', rows_affected = $2, completed_at = (now() AT TIME ZONE 'utc')
WHERE id = $1`, id, rowsAffected)
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("completing recalc job %d: %w", id, err)
	}
	return nil
}

func (s *Store) FailRecalcJob(ctx context.Context, id int64, cause string) error {
	_, err := s.Pool().Exec(ctx, `
UPDATE recalculation_queue
SET status = 'FAILED', error_message = $2, completed_at = (now() AT TIME ZONE 'utc')
WHERE id = $1`, id, cause)
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("failing recalc job %d: %w", id, err)
	}
	return nil
}

// ResetStuckRecalcJobs requeues PROCESSING jobs older than the cutoff, which
// recovers work lost to an engine crash.
func (s *Store) ResetStuckRecalcJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.Pool().Exec(ctx, `
UPDATE recalculation_queue SET status = 'PENDING', started_at = NULL
WHERE status = 'PROCESSING' AND started_at < $1`,
		time.Now().UTC().Add(-olderThan))
	s.NoteResult(err)
	if err != nil {
		return 0, fmt.Errorf("resetting stuck recalc jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Config change log ------------------------------------------------------------

func (s *Store) UnprocessedConfigChanges(ctx context.Context, limit int) ([]model.ConfigChange, error) {
	rows, err := s.Pool().Query(ctx, `
SELECT id, table_name, record_key, config_key, processed, changed_at
FROM config_change_log
WHERE NOT processed
ORDER BY id
LIMIT $1`, limit)
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("querying config changes: %w", err)
	}
	defer rows.Close()

	var changes []model.ConfigChange
	for rows.Next() {
		var c model.ConfigChange
		if err := rows.Scan(&c.ID, &c.TableName, &c.RecordKey, &c.ConfigKey, &c.Processed, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("scanning config change: %w", err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func (s *Store) MarkConfigChangesProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.Pool().Exec(ctx,
		`UPDATE config_change_log SET processed = TRUE WHERE id = ANY($1)`, ids)
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("marking %d config changes processed: %w", len(ids), err)
	}
	return nil
}

// CatalogEntry is one recalculation_catalog row with its JSON arrays decoded.
type CatalogEntry struct {
	ConfigKey       string
	EventCategories []string
	ViewNames       []string
}

func (s *Store) RecalcCatalog(ctx context.Context) ([]CatalogEntry, error) {
	rows, err := s.Pool().Query(ctx,
		`SELECT config_key, event_categories, view_names FROM recalculation_catalog`)
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("loading recalculation catalog: %w", err)
	}
	defer rows.Close()

	var entries []CatalogEntry
	for rows.Next() {
		var e CatalogEntry
		var cats, views []byte
		if err := rows.Scan(&e.ConfigKey, &cats, &views); err != nil {
			return nil, fmt.Errorf("scanning catalog row: %w", err)
		}
		if err := json.Unmarshal(cats, &e.EventCategories); err != nil {
			return nil, fmt.Errorf("decoding catalog categories for %s: %w", e.ConfigKey, err)
		}
		if err := json.Unmarshal(views, &e.ViewNames); err != nil {
			return nil, fmt.Errorf("decoding catalog views for %s: %w", e.ConfigKey, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TrackersForClient lists device ids in a client scope.
func (s *Store) TrackersForClient(ctx context.Context, clientID int64) ([]int64, error) {
	rows, err := s.Pool().Query(ctx,
		`SELECT imei FROM tracker WHERE client_id = $1`, clientID)
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("listing trackers for client %d: %w", clientID, err)
	}
	defer rows.Close()

	var imeis []int64
	for rows.Next() {
		var imei int64
		if err := rows.Scan(&imei); err != nil {
			return nil, err
		}
		imeis = append(imeis, imei)
	}
	return imeis, rows.Err()
}

// View names reach RefreshView from the recalculation catalog, a database
// table; the pattern check keeps them out of SQL injection territory.
var viewNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// RefreshView refreshes a materialised view, concurrently when its unique
// index allows, falling back to a blocking refresh otherwise.
func (s *Store) RefreshView(ctx context.Context, name string) error {
	if !viewNamePattern.MatchString(name) {
		return fmt.Errorf("refusing to refresh view %q: invalid name", name)
	}
	_, err := s.Pool().Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY `+name)
	if err != nil {
		_, err = s.Pool().Exec(ctx, `REFRESH MATERIALIZED VIEW `+name)
	}
	s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("refreshing view %s: %w", name, err)
	}
	return nil
}

// PurgeStateHistoryBefore trims laststatus_history past the retention window.
func (s *Store) PurgeStateHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.Pool().Exec(ctx,
		`DELETE FROM laststatus_history WHERE gps_time < $1`, cutoff)
	s.NoteResult(err)
	if err != nil {
		return 0, fmt.Errorf("purging state history: %w", err)
	}
	return tag.RowsAffected(), nil
}
