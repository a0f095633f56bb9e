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

// Package engine computes derived state and metric events from the ordered
// trackpoint stream, honouring per-device configuration. Calculators mutate a
// shared per-record Context; the pipeline persists the result in one step.
package engine

import (
	"strings"
	"time"

	"github.com/navtrace/navtrace/internal/configcache"
	"github.com/navtrace/navtrace/internal/model"
)

// Trip action kinds resolved by the write path.
const (
	TripStart       = "start"
	TripEnd         = "end"
	TripFenceExit   = "fence_exit"   // manual fence-wise trip left its origin
	TripFenceArrive = "fence_arrive" // manual fence-wise trip reached its destination
	TripRoundArrive = "round_arrive" // round trip reached the sheet destination
	TripRoundDepart = "round_depart" // round trip left the destination again
)

// TripAction is a virtual action a trip calculator requests; the write path
// resolves it into trip table rows in a single DB step.
type TripAction struct {
	Kind     string
	TripType string
	Status   string // end status; Completed or Deviated
	TripID   int64  // target of update kinds; 0 for start/end of the current trip

	// Extension payloads, set by the calculator that starts the trip.
	RouteID           int64
	RouteAssignmentID int64
	UploadSheetID     int64
	DestinationID     int64

	// Round-trip departure compliance verdict.
	TimeCompliance string
}

// Context carries one record through the calculator chain. State is mutated
// in place; Prev holds the pre-record copy for transition detection.
type Context struct {
	IMEI      int64
	VehicleID int64
	ClientID  int64

	Point *model.TrackPoint
	State *model.EngineState
	Prev  model.EngineState

	Config  configcache.Config
	Tracker *model.Tracker

	// Backfill replays history: live LastStatus is untouched and no
	// notifications are published.
	Backfill bool

	// SecondsSinceLast is the gps_time delta to the previous processed
	// record, 0 for the first record of a device.
	SecondsSinceLast float64

	// DistanceKM is the accepted segment distance, set by the distance
	// calculator and consumed by trip accounting.
	DistanceKM float64

	events     []*model.MetricEvent
	stoppages  []*model.TripStoppageLog
	tripAction *TripAction
}

// Speed returns the record speed, 0 when the sensor reported nothing.
func (c *Context) Speed() float64 {
	if c.Point.Speed == nil {
		return 0
	}
	return *c.Point.Speed
}

// Ignition resolves the ignition flag, falling back to status-text inference
// for vendors that only report "Ignition On"/"Ignition Off" strings.
func (c *Context) Ignition() bool {
	if c.Point.Ignition != nil {
		return *c.Point.Ignition
	}
	status := strings.ToLower(c.Point.Status)
	if strings.Contains(status, "ignition on") {
		return true
	}
	if strings.Contains(status, "ignition off") {
		return false
	}
	// Unknown: assume the engine state machine's last knowledge.
	if c.State.LastIgnition != nil {
		return *c.State.LastIgnition
	}
	return false
}

// ConfigFloat resolves a numeric config key; ok is false when the key is
// missing at every tier including the emergency defaults.
func (c *Context) ConfigFloat(key string) (float64, bool) {
	v, err := c.Config.Float64(key)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ConfigSeconds resolves a duration config key expressed in seconds.
func (c *Context) ConfigSeconds(key string) (time.Duration, bool) {
	v, err := c.Config.Seconds(key)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Emit queues a metric event. Position, keys, and the joining metadata are
// stamped here so calculators only fill in what is specific to them.
func (c *Context) Emit(e *model.MetricEvent) {
	e.IMEI = c.IMEI
	e.GPSTime = c.Point.GPSTime
	e.Latitude = c.Point.Latitude
	e.Longitude = c.Point.Longitude
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata["imei"] = c.IMEI
	e.Metadata["gps_time"] = c.Point.GPSTime.Format("2006-01-02 15:04:05")
	c.events = append(c.events, e)
}

// AddStoppage queues a stoppage-log entry for the write path.
func (c *Context) AddStoppage(l *model.TripStoppageLog) {
	l.IMEI = c.IMEI
	c.stoppages = append(c.stoppages, l)
}

// RequestTrip records the virtual trip action. Last writer wins; the trip
// calculators are ordered so only one fires per record.
func (c *Context) RequestTrip(a *TripAction) {
	c.tripAction = a
}

// Events returns the queued events.
func (c *Context) Events() []*model.MetricEvent { return c.events }
