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
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/navtrace/navtrace/internal/config"
	"github.com/navtrace/navtrace/internal/configcache"
	"github.com/navtrace/navtrace/internal/logs"
	"github.com/navtrace/navtrace/internal/model"
	"github.com/navtrace/navtrace/internal/store"
)

// fakeLookup satisfies Lookup with fixture data.
type fakeLookup struct {
	roadLimit    *float64
	roadType     string
	fences       []store.FenceHit
	calibration  []store.CalibrationPoint
	assignmentID int64
	routeID      int64
	deviationM   float64
	nextSheet    *store.UploadSheet
	sheetsByID   map[int64]*store.UploadSheet
	fenceTrip    *model.Trip
	fenceExt     *model.TripFenceWiseExtension
	roundExt     *model.TripRoundExtension
	routeExt     *model.TripRouteExtension
}

func (f *fakeLookup) RoadSpeedLimit(context.Context, float64, float64) (*float64, string, error) {
	return f.roadLimit, f.roadType, nil
}
func (f *fakeLookup) FencesAt(context.Context, int64, float64, float64) ([]store.FenceHit, error) {
	return f.fences, nil
}
func (f *fakeLookup) CalibrationPoints(context.Context, int64) ([]store.CalibrationPoint, error) {
	return f.calibration, nil
}
func (f *fakeLookup) ActiveRouteAssignment(context.Context, int64) (int64, int64, error) {
	return f.assignmentID, f.routeID, nil
}
func (f *fakeLookup) RouteDeviationM(context.Context, int64, float64, float64) (float64, error) {
	return f.deviationM, nil
}
func (f *fakeLookup) NextUploadSheet(context.Context, int64, time.Time) (*store.UploadSheet, error) {
	return f.nextSheet, nil
}
func (f *fakeLookup) UploadSheetByID(_ context.Context, id int64) (*store.UploadSheet, error) {
	return f.sheetsByID[id], nil
}
func (f *fakeLookup) FenceWiseTripPlan(context.Context, int64) (*model.Trip, *model.TripFenceWiseExtension, error) {
	return f.fenceTrip, f.fenceExt, nil
}
func (f *fakeLookup) TripRoundExtension(context.Context, int64) (*model.TripRoundExtension, error) {
	return f.roundExt, nil
}
func (f *fakeLookup) TripRouteExtension(context.Context, int64) (*model.TripRouteExtension, error) {
	return f.routeExt, nil
}

func testConfig() configcache.Config {
	cfg := configcache.Config{}
	for k, v := range configcache.EmergencyDefaults {
		cfg[k] = v
	}
	return cfg
}

func f64(v float64) *float64 { return &v }
func b(v bool) *bool         { return &v }

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// step builds a Context for one record against the running state, runs fn,
// and returns the context for assertions.
func step(t *testing.T, state *model.EngineState, pt *model.TrackPoint, fn func(*Context) error) *Context {
	t.Helper()
	ec := &Context{
		IMEI:      pt.IMEI,
		VehicleID: 7,
		ClientID:  3,
		Point:     pt,
		State:     state,
		Prev:      *state,
		Config:    testConfig(),
	}
	assert.NilError(t, fn(ec))
	at := pt.GPSTime
	state.LastProcessedGPSTime = &at
	return ec
}

func point(imei int64, at time.Time, speed float64) *model.TrackPoint {
	return &model.TrackPoint{
		IMEI:      imei,
		GPSTime:   at,
		Latitude:  23.78,
		Longitude: 90.40,
		Speed:     f64(speed),
		Ignition:  b(true),
		Valid:     true,
	}
}

func TestOverspeedEmitsOncePerEpisode(t *testing.T) {
	calc := &SpeedViolationCalc{roads: &fakeLookup{roadLimit: f64(60), roadType: "city"}}
	var state model.EngineState

	// First over-limit record opens the window, no event yet.
	ec := step(t, &state, point(1, t0, 80), func(ec *Context) error { return calc.Calculate(context.Background(), ec) })
	assert.Equal(t, len(ec.Events()), 0)
	assert.Assert(t, state.SpeedingStartTime != nil)

	// Still speeding past MIN_DURATION_SPEED: one event, window cleared.
	ec = step(t, &state, point(1, t0.Add(35*time.Second), 80), func(ec *Context) error {
		return calc.Calculate(context.Background(), ec)
	})
	assert.Equal(t, len(ec.Events()), 1)
	e := ec.Events()[0]
	assert.Equal(t, e.EventType, model.EventOverspeed)
	assert.Equal(t, *e.Value, 80.0)
	assert.Equal(t, *e.Threshold, 60.0)
	assert.Equal(t, e.Metadata["road_type"], "city")
	assert.Assert(t, state.SpeedingStartTime == nil)

	// Dropping under the limit keeps the window closed.
	ec = step(t, &state, point(1, t0.Add(40*time.Second), 50), func(ec *Context) error {
		return calc.Calculate(context.Background(), ec)
	})
	assert.Equal(t, len(ec.Events()), 0)
}

func TestOverspeedEpisodeEndingUnderLimitStillEmits(t *testing.T) {
	// Limit 60, MIN_DURATION_SPEED 30. Speeds 50/75/80/40 at +0/+10/+30/+45s:
	// the window opens at +10s, is still short of the minimum at +30s, and the
	// drop to 40 at +45s closes a 35s episode that must emit on the way out.
	calc := &SpeedViolationCalc{roads: &fakeLookup{roadLimit: f64(60), roadType: "city"}}
	var state model.EngineState

	run := func(offset time.Duration, speed float64) *Context {
		return step(t, &state, point(100, t0.Add(offset), speed), func(ec *Context) error {
			return calc.Calculate(context.Background(), ec)
		})
	}

	assert.Equal(t, len(run(0, 50).Events()), 0)
	assert.Equal(t, len(run(10*time.Second, 75).Events()), 0)
	assert.Equal(t, len(run(30*time.Second, 80).Events()), 0)

	ec := run(45*time.Second, 40)
	assert.Equal(t, len(ec.Events()), 1)
	e := ec.Events()[0]
	assert.Equal(t, e.EventType, model.EventOverspeed)
	assert.Equal(t, *e.Value, 80.0)
	assert.Equal(t, *e.Threshold, 60.0)
	assert.Assert(t, *e.DurationSec >= 30)
	assert.Assert(t, state.SpeedingStartTime == nil)
	assert.Assert(t, state.SpeedingMaxSpeed == nil)
}

func TestOverspeedFallsBackToMaxConfiguredLimit(t *testing.T) {
	calc := &SpeedViolationCalc{roads: &fakeLookup{}} // no road match
	var state model.EngineState

	// Default limits top out at SPEED_LIMIT_MOTORWAY=120; 110 is legal.
	ec := step(t, &state, point(1, t0, 110), func(ec *Context) error { return calc.Calculate(context.Background(), ec) })
	assert.Equal(t, len(ec.Events()), 0)
	assert.Assert(t, state.SpeedingStartTime == nil)
}

func TestIdleViolationRefiresAfterFullWindow(t *testing.T) {
	dur := &DurationCalc{}
	idle := &IdleViolationCalc{}
	var state model.EngineState
	state.VehicleState = model.StateIdle

	run := func(at time.Time) *Context {
		pt := point(1, at, 0)
		return step(t, &state, pt, func(ec *Context) error {
			ec.State.VehicleState = model.StateIdle
			if err := dur.Calculate(context.Background(), ec); err != nil {
				return err
			}
			return idle.Calculate(context.Background(), ec)
		})
	}

	assert.Equal(t, len(run(t0).Events()), 0)
	assert.Equal(t, len(run(t0.Add(10*time.Minute)).Events()), 0)

	// Past IDLE_MAX (900s): fires and restarts the window.
	ec := run(t0.Add(16 * time.Minute))
	assert.Equal(t, len(ec.Events()), 1)
	assert.Equal(t, ec.Events()[0].EventType, model.EventIdleViolation)

	assert.Equal(t, len(run(t0.Add(20*time.Minute)).Events()), 0)
	ec = run(t0.Add(32 * time.Minute))
	assert.Equal(t, len(ec.Events()), 1)
}

func TestFuelFillCarriesCalibratedDelta(t *testing.T) {
	calc := &FuelCalc{calibrations: &fakeLookup{
		calibration: []store.CalibrationPoint{{RawFrom: 0, RawTo: 100, LitersFrom: 0, LitersTo: 100}},
	}}
	var state model.EngineState

	first := point(1, t0, 40)
	first.Fuel = f64(30)
	ec := step(t, &state, first, func(ec *Context) error { return calc.Calculate(context.Background(), ec) })
	assert.Equal(t, len(ec.Events()), 0)

	second := point(1, t0.Add(time.Minute), 0)
	second.Fuel = f64(55)
	ec = step(t, &state, second, func(ec *Context) error { return calc.Calculate(context.Background(), ec) })
	assert.Equal(t, len(ec.Events()), 1)
	e := ec.Events()[0]
	assert.Equal(t, e.EventType, model.EventFuelFill)
	assert.Equal(t, *e.Value, 25.0)
	assert.Equal(t, e.Metadata["delta_liters"], 25.0)
	assert.Equal(t, e.Metadata["previous_level"], 30.0)
	assert.Equal(t, e.Metadata["current_level"], 55.0)
}

func TestFuelTheftBelowThresholdIsQuiet(t *testing.T) {
	calc := &FuelCalc{calibrations: &fakeLookup{}}
	var state model.EngineState

	first := point(1, t0, 40)
	first.Fuel = f64(50)
	step(t, &state, first, func(ec *Context) error { return calc.Calculate(context.Background(), ec) })

	// A 3-unit drop is under THEFT_THRESHOLD=5: normal consumption.
	second := point(1, t0.Add(time.Minute), 40)
	second.Fuel = f64(47)
	ec := step(t, &state, second, func(ec *Context) error { return calc.Calculate(context.Background(), ec) })
	assert.Equal(t, len(ec.Events()), 0)
}

func TestGeofenceBufferHoldsMembership(t *testing.T) {
	lookup := &fakeLookup{}
	calc := &GeofenceCalc{fences: lookup}
	fence := model.Fence{ID: 11, ClientID: 3, Name: "Depot", BufferDistance: 50}
	var state model.EngineState

	// Strictly inside: entry event.
	lookup.fences = []store.FenceHit{{Fence: fence, Core: true}}
	ec := step(t, &state, point(1, t0, 20), func(ec *Context) error { return calc.Calculate(context.Background(), ec) })
	assert.Equal(t, len(ec.Events()), 1)
	assert.Equal(t, ec.Events()[0].EventType, model.EventFenceEnter)
	assert.DeepEqual(t, state.CurrentFenceIDs, []int64{11})

	// In the buffer ring only: membership holds, no churn.
	lookup.fences = []store.FenceHit{{Fence: fence, Core: false}}
	ec = step(t, &state, point(1, t0.Add(time.Minute), 20), func(ec *Context) error {
		return calc.Calculate(context.Background(), ec)
	})
	assert.Equal(t, len(ec.Events()), 0)
	assert.DeepEqual(t, state.CurrentFenceIDs, []int64{11})

	// Clear of the buffer: exit event.
	lookup.fences = nil
	ec = step(t, &state, point(1, t0.Add(2*time.Minute), 20), func(ec *Context) error {
		return calc.Calculate(context.Background(), ec)
	})
	assert.Equal(t, len(ec.Events()), 1)
	assert.Equal(t, ec.Events()[0].EventType, model.EventFenceExit)
	assert.Equal(t, len(state.CurrentFenceIDs), 0)
}

func TestBufferOnlyHitNeverEnters(t *testing.T) {
	lookup := &fakeLookup{fences: []store.FenceHit{
		{Fence: model.Fence{ID: 11, ClientID: 3}, Core: false},
	}}
	calc := &GeofenceCalc{fences: lookup}
	var state model.EngineState

	ec := step(t, &state, point(1, t0, 20), func(ec *Context) error { return calc.Calculate(context.Background(), ec) })
	assert.Equal(t, len(ec.Events()), 0)
	assert.Equal(t, len(state.CurrentFenceIDs), 0)
}

func TestIgnitionTripEdges(t *testing.T) {
	calc := &IgnitionTripCalc{}
	var state model.EngineState

	// Ignition-on edge with no trip: start requested.
	ec := step(t, &state, point(1, t0, 0), func(ec *Context) error { return calc.Calculate(context.Background(), ec) })
	assert.Assert(t, ec.tripAction != nil)
	assert.Equal(t, ec.tripAction.Kind, TripStart)
	assert.Equal(t, ec.tripAction.TripType, model.TripIgnitionBased)

	// Simulate the write path committing the start.
	tripID := int64(42)
	state.CurrentTripID = &tripID
	state.TripInProgress = true
	state.LastIgnition = b(true)

	// Ignition stays on: nothing.
	ec = step(t, &state, point(1, t0.Add(time.Minute), 30), func(ec *Context) error {
		return calc.Calculate(context.Background(), ec)
	})
	assert.Assert(t, ec.tripAction == nil)
	state.LastIgnition = b(true)

	// Ignition-off edge: end requested.
	off := point(1, t0.Add(10*time.Minute), 0)
	off.Ignition = b(false)
	ec = step(t, &state, off, func(ec *Context) error { return calc.Calculate(context.Background(), ec) })
	assert.Assert(t, ec.tripAction != nil)
	assert.Equal(t, ec.tripAction.Kind, TripEnd)
	assert.Equal(t, ec.tripAction.Status, model.TripCompleted)
}

func TestStoppageLoggedOnlyPastThreshold(t *testing.T) {
	calc := &StoppageCalc{}
	tripID := int64(42)
	var state model.EngineState
	state.TripInProgress = true
	state.CurrentTripID = &tripID

	// Stop opens the window.
	ec := step(t, &state, point(1, t0, 0), func(ec *Context) error { return calc.Calculate(context.Background(), ec) })
	assert.Equal(t, len(ec.stoppages), 0)
	assert.Assert(t, state.StoppageStartTime != nil)

	// Moving again after 2 minutes: under STOP_THRESHOLD=300, discarded.
	ec = step(t, &state, point(1, t0.Add(2*time.Minute), 30), func(ec *Context) error {
		return calc.Calculate(context.Background(), ec)
	})
	assert.Equal(t, len(ec.stoppages), 0)
	assert.Assert(t, state.StoppageStartTime == nil)

	// A 6-minute stop is logged.
	step(t, &state, point(1, t0.Add(10*time.Minute), 0), func(ec *Context) error {
		return calc.Calculate(context.Background(), ec)
	})
	ec = step(t, &state, point(1, t0.Add(16*time.Minute), 30), func(ec *Context) error {
		return calc.Calculate(context.Background(), ec)
	})
	assert.Equal(t, len(ec.stoppages), 1)
	assert.Equal(t, ec.stoppages[0].TripID, tripID)
	assert.Equal(t, ec.stoppages[0].Type, model.StoppageStop)
}

func TestRoundTripComplianceVerdict(t *testing.T) {
	tripID := int64(9)
	arrival := t0.Add(-5 * time.Minute) // 300s inside, under TIME_COMPLIANCE_THRESHOLD=600
	lookup := &fakeLookup{
		roundExt: &model.TripRoundExtension{TripID: tripID, UploadSheetID: 4, ArrivalTime: &arrival},
		sheetsByID: map[int64]*store.UploadSheet{
			// Destination ~1.1km away: well past DEVIATION_THRESHOLD=100m.
			4: {ID: 4, DestLatitude: 23.79, DestLongitude: 90.40},
		},
	}
	calc := &RoundTripCalc{sheets: lookup}
	var state model.EngineState
	state.TripInProgress = true
	state.CurrentTripID = &tripID

	ec := step(t, &state, point(1, t0, 30), func(ec *Context) error { return calc.Calculate(context.Background(), ec) })
	assert.Assert(t, ec.tripAction != nil)
	assert.Equal(t, ec.tripAction.Kind, TripRoundDepart)
	assert.Equal(t, ec.tripAction.TimeCompliance, "Non-Compliant")
	assert.Equal(t, len(ec.Events()), 1)
	assert.Equal(t, ec.Events()[0].EventType, model.EventTimeNonCompliance)
}

func TestRouteDeviationEndsTrip(t *testing.T) {
	tripID := int64(5)
	lookup := &fakeLookup{
		assignmentID: 2,
		routeID:      8,
		deviationM:   250,
		routeExt:     &model.TripRouteExtension{TripID: tripID, RouteID: 8},
	}
	calc := &RouteTripCalc{routes: lookup}
	var state model.EngineState
	state.TripInProgress = true
	state.CurrentTripID = &tripID

	ec := step(t, &state, point(1, t0, 40), func(ec *Context) error { return calc.Calculate(context.Background(), ec) })
	assert.Assert(t, ec.tripAction != nil)
	assert.Equal(t, ec.tripAction.Kind, TripEnd)
	assert.Equal(t, ec.tripAction.Status, model.TripDeviated)
	assert.Equal(t, len(ec.Events()), 1)
	assert.Equal(t, ec.Events()[0].EventType, model.EventRouteDeviation)
}

func TestNightWindowCrossesMidnight(t *testing.T) {
	assert.Assert(t, inNightWindow(time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC), "22:00", "05:00"))
	assert.Assert(t, inNightWindow(time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC), "22:00", "05:00"))
	assert.Assert(t, !inNightWindow(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), "22:00", "05:00"))
	assert.Assert(t, !inNightWindow(time.Date(2025, 6, 1, 5, 0, 0, 0, time.UTC), "22:00", "05:00"))
}

func TestLitersForInterpolates(t *testing.T) {
	points := []store.CalibrationPoint{
		{RawFrom: 0, RawTo: 50, LitersFrom: 0, LitersTo: 40},
		{RawFrom: 50, RawTo: 100, LitersFrom: 40, LitersTo: 100},
	}
	l, ok := LitersFor(points, 25)
	assert.Assert(t, ok)
	assert.Equal(t, l, 20.0)
	l, ok = LitersFor(points, 75)
	assert.Assert(t, ok)
	assert.Equal(t, l, 70.0)
	_, ok = LitersFor(points, 200)
	assert.Assert(t, !ok)
}

func TestPendingBufferDropsOldestWhenFull(t *testing.T) {
	s := &Service{log: logs.DiscardLogger(), cfg: config.Engine{PendingLimit: 2}}

	s.bufferPending(job{sig: "a"})
	s.bufferPending(job{sig: "b"})
	s.bufferPending(job{sig: "c"})

	assert.Equal(t, 2, len(s.pending))
	assert.Equal(t, "b", s.pending[0].sig)
	assert.Equal(t, "c", s.pending[1].sig)
}
