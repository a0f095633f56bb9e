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
	"time"

	"github.com/navtrace/navtrace/internal/logs"
	"github.com/navtrace/navtrace/internal/metrics"
	"github.com/navtrace/navtrace/internal/model"
	"github.com/navtrace/navtrace/internal/store"
)

// Calculator is one unit of derived-state computation. Calculators mutate the
// Context state and queue events; they are pure given their inputs so
// recalculation can replay them over history.
type Calculator interface {
	Name() string
	Category() string // core, violation, sensor, geofence, trip
	FormulaVersion() string
	RequiresSensors() []string
	Calculate(ctx context.Context, ec *Context) error
}

// Lookup is the read-only store surface calculators depend on. It is a subset
// of *store.Store so tests can substitute fixtures.
type Lookup interface {
	RoadSpeedLimit(ctx context.Context, lat, lon float64) (*float64, string, error)
	FencesAt(ctx context.Context, clientID int64, lat, lon float64) ([]store.FenceHit, error)
	CalibrationPoints(ctx context.Context, vehicleID int64) ([]store.CalibrationPoint, error)
	ActiveRouteAssignment(ctx context.Context, vehicleID int64) (int64, int64, error)
	RouteDeviationM(ctx context.Context, routeID int64, lat, lon float64) (float64, error)
	NextUploadSheet(ctx context.Context, vehicleID int64, now time.Time) (*store.UploadSheet, error)
	UploadSheetByID(ctx context.Context, id int64) (*store.UploadSheet, error)
	FenceWiseTripPlan(ctx context.Context, imei int64) (*model.Trip, *model.TripFenceWiseExtension, error)
	TripRoundExtension(ctx context.Context, tripID int64) (*model.TripRoundExtension, error)
	TripRouteExtension(ctx context.Context, tripID int64) (*model.TripRouteExtension, error)
}

// sensorFlag maps a required-sensor name to the tracker capability flag.
func sensorFlag(t *model.Tracker, sensor string) bool {
	if t == nil {
		return false
	}
	switch sensor {
	case "fuel":
		return t.HasFuelSensor
	case "temperature":
		return t.HasTempSensor
	case "humidity":
		return t.HasHumiditySensor
	case "seatbelt":
		return t.HasSeatbeltSensor
	}
	return false
}

// Registry holds the calculator chain in execution order.
type Registry struct {
	log   logs.StructuredLogger
	calcs []Calculator
}

// NewRegistry builds the full chain. Order matters: core state first, then
// violations and sensors that read it, then geofence, then trips that depend
// on fence membership.
func NewRegistry(lookup Lookup, log logs.StructuredLogger) *Registry {
	return &Registry{
		log: log.With("component", "registry"),
		calcs: []Calculator{
			&VehicleStateCalc{},
			&DistanceCalc{},
			&SpeedCalc{},
			&DurationCalc{},
			&SpeedViolationCalc{roads: lookup},
			&IdleViolationCalc{},
			&SeatbeltViolationCalc{},
			&HarshViolationCalc{},
			&DrivingTimeViolationCalc{},
			&TemperatureCalc{},
			&HumidityCalc{},
			&FuelCalc{calibrations: lookup},
			&GeofenceCalc{fences: lookup},
			&IgnitionTripCalc{},
			&StoppageCalc{},
			&FenceWiseTripCalc{trips: lookup},
			&RoundTripCalc{sheets: lookup},
			&RouteTripCalc{routes: lookup},
		},
	}
}

// Calculators exposes the chain, used by the version sweep at startup.
func (r *Registry) Calculators() []Calculator { return r.calcs }

func (r *Registry) applies(c Calculator, t *model.Tracker) bool {
	for _, s := range c.RequiresSensors() {
		if !sensorFlag(t, s) {
			return false
		}
	}
	return true
}

// Run executes the chain over one record. A calculator failure is logged and
// skipped; it never aborts the rest of the chain. Every event emitted by a
// calculator is tagged with that calculator's formula version.
func (r *Registry) Run(ctx context.Context, ec *Context) {
	for _, c := range r.calcs {
		if !r.applies(c, ec.Tracker) {
			continue
		}
		before := len(ec.events)
		start := time.Now()
		err := c.Calculate(ctx, ec)
		metrics.CalculatorRuns.WithLabelValues(c.Name()).Inc()
		metrics.CalculatorDuration.WithLabelValues(c.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.CalculatorErrors.WithLabelValues(c.Name()).Inc()
			r.log.Warnf("calculator %s failed for imei %d at %s: %v",
				c.Name(), ec.IMEI, ec.Point.GPSTime.Format(time.RFC3339), err)
			continue
		}
		for _, e := range ec.events[before:] {
			e.FormulaVersion = c.FormulaVersion()
			metrics.EventsEmitted.WithLabelValues(c.Name(), e.EventType).Inc()
		}
	}
}
