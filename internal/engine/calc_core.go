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

	"github.com/navtrace/navtrace/internal/geo"
	"github.com/navtrace/navtrace/internal/model"
)

// maxSegmentKM caps a single-segment jump; anything longer is GPS noise.
const maxSegmentKM = 10

// VehicleStateCalc classifies the vehicle into moving/idle/stopped, or
// not_responding when the device has been silent past NR_THRESHOLD.
type VehicleStateCalc struct{}

func (*VehicleStateCalc) Name() string             { return "vehicle_state" }
func (*VehicleStateCalc) Category() string         { return "core" }
func (*VehicleStateCalc) FormulaVersion() string   { return "v1" }
func (*VehicleStateCalc) RequiresSensors() []string { return nil }

func (c *VehicleStateCalc) Calculate(_ context.Context, ec *Context) error {
	nr, _ := ec.ConfigFloat("NR_THRESHOLD")

	var state string
	switch {
	case nr > 0 && ec.SecondsSinceLast > nr:
		state = model.StateNotResponding
	case !ec.Ignition():
		state = model.StateStopped
	case ec.Speed() > 0:
		state = model.StateMoving
	default:
		state = model.StateIdle
	}
	ec.State.VehicleState = state

	ign := ec.Ignition()
	ec.State.LastIgnition = &ign
	return nil
}

// DistanceCalc computes the haversine segment to the previous position and
// filters out implausible jumps.
type DistanceCalc struct{}

func (*DistanceCalc) Name() string             { return "distance" }
func (*DistanceCalc) Category() string         { return "core" }
func (*DistanceCalc) FormulaVersion() string   { return "v1" }
func (*DistanceCalc) RequiresSensors() []string { return nil }

func (c *DistanceCalc) Calculate(_ context.Context, ec *Context) error {
	prev := ec.Prev
	if prev.LastLatitude == nil || prev.LastLongitude == nil {
		return nil
	}
	maxSpeed, _ := ec.ConfigFloat("MAX_SPEED_FILTER")
	speed := ec.Speed()
	if speed <= 0 || (maxSpeed > 0 && speed >= maxSpeed) {
		return nil
	}
	km := geo.HaversineKM(*prev.LastLatitude, *prev.LastLongitude, ec.Point.Latitude, ec.Point.Longitude)
	if km >= maxSegmentKM {
		return nil
	}
	ec.DistanceKM = km
	return nil
}

// SpeedCalc carries no state of its own; the speed violation calculator reads
// the raw record. Present so the chain mirrors the published metric list.
type SpeedCalc struct{}

func (*SpeedCalc) Name() string             { return "speed" }
func (*SpeedCalc) Category() string         { return "core" }
func (*SpeedCalc) FormulaVersion() string   { return "v1" }
func (*SpeedCalc) RequiresSensors() []string { return nil }

func (c *SpeedCalc) Calculate(context.Context, *Context) error { return nil }

// DurationCalc opens the idle window when the vehicle enters idle and closes
// it on any other state.
type DurationCalc struct{}

func (*DurationCalc) Name() string             { return "duration" }
func (*DurationCalc) Category() string         { return "core" }
func (*DurationCalc) FormulaVersion() string   { return "v1" }
func (*DurationCalc) RequiresSensors() []string { return nil }

func (c *DurationCalc) Calculate(_ context.Context, ec *Context) error {
	if ec.State.VehicleState == model.StateIdle {
		if ec.State.IdleStartTime == nil {
			at := ec.Point.GPSTime
			ec.State.IdleStartTime = &at
		}
		return nil
	}
	ec.State.IdleStartTime = nil
	return nil
}
