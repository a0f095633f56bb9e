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

// IgnitionTripCalc opens a trip on an ignition-on edge and closes it on
// ignition-off.
type IgnitionTripCalc struct{}

func (*IgnitionTripCalc) Name() string             { return "ignition_trip" }
func (*IgnitionTripCalc) Category() string         { return "trip" }
func (*IgnitionTripCalc) FormulaVersion() string   { return "v1" }
func (*IgnitionTripCalc) RequiresSensors() []string { return nil }

func (c *IgnitionTripCalc) Calculate(_ context.Context, ec *Context) error {
	ignition := ec.Ignition()
	prev := ec.Prev.LastIgnition

	switch {
	case ignition && !ec.State.TripInProgress && (prev == nil || !*prev):
		ec.RequestTrip(&TripAction{Kind: TripStart, TripType: model.TripIgnitionBased})
	case !ignition && ec.State.TripInProgress && ec.State.CurrentTripID != nil && prev != nil && *prev:
		ec.RequestTrip(&TripAction{Kind: TripEnd, Status: model.TripCompleted})
	}
	return nil
}

// StoppageCalc logs stops during an active trip once they outlast
// STOP_THRESHOLD.
type StoppageCalc struct{}

func (*StoppageCalc) Name() string             { return "stoppage" }
func (*StoppageCalc) Category() string         { return "trip" }
func (*StoppageCalc) FormulaVersion() string   { return "v1" }
func (*StoppageCalc) RequiresSensors() []string { return nil }

func (c *StoppageCalc) Calculate(_ context.Context, ec *Context) error {
	if !ec.State.TripInProgress || ec.State.CurrentTripID == nil {
		ec.State.StoppageStartTime = nil
		return nil
	}
	now := ec.Point.GPSTime

	if ec.Speed() == 0 {
		if ec.State.StoppageStartTime == nil {
			ec.State.StoppageStartTime = &now
			ec.State.StoppageLatitude = &ec.Point.Latitude
			ec.State.StoppageLongitude = &ec.Point.Longitude
		}
		return nil
	}

	if ec.State.StoppageStartTime == nil {
		return nil
	}
	threshold, _ := ec.ConfigSeconds("STOP_THRESHOLD")
	if elapsed := now.Sub(*ec.State.StoppageStartTime); elapsed >= threshold {
		entry := &model.TripStoppageLog{
			TripID:    *ec.State.CurrentTripID,
			StartTime: *ec.State.StoppageStartTime,
			EndTime:   now,
			Type:      model.StoppageStop,
		}
		if ec.State.StoppageLatitude != nil {
			entry.Latitude = *ec.State.StoppageLatitude
		}
		if ec.State.StoppageLongitude != nil {
			entry.Longitude = *ec.State.StoppageLongitude
		}
		if len(ec.Prev.CurrentFenceIDs) > 0 {
			id := ec.Prev.CurrentFenceIDs[0]
			entry.InsideFenceID = &id
		}
		ec.AddStoppage(entry)
	}
	ec.State.StoppageStartTime = nil
	ec.State.StoppageLatitude = nil
	ec.State.StoppageLongitude = nil
	return nil
}

// FenceWiseTripCalc progresses manually created origin→destination trips:
// the origin exit is recorded when the device leaves the origin fence, and
// arrival at the destination fence completes the trip.
type FenceWiseTripCalc struct {
	trips Lookup
}

func (*FenceWiseTripCalc) Name() string             { return "fence_wise_trip" }
func (*FenceWiseTripCalc) Category() string         { return "trip" }
func (*FenceWiseTripCalc) FormulaVersion() string   { return "v1" }
func (*FenceWiseTripCalc) RequiresSensors() []string { return nil }

func (c *FenceWiseTripCalc) Calculate(ctx context.Context, ec *Context) error {
	trip, ext, err := c.trips.FenceWiseTripPlan(ctx, ec.IMEI)
	if err != nil {
		return err
	}
	if trip == nil || ext == nil {
		return nil
	}

	wasInOrigin := ec.Prev.InFence(ext.OriginFenceID)
	inOriginNow := ec.State.InFence(ext.OriginFenceID)
	inDestNow := ec.State.InFence(ext.DestinationFenceID)

	if ext.SourceExitTime == nil && wasInOrigin && !inOriginNow {
		at := ec.Point.GPSTime
		ec.State.SourceExitTime = &at
		ec.RequestTrip(&TripAction{Kind: TripFenceExit, TripID: trip.ID})
		return nil
	}
	if ext.DestinationArrivalTime == nil && inDestNow {
		at := ec.Point.GPSTime
		ec.State.DestinationArrivalTime = &at
		ec.RequestTrip(&TripAction{Kind: TripFenceArrive, TripID: trip.ID, Status: model.TripCompleted})
	}
	return nil
}

// RoundTripCalc starts a round trip when its upload sheet comes due and
// scores time compliance at the destination.
type RoundTripCalc struct {
	sheets Lookup
}

func (*RoundTripCalc) Name() string             { return "round_trip" }
func (*RoundTripCalc) Category() string         { return "trip" }
func (*RoundTripCalc) FormulaVersion() string   { return "v1" }
func (*RoundTripCalc) RequiresSensors() []string { return nil }

func (c *RoundTripCalc) Calculate(ctx context.Context, ec *Context) error {
	if ec.VehicleID == 0 {
		return nil
	}
	now := ec.Point.GPSTime

	if !ec.State.TripInProgress {
		if ec.tripAction != nil {
			return nil
		}
		sheet, err := c.sheets.NextUploadSheet(ctx, ec.VehicleID, now)
		if err != nil {
			return err
		}
		if sheet == nil {
			return nil
		}
		ec.RequestTrip(&TripAction{
			Kind:          TripStart,
			TripType:      model.TripRoundTrip,
			UploadSheetID: sheet.ID,
			DestinationID: sheet.DestinationID,
		})
		return nil
	}

	if ec.State.CurrentTripID == nil {
		return nil
	}
	ext, err := c.sheets.TripRoundExtension(ctx, *ec.State.CurrentTripID)
	if err != nil {
		return err
	}
	if ext == nil {
		return nil
	}
	sheet, err := c.sheets.UploadSheetByID(ctx, ext.UploadSheetID)
	if err != nil || sheet == nil {
		return err
	}

	threshold, _ := ec.ConfigFloat("DEVIATION_THRESHOLD")
	if threshold <= 0 {
		threshold = 100
	}
	distM := geo.HaversineM(ec.Point.Latitude, ec.Point.Longitude, sheet.DestLatitude, sheet.DestLongitude)

	if ext.ArrivalTime == nil {
		if distM <= threshold {
			ec.RequestTrip(&TripAction{Kind: TripRoundArrive, TripID: ext.TripID})
		}
		return nil
	}
	if ext.DepartureTime == nil && distM > threshold {
		compliance := "Non-Compliant"
		minInside, _ := ec.ConfigSeconds("TIME_COMPLIANCE_THRESHOLD")
		inside := now.Sub(*ext.ArrivalTime)
		if inside >= minInside {
			compliance = "Compliant"
		} else {
			sec := inside.Seconds()
			threshold := minInside.Seconds()
			tripID := ext.TripID
			ec.Emit(&model.MetricEvent{
				Category:    model.CategoryTrip,
				EventType:   model.EventTimeNonCompliance,
				Value:       &sec,
				Threshold:   &threshold,
				DurationSec: &sec,
				TripID:      &tripID,
			})
		}
		ec.RequestTrip(&TripAction{
			Kind:           TripRoundDepart,
			TripID:         ext.TripID,
			Status:         model.TripCompleted,
			TimeCompliance: compliance,
		})
	}
	return nil
}

// RouteTripCalc opens a route trip when an assigned vehicle is on its
// polyline and closes it as Deviated once it strays past the threshold.
type RouteTripCalc struct {
	routes Lookup
}

func (*RouteTripCalc) Name() string             { return "route_trip" }
func (*RouteTripCalc) Category() string         { return "trip" }
func (*RouteTripCalc) FormulaVersion() string   { return "v1" }
func (*RouteTripCalc) RequiresSensors() []string { return nil }

func (c *RouteTripCalc) Calculate(ctx context.Context, ec *Context) error {
	if ec.VehicleID == 0 {
		return nil
	}
	assignmentID, routeID, err := c.routes.ActiveRouteAssignment(ctx, ec.VehicleID)
	if err != nil {
		return err
	}
	if routeID == 0 {
		return nil
	}

	threshold, _ := ec.ConfigFloat("DEVIATION_THRESHOLD")
	if threshold <= 0 {
		threshold = 100
	}
	deviation, err := c.routes.RouteDeviationM(ctx, routeID, ec.Point.Latitude, ec.Point.Longitude)
	if err != nil {
		return err
	}

	if !ec.State.TripInProgress {
		if ec.tripAction == nil && deviation <= threshold {
			ec.RequestTrip(&TripAction{
				Kind:              TripStart,
				TripType:          model.TripRouteBased,
				RouteID:           routeID,
				RouteAssignmentID: assignmentID,
			})
		}
		return nil
	}

	if ec.State.CurrentTripID == nil || deviation <= threshold {
		return nil
	}
	ext, err := c.routes.TripRouteExtension(ctx, *ec.State.CurrentTripID)
	if err != nil {
		return err
	}
	if ext == nil {
		return nil
	}
	tripID := ext.TripID
	ec.Emit(&model.MetricEvent{
		Category:  model.CategoryTrip,
		EventType: model.EventRouteDeviation,
		Value:     &deviation,
		Threshold: &threshold,
		TripID:    &tripID,
	})
	ec.RequestTrip(&TripAction{Kind: TripEnd, Status: model.TripDeviated, TripID: ext.TripID})
	return nil
}
