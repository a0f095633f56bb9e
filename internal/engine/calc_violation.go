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
	"strings"
	"time"

	"github.com/navtrace/navtrace/internal/model"
)

// SpeedViolationCalc tracks a speeding episode against the posted limit of
// the matched road, or the maximum configured limit when no road matches.
type SpeedViolationCalc struct {
	roads Lookup
}

func (*SpeedViolationCalc) Name() string             { return "speed_violation" }
func (*SpeedViolationCalc) Category() string         { return "violation" }
func (*SpeedViolationCalc) FormulaVersion() string   { return "v2" }
func (*SpeedViolationCalc) RequiresSensors() []string { return nil }

func (c *SpeedViolationCalc) limit(ctx context.Context, ec *Context) (float64, string, error) {
	limit, roadType, err := c.roads.RoadSpeedLimit(ctx, ec.Point.Latitude, ec.Point.Longitude)
	if err != nil {
		return 0, "", err
	}
	if limit != nil {
		return *limit, roadType, nil
	}
	// No road match: be lenient, use the highest configured limit.
	max := 0.0
	for _, key := range []string{"SPEED_LIMIT_CITY", "SPEED_LIMIT_HIGHWAY", "SPEED_LIMIT_MOTORWAY"} {
		if v, ok := ec.ConfigFloat(key); ok && v > max {
			max = v
		}
	}
	return max, "", nil
}

func (c *SpeedViolationCalc) Calculate(ctx context.Context, ec *Context) error {
	limit, roadType, err := c.limit(ctx, ec)
	if err != nil {
		return err
	}
	speed := ec.Speed()

	if limit <= 0 || speed <= limit {
		// Back under the limit: the episode is over, but it still counts if it
		// ran long enough before ending.
		c.closeEpisode(ec, limit, roadType)
		return nil
	}

	if ec.State.SpeedingStartTime == nil {
		at := ec.Point.GPSTime
		ec.State.SpeedingStartTime = &at
		ec.State.SpeedingMaxSpeed = &speed
		return nil
	}
	if ec.State.SpeedingMaxSpeed == nil || speed > *ec.State.SpeedingMaxSpeed {
		ec.State.SpeedingMaxSpeed = &speed
	}

	minDuration, _ := ec.ConfigSeconds("MIN_DURATION_SPEED")
	elapsed := ec.Point.GPSTime.Sub(*ec.State.SpeedingStartTime)
	if elapsed < minDuration {
		return nil
	}

	c.emit(ec, limit, roadType, elapsed, *ec.State.SpeedingMaxSpeed)
	// One event per episode; continued speeding opens a fresh window.
	ec.State.SpeedingStartTime = nil
	ec.State.SpeedingMaxSpeed = nil
	return nil
}

// closeEpisode ends an open speeding window when the speed drops back under
// the limit, emitting the episode if it lasted at least MIN_DURATION_SPEED.
func (c *SpeedViolationCalc) closeEpisode(ec *Context, limit float64, roadType string) {
	if ec.State.SpeedingStartTime == nil {
		return
	}
	minDuration, _ := ec.ConfigSeconds("MIN_DURATION_SPEED")
	elapsed := ec.Point.GPSTime.Sub(*ec.State.SpeedingStartTime)
	if elapsed >= minDuration && ec.State.SpeedingMaxSpeed != nil {
		c.emit(ec, limit, roadType, elapsed, *ec.State.SpeedingMaxSpeed)
	}
	ec.State.SpeedingStartTime = nil
	ec.State.SpeedingMaxSpeed = nil
}

func (c *SpeedViolationCalc) emit(ec *Context, limit float64, roadType string, elapsed time.Duration, maxSpeed float64) {
	duration := elapsed.Seconds()
	meta := map[string]any{}
	if roadType != "" {
		meta["road_type"] = roadType
	}
	ec.Emit(&model.MetricEvent{
		Category:    model.CategorySpeed,
		EventType:   model.EventOverspeed,
		Value:       &maxSpeed,
		Threshold:   &limit,
		DurationSec: &duration,
		Metadata:    meta,
	})
}

// IdleViolationCalc fires when the idle window opened by the duration
// calculator exceeds IDLE_MAX.
type IdleViolationCalc struct{}

func (*IdleViolationCalc) Name() string             { return "idle_violation" }
func (*IdleViolationCalc) Category() string         { return "violation" }
func (*IdleViolationCalc) FormulaVersion() string   { return "v1" }
func (*IdleViolationCalc) RequiresSensors() []string { return nil }

func (c *IdleViolationCalc) Calculate(_ context.Context, ec *Context) error {
	if ec.State.IdleStartTime == nil {
		return nil
	}
	idleMax, ok := ec.ConfigSeconds("IDLE_MAX")
	if !ok {
		return nil
	}
	elapsed := ec.Point.GPSTime.Sub(*ec.State.IdleStartTime)
	if elapsed < idleMax {
		return nil
	}
	duration := elapsed.Seconds()
	threshold := idleMax.Seconds()
	ec.Emit(&model.MetricEvent{
		Category:    model.CategoryDriving,
		EventType:   model.EventIdleViolation,
		Value:       &duration,
		Threshold:   &threshold,
		DurationSec: &duration,
	})
	// Restart the window so a continued idle re-fires after another IDLE_MAX.
	at := ec.Point.GPSTime
	ec.State.IdleStartTime = &at
	return nil
}

// SeatbeltViolationCalc accumulates unbuckled driving above the speed
// threshold and fires at either the duration or the distance cap.
type SeatbeltViolationCalc struct{}

func (*SeatbeltViolationCalc) Name() string             { return "seatbelt_violation" }
func (*SeatbeltViolationCalc) Category() string         { return "violation" }
func (*SeatbeltViolationCalc) FormulaVersion() string   { return "v1" }
func (*SeatbeltViolationCalc) RequiresSensors() []string { return []string{"seatbelt"} }

func unbuckled(p *model.TrackPoint) bool {
	if p.Seatbelt != nil {
		return !*p.Seatbelt
	}
	return strings.Contains(strings.ToLower(p.Status), "seatbelt")
}

func (c *SeatbeltViolationCalc) reset(ec *Context) {
	ec.State.SeatbeltStartTime = nil
	ec.State.SeatbeltDistanceKM = 0
}

func (c *SeatbeltViolationCalc) Calculate(_ context.Context, ec *Context) error {
	speedThreshold, _ := ec.ConfigFloat("SEATBELT_SPEED_THRESHOLD")
	if ec.Speed() <= speedThreshold || !unbuckled(ec.Point) {
		c.reset(ec)
		return nil
	}

	if ec.State.SeatbeltStartTime == nil {
		at := ec.Point.GPSTime
		ec.State.SeatbeltStartTime = &at
		ec.State.SeatbeltDistanceKM = 0
		return nil
	}
	ec.State.SeatbeltDistanceKM += ec.DistanceKM

	maxDuration, _ := ec.ConfigSeconds("SEATBELT_MAX_DURATION")
	maxDistance, _ := ec.ConfigFloat("SEATBELT_MAX_DISTANCE")
	elapsed := ec.Point.GPSTime.Sub(*ec.State.SeatbeltStartTime)

	overDuration := maxDuration > 0 && elapsed >= maxDuration
	overDistance := maxDistance > 0 && ec.State.SeatbeltDistanceKM >= maxDistance
	if !overDuration && !overDistance {
		return nil
	}

	duration := elapsed.Seconds()
	distance := ec.State.SeatbeltDistanceKM
	ec.Emit(&model.MetricEvent{
		Category:    model.CategoryDriving,
		EventType:   model.EventSeatbeltViolation,
		Value:       &distance,
		DurationSec: &duration,
		Metadata:    map[string]any{"distance_km": distance},
	})
	c.reset(ec)
	return nil
}

// HarshViolationCalc is event-driven off the status text the tracker sends
// for harsh maneuvers; the green-driving score rides along as the value.
type HarshViolationCalc struct{}

func (*HarshViolationCalc) Name() string             { return "harsh_violation" }
func (*HarshViolationCalc) Category() string         { return "violation" }
func (*HarshViolationCalc) FormulaVersion() string   { return "v1" }
func (*HarshViolationCalc) RequiresSensors() []string { return nil }

func (c *HarshViolationCalc) Calculate(_ context.Context, ec *Context) error {
	status := strings.ToLower(ec.Point.Status)
	var eventType string
	switch {
	case strings.Contains(status, "harsh braking"):
		eventType = model.EventHarshBrake
	case strings.Contains(status, "harsh acceleration"):
		eventType = model.EventHarshAccel
	case strings.Contains(status, "harsh cornering"):
		eventType = model.EventHarshCorner
	default:
		return nil
	}
	ec.Emit(&model.MetricEvent{
		Category:  model.CategoryDriving,
		EventType: eventType,
		Value:     ec.Point.DrivingScore,
	})
	return nil
}

// DrivingTimeViolationCalc tracks continuous-driving sessions, rest breaks,
// and night driving.
type DrivingTimeViolationCalc struct{}

func (*DrivingTimeViolationCalc) Name() string             { return "driving_time_violation" }
func (*DrivingTimeViolationCalc) Category() string         { return "violation" }
func (*DrivingTimeViolationCalc) FormulaVersion() string   { return "v1" }
func (*DrivingTimeViolationCalc) RequiresSensors() []string { return nil }

// inNightWindow handles windows that cross midnight ("22:00".."05:00").
func inNightWindow(t time.Time, start, end string) bool {
	parse := func(s string) (int, bool) {
		hm, err := time.Parse("15:04", s)
		if err != nil {
			return 0, false
		}
		return hm.Hour()*60 + hm.Minute(), true
	}
	from, ok1 := parse(start)
	to, ok2 := parse(end)
	if !ok1 || !ok2 {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	if from <= to {
		return now >= from && now < to
	}
	return now >= from || now < to
}

func (c *DrivingTimeViolationCalc) Calculate(_ context.Context, ec *Context) error {
	moving := ec.State.VehicleState == model.StateMoving
	now := ec.Point.GPSTime

	if moving {
		if ec.State.RestStartTime != nil {
			// Back on the road: was the break long enough?
			minRest, _ := ec.ConfigSeconds("MIN_REST_DURATION")
			rested := now.Sub(*ec.State.RestStartTime)
			if minRest > 0 && rested < minRest && ec.State.DrivingStartTime != nil {
				duration := rested.Seconds()
				threshold := minRest.Seconds()
				ec.Emit(&model.MetricEvent{
					Category:    model.CategoryDriving,
					EventType:   model.EventRestTimeViolation,
					Value:       &duration,
					Threshold:   &threshold,
					DurationSec: &duration,
				})
			} else {
				// Proper rest ends the previous session.
				ec.State.DrivingStartTime = nil
				ec.State.DrivingDistanceKM = 0
			}
			ec.State.RestStartTime = nil
		}

		if ec.State.DrivingStartTime == nil {
			ec.State.DrivingStartTime = &now
			ec.State.DrivingDistanceKM = 0
		}
		ec.State.DrivingDistanceKM += ec.DistanceKM

		maxHours, _ := ec.ConfigFloat("MAX_DRIVING_HOURS")
		maxKM, _ := ec.ConfigFloat("MAX_DRIVING_DISTANCE")
		elapsed := now.Sub(*ec.State.DrivingStartTime)

		overHours := maxHours > 0 && elapsed >= time.Duration(maxHours*float64(time.Hour))
		overKM := maxKM > 0 && ec.State.DrivingDistanceKM >= maxKM
		if overHours || overKM {
			duration := elapsed.Seconds()
			distance := ec.State.DrivingDistanceKM
			ec.Emit(&model.MetricEvent{
				Category:    model.CategoryDriving,
				EventType:   model.EventContinuousDriving,
				Value:       &distance,
				DurationSec: &duration,
				Metadata:    map[string]any{"distance_km": distance},
			})
			ec.State.DrivingStartTime = &now
			ec.State.DrivingDistanceKM = 0
		}

		nightStart, _ := ec.Config.String("NIGHT_START")
		nightEnd, _ := ec.Config.String("NIGHT_END")
		if inNightWindow(now, nightStart, nightEnd) {
			// Emit only on entry so a night drive yields one event.
			prevInWindow := ec.Prev.LastProcessedGPSTime != nil &&
				inNightWindow(*ec.Prev.LastProcessedGPSTime, nightStart, nightEnd) &&
				ec.Prev.VehicleState == model.StateMoving
			if !prevInWindow {
				ec.Emit(&model.MetricEvent{
					Category:  model.CategoryDriving,
					EventType: model.EventNightDriving,
				})
			}
		}
		return nil
	}

	// Not moving: a driving session in progress starts (or continues) a rest.
	if ec.State.DrivingStartTime != nil && ec.State.RestStartTime == nil {
		ec.State.RestStartTime = &now
	}
	return nil
}
