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

	"github.com/navtrace/navtrace/internal/model"
	"github.com/navtrace/navtrace/internal/store"
)

// rangeViolation is the shared shape of the temperature and humidity checks:
// a reading outside [min, max] must persist for the duration threshold before
// an event fires, and returning to range clears the window.
func rangeViolation(ec *Context, reading *float64, minKey, maxKey, highEvent, lowEvent string,
	start **time.Time) {
	if reading == nil {
		return
	}
	lo, okLo := ec.ConfigFloat(minKey)
	hi, okHi := ec.ConfigFloat(maxKey)
	if !okLo || !okHi {
		return
	}

	inRange := *reading >= lo && *reading <= hi
	if inRange {
		*start = nil
		return
	}

	now := ec.Point.GPSTime
	if *start == nil {
		*start = &now
		return
	}
	threshold, _ := ec.ConfigSeconds("SENSOR_DURATION_THRESHOLD")
	elapsed := now.Sub(**start)
	if elapsed < threshold {
		return
	}

	eventType := highEvent
	boundary := hi
	if *reading < lo {
		eventType = lowEvent
		boundary = lo
	}
	duration := elapsed.Seconds()
	ec.Emit(&model.MetricEvent{
		Category:    model.CategorySensor,
		EventType:   eventType,
		Value:       reading,
		Threshold:   &boundary,
		DurationSec: &duration,
	})
	// Sustained violations re-fire after another full window.
	*start = &now
}

// TemperatureCalc watches the first populated temperature channel, Dallas
// before BLE.
type TemperatureCalc struct{}

func (*TemperatureCalc) Name() string             { return "temperature" }
func (*TemperatureCalc) Category() string         { return "sensor" }
func (*TemperatureCalc) FormulaVersion() string   { return "v1" }
func (*TemperatureCalc) RequiresSensors() []string { return []string{"temperature"} }

func (c *TemperatureCalc) Calculate(_ context.Context, ec *Context) error {
	rangeViolation(ec, ec.Point.FirstTemperature(), "TEMP_MIN", "TEMP_MAX",
		model.EventTempHigh, model.EventTempLow, &ec.State.TempViolationStart)
	return nil
}

// HumidityCalc watches the first populated BLE humidity channel.
type HumidityCalc struct{}

func (*HumidityCalc) Name() string             { return "humidity" }
func (*HumidityCalc) Category() string         { return "sensor" }
func (*HumidityCalc) FormulaVersion() string   { return "v1" }
func (*HumidityCalc) RequiresSensors() []string { return []string{"humidity"} }

func (c *HumidityCalc) Calculate(_ context.Context, ec *Context) error {
	rangeViolation(ec, ec.Point.FirstHumidity(), "HUMIDITY_MIN", "HUMIDITY_MAX",
		model.EventHumidityHigh, model.EventHumidityLow, &ec.State.HumidityViolationStart)
	return nil
}

// FuelCalc detects fills and thefts from level deltas, translating raw sensor
// units to litres when the vehicle has a calibration table.
type FuelCalc struct {
	calibrations Lookup
}

func (*FuelCalc) Name() string             { return "fuel" }
func (*FuelCalc) Category() string         { return "sensor" }
func (*FuelCalc) FormulaVersion() string   { return "v2" }
func (*FuelCalc) RequiresSensors() []string { return []string{"fuel"} }

// LitersFor interpolates a raw fuel reading inside its calibration segment.
// The second return is false when the reading falls outside every segment.
func LitersFor(points []store.CalibrationPoint, raw float64) (float64, bool) {
	for _, p := range points {
		if raw < p.RawFrom || raw > p.RawTo {
			continue
		}
		span := p.RawTo - p.RawFrom
		if span == 0 {
			return p.LitersFrom, true
		}
		frac := (raw - p.RawFrom) / span
		return p.LitersFrom + frac*(p.LitersTo-p.LitersFrom), true
	}
	return 0, false
}

func (c *FuelCalc) Calculate(ctx context.Context, ec *Context) error {
	cur := ec.Point.Fuel
	if cur == nil {
		return nil
	}
	prev := ec.State.LastFuel
	ec.State.LastFuel = cur
	if prev == nil {
		return nil
	}

	delta := *cur - *prev
	fill, _ := ec.ConfigFloat("FILL_THRESHOLD")
	theft, _ := ec.ConfigFloat("THEFT_THRESHOLD")

	var eventType string
	switch {
	case fill > 0 && delta >= fill:
		eventType = model.EventFuelFill
	case theft > 0 && delta <= -theft:
		eventType = model.EventFuelTheft
	default:
		return nil
	}

	meta := map[string]any{"previous_level": *prev, "current_level": *cur}
	if ec.VehicleID != 0 {
		points, err := c.calibrations.CalibrationPoints(ctx, ec.VehicleID)
		if err != nil {
			return err
		}
		prevL, okPrev := LitersFor(points, *prev)
		curL, okCur := LitersFor(points, *cur)
		if okPrev && okCur {
			meta["fuel_liters"] = curL
			meta["delta_liters"] = curL - prevL
		}
	}

	ec.Emit(&model.MetricEvent{
		Category:  model.CategoryFuel,
		EventType: eventType,
		Value:     &delta,
		Metadata:  meta,
	})
	return nil
}
