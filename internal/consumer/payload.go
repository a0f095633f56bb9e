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

package consumer

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/navtrace/navtrace/internal/model"
)

// Validation failure reasons recorded with invalid records.
const (
	ReasonInvalidGPSZero       = "invalid_gps_zero"
	ReasonInvalidLatitude      = "invalid_latitude"
	ReasonInvalidLongitude     = "invalid_longitude"
	ReasonInvalidSpeedNegative = "invalid_speed_negative"
	ReasonInvalidSpeedMax      = "invalid_speed_max"
	ReasonMissingIMEI          = "missing_imei"
	ReasonUnparseable          = "unparseable"
)

const maxPlausibleSpeed = 250

// envelope is the normalized record shape every producer publishes:
// routing metadata at the top level, the sample fields under data.
type envelope struct {
	Vendor     string         `json:"vendor"`
	IMEI       any            `json:"imei"`
	GPSTime    string         `json:"gps_time"`
	RecordType string         `json:"record_type"`
	MessageID  string         `json:"message_id"`
	Data       map[string]any `json:"data"`
}

// MessageID prefers the broker-assigned id, then the payload's own, then an
// MD5 of the body so retransmits of identical bytes still dedup.
func MessageID(d *amqp.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	var env envelope
	if err := json.Unmarshal(d.Body, &env); err == nil && env.MessageID != "" {
		return env.MessageID
	}
	sum := md5.Sum(d.Body)
	return hex.EncodeToString(sum[:])
}

// asFloat coerces string, int, and float representations uniformly. Empty
// strings and absent keys are NULL, not zero.
func asFloat(v any) *float64 {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		return &x
	case int:
		f := float64(x)
		return &f
	case int64:
		f := float64(x)
		return &f
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return &f
		}
	case string:
		if strings.TrimSpace(x) == "" {
			return nil
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return &f
		}
	}
	return nil
}

func asInt64(v any) *int64 {
	f := asFloat(v)
	if f == nil {
		return nil
	}
	n := int64(*f)
	return &n
}

func asBool(v any) *bool {
	switch x := v.(type) {
	case bool:
		return &x
	case float64:
		b := x != 0
		return &b
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "on", "yes":
			b := true
			return &b
		case "0", "false", "off", "no":
			b := false
			return &b
		}
	}
	return nil
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// parseGPSTime accepts the producer time formats and normalizes to naive UTC.
func parseGPSTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized gps_time %q", s)
}

// columnKeys are data fields with dedicated columns; everything else lands in
// the dynamic I/O bag.
var columnKeys = map[string]bool{
	"latitude": true, "longitude": true, "altitude": true, "heading": true,
	"satellites": true, "speed": true, "status": true,
	"ignition": true, "seatbelt": true, "fuel": true,
	"dallas_temperature_1": true, "dallas_temperature_2": true,
	"dallas_temperature_3": true, "dallas_temperature_4": true,
	"ble_temperature_1": true, "ble_temperature_2": true,
	"ble_temperature_3": true, "ble_temperature_4": true,
	"ble_humidity_1": true, "ble_humidity_2": true,
	"ble_humidity_3": true, "ble_humidity_4": true,
	"driving_score": true, "landmark_id": true, "landmark_distance": true,
	"alarm_type": true, "category": true, "priority": true,
	"is_sms": true, "is_email": true, "is_call": true, "scheduled_at": true,
	"event_type": true, "photo_url": true, "video_url": true,
}

// ParseTrackPoint decodes and validates one trackdata payload. A non-empty
// reason means the record must be parked in the invalid queue.
func ParseTrackPoint(body []byte, now time.Time) (*model.TrackPoint, string, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, ReasonUnparseable, fmt.Errorf("decoding payload: %w", err)
	}

	imei := asInt64(env.IMEI)
	if imei == nil || *imei <= 0 {
		return nil, ReasonMissingIMEI, fmt.Errorf("payload has no usable imei")
	}
	gpsTime, err := parseGPSTime(env.GPSTime)
	if err != nil {
		return nil, ReasonUnparseable, err
	}

	data := env.Data
	p := &model.TrackPoint{
		IMEI:       *imei,
		GPSTime:    gpsTime,
		ServerTime: now.UTC(),
		Vendor:     env.Vendor,
		Status:     asString(data["status"]),
		Valid:      true,
	}
	if lat := asFloat(data["latitude"]); lat != nil {
		p.Latitude = *lat
	}
	if lon := asFloat(data["longitude"]); lon != nil {
		p.Longitude = *lon
	}
	p.Altitude = asFloat(data["altitude"])
	p.Heading = asFloat(data["heading"])
	p.Satellites = asInt64(data["satellites"])
	p.Speed = asFloat(data["speed"])
	p.Ignition = asBool(data["ignition"])
	p.Seatbelt = asBool(data["seatbelt"])
	p.Fuel = asFloat(data["fuel"])
	p.DallasTemperature1 = asFloat(data["dallas_temperature_1"])
	p.DallasTemperature2 = asFloat(data["dallas_temperature_2"])
	p.DallasTemperature3 = asFloat(data["dallas_temperature_3"])
	p.DallasTemperature4 = asFloat(data["dallas_temperature_4"])
	p.BLETemperature1 = asFloat(data["ble_temperature_1"])
	p.BLETemperature2 = asFloat(data["ble_temperature_2"])
	p.BLETemperature3 = asFloat(data["ble_temperature_3"])
	p.BLETemperature4 = asFloat(data["ble_temperature_4"])
	p.BLEHumidity1 = asFloat(data["ble_humidity_1"])
	p.BLEHumidity2 = asFloat(data["ble_humidity_2"])
	p.BLEHumidity3 = asFloat(data["ble_humidity_3"])
	p.BLEHumidity4 = asFloat(data["ble_humidity_4"])
	p.DrivingScore = asFloat(data["driving_score"])
	p.LandmarkID = asInt64(data["landmark_id"])
	p.LandmarkDistance = asFloat(data["landmark_distance"])

	for k, v := range data {
		if columnKeys[k] || v == nil {
			continue
		}
		if p.DynamicIO == nil {
			p.DynamicIO = map[string]any{}
		}
		p.DynamicIO[k] = v
	}

	if reason := validatePosition(p); reason != "" {
		return nil, reason, fmt.Errorf("record failed validation: %s", reason)
	}
	return p, "", nil
}

func validatePosition(p *model.TrackPoint) string {
	if p.Latitude == 0 && p.Longitude == 0 {
		return ReasonInvalidGPSZero
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return ReasonInvalidLatitude
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return ReasonInvalidLongitude
	}
	if p.Speed != nil {
		if *p.Speed < 0 {
			return ReasonInvalidSpeedNegative
		}
		if *p.Speed > maxPlausibleSpeed {
			return ReasonInvalidSpeedMax
		}
	}
	return ""
}

// ParseAlarm decodes an alarm payload, which is a trackpoint plus routing.
func ParseAlarm(body []byte, now time.Time) (*model.Alarm, string, error) {
	point, reason, err := ParseTrackPoint(body, now)
	if err != nil {
		return nil, reason, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, ReasonUnparseable, err
	}
	data := env.Data

	a := &model.Alarm{
		TrackPoint: *point,
		AlarmType:  asString(data["alarm_type"]),
		Category:   asString(data["category"]),
	}
	if p := asInt64(data["priority"]); p != nil {
		a.Priority = int(*p)
	}
	if v := asBool(data["is_sms"]); v != nil {
		a.SMS = *v
	}
	if v := asBool(data["is_email"]); v != nil {
		a.Email = *v
	}
	if v := asBool(data["is_call"]); v != nil {
		a.Call = *v
	}
	if s := asString(data["scheduled_at"]); s != "" {
		if at, err := parseGPSTime(s); err == nil {
			a.ScheduledAt = &at
		}
	}
	// Routing fields have columns; anything left in the bag is genuine I/O.
	a.State = nil
	return a, "", nil
}

// ParseEvent decodes an event payload. Events carry no speed plausibility
// window and may legitimately sit at a depot with GPS (0,0) filtered already
// upstream, so only imei and time are validated.
func ParseEvent(body []byte, now time.Time) (*model.Event, string, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, ReasonUnparseable, fmt.Errorf("decoding payload: %w", err)
	}
	imei := asInt64(env.IMEI)
	if imei == nil || *imei <= 0 {
		return nil, ReasonMissingIMEI, fmt.Errorf("payload has no usable imei")
	}
	gpsTime, err := parseGPSTime(env.GPSTime)
	if err != nil {
		return nil, ReasonUnparseable, err
	}

	data := env.Data
	e := &model.Event{
		IMEI:      *imei,
		GPSTime:   gpsTime,
		EventType: asString(data["event_type"]),
		Status:    asString(data["status"]),
		Vendor:    env.Vendor,
		Speed:     asFloat(data["speed"]),
	}
	if lat := asFloat(data["latitude"]); lat != nil {
		e.Latitude = *lat
	}
	if lon := asFloat(data["longitude"]); lon != nil {
		e.Longitude = *lon
	}
	if s := asString(data["photo_url"]); s != "" {
		e.PhotoURL = &s
	}
	if s := asString(data["video_url"]); s != "" {
		e.VideoURL = &s
	}
	return e, "", nil
}
