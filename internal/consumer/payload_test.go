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
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"gotest.tools/v3/assert"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestParseTrackPointCoercesMixedNumericTypes(t *testing.T) {
	body := []byte(`{
		"vendor": "teltonika",
		"imei": "356789012345678",
		"gps_time": "2025-06-01 11:59:30",
		"record_type": "trackdata",
		"data": {
			"latitude": "24.8607",
			"longitude": 67.0011,
			"speed": 45,
			"fuel": "61.5",
			"satellites": "9",
			"ignition": "1",
			"dallas_temperature_1": "",
			"io_239": 1,
			"status": "Moving"
		}
	}`)
	p, reason, err := ParseTrackPoint(body, now)
	assert.NilError(t, err)
	assert.Equal(t, "", reason)

	assert.Equal(t, int64(356789012345678), p.IMEI)
	assert.Equal(t, time.Date(2025, 6, 1, 11, 59, 30, 0, time.UTC), p.GPSTime)
	assert.Equal(t, 24.8607, p.Latitude)
	assert.Equal(t, 67.0011, p.Longitude)
	assert.Equal(t, 45.0, *p.Speed)
	assert.Equal(t, 61.5, *p.Fuel)
	assert.Equal(t, int64(9), *p.Satellites)
	assert.Assert(t, *p.Ignition)
	// Empty string means the sensor reported nothing, not zero.
	assert.Assert(t, p.DallasTemperature1 == nil)
	// Unmapped keys land in the dynamic I/O bag.
	assert.Equal(t, 1.0, p.DynamicIO["io_239"])
}

func TestParseTrackPointValidation(t *testing.T) {
	cases := []struct {
		name   string
		data   string
		reason string
	}{
		{"gps zero", `{"latitude": 0, "longitude": 0}`, ReasonInvalidGPSZero},
		{"bad latitude", `{"latitude": 91.2, "longitude": 67}`, ReasonInvalidLatitude},
		{"bad longitude", `{"latitude": 24, "longitude": -181}`, ReasonInvalidLongitude},
		{"negative speed", `{"latitude": 24, "longitude": 67, "speed": -5}`, ReasonInvalidSpeedNegative},
		{"implausible speed", `{"latitude": 24, "longitude": 67, "speed": 251}`, ReasonInvalidSpeedMax},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := []byte(`{"imei": 356789, "gps_time": "2025-06-01T11:59:30Z", "data": ` + tc.data + `}`)
			_, reason, err := ParseTrackPoint(body, now)
			assert.Assert(t, err != nil)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestParseTrackPointMissingIMEI(t *testing.T) {
	body := []byte(`{"gps_time": "2025-06-01T11:59:30Z", "data": {"latitude": 24, "longitude": 67}}`)
	_, reason, err := ParseTrackPoint(body, now)
	assert.Assert(t, err != nil)
	assert.Equal(t, ReasonMissingIMEI, reason)
}

func TestParseAlarmCarriesRouting(t *testing.T) {
	body := []byte(`{
		"imei": 356789,
		"gps_time": "2025-06-01T11:59:30Z",
		"vendor": "camera",
		"data": {
			"latitude": 24.8, "longitude": 67.0,
			"alarm_type": "Driver Fatigue", "category": "Safety",
			"priority": "8", "is_sms": 1, "is_email": false
		}
	}`)
	a, reason, err := ParseAlarm(body, now)
	assert.NilError(t, err)
	assert.Equal(t, "", reason)
	assert.Equal(t, "Driver Fatigue", a.AlarmType)
	assert.Equal(t, 8, a.Priority)
	assert.Assert(t, a.SMS)
	assert.Assert(t, !a.Email)
}

func TestMessageIDPreference(t *testing.T) {
	// Broker id wins.
	d := &amqp.Delivery{MessageId: "broker-1", Body: []byte(`{"message_id": "payload-1"}`)}
	assert.Equal(t, "broker-1", MessageID(d))

	// Payload id next.
	d = &amqp.Delivery{Body: []byte(`{"message_id": "payload-1"}`)}
	assert.Equal(t, "payload-1", MessageID(d))

	// Identical bodies hash identically.
	d1 := &amqp.Delivery{Body: []byte(`{"imei": 1}`)}
	d2 := &amqp.Delivery{Body: []byte(`{"imei": 1}`)}
	assert.Equal(t, MessageID(d1), MessageID(d2))
	assert.Assert(t, MessageID(d1) != MessageID(&amqp.Delivery{Body: []byte(`{"imei": 2}`)}))
}

func TestParseGPSTimeNaiveIsUTC(t *testing.T) {
	got, err := parseGPSTime("2025-06-01 08:00:00")
	assert.NilError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC), got)
}
