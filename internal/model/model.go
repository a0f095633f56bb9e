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

// Package model holds the persistent entities shared by the ingestion
// consumer, metric engine, camera poller, and SMS gateway. All timestamps are
// UTC; (imei, gps_time) is the natural key of the telemetry tables.
package model

import "time"

type RecordType string

const (
	RecordTrackData RecordType = "trackdata"
	RecordAlarm     RecordType = "alarm"
	RecordEvent     RecordType = "event"
)

// TrackPoint is one GPS/telemetry sample. Append-heavy, upserted on the
// (imei, gps_time) key with latest-value-wins per column.
type TrackPoint struct {
	IMEI       int64
	GPSTime    time.Time
	ServerTime time.Time

	Latitude   float64
	Longitude  float64
	Altitude   *float64
	Heading    *float64
	Satellites *int64

	Speed  *float64
	Status string
	Vendor string

	Ignition *bool
	Seatbelt *bool
	Fuel     *float64

	DallasTemperature1 *float64
	DallasTemperature2 *float64
	DallasTemperature3 *float64
	DallasTemperature4 *float64
	BLETemperature1    *float64
	BLETemperature2    *float64
	BLETemperature3    *float64
	BLETemperature4    *float64
	BLEHumidity1       *float64
	BLEHumidity2       *float64
	BLEHumidity3       *float64
	BLEHumidity4       *float64

	DrivingScore *float64

	// DynamicIO carries vendor-specific I/O elements that have no dedicated
	// column; persisted as JSONB.
	DynamicIO map[string]any

	Valid            bool
	LandmarkID       *int64
	LandmarkDistance *float64
}

// FirstTemperature returns the first populated temperature channel, Dallas
// channels before BLE.
func (t *TrackPoint) FirstTemperature() *float64 {
	for _, v := range []*float64{
		t.DallasTemperature1, t.DallasTemperature2, t.DallasTemperature3, t.DallasTemperature4,
		t.BLETemperature1, t.BLETemperature2, t.BLETemperature3, t.BLETemperature4,
	} {
		if v != nil {
			return v
		}
	}
	return nil
}

// FirstHumidity returns the first populated BLE humidity channel.
func (t *TrackPoint) FirstHumidity() *float64 {
	for _, v := range []*float64{t.BLEHumidity1, t.BLEHumidity2, t.BLEHumidity3, t.BLEHumidity4} {
		if v != nil {
			return v
		}
	}
	return nil
}

// Alarm is a TrackPoint that represents a safety or violation event, plus
// notification routing. The *SentAt columns are owned by the dispatcher and
// are never touched by ingestion upserts.
type Alarm struct {
	TrackPoint

	ID        int64
	AlarmType string
	Category  string
	Priority  int

	SMS   bool
	Email bool
	Call  bool

	ScheduledAt *time.Time
	SMSSentAt   *time.Time
	EmailSentAt *time.Time
	CallSentAt  *time.Time

	RetryCount int
	State      map[string]any
}

// Event is a non-alarm status transition with optional media.
type Event struct {
	IMEI      int64
	GPSTime   time.Time
	EventType string
	Status    string
	Vendor    string
	Latitude  float64
	Longitude float64
	Speed     *float64
	PhotoURL  *string
	VideoURL  *string
}

// VehicleState values produced by the metric engine.
const (
	StateMoving        = "moving"
	StateIdle          = "idle"
	StateStopped       = "stopped"
	StateNotResponding = "not_responding"
)

// LastStatus is the one-row-per-device snapshot. The consumer and the engine
// own disjoint column groups; neither writer may update the other's columns.
type LastStatus struct {
	IMEI int64

	// Consumer-owned: latest raw observation.
	GPSTime     time.Time
	Latitude    float64
	Longitude   float64
	Speed       *float64
	Status      string
	Vendor      string
	Ignition    *bool
	Seatbelt    *bool
	Fuel        *float64
	Temperature *float64
	Humidity    *float64

	// Engine-owned: derived state machines.
	Engine EngineState
}

// EngineState is the engine-owned column group of LastStatus: the vehicle
// state plus every in-flight accumulator the calculators maintain between
// records.
type EngineState struct {
	VehicleState         string
	LastProcessedGPSTime *time.Time
	LastLatitude         *float64
	LastLongitude        *float64
	LastIgnition         *bool

	IdleStartTime *time.Time

	SpeedingStartTime *time.Time
	SpeedingMaxSpeed  *float64

	SeatbeltStartTime  *time.Time
	SeatbeltDistanceKM float64

	DrivingStartTime  *time.Time
	DrivingDistanceKM float64
	RestStartTime     *time.Time

	StoppageStartTime *time.Time
	StoppageLatitude  *float64
	StoppageLongitude *float64

	TempViolationStart     *time.Time
	HumidityViolationStart *time.Time
	LastFuel               *float64

	CurrentFenceIDs []int64

	CurrentTripID  *int64
	TripInProgress bool

	// Fence-wise manual trip progress.
	SourceExitTime         *time.Time
	DestinationArrivalTime *time.Time
}

// InFence reports whether the device was inside the given fence at the last
// processed record.
func (s *EngineState) InFence(fenceID int64) bool {
	for _, id := range s.CurrentFenceIDs {
		if id == fenceID {
			return true
		}
	}
	return false
}

// LastStatusHistory logs vehicle-state transitions, keyed (imei, gps_time).
type LastStatusHistory struct {
	IMEI          int64
	GPSTime       time.Time
	PreviousState string
	NewState      string
	Latitude      float64
	Longitude     float64
}

// Metric event categories and types.
const (
	CategorySpeed   = "Speed"
	CategoryDriving = "Driving"
	CategorySensor  = "Sensor"
	CategoryFuel    = "Fuel"
	CategoryFence   = "Fence"
	CategoryTrip    = "Trip"

	EventOverspeed          = "Overspeed"
	EventIdleViolation      = "Idle_Violation"
	EventSeatbeltViolation  = "Seatbelt_Violation"
	EventHarshBrake         = "Harsh_Brake"
	EventHarshAccel         = "Harsh_Accel"
	EventHarshCorner        = "Harsh_Corner"
	EventContinuousDriving  = "Continuous_Driving_Violation"
	EventRestTimeViolation  = "Rest_Time_Violation"
	EventNightDriving       = "Night_Driving"
	EventTempHigh           = "Temp_High"
	EventTempLow            = "Temp_Low"
	EventHumidityHigh       = "Humidity_High"
	EventHumidityLow        = "Humidity_Low"
	EventFuelFill           = "Fuel_Fill"
	EventFuelTheft          = "Fuel_Theft"
	EventFenceEnter         = "Fence_Enter"
	EventFenceExit          = "Fence_Exit"
	EventRouteDeviation     = "Route_Deviation"
	EventStoppageViolation  = "Stoppage_Violation"
	EventTimeNonCompliance  = "Time_Non_Compliance"
)

// MetricEvent is a derived event produced by a calculator. Metadata always
// carries imei and gps_time so events join back to trackdata.
type MetricEvent struct {
	ID             int64
	IMEI           int64
	GPSTime        time.Time
	Category       string
	EventType      string
	Value          *float64
	Threshold      *float64
	DurationSec    *float64
	Severity       string
	FenceID        *int64
	TripID         *int64
	Latitude       float64
	Longitude      float64
	Metadata       map[string]any
	FormulaVersion string
}

// Trip types, statuses, and creation modes.
const (
	TripIgnitionBased = "Ignition-Based"
	TripRouteBased    = "Route-Based"
	TripRoundTrip     = "Round-Trip"
	TripFenceWise     = "Fence-Wise"

	TripOngoing   = "Ongoing"
	TripCompleted = "Completed"
	TripDeviated  = "Deviated"

	TripAutomatic = "Automatic"
	TripManual    = "Manual"
)

type Trip struct {
	ID           int64
	VehicleID    int64
	IMEI         int64
	Type         string
	Status       string
	CreationMode string

	StartTime      time.Time
	StartLatitude  float64
	StartLongitude float64
	EndTime        *time.Time
	EndLatitude    *float64
	EndLongitude   *float64

	TotalDistanceKM  float64
	TotalDurationSec int64
	FuelConsumed     *float64
}

// TripRouteExtension holds Route-Based trip fields.
type TripRouteExtension struct {
	TripID            int64
	RouteID           int64
	RouteAssignmentID int64
	DeviationCount    int
}

// TripRoundExtension holds Round-Trip fields.
type TripRoundExtension struct {
	TripID          int64
	UploadSheetID   int64
	DestinationID   int64
	ArrivalTime     *time.Time
	DepartureTime   *time.Time
	TimeCompliance  string // Compliant | Non-Compliant
}

// TripFenceWiseExtension holds Fence-Wise trip fields.
type TripFenceWiseExtension struct {
	TripID                 int64
	OriginFenceID          int64
	DestinationFenceID     int64
	SourceExitTime         *time.Time
	DestinationArrivalTime *time.Time
}

const (
	StoppageStop    = "Stop"
	StoppageParking = "Parking"
)

type TripStoppageLog struct {
	ID            int64
	TripID        int64
	IMEI          int64
	StartTime     time.Time
	EndTime       time.Time
	Latitude      float64
	Longitude     float64
	InsideFenceID *int64
	Type          string
}

// Fence is a client geofence polygon; the geometry lives in PostGIS, the
// struct carries only what calculators need.
type Fence struct {
	ID             int64
	ClientID       int64
	Name           string
	BufferDistance float64 // metres of boundary hysteresis
}

// Tracker carries the per-device capability flags that gate sensor
// calculators.
type Tracker struct {
	IMEI              int64
	VehicleID         int64
	ClientID          int64
	Vendor            string
	HasFuelSensor     bool
	HasTempSensor     bool
	HasHumiditySensor bool
	HasSeatbeltSensor bool
}

// Recalculation job types and statuses.
const (
	JobRecalcViolations  = "RECALC_VIOLATIONS"
	JobRecalcFuel        = "RECALC_FUEL"
	JobRecalcFence       = "RECALC_FENCE"
	JobRefreshView       = "REFRESH_VIEW"
	JobRefreshViews      = "REFRESH_VIEWS"
	JobRefreshScoreViews = "REFRESH_SCORE_VIEWS"

	JobPending    = "PENDING"
	JobProcessing = "PROCESSING"
	JobCompleted  = "COMPLETED"
	JobFailed     = "FAILED"
)

type RecalcJob struct {
	ID          int64
	JobType     string
	TriggerType string
	Status      string
	Priority    int

	ScopeIMEI     *int64
	ScopeClientID *int64
	ScopeVehicle  *int64
	ScopeFenceID  *int64
	ScopeDateFrom *time.Time
	ScopeDateTo   *time.Time

	ConfigChangeID *int64
	ConfigKey      *string
	ViewName       *string
	Reason         string
	RowsAffected   int64
	ErrorMessage   *string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ConfigChange is one row of config_change_log.
type ConfigChange struct {
	ID        int64
	TableName string
	RecordKey string
	ConfigKey string
	Processed bool
	ChangedAt time.Time
}

// CMSServer is one vendor camera server the poller drives.
type CMSServer struct {
	ID       int64
	Name     string
	BaseURL  string
	Username string
	Password string
	Timezone string
	Enabled  bool
}

// CameraAlarmConfig routes one camera event type for one imei. IMEI 0 rows
// are the template set copied for newly discovered devices.
type CameraAlarmConfig struct {
	IMEI        int64
	EventType   string
	Enabled     bool
	IsAlarm     bool
	SMS         bool
	Email       bool
	Call        bool
	Priority    int
	WindowStart *string // "HH:MM", nil = always
	WindowEnd   *string
}

// Modem health states.
const (
	ModemHealthy   = "healthy"
	ModemUnknown   = "unknown"
	ModemDegraded  = "degraded"
	ModemUnhealthy = "unhealthy"
)

// Modem is one cellular SMS gateway in the pool. Password is stored
// encrypted (internal/secret format).
type Modem struct {
	ID              int64  `db:"id"`
	Name            string `db:"name"`
	Host            string `db:"host"`
	Username        string `db:"username"`
	Password        string `db:"password"`
	SIMSlot         int    `db:"sim_slot"`
	HealthStatus    string `db:"health_status"`
	SMSSentToday    int    `db:"sms_sent_today"`
	DailyLimit      int    `db:"daily_limit"`
	Priority        int    `db:"priority"`
	AllowedServices string `db:"allowed_services"` // comma separated
	Enabled         bool   `db:"enabled"`
}

// Remaining returns the modem's remaining daily quota.
func (m *Modem) Remaining() int {
	r := m.DailyLimit - m.SMSSentToday
	if r < 0 {
		return 0
	}
	return r
}

// Command lifecycle statuses.
const (
	CommandSentStatus   = "sent"
	CommandSuccessful   = "successful"
	CommandFailed       = "failed"
	CommandNoReply      = "no_reply"
	DirectionIncoming   = "incoming"
	DirectionOutgoing   = "outgoing"
	SendMethodSMS       = "sms"
	ServiceCommands     = "commands"
)

// CommandOutbox is a pending device command written by out-of-scope services.
type CommandOutbox struct {
	ID         int64      `db:"id"`
	IMEI       int64      `db:"imei"`
	SIMNo      string     `db:"sim_no"`
	Text       string     `db:"text"`
	SendMethod string     `db:"send_method"`
	ConfigID   *int64     `db:"config_id"`
	UserID     *int64     `db:"user_id"`
	RetryCount int        `db:"retry_count"`
	CreatedAt  time.Time  `db:"created_at"`
}

// CommandSent is a command awaiting a reply.
type CommandSent struct {
	ID        int64     `db:"id"`
	OutboxID  int64     `db:"outbox_id"`
	IMEI      int64     `db:"imei"`
	SIMNo     string    `db:"sim_no"`
	Text      string    `db:"text"`
	Status    string    `db:"status"`
	Response  *string   `db:"response"`
	ModemID   int64     `db:"modem_id"`
	ModemName string    `db:"modem_name"`
	ConfigID  *int64    `db:"config_id"`
	UserID    *int64    `db:"user_id"`
	SentAt    time.Time `db:"sent_at"`
}

// CommandInbox is a raw incoming SMS.
type CommandInbox struct {
	ID         int64     `db:"id"`
	ModemID    int64     `db:"modem_id"`
	SIMNo      string    `db:"sim_no"`
	Text       string    `db:"text"`
	ReceivedAt time.Time `db:"received_at"`
}

// CommandHistory is the append-only command audit trail.
type CommandHistory struct {
	ID        int64     `db:"id"`
	IMEI      int64     `db:"imei"`
	SIMNo     string    `db:"sim_no"`
	Text      string    `db:"text"`
	Direction string    `db:"direction"`
	Status    string    `db:"status"`
	ModemID   *int64    `db:"modem_id"`
	ConfigID  *int64    `db:"config_id"`
	UserID    *int64    `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
}
