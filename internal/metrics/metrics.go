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

// Package metrics holds the Prometheus instruments shared by the pipeline
// binaries. Registration happens at import time via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion consumer.
	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navtrace_consumer_messages_total",
		Help: "Messages consumed from the tracking exchange, by queue and outcome.",
	}, []string{"queue", "outcome"})

	DedupHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navtrace_dedup_hits_total",
		Help: "Duplicate messages skipped, by tier (l1, l2).",
	}, []string{"tier"})

	BatchFlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "navtrace_batch_flush_duration_seconds",
		Help:    "Duration of bulk upsert flushes, by queue.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	BatchFlushSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "navtrace_batch_flush_size",
		Help:    "Rows per bulk upsert flush, by queue.",
		Buckets: []float64{1, 10, 50, 100, 200, 400},
	}, []string{"queue"})

	InvalidRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navtrace_invalid_records_total",
		Help: "Records routed to invalid_data_queue, by reason.",
	}, []string{"reason"})

	AlarmsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "navtrace_alarm_notifications_published_total",
		Help: "Alarm notifications published to alarm_exchange.",
	})

	PendingWrites = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "navtrace_pending_writes",
		Help: "Writes buffered in memory while the DB breaker is open.",
	}, []string{"component"})

	// Metric engine.
	CalculatorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navtrace_calculator_runs_total",
		Help: "Calculator invocations, by calculator.",
	}, []string{"calculator"})

	CalculatorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navtrace_calculator_errors_total",
		Help: "Calculator failures, by calculator.",
	}, []string{"calculator"})

	CalculatorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "navtrace_calculator_duration_seconds",
		Help:    "Calculator execution time, by calculator.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	}, []string{"calculator"})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navtrace_metric_events_total",
		Help: "Metric events emitted, by calculator and type.",
	}, []string{"calculator", "event_type"})

	RecalcJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navtrace_recalc_jobs_total",
		Help: "Recalculation jobs processed, by type and status.",
	}, []string{"job_type", "status"})

	StaleRecordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "navtrace_stale_records_dropped_total",
		Help: "Records dropped because gps_time was not newer than the last processed one.",
	})

	// Camera poller.
	CameraPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navtrace_camera_polls_total",
		Help: "Camera CMS polls, by server, kind, and outcome.",
	}, []string{"server", "kind", "outcome"})

	CameraRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navtrace_camera_records_total",
		Help: "Camera records emitted, by record type.",
	}, []string{"record_type"})

	CameraDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navtrace_camera_duplicates_total",
		Help: "Camera records dropped by dedup, by kind (alarm, video_update, trackdata).",
	}, []string{"kind"})

	// SMS gateway.
	CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navtrace_sms_commands_total",
		Help: "SMS commands processed, by outcome (sent, failed, timed_out, no_reply).",
	}, []string{"outcome"})

	ResponsesMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "navtrace_sms_responses_matched_total",
		Help: "Inbox messages matched to an outstanding command.",
	})

	InboxDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "navtrace_sms_inbox_duplicates_total",
		Help: "Incoming SMS skipped as duplicates.",
	})

	ModemHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "navtrace_modem_health",
		Help: "Modem health (1 healthy, 0.5 unknown, 0.25 degraded, 0 unhealthy).",
	}, []string{"modem"})
)

// ModemHealthValue maps a modem health status to its gauge value.
func ModemHealthValue(status string) float64 {
	switch status {
	case "healthy":
		return 1
	case "unknown":
		return 0.5
	case "degraded":
		return 0.25
	default:
		return 0
	}
}
