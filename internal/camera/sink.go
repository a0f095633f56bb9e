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

package camera

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/navtrace/navtrace/internal/broker"
	"github.com/navtrace/navtrace/internal/metrics"
)

// Record types published by the poller.
const (
	RecordTrackData = "trackdata"
	RecordEvent     = "event"
	RecordAlarm     = "alarm"
)

// Record is one normalized output, the same envelope shape every vendor
// listener produces.
type Record struct {
	Vendor     string         `json:"vendor"`
	IMEI       int64          `json:"imei"`
	GPSTime    time.Time      `json:"-"`
	RecordType string         `json:"record_type"`
	MessageID  string         `json:"message_id"`
	Data       map[string]any `json:"data"`
}

func (r *Record) body() ([]byte, error) {
	return json.Marshal(map[string]any{
		"vendor":      r.Vendor,
		"imei":        r.IMEI,
		"gps_time":    r.GPSTime.UTC().Format("2006-01-02 15:04:05"),
		"record_type": r.RecordType,
		"message_id":  r.MessageID,
		"data":        r.Data,
	})
}

// Sink receives normalized records. The broker sink is the production path;
// standalone mode swaps in CSV files.
type Sink interface {
	Emit(ctx context.Context, r *Record) error
	Close() error
}

// BrokerSink publishes records to the tracking exchange under
// tracking.camera.<record_type>.
type BrokerSink struct {
	broker *broker.Broker
}

func NewBrokerSink(b *broker.Broker) *BrokerSink {
	return &BrokerSink{broker: b}
}

func (s *BrokerSink) Emit(ctx context.Context, r *Record) error {
	body, err := r.body()
	if err != nil {
		return fmt.Errorf("marshaling %s record: %w", r.RecordType, err)
	}
	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   r.MessageID,
		Body:        body,
	}
	if r.RecordType == RecordAlarm {
		if p, ok := r.Data["priority"].(int); ok {
			msg.Priority = broker.ClampPriority(p)
		}
	}
	key := "tracking.camera." + r.RecordType
	if err := s.broker.Publish(ctx, broker.TrackingExchange, key, msg); err != nil {
		return err
	}
	metrics.CameraRecords.WithLabelValues(r.RecordType).Inc()
	return nil
}

func (s *BrokerSink) Close() error { return nil }

// CSVSink appends records to one file per record type and day under dir.
// Used when the poller runs standalone, without a broker.
type CSVSink struct {
	dir string

	mu    sync.Mutex
	files map[string]*csvFile
}

type csvFile struct {
	f *os.File
	w *csv.Writer
}

var csvHeader = []string{"vendor", "imei", "gps_time", "record_type", "message_id", "data"}

func NewCSVSink(dir string) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating csv dir: %w", err)
	}
	return &CSVSink{dir: dir, files: map[string]*csvFile{}}, nil
}

func (s *CSVSink) Emit(_ context.Context, r *Record) error {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("marshaling %s record: %w", r.RecordType, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := fmt.Sprintf("%s-%s.csv", r.RecordType, r.GPSTime.UTC().Format("2006-01-02"))
	cf, ok := s.files[name]
	if !ok {
		path := filepath.Join(s.dir, name)
		_, statErr := os.Stat(path)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		cf = &csvFile{f: f, w: csv.NewWriter(f)}
		if os.IsNotExist(statErr) {
			if err := cf.w.Write(csvHeader); err != nil {
				f.Close()
				return err
			}
		}
		s.files[name] = cf
	}

	row := []string{
		r.Vendor,
		fmt.Sprintf("%d", r.IMEI),
		r.GPSTime.UTC().Format("2006-01-02 15:04:05"),
		r.RecordType,
		r.MessageID,
		string(data),
	}
	if err := cf.w.Write(row); err != nil {
		return err
	}
	cf.w.Flush()
	if err := cf.w.Error(); err != nil {
		return err
	}
	metrics.CameraRecords.WithLabelValues(r.RecordType).Inc()
	return nil
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, cf := range s.files {
		cf.w.Flush()
		if err := cf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.files = map[string]*csvFile{}
	return firstErr
}
