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

package store

import (
	"context"
	"fmt"

	"github.com/navtrace/navtrace/internal/model"
)

// CMSServers returns the enabled camera servers to poll.
func (s *Store) CMSServers(ctx context.Context) ([]model.CMSServer, error) {
	rows, err := s.Pool().Query(ctx, `
SELECT id, name, base_url, username, password, timezone, enabled
FROM cms_servers WHERE enabled ORDER BY id`)
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("listing cms servers: %w", err)
	}
	defer rows.Close()

	var servers []model.CMSServer
	for rows.Next() {
		var c model.CMSServer
		if err := rows.Scan(&c.ID, &c.Name, &c.BaseURL, &c.Username, &c.Password, &c.Timezone, &c.Enabled); err != nil {
			return nil, fmt.Errorf("scanning cms server: %w", err)
		}
		servers = append(servers, c)
	}
	return servers, rows.Err()
}

// CameraAlarmConfigs returns the routing rows for one device. IMEI 0 returns
// the template set.
func (s *Store) CameraAlarmConfigs(ctx context.Context, imei int64) ([]model.CameraAlarmConfig, error) {
	rows, err := s.Pool().Query(ctx, `
SELECT imei, event_type, enabled, is_alarm, is_sms, is_email, is_call, priority, window_start, window_end
FROM camera_alarm_config WHERE imei = $1`, imei)
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("loading camera alarm config for imei %d: %w", imei, err)
	}
	defer rows.Close()

	var cfgs []model.CameraAlarmConfig
	for rows.Next() {
		var c model.CameraAlarmConfig
		if err := rows.Scan(&c.IMEI, &c.EventType, &c.Enabled, &c.IsAlarm, &c.SMS, &c.Email,
			&c.Call, &c.Priority, &c.WindowStart, &c.WindowEnd); err != nil {
			return nil, fmt.Errorf("scanning camera alarm config: %w", err)
		}
		cfgs = append(cfgs, c)
	}
	return cfgs, rows.Err()
}

// ProvisionCameraConfigs copies the imei 0 template rows for a newly seen
// device. Reports whether any rows were created.
func (s *Store) ProvisionCameraConfigs(ctx context.Context, imei int64) (bool, error) {
	tag, err := s.Pool().Exec(ctx, `
INSERT INTO camera_alarm_config (imei, event_type, enabled, is_alarm, is_sms, is_email, is_call, priority, window_start, window_end)
SELECT $1, event_type, enabled, is_alarm, is_sms, is_email, is_call, priority, window_start, window_end
FROM camera_alarm_config WHERE imei = 0
ON CONFLICT (imei, event_type) DO NOTHING`, imei)
	s.NoteResult(err)
	if err != nil {
		return false, fmt.Errorf("provisioning camera config for imei %d: %w", imei, err)
	}
	return tag.RowsAffected() > 0, nil
}

// KnownIMEIs returns every registered device id, used to filter camera
// records down to tracked vehicles.
func (s *Store) KnownIMEIs(ctx context.Context) ([]int64, error) {
	rows, err := s.Pool().Query(ctx, `SELECT imei FROM tracker`)
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("listing known imeis: %w", err)
	}
	defer rows.Close()

	var imeis []int64
	for rows.Next() {
		var imei int64
		if err := rows.Scan(&imei); err != nil {
			return nil, err
		}
		imeis = append(imeis, imei)
	}
	return imeis, rows.Err()
}

// MetricsAlarmRouting returns the notification routing for a metric event
// type, or nil when the type is not routed to alarms.
func (s *Store) MetricsAlarmRouting(ctx context.Context, eventType string) (*model.CameraAlarmConfig, error) {
	rows, err := s.Pool().Query(ctx, `
SELECT event_type, is_alarm, is_sms, is_email, is_call, priority
FROM metrics_alarm_config WHERE event_type = $1`, eventType)
	s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("loading metric alarm routing for %s: %w", eventType, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	c := model.CameraAlarmConfig{Enabled: true}
	if err := rows.Scan(&c.EventType, &c.IsAlarm, &c.SMS, &c.Email, &c.Call, &c.Priority); err != nil {
		return nil, fmt.Errorf("scanning metric alarm routing: %w", err)
	}
	return &c, nil
}
