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
	"fmt"
	"time"

	"github.com/navtrace/navtrace/internal/metrics"
)

// mergeAlarms folds the CMS's double-reporting into one row per violation.
// The photo row and the video row share (deviceId, fileTime, alarmType,
// channel); whichever media URL each carries is kept.
func mergeAlarms(rows []AlarmRow) []AlarmRow {
	type key struct {
		deviceID, fileTime, alarmType string
		channel                       int
	}
	index := map[key]int{}
	merged := make([]AlarmRow, 0, len(rows))

	for _, r := range rows {
		k := key{r.DeviceID, r.FileTime, r.AlarmType, r.Channel}
		i, ok := index[k]
		if !ok {
			index[k] = len(merged)
			merged = append(merged, r)
			continue
		}
		if merged[i].PhotoURL == "" {
			merged[i].PhotoURL = r.PhotoURL
		}
		if merged[i].VideoURL == "" {
			merged[i].VideoURL = r.VideoURL
		}
		if merged[i].GUID == "" {
			merged[i].GUID = r.GUID
		}
		if merged[i].Latitude == 0 && merged[i].Longitude == 0 {
			merged[i].Latitude = r.Latitude
			merged[i].Longitude = r.Longitude
		}
	}
	return merged
}

func (p *serverPoller) handleAlarms(ctx context.Context, rows []AlarmRow) {
	for _, row := range mergeAlarms(rows) {
		if err := p.handleAlarm(ctx, row); err != nil && ctx.Err() == nil {
			p.log.Warnf("handling alarm %s: %v", row.GUID, err)
		}
	}
}

// handleAlarm publishes one merged violation. A violation routes up to three
// ways, each published independently: a trackdata record when it carries a
// position, an event record always, and an alarm record when the device's
// routing row enables it inside its time window.
func (p *serverPoller) handleAlarm(ctx context.Context, row AlarmRow) error {
	if len(p.svc.allowed) > 0 && !p.svc.allowed.Contains(row.AlarmType) {
		return nil
	}
	imei, ok := imeiFor(row.DeviceID)
	if !ok {
		return nil
	}
	gpsTime, err := p.client.ParseTime(row.FileTime)
	if err != nil {
		return err
	}

	guid := row.GUID
	if guid == "" {
		// Some firmware omits the GUID; the merge key is unique enough.
		guid = fmt.Sprintf("%s|%s|%s|%d", row.DeviceID, row.FileTime, row.AlarmType, row.Channel)
	}

	hasVideo := row.VideoURL != ""
	verdict := p.svc.alarms.Observe(guid, hasVideo, time.Now().UTC())
	switch verdict {
	case VerdictDuplicate:
		metrics.CameraDuplicates.WithLabelValues("alarm").Inc()
		return nil
	case VerdictVideoUpdate:
		metrics.CameraDuplicates.WithLabelValues("video_update").Inc()
	}

	p.svc.ensureProvisioned(ctx, imei)

	baseID := "cms-" + guid
	if verdict == VerdictVideoUpdate {
		// A fresh message id so downstream dedup lets the media update through.
		baseID += ":video"
	}

	data := map[string]any{
		"guid":       guid,
		"alarm_type": row.AlarmType,
		"event_type": row.AlarmType,
		"status":     row.AlarmType,
		"category":   "Camera",
		"channel":    row.Channel,
		"latitude":   row.Latitude,
		"longitude":  row.Longitude,
		"speed":      row.Speed,
	}
	if row.PhotoURL != "" {
		data["photo_url"] = p.client.MediaURL(row.PhotoURL)
	}
	if row.VideoURL != "" {
		data["video_url"] = p.client.MediaURL(row.VideoURL)
	}

	if (row.Latitude != 0 || row.Longitude != 0) &&
		p.svc.tracks.Observe(trackKey(imei, gpsTime), false, time.Now().UTC()) == VerdictNew {
		if err := p.emit(ctx, &Record{
			Vendor: "camera", IMEI: imei, GPSTime: gpsTime,
			RecordType: RecordTrackData, MessageID: baseID + ":trackdata",
			Data: data,
		}); err != nil {
			return err
		}
	}

	if err := p.emit(ctx, &Record{
		Vendor: "camera", IMEI: imei, GPSTime: gpsTime,
		RecordType: RecordEvent, MessageID: baseID + ":event",
		Data: data,
	}); err != nil {
		return err
	}

	cfg := p.svc.routingFor(ctx, imei, row.AlarmType)
	if cfg == nil || !cfg.Enabled || !cfg.IsAlarm {
		return nil
	}
	if !inWindow(gpsTime.In(p.client.Location()), cfg.WindowStart, cfg.WindowEnd) {
		return nil
	}

	alarmData := make(map[string]any, len(data)+5)
	for k, v := range data {
		alarmData[k] = v
	}
	alarmData["is_alarm"] = 1
	alarmData["is_sms"] = cfg.SMS
	alarmData["is_email"] = cfg.Email
	alarmData["is_call"] = cfg.Call
	alarmData["priority"] = cfg.Priority

	return p.emit(ctx, &Record{
		Vendor: "camera", IMEI: imei, GPSTime: gpsTime,
		RecordType: RecordAlarm, MessageID: baseID + ":alarm",
		Data: alarmData,
	})
}

// inWindow reports whether the local time of day falls inside [start, end).
// A window with start after end crosses midnight. Nil bounds mean always.
func inWindow(at time.Time, start, end *string) bool {
	if start == nil || end == nil {
		return true
	}
	s, errS := parseHM(*start)
	e, errE := parseHM(*end)
	if errS != nil || errE != nil {
		return true
	}
	m := at.Hour()*60 + at.Minute()
	if s <= e {
		return m >= s && m < e
	}
	return m >= s || m < e
}

func parseHM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
