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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"

	"github.com/navtrace/navtrace/internal/model"
)

func TestMergeAlarmsCombinesPhotoAndVideoRows(t *testing.T) {
	rows := []AlarmRow{
		{GUID: "g1", DeviceID: "100", AlarmType: "Distraction", FileTime: "2025-06-01 10:00:00", Channel: 2, PhotoURL: "/media/p.jpg", Latitude: 23.7, Longitude: 90.4},
		{GUID: "g1", DeviceID: "100", AlarmType: "Distraction", FileTime: "2025-06-01 10:00:00", Channel: 2, VideoURL: "/media/v.mp4"},
		{GUID: "g2", DeviceID: "100", AlarmType: "Distraction", FileTime: "2025-06-01 10:05:00", Channel: 2, PhotoURL: "/media/p2.jpg"},
	}

	want := []AlarmRow{
		{GUID: "g1", DeviceID: "100", AlarmType: "Distraction", FileTime: "2025-06-01 10:00:00", Channel: 2, PhotoURL: "/media/p.jpg", VideoURL: "/media/v.mp4", Latitude: 23.7, Longitude: 90.4},
		{GUID: "g2", DeviceID: "100", AlarmType: "Distraction", FileTime: "2025-06-01 10:05:00", Channel: 2, PhotoURL: "/media/p2.jpg"},
	}
	if diff := cmp.Diff(want, mergeAlarms(rows)); diff != "" {
		t.Fatalf("merged rows mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeKeepsDistinctChannelsApart(t *testing.T) {
	rows := []AlarmRow{
		{GUID: "g1", DeviceID: "100", AlarmType: "Smoking", FileTime: "2025-06-01 10:00:00", Channel: 1},
		{GUID: "g2", DeviceID: "100", AlarmType: "Smoking", FileTime: "2025-06-01 10:00:00", Channel: 2},
	}
	assert.Equal(t, 2, len(mergeAlarms(rows)))
}

func TestSeenCacheVideoUpdateRule(t *testing.T) {
	c := newSeenCache(10, time.Hour)
	now := time.Now()

	assert.Equal(t, VerdictNew, c.Observe("g1", false, now))
	// The clip arrives for an alarm previously seen photo-only.
	assert.Equal(t, VerdictVideoUpdate, c.Observe("g1", true, now))
	// From here on the alarm is complete; repeats are noise.
	assert.Equal(t, VerdictDuplicate, c.Observe("g1", true, now))
	assert.Equal(t, VerdictDuplicate, c.Observe("g1", false, now))

	// An alarm first seen with video never yields an update.
	assert.Equal(t, VerdictNew, c.Observe("g2", true, now))
	assert.Equal(t, VerdictDuplicate, c.Observe("g2", false, now))
}

func TestSeenCacheEvictsOldestAtCap(t *testing.T) {
	c := newSeenCache(2, time.Hour)
	now := time.Now()
	c.Observe("a", false, now)
	c.Observe("b", false, now)
	c.Observe("c", false, now)

	assert.Equal(t, 2, c.Len())
	// "a" was evicted, so it looks new again.
	assert.Equal(t, VerdictNew, c.Observe("a", false, now))
}

func TestSeenCacheSweepExpiresByInsertionTime(t *testing.T) {
	c := newSeenCache(10, time.Hour)
	base := time.Now()
	c.Observe("old", false, base.Add(-2*time.Hour))
	c.Observe("fresh", false, base)

	assert.Equal(t, 1, c.Sweep(base))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, VerdictDuplicate, c.Observe("fresh", false, base))
}

func TestInWindow(t *testing.T) {
	hm := func(s string) *string { return &s }
	at := func(h, m int) time.Time {
		return time.Date(2025, 6, 1, h, m, 0, 0, time.UTC)
	}

	// Daytime window.
	assert.Assert(t, inWindow(at(10, 0), hm("08:00"), hm("18:00")))
	assert.Assert(t, !inWindow(at(19, 0), hm("08:00"), hm("18:00")))
	// End bound is exclusive.
	assert.Assert(t, !inWindow(at(18, 0), hm("08:00"), hm("18:00")))

	// Night window crossing midnight.
	assert.Assert(t, inWindow(at(23, 30), hm("22:00"), hm("05:00")))
	assert.Assert(t, inWindow(at(2, 0), hm("22:00"), hm("05:00")))
	assert.Assert(t, !inWindow(at(12, 0), hm("22:00"), hm("05:00")))

	// Unbounded and malformed windows never suppress.
	assert.Assert(t, inWindow(at(12, 0), nil, nil))
	assert.Assert(t, inWindow(at(12, 0), hm("bogus"), hm("05:00")))
}

func TestClientConvertsCMSLocalTime(t *testing.T) {
	c, err := NewClient(model.CMSServer{
		Name: "dhaka", BaseURL: "http://cms.example", Timezone: "Asia/Dhaka",
	}, time.Second)
	assert.NilError(t, err)

	// Asia/Dhaka is UTC+6.
	got, err := c.ParseTime("2025-06-01 16:30:00")
	assert.NilError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC), got)

	assert.Equal(t, "2025-06-01 16:30:00", c.FormatTime(got))
}

func TestClientRejectsUnknownTimezone(t *testing.T) {
	_, err := NewClient(model.CMSServer{Name: "x", Timezone: "Mars/Olympus"}, time.Second)
	assert.ErrorContains(t, err, "invalid timezone")
}

func TestClientRetriesOnceAfterSessionExpiry(t *testing.T) {
	var logins, calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/login":
			logins++
			fmt.Fprintf(w, `{"code":0,"data":{"token":"tok%d"}}`, logins)
		case "/api/v1/devices":
			calls++
			if r.Header.Get("Authorization") == "Bearer tok1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `{"code":0,"data":[{"deviceId":"100","online":1}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := NewClient(model.CMSServer{Name: "t", BaseURL: srv.URL, Timezone: "UTC"}, time.Second)
	assert.NilError(t, err)

	devices, err := c.Devices(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, 2, logins)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, len(devices))
	assert.Equal(t, "100", devices[0].DeviceID)
	// The CMS sends online as 0/1; the decoder coerces it.
	assert.Assert(t, devices[0].Online)
}

func TestDecodeRowsCoercesVendorTypes(t *testing.T) {
	raw := json.RawMessage(`[{
		"guid": "g1",
		"deviceId": "100",
		"alarmType": "Phone_Usage",
		"fileTime": "2025-06-01 10:00:00",
		"channel": "2",
		"latitude": "23.78",
		"speed": 42
	}]`)

	var rows []AlarmRow
	assert.NilError(t, decodeRows(raw, &rows))
	assert.Equal(t, 1, len(rows))
	assert.Equal(t, 2, rows[0].Channel)
	assert.Equal(t, 23.78, rows[0].Latitude)
	assert.Equal(t, 42.0, rows[0].Speed)
}

func TestMediaURLResolvesRelativePaths(t *testing.T) {
	c, err := NewClient(model.CMSServer{Name: "t", BaseURL: "http://cms.example/", Timezone: "UTC"}, time.Second)
	assert.NilError(t, err)

	assert.Equal(t, "http://cms.example/media/p.jpg", c.MediaURL("/media/p.jpg"))
	assert.Equal(t, "https://cdn.example/v.mp4", c.MediaURL("https://cdn.example/v.mp4"))
	assert.Equal(t, "", c.MediaURL(""))
}

func TestCSVSinkWritesHeaderOncePerFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVSink(dir)
	assert.NilError(t, err)

	rec := &Record{
		Vendor: "camera", IMEI: 100,
		GPSTime:    time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		RecordType: RecordTrackData, MessageID: "m1",
		Data: map[string]any{"latitude": 23.78},
	}
	assert.NilError(t, s.Emit(context.Background(), rec))
	rec2 := *rec
	rec2.MessageID = "m2"
	assert.NilError(t, s.Emit(context.Background(), &rec2))
	assert.NilError(t, s.Close())

	// Reopening the same day's file must not write a second header.
	s2, err := NewCSVSink(dir)
	assert.NilError(t, err)
	rec3 := *rec
	rec3.MessageID = "m3"
	assert.NilError(t, s2.Emit(context.Background(), &rec3))
	assert.NilError(t, s2.Close())

	f, err := os.ReadFile(filepath.Join(dir, "trackdata-2025-06-01.csv"))
	assert.NilError(t, err)
	lines := strings.Split(strings.TrimSpace(string(f)), "\n")
	assert.Equal(t, 4, len(lines))
	assert.Equal(t, "vendor,imei,gps_time,record_type,message_id,data", lines[0])
}
