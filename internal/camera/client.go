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
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/navtrace/navtrace/internal/model"
)

// cmsTimeLayout is the timestamp format the CMS uses everywhere, expressed in
// the server's configured timezone, never UTC.
const cmsTimeLayout = "2006-01-02 15:04:05"

// Client talks to one vendor CMS server. It holds a session token and
// re-authenticates once when a call comes back 401.
type Client struct {
	http *http.Client
	base string
	user string
	pass string
	loc  *time.Location

	mu    sync.Mutex
	token string
}

// Device is one camera unit as the CMS device list reports it.
type Device struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
	Online   bool   `json:"online"`
	Channels int    `json:"channels"`
}

// StatusRow is the detailed position report for one online device.
type StatusRow struct {
	DeviceID   string  `json:"deviceId"`
	GPSTime    string  `json:"gpsTime"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Speed      float64 `json:"speed"`
	Heading    float64 `json:"heading"`
	Altitude   float64 `json:"altitude"`
	Satellites int     `json:"satellites"`
	Ignition   bool    `json:"acc"`
}

// AlarmRow is one safety violation. The CMS reports each violation twice,
// once carrying the snapshot and once carrying the clip.
type AlarmRow struct {
	GUID      string  `json:"guid"`
	DeviceID  string  `json:"deviceId"`
	AlarmType string  `json:"alarmType"`
	FileTime  string  `json:"fileTime"`
	Channel   int     `json:"channel"`
	PhotoURL  string  `json:"photoUrl"`
	VideoURL  string  `json:"videoUrl"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
}

// TrackRow is one historical GPS fix from the track archive.
type TrackRow struct {
	DeviceID  string  `json:"deviceId"`
	GPSTime   string  `json:"gpsTime"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
}

// NewClient builds a client for one configured server row. The server's
// timezone must resolve; CMS timestamps are meaningless without it.
func NewClient(srv model.CMSServer, timeout time.Duration) (*Client, error) {
	loc, err := time.LoadLocation(srv.Timezone)
	if err != nil {
		return nil, fmt.Errorf("cms server %s has invalid timezone %q: %w", srv.Name, srv.Timezone, err)
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		base: strings.TrimRight(srv.BaseURL, "/"),
		user: srv.Username,
		pass: srv.Password,
		loc:  loc,
	}, nil
}

// ParseTime converts a CMS-local timestamp to UTC.
func (c *Client) ParseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(cmsTimeLayout, s, c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized cms time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// FormatTime renders a UTC instant the way the CMS expects query parameters
// and download URLs: in its own timezone.
func (c *Client) FormatTime(t time.Time) string {
	return t.In(c.loc).Format(cmsTimeLayout)
}

// Location is the server's configured timezone.
func (c *Client) Location() *time.Location {
	return c.loc
}

// MediaURL resolves a possibly relative media path against the server base.
func (c *Client) MediaURL(p string) string {
	if p == "" || strings.Contains(p, "://") {
		return p
	}
	return c.base + "/" + strings.TrimLeft(p, "/")
}

// apiResponse is the CMS envelope. Non-zero codes are application errors;
// code 401 means the session token expired.
type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

var errUnauthorized = fmt.Errorf("cms session expired")

func (c *Client) login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"username": c.user, "password": c.pass})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/auth/login", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cms login: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("cms login: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cms login: status %d", resp.StatusCode)
	}
	var env apiResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("cms login: %w", err)
	}
	if env.Code != 0 {
		return fmt.Errorf("cms login rejected: %s", env.Msg)
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		return fmt.Errorf("cms login returned no token")
	}
	c.mu.Lock()
	c.token = data.Token
	c.mu.Unlock()
	return nil
}

// get runs one authenticated GET, logging in first when no session exists and
// retrying exactly once after a 401.
func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	data, err := c.getOnce(ctx, path, query)
	if err != errUnauthorized {
		return data, err
	}
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return c.getOnce(ctx, path, query)
}

func (c *Client) getOnce(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		if err := c.login(ctx); err != nil {
			return nil, err
		}
		c.mu.Lock()
		token = c.token
		c.mu.Unlock()
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cms %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("cms %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cms %s: status %d", path, resp.StatusCode)
	}
	var env apiResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("cms %s: %w", path, err)
	}
	if env.Code == http.StatusUnauthorized {
		return nil, errUnauthorized
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("cms %s: code %d: %s", path, env.Code, env.Msg)
	}
	return env.Data, nil
}

// decodeRows maps the CMS's loosely typed JSON rows onto out, coercing the
// strings-for-numbers and 0/1-for-bool habits the vendor has.
func decodeRows(data json.RawMessage, out any) error {
	var rows any
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("decoding cms rows: %w", err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(rows); err != nil {
		return fmt.Errorf("decoding cms rows: %w", err)
	}
	return nil
}

// Devices fetches the full device list.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	data, err := c.get(ctx, "/api/v1/devices", nil)
	if err != nil {
		return nil, err
	}
	var devices []Device
	if err := decodeRows(data, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// DeviceStatus fetches the detailed status for one device.
func (c *Client) DeviceStatus(ctx context.Context, deviceID string) (*StatusRow, error) {
	data, err := c.get(ctx, "/api/v1/devices/"+url.PathEscape(deviceID)+"/status", nil)
	if err != nil {
		return nil, err
	}
	var row StatusRow
	if err := decodeRows(data, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// SafetyAlarms fetches violations in [from, to). The window is sent in the
// server's local time.
func (c *Client) SafetyAlarms(ctx context.Context, from, to time.Time) ([]AlarmRow, error) {
	q := url.Values{}
	q.Set("startTime", c.FormatTime(from))
	q.Set("endTime", c.FormatTime(to))
	data, err := c.get(ctx, "/api/v1/alarms/safety", q)
	if err != nil {
		return nil, err
	}
	var rows []AlarmRow
	if err := decodeRows(data, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ActiveAlarms fetches the currently active violations.
func (c *Client) ActiveAlarms(ctx context.Context) ([]AlarmRow, error) {
	data, err := c.get(ctx, "/api/v1/alarms/active", nil)
	if err != nil {
		return nil, err
	}
	var rows []AlarmRow
	if err := decodeRows(data, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// TrackHistory fetches archived GPS fixes for a batch of devices.
func (c *Client) TrackHistory(ctx context.Context, deviceIDs []string, from, to time.Time) ([]TrackRow, error) {
	q := url.Values{}
	q.Set("deviceIds", strings.Join(deviceIDs, ","))
	q.Set("startTime", c.FormatTime(from))
	q.Set("endTime", c.FormatTime(to))
	data, err := c.get(ctx, "/api/v1/tracks", q)
	if err != nil {
		return nil, err
	}
	var rows []TrackRow
	if err := decodeRows(data, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
