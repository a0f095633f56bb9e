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

package smsgw

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// modemClient speaks the HTTP API of one cellular modem. It caches the login
// token and re-authenticates once when a call comes back 401.
type modemClient struct {
	http    *http.Client
	host    string
	user    string
	pass    string
	simSlot int

	mu    sync.Mutex
	token string
}

// inboxMessage is one SMS sitting in the modem's inbox. The modem re-serves
// messages until they are deleted.
type inboxMessage struct {
	ID         int64  `json:"id"`
	From       string `json:"from"`
	Text       string `json:"text"`
	ReceivedAt string `json:"received_at"`
}

var errModemUnauthorized = fmt.Errorf("modem session expired")

func newModemClient(host, user, pass string, simSlot int, timeout time.Duration) *modemClient {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return &modemClient{
		http:    &http.Client{Timeout: timeout},
		host:    strings.TrimRight(host, "/"),
		user:    user,
		pass:    pass,
		simSlot: simSlot,
	}
}

func (m *modemClient) login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"username": m.user, "password": m.pass})
	resp, err := m.post(ctx, "/api/login", body)
	if err != nil {
		return fmt.Errorf("modem login: %w", err)
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp, &data); err != nil || data.Token == "" {
		return fmt.Errorf("modem login returned no token")
	}
	m.mu.Lock()
	m.token = data.Token
	m.mu.Unlock()
	return nil
}

// do runs one authenticated request, logging in on demand and retrying
// exactly once after a 401.
func (m *modemClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	resp, err := m.doOnce(ctx, method, path, body)
	if err != errModemUnauthorized {
		return resp, err
	}
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
	return m.doOnce(ctx, method, path, body)
}

func (m *modemClient) doOnce(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()
	if token == "" {
		if err := m.login(ctx); err != nil {
			return nil, err
		}
		m.mu.Lock()
		token = m.token
		m.mu.Unlock()
	}

	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, m.host+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("modem %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("modem %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errModemUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("modem %s: status %d", path, resp.StatusCode)
	}
	return raw, nil
}

// post is an unauthenticated POST, only used by login.
func (m *modemClient) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.host+path, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return raw, nil
}

// Send dispatches one SMS and returns the parts the modem consumed.
func (m *modemClient) Send(ctx context.Context, to, text string) (int, error) {
	body, _ := json.Marshal(map[string]any{
		"to":       to,
		"text":     text,
		"sim_slot": m.simSlot,
	})
	resp, err := m.do(ctx, http.MethodPost, "/api/sms/send", body)
	if err != nil {
		return 0, err
	}
	var data struct {
		SMSUsed int `json:"sms_used"`
	}
	if err := json.Unmarshal(resp, &data); err != nil {
		return 0, fmt.Errorf("modem send response: %w", err)
	}
	if data.SMSUsed < 1 {
		data.SMSUsed = 1
	}
	return data.SMSUsed, nil
}

// Inbox fetches every message currently stored on the modem.
func (m *modemClient) Inbox(ctx context.Context) ([]inboxMessage, error) {
	resp, err := m.do(ctx, http.MethodGet, "/api/sms/inbox", nil)
	if err != nil {
		return nil, err
	}
	var data struct {
		Messages []inboxMessage `json:"messages"`
	}
	if err := json.Unmarshal(resp, &data); err != nil {
		return nil, fmt.Errorf("modem inbox response: %w", err)
	}
	return data.Messages, nil
}

// Delete removes one message from the modem so the next poll does not
// re-serve it.
func (m *modemClient) Delete(ctx context.Context, id int64) error {
	_, err := m.do(ctx, http.MethodDelete, fmt.Sprintf("/api/sms/inbox/%d", id), nil)
	return err
}

// Probe checks the modem's storage status. A passing probe is the signal
// that moves a degraded modem back toward healthy.
func (m *modemClient) Probe(ctx context.Context) error {
	resp, err := m.do(ctx, http.MethodGet, "/api/status", nil)
	if err != nil {
		return err
	}
	var data struct {
		Storage string `json:"storage"`
	}
	if err := json.Unmarshal(resp, &data); err != nil {
		return fmt.Errorf("modem status response: %w", err)
	}
	if data.Storage != "" && data.Storage != "ok" {
		return fmt.Errorf("modem storage %s", data.Storage)
	}
	return nil
}
