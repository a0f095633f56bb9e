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
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/navtrace/navtrace/internal/model"
)

func pool() []model.Modem {
	return []model.Modem{
		{ID: 1, Name: "a", HealthStatus: model.ModemDegraded, SMSSentToday: 10, DailyLimit: 100, Priority: 9, AllowedServices: "commands,alerts", Enabled: true},
		{ID: 2, Name: "b", HealthStatus: model.ModemHealthy, SMSSentToday: 90, DailyLimit: 100, Priority: 1, AllowedServices: "commands", Enabled: true},
		{ID: 3, Name: "c", HealthStatus: model.ModemHealthy, SMSSentToday: 0, DailyLimit: 100, Priority: 5, AllowedServices: "alerts", Enabled: true},
		{ID: 4, Name: "d", HealthStatus: model.ModemUnhealthy, SMSSentToday: 0, DailyLimit: 100, Priority: 9, AllowedServices: "commands", Enabled: true},
	}
}

func TestSelectorPrefersHealthyCommandModem(t *testing.T) {
	// Modem 2 is the only healthy command-class modem; 3 is healthier but
	// carries no command service, 4 is unhealthy, 1 is degraded.
	m := selectModem(pool(), 0)
	assert.Assert(t, m != nil)
	assert.Equal(t, int64(2), m.ID)
}

func TestSelectorHonorsPinnedModem(t *testing.T) {
	m := selectModem(pool(), 1)
	assert.Assert(t, m != nil)
	assert.Equal(t, int64(1), m.ID)
}

func TestSelectorSkipsUnusablePinnedModem(t *testing.T) {
	// Pinned to the unhealthy modem; falls through to tier two.
	m := selectModem(pool(), 4)
	assert.Assert(t, m != nil)
	assert.Equal(t, int64(2), m.ID)
}

func TestSelectorFallsBackToAnyEligibleModem(t *testing.T) {
	modems := []model.Modem{
		{ID: 3, Name: "c", HealthStatus: model.ModemHealthy, DailyLimit: 100, AllowedServices: "alerts", Enabled: true},
	}
	m := selectModem(modems, 0)
	assert.Assert(t, m != nil)
	assert.Equal(t, int64(3), m.ID)
}

func TestSelectorExcludesQuotaExhaustedAndDisabled(t *testing.T) {
	modems := []model.Modem{
		{ID: 1, HealthStatus: model.ModemHealthy, SMSSentToday: 100, DailyLimit: 100, AllowedServices: "commands", Enabled: true},
		{ID: 2, HealthStatus: model.ModemHealthy, DailyLimit: 100, AllowedServices: "commands", Enabled: false},
	}
	assert.Assert(t, selectModem(modems, 0) == nil)
}

func TestSelectorOrdersByQuotaThenPriority(t *testing.T) {
	modems := []model.Modem{
		{ID: 1, HealthStatus: model.ModemHealthy, SMSSentToday: 50, DailyLimit: 100, Priority: 9, AllowedServices: "commands", Enabled: true},
		{ID: 2, HealthStatus: model.ModemHealthy, SMSSentToday: 10, DailyLimit: 100, Priority: 1, AllowedServices: "commands", Enabled: true},
	}
	// More remaining quota wins over higher priority.
	m := selectModem(modems, 0)
	assert.Equal(t, int64(2), m.ID)

	modems[1].SMSSentToday = 50
	m = selectModem(modems, 0)
	assert.Equal(t, int64(1), m.ID)
}

func TestModemClientReauthenticatesOnce(t *testing.T) {
	var logins, sends int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			logins++
			fmt.Fprintf(w, `{"token":"tok%d"}`, logins)
		case "/api/sms/send":
			sends++
			if r.Header.Get("Authorization") == "Bearer tok1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `{"sms_used":2}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newModemClient(srv.URL, "admin", "pw", 1, time.Second)
	used, err := c.Send(context.Background(), "+8801700000000", "getinfo")
	assert.NilError(t, err)
	assert.Equal(t, 2, used)
	assert.Equal(t, 2, logins)
	assert.Equal(t, 2, sends)
}

func TestModemClientInboxAndDelete(t *testing.T) {
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/login":
			fmt.Fprint(w, `{"token":"tok"}`)
		case r.URL.Path == "/api/sms/inbox" && r.Method == http.MethodGet:
			fmt.Fprint(w, `{"messages":[{"id":7,"from":"+8801700000000","text":"OK"}]}`)
		case r.Method == http.MethodDelete:
			deleted = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newModemClient(srv.URL, "admin", "pw", 1, time.Second)
	msgs, err := c.Inbox(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, 1, len(msgs))
	assert.Equal(t, "+8801700000000", msgs[0].From)

	assert.NilError(t, c.Delete(context.Background(), msgs[0].ID))
	assert.Equal(t, "/api/sms/inbox/7", deleted)
}

func TestModemClientSendDefaultsToOnePart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/login" {
			fmt.Fprint(w, `{"token":"tok"}`)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c := newModemClient(srv.URL, "admin", "pw", 1, time.Second)
	used, err := c.Send(context.Background(), "+880", "x")
	assert.NilError(t, err)
	assert.Equal(t, 1, used)
}

func TestModemClientProbeFlagsBadStorage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/login" {
			fmt.Fprint(w, `{"token":"tok"}`)
			return
		}
		fmt.Fprint(w, `{"storage":"full"}`)
	}))
	defer srv.Close()

	c := newModemClient(srv.URL, "admin", "pw", 1, time.Second)
	assert.ErrorContains(t, c.Probe(context.Background()), "storage full")
}

func TestReplyClaimsMostRecentCommand(t *testing.T) {
	now := time.Now().UTC()
	awaiting := []model.CommandSent{
		{ID: 9, SIMNo: "+15550001", Text: "RESET#", SentAt: now.Add(-30 * time.Second)},
		{ID: 4, SIMNo: "+15550001", Text: "STATUS#", SentAt: now.Add(-90 * time.Second)},
	}
	cutoff := now.Add(-2 * time.Minute)

	got := pickReply(awaiting, "+15550001", cutoff)
	assert.Assert(t, got != nil)
	assert.Equal(t, int64(9), got.ID)

	// Nothing inside the window, or a different SIM, never matches.
	assert.Assert(t, pickReply(awaiting, "+15550001", now) == nil)
	assert.Assert(t, pickReply(awaiting, "+15559999", cutoff) == nil)
}
