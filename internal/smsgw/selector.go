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
	"sort"
	"strings"

	"github.com/navtrace/navtrace/internal/model"
)

// healthRank orders modems for selection: healthy beats unknown beats
// degraded. Unhealthy modems are never eligible.
func healthRank(status string) int {
	switch status {
	case model.ModemHealthy:
		return 3
	case model.ModemUnknown, "":
		return 2
	case model.ModemDegraded:
		return 1
	}
	return 0
}

func eligible(m *model.Modem) bool {
	return m.Enabled && m.HealthStatus != model.ModemUnhealthy && m.Remaining() > 0
}

func allowsService(m *model.Modem, service string) bool {
	for _, s := range strings.Split(m.AllowedServices, ",") {
		if strings.TrimSpace(s) == service {
			return true
		}
	}
	return false
}

// selectModem picks the modem for one command in three tiers: the device's
// pinned modem when it is usable, then the best command-class modem, then any
// eligible modem at all. Ordering within a tier is health, remaining quota,
// priority. Returns nil when no modem can take the send.
func selectModem(modems []model.Modem, pinnedID int64) *model.Modem {
	if pinnedID != 0 {
		for i := range modems {
			if modems[i].ID == pinnedID && eligible(&modems[i]) {
				return &modems[i]
			}
		}
	}

	ordered := make([]*model.Modem, 0, len(modems))
	for i := range modems {
		if eligible(&modems[i]) {
			ordered = append(ordered, &modems[i])
		}
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		ra, rb := healthRank(ordered[a].HealthStatus), healthRank(ordered[b].HealthStatus)
		if ra != rb {
			return ra > rb
		}
		if ordered[a].Remaining() != ordered[b].Remaining() {
			return ordered[a].Remaining() > ordered[b].Remaining()
		}
		return ordered[a].Priority > ordered[b].Priority
	})

	for _, m := range ordered {
		if allowsService(m, model.ServiceCommands) {
			return m
		}
	}
	if len(ordered) > 0 {
		return ordered[0]
	}
	return nil
}
