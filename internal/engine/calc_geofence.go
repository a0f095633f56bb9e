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

package engine

import (
	"context"
	"sort"

	"github.com/navtrace/navtrace/internal/model"
)

// GeofenceCalc maintains fence membership with boundary hysteresis: entry
// requires the point strictly inside the polygon, but an entered fence is
// kept while the point stays within buffer_distance of the boundary.
type GeofenceCalc struct {
	fences Lookup
}

func (*GeofenceCalc) Name() string             { return "geofence" }
func (*GeofenceCalc) Category() string         { return "geofence" }
func (*GeofenceCalc) FormulaVersion() string   { return "v1" }
func (*GeofenceCalc) RequiresSensors() []string { return nil }

func (c *GeofenceCalc) Calculate(ctx context.Context, ec *Context) error {
	if ec.ClientID == 0 {
		return nil
	}
	hits, err := c.fences.FencesAt(ctx, ec.ClientID, ec.Point.Latitude, ec.Point.Longitude)
	if err != nil {
		return err
	}

	wasInside := map[int64]bool{}
	for _, id := range ec.Prev.CurrentFenceIDs {
		wasInside[id] = true
	}

	var inside []int64
	nowInside := map[int64]bool{}
	for _, h := range hits {
		// Buffer-only membership holds an entered fence, never enters one.
		if !h.Core && !wasInside[h.Fence.ID] {
			continue
		}
		inside = append(inside, h.Fence.ID)
		nowInside[h.Fence.ID] = true
		if !wasInside[h.Fence.ID] {
			id := h.Fence.ID
			ec.Emit(&model.MetricEvent{
				Category:  model.CategoryFence,
				EventType: model.EventFenceEnter,
				FenceID:   &id,
				Metadata:  map[string]any{"fence_name": h.Fence.Name},
			})
		}
	}
	for _, id := range ec.Prev.CurrentFenceIDs {
		if nowInside[id] {
			continue
		}
		fenceID := id
		ec.Emit(&model.MetricEvent{
			Category:  model.CategoryFence,
			EventType: model.EventFenceExit,
			FenceID:   &fenceID,
		})
	}

	sort.Slice(inside, func(i, j int) bool { return inside[i] < inside[j] })
	ec.State.CurrentFenceIDs = inside
	return nil
}
