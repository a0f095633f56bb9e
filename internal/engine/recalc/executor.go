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

package recalc

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/navtrace/navtrace/internal/engine"
	"github.com/navtrace/navtrace/internal/model"
)

// replayInsertBatch bounds memory during long replays.
const replayInsertBatch = 500

func (w *Worker) execute(ctx context.Context, j *model.RecalcJob) (int64, error) {
	from, to := w.window(j)

	switch j.JobType {
	case model.JobRecalcViolations:
		return w.recalcViolations(ctx, j, from, to)

	case model.JobRecalcFence:
		if j.ScopeFenceID == nil {
			return 0, fmt.Errorf("fence job %d has no fence scope", j.ID)
		}
		clientID, err := w.store.ClientIDForFence(ctx, *j.ScopeFenceID)
		if err != nil {
			return 0, err
		}
		if clientID == 0 {
			// Fence deleted; membership still needs recomputing for the
			// devices that were inside it, which a full replay covers.
			w.log.Warnf("fence %d has no owner, skipping", *j.ScopeFenceID)
			return 0, nil
		}
		imeis, err := w.store.TrackersForClient(ctx, clientID)
		if err != nil {
			return 0, err
		}
		return w.replay(ctx, imeis, from, to, []string{model.CategoryFence})

	case model.JobRecalcFuel:
		if j.ScopeVehicle == nil {
			return 0, fmt.Errorf("fuel job %d has no vehicle scope", j.ID)
		}
		imei, err := w.store.IMEIForVehicle(ctx, *j.ScopeVehicle)
		if err != nil {
			return 0, err
		}
		if imei == 0 {
			w.log.Warnf("vehicle %d has no tracker, skipping", *j.ScopeVehicle)
			return 0, nil
		}
		rows, err := w.replay(ctx, []int64{imei}, from, to, []string{model.CategoryFuel})
		if err != nil {
			return rows, err
		}
		if err := w.recomputeTripFuel(ctx, imei, *j.ScopeVehicle, from, to); err != nil {
			return rows, err
		}
		return rows, nil

	case model.JobRefreshView:
		if j.ViewName == nil {
			return 0, fmt.Errorf("refresh job %d has no view name", j.ID)
		}
		return 0, w.store.RefreshView(ctx, *j.ViewName)

	case model.JobRefreshViews:
		return 0, w.refreshViews(ctx, nil)

	case model.JobRefreshScoreViews:
		return 0, w.refreshViews(ctx, scoreViews)
	}
	return 0, fmt.Errorf("unknown job type %q", j.JobType)
}

func (w *Worker) window(j *model.RecalcJob) (time.Time, time.Time) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -w.cfg.RecalcDefaultDays)
	to := now
	if j.ScopeDateFrom != nil {
		from = *j.ScopeDateFrom
	}
	if j.ScopeDateTo != nil {
		to = *j.ScopeDateTo
	}
	return from, to
}

// recalcViolations replays the scoped devices over the window. The catalog
// maps the changed key to the event categories it invalidates; an unscoped
// key (or no key at all) replays everything.
func (w *Worker) recalcViolations(ctx context.Context, j *model.RecalcJob, from, to time.Time) (int64, error) {
	var categories, views []string
	if j.ConfigKey != nil {
		catalog, err := w.store.RecalcCatalog(ctx)
		if err != nil {
			return 0, err
		}
		for _, e := range catalog {
			if e.ConfigKey == *j.ConfigKey {
				categories = e.EventCategories
				views = e.ViewNames
				break
			}
		}
		if categories == nil {
			w.log.Infof("config key %s is not in the recalculation catalog, nothing to replay", *j.ConfigKey)
			return 0, nil
		}
	}

	var imeis []int64
	var err error
	switch {
	case j.ScopeIMEI != nil:
		imeis = []int64{*j.ScopeIMEI}
	case j.ScopeClientID != nil:
		imeis, err = w.store.TrackersForClient(ctx, *j.ScopeClientID)
	default:
		imeis, err = w.store.KnownIMEIs(ctx)
	}
	if err != nil {
		return 0, err
	}

	rows, err := w.replay(ctx, imeis, from, to, categories)
	if err != nil {
		return rows, err
	}

	for _, v := range views {
		name := v
		if _, err := w.store.EnqueueRecalcJob(ctx, &model.RecalcJob{
			JobType:     model.JobRefreshView,
			TriggerType: "follow_up",
			Priority:    1,
			ViewName:    &name,
			Reason:      fmt.Sprintf("after job %d", j.ID),
		}); err != nil {
			w.log.Warnf("enqueueing refresh of %s failed: %v", name, err)
		}
	}
	return rows, nil
}

// replay deletes and recomputes the given categories for each device. State
// starts empty, so window-based violations near the window edge resolve the
// same way on every run.
func (w *Worker) replay(ctx context.Context, imeis []int64, from, to time.Time, categories []string) (int64, error) {
	var total int64
	for _, imei := range imeis {
		n, err := w.replayIMEI(ctx, imei, from, to, categories)
		total += n
		if err != nil {
			return total, fmt.Errorf("replaying imei %d: %w", imei, err)
		}
	}
	return total, nil
}

func (w *Worker) replayIMEI(ctx context.Context, imei int64, from, to time.Time, categories []string) (int64, error) {
	tracker, err := w.store.Tracker(ctx, imei)
	if err != nil {
		return 0, err
	}
	if tracker == nil {
		return 0, nil
	}

	w.resolver.Invalidate(imei)
	cfg, err := w.resolver.ResolveAll(ctx, imei)
	if err != nil {
		return 0, err
	}
	if _, err := w.store.DeleteMetricEvents(ctx, imei, from, to, categories); err != nil {
		return 0, err
	}

	keep := map[string]bool{}
	for _, c := range categories {
		keep[c] = true
	}

	var state model.EngineState
	var batch []*model.MetricEvent
	var inserted int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.store.InsertMetricEvents(ctx, batch); err != nil {
			return err
		}
		inserted += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	err = w.store.TrackPointsRange(ctx, imei, from, to, func(pt *model.TrackPoint) error {
		for _, e := range w.pipeline.Step(ctx, &state, tracker, cfg, pt) {
			if len(keep) > 0 && !keep[e.Category] {
				continue
			}
			batch = append(batch, e)
		}
		if len(batch) >= replayInsertBatch {
			return flush()
		}
		return nil
	})
	if err != nil {
		return inserted, err
	}
	return inserted, flush()
}

// recomputeTripFuel rewrites fuel_consumed for every completed trip in the
// window from the first and last reading inside the trip, through the
// vehicle's calibration table when one exists.
func (w *Worker) recomputeTripFuel(ctx context.Context, imei, vehicleID int64, from, to time.Time) error {
	points, err := w.store.CalibrationPoints(ctx, vehicleID)
	if err != nil {
		return err
	}
	trips, err := w.store.TripsInRange(ctx, imei, from, to)
	if err != nil {
		return err
	}

	for _, t := range trips {
		if t.EndTime == nil {
			continue
		}
		var first, last *float64
		err := w.store.TrackPointsRange(ctx, imei, t.StartTime, t.EndTime.Add(time.Second), func(pt *model.TrackPoint) error {
			if pt.Fuel != nil {
				if first == nil {
					first = pt.Fuel
				}
				last = pt.Fuel
			}
			return nil
		})
		if err != nil {
			return err
		}
		if first == nil || last == nil {
			continue
		}

		consumed := *first - *last
		if len(points) > 0 {
			firstL, okFirst := engine.LitersFor(points, *first)
			lastL, okLast := engine.LitersFor(points, *last)
			if okFirst && okLast {
				consumed = firstL - lastL
			}
		}
		if consumed < 0 {
			consumed = 0
		}
		if err := w.store.UpdateTripFuel(ctx, t.ID, consumed); err != nil {
			return err
		}
	}
	return nil
}

// refreshViews refreshes the named views, or every known view when names is
// nil. One broken view does not stop the rest; the errors come back joined.
func (w *Worker) refreshViews(ctx context.Context, names []string) error {
	if names == nil {
		set := map[string]bool{}
		for _, v := range scoreViews {
			set[v] = true
		}
		catalog, err := w.store.RecalcCatalog(ctx)
		if err != nil {
			return err
		}
		for _, e := range catalog {
			for _, v := range e.ViewNames {
				set[v] = true
			}
		}
		for v := range set {
			names = append(names, v)
		}
	}

	var result *multierror.Error
	for _, name := range names {
		if err := w.store.RefreshView(ctx, name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
