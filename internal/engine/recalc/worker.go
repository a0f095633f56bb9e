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

// Package recalc reacts to configuration changes: it watches the
// config_change_log, coalesces edits into recalculation jobs, and replays
// history through the calculator chain to rebuild derived metric events.
package recalc

import (
	"context"
	"errors"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/navtrace/navtrace/internal/config"
	"github.com/navtrace/navtrace/internal/configcache"
	"github.com/navtrace/navtrace/internal/engine"
	"github.com/navtrace/navtrace/internal/logs"
	"github.com/navtrace/navtrace/internal/metrics"
	"github.com/navtrace/navtrace/internal/model"
	"github.com/navtrace/navtrace/internal/store"
)

// changeBatchLimit bounds one dispatch pass over config_change_log.
const changeBatchLimit = 500

// stuckJobCutoff is how long a PROCESSING job may sit before a crash is
// assumed and it returns to PENDING.
const stuckJobCutoff = 30 * time.Minute

// historyRetention bounds laststatus_history growth.
const historyRetention = 90 * 24 * time.Hour

// scoreViews are the materialised views derived from metric events.
var scoreViews = []string{"daily_violation_summary", "driver_score_summary"}

type Worker struct {
	log      logs.StructuredLogger
	cfg      config.Engine
	store    *store.Store
	resolver *configcache.Resolver
	registry *engine.Registry
	pipeline *engine.Pipeline

	wake chan struct{}
}

func NewWorker(cfg config.Engine, st *store.Store, svc *engine.Service, log logs.StructuredLogger) *Worker {
	return &Worker{
		log:      log.With("component", "recalc"),
		cfg:      cfg,
		store:    st,
		resolver: svc.Resolver(),
		registry: svc.Registry(),
		pipeline: svc.Pipeline(),
		wake:     make(chan struct{}, 1),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	if err := w.sweepFormulaVersions(ctx); err != nil {
		w.log.Warnf("formula version sweep failed: %v", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.listen(ctx) })
	g.Go(func() error { return w.dispatchLoop(ctx) })
	g.Go(func() error { return w.jobLoop(ctx) })
	g.Go(func() error { return w.maintenanceLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) nudge() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop folds unprocessed config changes into recalculation jobs. A
// notification wakes it early; the poll ticker catches changes whose
// notification was lost.
func (w *Worker) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.RecalcPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.wake:
			// Let the burst of edits finish before reading the log.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.RecalcDebounce):
			}
		}
		if err := w.dispatch(ctx); err != nil {
			w.log.Warnf("dispatching config changes failed: %v", err)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context) error {
	changes, err := w.store.UnprocessedConfigChanges(ctx, changeBatchLimit)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	type groupKey struct{ table, record, key string }
	seen := map[groupKey]bool{}
	ids := make([]int64, 0, len(changes))

	for _, c := range changes {
		ids = append(ids, c.ID)
		gk := groupKey{c.TableName, c.RecordKey, c.ConfigKey}
		if seen[gk] {
			continue
		}
		seen[gk] = true

		job := w.jobForChange(c)
		if job == nil {
			continue
		}
		job.ConfigChangeID = &c.ID
		enqueued, err := w.store.EnqueueRecalcJob(ctx, job)
		if err != nil {
			return err
		}
		if enqueued {
			w.log.Infof("enqueued %s job %d for %s change (%s)", job.JobType, job.ID, c.TableName, c.RecordKey)
		}
	}
	return w.store.MarkConfigChangesProcessed(ctx, ids)
}

// jobForChange maps one config edit to its recalculation job and invalidates
// the affected config cache entries. Nil means no replay is needed.
func (w *Worker) jobForChange(c model.ConfigChange) *model.RecalcJob {
	recordID, _ := strconv.ParseInt(c.RecordKey, 10, 64)
	reason := "config change on " + c.TableName

	switch c.TableName {
	case "calibration":
		return &model.RecalcJob{
			JobType:      model.JobRecalcFuel,
			TriggerType:  "config_change",
			Priority:     5,
			ScopeVehicle: &recordID,
			Reason:       reason,
		}
	case "fence":
		return &model.RecalcJob{
			JobType:      model.JobRecalcFence,
			TriggerType:  "config_change",
			Priority:     5,
			ScopeFenceID: &recordID,
			Reason:       reason,
		}
	case "score_weights":
		return &model.RecalcJob{
			JobType:     model.JobRefreshScoreViews,
			TriggerType: "config_change",
			Priority:    3,
			Reason:      reason,
		}
	case "tracker_config":
		w.resolver.Invalidate(recordID)
		key := c.ConfigKey
		return &model.RecalcJob{
			JobType:     model.JobRecalcViolations,
			TriggerType: "config_change",
			Priority:    5,
			ScopeIMEI:   &recordID,
			ConfigKey:   &key,
			Reason:      reason,
		}
	case "client_config":
		w.resolver.Invalidate(0)
		key := c.ConfigKey
		return &model.RecalcJob{
			JobType:       model.JobRecalcViolations,
			TriggerType:   "config_change",
			Priority:      4,
			ScopeClientID: &recordID,
			ConfigKey:     &key,
			Reason:        reason,
		}
	case "system_config":
		w.resolver.Invalidate(0)
		key := c.ConfigKey
		return &model.RecalcJob{
			JobType:     model.JobRecalcViolations,
			TriggerType: "config_change",
			Priority:    2,
			ConfigKey:   &key,
			Reason:      reason,
		}
	}
	w.log.Debugf("ignoring config change on %s", c.TableName)
	return nil
}

// jobLoop claims and executes queued jobs one at a time. Replays are heavy;
// the record pipeline must keep getting pool connections.
func (w *Worker) jobLoop(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for {
			job, err := w.store.ClaimRecalcJob(ctx)
			if err != nil {
				w.log.Warnf("claiming recalc job failed: %v", err)
				break
			}
			if job == nil {
				break
			}
			w.runJob(ctx, job)
		}
	}
}

func (w *Worker) runJob(ctx context.Context, j *model.RecalcJob) {
	w.log.Infof("running %s job %d (%s)", j.JobType, j.ID, j.Reason)
	start := time.Now()

	rows, err := w.execute(ctx, j)
	if err != nil {
		metrics.RecalcJobs.WithLabelValues(j.JobType, "failed").Inc()
		w.log.Errorf("%s job %d failed after %s: %v", j.JobType, j.ID, time.Since(start).Round(time.Millisecond), err)
		if ferr := w.store.FailRecalcJob(ctx, j.ID, err.Error()); ferr != nil {
			w.log.Warnf("recording job %d failure failed: %v", j.ID, ferr)
		}
		return
	}
	metrics.RecalcJobs.WithLabelValues(j.JobType, "completed").Inc()
	w.log.Infof("%s job %d completed in %s, %d rows", j.JobType, j.ID, time.Since(start).Round(time.Millisecond), rows)
	if err := w.store.CompleteRecalcJob(ctx, j.ID, rows); err != nil {
		w.log.Warnf("recording job %d completion failed: %v", j.ID, err)
	}
}

// sweepFormulaVersions compares the running calculator chain against the
// registry table. A changed formula triggers one global replay; versions seen
// for the first time are only recorded.
func (w *Worker) sweepFormulaVersions(ctx context.Context) error {
	stored, err := w.store.FormulaVersions(ctx)
	if err != nil {
		return err
	}
	changed := false
	for _, c := range w.registry.Calculators() {
		prev, known := stored[c.Name()]
		if known && prev == c.FormulaVersion() {
			continue
		}
		if known {
			w.log.Infof("calculator %s moved from %s to %s", c.Name(), prev, c.FormulaVersion())
			changed = true
		}
		if err := w.store.SetFormulaVersion(ctx, c.Name(), c.FormulaVersion()); err != nil {
			return err
		}
	}
	if !changed {
		return nil
	}
	_, err = w.store.EnqueueRecalcJob(ctx, &model.RecalcJob{
		JobType:     model.JobRecalcViolations,
		TriggerType: "formula_version",
		Priority:    1,
		Reason:      "formula version change",
	})
	return err
}

// maintenanceLoop refreshes the summary views and trims grown tables on the
// configured cadence.
func (w *Worker) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.MaintenanceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := w.refreshViews(ctx, nil); err != nil {
			w.log.Warnf("maintenance view refresh: %v", err)
		}
		if n, err := w.store.ResetStuckRecalcJobs(ctx, stuckJobCutoff); err != nil {
			w.log.Warnf("resetting stuck jobs failed: %v", err)
		} else if n > 0 {
			w.log.Infof("requeued %d stuck recalc jobs", n)
		}
		cutoff := time.Now().UTC().Add(-historyRetention)
		if n, err := w.store.PurgeStateHistoryBefore(ctx, cutoff); err != nil {
			w.log.Warnf("purging state history failed: %v", err)
		} else if n > 0 {
			w.log.Infof("purged %d state history rows", n)
		}
	}
}
