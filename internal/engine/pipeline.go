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
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/navtrace/navtrace/internal/broker"
	"github.com/navtrace/navtrace/internal/configcache"
	"github.com/navtrace/navtrace/internal/logs"
	"github.com/navtrace/navtrace/internal/metrics"
	"github.com/navtrace/navtrace/internal/model"
	"github.com/navtrace/navtrace/internal/store"
)

// Pipeline runs the calculator chain over one record and persists the result:
// trips, stoppages, metric events, state history, and the engine-owned
// laststatus columns, in that order.
type Pipeline struct {
	log      logs.StructuredLogger
	store    *store.Store
	registry *Registry
	resolver *configcache.Resolver
	broker   *broker.Broker

	// shadow computes and logs but never writes; used to validate formula
	// changes against production traffic.
	shadow bool
}

func NewPipeline(st *store.Store, reg *Registry, res *configcache.Resolver, bk *broker.Broker, shadow bool, log logs.StructuredLogger) *Pipeline {
	return &Pipeline{
		log:      log.With("component", "pipeline"),
		store:    st,
		registry: reg,
		resolver: res,
		broker:   bk,
		shadow:   shadow,
	}
}

// Process handles one live record end to end. Records at or before the last
// processed gps_time are dropped silently; the consumer already stored the raw
// sample and derived state must only ever move forward.
func (p *Pipeline) Process(ctx context.Context, pt *model.TrackPoint) error {
	tracker, err := p.store.Tracker(ctx, pt.IMEI)
	if err != nil {
		return err
	}
	if tracker == nil {
		p.log.Debugf("imei %d is not registered, skipping", pt.IMEI)
		return nil
	}

	ls, err := p.store.GetLastStatus(ctx, pt.IMEI)
	if err != nil {
		return err
	}
	var state model.EngineState
	if ls != nil {
		state = ls.Engine
	}
	if state.LastProcessedGPSTime != nil && !pt.GPSTime.After(*state.LastProcessedGPSTime) {
		metrics.StaleRecordsDropped.Inc()
		return nil
	}

	cfg, err := p.resolver.ResolveAll(ctx, pt.IMEI)
	if err != nil {
		return err
	}

	ec := p.run(ctx, &state, tracker, cfg, pt, false)

	if p.shadow {
		p.logShadow(ec)
		return nil
	}
	return p.commit(ctx, ec)
}

// Step runs the chain over one record with caller-owned state and returns the
// emitted events. Nothing is persisted; recalculation replays drive this.
func (p *Pipeline) Step(ctx context.Context, state *model.EngineState, tracker *model.Tracker, cfg configcache.Config, pt *model.TrackPoint) []*model.MetricEvent {
	ec := p.run(ctx, state, tracker, cfg, pt, true)
	return ec.events
}

func (p *Pipeline) run(ctx context.Context, state *model.EngineState, tracker *model.Tracker, cfg configcache.Config, pt *model.TrackPoint, backfill bool) *Context {
	prev := *state
	ec := &Context{
		IMEI:      pt.IMEI,
		VehicleID: tracker.VehicleID,
		ClientID:  tracker.ClientID,
		Point:     pt,
		State:     state,
		Prev:      prev,
		Config:    cfg,
		Tracker:   tracker,
		Backfill:  backfill,
	}
	if prev.LastProcessedGPSTime != nil {
		ec.SecondsSinceLast = pt.GPSTime.Sub(*prev.LastProcessedGPSTime).Seconds()
	}

	p.registry.Run(ctx, ec)

	at := pt.GPSTime
	state.LastProcessedGPSTime = &at
	state.LastLatitude = &pt.Latitude
	state.LastLongitude = &pt.Longitude
	return ec
}

func (p *Pipeline) commit(ctx context.Context, ec *Context) error {
	if err := p.resolveTripAction(ctx, ec); err != nil {
		return err
	}

	if ec.State.TripInProgress && ec.State.CurrentTripID != nil && ec.DistanceKM > 0 {
		if err := p.store.UpdateTripProgress(ctx, *ec.State.CurrentTripID, ec.DistanceKM); err != nil {
			return err
		}
	}
	for _, l := range ec.stoppages {
		if err := p.store.InsertStoppage(ctx, l); err != nil {
			return err
		}
	}
	if err := p.store.InsertMetricEvents(ctx, ec.events); err != nil {
		return err
	}
	if ec.Prev.VehicleState != ec.State.VehicleState {
		h := &model.LastStatusHistory{
			IMEI:          ec.IMEI,
			GPSTime:       ec.Point.GPSTime,
			PreviousState: ec.Prev.VehicleState,
			NewState:      ec.State.VehicleState,
			Latitude:      ec.Point.Latitude,
			Longitude:     ec.Point.Longitude,
		}
		if err := p.store.InsertStateHistory(ctx, h); err != nil {
			return err
		}
	}
	if err := p.store.UpsertEngineState(ctx, ec.IMEI, ec.State); err != nil {
		return err
	}

	p.publishNotifications(ctx, ec)
	return nil
}

// resolveTripAction turns the virtual action requested by the trip
// calculators into trip-table rows and the matching engine-state fields.
func (p *Pipeline) resolveTripAction(ctx context.Context, ec *Context) error {
	a := ec.tripAction
	if a == nil {
		return nil
	}
	at := ec.Point.GPSTime

	switch a.Kind {
	case TripStart:
		trip := &model.Trip{
			VehicleID:      ec.VehicleID,
			IMEI:           ec.IMEI,
			Type:           a.TripType,
			Status:         model.TripOngoing,
			CreationMode:   model.TripAutomatic,
			StartTime:      at,
			StartLatitude:  ec.Point.Latitude,
			StartLongitude: ec.Point.Longitude,
		}
		if err := p.store.InsertTrip(ctx, trip); err != nil {
			return err
		}
		switch a.TripType {
		case model.TripRouteBased:
			err := p.store.InsertTripRouteExtension(ctx, &model.TripRouteExtension{
				TripID: trip.ID, RouteID: a.RouteID, RouteAssignmentID: a.RouteAssignmentID,
			})
			if err != nil {
				return err
			}
		case model.TripRoundTrip:
			err := p.store.InsertTripRoundExtension(ctx, &model.TripRoundExtension{
				TripID: trip.ID, UploadSheetID: a.UploadSheetID, DestinationID: a.DestinationID,
			})
			if err != nil {
				return err
			}
			if err := p.store.ConsumeUploadSheet(ctx, a.UploadSheetID); err != nil {
				return err
			}
		}
		ec.State.CurrentTripID = &trip.ID
		ec.State.TripInProgress = true
		p.log.Infof("started %s trip %d for imei %d", a.TripType, trip.ID, ec.IMEI)

	case TripEnd:
		id := a.TripID
		if id == 0 && ec.State.CurrentTripID != nil {
			id = *ec.State.CurrentTripID
		}
		if id == 0 {
			p.clearTripState(ec)
			return nil
		}
		if a.Status == model.TripDeviated {
			if n, err := p.store.IncrementTripDeviation(ctx, id); err != nil {
				p.log.Warnf("counting deviation on trip %d failed: %v", id, err)
			} else {
				p.log.Infof("trip %d deviated (%d times)", id, n)
			}
		}
		if err := p.endTrip(ctx, ec, id, a.Status); err != nil {
			return err
		}
		p.clearTripState(ec)

	case TripFenceExit:
		err := p.store.UpdateTripFenceWiseExtension(ctx, &model.TripFenceWiseExtension{
			TripID:         a.TripID,
			SourceExitTime: ec.State.SourceExitTime,
		})
		if err != nil {
			return err
		}

	case TripFenceArrive:
		err := p.store.UpdateTripFenceWiseExtension(ctx, &model.TripFenceWiseExtension{
			TripID:                 a.TripID,
			SourceExitTime:         ec.State.SourceExitTime,
			DestinationArrivalTime: ec.State.DestinationArrivalTime,
		})
		if err != nil {
			return err
		}
		if err := p.endTrip(ctx, ec, a.TripID, model.TripCompleted); err != nil {
			return err
		}
		p.clearTripState(ec)

	case TripRoundArrive:
		ext, err := p.store.TripRoundExtension(ctx, a.TripID)
		if err != nil {
			return err
		}
		if ext == nil {
			return fmt.Errorf("round extension missing for trip %d", a.TripID)
		}
		ext.ArrivalTime = &at
		if err := p.store.UpdateTripRoundExtension(ctx, ext); err != nil {
			return err
		}

	case TripRoundDepart:
		ext, err := p.store.TripRoundExtension(ctx, a.TripID)
		if err != nil {
			return err
		}
		if ext == nil {
			return fmt.Errorf("round extension missing for trip %d", a.TripID)
		}
		ext.DepartureTime = &at
		ext.TimeCompliance = a.TimeCompliance
		if err := p.store.UpdateTripRoundExtension(ctx, ext); err != nil {
			return err
		}
		if err := p.endTrip(ctx, ec, a.TripID, model.TripCompleted); err != nil {
			return err
		}
		p.clearTripState(ec)
	}
	return nil
}

func (p *Pipeline) endTrip(ctx context.Context, ec *Context, tripID int64, status string) error {
	trip, err := p.store.TripByID(ctx, tripID)
	if err != nil {
		return err
	}
	if trip == nil {
		p.log.Warnf("trip %d vanished before completion", tripID)
		return nil
	}
	at := ec.Point.GPSTime
	trip.Status = status
	if trip.Status == "" {
		trip.Status = model.TripCompleted
	}
	trip.EndTime = &at
	trip.EndLatitude = &ec.Point.Latitude
	trip.EndLongitude = &ec.Point.Longitude
	trip.TotalDistanceKM += ec.DistanceKM
	trip.TotalDurationSec = int64(at.Sub(trip.StartTime).Seconds())
	if err := p.store.CompleteTrip(ctx, trip); err != nil {
		return err
	}
	p.log.Infof("closed trip %d for imei %d as %s (%.1f km over %ds)",
		trip.ID, ec.IMEI, trip.Status, trip.TotalDistanceKM, trip.TotalDurationSec)
	return nil
}

func (p *Pipeline) clearTripState(ec *Context) {
	ec.State.CurrentTripID = nil
	ec.State.TripInProgress = false
	ec.State.StoppageStartTime = nil
	ec.State.StoppageLatitude = nil
	ec.State.StoppageLongitude = nil
	ec.State.SourceExitTime = nil
	ec.State.DestinationArrivalTime = nil
}

// publishNotifications forwards events that metrics_alarm_config routes to the
// notification pipeline. Fire-and-forget: delivery problems are logged, never
// allowed to fail the record.
func (p *Pipeline) publishNotifications(ctx context.Context, ec *Context) {
	if p.broker == nil {
		return
	}
	for _, e := range ec.events {
		route, err := p.store.MetricsAlarmRouting(ctx, e.EventType)
		if err != nil {
			p.log.Warnf("routing lookup for %s failed: %v", e.EventType, err)
			continue
		}
		if route == nil || !route.IsAlarm {
			continue
		}
		body, err := json.Marshal(map[string]any{
			"imei":            e.IMEI,
			"gps_time":        e.GPSTime,
			"event_category":  e.Category,
			"event_type":      e.EventType,
			"event_value":     e.Value,
			"threshold_value": e.Threshold,
			"latitude":        e.Latitude,
			"longitude":       e.Longitude,
			"priority":        route.Priority,
			"is_sms":          route.SMS,
			"is_email":        route.Email,
			"is_call":         route.Call,
			"metadata":        e.Metadata,
		})
		if err != nil {
			p.log.Warnf("marshaling %s notification: %v", e.EventType, err)
			continue
		}
		msg := amqp.Publishing{
			ContentType: "application/json",
			MessageId:   fmt.Sprintf("metric-%d-%d-%s", e.IMEI, e.GPSTime.Unix(), e.EventType),
			Priority:    broker.ClampPriority(route.Priority),
			Body:        body,
		}
		if err := p.broker.Publish(ctx, broker.AlarmExchange, broker.NotificationKey, msg); err != nil {
			p.log.Warnf("publishing %s notification for imei %d failed: %v", e.EventType, e.IMEI, err)
			continue
		}
		metrics.AlarmsPublished.Inc()
	}
}

func (p *Pipeline) logShadow(ec *Context) {
	for _, e := range ec.events {
		p.log.Infof("shadow: imei %d would emit %s/%s at %s",
			ec.IMEI, e.Category, e.EventType, e.GPSTime.Format(time.RFC3339))
	}
	if a := ec.tripAction; a != nil {
		p.log.Infof("shadow: imei %d would apply trip action %s", ec.IMEI, a.Kind)
	}
}
