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

// Package smsgw drives the device-command lifecycle over a pool of cellular
// modems: outbox rows become sends, replies complete them, and everything
// that happens lands in the command history.
package smsgw

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/navtrace/navtrace/internal/config"
	"github.com/navtrace/navtrace/internal/logs"
	"github.com/navtrace/navtrace/internal/metrics"
	"github.com/navtrace/navtrace/internal/model"
	"github.com/navtrace/navtrace/internal/secret"
	"github.com/navtrace/navtrace/internal/store"
)

// inboxDedupWindow is how far back an identical (sim_no, text) counts as the
// same message re-served by the modem.
const inboxDedupWindow = time.Minute

type Service struct {
	log   logs.StructuredLogger
	cfg   config.SMSGateway
	store *store.CommandStore
	enc   *secret.Encryptor

	clients map[int64]cachedClient
}

// cachedClient remembers the host a client was built for, so a re-pointed
// modem row gets a fresh client and token.
type cachedClient struct {
	host   string
	client *modemClient
}

func NewService(cfg config.SMSGateway, st *store.CommandStore, enc *secret.Encryptor, log logs.StructuredLogger) *Service {
	return &Service{
		log:     log.With("component", "smsgw"),
		cfg:     cfg,
		store:   st,
		enc:     enc,
		clients: map[int64]cachedClient{},
	}
}

// Run sweeps leftovers from the previous process first, then polls. Inbox
// polling rides the outbox ticker every InboxEveryNCycles cycles.
func (s *Service) Run(ctx context.Context) error {
	s.cleanupCycle(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pollLoop(ctx) })
	g.Go(func() error { return s.cleanupLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		s.outboxCycle(ctx)
		cycle++
		if cycle%s.cfg.InboxEveryNCycles == 0 {
			s.inboxCycle(ctx)
		}
	}
}

func (s *Service) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		s.cleanupCycle(ctx)
	}
}

// clientFor returns the cached client for a modem, decrypting its stored
// password on first use.
func (s *Service) clientFor(m *model.Modem) (*modemClient, error) {
	if c, ok := s.clients[m.ID]; ok && c.host == m.Host {
		return c.client, nil
	}
	pass, err := s.enc.Decrypt(m.Password)
	if err != nil {
		return nil, err
	}
	c := newModemClient(m.Host, m.Username, pass, m.SIMSlot, s.cfg.ModemHTTPTimeout)
	s.clients[m.ID] = cachedClient{host: m.Host, client: c}
	return c, nil
}

func (s *Service) setHealth(ctx context.Context, m *model.Modem, status string) {
	if m.HealthStatus == status {
		return
	}
	s.log.Infof("modem %s health %s -> %s", m.Name, m.HealthStatus, status)
	m.HealthStatus = status
	if err := s.store.SetModemHealth(ctx, m.ID, status); err != nil {
		s.log.Warnf("recording modem %s health: %v", m.Name, err)
	}
	metrics.ModemHealth.WithLabelValues(m.Name).Set(metrics.ModemHealthValue(status))
}

// outboxCycle sends the oldest pending commands through the selected modems.
func (s *Service) outboxCycle(ctx context.Context) {
	pending, err := s.store.PendingOutbox(ctx, s.cfg.OutboxBatch)
	if err != nil {
		s.log.Warnf("fetching outbox: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	modems, err := s.store.Modems(ctx)
	if err != nil {
		s.log.Warnf("listing modems: %v", err)
		return
	}
	for _, m := range modems {
		metrics.ModemHealth.WithLabelValues(m.Name).Set(metrics.ModemHealthValue(m.HealthStatus))
	}

	for i := range pending {
		s.sendCommand(ctx, &pending[i], modems)
	}
}

func (s *Service) sendCommand(ctx context.Context, cmd *model.CommandOutbox, modems []model.Modem) {
	pinned, err := s.store.PinnedModemID(ctx, cmd.SIMNo)
	if err != nil {
		s.log.Warnf("resolving pinned modem for %s: %v", cmd.SIMNo, err)
	}
	modem := selectModem(modems, pinned)
	if modem == nil {
		// No modem can take the send right now; the outbox timeout decides
		// when to give up.
		s.log.Warnf("no eligible modem for command %d to %s", cmd.ID, cmd.SIMNo)
		return
	}

	client, err := s.clientFor(modem)
	if err != nil {
		s.log.Errorf("building client for modem %s: %v", modem.Name, err)
		return
	}

	smsUsed, err := client.Send(ctx, cmd.SIMNo, cmd.Text)
	if err != nil {
		s.log.Warnf("sending command %d via modem %s: %v", cmd.ID, modem.Name, err)
		if errors.Is(err, errModemUnauthorized) {
			s.setHealth(ctx, modem, model.ModemUnhealthy)
		} else {
			s.setHealth(ctx, modem, model.ModemDegraded)
		}
		s.failOrRetry(ctx, cmd, modem)
		return
	}

	modem.SMSSentToday += smsUsed
	s.setHealth(ctx, modem, model.ModemHealthy)
	if err := s.store.NoteModemSend(ctx, modem.ID, smsUsed); err != nil {
		s.log.Warnf("noting usage on modem %s: %v", modem.Name, err)
	}

	sent := &model.CommandSent{
		OutboxID:  cmd.ID,
		IMEI:      cmd.IMEI,
		SIMNo:     cmd.SIMNo,
		Text:      cmd.Text,
		Status:    model.CommandSentStatus,
		ModemID:   modem.ID,
		ModemName: modem.Name,
		ConfigID:  cmd.ConfigID,
		UserID:    cmd.UserID,
		SentAt:    time.Now().UTC(),
	}
	if err := s.store.InsertSent(ctx, sent); err != nil {
		s.log.Errorf("recording sent command %d: %v", cmd.ID, err)
		return
	}
	s.history(ctx, cmd.IMEI, cmd.SIMNo, cmd.Text, model.DirectionOutgoing, model.CommandSentStatus, &modem.ID, cmd.ConfigID, cmd.UserID)
	if err := s.store.DeleteOutbox(ctx, cmd.ID); err != nil {
		s.log.Warnf("deleting outbox row %d: %v", cmd.ID, err)
	}
	metrics.CommandsProcessed.WithLabelValues("sent").Inc()
	s.log.Infof("command %d sent to %s via modem %s (%d parts)", cmd.ID, cmd.SIMNo, modem.Name, smsUsed)
}

func (s *Service) failOrRetry(ctx context.Context, cmd *model.CommandOutbox, modem *model.Modem) {
	count, err := s.store.IncrementOutboxRetry(ctx, cmd.ID)
	if err != nil {
		s.log.Warnf("bumping retry on command %d: %v", cmd.ID, err)
		return
	}
	if count < s.cfg.MaxRetries {
		metrics.CommandsProcessed.WithLabelValues("retried").Inc()
		return
	}
	sent := &model.CommandSent{
		OutboxID:  cmd.ID,
		IMEI:      cmd.IMEI,
		SIMNo:     cmd.SIMNo,
		Text:      cmd.Text,
		Status:    model.CommandFailed,
		ModemID:   modem.ID,
		ModemName: modem.Name,
		ConfigID:  cmd.ConfigID,
		UserID:    cmd.UserID,
		SentAt:    time.Now().UTC(),
	}
	if err := s.store.InsertSent(ctx, sent); err != nil {
		s.log.Errorf("recording failed command %d: %v", cmd.ID, err)
	}
	s.history(ctx, cmd.IMEI, cmd.SIMNo, cmd.Text, model.DirectionOutgoing, model.CommandFailed, &modem.ID, cmd.ConfigID, cmd.UserID)
	if err := s.store.DeleteOutbox(ctx, cmd.ID); err != nil {
		s.log.Warnf("deleting outbox row %d: %v", cmd.ID, err)
	}
	metrics.CommandsProcessed.WithLabelValues("failed").Inc()
	s.log.Warnf("command %d to %s failed after %d attempts", cmd.ID, cmd.SIMNo, count)
}

// inboxCycle drains every enabled modem's inbox and matches replies to
// outstanding commands.
func (s *Service) inboxCycle(ctx context.Context) {
	modems, err := s.store.Modems(ctx)
	if err != nil {
		s.log.Warnf("listing modems: %v", err)
		return
	}
	for i := range modems {
		s.drainModemInbox(ctx, &modems[i])
	}
}

func (s *Service) drainModemInbox(ctx context.Context, modem *model.Modem) {
	client, err := s.clientFor(modem)
	if err != nil {
		s.log.Errorf("building client for modem %s: %v", modem.Name, err)
		return
	}
	msgs, err := client.Inbox(ctx)
	if err != nil {
		s.log.Warnf("polling inbox of modem %s: %v", modem.Name, err)
		if errors.Is(err, errModemUnauthorized) {
			s.setHealth(ctx, modem, model.ModemUnhealthy)
		} else {
			s.setHealth(ctx, modem, model.ModemDegraded)
		}
		return
	}
	s.setHealth(ctx, modem, model.ModemHealthy)

	for _, msg := range msgs {
		if err := s.handleIncoming(ctx, modem, client, msg); err != nil && ctx.Err() == nil {
			s.log.Warnf("handling inbox message %d on modem %s: %v", msg.ID, modem.Name, err)
		}
	}
}

func (s *Service) handleIncoming(ctx context.Context, modem *model.Modem, client *modemClient, msg inboxMessage) error {
	dup, err := s.store.RecentIncomingDuplicate(ctx, msg.From, msg.Text, inboxDedupWindow)
	if err != nil {
		return err
	}
	if dup {
		metrics.InboxDuplicates.Inc()
		return client.Delete(ctx, msg.ID)
	}

	if err := s.store.InsertInbox(ctx, &model.CommandInbox{
		ModemID:    modem.ID,
		SIMNo:      msg.From,
		Text:       msg.Text,
		ReceivedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	cmd, err := s.matchReply(ctx, msg.From)
	if err != nil {
		return err
	}
	if cmd == nil {
		imei, err := s.store.IMEIForSIM(ctx, msg.From)
		if err != nil {
			s.log.Warnf("resolving sender %s: %v", msg.From, err)
		}
		s.history(ctx, imei, msg.From, msg.Text, model.DirectionIncoming, "received", &modem.ID, nil, nil)
		return client.Delete(ctx, msg.ID)
	}

	// Reply matched: close the lifecycle. The sent row goes away; history
	// keeps both directions.
	if err := s.store.CompleteSent(ctx, cmd.ID, model.CommandSuccessful, &msg.Text); err != nil {
		return err
	}
	if err := s.store.CompleteOutgoingHistory(ctx, cmd.SIMNo, cmd.Text, model.CommandSuccessful); err != nil {
		s.log.Warnf("completing history for command %d: %v", cmd.ID, err)
	}
	s.history(ctx, cmd.IMEI, msg.From, msg.Text, model.DirectionIncoming, "received", &modem.ID, cmd.ConfigID, cmd.UserID)
	if err := s.store.DeleteSent(ctx, cmd.ID); err != nil {
		s.log.Warnf("deleting completed sent row %d: %v", cmd.ID, err)
	}
	metrics.ResponsesMatched.Inc()
	s.log.Infof("reply from %s completed command %d", msg.From, cmd.OutboxID)
	return client.Delete(ctx, msg.ID)
}

// matchReply finds the most recent command still awaiting a reply from this
// SIM inside the reply window. AwaitingReply returns newest first, so the
// first hit wins.
func (s *Service) matchReply(ctx context.Context, simNo string) (*model.CommandSent, error) {
	awaiting, err := s.store.AwaitingReply(ctx)
	if err != nil {
		return nil, err
	}
	return pickReply(awaiting, simNo, time.Now().UTC().Add(-s.cfg.ReplyTimeout)), nil
}

// pickReply chooses the command a reply fulfils: the first row for the SIM
// still inside the window. Rows arrive newest first, so a device answering
// late claims its latest command, not a stale one.
func pickReply(awaiting []model.CommandSent, simNo string, cutoff time.Time) *model.CommandSent {
	for i := range awaiting {
		if awaiting[i].SIMNo == simNo && awaiting[i].SentAt.After(cutoff) {
			return &awaiting[i]
		}
	}
	return nil
}

// cleanupCycle expires commands stuck in the outbox and replies that never
// came. Also run once at startup to sweep a crashed predecessor's leftovers.
func (s *Service) cleanupCycle(ctx context.Context) {
	stale, err := s.store.StaleOutbox(ctx, time.Now().UTC().Add(-s.cfg.OutboxTimeout))
	if err != nil {
		s.log.Warnf("fetching stale outbox: %v", err)
	} else {
		for i := range stale {
			cmd := &stale[i]
			s.history(ctx, cmd.IMEI, cmd.SIMNo, cmd.Text, model.DirectionOutgoing, model.CommandFailed, nil, cmd.ConfigID, cmd.UserID)
			if err := s.store.DeleteOutbox(ctx, cmd.ID); err != nil {
				s.log.Warnf("deleting expired outbox row %d: %v", cmd.ID, err)
				continue
			}
			metrics.CommandsProcessed.WithLabelValues("timed_out").Inc()
			s.log.Warnf("command %d to %s expired in the outbox", cmd.ID, cmd.SIMNo)
		}
	}

	expired, err := s.store.TimeoutSent(ctx, time.Now().UTC().Add(-s.cfg.ReplyTimeout))
	if err != nil {
		s.log.Warnf("timing out sent commands: %v", err)
		return
	}
	for i := range expired {
		cmd := &expired[i]
		if err := s.store.CompleteOutgoingHistory(ctx, cmd.SIMNo, cmd.Text, model.CommandNoReply); err != nil {
			s.log.Warnf("completing history for command %d: %v", cmd.ID, err)
		}
		if err := s.store.DeleteSent(ctx, cmd.ID); err != nil {
			s.log.Warnf("deleting timed-out sent row %d: %v", cmd.ID, err)
		}
		metrics.CommandsProcessed.WithLabelValues("no_reply").Inc()
		s.log.Infof("command %d to %s got no reply", cmd.OutboxID, cmd.SIMNo)
	}
}

func (s *Service) history(ctx context.Context, imei int64, simNo, text, direction, status string, modemID *int64, configID, userID *int64) {
	err := s.store.InsertHistory(ctx, &model.CommandHistory{
		IMEI:      imei,
		SIMNo:     simNo,
		Text:      text,
		Direction: direction,
		Status:    status,
		ModemID:   modemID,
		ConfigID:  configID,
		UserID:    userID,
	})
	if err != nil {
		s.log.Warnf("appending command history for %s: %v", simNo, err)
	}
}
