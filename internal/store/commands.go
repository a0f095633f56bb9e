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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/navtrace/navtrace/internal/model"
)

// CommandStore holds the SMS gateway queries. It speaks sqlx over the shared
// pgx pool so the struct-tagged command entities scan without boilerplate.
type CommandStore struct {
	s  *Store
	db *sqlx.DB
}

func (s *Store) Commands() *CommandStore {
	return &CommandStore{s: s, db: sqlx.NewDb(s.SQLDB(), "pgx")}
}

func (c *CommandStore) Close() error {
	return c.db.Close()
}

// Modems returns the enabled modem pool with today's usage folded into
// sms_sent_today.
func (c *CommandStore) Modems(ctx context.Context) ([]model.Modem, error) {
	var modems []model.Modem
	err := c.db.SelectContext(ctx, &modems, `
SELECT m.id, m.name, m.host, m.username, m.password, m.sim_slot, m.health_status,
       COALESCE(u.sms_used, 0) AS sms_sent_today,
       m.daily_limit, m.priority, m.allowed_services, m.enabled
FROM alarms_sms_modems m
LEFT JOIN alarms_sms_modem_usage u
       ON u.modem_id = m.id AND u.used_on = (now() AT TIME ZONE 'utc')::date
WHERE m.enabled
ORDER BY m.priority DESC, m.id`)
	c.s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("listing modems: %w", err)
	}
	return modems, nil
}

// NoteModemSend adds the parts one send consumed to the per-day usage row.
// Multi-part messages count by sms_used as the modem reports it, not by one.
func (c *CommandStore) NoteModemSend(ctx context.Context, modemID int64, smsUsed int) error {
	if smsUsed < 1 {
		smsUsed = 1
	}
	_, err := c.db.ExecContext(ctx, `
INSERT INTO alarms_sms_modem_usage (modem_id, used_on, sms_used)
VALUES ($1, (now() AT TIME ZONE 'utc')::date, $2)
ON CONFLICT (modem_id, used_on) DO UPDATE SET sms_used = alarms_sms_modem_usage.sms_used + EXCLUDED.sms_used`,
		modemID, smsUsed)
	c.s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("recording send on modem %d: %w", modemID, err)
	}
	return nil
}

func (c *CommandStore) SetModemHealth(ctx context.Context, modemID int64, status string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE alarms_sms_modems SET health_status = $2 WHERE id = $1`, modemID, status)
	c.s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("setting modem %d health: %w", modemID, err)
	}
	return nil
}

// PinnedModemID returns the modem pinned to a SIM through its unit row, or 0.
func (c *CommandStore) PinnedModemID(ctx context.Context, simNo string) (int64, error) {
	var id int64
	err := c.db.GetContext(ctx, &id, `
SELECT COALESCE(modem_id, 0) FROM unit WHERE sim_no = $1 LIMIT 1`, simNo)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	c.s.NoteResult(err)
	if err != nil {
		return 0, fmt.Errorf("resolving pinned modem for %s: %w", simNo, err)
	}
	return id, nil
}

// PendingOutbox returns the oldest pending SMS commands, FIFO. Other send
// methods are owned by other dispatchers.
func (c *CommandStore) PendingOutbox(ctx context.Context, limit int) ([]model.CommandOutbox, error) {
	var out []model.CommandOutbox
	err := c.db.SelectContext(ctx, &out, `
SELECT id, imei, sim_no, text, send_method, config_id, user_id, retry_count, created_at
FROM command_outbox
WHERE send_method = 'sms'
ORDER BY created_at
LIMIT $1`, limit)
	c.s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("fetching pending outbox: %w", err)
	}
	return out, nil
}

func (c *CommandStore) DeleteOutbox(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM command_outbox WHERE id = $1`, id)
	c.s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("deleting outbox row %d: %w", id, err)
	}
	return nil
}

// IncrementOutboxRetry bumps the retry counter and returns the new count so
// the caller can decide when to give up.
func (c *CommandStore) IncrementOutboxRetry(ctx context.Context, id int64) (int, error) {
	var count int
	err := c.db.GetContext(ctx, &count, `
UPDATE command_outbox SET retry_count = retry_count + 1
WHERE id = $1 RETURNING retry_count`, id)
	c.s.NoteResult(err)
	if err != nil {
		return 0, fmt.Errorf("bumping outbox retry %d: %w", id, err)
	}
	return count, nil
}

// StaleOutbox returns commands that have sat unpicked past the cutoff.
func (c *CommandStore) StaleOutbox(ctx context.Context, cutoff time.Time) ([]model.CommandOutbox, error) {
	var out []model.CommandOutbox
	err := c.db.SelectContext(ctx, &out, `
SELECT id, imei, sim_no, text, send_method, config_id, user_id, retry_count, created_at
FROM command_outbox
WHERE created_at < $1`, cutoff)
	c.s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("fetching stale outbox: %w", err)
	}
	return out, nil
}

func (c *CommandStore) InsertSent(ctx context.Context, cs *model.CommandSent) error {
	err := c.db.GetContext(ctx, &cs.ID, `
INSERT INTO command_sent (outbox_id, imei, sim_no, text, status, modem_id, modem_name, config_id, user_id, sent_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`,
		cs.OutboxID, cs.IMEI, cs.SIMNo, cs.Text, cs.Status, cs.ModemID, cs.ModemName,
		cs.ConfigID, cs.UserID, cs.SentAt)
	c.s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("inserting sent command for imei %d: %w", cs.IMEI, err)
	}
	return nil
}

// AwaitingReply returns sent commands still waiting for a device response,
// newest first, so the most recent command claims an ambiguous reply.
func (c *CommandStore) AwaitingReply(ctx context.Context) ([]model.CommandSent, error) {
	var sent []model.CommandSent
	err := c.db.SelectContext(ctx, &sent, `
SELECT id, outbox_id, imei, sim_no, text, status, response, modem_id, modem_name, config_id, user_id, sent_at
FROM command_sent
WHERE status = 'sent'
ORDER BY sent_at DESC`)
	c.s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("fetching commands awaiting reply: %w", err)
	}
	return sent, nil
}

func (c *CommandStore) CompleteSent(ctx context.Context, id int64, status string, response *string) error {
	_, err := c.db.ExecContext(ctx, `
UPDATE command_sent SET status = $2, response = $3 WHERE id = $1`, id, status, response)
	c.s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("completing sent command %d: %w", id, err)
	}
	return nil
}

// DeleteSent removes a sent row whose lifecycle ended. The history table
// keeps the audit trail.
func (c *CommandStore) DeleteSent(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM command_sent WHERE id = $1`, id)
	c.s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("deleting sent command %d: %w", id, err)
	}
	return nil
}

// CompleteOutgoingHistory stamps the final status on the most recent
// still-sent outgoing history row for (sim_no, text).
func (c *CommandStore) CompleteOutgoingHistory(ctx context.Context, simNo, text, status string) error {
	_, err := c.db.ExecContext(ctx, `
UPDATE command_history SET status = $3
WHERE id = (
    SELECT id FROM command_history
    WHERE sim_no = $1 AND text = $2 AND direction = 'outgoing' AND status = 'sent'
    ORDER BY created_at DESC
    LIMIT 1
)`, simNo, text, status)
	c.s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("completing outgoing history for %s: %w", simNo, err)
	}
	return nil
}

// TimeoutSent marks replies overdue past the cutoff as no_reply and returns
// the affected commands for history logging.
func (c *CommandStore) TimeoutSent(ctx context.Context, cutoff time.Time) ([]model.CommandSent, error) {
	var sent []model.CommandSent
	err := c.db.SelectContext(ctx, &sent, `
UPDATE command_sent SET status = 'no_reply'
WHERE status = 'sent' AND sent_at < $1
RETURNING id, outbox_id, imei, sim_no, text, status, response, modem_id, modem_name, config_id, user_id, sent_at`,
		cutoff)
	c.s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("timing out sent commands: %w", err)
	}
	return sent, nil
}

func (c *CommandStore) InsertInbox(ctx context.Context, in *model.CommandInbox) error {
	err := c.db.GetContext(ctx, &in.ID, `
INSERT INTO command_inbox (modem_id, sim_no, text, received_at)
VALUES ($1, $2, $3, $4)
RETURNING id`, in.ModemID, in.SIMNo, in.Text, in.ReceivedAt)
	c.s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("inserting inbox message from %s: %w", in.SIMNo, err)
	}
	return nil
}

// Inbox returns undelivered incoming messages, oldest first.
func (c *CommandStore) Inbox(ctx context.Context) ([]model.CommandInbox, error) {
	var in []model.CommandInbox
	err := c.db.SelectContext(ctx, &in, `
SELECT id, modem_id, sim_no, text, received_at
FROM command_inbox
ORDER BY received_at`)
	c.s.NoteResult(err)
	if err != nil {
		return nil, fmt.Errorf("fetching inbox: %w", err)
	}
	return in, nil
}

func (c *CommandStore) DeleteInbox(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM command_inbox WHERE id = $1`, id)
	c.s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("deleting inbox row %d: %w", id, err)
	}
	return nil
}

// RecentIncomingDuplicate reports whether the same (sim_no, text) pair was
// already logged inside the window. Modem inboxes re-serve messages until
// deleted, so polls overlap.
func (c *CommandStore) RecentIncomingDuplicate(ctx context.Context, simNo, text string, window time.Duration) (bool, error) {
	var exists bool
	err := c.db.GetContext(ctx, &exists, `
SELECT EXISTS (
    SELECT 1 FROM command_history
    WHERE sim_no = $1 AND text = $2 AND direction = 'incoming' AND created_at > $3
)`, simNo, text, time.Now().UTC().Add(-window))
	c.s.NoteResult(err)
	if err != nil {
		return false, fmt.Errorf("checking incoming duplicate for %s: %w", simNo, err)
	}
	return exists, nil
}

func (c *CommandStore) InsertHistory(ctx context.Context, h *model.CommandHistory) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO command_history (imei, sim_no, text, direction, status, modem_id, config_id, user_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.IMEI, h.SIMNo, h.Text, h.Direction, h.Status, h.ModemID, h.ConfigID, h.UserID)
	c.s.NoteResult(err)
	if err != nil {
		return fmt.Errorf("inserting command history for %s: %w", h.SIMNo, err)
	}
	return nil
}

// IMEIForSIM resolves a SIM number back to a device, 0 when unknown.
func (c *CommandStore) IMEIForSIM(ctx context.Context, simNo string) (int64, error) {
	var imei int64
	err := c.db.GetContext(ctx, &imei, `
SELECT COALESCE(imei, 0) FROM unit WHERE sim_no = $1 LIMIT 1`, simNo)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	c.s.NoteResult(err)
	if err != nil {
		return 0, fmt.Errorf("resolving imei for sim %s: %w", simNo, err)
	}
	return imei, nil
}
