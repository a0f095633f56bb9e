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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"gotest.tools/v3/assert"

	"github.com/navtrace/navtrace/internal/logs"
)

func newMockCommands(t *testing.T) (*CommandStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NilError(t, err)
	t.Cleanup(func() { db.Close() })
	return &CommandStore{
		s:  &Store{log: logs.DiscardLogger()},
		db: sqlx.NewDb(db, "sqlmock"),
	}, mock
}

func TestModemsFoldsTodayUsage(t *testing.T) {
	c, mock := newMockCommands(t)

	mock.ExpectQuery("SELECT m.id, m.name").WillReturnRows(
		sqlmock.NewRows([]string{
			"id", "name", "host", "username", "password", "sim_slot", "health_status",
			"sms_sent_today", "daily_limit", "priority", "allowed_services", "enabled",
		}).
			AddRow(1, "modem-a", "http://10.0.0.2", "admin", "enc", 1, "healthy", 480, 500, 9, "commands", true).
			AddRow(2, "modem-b", "http://10.0.0.3", "admin", "enc", 1, "unknown", 0, 500, 5, "commands,alerts", true))

	modems, err := c.Modems(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, 2, len(modems))
	assert.Equal(t, 20, modems[0].Remaining())
	assert.Equal(t, 500, modems[1].Remaining())
	assert.NilError(t, mock.ExpectationsWereMet())
}

func TestTimeoutSentReturnsExpiredCommands(t *testing.T) {
	c, mock := newMockCommands(t)

	mock.ExpectQuery("UPDATE command_sent SET status = 'no_reply'").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "outbox_id", "imei", "sim_no", "text", "status", "response",
			"modem_id", "modem_name", "config_id", "user_id", "sent_at",
		}).AddRow(7, 3, 356789, "+15550001", "STATUS#", "no_reply", nil, 1, "modem-a", nil, nil, time.Now()))

	expired, err := c.TimeoutSent(context.Background(), time.Now().Add(-2*time.Minute))
	assert.NilError(t, err)
	assert.Equal(t, 1, len(expired))
	assert.Equal(t, "no_reply", expired[0].Status)
	assert.NilError(t, mock.ExpectationsWereMet())
}

func TestRecentIncomingDuplicate(t *testing.T) {
	c, mock := newMockCommands(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("+15550001", "OK", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	dup, err := c.RecentIncomingDuplicate(context.Background(), "+15550001", "OK", time.Minute)
	assert.NilError(t, err)
	assert.Assert(t, dup)
	assert.NilError(t, mock.ExpectationsWereMet())
}

func TestPinnedModemIDUnknownSIM(t *testing.T) {
	c, mock := newMockCommands(t)

	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"modem_id"}))

	id, err := c.PinnedModemID(context.Background(), "+15559999")
	assert.NilError(t, err)
	assert.Equal(t, int64(0), id)
}

func TestAwaitingReplyOrdersNewestFirst(t *testing.T) {
	c, mock := newMockCommands(t)

	now := time.Now()
	mock.ExpectQuery(`FROM command_sent\s+WHERE status = 'sent'\s+ORDER BY sent_at DESC`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "outbox_id", "imei", "sim_no", "text", "status", "response",
			"modem_id", "modem_name", "config_id", "user_id", "sent_at",
		}).
			AddRow(9, 5, 356789, "+15550001", "RESET#", "sent", nil, 1, "modem-a", nil, nil, now).
			AddRow(4, 2, 356789, "+15550001", "STATUS#", "sent", nil, 1, "modem-a", nil, nil, now.Add(-time.Minute)))

	awaiting, err := c.AwaitingReply(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, 2, len(awaiting))
	assert.Equal(t, int64(9), awaiting[0].ID)
	assert.NilError(t, mock.ExpectationsWereMet())
}
