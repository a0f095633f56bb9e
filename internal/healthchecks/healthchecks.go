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

// Package healthchecks verifies a service's dependencies before its main
// loops start. A failing registry is unrecoverable; the binary exits
// non-zero instead of limping.
package healthchecks

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/navtrace/navtrace/internal/broker"
	"github.com/navtrace/navtrace/internal/logs"
	"github.com/navtrace/navtrace/internal/store"
)

const checkTimeout = 10 * time.Second

type HealthCheck interface {
	Name() string
	RunCheck(ctx context.Context) error
}

type Registry []HealthCheck

// RunAll runs every check, logs each verdict, and returns the joined
// failures. All checks run even when an early one fails, so the log shows
// the full picture.
func (r Registry) RunAll(ctx context.Context, log logs.StructuredLogger) error {
	var result *multierror.Error
	for _, c := range r {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.RunCheck(checkCtx)
		cancel()
		if err != nil {
			log.Errorf("health check %s: FAIL: %v", c.Name(), err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		log.Infof("health check %s: PASS", c.Name())
	}
	return result.ErrorOrNil()
}

// DatabaseCheck verifies the Postgres pool answers.
type DatabaseCheck struct {
	Store *store.Store
}

func (c DatabaseCheck) Name() string { return "database" }

func (c DatabaseCheck) RunCheck(ctx context.Context) error {
	return c.Store.Ping(ctx)
}

// MigrationsCheck verifies the schema was migrated at all.
type MigrationsCheck struct {
	Store *store.Store
}

func (c MigrationsCheck) Name() string { return "migrations" }

func (c MigrationsCheck) RunCheck(ctx context.Context) error {
	var version int64
	err := c.Store.Pool().QueryRow(ctx,
		`SELECT COALESCE(MAX(version_id), 0) FROM goose_db_version`).Scan(&version)
	if err != nil {
		return fmt.Errorf("reading migration version: %w", err)
	}
	if version == 0 {
		return fmt.Errorf("schema has no applied migrations")
	}
	return nil
}

// BrokerCheck verifies the RabbitMQ connection is open.
type BrokerCheck struct {
	Broker *broker.Broker
}

func (c BrokerCheck) Name() string { return "broker" }

func (c BrokerCheck) RunCheck(context.Context) error {
	return c.Broker.Ping()
}
