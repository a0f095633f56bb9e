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

// Package store is the Postgres access layer: a pgxpool wrapper with
// serialized reconnects, goose migrations, and per-table-group query files.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/navtrace/navtrace/internal/logs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// reconnectCooldown prevents reconnect storms when several workers hit the
// same dead pool at once.
const reconnectCooldown = 5 * time.Second

// failuresBeforeReconnect is how many consecutive write failures trigger a
// background reconnect.
const failuresBeforeReconnect = 3

type Store struct {
	log        logs.StructuredLogger
	connString string
	poolSize   int

	mu            sync.Mutex
	pool          *pgxpool.Pool
	lastReconnect time.Time

	consecutiveFailures atomic.Int32
	reconnecting        atomic.Bool
}

// Open connects and pings. Connect timeout comes from the conn string.
func Open(ctx context.Context, connString string, poolSize int, log logs.StructuredLogger) (*Store, error) {
	s := &Store{
		log:        log.With("component", "store"),
		connString: connString,
		poolSize:   poolSize,
	}
	pool, err := s.newPool(ctx)
	if err != nil {
		return nil, err
	}
	s.pool = pool
	return s, nil
}

func (s *Store) newPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(s.connString)
	if err != nil {
		return nil, fmt.Errorf("parsing conn string: %w", err)
	}
	cfg.MaxConns = int32(s.poolSize)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// Pool returns the current pool. Callers must not retain it across failures;
// fetch it per operation.
func (s *Store) Pool() *pgxpool.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

// SQLDB exposes the pool through database/sql for goose and sqlx consumers.
func (s *Store) SQLDB() *sql.DB {
	return stdlib.OpenDBFromPool(s.Pool())
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool().Ping(ctx)
}

// NoteResult tracks consecutive failures; after the threshold a background
// reconnect is scheduled.
func (s *Store) NoteResult(err error) {
	if err == nil {
		s.consecutiveFailures.Store(0)
		return
	}
	if s.consecutiveFailures.Add(1) >= failuresBeforeReconnect {
		if s.reconnecting.CompareAndSwap(false, true) {
			go func() {
				defer s.reconnecting.Store(false)
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := s.Reconnect(ctx); err != nil {
					s.log.Errorf("background reconnect failed: %v", err)
				}
			}()
		}
	}
}

// Reconnect replaces the pool. Serialized, with a cooldown so concurrent
// callers do not stampede the server.
func (s *Store) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastReconnect) < reconnectCooldown {
		return nil
	}
	s.lastReconnect = time.Now()

	pool, err := s.newPool(ctx)
	if err != nil {
		return fmt.Errorf("reconnecting: %w", err)
	}
	old := s.pool
	s.pool = pool
	if old != nil {
		go old.Close()
	}
	s.consecutiveFailures.Store(0)
	s.log.Infof("database pool reconnected")
	return nil
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	db := s.SQLDB()
	defer db.Close()
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
