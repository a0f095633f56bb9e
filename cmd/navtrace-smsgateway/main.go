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

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/navtrace/navtrace/internal/config"
	"github.com/navtrace/navtrace/internal/healthchecks"
	"github.com/navtrace/navtrace/internal/logs"
	"github.com/navtrace/navtrace/internal/secret"
	"github.com/navtrace/navtrace/internal/smsgw"
	"github.com/navtrace/navtrace/internal/store"
)

var configPath = flag.String("config", "/etc/navtrace/smsgateway.yaml", "path to the service config")

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatalf("navtrace-smsgateway: %v", err)
	}
}

func run() error {
	var cfg config.SMSGateway
	if err := config.Load(*configPath, &cfg); err != nil {
		return err
	}
	logger := logs.New(cfg.LogFile)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.ConnString(), cfg.Database.PoolSize, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	checks := healthchecks.Registry{
		healthchecks.DatabaseCheck{Store: st},
		healthchecks.MigrationsCheck{Store: st},
	}
	if err := checks.RunAll(ctx, logger); err != nil {
		return err
	}

	enc, err := secret.NewEncryptor(cfg.EncryptionKey, cfg.EncryptionKeyFromEnv)
	if err != nil {
		return err
	}

	commands := st.Commands()
	defer commands.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return smsgw.NewService(cfg, commands, enc, logger).Run(ctx) })
	g.Go(func() error { return smsgw.Serve(ctx, cfg.ListenAddr, st, logger) })

	logger.Infof("sms gateway starting on %s", cfg.ListenAddr)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
