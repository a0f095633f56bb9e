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
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/navtrace/navtrace/internal/broker"
	"github.com/navtrace/navtrace/internal/camera"
	"github.com/navtrace/navtrace/internal/config"
	"github.com/navtrace/navtrace/internal/healthchecks"
	"github.com/navtrace/navtrace/internal/logs"
	"github.com/navtrace/navtrace/internal/store"
)

var (
	configPath = flag.String("config", "/etc/navtrace/camera.yaml", "path to the service config")
	standalone = flag.Bool("standalone", false, "write CSV files instead of publishing to the broker")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatalf("navtrace-camerapoller: %v", err)
	}
}

func run() error {
	var cfg config.Camera
	if err := config.Load(*configPath, &cfg); err != nil {
		return err
	}
	if *standalone {
		cfg.Standalone = true
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

	var sink camera.Sink
	if cfg.Standalone {
		if cfg.CSVDir == "" {
			return fmt.Errorf("standalone mode needs csv_dir")
		}
		sink, err = camera.NewCSVSink(cfg.CSVDir)
		if err != nil {
			return err
		}
	} else {
		bk, err := broker.Connect(ctx, broker.Options{
			URL:            cfg.Broker.URL.SecretValue(),
			Prefetch:       cfg.Broker.Prefetch,
			ConfirmTimeout: cfg.Broker.ConfirmTimeout,
		}, logger)
		if err != nil {
			return err
		}
		defer bk.Close()
		if err := bk.DeclareTopology(ctx); err != nil {
			return err
		}
		checks = append(checks, healthchecks.BrokerCheck{Broker: bk})
		sink = camera.NewBrokerSink(bk)
	}
	defer sink.Close()

	if err := checks.RunAll(ctx, logger); err != nil {
		return err
	}

	logger.Infof("camera poller starting (standalone=%v)", cfg.Standalone)
	return camera.NewService(cfg, st, sink, logger).Run(ctx)
}
