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
	"time"
)

// listenRetryPause is the pause before reacquiring a dropped LISTEN
// connection. The poll ticker covers the gap.
const listenRetryPause = 5 * time.Second

// listen holds a dedicated connection on LISTEN config_change and nudges the
// dispatcher on every notification. The database trigger fires the channel
// whenever a config table row changes.
func (w *Worker) listen(ctx context.Context) error {
	for {
		err := w.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.log.Warnf("config-change listener dropped, retrying: %v", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(listenRetryPause):
		}
	}
}

func (w *Worker) listenOnce(ctx context.Context) error {
	conn, err := w.store.Pool().Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN config_change`); err != nil {
		return err
	}
	w.log.Infof("listening for config changes")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		w.log.Debugf("config change notified on %s", n.Payload)
		w.nudge()
	}
}
