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

package retry_test

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/navtrace/navtrace/internal/logs"
	"github.com/navtrace/navtrace/internal/retry"
)

func fastPolicy(maxRetries int) retry.Policy {
	return retry.Policy{
		MaxRetries:      maxRetries,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2.0,
	}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	attempts := 0
	err := retry.Do(context.Background(), logs.DiscardLogger(), "op", fastPolicy(5), func() error {
		attempts++
		if attempts < 3 {
			return syscall.ECONNREFUSED
		}
		return nil
	})
	assert.NilError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("schema mismatch")
	attempts := 0
	err := retry.Do(context.Background(), logs.DiscardLogger(), "op", fastPolicy(5), func() error {
		attempts++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestDoHonoursMaxRetries(t *testing.T) {
	attempts := 0
	err := retry.Do(context.Background(), logs.DiscardLogger(), "op", fastPolicy(2), func() error {
		attempts++
		return syscall.ECONNRESET
	})
	assert.ErrorIs(t, err, syscall.ECONNRESET)
	// initial attempt plus two retries
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := retry.Do(ctx, logs.DiscardLogger(), "op", retry.Policy{
		MaxRetries:      -1,
		InitialDelay:    2 * time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2.0,
	}, func() error {
		attempts++
		return syscall.ECONNREFUSED
	})
	assert.Assert(t, err != nil)
	assert.Assert(t, attempts >= 1)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"cancelled context", context.Canceled, false},
		{"business error", errors.New("config key missing"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, retry.IsTransient(tc.err))
		})
	}
}
