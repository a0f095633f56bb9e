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

package breaker_test

import (
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/navtrace/navtrace/internal/breaker"
	"github.com/navtrace/navtrace/internal/logs"
)

var errDB = errors.New("connection reset")

func newTestBreaker(t *testing.T, timeout time.Duration) *breaker.Breaker {
	t.Helper()
	return breaker.New(breaker.Settings{
		Name:             "test",
		FailureThreshold: 3,
		RecoveryTimeout:  timeout,
	}, logs.DiscardLogger())
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(t, time.Minute)

	for i := 0; i < 3; i++ {
		err := b.Execute(func() error { return errDB })
		assert.ErrorIs(t, err, errDB)
	}
	assert.Assert(t, b.IsOpen())

	err := b.Execute(func() error { return nil })
	assert.ErrorIs(t, err, breaker.ErrOpen)

	stats := b.Stats()
	assert.Equal(t, uint64(4), stats.TotalRequests)
	assert.Equal(t, uint64(3), stats.TotalFailures)
	assert.Equal(t, uint64(1), stats.TotalRejected)
}

func TestHalfOpenClosesAfterTwoSuccesses(t *testing.T) {
	b := newTestBreaker(t, 20*time.Millisecond)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errDB })
	}
	assert.Assert(t, b.IsOpen())

	time.Sleep(30 * time.Millisecond)

	assert.NilError(t, b.Execute(func() error { return nil }))
	assert.NilError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, "closed", b.State())
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	b := newTestBreaker(t, 20*time.Millisecond)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errDB })
	}
	time.Sleep(30 * time.Millisecond)

	err := b.Execute(func() error { return errDB })
	assert.ErrorIs(t, err, errDB)
	assert.Assert(t, b.IsOpen())
}

func TestClassifiedErrorsDoNotTrip(t *testing.T) {
	b := breaker.New(breaker.Settings{
		Name:             "classified",
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		Classify: func(err error) bool {
			return errors.Is(err, errDB)
		},
	}, logs.DiscardLogger())

	business := errors.New("validation failed")
	for i := 0; i < 5; i++ {
		err := b.Execute(func() error { return business })
		assert.ErrorIs(t, err, business)
	}
	assert.Equal(t, "closed", b.State())
}
