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

// Package breaker wraps sony/gobreaker with the statistics and state
// semantics shared by the DB and broker write paths: closed opens after N
// consecutive failures, open admits a probe after the recovery timeout, and
// half-open closes after two consecutive successes.
package breaker

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/navtrace/navtrace/internal/logs"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuit breaker is open")

type Settings struct {
	Name             string
	FailureThreshold uint32
	RecoveryTimeout  time.Duration

	// Classify limits which errors count as breaker failures. Nil counts
	// every error.
	Classify func(error) bool
}

type Stats struct {
	TotalRequests uint64
	TotalFailures uint64
	TotalRejected uint64
	State         string
}

type Breaker struct {
	cb  *gobreaker.CircuitBreaker
	log logs.StructuredLogger

	totalRequests atomic.Uint64
	totalFailures atomic.Uint64
	totalRejected atomic.Uint64
}

const halfOpenSuccesses = 2

func New(s Settings, log logs.StructuredLogger) *Breaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.RecoveryTimeout == 0 {
		s.RecoveryTimeout = 60 * time.Second
	}
	b := &Breaker{log: log.With("breaker", s.Name)}

	classify := s.Classify
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: halfOpenSuccesses,
		Timeout:     s.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if classify != nil && !classify(err) {
				// Not a failure kind the breaker watches for.
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warnf("state change: %s -> %s", from, to)
		},
	})
	return b
}

// Execute runs fn through the breaker. Rejections while open are reported as
// ErrOpen so callers can buffer pending writes instead of failing hard.
func (b *Breaker) Execute(fn func() error) error {
	b.totalRequests.Add(1)
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.totalRejected.Add(1)
		return ErrOpen
	}
	b.totalFailures.Add(1)
	return err
}

func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsOpen reports whether calls are currently rejected without running.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

func (b *Breaker) Stats() Stats {
	return Stats{
		TotalRequests: b.totalRequests.Load(),
		TotalFailures: b.totalFailures.Load(),
		TotalRejected: b.totalRejected.Load(),
		State:         b.State(),
	}
}
