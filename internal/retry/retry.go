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

// Package retry provides backoff-based retries for transient transport
// failures. Anything that is not classified as transient is returned
// immediately; retry sleeps abort as soon as the context is cancelled.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/navtrace/navtrace/internal/logs"
)

// Policy mirrors the retry knobs every subsystem shares. MaxRetries of -1
// retries until the context is cancelled.
type Policy struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64

	// Classify decides whether an error is worth retrying. Defaults to
	// IsTransient.
	Classify func(error) bool
}

// DefaultPolicy matches the platform-wide defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}
}

// Do runs fn, retrying transient failures per the policy. The final error is
// the last failure observed, or ctx.Err() when cancelled mid-wait.
func Do(ctx context.Context, log logs.StructuredLogger, operation string, p Policy, fn func() error) error {
	classify := p.Classify
	if classify == nil {
		classify = IsTransient
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = p.ExponentialBase
	exp.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithContext(exp, ctx)
	if p.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxRetries))
	}

	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			err := fn()
			if err == nil {
				return nil
			}
			if !classify(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		b,
		func(err error, next time.Duration) {
			log.Warnf("%s failed (attempt %d), retrying in %s: %v", operation, attempt, next, err)
		},
	)
}

// IsTransient reports whether the error is a transport-level failure worth
// retrying: connection refused/reset, DNS failures, socket timeouts, broker
// channel or connection errors, and OS-level errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		// Channel- and connection-level AMQP failures are recoverable once
		// the wrapper reconnects; access-refused and the like are not.
		return amqpErr.Recover || amqpErr.Code >= 500
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return true
	}
	return false
}
