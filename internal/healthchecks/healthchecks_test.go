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

package healthchecks

import (
	"context"
	"fmt"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/navtrace/navtrace/internal/logs"
)

type fakeCheck struct {
	name string
	err  error
	ran  bool
}

func (f *fakeCheck) Name() string { return f.name }

func (f *fakeCheck) RunCheck(context.Context) error {
	f.ran = true
	return f.err
}

func TestRunAllRunsEveryCheckAndJoinsFailures(t *testing.T) {
	a := &fakeCheck{name: "a", err: fmt.Errorf("connection refused")}
	b := &fakeCheck{name: "b"}
	c := &fakeCheck{name: "c", err: fmt.Errorf("no such table")}

	err := Registry{a, b, c}.RunAll(context.Background(), logs.DiscardLogger())
	assert.Assert(t, err != nil)
	// The failing first check must not stop the later ones.
	assert.Assert(t, a.ran && b.ran && c.ran)
	assert.ErrorContains(t, err, "a: connection refused")
	assert.ErrorContains(t, err, "c: no such table")
}

func TestRunAllPassesWhenAllChecksPass(t *testing.T) {
	err := Registry{&fakeCheck{name: "a"}, &fakeCheck{name: "b"}}.RunAll(context.Background(), logs.DiscardLogger())
	assert.NilError(t, err)
}
