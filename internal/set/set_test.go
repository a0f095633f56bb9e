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

package set_test

import (
	"sort"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/navtrace/navtrace/internal/set"
)

func TestFromSlice(t *testing.T) {
	s := set.FromSlice([]string{"Overspeed", "Distraction"})
	assert.Equal(t, 2, len(s))
	assert.Assert(t, s.Contains("Overspeed"))
	assert.Assert(t, !s.Contains("Smoking"))
}

func TestToSetKeepsMapKeys(t *testing.T) {
	s := set.ToSet(map[int64]string{1: "", 2: "", 3: ""})
	assert.Equal(t, 3, len(s))
	assert.Assert(t, s.Contains(int64(2)))
}

func TestAddAndKeys(t *testing.T) {
	s := set.Set[int]{}
	s.Add(3)
	s.Add(1)
	s.Add(2)
	s.Add(2)

	keys := s.Keys()
	sort.Ints(keys)
	assert.DeepEqual(t, []int{1, 2, 3}, keys)
}
