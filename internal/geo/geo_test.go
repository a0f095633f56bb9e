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

package geo_test

import (
	"math"
	"testing"

	"github.com/navtrace/navtrace/internal/geo"
)

func TestHaversineKM(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		wantKM                 float64
		tolerance              float64
	}{
		{"same point", 31.5, 74.3, 31.5, 74.3, 0, 0.0001},
		{"lahore to islamabad", 31.5204, 74.3587, 33.6844, 73.0479, 272, 5},
		{"one degree latitude", 0, 0, 1, 0, 111.19, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := geo.HaversineKM(tc.lat1, tc.lon1, tc.lat2, tc.lon2)
			if math.Abs(got-tc.wantKM) > tc.tolerance {
				t.Errorf("HaversineKM() = %f, want %f ± %f", got, tc.wantKM, tc.tolerance)
			}
		})
	}
}

func TestHaversineM(t *testing.T) {
	km := geo.HaversineKM(31.5, 74.3, 31.6, 74.4)
	m := geo.HaversineM(31.5, 74.3, 31.6, 74.4)
	if math.Abs(m-km*1000) > 0.001 {
		t.Errorf("HaversineM inconsistent with HaversineKM: %f vs %f", m, km*1000)
	}
}
