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

package consumer

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/navtrace/navtrace/internal/config"
	"github.com/navtrace/navtrace/internal/logs"
	"github.com/navtrace/navtrace/internal/model"
)

func pointItem(id string, imei int64, at time.Time, speed float64) item {
	return item{
		messageID: id,
		point:     &model.TrackPoint{IMEI: imei, GPSTime: at, Speed: &speed},
	}
}

func TestDedupeLastWinsKeepsLatestOccurrence(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	items := []item{
		pointItem("m1", 100, at, 10),
		pointItem("m2", 100, at.Add(time.Second), 20),
		pointItem("m3", 100, at, 30), // retransmit of the first key
		pointItem("m4", 200, at, 40),
	}

	out := dedupeLastWins(items)
	assert.Equal(t, 3, len(out))

	bySpeed := map[string]float64{}
	for _, it := range out {
		bySpeed[it.messageID] = *it.point.Speed
	}
	// m1 was superseded by m3 for (100, at).
	_, hasM1 := bySpeed["m1"]
	assert.Assert(t, !hasM1)
	assert.Equal(t, 30.0, bySpeed["m3"])
	assert.Equal(t, 20.0, bySpeed["m2"])
	assert.Equal(t, 40.0, bySpeed["m4"])
}

func TestAccumulatorKicksWhenFull(t *testing.T) {
	acc := newAccumulator()
	at := time.Now()
	acc.add(pointItem("m1", 1, at, 0), 2)

	select {
	case <-acc.kick:
		t.Fatal("kick before batch size reached")
	default:
	}

	acc.add(pointItem("m2", 1, at.Add(time.Second), 0), 2)
	select {
	case <-acc.kick:
	default:
		t.Fatal("no kick at batch size")
	}

	items := acc.take()
	assert.Equal(t, 2, len(items))
	assert.Equal(t, 0, len(acc.take()))
}

func TestPendingBufferEvictsOldestWhenFull(t *testing.T) {
	c := &Consumer{log: logs.DiscardLogger(), cfg: config.Consumer{PendingLimit: 2}}
	at := time.Now()

	c.bufferPending([]item{pointItem("m1", 1, at, 0), pointItem("m2", 1, at, 0)})
	c.bufferPending([]item{pointItem("m3", 1, at, 0)})

	assert.Equal(t, 2, len(c.pending))
	assert.Equal(t, "m2", c.pending[0].messageID)
	assert.Equal(t, "m3", c.pending[1].messageID)
}
