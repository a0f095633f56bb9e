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

package broker

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestClampPriority(t *testing.T) {
	assert.Equal(t, uint8(0), ClampPriority(-3))
	assert.Equal(t, uint8(0), ClampPriority(0))
	assert.Equal(t, uint8(7), ClampPriority(7))
	assert.Equal(t, uint8(10), ClampPriority(10))
	assert.Equal(t, uint8(10), ClampPriority(99))
}

func TestAlarmQueueKeepsDeadLetterRouting(t *testing.T) {
	args := queueArgs("dlq_alarms")
	assert.Equal(t, DeadLetterX, args["x-dead-letter-exchange"])
	assert.Equal(t, "dlq_alarms", args["x-dead-letter-routing-key"])
	assert.Equal(t, "lazy", args["x-queue-mode"])
}
