// Copyright 2025 Valka Team
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

package matching

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valka-io/valka/internal/core/model"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(2, 4, nil)
	require.NoError(t, err)
	return engine
}

func testTask(queue, taskId string) *model.Task {
	return &model.Task{TaskId: taskId, Queue: queue, Name: "job"}
}

func receiveTask(t *testing.T, h *WaitHandle) *model.Task {
	t.Helper()
	select {
	case task := <-h.Task():
		return task
	case <-time.After(time.Second):
		t.Fatal("no task delivered")
		return nil
	}
}

func TestEngine_OfferToParkedWorker(t *testing.T) {
	engine := newTestEngine(t)

	h := engine.ParkWorker("worker-1", []string{"default"}, -1)
	assert.False(t, h.Matched())

	result := engine.OfferTask(testTask("default", "t1"))
	assert.True(t, result.Dispatched)
	assert.Equal(t, "worker-1", result.WorkerId)

	task := receiveTask(t, h)
	assert.Equal(t, "t1", task.TaskId)
	assert.True(t, h.Matched())
}

func TestEngine_OfferBuffersThenSpills(t *testing.T) {
	engine := newTestEngine(t)

	first := engine.OfferTask(testTask("default", "t1"))
	assert.False(t, first.Dispatched)
	assert.True(t, first.Buffered)

	// The slot holds one task per partition; the second offer of the
	// same queue has nowhere to go.
	second := engine.OfferTask(testTask("default", "t2"))
	assert.False(t, second.Dispatched)
	assert.False(t, second.Buffered)
}

func TestEngine_ParkPicksUpBufferedTask(t *testing.T) {
	engine := newTestEngine(t)

	result := engine.OfferTask(testTask("default", "t1"))
	require.True(t, result.Buffered)

	h := engine.ParkWorker("worker-1", []string{"default"}, -1)
	task := receiveTask(t, h)
	assert.Equal(t, "t1", task.TaskId)

	// The slot is free again.
	partition := engine.PartitionFor("default")
	assert.Nil(t, engine.TakeBuffered(partition))
}

func TestEngine_FIFOAmongWaiters(t *testing.T) {
	engine := newTestEngine(t)

	h1 := engine.ParkWorker("worker-1", []string{"default"}, -1)
	h2 := engine.ParkWorker("worker-2", []string{"default"}, -1)

	r1 := engine.OfferTask(testTask("default", "t1"))
	require.True(t, r1.Dispatched)
	assert.Equal(t, "worker-1", r1.WorkerId)

	r2 := engine.OfferTask(testTask("default", "t2"))
	require.True(t, r2.Dispatched)
	assert.Equal(t, "worker-2", r2.WorkerId)

	assert.Equal(t, "t1", receiveTask(t, h1).TaskId)
	assert.Equal(t, "t2", receiveTask(t, h2).TaskId)
}

func TestEngine_RoutesAcrossPartitions(t *testing.T) {
	engine := newTestEngine(t)

	natural := engine.PartitionFor("default")
	elsewhere := (natural + 1) % engine.Tree().Partitions()

	h := engine.ParkWorker("worker-1", []string{"default"}, elsewhere)
	result := engine.OfferTask(testTask("default", "t1"))

	assert.True(t, result.Dispatched)
	assert.Equal(t, "worker-1", result.WorkerId)
	assert.Equal(t, "t1", receiveTask(t, h).TaskId)
}

func TestEngine_CancelWithdrawsWaiter(t *testing.T) {
	engine := newTestEngine(t)

	h := engine.ParkWorker("worker-1", []string{"default", "emails"}, -1)
	assert.EqualValues(t, 2, engine.Tree().Waiting())

	h.Cancel()
	h.Cancel() // idempotent
	assert.EqualValues(t, 0, engine.Tree().Waiting())

	// A cancelled handle never matches; the task falls into the slot.
	result := engine.OfferTask(testTask("default", "t1"))
	assert.False(t, result.Dispatched)
	assert.True(t, result.Buffered)
	assert.False(t, h.Matched())
}

func TestEngine_MatchWithdrawsOtherRegistrations(t *testing.T) {
	engine := newTestEngine(t)

	h := engine.ParkWorker("worker-1", []string{"default", "emails"}, -1)
	assert.EqualValues(t, 2, engine.Tree().Waiting())

	result := engine.OfferTask(testTask("emails", "t1"))
	require.True(t, result.Dispatched)
	receiveTask(t, h)

	// Both registrations are gone, a follow-up offer buffers.
	assert.EqualValues(t, 0, engine.Tree().Waiting())
	assert.True(t, engine.OfferTask(testTask("default", "t2")).Buffered)
}

func TestEngine_DrainTargets(t *testing.T) {
	engine := newTestEngine(t)
	assert.Empty(t, engine.DrainTargets())

	h := engine.ParkWorker("worker-1", []string{"default"}, -1)
	targets := engine.DrainTargets()
	require.Len(t, targets, 1)
	assert.Equal(t, engine.PartitionFor("default"), targets[0].Partition)
	assert.Equal(t, []string{"default"}, targets[0].Queues)

	h.Cancel()
	assert.Empty(t, engine.DrainTargets())
}

func TestEngine_TakeBuffered(t *testing.T) {
	engine := newTestEngine(t)

	require.True(t, engine.OfferTask(testTask("default", "t1")).Buffered)
	partition := engine.PartitionFor("default")

	task := engine.TakeBuffered(partition)
	require.NotNil(t, task)
	assert.Equal(t, "t1", task.TaskId)
	assert.Nil(t, engine.TakeBuffered(partition))
}

func TestEngine_ConcurrentOffers(t *testing.T) {
	engine, err := NewEngine(2, 4, nil)
	require.NoError(t, err)

	const n = 32
	handles := make([]*WaitHandle, n)
	for i := 0; i < n; i++ {
		handles[i] = engine.ParkWorker(fmt.Sprintf("worker-%d", i), []string{"default"}, -1)
	}

	var wg sync.WaitGroup
	dispatched := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result := engine.OfferTask(testTask("default", fmt.Sprintf("t%d", i)))
			if result.Dispatched {
				dispatched <- result.WorkerId
			}
		}(i)
	}
	wg.Wait()
	close(dispatched)

	// Every waiter takes exactly one task and no worker appears twice.
	seen := make(map[string]bool)
	for workerId := range dispatched {
		assert.False(t, seen[workerId], "worker %s matched twice", workerId)
		seen[workerId] = true
	}
	assert.Len(t, seen, n)
	for _, h := range handles {
		assert.True(t, h.Matched())
	}
	assert.EqualValues(t, 0, engine.Tree().Waiting())
}
