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

package ingest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valka-io/valka/internal/core/model"
)

type fakeLogRepo struct {
	mu      sync.Mutex
	batches [][]model.TaskLog
}

func (r *fakeLogRepo) SaveBatch(entries []model.TaskLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := make([]model.TaskLog, len(entries))
	copy(batch, entries)
	r.batches = append(r.batches, batch)
	return nil
}

func (r *fakeLogRepo) ListByRunId(runId string, after time.Time, limit int) ([]model.TaskLog, error) {
	return nil, nil
}

func (r *fakeLogRepo) ListByTaskId(taskId string, pageNum, pageSize int) ([]model.TaskLog, int64, error) {
	return nil, 0, nil
}

func (r *fakeLogRepo) DeleteBefore(before time.Time, limit int) (int64, error) {
	return 0, nil
}

func (r *fakeLogRepo) snapshot() [][]model.TaskLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]model.TaskLog, len(r.batches))
	copy(out, r.batches)
	return out
}

func (r *fakeLogRepo) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func entries(n int) []model.TaskLog {
	out := make([]model.TaskLog, n)
	for i := range out {
		out[i] = model.TaskLog{
			TaskId:   "t1",
			RunId:    "r1",
			Severity: model.LogSeverityInfo,
			Message:  fmt.Sprintf("line %d", i),
			LoggedAt: time.Now(),
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestIngester_FlushesWhenBatchFull(t *testing.T) {
	logs := &fakeLogRepo{}
	in := NewIngester(&Conf{FlushSize: 4, FlushInterval: time.Hour}, logs, nil)
	in.Start()
	defer in.Stop()

	in.Submit(entries(4))

	waitFor(t, func() bool { return len(logs.snapshot()) >= 1 })
	assert.Len(t, logs.snapshot()[0], 4)
}

func TestIngester_FlushesOnTimer(t *testing.T) {
	logs := &fakeLogRepo{}
	in := NewIngester(&Conf{FlushSize: 100, FlushInterval: 30 * time.Millisecond}, logs, nil)
	in.Start()
	defer in.Stop()

	in.Submit(entries(3))

	// Far below the size threshold; only the timer can move it.
	waitFor(t, func() bool { return logs.total() == 3 })
}

func TestIngester_StopDrainsQueue(t *testing.T) {
	logs := &fakeLogRepo{}
	in := NewIngester(&Conf{FlushSize: 100, FlushInterval: time.Hour, QueueSize: 64}, logs, nil)
	in.Start()

	in.Submit(entries(10))
	in.Stop()

	assert.Equal(t, 10, logs.total())
}

func TestIngester_DropsWhenQueueFull(t *testing.T) {
	logs := &fakeLogRepo{}
	// Never started: nothing reads the channel, so the queue caps what
	// Submit can hold.
	in := NewIngester(&Conf{FlushSize: 100, FlushInterval: time.Hour, QueueSize: 8}, logs, nil)

	in.Submit(entries(20))

	in.Start()
	in.Stop()
	assert.Equal(t, 8, logs.total())
}

func TestIngester_StopIsIdempotent(t *testing.T) {
	logs := &fakeLogRepo{}
	in := NewIngester(&Conf{}, logs, nil)
	in.Start()
	in.Stop()
	in.Stop()
	require.Empty(t, logs.snapshot())
}
