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
	"sync"
	"sync/atomic"

	"github.com/valka-io/valka/internal/core/model"
)

// WaitHandle is a single-shot delivery slot for one parked worker. A
// handle is fulfilled at most once; a cancelled handle is never
// fulfilled.
type WaitHandle struct {
	workerId string

	ch        chan *model.Task
	matched   atomic.Bool
	cancelled atomic.Bool

	mu      sync.Mutex
	entries []*waiterEntry

	engine *Engine
}

// waiterEntry is one (queue, partition) registration of a handle.
// removed is guarded by the owning partition's mutex.
type waiterEntry struct {
	handle  *WaitHandle
	queue   string
	part    int
	removed bool
}

func newWaitHandle(workerId string, engine *Engine) *WaitHandle {
	return &WaitHandle{
		workerId: workerId,
		ch:       make(chan *model.Task, 1),
		engine:   engine,
	}
}

// WorkerId returns the identity stamp of the parked worker.
func (h *WaitHandle) WorkerId() string {
	return h.workerId
}

// Task returns the channel the match arrives on. It yields at most one
// task and is never closed on cancellation, select against a context.
func (h *WaitHandle) Task() <-chan *model.Task {
	return h.ch
}

// Matched reports whether a task has been delivered.
func (h *WaitHandle) Matched() bool {
	return h.matched.Load()
}

// Cancel idempotently withdraws the handle from every queue it was
// parked in. After Cancel returns no task will be delivered.
func (h *WaitHandle) Cancel() {
	if h.cancelled.Swap(true) {
		return
	}
	h.engine.removeEntries(h)
}

// fulfill delivers the task. Returns false when the handle has been
// cancelled or already matched. Called with the matching partition's
// mutex held.
func (h *WaitHandle) fulfill(task *model.Task) bool {
	if h.cancelled.Load() {
		return false
	}
	if h.matched.Swap(true) {
		return false
	}
	h.ch <- task
	return true
}

func (h *WaitHandle) addEntry(e *waiterEntry) {
	h.mu.Lock()
	h.entries = append(h.entries, e)
	h.mu.Unlock()
}

func (h *WaitHandle) snapshotEntries() []*waiterEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*waiterEntry, len(h.entries))
	copy(out, h.entries)
	return out
}
