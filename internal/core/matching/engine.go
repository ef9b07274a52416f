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

	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/pkg/metrics"
)

// Match paths reported on the matches_total counter.
const (
	matchPathDirect = "direct"
	matchPathRouted = "routed"
	matchPathSlot   = "slot"
	matchPathBuffer = "buffered"
	matchPathSpill  = "spill"
)

// OfferResult tells the caller what happened to an offered task.
// When neither Dispatched nor Buffered is set, the engine had no room
// and the row stays with the durable store for the reader.
type OfferResult struct {
	Dispatched bool
	WorkerId   string
	Buffered   bool
}

// DrainTarget names a partition the reader should claim rows for.
type DrainTarget struct {
	Partition int
	Queues    []string
}

// partitionState holds the hot-path state of one leaf partition. The
// slot parks at most one unmatched task; waiters are FIFO per queue.
type partitionState struct {
	mu      sync.Mutex
	slot    *model.Task
	waiters map[string][]*waiterEntry
}

// Engine matches offered tasks against parked worker capacity. All of
// its state is in-memory; durability stays with the store.
type Engine struct {
	tree    *PartitionTree
	parts   []partitionState
	metrics *metrics.EngineMetrics
}

// NewEngine builds the engine with its partition tree. m may be nil.
func NewEngine(fanOut, partitions int, m *metrics.EngineMetrics) (*Engine, error) {
	tree, err := NewPartitionTree(fanOut, partitions)
	if err != nil {
		return nil, err
	}
	parts := make([]partitionState, partitions)
	for i := range parts {
		parts[i].waiters = make(map[string][]*waiterEntry)
	}
	return &Engine{
		tree:    tree,
		parts:   parts,
		metrics: m,
	}, nil
}

// Tree exposes the partition tree for routing-aware callers.
func (e *Engine) Tree() *PartitionTree {
	return e.tree
}

// PartitionFor maps a queue name to its natural partition.
func (e *Engine) PartitionFor(queue string) int {
	return e.tree.PartitionFor(queue)
}

// OfferTask tries to hand a task to a parked worker. Direct waiters on
// the natural partition win, then the tree routes to any partition with
// capacity, then the task is parked in the partition slot. A full slot
// means the task stays in the store.
func (e *Engine) OfferTask(task *model.Task) OfferResult {
	natural := e.tree.PartitionFor(task.Queue)

	if h := e.popAndDeliver(natural, task); h != nil {
		e.countMatch(matchPathDirect)
		return OfferResult{Dispatched: true, WorkerId: h.WorkerId()}
	}

	// The partition lock is dropped before the tree walk so two
	// adjacent partitions cannot deadlock each other.
	for attempt := 0; attempt <= e.tree.Depth(); attempt++ {
		if e.tree.Waiting() == 0 {
			break
		}
		target := e.tree.Route(natural)
		if h := e.popAndDeliver(target, task); h != nil {
			path := matchPathRouted
			if target == natural {
				path = matchPathDirect
			}
			e.countMatch(path)
			return OfferResult{Dispatched: true, WorkerId: h.WorkerId()}
		}
	}

	ps := &e.parts[natural]
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.slot == nil {
		ps.slot = task
		if e.metrics != nil {
			e.metrics.BufferedTasks.Inc()
		}
		e.countMatch(matchPathBuffer)
		return OfferResult{Buffered: true}
	}
	e.countMatch(matchPathSpill)
	return OfferResult{}
}

// popAndDeliver pops live waiters off one partition's FIFO for the
// task's queue until one accepts. Delivery happens under the partition
// lock so a waiter cannot be cancelled mid-handoff; cleanup of the
// winner's other registrations runs after the lock is released.
func (e *Engine) popAndDeliver(partition int, task *model.Task) *WaitHandle {
	ps := &e.parts[partition]

	ps.mu.Lock()
	var winner *WaitHandle
	list := ps.waiters[task.Queue]
	for len(list) > 0 {
		entry := list[0]
		list = list[1:]
		if entry.removed {
			continue
		}
		entry.removed = true
		e.onLeave(partition)
		if entry.handle.fulfill(task) {
			winner = entry.handle
			break
		}
	}
	if len(list) == 0 {
		delete(ps.waiters, task.Queue)
	} else {
		ps.waiters[task.Queue] = list
	}
	ps.mu.Unlock()

	if winner != nil {
		e.removeEntries(winner)
	}
	return winner
}

// ParkWorker publishes a waiter into every subscribed queue. When a
// partition slot already holds a task for one of the queues the handle
// is fulfilled on the spot. partitionPreference < 0 means each queue
// parks at its natural partition.
func (e *Engine) ParkWorker(workerId string, queues []string, partitionPreference int) *WaitHandle {
	h := newWaitHandle(workerId, e)

	for _, queue := range queues {
		partition := partitionPreference
		if partition < 0 || partition >= e.tree.Partitions() {
			partition = e.tree.PartitionFor(queue)
		}
		ps := &e.parts[partition]

		ps.mu.Lock()
		if ps.slot != nil && ps.slot.Queue == queue && h.fulfill(ps.slot) {
			ps.slot = nil
			if e.metrics != nil {
				e.metrics.BufferedTasks.Dec()
			}
			ps.mu.Unlock()
			e.countMatch(matchPathSlot)
			e.removeEntries(h)
			return h
		}
		entry := &waiterEntry{handle: h, queue: queue, part: partition}
		ps.waiters[queue] = append(ps.waiters[queue], entry)
		h.addEntry(entry)
		e.onWait(partition)
		ps.mu.Unlock()
	}
	return h
}

// removeEntries withdraws every still-registered entry of a handle.
// Idempotent, the removed flag under each partition lock makes sure the
// tree counter moves exactly once per registration.
func (e *Engine) removeEntries(h *WaitHandle) {
	for _, entry := range h.snapshotEntries() {
		ps := &e.parts[entry.part]
		ps.mu.Lock()
		if !entry.removed {
			entry.removed = true
			e.onLeave(entry.part)
			list := ps.waiters[entry.queue]
			for i := range list {
				if list[i] == entry {
					list = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(list) == 0 {
				delete(ps.waiters, entry.queue)
			} else {
				ps.waiters[entry.queue] = list
			}
		}
		ps.mu.Unlock()
	}
}

// DrainTargets lists partitions with a free slot and at least one live
// waiter, with the queues those waiters subscribe to. The reader claims
// store rows for exactly these.
func (e *Engine) DrainTargets() []DrainTarget {
	var targets []DrainTarget
	for p := range e.parts {
		ps := &e.parts[p]
		ps.mu.Lock()
		if ps.slot == nil && len(ps.waiters) > 0 {
			var queues []string
			for queue, list := range ps.waiters {
				for _, entry := range list {
					if !entry.removed {
						queues = append(queues, queue)
						break
					}
				}
			}
			if len(queues) > 0 {
				targets = append(targets, DrainTarget{Partition: p, Queues: queues})
			}
		}
		ps.mu.Unlock()
	}
	return targets
}

// TakeBuffered removes and returns the parked task of one partition.
func (e *Engine) TakeBuffered(partition int) *model.Task {
	ps := &e.parts[partition]
	ps.mu.Lock()
	defer ps.mu.Unlock()
	task := ps.slot
	if task != nil {
		ps.slot = nil
		if e.metrics != nil {
			e.metrics.BufferedTasks.Dec()
		}
	}
	return task
}

func (e *Engine) onWait(partition int) {
	e.tree.OnWorkerWait(partition)
	if e.metrics != nil {
		e.metrics.WaitingWorkers.Inc()
	}
}

func (e *Engine) onLeave(partition int) {
	e.tree.OnWorkerLeave(partition)
	if e.metrics != nil {
		e.metrics.WaitingWorkers.Dec()
	}
}

func (e *Engine) countMatch(path string) {
	if e.metrics != nil {
		e.metrics.MatchesTotal.WithLabelValues(path).Inc()
	}
}
