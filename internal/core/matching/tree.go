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
	"hash/fnv"
	"sync/atomic"

	"github.com/pkg/errors"
)

// PartitionTree is a fixed fan-out tree over the leaf partitions. Every
// node carries the waiting-worker count of its subtree, so routing an
// offer to a partition that has parked capacity is a root-to-leaf walk.
// The shape is fixed after construction, only the counters move.
type PartitionTree struct {
	fanOut     int
	partitions int
	depth      int
	leafBase   int
	counters   []atomic.Int64
}

// NewPartitionTree builds a tree with the given fan-out and leaf count.
// partitions must be a power of fanOut.
func NewPartitionTree(fanOut, partitions int) (*PartitionTree, error) {
	if fanOut < 2 {
		return nil, errors.Errorf("fan-out must be at least 2, got %d", fanOut)
	}
	depth := 0
	leaves := 1
	for leaves < partitions {
		leaves *= fanOut
		depth++
	}
	if leaves != partitions {
		return nil, errors.Errorf("partitions %d is not a power of fan-out %d", partitions, fanOut)
	}

	// Implicit array layout, children of i start at i*fanOut+1.
	total := 0
	width := 1
	for d := 0; d <= depth; d++ {
		total += width
		width *= fanOut
	}

	return &PartitionTree{
		fanOut:     fanOut,
		partitions: partitions,
		depth:      depth,
		leafBase:   total - partitions,
		counters:   make([]atomic.Int64, total),
	}, nil
}

// Partitions returns the leaf count.
func (t *PartitionTree) Partitions() int {
	return t.partitions
}

// Depth returns the number of interior levels above the leaves.
func (t *PartitionTree) Depth() int {
	return t.depth
}

// PartitionFor maps a queue name to its natural partition.
func (t *PartitionTree) PartitionFor(queue string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(queue))
	return int(h.Sum64() % uint64(t.partitions))
}

// OnWorkerWait bumps the leaf counter and every ancestor.
func (t *PartitionTree) OnWorkerWait(partition int) {
	for i := t.leafBase + partition; ; i = (i - 1) / t.fanOut {
		t.counters[i].Add(1)
		if i == 0 {
			return
		}
	}
}

// OnWorkerLeave undoes OnWorkerWait.
func (t *PartitionTree) OnWorkerLeave(partition int) {
	for i := t.leafBase + partition; ; i = (i - 1) / t.fanOut {
		t.counters[i].Add(-1)
		if i == 0 {
			return
		}
	}
}

// Waiting returns the root count, the parked capacity of the whole tree.
func (t *PartitionTree) Waiting() int64 {
	return t.counters[0].Load()
}

// WaitingAt returns the counter of one leaf.
func (t *PartitionTree) WaitingAt(partition int) int64 {
	return t.counters[t.leafBase+partition].Load()
}

// Route walks down from the root picking the child with the greatest
// count, ties broken by child index. Returns hint unchanged when the
// tree holds no waiters at all. The counters are read without locks,
// so the returned leaf may have lost its waiter by the time the caller
// looks; callers treat that as a miss.
func (t *PartitionTree) Route(hint int) int {
	if t.counters[0].Load() == 0 {
		return hint
	}

	i := 0
	for d := 0; d < t.depth; d++ {
		firstChild := i*t.fanOut + 1
		best := firstChild
		bestCount := t.counters[firstChild].Load()
		for c := 1; c < t.fanOut; c++ {
			if n := t.counters[firstChild+c].Load(); n > bestCount {
				best = firstChild + c
				bestCount = n
			}
		}
		if bestCount == 0 {
			return hint
		}
		i = best
	}
	return i - t.leafBase
}
