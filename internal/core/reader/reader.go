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

package reader

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/valka-io/valka/internal/core/matching"
	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/internal/core/repo"
	"github.com/valka-io/valka/pkg/log"
	"github.com/valka-io/valka/pkg/safe"
)

const (
	defaultTickInterval = 50 * time.Millisecond
	defaultBatchSize    = 32
	defaultParallelism  = 1
)

// errSlotFull ends a claim batch when the engine has no room left.
var errSlotFull = errors.New("partition slot occupied")

// Conf configures the cold-path reader.
type Conf struct {
	TickInterval time.Duration `mapstructure:"tickInterval"`
	BatchSize    int           `mapstructure:"batchSize"`
	Parallelism  int           `mapstructure:"parallelism"`
}

func (c *Conf) SetDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = defaultParallelism
	}
}

// Reader drains durable PENDING rows into the matching engine whenever
// a partition has parked capacity and a free slot. Rows that were
// created while no worker was waiting only ever leave the store
// through here.
type Reader struct {
	conf   Conf
	tasks  repo.ITaskRepository
	engine *matching.Engine

	cancel context.CancelFunc
	done   chan struct{}
}

func NewReader(conf Conf, tasks repo.ITaskRepository, engine *matching.Engine) *Reader {
	conf.SetDefaults()
	return &Reader{
		conf:   conf,
		tasks:  tasks,
		engine: engine,
	}
}

// Start launches the tick loops. Stop or ctx cancellation ends them.
func (r *Reader) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{}, r.conf.Parallelism)

	for i := 0; i < r.conf.Parallelism; i++ {
		safe.Go(func() {
			defer func() { r.done <- struct{}{} }()
			r.loop(ctx)
		})
	}
	log.Infow("task reader started",
		"tickInterval", r.conf.TickInterval.String(),
		"batchSize", r.conf.BatchSize,
		"parallelism", r.conf.Parallelism)
}

// Stop ends every loop and waits for them to exit.
func (r *Reader) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	for i := 0; i < r.conf.Parallelism; i++ {
		<-r.done
	}
	log.Infow("task reader stopped")
}

func (r *Reader) loop(ctx context.Context) {
	ticker := time.NewTicker(r.conf.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick claims one batch for every drainable partition. With no parked
// capacity anywhere this is a no-op, so an idle queue costs nothing.
func (r *Reader) Tick() {
	for _, target := range r.engine.DrainTargets() {
		if err := r.drain(target); err != nil {
			log.Errorw("reader claim batch failed",
				"partition", target.Partition, "error", err)
		}
	}
}

// drain offers claimed rows in priority order while their locks are
// held. A full slot ends the batch; the rolled back claim releases
// every row, including ones already handed off, which is safe because
// assignment re-checks status transactionally.
func (r *Reader) drain(target matching.DrainTarget) error {
	err := r.tasks.ClaimPending(target.Queues, target.Partition, r.conf.BatchSize,
		func(tasks []model.Task) error {
			for i := range tasks {
				task := tasks[i]
				result := r.engine.OfferTask(&task)
				if !result.Dispatched && !result.Buffered {
					return errSlotFull
				}
			}
			return nil
		})
	if errors.Is(err, errSlotFull) {
		return nil
	}
	return err
}
