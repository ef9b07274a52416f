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

// Package ingest buffers worker log lines and flushes them to the
// store in batches. Ingestion is best effort: a full buffer or a
// failed insert drops lines rather than stalling a worker session.
package ingest

import (
	"sync"
	"time"

	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/internal/core/repo"
	"github.com/valka-io/valka/pkg/log"
	"github.com/valka-io/valka/pkg/metrics"
	"github.com/valka-io/valka/pkg/safe"
)

const (
	defaultFlushSize     = 256
	defaultFlushInterval = 200 * time.Millisecond
	defaultQueueSize     = 4096
)

// Conf configures batching.
type Conf struct {
	FlushSize     int           `mapstructure:"flushSize"`
	FlushInterval time.Duration `mapstructure:"flushInterval"`
	QueueSize     int           `mapstructure:"queueSize"`
}

func (c *Conf) SetDefaults() {
	if c.FlushSize <= 0 {
		c.FlushSize = defaultFlushSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
}

// Ingester collects log entries from every session and writes them in
// one insert per batch. A batch leaves when it is full or when the
// flush timer fires, whichever comes first.
type Ingester struct {
	conf    *Conf
	logs    repo.ITaskLogRepository
	metrics *metrics.EngineMetrics

	ch   chan model.TaskLog
	done chan struct{}
	wg   sync.WaitGroup

	once sync.Once
}

func NewIngester(conf *Conf, logs repo.ITaskLogRepository, m *metrics.EngineMetrics) *Ingester {
	conf.SetDefaults()
	return &Ingester{
		conf:    conf,
		logs:    logs,
		metrics: m,
		ch:      make(chan model.TaskLog, conf.QueueSize),
		done:    make(chan struct{}),
	}
}

func (in *Ingester) Start() {
	in.wg.Add(1)
	safe.Go(func() {
		defer in.wg.Done()
		in.loop()
	})
}

// Stop drains what is already queued and flushes it.
func (in *Ingester) Stop() {
	in.once.Do(func() {
		close(in.done)
	})
	in.wg.Wait()
}

// Submit enqueues entries without blocking. Entries that do not fit
// are dropped.
func (in *Ingester) Submit(entries []model.TaskLog) {
	dropped := 0
	for i := range entries {
		select {
		case in.ch <- entries[i]:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		log.Warnw("log ingest queue full, dropping entries", "dropped", dropped)
	}
}

func (in *Ingester) loop() {
	batch := make([]model.TaskLog, 0, in.conf.FlushSize)
	timer := time.NewTimer(in.conf.FlushInterval)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := in.logs.SaveBatch(batch); err != nil {
			// Dropping the batch keeps ingestion from backing up
			// into worker sessions.
			log.Errorw("flush log batch failed", "size", len(batch), "error", err)
		} else if in.metrics != nil {
			in.metrics.LogEntriesSaved.Add(float64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-in.ch:
			batch = append(batch, entry)
			if len(batch) >= in.conf.FlushSize {
				flush()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(in.conf.FlushInterval)
			}
		case <-timer.C:
			flush()
			timer.Reset(in.conf.FlushInterval)
		case <-in.done:
			for {
				select {
				case entry := <-in.ch:
					batch = append(batch, entry)
					if len(batch) >= in.conf.FlushSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
