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

package scheduler

import "time"

const (
	defaultAcquireInterval    = 5 * time.Second
	defaultReapInterval       = 10 * time.Second
	defaultRetryInterval      = 5 * time.Second
	defaultDelayedInterval    = 5 * time.Second
	defaultDeadLetterInterval = 10 * time.Second
	defaultBatchSize          = 128
	defaultOrphanGrace        = time.Minute
	defaultWorkerStaleAfter   = time.Minute
	defaultRetentionCron      = "@daily"
	defaultRetentionDays      = 7
	defaultRetentionBatch     = 1000
)

// Conf configures the leader loop and its sweeps.
type Conf struct {
	AcquireInterval    time.Duration `mapstructure:"acquireInterval"`
	ReapInterval       time.Duration `mapstructure:"reapInterval"`
	RetryInterval      time.Duration `mapstructure:"retryInterval"`
	DelayedInterval    time.Duration `mapstructure:"delayedInterval"`
	DeadLetterInterval time.Duration `mapstructure:"deadLetterInterval"`
	BatchSize          int           `mapstructure:"batchSize"`
	OrphanGrace        time.Duration `mapstructure:"orphanGrace"`
	WorkerStaleAfter   time.Duration `mapstructure:"workerStaleAfter"`
	RetentionCron      string        `mapstructure:"retentionCron"`
	RetentionDays      int           `mapstructure:"retentionDays"`
	RetentionBatch     int           `mapstructure:"retentionBatch"`
}

func (c *Conf) SetDefaults() {
	if c.AcquireInterval <= 0 {
		c.AcquireInterval = defaultAcquireInterval
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = defaultReapInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.DelayedInterval <= 0 {
		c.DelayedInterval = defaultDelayedInterval
	}
	if c.DeadLetterInterval <= 0 {
		c.DeadLetterInterval = defaultDeadLetterInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = defaultOrphanGrace
	}
	if c.WorkerStaleAfter <= 0 {
		c.WorkerStaleAfter = defaultWorkerStaleAfter
	}
	if c.RetentionCron == "" {
		c.RetentionCron = defaultRetentionCron
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaultRetentionDays
	}
	if c.RetentionBatch <= 0 {
		c.RetentionBatch = defaultRetentionBatch
	}
}
