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

package worker

import (
	"time"

	"github.com/pkg/errors"

	"github.com/valka-io/valka/pkg/retry"
)

// Option configures a Worker.
type Option func(*config) error

type config struct {
	name             string
	serverURL        string
	queues           []string
	concurrency      int
	metadata         map[string]any
	handler          TaskHandler
	backoff          retry.Backoff
	jitter           retry.Jitter
	heartbeatEvery   time.Duration
	logFlushEvery    time.Duration
	logFlushMaxBatch int
}

func defaults() *config {
	return &config{
		serverURL:        "ws://127.0.0.1:8080/ws/worker",
		concurrency:      1,
		backoff:          retry.Exponential(100*time.Millisecond, 30*time.Second),
		jitter:           retry.FullJitter,
		heartbeatEvery:   10 * time.Second,
		logFlushEvery:    500 * time.Millisecond,
		logFlushMaxBatch: 64,
	}
}

func (c *config) validate() error {
	if len(c.queues) == 0 {
		return errors.New("at least one queue is required")
	}
	if c.handler == nil {
		return errors.New("a handler function is required")
	}
	return nil
}

// WithName sets the worker display name. Defaults to a name derived
// from the generated worker id.
func WithName(name string) Option {
	return func(c *config) error {
		c.name = name
		return nil
	}
}

// WithServerURL sets the websocket endpoint of the server.
func WithServerURL(url string) Option {
	return func(c *config) error {
		c.serverURL = url
		return nil
	}
}

// WithQueues sets the queues this worker consumes from.
func WithQueues(queues ...string) Option {
	return func(c *config) error {
		c.queues = queues
		return nil
	}
}

// WithConcurrency sets the max concurrent task handlers.
func WithConcurrency(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return errors.Errorf("concurrency must be >= 1, got %d", n)
		}
		c.concurrency = n
		return nil
	}
}

// WithMetadata sets optional worker metadata, sent on the hello frame.
func WithMetadata(meta map[string]any) Option {
	return func(c *config) error {
		c.metadata = meta
		return nil
	}
}

// WithHandler sets the task handler function.
func WithHandler(h TaskHandler) Option {
	return func(c *config) error {
		c.handler = h
		return nil
	}
}

// WithReconnectBackoff replaces the reconnect backoff strategy.
func WithReconnectBackoff(b retry.Backoff) Option {
	return func(c *config) error {
		if b == nil {
			return errors.New("backoff must not be nil")
		}
		c.backoff = b
		return nil
	}
}

// WithHeartbeatInterval overrides how often heartbeats are sent.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return errors.New("heartbeat interval must be positive")
		}
		c.heartbeatEvery = d
		return nil
	}
}

// WithLogFlush tunes log batching. Entries are flushed when the batch
// reaches maxBatch lines or every interval, whichever comes first.
func WithLogFlush(interval time.Duration, maxBatch int) Option {
	return func(c *config) error {
		if interval <= 0 || maxBatch < 1 {
			return errors.New("log flush interval and batch must be positive")
		}
		c.logFlushEvery = interval
		c.logFlushMaxBatch = maxBatch
		return nil
	}
}
