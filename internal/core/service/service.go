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

// Package service implements the task queue API surface. Services are
// thin coordinators over the repositories: they validate input, pick
// ids and partitions, and kick the in-memory matching engine, while
// every state transition stays a guarded store update.
package service

import (
	"github.com/pkg/errors"

	"github.com/valka-io/valka/internal/core/matching"
	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/internal/core/repo"
	"github.com/valka-io/valka/pkg/event"
	"github.com/valka-io/valka/pkg/metrics"
)

// ErrInvalidArgument marks request validation failures so the HTTP
// layer can answer 4xx instead of 5xx.
var ErrInvalidArgument = errors.New("invalid argument")

// Notifier is the dispatcher seam the services push through. Both
// calls are best effort against the local node's sessions.
type Notifier interface {
	NotifyCancellation(taskId, reason string) bool
	DeliverSignal(sig *model.TaskSignal) bool
}

// Services bundles the API services behind one constructor.
type Services struct {
	Task   *TaskService
	Signal *SignalService
	Worker *WorkerService
}

func NewServices(
	nodeId string,
	repos *repo.Repositories,
	engine *matching.Engine,
	notifier Notifier,
	bus *event.Bus,
	m *metrics.EngineMetrics,
) *Services {
	return &Services{
		Task:   NewTaskService(nodeId, repos, engine, notifier, bus, m),
		Signal: NewSignalService(nodeId, repos.Task, repos.Signal, notifier, bus),
		Worker: NewWorkerService(repos.Worker),
	}
}

func publish(bus *event.Bus, kind event.Kind, nodeId string, payload any) {
	if bus == nil {
		return
	}
	bus.Publish(event.New(kind, nodeId, payload))
}
