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

package service

import (
	"time"

	"github.com/pkg/errors"

	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/internal/core/repo"
	"github.com/valka-io/valka/pkg/event"
	"github.com/valka-io/valka/pkg/id"
	"github.com/valka-io/valka/pkg/log"
	"github.com/valka-io/valka/pkg/statemachine"
)

type SignalService struct {
	nodeId   string
	tasks    repo.ITaskRepository
	signals  repo.ISignalRepository
	notifier Notifier
	bus      *event.Bus
}

func NewSignalService(nodeId string, tasks repo.ITaskRepository, signals repo.ISignalRepository, notifier Notifier, bus *event.Bus) *SignalService {
	return &SignalService{
		nodeId:   nodeId,
		tasks:    tasks,
		signals:  signals,
		notifier: notifier,
		bus:      bus,
	}
}

// SendSignal stores a signal and, when the task runs on a local
// worker, pushes it down the session stream right away. delivered
// reports whether that immediate push happened; otherwise the signal
// stays PENDING until the task's next assignment drains it.
func (ss *SignalService) SendSignal(taskId string, req *model.SendSignalReq) (sig *model.TaskSignal, delivered bool, err error) {
	if req.Name == "" {
		return nil, false, errors.Wrap(ErrInvalidArgument, "signal name is required")
	}
	task, err := ss.tasks.GetTaskByTaskId(taskId)
	if err != nil {
		return nil, false, err
	}
	if task.Status.IsTerminal() {
		return nil, false, errors.Wrapf(repo.ErrInvalidState, "task %s is %s, signals need a live task", taskId, task.Status)
	}

	sig = &model.TaskSignal{
		SignalId: id.ULID(),
		TaskId:   taskId,
		Name:     req.Name,
		Status:   statemachine.SignalStatusPending,
		Payload:  req.Payload,
	}
	if err := ss.signals.CreateSignal(sig); err != nil {
		return nil, false, errors.Wrap(err, "create signal")
	}
	publish(ss.bus, event.KindSignalCreated, ss.nodeId, &event.SignalChange{
		SignalId: sig.SignalId,
		TaskId:   taskId,
		Name:     sig.Name,
	})

	if ss.notifier != nil && task.Status.IsActive() && ss.notifier.DeliverSignal(sig) {
		now := time.Now()
		if err := ss.signals.MarkDelivered(sig.SignalId, now); err != nil {
			// The frame is on the wire either way; the row catches up
			// on the acknowledgement.
			log.Warnw("failed to mark signal delivered", "signalId", sig.SignalId, "error", err)
		} else {
			sig.Status = statemachine.SignalStatusDelivered
			sig.DeliveredAt = &now
			delivered = true
			publish(ss.bus, event.KindSignalDelivered, ss.nodeId, &event.SignalChange{
				SignalId: sig.SignalId,
				TaskId:   taskId,
				Name:     sig.Name,
			})
		}
	}
	return sig, delivered, nil
}

func (ss *SignalService) GetSignal(signalId string) (*model.TaskSignal, error) {
	return ss.signals.GetSignalBySignalId(signalId)
}

// PendingSignals lists the undelivered signals of one task in creation
// order, the same order a new assignment drains them.
func (ss *SignalService) PendingSignals(taskId string) ([]model.TaskSignal, error) {
	return ss.signals.PendingByTaskId(taskId)
}
