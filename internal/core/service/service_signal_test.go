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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/internal/core/repo"
	"github.com/valka-io/valka/pkg/statemachine"
)

func (f *serviceFixture) createTask(t *testing.T, status statemachine.TaskStatus) *model.Task {
	t.Helper()
	task, _, err := f.services.Task.CreateTask(&model.CreateTaskReq{Queue: "default", Name: "job"})
	require.NoError(t, err)
	f.tasks.tasks[task.TaskId].Status = status
	f.engine.TakeBuffered(task.Partition)
	return task
}

func TestSendSignal_PendingTaskStaysQueued(t *testing.T) {
	f := newServiceFixture(t)
	task := f.createTask(t, statemachine.TaskStatusPending)

	sig, delivered, err := f.services.Signal.SendSignal(task.TaskId, &model.SendSignalReq{Name: "pause"})
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Equal(t, statemachine.SignalStatusPending, sig.Status)

	// No live run, so the dispatcher is not asked to push.
	assert.Empty(t, f.notifier.signals)
}

func TestSendSignal_RunningTaskDeliversImmediately(t *testing.T) {
	f := newServiceFixture(t)
	task := f.createTask(t, statemachine.TaskStatusRunning)

	sig, delivered, err := f.services.Signal.SendSignal(task.TaskId, &model.SendSignalReq{Name: "pause"})
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, statemachine.SignalStatusDelivered, sig.Status)
	assert.NotNil(t, sig.DeliveredAt)
	assert.Equal(t, []string{sig.SignalId}, f.notifier.signals)

	stored, err := f.services.Signal.GetSignal(sig.SignalId)
	require.NoError(t, err)
	assert.Equal(t, statemachine.SignalStatusDelivered, stored.Status)
}

func TestSendSignal_NoLocalSessionStaysPending(t *testing.T) {
	f := newServiceFixture(t)
	f.notifier.deliverOk = false
	task := f.createTask(t, statemachine.TaskStatusRunning)

	sig, delivered, err := f.services.Signal.SendSignal(task.TaskId, &model.SendSignalReq{Name: "pause"})
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Equal(t, statemachine.SignalStatusPending, sig.Status)
}

func TestSendSignal_Validation(t *testing.T) {
	f := newServiceFixture(t)
	task := f.createTask(t, statemachine.TaskStatusRunning)

	_, _, err := f.services.Signal.SendSignal(task.TaskId, &model.SendSignalReq{})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, _, err = f.services.Signal.SendSignal("missing", &model.SendSignalReq{Name: "pause"})
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestSendSignal_TerminalTaskRejected(t *testing.T) {
	f := newServiceFixture(t)
	task := f.createTask(t, statemachine.TaskStatusCompleted)

	_, _, err := f.services.Signal.SendSignal(task.TaskId, &model.SendSignalReq{Name: "pause"})
	assert.True(t, errors.Is(err, repo.ErrInvalidState))
}

func TestPendingSignals_CreationOrder(t *testing.T) {
	f := newServiceFixture(t)
	f.notifier.deliverOk = false
	task := f.createTask(t, statemachine.TaskStatusRunning)

	first, _, err := f.services.Signal.SendSignal(task.TaskId, &model.SendSignalReq{Name: "pause"})
	require.NoError(t, err)
	second, _, err := f.services.Signal.SendSignal(task.TaskId, &model.SendSignalReq{Name: "resume"})
	require.NoError(t, err)

	pending, err := f.services.Signal.PendingSignals(task.TaskId)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.SignalId, pending[0].SignalId)
	assert.Equal(t, second.SignalId, pending[1].SignalId)
}
