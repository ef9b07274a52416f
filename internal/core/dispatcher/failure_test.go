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

package dispatcher

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/internal/core/repo"
	"github.com/valka-io/valka/pkg/statemachine"
)

type statusUpdate struct {
	taskId  string
	from    []statemachine.TaskStatus
	to      statemachine.TaskStatus
	updates map[string]any
}

// fakeTaskRepo records guarded status updates; the read paths answer
// from a small map.
type fakeTaskRepo struct {
	tasks      map[string]*model.Task
	updates    []statusUpdate
	updateErrs map[statemachine.TaskStatus]error
}

func newFakeTaskRepo(tasks ...*model.Task) *fakeTaskRepo {
	r := &fakeTaskRepo{
		tasks:      make(map[string]*model.Task),
		updateErrs: make(map[statemachine.TaskStatus]error),
	}
	for _, task := range tasks {
		r.tasks[task.TaskId] = task
	}
	return r
}

func (r *fakeTaskRepo) CreateTask(task *model.Task) error {
	r.tasks[task.TaskId] = task
	return nil
}

func (r *fakeTaskRepo) GetTaskByTaskId(taskId string) (*model.Task, error) {
	task, ok := r.tasks[taskId]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return task, nil
}

func (r *fakeTaskRepo) GetTaskByIdempotencyKey(key string) (*model.Task, error) {
	for _, task := range r.tasks {
		if task.IdempotencyKey != nil && *task.IdempotencyKey == key {
			return task, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (r *fakeTaskRepo) ClaimPending(queues []string, partition, limit int, offer func(tasks []model.Task) error) error {
	return nil
}

func (r *fakeTaskRepo) UpdateStatus(taskId string, from []statemachine.TaskStatus, to statemachine.TaskStatus, updates map[string]any) error {
	if err := r.updateErrs[to]; err != nil {
		return err
	}
	r.updates = append(r.updates, statusUpdate{taskId: taskId, from: from, to: to, updates: updates})
	if task, ok := r.tasks[taskId]; ok {
		task.Status = to
	}
	return nil
}

func (r *fakeTaskRepo) RequeueDispatching(taskIds []string) (int64, error) { return 0, nil }
func (r *fakeTaskRepo) OrphanedDispatching(olderThan time.Time, limit int) ([]model.Task, error) {
	return nil, nil
}
func (r *fakeTaskRepo) DueForRetry(now time.Time, limit int) ([]model.Task, error) {
	return nil, nil
}
func (r *fakeTaskRepo) DueDelayed(now time.Time, limit int) ([]model.Task, error) {
	return nil, nil
}
func (r *fakeTaskRepo) FailedAwaitingDeadLetter(limit int) ([]model.Task, error) { return nil, nil }
func (r *fakeTaskRepo) ListTasks(queue string, status statemachine.TaskStatus, pageNum, pageSize int) ([]model.Task, int64, error) {
	return nil, 0, nil
}
func (r *fakeTaskRepo) CountByStatus() (map[statemachine.TaskStatus]int64, error) {
	return map[statemachine.TaskStatus]int64{}, nil
}
func (r *fakeTaskRepo) DeleteFinishedBefore(before time.Time, limit int) (int64, error) {
	return 0, nil
}

type fakeDeadLetterRepo struct {
	entries   map[string]*model.DeadLetter
	createErr error
}

func newFakeDeadLetterRepo() *fakeDeadLetterRepo {
	return &fakeDeadLetterRepo{entries: make(map[string]*model.DeadLetter)}
}

func (r *fakeDeadLetterRepo) Create(entry *model.DeadLetter) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.entries[entry.TaskId] = entry
	return nil
}

func (r *fakeDeadLetterRepo) GetByTaskId(taskId string) (*model.DeadLetter, error) {
	entry, ok := r.entries[taskId]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return entry, nil
}

func (r *fakeDeadLetterRepo) List(queue string, pageNum, pageSize int) ([]model.DeadLetter, int64, error) {
	return nil, 0, nil
}

func (r *fakeDeadLetterRepo) DeleteBefore(before time.Time, limit int) (int64, error) {
	return 0, nil
}

var activeStatuses = []statemachine.TaskStatus{
	statemachine.TaskStatusDispatching,
	statemachine.TaskStatusRunning,
}

func TestApplyFailure_SchedulesRetry(t *testing.T) {
	task := &model.Task{TaskId: "t1", Queue: "default", MaxRetries: 3, Status: statemachine.TaskStatusRunning}
	tasks := newFakeTaskRepo(task)
	deadLetters := newFakeDeadLetterRepo()
	backoff := NewBackoff(time.Second, time.Hour, 0)
	now := time.Now()

	outcome, err := ApplyFailure(tasks, deadLetters, backoff, task, activeStatuses, 1, "boom", true, now)
	require.NoError(t, err)
	assert.Equal(t, statemachine.TaskStatusRetry, outcome)

	require.Len(t, tasks.updates, 1)
	up := tasks.updates[0]
	assert.Equal(t, statemachine.TaskStatusRetry, up.to)
	assert.Equal(t, activeStatuses, up.from)
	assert.Equal(t, 1, up.updates["attempt_count"])
	assert.Equal(t, "boom", up.updates["error_message"])
	assert.Equal(t, now.Add(time.Second), up.updates["scheduled_at"])
	assert.Empty(t, deadLetters.entries)
}

func TestApplyFailure_BackoffGrowsWithAttempts(t *testing.T) {
	task := &model.Task{TaskId: "t1", Queue: "default", MaxRetries: 5}
	tasks := newFakeTaskRepo(task)
	backoff := NewBackoff(time.Second, time.Hour, 0)
	now := time.Now()

	_, err := ApplyFailure(tasks, newFakeDeadLetterRepo(), backoff, task, activeStatuses, 3, "boom", true, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(4*time.Second), tasks.updates[0].updates["scheduled_at"])
}

func TestApplyFailure_ExhaustedGoesToDeadLetter(t *testing.T) {
	task := &model.Task{TaskId: "t1", Queue: "default", Name: "encode", MaxRetries: 3}
	tasks := newFakeTaskRepo(task)
	deadLetters := newFakeDeadLetterRepo()
	now := time.Now()

	outcome, err := ApplyFailure(tasks, deadLetters, NewBackoff(time.Second, time.Hour, 0),
		task, activeStatuses, 3, "boom", true, now)
	require.NoError(t, err)
	assert.Equal(t, statemachine.TaskStatusDeadLetter, outcome)

	require.Len(t, tasks.updates, 2)
	assert.Equal(t, statemachine.TaskStatusFailed, tasks.updates[0].to)
	assert.Equal(t, now, tasks.updates[0].updates["finished_at"])
	assert.Equal(t, statemachine.TaskStatusDeadLetter, tasks.updates[1].to)
	assert.Equal(t, []statemachine.TaskStatus{statemachine.TaskStatusFailed}, tasks.updates[1].from)

	entry, err := deadLetters.GetByTaskId("t1")
	require.NoError(t, err)
	assert.Equal(t, "default", entry.Queue)
	assert.Equal(t, "encode", entry.Name)
	assert.Equal(t, 3, entry.AttemptCount)
	assert.Equal(t, "boom", entry.ErrorMessage)
	assert.Equal(t, now, entry.DeadAt)
}

func TestApplyFailure_NonRetryableSkipsRetries(t *testing.T) {
	task := &model.Task{TaskId: "t1", Queue: "default", MaxRetries: 5}
	tasks := newFakeTaskRepo(task)
	deadLetters := newFakeDeadLetterRepo()

	outcome, err := ApplyFailure(tasks, deadLetters, NewBackoff(time.Second, time.Hour, 0),
		task, activeStatuses, 1, "bad input", false, time.Now())
	require.NoError(t, err)
	assert.Equal(t, statemachine.TaskStatusDeadLetter, outcome)
	assert.NotEmpty(t, deadLetters.entries)
}

func TestApplyFailure_DeadLetterWriteFailureLeavesFailed(t *testing.T) {
	task := &model.Task{TaskId: "t1", Queue: "default", MaxRetries: 1}
	tasks := newFakeTaskRepo(task)
	deadLetters := newFakeDeadLetterRepo()
	deadLetters.createErr = errors.New("store down")

	outcome, err := ApplyFailure(tasks, deadLetters, NewBackoff(time.Second, time.Hour, 0),
		task, activeStatuses, 1, "boom", true, time.Now())
	assert.Error(t, err)
	assert.Equal(t, statemachine.TaskStatusFailed, outcome)

	// The task stays FAILED for the dead-letter mover to pick up.
	require.Len(t, tasks.updates, 1)
	assert.Equal(t, statemachine.TaskStatusFailed, tasks.updates[0].to)
}

func TestApplyFailure_GuardedUpdateErrorPropagates(t *testing.T) {
	task := &model.Task{TaskId: "t1", Queue: "default", MaxRetries: 3}
	tasks := newFakeTaskRepo(task)
	tasks.updateErrs[statemachine.TaskStatusRetry] = repo.ErrInvalidState

	_, err := ApplyFailure(tasks, newFakeDeadLetterRepo(), NewBackoff(time.Second, time.Hour, 0),
		task, activeStatuses, 1, "boom", true, time.Now())
	assert.ErrorIs(t, err, repo.ErrInvalidState)
	assert.Empty(t, tasks.updates)
}
