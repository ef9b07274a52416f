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
	"regexp"
	"time"

	"github.com/pkg/errors"

	"github.com/valka-io/valka/internal/core/matching"
	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/internal/core/repo"
	"github.com/valka-io/valka/pkg/event"
	"github.com/valka-io/valka/pkg/id"
	"github.com/valka-io/valka/pkg/log"
	"github.com/valka-io/valka/pkg/metrics"
	"github.com/valka-io/valka/pkg/statemachine"
)

const defaultMaxRetries = 3

var queueNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,255}$`)

type TaskService struct {
	nodeId   string
	repos    *repo.Repositories
	engine   *matching.Engine
	notifier Notifier
	bus      *event.Bus
	metrics  *metrics.EngineMetrics
}

func NewTaskService(
	nodeId string,
	repos *repo.Repositories,
	engine *matching.Engine,
	notifier Notifier,
	bus *event.Bus,
	m *metrics.EngineMetrics,
) *TaskService {
	return &TaskService{
		nodeId:   nodeId,
		repos:    repos,
		engine:   engine,
		notifier: notifier,
		bus:      bus,
		metrics:  m,
	}
}

// CreateTask inserts a task and offers it to the matching engine when
// it is due immediately. When the idempotency key already exists the
// stored task comes back unchanged and created is false.
func (ts *TaskService) CreateTask(req *model.CreateTaskReq) (task *model.Task, created bool, err error) {
	if !queueNameRe.MatchString(req.Queue) {
		return nil, false, errors.Wrapf(ErrInvalidArgument, "invalid queue name %q", req.Queue)
	}
	if req.Name == "" {
		return nil, false, errors.Wrap(ErrInvalidArgument, "task name is required")
	}
	maxRetries := defaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, false, errors.Wrapf(ErrInvalidArgument, "maxRetries must not be negative, got %d", *req.MaxRetries)
		}
		maxRetries = *req.MaxRetries
	}
	if req.TimeoutSeconds < 0 {
		return nil, false, errors.Wrapf(ErrInvalidArgument, "timeoutSeconds must not be negative, got %d", req.TimeoutSeconds)
	}
	if req.IdempotencyKey != nil && *req.IdempotencyKey == "" {
		return nil, false, errors.Wrap(ErrInvalidArgument, "idempotency key must not be empty")
	}

	task = &model.Task{
		TaskId:         id.ULID(),
		Name:           req.Name,
		Queue:          req.Queue,
		Partition:      ts.engine.PartitionFor(req.Queue),
		Status:         statemachine.TaskStatusPending,
		Priority:       req.Priority,
		Input:          req.Input,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
		MaxRetries:     maxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		ScheduledAt:    req.ScheduledAt,
		CreatedBy:      req.CreatedBy,
	}

	if err := ts.repos.Task.CreateTask(task); err != nil {
		if errors.Is(err, repo.ErrDuplicateIdempotencyKey) && req.IdempotencyKey != nil {
			existing, getErr := ts.repos.Task.GetTaskByIdempotencyKey(*req.IdempotencyKey)
			if getErr != nil {
				return nil, false, errors.Wrap(getErr, "lookup task by idempotency key")
			}
			return existing, false, nil
		}
		return nil, false, errors.Wrap(err, "create task")
	}

	if ts.metrics != nil {
		ts.metrics.TasksCreated.WithLabelValues(task.Queue).Inc()
	}
	publish(ts.bus, event.KindTaskCreated, ts.nodeId, &event.StateChange{
		TaskId:    task.TaskId,
		Queue:     task.Queue,
		NewStatus: string(task.Status),
	})

	// Due tasks go straight to the engine; the reader is the fallback
	// when no waiter takes it. Delayed tasks wait for the promoter.
	if task.ScheduledAt == nil || !task.ScheduledAt.After(time.Now()) {
		ts.engine.OfferTask(task)
	}
	return task, true, nil
}

func (ts *TaskService) GetTask(taskId string) (*model.Task, error) {
	return ts.repos.Task.GetTaskByTaskId(taskId)
}

func (ts *TaskService) ListTasks(queue string, status statemachine.TaskStatus, pageNum, pageSize int) ([]model.Task, int64, error) {
	pageNum, pageSize = normalizePage(pageNum, pageSize)
	return ts.repos.Task.ListTasks(queue, status, pageNum, pageSize)
}

// CancelTask moves a task to CANCELLED. Queued tasks flip directly;
// tasks owned by a worker flip first, then the worker is told to
// abandon the attempt so its eventual result is recorded as
// "cancelled".
func (ts *TaskService) CancelTask(taskId, reason string) (*model.Task, error) {
	if reason == "" {
		reason = "cancelled"
	}
	task, err := ts.repos.Task.GetTaskByTaskId(taskId)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, errors.Wrapf(repo.ErrInvalidState, "task %s is already %s", taskId, task.Status)
	}

	now := time.Now()
	prev := task.Status
	var from []statemachine.TaskStatus
	if task.Status.IsQueued() {
		from = []statemachine.TaskStatus{statemachine.TaskStatusPending, statemachine.TaskStatusRetry}
	} else {
		from = []statemachine.TaskStatus{statemachine.TaskStatusDispatching, statemachine.TaskStatusRunning}
	}

	err = ts.repos.Task.UpdateStatus(taskId, from, statemachine.TaskStatusCancelled, map[string]any{
		"error_message": reason,
		"finished_at":   now,
	})
	if err != nil {
		if errors.Is(err, repo.ErrInvalidState) {
			// Lost the race against a dispatch or a result. Report
			// whatever the row settled on.
			current, getErr := ts.repos.Task.GetTaskByTaskId(taskId)
			if getErr == nil && current.Status == statemachine.TaskStatusCancelled {
				return current, nil
			}
		}
		return nil, err
	}

	if prev.IsActive() && ts.notifier != nil {
		if !ts.notifier.NotifyCancellation(taskId, reason) {
			log.Infow("cancelled task has no local session, lease reaper will settle the run", "taskId", taskId)
		}
	}
	if ts.metrics != nil {
		ts.metrics.TasksFinished.WithLabelValues(string(statemachine.TaskStatusCancelled)).Inc()
	}
	publish(ts.bus, event.KindTaskStatusChanged, ts.nodeId, &event.StateChange{
		TaskId:         task.TaskId,
		Queue:          task.Queue,
		PreviousStatus: string(prev),
		NewStatus:      string(statemachine.TaskStatusCancelled),
		ErrorMessage:   reason,
	})

	return ts.repos.Task.GetTaskByTaskId(taskId)
}

func (ts *TaskService) ListRuns(taskId string) ([]model.TaskRun, error) {
	if _, err := ts.repos.Task.GetTaskByTaskId(taskId); err != nil {
		return nil, err
	}
	return ts.repos.Run.ListRunsByTaskId(taskId)
}

func (ts *TaskService) ListLogs(taskId string, pageNum, pageSize int) ([]model.TaskLog, int64, error) {
	pageNum, pageSize = normalizePage(pageNum, pageSize)
	return ts.repos.TaskLog.ListByTaskId(taskId, pageNum, pageSize)
}

// Stats returns the task count per status, zero-filled for statuses
// with no rows.
func (ts *TaskService) Stats() (map[statemachine.TaskStatus]int64, error) {
	counts, err := ts.repos.Task.CountByStatus()
	if err != nil {
		return nil, err
	}
	for _, status := range []statemachine.TaskStatus{
		statemachine.TaskStatusPending,
		statemachine.TaskStatusDispatching,
		statemachine.TaskStatusRunning,
		statemachine.TaskStatusCompleted,
		statemachine.TaskStatusFailed,
		statemachine.TaskStatusRetry,
		statemachine.TaskStatusDeadLetter,
		statemachine.TaskStatusCancelled,
	} {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	return counts, nil
}

func (ts *TaskService) ListDeadLetters(queue string, pageNum, pageSize int) ([]model.DeadLetter, int64, error) {
	pageNum, pageSize = normalizePage(pageNum, pageSize)
	return ts.repos.DeadLetter.List(queue, pageNum, pageSize)
}

func normalizePage(pageNum, pageSize int) (int, int) {
	if pageNum <= 0 {
		pageNum = 1
	}
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 20
	}
	return pageNum, pageSize
}
