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
	"time"

	"github.com/stretchr/testify/require"

	"github.com/valka-io/valka/internal/core/matching"
	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/internal/core/repo"
	"github.com/valka-io/valka/pkg/statemachine"
)

// In-memory repositories backing the service tests. Guarded status
// updates behave like the store: the transition applies only when the
// current status is in the from set.

type memTaskRepo struct {
	tasks map[string]*model.Task
}

func newMemTaskRepo() *memTaskRepo {
	return &memTaskRepo{tasks: make(map[string]*model.Task)}
}

func (r *memTaskRepo) CreateTask(task *model.Task) error {
	if task.IdempotencyKey != nil {
		for _, existing := range r.tasks {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *task.IdempotencyKey {
				return repo.ErrDuplicateIdempotencyKey
			}
		}
	}
	cp := *task
	r.tasks[task.TaskId] = &cp
	return nil
}

func (r *memTaskRepo) GetTaskByTaskId(taskId string) (*model.Task, error) {
	task, ok := r.tasks[taskId]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (r *memTaskRepo) GetTaskByIdempotencyKey(key string) (*model.Task, error) {
	for _, task := range r.tasks {
		if task.IdempotencyKey != nil && *task.IdempotencyKey == key {
			cp := *task
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (r *memTaskRepo) ClaimPending(queues []string, partition, limit int, offer func(tasks []model.Task) error) error {
	return nil
}

func (r *memTaskRepo) UpdateStatus(taskId string, from []statemachine.TaskStatus, to statemachine.TaskStatus, updates map[string]any) error {
	task, ok := r.tasks[taskId]
	if !ok {
		return repo.ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if task.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return repo.ErrInvalidState
	}
	task.Status = to
	if v, ok := updates["error_message"]; ok {
		if msg, ok := v.(string); ok {
			task.ErrorMessage = msg
		}
	}
	if v, ok := updates["attempt_count"]; ok {
		if n, ok := v.(int); ok {
			task.AttemptCount = n
		}
	}
	return nil
}

func (r *memTaskRepo) RequeueDispatching(taskIds []string) (int64, error) { return 0, nil }
func (r *memTaskRepo) OrphanedDispatching(olderThan time.Time, limit int) ([]model.Task, error) {
	return nil, nil
}
func (r *memTaskRepo) DueForRetry(now time.Time, limit int) ([]model.Task, error) { return nil, nil }
func (r *memTaskRepo) DueDelayed(now time.Time, limit int) ([]model.Task, error)  { return nil, nil }
func (r *memTaskRepo) FailedAwaitingDeadLetter(limit int) ([]model.Task, error)   { return nil, nil }

func (r *memTaskRepo) ListTasks(queue string, status statemachine.TaskStatus, pageNum, pageSize int) ([]model.Task, int64, error) {
	var out []model.Task
	for _, task := range r.tasks {
		if queue != "" && task.Queue != queue {
			continue
		}
		if status != "" && task.Status != status {
			continue
		}
		out = append(out, *task)
	}
	return out, int64(len(out)), nil
}

func (r *memTaskRepo) CountByStatus() (map[statemachine.TaskStatus]int64, error) {
	out := make(map[statemachine.TaskStatus]int64)
	for _, task := range r.tasks {
		out[task.Status]++
	}
	return out, nil
}

func (r *memTaskRepo) DeleteFinishedBefore(before time.Time, limit int) (int64, error) {
	return 0, nil
}

type memRunRepo struct {
	runs map[string][]model.TaskRun
}

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{runs: make(map[string][]model.TaskRun)}
}

func (r *memRunRepo) CreateRun(run *model.TaskRun) error {
	r.runs[run.TaskId] = append(r.runs[run.TaskId], *run)
	return nil
}

func (r *memRunRepo) GetRunByRunId(runId string) (*model.TaskRun, error) {
	for _, runs := range r.runs {
		for i := range runs {
			if runs[i].RunId == runId {
				return &runs[i], nil
			}
		}
	}
	return nil, repo.ErrNotFound
}

func (r *memRunRepo) GetActiveRunByTaskId(taskId string) (*model.TaskRun, error) {
	return nil, repo.ErrNotFound
}

func (r *memRunRepo) ExtendLease(runId string, leaseExpiresAt, heartbeatAt time.Time) error {
	return nil
}

func (r *memRunRepo) FinishRun(runId string, status statemachine.RunStatus, updates map[string]any) error {
	return nil
}

func (r *memRunRepo) ExpiredRuns(now time.Time, limit int) ([]model.TaskRun, error) {
	return nil, nil
}

func (r *memRunRepo) ListRunsByTaskId(taskId string) ([]model.TaskRun, error) {
	return r.runs[taskId], nil
}

func (r *memRunRepo) DeleteFinishedBefore(before time.Time, limit int) (int64, error) {
	return 0, nil
}

type memLogRepo struct{}

func (memLogRepo) SaveBatch(entries []model.TaskLog) error { return nil }
func (memLogRepo) ListByRunId(runId string, after time.Time, limit int) ([]model.TaskLog, error) {
	return nil, nil
}
func (memLogRepo) ListByTaskId(taskId string, pageNum, pageSize int) ([]model.TaskLog, int64, error) {
	return nil, 0, nil
}
func (memLogRepo) DeleteBefore(before time.Time, limit int) (int64, error) { return 0, nil }

type memDeadLetterRepo struct {
	entries map[string]*model.DeadLetter
}

func newMemDeadLetterRepo() *memDeadLetterRepo {
	return &memDeadLetterRepo{entries: make(map[string]*model.DeadLetter)}
}

func (r *memDeadLetterRepo) Create(entry *model.DeadLetter) error {
	r.entries[entry.TaskId] = entry
	return nil
}

func (r *memDeadLetterRepo) GetByTaskId(taskId string) (*model.DeadLetter, error) {
	entry, ok := r.entries[taskId]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return entry, nil
}

func (r *memDeadLetterRepo) List(queue string, pageNum, pageSize int) ([]model.DeadLetter, int64, error) {
	var out []model.DeadLetter
	for _, entry := range r.entries {
		out = append(out, *entry)
	}
	return out, int64(len(out)), nil
}

func (r *memDeadLetterRepo) DeleteBefore(before time.Time, limit int) (int64, error) {
	return 0, nil
}

type memWorkerRepo struct {
	workers map[string]*model.Worker
}

func newMemWorkerRepo() *memWorkerRepo {
	return &memWorkerRepo{workers: make(map[string]*model.Worker)}
}

func (r *memWorkerRepo) UpsertWorker(worker *model.Worker) error {
	r.workers[worker.WorkerId] = worker
	return nil
}

func (r *memWorkerRepo) GetWorkerByWorkerId(workerId string) (*model.Worker, error) {
	w, ok := r.workers[workerId]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return w, nil
}

func (r *memWorkerRepo) SetStatus(workerId, status string, at time.Time) error { return nil }
func (r *memWorkerRepo) TouchHeartbeat(workerId string, at time.Time) error    { return nil }

func (r *memWorkerRepo) ListWorkers(status string, pageNum, pageSize int) ([]model.Worker, int64, error) {
	var out []model.Worker
	for _, w := range r.workers {
		if status != "" && w.Status != status {
			continue
		}
		out = append(out, *w)
	}
	return out, int64(len(out)), nil
}

func (r *memWorkerRepo) StaleActiveWorkers(before time.Time) ([]model.Worker, error) {
	return nil, nil
}

type memSignalRepo struct {
	signals map[string]*model.TaskSignal
	order   []string
}

func newMemSignalRepo() *memSignalRepo {
	return &memSignalRepo{signals: make(map[string]*model.TaskSignal)}
}

func (r *memSignalRepo) CreateSignal(signal *model.TaskSignal) error {
	cp := *signal
	r.signals[signal.SignalId] = &cp
	r.order = append(r.order, signal.SignalId)
	return nil
}

func (r *memSignalRepo) GetSignalBySignalId(signalId string) (*model.TaskSignal, error) {
	sig, ok := r.signals[signalId]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *sig
	return &cp, nil
}

func (r *memSignalRepo) PendingByTaskId(taskId string) ([]model.TaskSignal, error) {
	var out []model.TaskSignal
	for _, id := range r.order {
		sig := r.signals[id]
		if sig.TaskId == taskId && sig.Status == statemachine.SignalStatusPending {
			out = append(out, *sig)
		}
	}
	return out, nil
}

func (r *memSignalRepo) MarkDelivered(signalId string, at time.Time) error {
	sig, ok := r.signals[signalId]
	if !ok {
		return repo.ErrNotFound
	}
	sig.Status = statemachine.SignalStatusDelivered
	sig.DeliveredAt = &at
	return nil
}

func (r *memSignalRepo) MarkAcknowledged(signalId string, at time.Time) error { return nil }
func (r *memSignalRepo) ResetDelivered(taskIds []string) (int64, error)       { return 0, nil }
func (r *memSignalRepo) DeleteAckedBefore(before time.Time, limit int) (int64, error) {
	return 0, nil
}

// fakeNotifier records dispatcher pushes and answers with canned
// delivery outcomes.
type fakeNotifier struct {
	cancellations []string
	signals       []string
	cancelOk      bool
	deliverOk     bool
}

func (n *fakeNotifier) NotifyCancellation(taskId, reason string) bool {
	n.cancellations = append(n.cancellations, taskId)
	return n.cancelOk
}

func (n *fakeNotifier) DeliverSignal(sig *model.TaskSignal) bool {
	n.signals = append(n.signals, sig.SignalId)
	return n.deliverOk
}

type serviceFixture struct {
	services *Services
	tasks    *memTaskRepo
	runs     *memRunRepo
	letters  *memDeadLetterRepo
	signals  *memSignalRepo
	workers  *memWorkerRepo
	notifier *fakeNotifier
	engine   *matching.Engine
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	engine, err := matching.NewEngine(2, 4, nil)
	require.NoError(t, err)

	f := &serviceFixture{
		tasks:    newMemTaskRepo(),
		runs:     newMemRunRepo(),
		letters:  newMemDeadLetterRepo(),
		signals:  newMemSignalRepo(),
		workers:  newMemWorkerRepo(),
		notifier: &fakeNotifier{cancelOk: true, deliverOk: true},
		engine:   engine,
	}
	repos := &repo.Repositories{
		Task:       f.tasks,
		Run:        f.runs,
		TaskLog:    memLogRepo{},
		DeadLetter: f.letters,
		Worker:     f.workers,
		Signal:     f.signals,
	}
	f.services = NewServices("node-test", repos, engine, f.notifier, nil, nil)
	return f
}
