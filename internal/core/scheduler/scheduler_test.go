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

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valka-io/valka/internal/core/dispatcher"
	"github.com/valka-io/valka/internal/core/matching"
	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/internal/core/repo"
	"github.com/valka-io/valka/pkg/event"
	"github.com/valka-io/valka/pkg/statemachine"
)

type statusUpdate struct {
	taskId  string
	from    []statemachine.TaskStatus
	to      statemachine.TaskStatus
	updates map[string]any
}

// fakeTaskRepo answers the sweep scans from scripted slices and records
// every guarded status update.
type fakeTaskRepo struct {
	tasks          map[string]*model.Task
	updates        []statusUpdate
	updateErrs     map[string]error
	dueRetry       []model.Task
	dueDelayed     []model.Task
	failedAwaiting []model.Task
	orphans        []model.Task
	orphanCutoff   time.Time
	requeued       []string
	deleteCounts   []int64
	deleteBefore   time.Time
	deleteCalls    int
}

func newFakeTaskRepo(tasks ...*model.Task) *fakeTaskRepo {
	r := &fakeTaskRepo{
		tasks:      make(map[string]*model.Task),
		updateErrs: make(map[string]error),
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
	return nil, repo.ErrNotFound
}

func (r *fakeTaskRepo) ClaimPending(queues []string, partition, limit int, offer func(tasks []model.Task) error) error {
	return nil
}

func (r *fakeTaskRepo) UpdateStatus(taskId string, from []statemachine.TaskStatus, to statemachine.TaskStatus, updates map[string]any) error {
	if err := r.updateErrs[taskId]; err != nil {
		return err
	}
	r.updates = append(r.updates, statusUpdate{taskId: taskId, from: from, to: to, updates: updates})
	if task, ok := r.tasks[taskId]; ok {
		task.Status = to
	}
	return nil
}

func (r *fakeTaskRepo) RequeueDispatching(taskIds []string) (int64, error) {
	r.requeued = append(r.requeued, taskIds...)
	return int64(len(taskIds)), nil
}

func (r *fakeTaskRepo) OrphanedDispatching(olderThan time.Time, limit int) ([]model.Task, error) {
	r.orphanCutoff = olderThan
	return r.orphans, nil
}

func (r *fakeTaskRepo) DueForRetry(now time.Time, limit int) ([]model.Task, error) {
	return r.dueRetry, nil
}

func (r *fakeTaskRepo) DueDelayed(now time.Time, limit int) ([]model.Task, error) {
	return r.dueDelayed, nil
}

func (r *fakeTaskRepo) FailedAwaitingDeadLetter(limit int) ([]model.Task, error) {
	return r.failedAwaiting, nil
}

func (r *fakeTaskRepo) ListTasks(queue string, status statemachine.TaskStatus, pageNum, pageSize int) ([]model.Task, int64, error) {
	return nil, 0, nil
}

func (r *fakeTaskRepo) CountByStatus() (map[statemachine.TaskStatus]int64, error) {
	return map[statemachine.TaskStatus]int64{}, nil
}

func (r *fakeTaskRepo) DeleteFinishedBefore(before time.Time, limit int) (int64, error) {
	r.deleteBefore = before
	r.deleteCalls++
	if len(r.deleteCounts) == 0 {
		return 0, nil
	}
	n := r.deleteCounts[0]
	r.deleteCounts = r.deleteCounts[1:]
	return n, nil
}

type finishCall struct {
	runId   string
	status  statemachine.RunStatus
	updates map[string]any
}

type fakeRunRepo struct {
	expired   []model.TaskRun
	finishes  []finishCall
	finishErr error
}

func (r *fakeRunRepo) CreateRun(run *model.TaskRun) error { return nil }
func (r *fakeRunRepo) GetRunByRunId(runId string) (*model.TaskRun, error) {
	return nil, repo.ErrNotFound
}
func (r *fakeRunRepo) GetActiveRunByTaskId(taskId string) (*model.TaskRun, error) {
	return nil, repo.ErrNotFound
}
func (r *fakeRunRepo) ExtendLease(runId string, leaseExpiresAt, heartbeatAt time.Time) error {
	return nil
}

func (r *fakeRunRepo) FinishRun(runId string, status statemachine.RunStatus, updates map[string]any) error {
	if r.finishErr != nil {
		return r.finishErr
	}
	r.finishes = append(r.finishes, finishCall{runId: runId, status: status, updates: updates})
	return nil
}

func (r *fakeRunRepo) ExpiredRuns(now time.Time, limit int) ([]model.TaskRun, error) {
	return r.expired, nil
}

func (r *fakeRunRepo) ListRunsByTaskId(taskId string) ([]model.TaskRun, error) { return nil, nil }
func (r *fakeRunRepo) DeleteFinishedBefore(before time.Time, limit int) (int64, error) {
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
	// Mirrors the store: a replayed insert keeps the original copy.
	if _, ok := r.entries[entry.TaskId]; !ok {
		r.entries[entry.TaskId] = entry
	}
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

type workerStatusCall struct {
	workerId string
	status   string
	at       time.Time
}

type fakeWorkerRepo struct {
	stale       []model.Worker
	staleBefore time.Time
	statusCalls []workerStatusCall
	statusErr   error
}

func (r *fakeWorkerRepo) UpsertWorker(worker *model.Worker) error { return nil }
func (r *fakeWorkerRepo) GetWorkerByWorkerId(workerId string) (*model.Worker, error) {
	return nil, repo.ErrNotFound
}

func (r *fakeWorkerRepo) SetStatus(workerId, status string, at time.Time) error {
	if r.statusErr != nil {
		return r.statusErr
	}
	r.statusCalls = append(r.statusCalls, workerStatusCall{workerId: workerId, status: status, at: at})
	return nil
}

func (r *fakeWorkerRepo) TouchHeartbeat(workerId string, at time.Time) error { return nil }
func (r *fakeWorkerRepo) ListWorkers(status string, pageNum, pageSize int) ([]model.Worker, int64, error) {
	return nil, 0, nil
}

func (r *fakeWorkerRepo) StaleActiveWorkers(before time.Time) ([]model.Worker, error) {
	r.staleBefore = before
	return r.stale, nil
}

type fakeSignalRepo struct {
	deleteCalls int
}

func (r *fakeSignalRepo) CreateSignal(signal *model.TaskSignal) error { return nil }
func (r *fakeSignalRepo) GetSignalBySignalId(signalId string) (*model.TaskSignal, error) {
	return nil, repo.ErrNotFound
}
func (r *fakeSignalRepo) PendingByTaskId(taskId string) ([]model.TaskSignal, error) {
	return nil, nil
}
func (r *fakeSignalRepo) MarkDelivered(signalId string, at time.Time) error    { return nil }
func (r *fakeSignalRepo) MarkAcknowledged(signalId string, at time.Time) error { return nil }
func (r *fakeSignalRepo) ResetDelivered(taskIds []string) (int64, error)       { return 0, nil }
func (r *fakeSignalRepo) DeleteAckedBefore(before time.Time, limit int) (int64, error) {
	r.deleteCalls++
	return 0, nil
}

type fakeLogRepo struct{}

func (fakeLogRepo) SaveBatch(entries []model.TaskLog) error { return nil }
func (fakeLogRepo) ListByRunId(runId string, after time.Time, limit int) ([]model.TaskLog, error) {
	return nil, nil
}
func (fakeLogRepo) ListByTaskId(taskId string, pageNum, pageSize int) ([]model.TaskLog, int64, error) {
	return nil, 0, nil
}
func (fakeLogRepo) DeleteBefore(before time.Time, limit int) (int64, error) { return 0, nil }

type fakeLeaderRepo struct {
	acquired   bool
	acquireErr error
	pingErr    error
	released   bool
}

func (r *fakeLeaderRepo) TryAcquire(ctx context.Context) (bool, error) {
	return r.acquired, r.acquireErr
}

func (r *fakeLeaderRepo) Release(ctx context.Context) error {
	r.released = true
	return nil
}

func (r *fakeLeaderRepo) Ping(ctx context.Context) error { return r.pingErr }

type schedulerFixture struct {
	scheduler *Scheduler
	tasks     *fakeTaskRepo
	runs      *fakeRunRepo
	letters   *fakeDeadLetterRepo
	workers   *fakeWorkerRepo
	signals   *fakeSignalRepo
	leader    *fakeLeaderRepo
	engine    *matching.Engine
	sub       *event.Subscription
}

func newSchedulerFixture(t *testing.T, tasks *fakeTaskRepo) *schedulerFixture {
	t.Helper()
	engine, err := matching.NewEngine(2, 4, nil)
	require.NoError(t, err)

	f := &schedulerFixture{
		tasks:   tasks,
		runs:    &fakeRunRepo{},
		letters: newFakeDeadLetterRepo(),
		workers: &fakeWorkerRepo{},
		signals: &fakeSignalRepo{},
		leader:  &fakeLeaderRepo{},
		engine:  engine,
	}
	bus := event.NewBus()
	f.sub = bus.Subscribe("test", 32)
	repos := &repo.Repositories{
		Task:       f.tasks,
		Run:        f.runs,
		TaskLog:    fakeLogRepo{},
		DeadLetter: f.letters,
		Worker:     f.workers,
		Signal:     f.signals,
		Leader:     f.leader,
	}
	f.scheduler = NewScheduler(&Conf{RetentionBatch: 5}, "node-test", repos, engine,
		bus, dispatcher.NewBackoff(time.Second, time.Hour, 0), nil)
	return f
}

func (f *schedulerFixture) events() []event.Event {
	var out []event.Event
	for {
		select {
		case ev := <-f.sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestLeaderTick_AcquireAndLose(t *testing.T) {
	f := newSchedulerFixture(t, newFakeTaskRepo())
	ctx := context.Background()

	f.scheduler.leaderTick(ctx, time.Now())
	assert.False(t, f.scheduler.IsLeader())

	f.leader.acquired = true
	f.scheduler.leaderTick(ctx, time.Now())
	assert.True(t, f.scheduler.IsLeader())

	// Held lock: a failed ping on the pinned connection drops leadership.
	f.leader.pingErr = errors.New("connection gone")
	f.scheduler.leaderTick(ctx, time.Now())
	assert.False(t, f.scheduler.IsLeader())
}

func TestLeaderOnly_GatesSweeps(t *testing.T) {
	f := newSchedulerFixture(t, newFakeTaskRepo())
	calls := 0
	fn := f.scheduler.leaderOnly(func(ctx context.Context, now time.Time) { calls++ })

	fn(context.Background(), time.Now())
	assert.Equal(t, 0, calls)

	f.scheduler.leader.Store(true)
	fn(context.Background(), time.Now())
	assert.Equal(t, 1, calls)
}

func TestReapLeases_ExpiredRunSchedulesRetry(t *testing.T) {
	now := time.Now()
	started := now.Add(-90 * time.Second)
	task := &model.Task{TaskId: "t1", Queue: "default", MaxRetries: 3, Status: statemachine.TaskStatusRunning}
	f := newSchedulerFixture(t, newFakeTaskRepo(task))
	f.runs.expired = []model.TaskRun{{
		RunId: "r1", TaskId: "t1", WorkerId: "w1", AttemptNumber: 1, StartedAt: started,
	}}

	f.scheduler.reapLeases(context.Background(), now)

	require.Len(t, f.runs.finishes, 1)
	fin := f.runs.finishes[0]
	assert.Equal(t, "r1", fin.runId)
	assert.Equal(t, statemachine.RunStatusLeaseExpired, fin.status)
	assert.Equal(t, "lease expired", fin.updates["error_message"])
	assert.EqualValues(t, 90_000, fin.updates["duration_ms"])

	require.Len(t, f.tasks.updates, 1)
	up := f.tasks.updates[0]
	assert.Equal(t, statemachine.TaskStatusRetry, up.to)
	assert.Equal(t, 1, up.updates["attempt_count"])
	assert.Equal(t, now.Add(time.Second), up.updates["scheduled_at"])

	evs := f.events()
	require.Len(t, evs, 2)
	assert.Equal(t, event.KindRunLeaseExpired, evs[0].Kind)
	assert.Equal(t, event.KindTaskStatusChanged, evs[1].Kind)
	change, ok := evs[1].Payload.(event.StateChange)
	require.True(t, ok)
	assert.Equal(t, "t1", change.TaskId)
	assert.Equal(t, string(statemachine.TaskStatusRetry), change.NewStatus)
}

func TestReapLeases_ResultBeatReaper(t *testing.T) {
	f := newSchedulerFixture(t, newFakeTaskRepo())
	f.runs.expired = []model.TaskRun{{RunId: "r1", TaskId: "t1", AttemptNumber: 1}}
	f.runs.finishErr = repo.ErrInvalidState

	f.scheduler.reapLeases(context.Background(), time.Now())

	assert.Empty(t, f.tasks.updates)
	assert.Empty(t, f.events())
}

func TestReapLeases_ExhaustedRunDeadLetters(t *testing.T) {
	now := time.Now()
	task := &model.Task{TaskId: "t1", Queue: "default", Name: "encode", MaxRetries: 2, Status: statemachine.TaskStatusRunning}
	f := newSchedulerFixture(t, newFakeTaskRepo(task))
	f.runs.expired = []model.TaskRun{{RunId: "r1", TaskId: "t1", WorkerId: "w1", AttemptNumber: 2, StartedAt: now}}

	f.scheduler.reapLeases(context.Background(), now)

	_, err := f.letters.GetByTaskId("t1")
	require.NoError(t, err)
	evs := f.events()
	require.Len(t, evs, 2)
	assert.Equal(t, event.KindTaskDeadLettered, evs[1].Kind)
}

func TestReapLeases_RequeuesOrphanedDispatching(t *testing.T) {
	now := time.Now()
	f := newSchedulerFixture(t, newFakeTaskRepo())
	f.tasks.orphans = []model.Task{{TaskId: "t1"}, {TaskId: "t2"}}

	f.scheduler.reapLeases(context.Background(), now)

	assert.Equal(t, []string{"t1", "t2"}, f.tasks.requeued)
	assert.Equal(t, now.Add(-f.scheduler.conf.OrphanGrace), f.tasks.orphanCutoff)
}

func TestPromoteRetries(t *testing.T) {
	task := &model.Task{TaskId: "t1", Queue: "default", AttemptCount: 2, Status: statemachine.TaskStatusRetry}
	f := newSchedulerFixture(t, newFakeTaskRepo(task))
	f.tasks.dueRetry = []model.Task{*task, {TaskId: "t2", Queue: "default"}}
	// t2 was already claimed by a competing promotion.
	f.tasks.updateErrs["t2"] = repo.ErrInvalidState

	f.scheduler.promoteRetries(context.Background(), time.Now())

	require.Len(t, f.tasks.updates, 1)
	up := f.tasks.updates[0]
	assert.Equal(t, "t1", up.taskId)
	assert.Equal(t, []statemachine.TaskStatus{statemachine.TaskStatusRetry}, up.from)
	assert.Equal(t, statemachine.TaskStatusPending, up.to)
	assert.Nil(t, up.updates["scheduled_at"])

	evs := f.events()
	require.Len(t, evs, 1)
	change := evs[0].Payload.(event.StateChange)
	assert.Equal(t, "t1", change.TaskId)
	assert.Equal(t, string(statemachine.TaskStatusRetry), change.PreviousStatus)
	assert.Equal(t, string(statemachine.TaskStatusPending), change.NewStatus)
}

func TestPromoteDelayed_OffersToLocalEngine(t *testing.T) {
	f := newSchedulerFixture(t, newFakeTaskRepo())
	natural := f.engine.PartitionFor("default")
	f.tasks.dueDelayed = []model.Task{{TaskId: "t1", Queue: "default", Partition: natural}}

	h := f.engine.ParkWorker("w1", []string{"default"}, -1)
	f.scheduler.promoteDelayed(context.Background(), time.Now())

	select {
	case task := <-h.Task():
		assert.Equal(t, "t1", task.TaskId)
	case <-time.After(time.Second):
		t.Fatal("due task was not offered")
	}
}

func TestPromoteDelayed_NoEngine(t *testing.T) {
	f := newSchedulerFixture(t, newFakeTaskRepo())
	f.scheduler.engine = nil
	f.scheduler.promoteDelayed(context.Background(), time.Now())
}

func TestMoveDeadLetters(t *testing.T) {
	now := time.Now()
	task := &model.Task{TaskId: "t1", Queue: "default", Name: "encode", AttemptCount: 3,
		ErrorMessage: "boom", Status: statemachine.TaskStatusFailed}
	f := newSchedulerFixture(t, newFakeTaskRepo(task))
	f.tasks.failedAwaiting = []model.Task{*task}

	f.scheduler.moveDeadLetters(context.Background(), now)

	entry, err := f.letters.GetByTaskId("t1")
	require.NoError(t, err)
	assert.Equal(t, "default", entry.Queue)
	assert.Equal(t, "encode", entry.Name)
	assert.Equal(t, 3, entry.AttemptCount)
	assert.Equal(t, "boom", entry.ErrorMessage)
	assert.Equal(t, now, entry.DeadAt)

	require.Len(t, f.tasks.updates, 1)
	up := f.tasks.updates[0]
	assert.Equal(t, []statemachine.TaskStatus{statemachine.TaskStatusFailed}, up.from)
	assert.Equal(t, statemachine.TaskStatusDeadLetter, up.to)

	evs := f.events()
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindTaskDeadLettered, evs[0].Kind)
}

func TestMoveDeadLetters_WriteFailureLeavesRow(t *testing.T) {
	f := newSchedulerFixture(t, newFakeTaskRepo())
	f.tasks.failedAwaiting = []model.Task{{TaskId: "t1", Queue: "default"}}
	f.letters.createErr = errors.New("store down")

	f.scheduler.moveDeadLetters(context.Background(), time.Now())

	assert.Empty(t, f.tasks.updates)
	assert.Empty(t, f.events())
}

func TestMoveDeadLetters_FinishesInterruptedFlip(t *testing.T) {
	deadAt := time.Now().Add(-time.Hour)
	task := &model.Task{TaskId: "t1", Queue: "default", Name: "encode", AttemptCount: 3,
		Status: statemachine.TaskStatusFailed}
	f := newSchedulerFixture(t, newFakeTaskRepo(task))
	f.tasks.failedAwaiting = []model.Task{*task}
	require.NoError(t, f.letters.Create(&model.DeadLetter{
		TaskId: "t1", Queue: "default", Name: "encode", AttemptCount: 3, DeadAt: deadAt,
	}))

	f.scheduler.moveDeadLetters(context.Background(), time.Now())

	// The original copy survives; only the status flip is replayed.
	entry, err := f.letters.GetByTaskId("t1")
	require.NoError(t, err)
	assert.Equal(t, deadAt, entry.DeadAt)

	require.Len(t, f.tasks.updates, 1)
	up := f.tasks.updates[0]
	assert.Equal(t, []statemachine.TaskStatus{statemachine.TaskStatusFailed}, up.from)
	assert.Equal(t, statemachine.TaskStatusDeadLetter, up.to)
}

func TestReapWorkers(t *testing.T) {
	now := time.Now()
	f := newSchedulerFixture(t, newFakeTaskRepo())
	f.workers.stale = []model.Worker{{WorkerId: "w1", Name: "encoder", NodeId: "node-a", Status: model.WorkerStatusActive}}

	f.scheduler.reapWorkers(context.Background(), now)

	assert.Equal(t, now.Add(-f.scheduler.conf.WorkerStaleAfter), f.workers.staleBefore)
	require.Len(t, f.workers.statusCalls, 1)
	call := f.workers.statusCalls[0]
	assert.Equal(t, "w1", call.workerId)
	assert.Equal(t, model.WorkerStatusDisconnected, call.status)
	assert.Equal(t, now, call.at)

	evs := f.events()
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindWorkerDisconnect, evs[0].Kind)
	change := evs[0].Payload.(event.WorkerChange)
	assert.Equal(t, "w1", change.WorkerId)
	assert.Equal(t, "heartbeat stale", change.Reason)
}

func TestRetentionSweep_LoopsUntilBatchNotFull(t *testing.T) {
	now := time.Now()
	f := newSchedulerFixture(t, newFakeTaskRepo())
	// One full batch, then a short one ends the task loop.
	f.tasks.deleteCounts = []int64{5, 3}

	f.scheduler.retentionSweep(context.Background(), now)

	assert.Equal(t, 2, f.tasks.deleteCalls)
	assert.Equal(t, now.AddDate(0, 0, -f.scheduler.conf.RetentionDays), f.tasks.deleteBefore)
	assert.Equal(t, 1, f.signals.deleteCalls)
}

func TestStop_ReleasesHeldLock(t *testing.T) {
	f := newSchedulerFixture(t, newFakeTaskRepo())
	f.scheduler.leader.Store(true)

	f.scheduler.Stop()

	assert.True(t, f.leader.released)
	assert.False(t, f.scheduler.IsLeader())
}
