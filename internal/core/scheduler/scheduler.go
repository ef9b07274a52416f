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

// Package scheduler runs the maintenance sweeps on a single elected
// leader: expired leases, due retries, delayed tasks, dead letters,
// stale workers and retention. Non-leader nodes idle on the lock.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/valka-io/valka/internal/core/dispatcher"
	"github.com/valka-io/valka/internal/core/matching"
	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/internal/core/repo"
	"github.com/valka-io/valka/pkg/cron"
	"github.com/valka-io/valka/pkg/event"
	"github.com/valka-io/valka/pkg/log"
	"github.com/valka-io/valka/pkg/metrics"
	"github.com/valka-io/valka/pkg/safe"
	"github.com/valka-io/valka/pkg/statemachine"
)

// Scheduler owns the leader election and the periodic sweeps.
type Scheduler struct {
	conf    *Conf
	nodeId  string
	repos   *repo.Repositories
	engine  *matching.Engine
	bus     *event.Bus
	backoff *dispatcher.Backoff
	metrics *metrics.EngineMetrics
	cron    *cron.Scheduler

	leader atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(
	conf *Conf,
	nodeId string,
	repos *repo.Repositories,
	engine *matching.Engine,
	bus *event.Bus,
	backoff *dispatcher.Backoff,
	m *metrics.EngineMetrics,
) *Scheduler {
	conf.SetDefaults()
	return &Scheduler{
		conf:    conf,
		nodeId:  nodeId,
		repos:   repos,
		engine:  engine,
		bus:     bus,
		backoff: backoff,
		metrics: m,
		cron:    cron.New(),
	}
}

// IsLeader reports whether this node currently holds the lock.
func (s *Scheduler) IsLeader() bool {
	return s.leader.Load()
}

func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.runEvery(ctx, s.conf.AcquireInterval, s.leaderTick)
	s.runEvery(ctx, s.conf.ReapInterval, s.leaderOnly(s.reapLeases))
	s.runEvery(ctx, s.conf.RetryInterval, s.leaderOnly(s.promoteRetries))
	s.runEvery(ctx, s.conf.DelayedInterval, s.leaderOnly(s.promoteDelayed))
	s.runEvery(ctx, s.conf.DeadLetterInterval, s.leaderOnly(s.moveDeadLetters))
	s.runEvery(ctx, s.conf.ReapInterval, s.leaderOnly(s.reapWorkers))

	if err := s.cron.AddFunc(s.conf.RetentionCron, "retention-sweep", func() {
		if s.leader.Load() {
			s.retentionSweep(context.Background(), time.Now())
		}
	}); err != nil {
		cancel()
		return errors.Wrap(err, "register retention sweep")
	}
	s.cron.Start()
	return nil
}

// Stop halts every sweep and releases leadership.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.cron.Stop()
	s.wg.Wait()
	if s.leader.Swap(false) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.repos.Leader.Release(ctx); err != nil {
			log.Warnw("release scheduler lock failed", "error", err)
		}
		if s.metrics != nil {
			s.metrics.LeaderGauge.Set(0)
		}
	}
}

func (s *Scheduler) runEvery(ctx context.Context, interval time.Duration, fn func(ctx context.Context, now time.Time)) {
	s.wg.Add(1)
	safe.Go(func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				// Slow iterations are abandoned at the next tick's
				// deadline rather than piling up.
				tickCtx, cancel := context.WithTimeout(ctx, interval)
				fn(tickCtx, now)
				cancel()
			}
		}
	})
}

func (s *Scheduler) leaderOnly(fn func(ctx context.Context, now time.Time)) func(ctx context.Context, now time.Time) {
	return func(ctx context.Context, now time.Time) {
		if s.leader.Load() {
			fn(ctx, now)
		}
	}
}

// leaderTick acquires the store lock when unheld and verifies the
// pinned connection while held.
func (s *Scheduler) leaderTick(ctx context.Context, _ time.Time) {
	if s.leader.Load() {
		if err := s.repos.Leader.Ping(ctx); err != nil {
			log.Warnw("scheduler leadership lost", "nodeId", s.nodeId, "error", err)
			s.leader.Store(false)
			if s.metrics != nil {
				s.metrics.LeaderGauge.Set(0)
			}
		}
		return
	}
	acquired, err := s.repos.Leader.TryAcquire(ctx)
	if err != nil {
		log.Warnw("scheduler lock acquire failed", "error", err)
		return
	}
	if acquired {
		log.Infow("scheduler leadership acquired", "nodeId", s.nodeId)
		s.leader.Store(true)
		if s.metrics != nil {
			s.metrics.LeaderGauge.Set(1)
		}
	}
}

// reapLeases expires overdue runs and routes their tasks through the
// retry rules, then requeues DISPATCHING rows orphaned by a dead node.
func (s *Scheduler) reapLeases(_ context.Context, now time.Time) {
	runs, err := s.repos.Run.ExpiredRuns(now, s.conf.BatchSize)
	if err != nil {
		log.Errorw("expired run scan failed", "error", err)
		return
	}
	for i := range runs {
		run := &runs[i]
		err := s.repos.Run.FinishRun(run.RunId, statemachine.RunStatusLeaseExpired, map[string]any{
			"error_message": "lease expired",
			"finished_at":   now,
			"duration_ms":   now.Sub(run.StartedAt).Milliseconds(),
		})
		if err != nil {
			// A result beat the reaper to the row.
			if !errors.Is(err, repo.ErrInvalidState) {
				log.Errorw("expire run failed", "runId", run.RunId, "error", err)
			}
			continue
		}
		s.publish(event.KindRunLeaseExpired, event.StateChange{
			TaskId:        run.TaskId,
			WorkerId:      run.WorkerId,
			AttemptNumber: run.AttemptNumber,
		})

		task, err := s.repos.Task.GetTaskByTaskId(run.TaskId)
		if err != nil {
			log.Errorw("load task for expired run failed", "taskId", run.TaskId, "error", err)
			continue
		}
		outcome, err := dispatcher.ApplyFailure(s.repos.Task, s.repos.DeadLetter, s.backoff,
			task,
			[]statemachine.TaskStatus{statemachine.TaskStatusDispatching, statemachine.TaskStatusRunning},
			run.AttemptNumber, "lease expired", true, now)
		if err != nil {
			if !errors.Is(err, repo.ErrInvalidState) {
				log.Errorw("route expired task failed", "taskId", run.TaskId, "error", err)
			}
			continue
		}
		log.Infow("lease reaped", "taskId", run.TaskId, "runId", run.RunId,
			"workerId", run.WorkerId, "outcome", outcome)
		if s.metrics != nil && outcome.IsTerminal() {
			s.metrics.TasksFinished.WithLabelValues(string(outcome)).Inc()
		}
		ev := event.KindTaskStatusChanged
		if outcome == statemachine.TaskStatusDeadLetter {
			ev = event.KindTaskDeadLettered
		}
		s.publish(ev, event.StateChange{
			TaskId:        task.TaskId,
			Queue:         task.Queue,
			NewStatus:     string(outcome),
			AttemptNumber: run.AttemptNumber,
			ErrorMessage:  "lease expired",
		})
	}

	orphans, err := s.repos.Task.OrphanedDispatching(now.Add(-s.conf.OrphanGrace), s.conf.BatchSize)
	if err != nil {
		log.Errorw("orphaned dispatching scan failed", "error", err)
		return
	}
	if len(orphans) == 0 {
		return
	}
	taskIds := make([]string, 0, len(orphans))
	for i := range orphans {
		taskIds = append(taskIds, orphans[i].TaskId)
	}
	n, err := s.repos.Task.RequeueDispatching(taskIds)
	if err != nil {
		log.Errorw("requeue orphaned tasks failed", "error", err)
		return
	}
	if n > 0 {
		log.Infow("requeued orphaned dispatching tasks", "count", n)
	}
}

// promoteRetries moves due RETRY rows back to PENDING.
func (s *Scheduler) promoteRetries(_ context.Context, now time.Time) {
	tasks, err := s.repos.Task.DueForRetry(now, s.conf.BatchSize)
	if err != nil {
		log.Errorw("due retry scan failed", "error", err)
		return
	}
	for i := range tasks {
		task := &tasks[i]
		err := s.repos.Task.UpdateStatus(task.TaskId,
			[]statemachine.TaskStatus{statemachine.TaskStatusRetry},
			statemachine.TaskStatusPending,
			map[string]any{"scheduled_at": nil})
		if err != nil {
			if !errors.Is(err, repo.ErrInvalidState) {
				log.Errorw("promote retry failed", "taskId", task.TaskId, "error", err)
			}
			continue
		}
		s.publish(event.KindTaskStatusChanged, event.StateChange{
			TaskId:         task.TaskId,
			Queue:          task.Queue,
			PreviousStatus: string(statemachine.TaskStatusRetry),
			NewStatus:      string(statemachine.TaskStatusPending),
			AttemptNumber:  task.AttemptCount,
		})
	}
}

// promoteDelayed offers newly due PENDING rows straight to the local
// engine. The dispatch CAS keeps a racing reader claim harmless.
func (s *Scheduler) promoteDelayed(_ context.Context, now time.Time) {
	if s.engine == nil {
		return
	}
	tasks, err := s.repos.Task.DueDelayed(now, s.conf.BatchSize)
	if err != nil {
		log.Errorw("due delayed scan failed", "error", err)
		return
	}
	for i := range tasks {
		s.engine.OfferTask(&tasks[i])
	}
}

// moveDeadLetters finishes the FAILED to DEAD_LETTER hand-off for rows
// interrupted at either half: the dead-letter write or the status
// flip. The copy write is duplicate-tolerant, so replaying both is
// safe.
func (s *Scheduler) moveDeadLetters(_ context.Context, now time.Time) {
	tasks, err := s.repos.Task.FailedAwaitingDeadLetter(s.conf.BatchSize)
	if err != nil {
		log.Errorw("dead letter scan failed", "error", err)
		return
	}
	for i := range tasks {
		task := &tasks[i]
		entry := taskDeadLetter(task, now)
		if err := s.repos.DeadLetter.Create(entry); err != nil {
			log.Errorw("write dead letter failed", "taskId", task.TaskId, "error", err)
			continue
		}
		err := s.repos.Task.UpdateStatus(task.TaskId,
			[]statemachine.TaskStatus{statemachine.TaskStatusFailed},
			statemachine.TaskStatusDeadLetter, nil)
		if err != nil && !errors.Is(err, repo.ErrInvalidState) {
			log.Errorw("mark dead letter failed", "taskId", task.TaskId, "error", err)
			continue
		}
		s.publish(event.KindTaskDeadLettered, event.StateChange{
			TaskId:        task.TaskId,
			Queue:         task.Queue,
			NewStatus:     string(statemachine.TaskStatusDeadLetter),
			AttemptNumber: task.AttemptCount,
			ErrorMessage:  task.ErrorMessage,
		})
	}
}

// reapWorkers flips silent ACTIVE or DRAINING workers DISCONNECTED and
// frees their undelivered signals. Covers nodes that died without
// closing their sessions.
func (s *Scheduler) reapWorkers(_ context.Context, now time.Time) {
	workers, err := s.repos.Worker.StaleActiveWorkers(now.Add(-s.conf.WorkerStaleAfter))
	if err != nil {
		log.Errorw("stale worker scan failed", "error", err)
		return
	}
	for i := range workers {
		w := &workers[i]
		if err := s.repos.Worker.SetStatus(w.WorkerId, model.WorkerStatusDisconnected, now); err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				log.Errorw("disconnect stale worker failed", "workerId", w.WorkerId, "error", err)
			}
			continue
		}
		log.Warnw("stale worker disconnected", "workerId", w.WorkerId, "nodeId", w.NodeId)
		s.publish(event.KindWorkerDisconnect, event.WorkerChange{
			WorkerId: w.WorkerId,
			Name:     w.Name,
			Reason:   "heartbeat stale",
		})
	}
}

// retentionSweep purges terminal rows older than the retention window.
func (s *Scheduler) retentionSweep(_ context.Context, now time.Time) {
	before := now.AddDate(0, 0, -s.conf.RetentionDays)
	batch := s.conf.RetentionBatch

	sweeps := []struct {
		name string
		fn   func() (int64, error)
	}{
		{"tasks", func() (int64, error) { return s.repos.Task.DeleteFinishedBefore(before, batch) }},
		{"runs", func() (int64, error) { return s.repos.Run.DeleteFinishedBefore(before, batch) }},
		{"logs", func() (int64, error) { return s.repos.TaskLog.DeleteBefore(before, batch) }},
		{"dead_letters", func() (int64, error) { return s.repos.DeadLetter.DeleteBefore(before, batch) }},
		{"signals", func() (int64, error) { return s.repos.Signal.DeleteAckedBefore(before, batch) }},
	}
	// Each target purges its own table, so the sweeps run concurrently.
	var g errgroup.Group
	for _, sweep := range sweeps {
		g.Go(func() error {
			var total int64
			for {
				n, err := sweep.fn()
				if err != nil {
					return errors.Wrap(err, sweep.name)
				}
				total += n
				if n < int64(batch) {
					break
				}
			}
			if total > 0 {
				log.Infow("retention sweep", "target", sweep.name, "deleted", total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorw("retention sweep failed", "error", err)
	}
}

func taskDeadLetter(task *model.Task, now time.Time) *model.DeadLetter {
	return &model.DeadLetter{
		TaskId:       task.TaskId,
		Queue:        task.Queue,
		Name:         task.Name,
		Input:        task.Input,
		Metadata:     task.Metadata,
		AttemptCount: task.AttemptCount,
		ErrorMessage: task.ErrorMessage,
		DeadAt:       now,
	}
}

func (s *Scheduler) publish(kind event.Kind, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.New(kind, s.nodeId, payload))
}
