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
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"gorm.io/datatypes"

	"github.com/valka-io/valka/internal/core/matching"
	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/internal/core/repo"
	"github.com/valka-io/valka/internal/pkg/protocol"
	"github.com/valka-io/valka/pkg/event"
	"github.com/valka-io/valka/pkg/id"
	"github.com/valka-io/valka/pkg/log"
	"github.com/valka-io/valka/pkg/safe"
	"github.com/valka-io/valka/pkg/statemachine"
	"github.com/valka-io/valka/pkg/ws"
)

type sessionState int32

const (
	stateAwaitingHello sessionState = iota
	stateRegistering
	stateActive
	stateDraining
	stateTerminated
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingHello:
		return "AwaitingHello"
	case stateRegistering:
		return "Registering"
	case stateActive:
		return "Active"
	case stateDraining:
		return "Draining"
	case stateTerminated:
		return "Terminated"
	}
	return "Unknown"
}

// activeRun is one assignment the session currently owns.
type activeRun struct {
	task       *model.Task
	runId      string
	attempt    int
	assignedAt time.Time
	promoted   bool
	cancelled  bool
}

// Session is one connected worker. All store writes for the worker's
// tasks flow through it while the stream is up.
type Session struct {
	d    *Dispatcher
	conn ws.Conn

	workerId    string
	workerName  string
	queues      []string
	concurrency int

	state atomic.Int32

	mu     sync.Mutex
	active map[string]*activeRun
	parked map[*matching.WaitHandle]struct{}

	sendCh      chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	lastInbound atomic.Int64

	helloTimer *time.Timer
	drainTimer *time.Timer
}

func newSession(d *Dispatcher, conn ws.Conn) *Session {
	s := &Session{
		d:      d,
		conn:   conn,
		active: make(map[string]*activeRun),
		parked: make(map[*matching.WaitHandle]struct{}),
		sendCh: make(chan []byte, d.conf.SendBuffer),
		done:   make(chan struct{}),
	}
	s.touch()
	s.helloTimer = time.AfterFunc(d.conf.HelloTimeout, func() {
		if s.is(stateAwaitingHello) {
			s.terminate("hello timeout")
		}
	})
	safe.Go(s.senderLoop)
	safe.Go(s.watchdogLoop)
	return s
}

func (s *Session) is(st sessionState) bool {
	return sessionState(s.state.Load()) == st
}

func (s *Session) transition(from, to sessionState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) touch() {
	s.lastInbound.Store(time.Now().UnixNano())
}

// senderLoop owns the outbound half of the stream so frames are never
// interleaved.
func (s *Session) senderLoop() {
	for {
		select {
		case data := <-s.sendCh:
			if err := s.conn.WriteMessage(ws.TextMessage, data); err != nil {
				log.Warnw("session write failed", "workerId", s.workerId, "error", err)
				s.terminate("write failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) watchdogLoop() {
	ticker := time.NewTicker(s.d.conf.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			silence := time.Since(time.Unix(0, s.lastInbound.Load()))
			if silence > s.d.conf.WatchdogTimeout() {
				log.Warnw("session watchdog fired",
					"workerId", s.workerId, "silence", silence)
				s.terminate("watchdog timeout")
				return
			}
		case <-s.done:
			return
		}
	}
}

// send enqueues a frame for the sender. Returns false when the buffer
// is full or the session is gone.
func (s *Session) send(kind string, payload any) bool {
	data, err := protocol.Encode(kind, payload)
	if err != nil {
		log.Errorw("encode frame failed", "kind", kind, "error", err)
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.sendCh <- data:
		return true
	default:
		return false
	}
}

func (s *Session) handleFrame(frame *protocol.Frame) error {
	if s.is(stateTerminated) {
		return nil
	}
	if s.is(stateAwaitingHello) && frame.Kind != protocol.KindHello {
		s.terminate("protocol violation")
		return errors.Errorf("expected hello, got %s", frame.Kind)
	}

	switch frame.Kind {
	case protocol.KindHello:
		hello, err := protocol.DecodePayload[protocol.Hello](frame)
		if err != nil {
			return err
		}
		return s.handleHello(hello)
	case protocol.KindHeartbeat:
		hb, err := protocol.DecodePayload[protocol.Heartbeat](frame)
		if err != nil {
			return err
		}
		s.handleHeartbeat(hb)
	case protocol.KindTaskResult:
		res, err := protocol.DecodePayload[protocol.TaskResult](frame)
		if err != nil {
			return err
		}
		s.handleTaskResult(res)
	case protocol.KindLogBatch:
		batch, err := protocol.DecodePayload[protocol.LogBatch](frame)
		if err != nil {
			return err
		}
		s.handleLogBatch(batch)
	case protocol.KindSignalAck:
		ack, err := protocol.DecodePayload[protocol.SignalAck](frame)
		if err != nil {
			return err
		}
		s.handleSignalAck(ack)
	case protocol.KindGracefulShutdown:
		gs, err := protocol.DecodePayload[protocol.GracefulShutdown](frame)
		if err != nil {
			return err
		}
		s.beginDrain("worker requested: " + gs.Reason)
	default:
		log.Warnw("unknown frame kind", "kind", frame.Kind, "workerId", s.workerId)
	}
	return nil
}

func (s *Session) handleHello(hello *protocol.Hello) error {
	if hello.WorkerId == "" || hello.Concurrency <= 0 || len(hello.Queues) == 0 {
		s.terminate("invalid hello")
		return errors.New("invalid hello")
	}
	if !s.transition(stateAwaitingHello, stateRegistering) {
		return errors.New("duplicate hello")
	}
	s.helloTimer.Stop()

	s.workerId = hello.WorkerId
	s.workerName = hello.WorkerName
	s.queues = hello.Queues
	s.concurrency = hello.Concurrency

	now := time.Now()
	worker := &model.Worker{
		WorkerId:      hello.WorkerId,
		Name:          hello.WorkerName,
		NodeId:        s.d.nodeId,
		Status:        model.WorkerStatusActive,
		Queues:        mustJSON(hello.Queues),
		Concurrency:   hello.Concurrency,
		LastHeartbeat: &now,
		ConnectedAt:   &now,
	}
	if hello.Metadata != "" {
		worker.Metadata = datatypes.JSON(hello.Metadata)
	}
	if err := s.d.repos.Worker.UpsertWorker(worker); err != nil {
		s.terminate("registration failed")
		return errors.Wrap(err, "upsert worker")
	}

	s.d.adoptSession(s)
	if !s.transition(stateRegistering, stateActive) {
		return nil
	}
	if m := s.d.metrics; m != nil {
		m.ActiveSessions.Inc()
	}
	s.d.publish(event.KindWorkerConnected, event.WorkerChange{
		WorkerId:    hello.WorkerId,
		Name:        hello.WorkerName,
		Queues:      hello.Queues,
		Concurrency: hello.Concurrency,
	})
	log.Infow("worker session registered",
		"workerId", hello.WorkerId, "queues", hello.Queues,
		"concurrency", hello.Concurrency)

	s.refillWaiters()
	return nil
}

// refillWaiters parks one waiter per free concurrency slot.
func (s *Session) refillWaiters() {
	if !s.is(stateActive) {
		return
	}
	s.mu.Lock()
	missing := s.concurrency - len(s.active) - len(s.parked)
	handles := make([]*matching.WaitHandle, 0, missing)
	for i := 0; i < missing; i++ {
		h := s.d.engine.ParkWorker(s.workerId, s.queues, -1)
		s.parked[h] = struct{}{}
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h := h
		safe.Go(func() { s.awaitMatch(h) })
	}
}

// awaitMatch blocks on one parked waiter. A task fulfilled after the
// session closed stays PENDING in the store and is re-read later.
func (s *Session) awaitMatch(h *matching.WaitHandle) {
	select {
	case task := <-h.Task():
		s.mu.Lock()
		delete(s.parked, h)
		s.mu.Unlock()
		if task != nil {
			s.assign(task)
		}
	case <-s.done:
		h.Cancel()
	}
}

// assign opens a run and ships the assignment. The status CAS is the
// arbiter when the same row was offered twice.
func (s *Session) assign(task *model.Task) {
	if !s.is(stateActive) {
		return
	}
	now := time.Now()
	attempt := task.AttemptCount + 1
	runId := id.ULID()

	err := s.d.repos.Task.UpdateStatus(task.TaskId,
		[]statemachine.TaskStatus{statemachine.TaskStatusPending},
		statemachine.TaskStatusDispatching,
		map[string]any{"dispatched_at": now})
	if err != nil {
		if !errors.Is(err, repo.ErrInvalidState) {
			log.Errorw("dispatch status update failed",
				"taskId", task.TaskId, "error", err)
		}
		s.refillWaiters()
		return
	}

	run := &model.TaskRun{
		RunId:          runId,
		TaskId:         task.TaskId,
		AttemptNumber:  attempt,
		WorkerId:       s.workerId,
		AssignedNodeId: s.d.nodeId,
		Status:         statemachine.RunStatusRunning,
		LeaseExpiresAt: now.Add(s.d.conf.LeaseDuration),
		LastHeartbeat:  nil,
		StartedAt:      now,
	}
	if err := s.d.repos.Run.CreateRun(run); err != nil {
		log.Errorw("create run failed", "taskId", task.TaskId, "error", err)
		s.revertAssignment(task.TaskId, runId, now, false)
		s.refillWaiters()
		return
	}

	ok := s.send(protocol.KindTaskAssignment, &protocol.TaskAssignment{
		TaskId:         task.TaskId,
		TaskRunId:      runId,
		QueueName:      task.Queue,
		TaskName:       task.Name,
		Input:          string(task.Input),
		Metadata:       string(task.Metadata),
		AttemptNumber:  attempt,
		TimeoutSeconds: task.TimeoutSeconds,
	})
	if !ok {
		// Full outbound buffer on an assignment means the worker is
		// not keeping up. Revert and end the session.
		log.Warnw("outbound buffer full on assignment",
			"workerId", s.workerId, "taskId", task.TaskId)
		s.revertAssignment(task.TaskId, runId, now, true)
		s.terminate("outbound buffer full")
		return
	}

	s.mu.Lock()
	s.active[task.TaskId] = &activeRun{
		task:       task,
		runId:      runId,
		attempt:    attempt,
		assignedAt: now,
	}
	s.mu.Unlock()
	s.d.trackTask(task.TaskId, s)

	if m := s.d.metrics; m != nil {
		m.TasksDispatched.Inc()
		m.DispatchLatency.Observe(now.Sub(task.CreatedAt).Seconds())
	}
	s.d.publish(event.KindTaskAssigned, event.StateChange{
		TaskId:         task.TaskId,
		Queue:          task.Queue,
		PreviousStatus: string(statemachine.TaskStatusPending),
		NewStatus:      string(statemachine.TaskStatusDispatching),
		WorkerId:       s.workerId,
		AttemptNumber:  attempt,
	})

	s.drainSignals(task.TaskId)
}

// revertAssignment undoes a half-open assignment.
func (s *Session) revertAssignment(taskId, runId string, startedAt time.Time, runCreated bool) {
	now := time.Now()
	if runCreated {
		if err := s.d.repos.Run.FinishRun(runId, statemachine.RunStatusFailed, map[string]any{
			"error_message": "assignment aborted",
			"finished_at":   now,
			"duration_ms":   now.Sub(startedAt).Milliseconds(),
		}); err != nil && !errors.Is(err, repo.ErrInvalidState) {
			log.Errorw("revert run failed", "runId", runId, "error", err)
		}
	}
	if err := s.d.repos.Task.UpdateStatus(taskId,
		[]statemachine.TaskStatus{statemachine.TaskStatusDispatching},
		statemachine.TaskStatusPending,
		map[string]any{"dispatched_at": nil}); err != nil && !errors.Is(err, repo.ErrInvalidState) {
		log.Errorw("revert task failed", "taskId", taskId, "error", err)
	}
}

// drainSignals sends every PENDING signal for a freshly assigned task
// in creation order.
func (s *Session) drainSignals(taskId string) {
	signals, err := s.d.repos.Signal.PendingByTaskId(taskId)
	if err != nil {
		log.Warnw("list pending signals failed", "taskId", taskId, "error", err)
		return
	}
	now := time.Now()
	for i := range signals {
		sig := &signals[i]
		ok := s.send(protocol.KindTaskSignal, &protocol.TaskSignal{
			SignalId:    sig.SignalId,
			TaskId:      sig.TaskId,
			SignalName:  sig.Name,
			Payload:     string(sig.Payload),
			TimestampMs: now.UnixMilli(),
		})
		if !ok {
			return
		}
		if err := s.d.repos.Signal.MarkDelivered(sig.SignalId, now); err != nil &&
			!errors.Is(err, repo.ErrInvalidState) {
			log.Warnw("mark signal delivered failed",
				"signalId", sig.SignalId, "error", err)
		}
		s.d.publish(event.KindSignalDelivered, event.SignalChange{
			SignalId: sig.SignalId,
			TaskId:   sig.TaskId,
			Name:     sig.Name,
		})
	}
}

func (s *Session) handleHeartbeat(hb *protocol.Heartbeat) {
	now := time.Now()
	if err := s.d.repos.Worker.TouchHeartbeat(s.workerId, now); err != nil {
		log.Warnw("touch heartbeat failed", "workerId", s.workerId, "error", err)
	}

	lease := now.Add(s.d.conf.LeaseDuration)
	var stale []string
	for _, taskId := range hb.ActiveTaskIds {
		s.mu.Lock()
		entry := s.active[taskId]
		s.mu.Unlock()
		if entry == nil {
			stale = append(stale, taskId)
			continue
		}
		if err := s.d.repos.Run.ExtendLease(entry.runId, lease, now); err != nil {
			if errors.Is(err, repo.ErrInvalidState) {
				// Run was reaped out from under the worker.
				stale = append(stale, taskId)
				s.dropActive(taskId)
				continue
			}
			log.Warnw("extend lease failed", "runId", entry.runId, "error", err)
			continue
		}
		if !entry.promoted {
			s.promote(entry, now)
		}
	}

	for _, taskId := range stale {
		s.send(protocol.KindTaskCancellation, &protocol.TaskCancellation{
			TaskId: taskId,
			Reason: "not tracked",
		})
	}

	s.send(protocol.KindHeartbeatAck, &protocol.HeartbeatAck{
		ServerTimestampMs: now.UnixMilli(),
	})
}

// promote moves a task DISPATCHING to RUNNING on the first heartbeat
// that lists it.
func (s *Session) promote(entry *activeRun, now time.Time) {
	err := s.d.repos.Task.UpdateStatus(entry.task.TaskId,
		[]statemachine.TaskStatus{statemachine.TaskStatusDispatching},
		statemachine.TaskStatusRunning,
		map[string]any{"started_at": now})
	if err != nil && !errors.Is(err, repo.ErrInvalidState) {
		log.Warnw("promote task failed", "taskId", entry.task.TaskId, "error", err)
		return
	}
	entry.promoted = true
	if err == nil {
		s.d.publish(event.KindTaskStatusChanged, event.StateChange{
			TaskId:         entry.task.TaskId,
			Queue:          entry.task.Queue,
			PreviousStatus: string(statemachine.TaskStatusDispatching),
			NewStatus:      string(statemachine.TaskStatusRunning),
			WorkerId:       s.workerId,
			AttemptNumber:  entry.attempt,
		})
	}
}

func (s *Session) handleTaskResult(res *protocol.TaskResult) {
	now := time.Now()

	s.mu.Lock()
	entry := s.active[res.TaskId]
	if entry == nil || entry.runId != res.TaskRunId {
		s.mu.Unlock()
		log.Warnw("result for unowned run ignored",
			"workerId", s.workerId, "taskId", res.TaskId, "runId", res.TaskRunId)
		return
	}
	delete(s.active, res.TaskId)
	remaining := len(s.active)
	s.mu.Unlock()
	s.d.untrackTask(res.TaskId, s)

	durationMs := now.Sub(entry.assignedAt).Milliseconds()
	if m := s.d.metrics; m != nil {
		m.RunDuration.Observe(now.Sub(entry.assignedAt).Seconds())
	}

	switch {
	case entry.cancelled:
		// The result of a cancelled task is recorded but never wins.
		if err := s.d.repos.Run.FinishRun(entry.runId, statemachine.RunStatusFailed, map[string]any{
			"error_message": "cancelled",
			"finished_at":   now,
			"duration_ms":   durationMs,
		}); err != nil && !errors.Is(err, repo.ErrInvalidState) {
			log.Warnw("finish cancelled run failed", "runId", entry.runId, "error", err)
		}

	case res.Success:
		updates := map[string]any{
			"finished_at": now,
			"duration_ms": durationMs,
		}
		if res.Output != "" {
			updates["output"] = res.Output
		}
		if err := s.d.repos.Run.FinishRun(entry.runId, statemachine.RunStatusSucceeded, updates); err != nil &&
			!errors.Is(err, repo.ErrInvalidState) {
			log.Errorw("finish run failed", "runId", entry.runId, "error", err)
		}
		taskUpdates := map[string]any{"finished_at": now}
		if res.Output != "" {
			taskUpdates["output"] = res.Output
		}
		err := s.d.repos.Task.UpdateStatus(res.TaskId,
			[]statemachine.TaskStatus{statemachine.TaskStatusDispatching, statemachine.TaskStatusRunning},
			statemachine.TaskStatusCompleted, taskUpdates)
		if err != nil {
			if !errors.Is(err, repo.ErrInvalidState) {
				log.Errorw("complete task failed", "taskId", res.TaskId, "error", err)
			}
			break
		}
		if m := s.d.metrics; m != nil {
			m.TasksFinished.WithLabelValues(string(statemachine.TaskStatusCompleted)).Inc()
		}
		s.d.publish(event.KindTaskFinished, event.StateChange{
			TaskId:        res.TaskId,
			Queue:         entry.task.Queue,
			NewStatus:     string(statemachine.TaskStatusCompleted),
			WorkerId:      s.workerId,
			AttemptNumber: entry.attempt,
		})

	default:
		if err := s.d.repos.Run.FinishRun(entry.runId, statemachine.RunStatusFailed, map[string]any{
			"error_message": res.ErrorMessage,
			"finished_at":   now,
			"duration_ms":   durationMs,
		}); err != nil && !errors.Is(err, repo.ErrInvalidState) {
			log.Errorw("finish run failed", "runId", entry.runId, "error", err)
		}
		outcome, err := ApplyFailure(s.d.repos.Task, s.d.repos.DeadLetter, s.d.backoff,
			entry.task,
			[]statemachine.TaskStatus{statemachine.TaskStatusDispatching, statemachine.TaskStatusRunning},
			entry.attempt, res.ErrorMessage, res.Retryable, now)
		if err != nil {
			if !errors.Is(err, repo.ErrInvalidState) {
				log.Errorw("apply failure outcome failed", "taskId", res.TaskId, "error", err)
			}
			break
		}
		if m := s.d.metrics; m != nil && outcome.IsTerminal() {
			m.TasksFinished.WithLabelValues(string(outcome)).Inc()
		}
		ev := event.KindTaskStatusChanged
		if outcome == statemachine.TaskStatusDeadLetter {
			ev = event.KindTaskDeadLettered
		}
		s.d.publish(ev, event.StateChange{
			TaskId:        res.TaskId,
			Queue:         entry.task.Queue,
			NewStatus:     string(outcome),
			WorkerId:      s.workerId,
			AttemptNumber: entry.attempt,
			ErrorMessage:  res.ErrorMessage,
		})
	}

	s.d.publish(event.KindRunRecorded, event.StateChange{
		TaskId:        res.TaskId,
		Queue:         entry.task.Queue,
		WorkerId:      s.workerId,
		AttemptNumber: entry.attempt,
	})

	if s.is(stateDraining) && remaining == 0 {
		s.terminate("drain complete")
		return
	}
	s.refillWaiters()
}

func (s *Session) handleLogBatch(batch *protocol.LogBatch) {
	if s.d.sink == nil || len(batch.Entries) == 0 {
		return
	}
	entries := make([]model.TaskLog, 0, len(batch.Entries))
	for _, e := range batch.Entries {
		severity := e.Severity
		switch severity {
		case model.LogSeverityDebug, model.LogSeverityInfo,
			model.LogSeverityWarn, model.LogSeverityError:
		default:
			severity = model.LogSeverityInfo
		}
		entry := model.TaskLog{
			TaskId:   e.TaskId,
			RunId:    e.TaskRunId,
			Severity: severity,
			Message:  e.Message,
			LoggedAt: time.UnixMilli(e.TimestampMs),
		}
		if e.Metadata != "" {
			entry.Metadata = datatypes.JSON(e.Metadata)
		}
		entries = append(entries, entry)
	}
	s.d.sink.Submit(entries)
}

func (s *Session) handleSignalAck(ack *protocol.SignalAck) {
	now := time.Now()
	if err := s.d.repos.Signal.MarkAcknowledged(ack.SignalId, now); err != nil {
		if !errors.Is(err, repo.ErrInvalidState) && !errors.Is(err, repo.ErrNotFound) {
			log.Warnw("ack signal failed", "signalId", ack.SignalId, "error", err)
		}
		return
	}
	s.d.publish(event.KindSignalAcked, event.SignalChange{SignalId: ack.SignalId})
}

// markCancelled flags an assignment whose task was cancelled
// externally. Returns false when the session no longer owns the task.
func (s *Session) markCancelled(taskId, reason string) bool {
	s.mu.Lock()
	entry := s.active[taskId]
	if entry != nil {
		entry.cancelled = true
	}
	s.mu.Unlock()
	if entry == nil {
		return false
	}
	s.send(protocol.KindTaskCancellation, &protocol.TaskCancellation{
		TaskId: taskId,
		Reason: reason,
	})
	return true
}

func (s *Session) dropActive(taskId string) {
	s.mu.Lock()
	delete(s.active, taskId)
	s.mu.Unlock()
	s.d.untrackTask(taskId, s)
}

// beginDrain stops new assignments. Runs already assigned may finish
// until the drain deadline.
func (s *Session) beginDrain(reason string) {
	if !s.transition(stateActive, stateDraining) {
		return
	}
	log.Infow("worker session draining", "workerId", s.workerId, "reason", reason)

	if err := s.d.repos.Worker.SetStatus(s.workerId, model.WorkerStatusDraining, time.Now()); err != nil {
		log.Warnw("set worker draining failed", "workerId", s.workerId, "error", err)
	}
	s.cancelParked()

	s.mu.Lock()
	remaining := len(s.active)
	s.mu.Unlock()
	if remaining == 0 {
		s.terminate("drain complete")
		return
	}
	s.drainTimer = time.AfterFunc(s.d.conf.DrainTimeout, func() {
		s.terminate("drain deadline")
	})
}

func (s *Session) cancelParked() {
	s.mu.Lock()
	handles := make([]*matching.WaitHandle, 0, len(s.parked))
	for h := range s.parked {
		handles = append(handles, h)
	}
	s.parked = make(map[*matching.WaitHandle]struct{})
	s.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}

// terminate tears the session down exactly once. Active runs are left
// to the lease reaper.
func (s *Session) terminate(reason string) {
	s.closeOnce.Do(func() {
		registered := sessionState(s.state.Swap(int32(stateTerminated))) >= stateActive
		close(s.done)
		if s.helloTimer != nil {
			s.helloTimer.Stop()
		}
		if s.drainTimer != nil {
			s.drainTimer.Stop()
		}
		s.cancelParked()

		s.mu.Lock()
		taskIds := make([]string, 0, len(s.active))
		for taskId := range s.active {
			taskIds = append(taskIds, taskId)
		}
		s.active = make(map[string]*activeRun)
		s.mu.Unlock()

		if registered {
			now := time.Now()
			if err := s.d.repos.Worker.SetStatus(s.workerId, model.WorkerStatusDisconnected, now); err != nil &&
				!errors.Is(err, repo.ErrNotFound) {
				log.Warnw("set worker disconnected failed", "workerId", s.workerId, "error", err)
			}
			if n, err := s.d.repos.Signal.ResetDelivered(taskIds); err != nil {
				log.Warnw("reset delivered signals failed", "workerId", s.workerId, "error", err)
			} else if n > 0 {
				log.Infow("reset undelivered signals", "workerId", s.workerId, "count", n)
			}
			if m := s.d.metrics; m != nil {
				m.ActiveSessions.Dec()
			}
			s.d.publish(event.KindWorkerDisconnect, event.WorkerChange{
				WorkerId: s.workerId,
				Name:     s.workerName,
				Reason:   reason,
			})
		}

		for _, taskId := range taskIds {
			s.d.untrackTask(taskId, s)
		}
		s.d.removeSession(s)
		_ = s.conn.Close()
		log.Infow("worker session terminated",
			"workerId", s.workerId, "connId", s.conn.ID(), "reason", reason)
	})
}

func mustJSON(v any) datatypes.JSON {
	data, err := sonic.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(data)
}
