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

// Package worker is the embeddable client SDK. A Worker dials the
// server's websocket endpoint, announces its queues and capacity, and
// runs assigned tasks through a user handler until told to stop.
//
//	w, err := worker.New(
//		worker.WithQueues("emails"),
//		worker.WithConcurrency(4),
//		worker.WithHandler(func(ctx *worker.TaskContext) (any, error) {
//			var in EmailJob
//			if err := ctx.Input(&in); err != nil {
//				return nil, worker.FailPermanent(err.Error())
//			}
//			return send(ctx, in)
//		}),
//	)
//
// Run blocks and reconnects with backoff until the context is
// cancelled or Shutdown is called. Tasks started before a disconnect
// keep running; their results queue up and flush on the next session.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/valka-io/valka/internal/pkg/protocol"
	"github.com/valka-io/valka/pkg/id"
	"github.com/valka-io/valka/pkg/log"
	"github.com/valka-io/valka/pkg/safe"
)

// TaskHandler runs one task attempt. The returned value is marshalled
// to JSON and stored as the task output. Return a HandlerError to
// control retry behavior; any other error counts as retryable.
type TaskHandler func(ctx *TaskContext) (any, error)

const (
	sendBuffer    = 256
	logBuffer     = 1024
	signalBuffer  = 16
	readDeadline  = 90 * time.Second
	dialTimeout   = 10 * time.Second
	shutdownGrace = 30 * time.Second
)

type runningTask struct {
	taskRunId string
	cancel    context.CancelFunc
	signalCh  chan *protocol.TaskSignal
}

// Worker is a single websocket client with a bounded pool of handler
// goroutines. All methods are safe for concurrent use.
type Worker struct {
	cfg      *config
	workerId string

	sendCh chan []byte
	logCh  chan protocol.LogEntry
	sem    *semaphore.Weighted
	active sync.Map

	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	stopOnce     sync.Once
	stopCh       chan struct{}
}

func New(opts ...Option) (*Worker, error) {
	cfg := defaults()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	workerId := id.UUID()
	if cfg.name == "" {
		cfg.name = "go-worker-" + workerId[:8]
	}
	return &Worker{
		cfg:      cfg,
		workerId: workerId,
		sendCh:   make(chan []byte, sendBuffer),
		logCh:    make(chan protocol.LogEntry, logBuffer),
		sem:      semaphore.NewWeighted(int64(cfg.concurrency)),
		stopCh:   make(chan struct{}),
	}, nil
}

// WorkerId returns the generated identity this worker registers under.
func (w *Worker) WorkerId() string {
	return w.workerId
}

// Run connects and serves until ctx is cancelled or Shutdown is
// called. Connection failures back off and retry; the backoff resets
// after each session that completes a handshake.
func (w *Worker) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := w.runnable(ctx); err != nil {
			return err
		}

		conn, err := w.dial(ctx)
		if err != nil {
			delay := w.cfg.jitter(w.cfg.backoff.Next(attempt))
			attempt++
			log.Warnw("connect failed, retrying",
				"workerId", w.workerId, "delay", delay.String(), "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-w.stopCh:
				return nil
			}
		}

		attempt = 0
		err = w.session(ctx, conn)
		_ = conn.Close()
		if err != nil {
			log.Warnw("session ended", "workerId", w.workerId, "error", err)
		}
	}
}

func (w *Worker) runnable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-w.stopCh:
		return errors.New("worker is shut down")
	default:
	}
	if w.shuttingDown.Load() {
		return errors.New("worker is shutting down")
	}
	return nil
}

func (w *Worker) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, w.cfg.serverURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", w.cfg.serverURL)
	}
	return conn, nil
}

// session drives one connection: hello, then a writer, a heartbeat
// and a log flusher around the read loop. Returning ends the session
// and the caller reconnects.
func (w *Worker) session(ctx context.Context, conn *websocket.Conn) error {
	metadata := ""
	if len(w.cfg.metadata) > 0 {
		raw, err := sonic.MarshalString(w.cfg.metadata)
		if err != nil {
			return errors.Wrap(err, "marshal worker metadata")
		}
		metadata = raw
	}
	hello, err := protocol.Encode(protocol.KindHello, &protocol.Hello{
		WorkerId:    w.workerId,
		WorkerName:  w.cfg.name,
		Queues:      w.cfg.queues,
		Concurrency: w.cfg.concurrency,
		Metadata:    metadata,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return errors.Wrap(err, "send hello")
	}
	log.Infow("worker connected",
		"workerId", w.workerId, "name", w.cfg.name, "queues", w.cfg.queues)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writers sync.WaitGroup
	writers.Add(3)
	writeErr := make(chan error, 1)
	safe.Go(func() {
		defer writers.Done()
		if err := w.writeLoop(sessionCtx, conn); err != nil {
			select {
			case writeErr <- err:
			default:
			}
			cancel()
		}
	})
	safe.Go(func() {
		defer writers.Done()
		w.heartbeatLoop(sessionCtx)
	})
	safe.Go(func() {
		defer writers.Done()
		w.logFlushLoop(sessionCtx)
	})
	defer writers.Wait()

	readErr := w.readLoop(sessionCtx, conn)
	cancel()
	select {
	case err := <-writeErr:
		return err
	default:
	}
	return readErr
}

func (w *Worker) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case frame := <-w.sendCh:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				// Requeue so the frame survives the reconnect.
				select {
				case w.sendCh <- frame:
				default:
				}
				return errors.Wrap(err, "write frame")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.send(protocol.KindHeartbeat, &protocol.Heartbeat{
				ActiveTaskIds: w.activeTaskIds(),
				TimestampMs:   time.Now().UnixMilli(),
			})
		case <-ctx.Done():
			return
		}
	}
}

// logFlushLoop batches handler log lines into log_batch frames, by
// size or by timer.
func (w *Worker) logFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.logFlushEvery)
	defer ticker.Stop()
	batch := make([]protocol.LogEntry, 0, w.cfg.logFlushMaxBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.send(protocol.KindLogBatch, &protocol.LogBatch{Entries: batch})
		batch = make([]protocol.LogEntry, 0, w.cfg.logFlushMaxBatch)
	}
	for {
		select {
		case entry := <-w.logCh:
			batch = append(batch, entry)
			if len(batch) >= w.cfg.logFlushMaxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

func (w *Worker) readLoop(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "read frame")
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			log.Warnw("bad frame from server", "workerId", w.workerId, "error", err)
			continue
		}
		switch frame.Kind {
		case protocol.KindTaskAssignment:
			assignment, err := protocol.DecodePayload[protocol.TaskAssignment](frame)
			if err != nil {
				log.Warnw("bad assignment", "error", err)
				continue
			}
			w.handleAssignment(ctx, assignment)
		case protocol.KindTaskCancellation:
			cancellation, err := protocol.DecodePayload[protocol.TaskCancellation](frame)
			if err != nil {
				log.Warnw("bad cancellation", "error", err)
				continue
			}
			w.handleCancellation(cancellation)
		case protocol.KindTaskSignal:
			sig, err := protocol.DecodePayload[protocol.TaskSignal](frame)
			if err != nil {
				log.Warnw("bad signal", "error", err)
				continue
			}
			w.handleSignal(sig)
		case protocol.KindHeartbeatAck:
			// Liveness only.
		case protocol.KindServerShutdown:
			shutdown, _ := protocol.DecodePayload[protocol.ServerShutdown](frame)
			log.Infow("server is shutting down",
				"workerId", w.workerId, "reason", shutdown.Reason, "drainSeconds", shutdown.DrainSeconds)
			safe.Go(func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				_ = w.Shutdown(shutdownCtx)
			})
			return nil
		default:
			// Unknown kinds are skipped so newer servers keep working.
			log.Debugw("unknown frame kind", "kind", frame.Kind)
		}
	}
}

func (w *Worker) handleAssignment(ctx context.Context, assignment *protocol.TaskAssignment) {
	if w.shuttingDown.Load() {
		w.send(protocol.KindTaskResult, &protocol.TaskResult{
			TaskId:       assignment.TaskId,
			TaskRunId:    assignment.TaskRunId,
			Success:      false,
			Retryable:    true,
			ErrorMessage: "worker is shutting down",
		})
		return
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if assignment.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(assignment.TimeoutSeconds)*time.Second)
	}
	rt := &runningTask{
		taskRunId: assignment.TaskRunId,
		cancel:    cancel,
		signalCh:  make(chan *protocol.TaskSignal, signalBuffer),
	}
	w.active.Store(assignment.TaskId, rt)

	w.wg.Add(1)
	safe.Go(func() {
		defer w.wg.Done()
		defer cancel()
		defer w.active.Delete(assignment.TaskId)

		if err := w.sem.Acquire(runCtx, 1); err != nil {
			w.send(protocol.KindTaskResult, &protocol.TaskResult{
				TaskId:       assignment.TaskId,
				TaskRunId:    assignment.TaskRunId,
				Success:      false,
				Retryable:    true,
				ErrorMessage: "cancelled before start",
			})
			return
		}
		defer w.sem.Release(1)
		w.execute(runCtx, assignment, rt)
	})
}

func (w *Worker) execute(ctx context.Context, assignment *protocol.TaskAssignment, rt *runningTask) {
	taskCtx := &TaskContext{
		Context:       ctx,
		TaskId:        assignment.TaskId,
		TaskRunId:     assignment.TaskRunId,
		QueueName:     assignment.QueueName,
		TaskName:      assignment.TaskName,
		AttemptNumber: assignment.AttemptNumber,
		RawInput:      assignment.Input,
		RawMetadata:   assignment.Metadata,
		w:             w,
		signalCh:      rt.signalCh,
	}

	output, err := w.invoke(taskCtx)
	result := &protocol.TaskResult{
		TaskId:    assignment.TaskId,
		TaskRunId: assignment.TaskRunId,
	}
	switch {
	case err != nil:
		result.Retryable = retryable(err)
		result.ErrorMessage = err.Error()
	case ctx.Err() != nil:
		result.Retryable = true
		result.ErrorMessage = ctx.Err().Error()
	default:
		result.Success = true
		if output != nil {
			raw, merr := sonic.MarshalString(output)
			if merr != nil {
				result.Success = false
				result.Retryable = false
				result.ErrorMessage = fmt.Sprintf("marshal output: %v", merr)
			} else {
				result.Output = raw
			}
		}
	}
	w.send(protocol.KindTaskResult, result)
}

// invoke runs the handler with panic containment. A panicking handler
// fails its attempt as retryable instead of taking the worker down.
func (w *Worker) invoke(taskCtx *TaskContext) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("task handler panicked",
				"taskId", taskCtx.TaskId, "taskRunId", taskCtx.TaskRunId, "panic", r)
			output = nil
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return w.cfg.handler(taskCtx)
}

func (w *Worker) handleCancellation(cancellation *protocol.TaskCancellation) {
	value, ok := w.active.Load(cancellation.TaskId)
	if !ok {
		return
	}
	log.Infow("task cancelled by server",
		"taskId", cancellation.TaskId, "reason", cancellation.Reason)
	value.(*runningTask).cancel()
}

func (w *Worker) handleSignal(sig *protocol.TaskSignal) {
	value, ok := w.active.Load(sig.TaskId)
	if !ok {
		log.Warnw("signal for unknown task", "taskId", sig.TaskId, "signalId", sig.SignalId)
		return
	}
	rt := value.(*runningTask)
	select {
	case rt.signalCh <- sig:
	default:
		// The server redelivers unacknowledged signals, so dropping
		// here only delays the signal.
		log.Warnw("signal buffer full, dropping",
			"taskId", sig.TaskId, "signalId", sig.SignalId)
	}
}

// Shutdown drains the worker: no new assignments are accepted, the
// server is told to stop offering, and running handlers get until ctx
// expires to finish.
func (w *Worker) Shutdown(ctx context.Context) error {
	if !w.shuttingDown.CompareAndSwap(false, true) {
		<-w.stopCh
		return nil
	}
	w.send(protocol.KindGracefulShutdown, &protocol.GracefulShutdown{Reason: "worker shutdown"})

	done := make(chan struct{})
	safe.Go(func() {
		w.wg.Wait()
		close(done)
	})
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "shutdown drain")
	}
	w.stopOnce.Do(func() { close(w.stopCh) })
	return err
}

func (w *Worker) activeTaskIds() []string {
	ids := make([]string, 0, w.cfg.concurrency)
	w.active.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}

// send encodes and queues one frame. The queue is bounded; when it is
// full the frame is dropped and the server reconciles from heartbeats
// and lease expiry.
func (w *Worker) send(kind string, payload any) {
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		log.Errorw("encode frame", "kind", kind, "error", err)
		return
	}
	select {
	case w.sendCh <- frame:
	default:
		log.Warnw("send queue full, dropping frame", "kind", kind)
	}
}

func (w *Worker) enqueueLog(entry protocol.LogEntry) {
	select {
	case w.logCh <- entry:
	default:
		// Logs are best effort.
	}
}
