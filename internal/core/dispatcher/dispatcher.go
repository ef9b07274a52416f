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

// Package dispatcher runs one session per connected worker: the hello
// handshake, assignment delivery, heartbeats, results, signals and
// drains all flow through it.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/valka-io/valka/internal/core/matching"
	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/internal/core/repo"
	"github.com/valka-io/valka/internal/pkg/protocol"
	"github.com/valka-io/valka/pkg/event"
	"github.com/valka-io/valka/pkg/log"
	"github.com/valka-io/valka/pkg/metrics"
	"github.com/valka-io/valka/pkg/ws"
)

// LogSink accepts worker log batches. Submit must not block.
type LogSink interface {
	Submit(entries []model.TaskLog)
}

// Dispatcher implements ws.Handler and owns every worker session on
// this node.
type Dispatcher struct {
	conf    *Conf
	nodeId  string
	repos   *repo.Repositories
	engine  *matching.Engine
	bus     *event.Bus
	sink    LogSink
	metrics *metrics.EngineMetrics
	backoff *Backoff

	mu       sync.RWMutex
	sessions map[string]*Session
	byWorker map[string]*Session
	byTask   map[string]*Session
}

func NewDispatcher(
	conf *Conf,
	nodeId string,
	repos *repo.Repositories,
	engine *matching.Engine,
	bus *event.Bus,
	sink LogSink,
	m *metrics.EngineMetrics,
) *Dispatcher {
	conf.SetDefaults()
	return &Dispatcher{
		conf:     conf,
		nodeId:   nodeId,
		repos:    repos,
		engine:   engine,
		bus:      bus,
		sink:     sink,
		metrics:  m,
		backoff:  NewBackoff(conf.BackoffBase, conf.BackoffMax, conf.BackoffJitterPct),
		sessions: make(map[string]*Session),
		byWorker: make(map[string]*Session),
		byTask:   make(map[string]*Session),
	}
}

// Backoff exposes the retry delay policy so the scheduler applies the
// same curve to lease-expired runs.
func (d *Dispatcher) Backoff() *Backoff {
	return d.backoff
}

// OnConnect starts a session in AwaitingHello.
func (d *Dispatcher) OnConnect(conn ws.Conn) error {
	s := newSession(d, conn)
	d.mu.Lock()
	d.sessions[conn.ID()] = s
	d.mu.Unlock()
	log.Debugw("worker stream opened", "connId", conn.ID(), "remote", conn.RemoteAddr())
	return nil
}

// OnMessage routes one inbound frame to its session.
func (d *Dispatcher) OnMessage(conn ws.Conn, messageType int, data []byte) error {
	if messageType != ws.TextMessage && messageType != ws.BinaryMessage {
		return nil
	}
	d.mu.RLock()
	s := d.sessions[conn.ID()]
	d.mu.RUnlock()
	if s == nil {
		return nil
	}
	s.touch()
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		return err
	}
	return s.handleFrame(frame)
}

func (d *Dispatcher) OnDisconnect(conn ws.Conn, err error) {
	d.mu.RLock()
	s := d.sessions[conn.ID()]
	d.mu.RUnlock()
	if s == nil {
		return
	}
	reason := "stream closed"
	if err != nil {
		reason = err.Error()
	}
	s.terminate(reason)
}

func (d *Dispatcher) OnError(conn ws.Conn, err error) {
	log.Warnw("worker stream error", "connId", conn.ID(), "error", err)
}

// adoptSession indexes a session by worker id once hello succeeds. A
// reconnect supersedes the previous stream for the same worker.
func (d *Dispatcher) adoptSession(s *Session) {
	d.mu.Lock()
	prev := d.byWorker[s.workerId]
	d.byWorker[s.workerId] = s
	d.mu.Unlock()
	if prev != nil && prev != s {
		log.Infow("worker reconnected, superseding old session",
			"workerId", s.workerId, "oldConnId", prev.conn.ID())
		prev.terminate("superseded")
	}
}

func (d *Dispatcher) removeSession(s *Session) {
	d.mu.Lock()
	delete(d.sessions, s.conn.ID())
	if d.byWorker[s.workerId] == s {
		delete(d.byWorker, s.workerId)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) trackTask(taskId string, s *Session) {
	d.mu.Lock()
	d.byTask[taskId] = s
	d.mu.Unlock()
}

func (d *Dispatcher) untrackTask(taskId string, s *Session) {
	d.mu.Lock()
	if d.byTask[taskId] == s {
		delete(d.byTask, taskId)
	}
	d.mu.Unlock()
}

// SessionForTask returns the session currently holding a task, if any.
func (d *Dispatcher) SessionForTask(taskId string) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.byTask[taskId]
	return s, ok
}

// SessionCount reports live sessions, any state.
func (d *Dispatcher) SessionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// NotifyCancellation tells the owning worker to abandon a cancelled
// task. Best effort: false when no local session holds the task.
func (d *Dispatcher) NotifyCancellation(taskId, reason string) bool {
	s, ok := d.SessionForTask(taskId)
	if !ok {
		return false
	}
	return s.markCancelled(taskId, reason)
}

// DeliverSignal pushes a signal to the worker running the task.
// Returns true when the frame was enqueued; the caller marks the row
// DELIVERED.
func (d *Dispatcher) DeliverSignal(sig *model.TaskSignal) bool {
	s, ok := d.SessionForTask(sig.TaskId)
	if !ok {
		return false
	}
	return s.send(protocol.KindTaskSignal, &protocol.TaskSignal{
		SignalId:    sig.SignalId,
		TaskId:      sig.TaskId,
		SignalName:  sig.Name,
		Payload:     string(sig.Payload),
		TimestampMs: time.Now().UnixMilli(),
	})
}

// Shutdown announces the drain window to every worker and waits for
// sessions to finish or the context to expire, then closes stragglers.
func (d *Dispatcher) Shutdown(ctx context.Context, reason string) {
	drainSeconds := int(d.conf.DrainTimeout / time.Second)

	d.mu.RLock()
	live := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		live = append(live, s)
	}
	d.mu.RUnlock()

	for _, s := range live {
		s.send(protocol.KindServerShutdown, &protocol.ServerShutdown{
			Reason:       reason,
			DrainSeconds: drainSeconds,
		})
		s.beginDrain("server shutdown")
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for d.SessionCount() > 0 {
		select {
		case <-ctx.Done():
			d.mu.RLock()
			rest := make([]*Session, 0, len(d.sessions))
			for _, s := range d.sessions {
				rest = append(rest, s)
			}
			d.mu.RUnlock()
			for _, s := range rest {
				s.terminate("server shutdown")
			}
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) publish(kind event.Kind, payload any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(event.New(kind, d.nodeId, payload))
}
