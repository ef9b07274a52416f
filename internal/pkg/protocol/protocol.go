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

// Package protocol defines the JSON frames exchanged on a worker
// session. Both sides send one frame per websocket message, tagged by
// kind. Decoders tolerate unknown fields so old workers keep talking
// to newer servers.
package protocol

import (
	"encoding/json"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// Frame kinds, worker to server.
const (
	KindHello            = "hello"
	KindTaskResult       = "task_result"
	KindHeartbeat        = "heartbeat"
	KindLogBatch         = "log_batch"
	KindSignalAck        = "signal_ack"
	KindGracefulShutdown = "graceful_shutdown"
)

// Frame kinds, server to worker.
const (
	KindTaskAssignment   = "task_assignment"
	KindTaskCancellation = "task_cancellation"
	KindTaskSignal       = "task_signal"
	KindHeartbeatAck     = "heartbeat_ack"
	KindServerShutdown   = "server_shutdown"
)

// Frame is the envelope of every session message.
type Frame struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Hello is the first frame of every session.
type Hello struct {
	WorkerId    string   `json:"workerId"`
	WorkerName  string   `json:"workerName"`
	Queues      []string `json:"queues"`
	Concurrency int      `json:"concurrency"`
	Metadata    string   `json:"metadata,omitempty"`
}

// TaskResult reports the outcome of one run attempt.
type TaskResult struct {
	TaskId       string `json:"taskId"`
	TaskRunId    string `json:"taskRunId"`
	Success      bool   `json:"success"`
	Retryable    bool   `json:"retryable"`
	Output       string `json:"output,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Heartbeat lists the tasks the worker believes it is running.
type Heartbeat struct {
	ActiveTaskIds []string `json:"activeTaskIds"`
	TimestampMs   int64    `json:"timestampMs"`
}

// LogEntry is one worker-emitted log line.
type LogEntry struct {
	TaskId      string `json:"taskId"`
	TaskRunId   string `json:"taskRunId"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	Metadata    string `json:"metadata,omitempty"`
	TimestampMs int64  `json:"timestampMs"`
}

// LogBatch groups log lines so the stream is not one frame per line.
type LogBatch struct {
	Entries []LogEntry `json:"entries"`
}

// SignalAck confirms a signal arrived at the worker.
type SignalAck struct {
	SignalId string `json:"signalId"`
}

// GracefulShutdown asks the server to stop assigning and drain.
type GracefulShutdown struct {
	Reason string `json:"reason,omitempty"`
}

// TaskAssignment hands a task to the worker.
type TaskAssignment struct {
	TaskId         string `json:"taskId"`
	TaskRunId      string `json:"taskRunId"`
	QueueName      string `json:"queueName"`
	TaskName       string `json:"taskName"`
	Input          string `json:"input,omitempty"`
	Metadata       string `json:"metadata,omitempty"`
	AttemptNumber  int    `json:"attemptNumber"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// TaskCancellation tells the worker to abandon a task.
type TaskCancellation struct {
	TaskId string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// TaskSignal delivers an out-of-band message for a running task.
type TaskSignal struct {
	SignalId    string `json:"signalId"`
	TaskId      string `json:"taskId"`
	SignalName  string `json:"signalName"`
	Payload     string `json:"payload,omitempty"`
	TimestampMs int64  `json:"timestampMs"`
}

// HeartbeatAck answers a heartbeat.
type HeartbeatAck struct {
	ServerTimestampMs int64 `json:"serverTimestampMs"`
}

// ServerShutdown announces a drain window before the server goes away.
type ServerShutdown struct {
	Reason       string `json:"reason,omitempty"`
	DrainSeconds int    `json:"drainSeconds"`
}

// Encode wraps a payload in a kind-tagged frame.
func Encode(kind string, payload any) ([]byte, error) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s payload", kind)
	}
	frame, err := sonic.Marshal(Frame{Kind: kind, Payload: body})
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s frame", kind)
	}
	return frame, nil
}

// DecodeFrame splits a raw message into kind and payload.
func DecodeFrame(data []byte) (*Frame, error) {
	var frame Frame
	if err := sonic.Unmarshal(data, &frame); err != nil {
		return nil, errors.Wrap(err, "decode frame")
	}
	if frame.Kind == "" {
		return nil, errors.New("frame has no kind")
	}
	return &frame, nil
}

// DecodePayload parses a frame payload into its concrete type.
func DecodePayload[T any](frame *Frame) (*T, error) {
	var payload T
	if len(frame.Payload) > 0 {
		if err := sonic.Unmarshal(frame.Payload, &payload); err != nil {
			return nil, errors.Wrapf(err, "decode %s payload", frame.Kind)
		}
	}
	return &payload, nil
}
