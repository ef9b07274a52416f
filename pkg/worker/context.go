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

package worker

import (
	"context"
	"time"

	"github.com/bytedance/sonic"

	"github.com/valka-io/valka/internal/pkg/protocol"
)

// SignalData is one signal as seen by a handler.
type SignalData struct {
	SignalId string
	Name     string
	Payload  string
}

// ParsePayload parses the signal's JSON payload into dest. An empty
// payload parses to nothing.
func (s *SignalData) ParsePayload(dest any) error {
	if s.Payload == "" {
		return nil
	}
	return sonic.UnmarshalString(s.Payload, dest)
}

// TaskContext is handed to each task handler. It embeds the run's
// context.Context, which is cancelled on task cancellation, timeout
// and worker shutdown.
type TaskContext struct {
	context.Context

	TaskId        string
	TaskRunId     string
	QueueName     string
	TaskName      string
	AttemptNumber int
	RawInput      string
	RawMetadata   string

	w        *Worker
	signalCh chan *protocol.TaskSignal
	sigBuf   []*protocol.TaskSignal
}

// Input parses the task input JSON into dest. Empty input parses to
// nothing.
func (c *TaskContext) Input(dest any) error {
	if c.RawInput == "" {
		return nil
	}
	return sonic.UnmarshalString(c.RawInput, dest)
}

// Metadata parses the task metadata JSON into dest.
func (c *TaskContext) Metadata(dest any) error {
	if c.RawMetadata == "" {
		return nil
	}
	return sonic.UnmarshalString(c.RawMetadata, dest)
}

// Log emits an INFO log line attached to this run.
func (c *TaskContext) Log(message string) {
	c.logAt("INFO", message)
}

func (c *TaskContext) Debug(message string) {
	c.logAt("DEBUG", message)
}

func (c *TaskContext) Warn(message string) {
	c.logAt("WARN", message)
}

func (c *TaskContext) Error(message string) {
	c.logAt("ERROR", message)
}

// WaitForSignal blocks until a signal with the given name arrives.
// Signals with other names are buffered for later calls. Returns the
// context error once the run is cancelled.
func (c *TaskContext) WaitForSignal(name string) (*SignalData, error) {
	for i, sig := range c.sigBuf {
		if sig.SignalName == name {
			c.sigBuf = append(c.sigBuf[:i], c.sigBuf[i+1:]...)
			return c.consume(sig), nil
		}
	}
	for {
		select {
		case <-c.Done():
			return nil, c.Err()
		case sig, ok := <-c.signalCh:
			if !ok {
				return nil, context.Canceled
			}
			if sig.SignalName == name {
				return c.consume(sig), nil
			}
			c.sigBuf = append(c.sigBuf, sig)
		}
	}
}

// ReceiveSignal blocks until the next signal of any name arrives,
// draining the buffer first.
func (c *TaskContext) ReceiveSignal() (*SignalData, error) {
	if len(c.sigBuf) > 0 {
		sig := c.sigBuf[0]
		c.sigBuf = c.sigBuf[1:]
		return c.consume(sig), nil
	}
	select {
	case <-c.Done():
		return nil, c.Err()
	case sig, ok := <-c.signalCh:
		if !ok {
			return nil, context.Canceled
		}
		return c.consume(sig), nil
	}
}

// consume acknowledges the signal and converts it for the handler.
// The server flips the row to ACKNOWLEDGED on the ack, so the ack is
// sent only once the handler actually takes the signal.
func (c *TaskContext) consume(sig *protocol.TaskSignal) *SignalData {
	c.w.send(protocol.KindSignalAck, &protocol.SignalAck{SignalId: sig.SignalId})
	return &SignalData{SignalId: sig.SignalId, Name: sig.SignalName, Payload: sig.Payload}
}

func (c *TaskContext) logAt(severity, message string) {
	c.w.enqueueLog(protocol.LogEntry{
		TaskId:      c.TaskId,
		TaskRunId:   c.TaskRunId,
		Severity:    severity,
		Message:     message,
		TimestampMs: time.Now().UnixMilli(),
	})
}
