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

package event

import (
	"time"

	"github.com/valka-io/valka/pkg/id"
)

// Kind identifies the event type.
type Kind string

const (
	KindTaskCreated       Kind = "task.created"
	KindTaskStatusChanged Kind = "task.status_changed"
	KindTaskAssigned      Kind = "task.assigned"
	KindTaskFinished      Kind = "task.finished"
	KindTaskDeadLettered  Kind = "task.dead_lettered"
	KindRunRecorded       Kind = "run.recorded"
	KindRunLeaseExpired   Kind = "run.lease_expired"
	KindWorkerConnected   Kind = "worker.connected"
	KindWorkerDisconnect  Kind = "worker.disconnected"
	KindSignalCreated     Kind = "signal.created"
	KindSignalDelivered   Kind = "signal.delivered"
	KindSignalAcked       Kind = "signal.acknowledged"
)

// Event is a single observability record emitted by the engine.
// Events are advisory: consumers must not rely on them for state.
type Event struct {
	ID        string      `json:"id"`
	Kind      Kind        `json:"kind"`
	NodeID    string      `json:"nodeId"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// New builds an event stamped with a fresh id and the current time.
func New(kind Kind, nodeID string, payload interface{}) Event {
	return Event{
		ID:        id.XID(),
		Kind:      kind,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
