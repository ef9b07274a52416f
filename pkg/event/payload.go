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

// StateChange records one task status transition.
type StateChange struct {
	TaskId         string `json:"taskId"`
	Queue          string `json:"queue"`
	PreviousStatus string `json:"previousStatus"`
	NewStatus      string `json:"newStatus"`
	WorkerId       string `json:"workerId,omitempty"`
	AttemptNumber  int    `json:"attemptNumber,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

// WorkerChange records a worker session coming or going.
type WorkerChange struct {
	WorkerId    string   `json:"workerId"`
	Name        string   `json:"name,omitempty"`
	Queues      []string `json:"queues,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// SignalChange records a signal lifecycle step.
type SignalChange struct {
	SignalId string `json:"signalId"`
	TaskId   string `json:"taskId"`
	Name     string `json:"name,omitempty"`
}
