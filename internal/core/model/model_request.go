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

package model

import (
	"time"

	"gorm.io/datatypes"
)

// CreateTaskReq is the submission payload. MaxRetries nil means the
// server default applies.
type CreateTaskReq struct {
	Queue          string         `json:"queueName"`
	Name           string         `json:"name"`
	Input          datatypes.JSON `json:"input"`
	Metadata       datatypes.JSON `json:"metadata"`
	Priority       int            `json:"priority"`
	MaxRetries     *int           `json:"maxRetries"`
	TimeoutSeconds int            `json:"timeoutSeconds"`
	ScheduledAt    *time.Time     `json:"scheduledAt"`
	IdempotencyKey *string        `json:"idempotencyKey"`
	CreatedBy      string         `json:"createdBy"`
}

type CancelTaskReq struct {
	Reason string `json:"reason"`
}

type SendSignalReq struct {
	Name    string         `json:"signalName"`
	Payload datatypes.JSON `json:"payload"`
}
