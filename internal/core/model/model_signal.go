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

	"github.com/valka-io/valka/pkg/statemachine"
)

// TaskSignal is an out-of-band message for a running task. Delivery
// resets to PENDING when the worker session drops before
// acknowledging, so workers may see the same signal twice.
type TaskSignal struct {
	BaseModel
	SignalId       string                    `gorm:"column:signal_id;uniqueIndex" json:"signalId"`
	TaskId         string                    `gorm:"column:task_id;index" json:"taskId"`
	Name           string                    `gorm:"column:signal_name" json:"signalName"`
	Status         statemachine.SignalStatus `gorm:"column:status;index" json:"status"`
	Payload        datatypes.JSON            `gorm:"column:payload" json:"payload"`
	DeliveredAt    *time.Time                `gorm:"column:delivered_at" json:"deliveredAt"`
	AcknowledgedAt *time.Time                `gorm:"column:acknowledged_at" json:"acknowledgedAt"`
}

func (TaskSignal) TableName() string {
	return "t_task_signal"
}
