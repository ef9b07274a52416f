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

// Worker status values persisted in t_worker. Rows are kept after
// disconnect for observability.
const (
	WorkerStatusActive       = "ACTIVE"
	WorkerStatusDraining     = "DRAINING"
	WorkerStatusDisconnected = "DISCONNECTED"
)

// Worker is a registered worker process.
type Worker struct {
	BaseModel
	WorkerId       string         `gorm:"column:worker_id;uniqueIndex" json:"workerId"`
	Name           string         `gorm:"column:name" json:"name"`
	NodeId         string         `gorm:"column:node_id" json:"nodeId"`
	Status         string         `gorm:"column:status;index" json:"status"`
	Queues         datatypes.JSON `gorm:"column:queues" json:"queues"`
	Concurrency    int            `gorm:"column:concurrency" json:"concurrency"`
	Metadata       datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	LastHeartbeat  *time.Time     `gorm:"column:last_heartbeat;index" json:"lastHeartbeat"`
	ConnectedAt    *time.Time     `gorm:"column:connected_at" json:"connectedAt"`
	DisconnectedAt *time.Time     `gorm:"column:disconnected_at" json:"disconnectedAt"`
}

func (Worker) TableName() string {
	return "t_worker"
}
