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

// Task is one unit of work submitted to the queue.
type Task struct {
	BaseModel
	TaskId         string                  `gorm:"column:task_id;uniqueIndex" json:"taskId"`
	Name           string                  `gorm:"column:name" json:"name"`
	Queue          string                  `gorm:"column:queue_name;index" json:"queueName"`
	Partition      int                     `gorm:"column:partition_id" json:"partitionId"`
	Status         statemachine.TaskStatus `gorm:"column:status;index" json:"status"`
	Priority       int                     `gorm:"column:priority" json:"priority"`
	Input          datatypes.JSON          `gorm:"column:input" json:"input"`
	Metadata       datatypes.JSON          `gorm:"column:metadata" json:"metadata"`
	Output         datatypes.JSON          `gorm:"column:output" json:"output"`
	ErrorMessage   string                  `gorm:"column:error_message;type:text" json:"errorMessage"`
	IdempotencyKey *string                 `gorm:"column:idempotency_key;uniqueIndex" json:"idempotencyKey"`
	MaxRetries     int                     `gorm:"column:max_retries" json:"maxRetries"`
	AttemptCount   int                     `gorm:"column:attempt_count" json:"attemptCount"`
	TimeoutSeconds int                     `gorm:"column:timeout_seconds" json:"timeoutSeconds"`
	ScheduledAt    *time.Time              `gorm:"column:scheduled_at;index" json:"scheduledAt"`
	DispatchedAt   *time.Time              `gorm:"column:dispatched_at" json:"dispatchedAt"`
	StartedAt      *time.Time              `gorm:"column:started_at" json:"startedAt"`
	FinishedAt     *time.Time              `gorm:"column:finished_at" json:"finishedAt"`
	CreatedBy      string                  `gorm:"column:created_by" json:"createdBy"`
}

func (Task) TableName() string {
	return "t_task"
}

// TaskRun is one attempt at executing a task on a worker.
type TaskRun struct {
	BaseModel
	RunId          string                 `gorm:"column:run_id;uniqueIndex" json:"runId"`
	TaskId         string                 `gorm:"column:task_id;index" json:"taskId"`
	AttemptNumber  int                    `gorm:"column:attempt_number" json:"attemptNumber"`
	WorkerId       string                 `gorm:"column:worker_id;index" json:"workerId"`
	AssignedNodeId string                 `gorm:"column:assigned_node_id" json:"assignedNodeId"`
	Status         statemachine.RunStatus `gorm:"column:status;index" json:"status"`
	Output         datatypes.JSON         `gorm:"column:output" json:"output"`
	ErrorMessage   string                 `gorm:"column:error_message;type:text" json:"errorMessage"`
	LeaseExpiresAt time.Time              `gorm:"column:lease_expires_at;index" json:"leaseExpiresAt"`
	LastHeartbeat  *time.Time             `gorm:"column:last_heartbeat" json:"lastHeartbeat"`
	StartedAt      time.Time              `gorm:"column:started_at" json:"startedAt"`
	FinishedAt     *time.Time             `gorm:"column:finished_at" json:"finishedAt"`
	DurationMs     int64                  `gorm:"column:duration_ms" json:"durationMs"`
}

func (TaskRun) TableName() string {
	return "t_task_run"
}

// Log severities accepted from workers.
const (
	LogSeverityDebug = "DEBUG"
	LogSeverityInfo  = "INFO"
	LogSeverityWarn  = "WARN"
	LogSeverityError = "ERROR"
)

// TaskLog is a single log line emitted by a worker for a run.
type TaskLog struct {
	ID        uint64         `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TaskId    string         `gorm:"column:task_id;index" json:"taskId"`
	RunId     string         `gorm:"column:run_id;index" json:"runId"`
	Severity  string         `gorm:"column:severity" json:"severity"`
	Message   string         `gorm:"column:message;type:text" json:"message"`
	Metadata  datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	LoggedAt  time.Time      `gorm:"column:logged_at;index" json:"loggedAt"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

func (TaskLog) TableName() string {
	return "t_task_log"
}

// DeadLetter keeps an immutable copy of a task that exhausted its
// retries, with the final run's error.
type DeadLetter struct {
	BaseModel
	TaskId       string         `gorm:"column:task_id;uniqueIndex" json:"taskId"`
	Queue        string         `gorm:"column:queue_name;index" json:"queueName"`
	Name         string         `gorm:"column:name" json:"name"`
	Input        datatypes.JSON `gorm:"column:input" json:"input"`
	Metadata     datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	AttemptCount int            `gorm:"column:attempt_count" json:"attemptCount"`
	ErrorMessage string         `gorm:"column:error_message;type:text" json:"errorMessage"`
	DeadAt       time.Time      `gorm:"column:dead_at;index" json:"deadAt"`
}

func (DeadLetter) TableName() string {
	return "t_dead_letter"
}
