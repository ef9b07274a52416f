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

package repo

import (
	"time"

	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/pkg/database"
	"github.com/valka-io/valka/pkg/statemachine"
)

type IRunRepository interface {
	CreateRun(run *model.TaskRun) error
	GetRunByRunId(runId string) (*model.TaskRun, error)
	GetActiveRunByTaskId(taskId string) (*model.TaskRun, error)
	ExtendLease(runId string, leaseExpiresAt, heartbeatAt time.Time) error
	FinishRun(runId string, status statemachine.RunStatus, updates map[string]any) error
	ExpiredRuns(now time.Time, limit int) ([]model.TaskRun, error)
	ListRunsByTaskId(taskId string) ([]model.TaskRun, error)
	DeleteFinishedBefore(before time.Time, limit int) (int64, error)
}

type RunRepo struct {
	database.IDatabase
}

func NewRunRepo(db database.IDatabase) IRunRepository {
	return &RunRepo{IDatabase: db}
}

func (rr *RunRepo) CreateRun(run *model.TaskRun) error {
	return rr.Database().Table(run.TableName()).Create(run).Error
}

func (rr *RunRepo) GetRunByRunId(runId string) (*model.TaskRun, error) {
	var run model.TaskRun
	if err := rr.Database().Table(run.TableName()).
		Where("run_id = ?", runId).First(&run).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &run, nil
}

func (rr *RunRepo) GetActiveRunByTaskId(taskId string) (*model.TaskRun, error) {
	var run model.TaskRun
	if err := rr.Database().Table(run.TableName()).
		Where("task_id = ? AND status = ?", taskId, statemachine.RunStatusRunning).
		Order("started_at DESC").
		First(&run).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &run, nil
}

// ExtendLease bumps the heartbeat and pushes the lease deadline
// forward for a still running run.
func (rr *RunRepo) ExtendLease(runId string, leaseExpiresAt, heartbeatAt time.Time) error {
	res := rr.Database().Table(model.TaskRun{}.TableName()).
		Where("run_id = ? AND status = ?", runId, statemachine.RunStatusRunning).
		Updates(map[string]any{
			"lease_expires_at": leaseExpiresAt,
			"last_heartbeat":   heartbeatAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidState
	}
	return nil
}

// FinishRun closes a run with a terminal status. Only a RUNNING row is
// eligible, so a late heartbeat cannot resurrect an expired run.
func (rr *RunRepo) FinishRun(runId string, status statemachine.RunStatus, updates map[string]any) error {
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = status

	res := rr.Database().Table(model.TaskRun{}.TableName()).
		Where("run_id = ? AND status = ?", runId, statemachine.RunStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidState
	}
	return nil
}

// ExpiredRuns returns RUNNING rows whose lease deadline has passed.
func (rr *RunRepo) ExpiredRuns(now time.Time, limit int) ([]model.TaskRun, error) {
	var runs []model.TaskRun
	if err := rr.Database().Table(model.TaskRun{}.TableName()).
		Where("status = ? AND lease_expires_at < ?", statemachine.RunStatusRunning, now).
		Order("lease_expires_at ASC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (rr *RunRepo) ListRunsByTaskId(taskId string) ([]model.TaskRun, error) {
	var runs []model.TaskRun
	if err := rr.Database().Table(model.TaskRun{}.TableName()).
		Where("task_id = ?", taskId).
		Order("attempt_number ASC").
		Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (rr *RunRepo) DeleteFinishedBefore(before time.Time, limit int) (int64, error) {
	res := rr.Database().Exec(
		"DELETE FROM t_task_run WHERE status <> ? AND finished_at < ? LIMIT ?",
		statemachine.RunStatusRunning, before, limit,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
