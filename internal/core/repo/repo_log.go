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
)

type ITaskLogRepository interface {
	SaveBatch(entries []model.TaskLog) error
	ListByRunId(runId string, after time.Time, limit int) ([]model.TaskLog, error)
	ListByTaskId(taskId string, pageNum, pageSize int) ([]model.TaskLog, int64, error)
	DeleteBefore(before time.Time, limit int) (int64, error)
}

type TaskLogRepo struct {
	database.IDatabase
}

func NewTaskLogRepo(db database.IDatabase) ITaskLogRepository {
	return &TaskLogRepo{IDatabase: db}
}

// SaveBatch inserts a flushed batch in one statement.
func (lr *TaskLogRepo) SaveBatch(entries []model.TaskLog) error {
	if len(entries) == 0 {
		return nil
	}
	return lr.Database().Table(model.TaskLog{}.TableName()).Create(&entries).Error
}

func (lr *TaskLogRepo) ListByRunId(runId string, after time.Time, limit int) ([]model.TaskLog, error) {
	var entries []model.TaskLog
	if err := lr.Database().Table(model.TaskLog{}.TableName()).
		Where("run_id = ? AND logged_at > ?", runId, after).
		Order("logged_at ASC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (lr *TaskLogRepo) ListByTaskId(taskId string, pageNum, pageSize int) ([]model.TaskLog, int64, error) {
	tx := lr.Database().Table(model.TaskLog{}.TableName()).
		Where("task_id = ?", taskId)

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []model.TaskLog
	if err := tx.Order("logged_at ASC").
		Offset((pageNum - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (lr *TaskLogRepo) DeleteBefore(before time.Time, limit int) (int64, error) {
	res := lr.Database().Exec(
		"DELETE FROM t_task_log WHERE created_at < ? LIMIT ?", before, limit,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
