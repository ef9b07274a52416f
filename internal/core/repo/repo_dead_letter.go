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

type IDeadLetterRepository interface {
	Create(entry *model.DeadLetter) error
	GetByTaskId(taskId string) (*model.DeadLetter, error)
	List(queue string, pageNum, pageSize int) ([]model.DeadLetter, int64, error)
	DeleteBefore(before time.Time, limit int) (int64, error)
}

type DeadLetterRepo struct {
	database.IDatabase
}

func NewDeadLetterRepo(db database.IDatabase) IDeadLetterRepository {
	return &DeadLetterRepo{IDatabase: db}
}

func (dr *DeadLetterRepo) Create(entry *model.DeadLetter) error {
	if err := dr.Database().Table(entry.TableName()).Create(entry).Error; err != nil {
		// A replayed dead-letter insert for the same task is a no-op.
		if isDuplicateKey(err) {
			return nil
		}
		return err
	}
	return nil
}

func (dr *DeadLetterRepo) GetByTaskId(taskId string) (*model.DeadLetter, error) {
	var entry model.DeadLetter
	if err := dr.Database().Table(entry.TableName()).
		Where("task_id = ?", taskId).First(&entry).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &entry, nil
}

func (dr *DeadLetterRepo) List(queue string, pageNum, pageSize int) ([]model.DeadLetter, int64, error) {
	tx := dr.Database().Table(model.DeadLetter{}.TableName())
	if queue != "" {
		tx = tx.Where("queue_name = ?", queue)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []model.DeadLetter
	if err := tx.Order("dead_at DESC").
		Offset((pageNum - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (dr *DeadLetterRepo) DeleteBefore(before time.Time, limit int) (int64, error) {
	res := dr.Database().Exec(
		"DELETE FROM t_dead_letter WHERE dead_at < ? LIMIT ?", before, limit,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
