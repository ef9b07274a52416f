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

type ISignalRepository interface {
	CreateSignal(signal *model.TaskSignal) error
	GetSignalBySignalId(signalId string) (*model.TaskSignal, error)
	PendingByTaskId(taskId string) ([]model.TaskSignal, error)
	MarkDelivered(signalId string, at time.Time) error
	MarkAcknowledged(signalId string, at time.Time) error
	ResetDelivered(taskIds []string) (int64, error)
	DeleteAckedBefore(before time.Time, limit int) (int64, error)
}

type SignalRepo struct {
	database.IDatabase
}

func NewSignalRepo(db database.IDatabase) ISignalRepository {
	return &SignalRepo{IDatabase: db}
}

func (sr *SignalRepo) CreateSignal(signal *model.TaskSignal) error {
	return sr.Database().Table(signal.TableName()).Create(signal).Error
}

func (sr *SignalRepo) GetSignalBySignalId(signalId string) (*model.TaskSignal, error) {
	var signal model.TaskSignal
	if err := sr.Database().Table(signal.TableName()).
		Where("signal_id = ?", signalId).First(&signal).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &signal, nil
}

func (sr *SignalRepo) PendingByTaskId(taskId string) ([]model.TaskSignal, error) {
	var signals []model.TaskSignal
	if err := sr.Database().Table(model.TaskSignal{}.TableName()).
		Where("task_id = ? AND status = ?", taskId, statemachine.SignalStatusPending).
		Order("created_at ASC").
		Find(&signals).Error; err != nil {
		return nil, err
	}
	return signals, nil
}

func (sr *SignalRepo) MarkDelivered(signalId string, at time.Time) error {
	res := sr.Database().Table(model.TaskSignal{}.TableName()).
		Where("signal_id = ? AND status = ?", signalId, statemachine.SignalStatusPending).
		Updates(map[string]any{
			"status":       statemachine.SignalStatusDelivered,
			"delivered_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidState
	}
	return nil
}

func (sr *SignalRepo) MarkAcknowledged(signalId string, at time.Time) error {
	res := sr.Database().Table(model.TaskSignal{}.TableName()).
		Where("signal_id = ? AND status = ?", signalId, statemachine.SignalStatusDelivered).
		Updates(map[string]any{
			"status":          statemachine.SignalStatusAcknowledged,
			"acknowledged_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidState
	}
	return nil
}

// ResetDelivered flips DELIVERED signals back to PENDING for the given
// tasks. Called when the worker session drops before acknowledging so
// the signals are re-delivered on reconnect.
func (sr *SignalRepo) ResetDelivered(taskIds []string) (int64, error) {
	if len(taskIds) == 0 {
		return 0, nil
	}
	res := sr.Database().Table(model.TaskSignal{}.TableName()).
		Where("task_id IN ? AND status = ?", taskIds, statemachine.SignalStatusDelivered).
		Updates(map[string]any{
			"status":       statemachine.SignalStatusPending,
			"delivered_at": nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (sr *SignalRepo) DeleteAckedBefore(before time.Time, limit int) (int64, error) {
	res := sr.Database().Exec(
		"DELETE FROM t_task_signal WHERE status = ? AND acknowledged_at < ? LIMIT ?",
		statemachine.SignalStatusAcknowledged, before, limit,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
