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
	"context"
	"time"

	"github.com/bytedance/sonic"

	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/pkg/cache"
	"github.com/valka-io/valka/pkg/database"
	"github.com/valka-io/valka/pkg/log"
)

const (
	workerCacheKeyPrefix = "valka:worker:"
	workerCacheTTL       = time.Minute
)

type IWorkerRepository interface {
	UpsertWorker(worker *model.Worker) error
	GetWorkerByWorkerId(workerId string) (*model.Worker, error)
	SetStatus(workerId, status string, at time.Time) error
	TouchHeartbeat(workerId string, at time.Time) error
	ListWorkers(status string, pageNum, pageSize int) ([]model.Worker, int64, error)
	StaleActiveWorkers(before time.Time) ([]model.Worker, error)
}

type WorkerRepo struct {
	database.IDatabase
	cache.ICache
}

func NewWorkerRepo(db database.IDatabase, cache cache.ICache) IWorkerRepository {
	return &WorkerRepo{
		IDatabase: db,
		ICache:    cache,
	}
}

// UpsertWorker inserts a registration or refreshes the existing row
// when the same worker reconnects. Rows survive disconnects, so a
// reconnect is the common path.
func (wr *WorkerRepo) UpsertWorker(worker *model.Worker) error {
	var existing model.Worker
	err := wr.Database().Table(worker.TableName()).
		Where("worker_id = ?", worker.WorkerId).First(&existing).Error
	if err == nil {
		updates := map[string]any{
			"name":            worker.Name,
			"node_id":         worker.NodeId,
			"status":          worker.Status,
			"queues":          worker.Queues,
			"concurrency":     worker.Concurrency,
			"metadata":        worker.Metadata,
			"last_heartbeat":  worker.LastHeartbeat,
			"connected_at":    worker.ConnectedAt,
			"disconnected_at": nil,
		}
		if err := wr.Database().Table(worker.TableName()).
			Where("worker_id = ?", worker.WorkerId).Updates(updates).Error; err != nil {
			return err
		}
		wr.invalidateWorkerCache(worker.WorkerId)
		return nil
	}
	if translateNotFound(err) != ErrNotFound {
		return err
	}
	return wr.Database().Table(worker.TableName()).Create(worker).Error
}

func (wr *WorkerRepo) GetWorkerByWorkerId(workerId string) (*model.Worker, error) {
	ctx := context.Background()
	cacheKey := workerCacheKeyPrefix + workerId

	if wr.ICache != nil {
		cached, err := wr.ICache.Get(ctx, cacheKey).Result()
		if err == nil && cached != "" {
			var worker model.Worker
			if err := sonic.UnmarshalString(cached, &worker); err == nil {
				return &worker, nil
			}
		}
	}

	var worker model.Worker
	if err := wr.Database().Table(worker.TableName()).
		Where("worker_id = ?", workerId).First(&worker).Error; err != nil {
		return nil, translateNotFound(err)
	}

	if wr.ICache != nil {
		if body, err := sonic.MarshalString(&worker); err == nil {
			if err := wr.ICache.Set(ctx, cacheKey, body, workerCacheTTL).Err(); err != nil {
				log.Warnw("failed to cache worker", "workerId", workerId, "error", err)
			}
		}
	}
	return &worker, nil
}

// SetStatus moves a worker between ACTIVE, DRAINING and DISCONNECTED.
func (wr *WorkerRepo) SetStatus(workerId, status string, at time.Time) error {
	updates := map[string]any{"status": status}
	switch status {
	case model.WorkerStatusActive:
		updates["connected_at"] = at
		updates["last_heartbeat"] = at
		updates["disconnected_at"] = nil
	case model.WorkerStatusDisconnected:
		updates["disconnected_at"] = at
	}

	res := wr.Database().Table(model.Worker{}.TableName()).
		Where("worker_id = ?", workerId).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	wr.invalidateWorkerCache(workerId)
	return nil
}

func (wr *WorkerRepo) TouchHeartbeat(workerId string, at time.Time) error {
	return wr.Database().Table(model.Worker{}.TableName()).
		Where("worker_id = ?", workerId).
		Update("last_heartbeat", at).Error
}

func (wr *WorkerRepo) ListWorkers(status string, pageNum, pageSize int) ([]model.Worker, int64, error) {
	tx := wr.Database().Table(model.Worker{}.TableName())
	if status != "" {
		tx = tx.Where("status = ?", status)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var workers []model.Worker
	if err := tx.Order("created_at DESC").
		Offset((pageNum - 1) * pageSize).
		Limit(pageSize).
		Find(&workers).Error; err != nil {
		return nil, 0, err
	}
	return workers, total, nil
}

// StaleActiveWorkers returns ACTIVE or DRAINING rows that have not
// heartbeated since before. The reaper flips them DISCONNECTED.
func (wr *WorkerRepo) StaleActiveWorkers(before time.Time) ([]model.Worker, error) {
	var workers []model.Worker
	if err := wr.Database().Table(model.Worker{}.TableName()).
		Where("status IN ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)",
			[]string{model.WorkerStatusActive, model.WorkerStatusDraining}, before).
		Find(&workers).Error; err != nil {
		return nil, err
	}
	return workers, nil
}

func (wr *WorkerRepo) invalidateWorkerCache(workerId string) {
	if wr.ICache == nil {
		return
	}
	if err := wr.ICache.Del(context.Background(), workerCacheKeyPrefix+workerId).Err(); err != nil {
		log.Warnw("failed to invalidate worker cache", "workerId", workerId, "error", err)
	}
}
