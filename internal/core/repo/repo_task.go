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
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/pkg/cache"
	"github.com/valka-io/valka/pkg/database"
	"github.com/valka-io/valka/pkg/log"
	"github.com/valka-io/valka/pkg/statemachine"
)

const (
	taskCacheKeyPrefix = "valka:task:"
	taskCacheTTL       = 30 * time.Second
)

type ITaskRepository interface {
	CreateTask(task *model.Task) error
	GetTaskByTaskId(taskId string) (*model.Task, error)
	GetTaskByIdempotencyKey(key string) (*model.Task, error)
	ClaimPending(queues []string, partition, limit int, offer func(tasks []model.Task) error) error
	UpdateStatus(taskId string, from []statemachine.TaskStatus, to statemachine.TaskStatus, updates map[string]any) error
	RequeueDispatching(taskIds []string) (int64, error)
	OrphanedDispatching(olderThan time.Time, limit int) ([]model.Task, error)
	DueForRetry(now time.Time, limit int) ([]model.Task, error)
	DueDelayed(now time.Time, limit int) ([]model.Task, error)
	FailedAwaitingDeadLetter(limit int) ([]model.Task, error)
	ListTasks(queue string, status statemachine.TaskStatus, pageNum, pageSize int) ([]model.Task, int64, error)
	CountByStatus() (map[statemachine.TaskStatus]int64, error)
	DeleteFinishedBefore(before time.Time, limit int) (int64, error)
}

type TaskRepo struct {
	database.IDatabase
	cache.ICache
}

func NewTaskRepo(db database.IDatabase, cache cache.ICache) ITaskRepository {
	if cache == nil {
		log.Warnw("TaskRepo initialized without cache, caching will be disabled")
	}
	return &TaskRepo{
		IDatabase: db,
		ICache:    cache,
	}
}

// CreateTask inserts a task. A duplicate idempotency key maps to
// ErrDuplicateIdempotencyKey so the service layer can return the
// existing task instead.
func (tr *TaskRepo) CreateTask(task *model.Task) error {
	if err := tr.Database().Table(task.TableName()).Create(task).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateIdempotencyKey
		}
		return err
	}
	return nil
}

func (tr *TaskRepo) GetTaskByTaskId(taskId string) (*model.Task, error) {
	ctx := context.Background()
	cacheKey := taskCacheKeyPrefix + taskId

	if tr.ICache != nil {
		cached, err := tr.ICache.Get(ctx, cacheKey).Result()
		if err == nil && cached != "" {
			var task model.Task
			if err := sonic.UnmarshalString(cached, &task); err == nil {
				return &task, nil
			}
			log.Warnw("failed to unmarshal cached task", "taskId", taskId, "error", err)
		}
	}

	var task model.Task
	if err := tr.Database().Table(task.TableName()).
		Where("task_id = ?", taskId).First(&task).Error; err != nil {
		return nil, translateNotFound(err)
	}

	// Only terminal tasks are safe to cache, active rows change too often.
	if tr.ICache != nil && task.Status.IsTerminal() {
		if body, err := sonic.MarshalString(&task); err == nil {
			if err := tr.ICache.Set(ctx, cacheKey, body, taskCacheTTL).Err(); err != nil {
				log.Warnw("failed to cache task", "taskId", taskId, "error", err)
			}
		}
	}
	return &task, nil
}

func (tr *TaskRepo) GetTaskByIdempotencyKey(key string) (*model.Task, error) {
	var task model.Task
	if err := tr.Database().Table(task.TableName()).
		Where("idempotency_key = ?", key).First(&task).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &task, nil
}

// errClaimDone unwinds the claim transaction without surfacing an error.
var errClaimDone = errors.New("claim done")

// ClaimPending locks up to limit due PENDING rows of one partition and
// invokes offer while the row locks are held, so concurrent readers
// skip the same rows. No column is modified here; the assignment path
// performs the status transition. The transaction always rolls back.
func (tr *TaskRepo) ClaimPending(queues []string, partition, limit int, offer func(tasks []model.Task) error) error {
	err := tr.Database().Transaction(func(tx *gorm.DB) error {
		q := tx.Table(model.Task{}.TableName()).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", statemachine.TaskStatusPending).
			Where("partition_id = ?", partition).
			Where("scheduled_at IS NULL OR scheduled_at <= ?", time.Now())
		if len(queues) > 0 {
			q = q.Where("queue_name IN ?", queues)
		}

		var tasks []model.Task
		if err := q.Order("priority DESC, created_at ASC").
			Limit(limit).
			Find(&tasks).Error; err != nil {
			return err
		}
		if len(tasks) == 0 {
			return errClaimDone
		}
		if err := offer(tasks); err != nil {
			return err
		}
		return errClaimDone
	})
	if err != nil && !errors.Is(err, errClaimDone) {
		return errors.Wrap(err, "claim pending tasks")
	}
	return nil
}

// UpdateStatus performs a guarded transition. The update applies only
// when the current status is one of from, otherwise ErrInvalidState.
func (tr *TaskRepo) UpdateStatus(taskId string, from []statemachine.TaskStatus, to statemachine.TaskStatus, updates map[string]any) error {
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = to

	res := tr.Database().Table(model.Task{}.TableName()).
		Where("task_id = ?", taskId).
		Where("status IN ?", from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var task model.Task
		if err := tr.Database().Table(task.TableName()).
			Where("task_id = ?", taskId).First(&task).Error; err != nil {
			return translateNotFound(err)
		}
		return errors.Wrapf(ErrInvalidState, "task %s is %s, wanted one of %v", taskId, task.Status, from)
	}

	tr.invalidateTaskCache(taskId)
	return nil
}

// RequeueDispatching flips orphaned DISPATCHING rows back to PENDING.
// Used on recovery when the claiming node died before handing the
// tasks to a session.
func (tr *TaskRepo) RequeueDispatching(taskIds []string) (int64, error) {
	if len(taskIds) == 0 {
		return 0, nil
	}
	res := tr.Database().Table(model.Task{}.TableName()).
		Where("task_id IN ?", taskIds).
		Where("status = ?", statemachine.TaskStatusDispatching).
		Updates(map[string]any{
			"status":        statemachine.TaskStatusPending,
			"dispatched_at": nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	for _, id := range taskIds {
		tr.invalidateTaskCache(id)
	}
	return res.RowsAffected, nil
}

// OrphanedDispatching returns DISPATCHING rows older than the cutoff
// that have no live run, left behind by a node that died between claim
// and run open.
func (tr *TaskRepo) OrphanedDispatching(olderThan time.Time, limit int) ([]model.Task, error) {
	var tasks []model.Task
	if err := tr.Database().Table(model.Task{}.TableName()).
		Where("status = ?", statemachine.TaskStatusDispatching).
		Where("dispatched_at < ?", olderThan).
		Where("NOT EXISTS (SELECT 1 FROM t_task_run r WHERE r.task_id = t_task.task_id AND r.status = ?)",
			statemachine.RunStatusRunning).
		Order("dispatched_at ASC").
		Limit(limit).
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// DueForRetry returns RETRY tasks whose backoff window has elapsed.
func (tr *TaskRepo) DueForRetry(now time.Time, limit int) ([]model.Task, error) {
	var tasks []model.Task
	if err := tr.Database().Table(model.Task{}.TableName()).
		Where("status = ?", statemachine.TaskStatusRetry).
		Where("scheduled_at <= ?", now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// DueDelayed returns PENDING rows whose scheduled_at has arrived, so
// the leader can kick them into the matching engine ahead of the next
// reader pass.
func (tr *TaskRepo) DueDelayed(now time.Time, limit int) ([]model.Task, error) {
	var tasks []model.Task
	if err := tr.Database().Table(model.Task{}.TableName()).
		Where("status = ?", statemachine.TaskStatusPending).
		Where("scheduled_at IS NOT NULL AND scheduled_at <= ?", now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// FailedAwaitingDeadLetter returns exhausted FAILED rows for the mover
// to finish. Rows whose dead-letter copy was already written but whose
// status flip was interrupted are included; the copy write is a no-op
// on replay.
func (tr *TaskRepo) FailedAwaitingDeadLetter(limit int) ([]model.Task, error) {
	var tasks []model.Task
	if err := tr.Database().Table(model.Task{}.TableName()).
		Where("status = ?", statemachine.TaskStatusFailed).
		Where("attempt_count >= max_retries").
		Order("finished_at ASC").
		Limit(limit).
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (tr *TaskRepo) ListTasks(queue string, status statemachine.TaskStatus, pageNum, pageSize int) ([]model.Task, int64, error) {
	tx := tr.Database().Table(model.Task{}.TableName())
	if queue != "" {
		tx = tx.Where("queue_name = ?", queue)
	}
	if status != "" {
		tx = tx.Where("status = ?", status)
	}

	total, err := Count(tx.Session(&gorm.Session{}))
	if err != nil {
		return nil, 0, err
	}

	var tasks []model.Task
	if err := tx.Order("created_at DESC").
		Offset((pageNum - 1) * pageSize).
		Limit(pageSize).
		Find(&tasks).Error; err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func (tr *TaskRepo) CountByStatus() (map[statemachine.TaskStatus]int64, error) {
	type row struct {
		Status statemachine.TaskStatus
		Total  int64
	}
	var rows []row
	if err := tr.Database().Table(model.Task{}.TableName()).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[statemachine.TaskStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Total
	}
	return out, nil
}

// DeleteFinishedBefore removes terminal tasks older than the retention
// window, limit rows per call so the retention job can chunk its work.
func (tr *TaskRepo) DeleteFinishedBefore(before time.Time, limit int) (int64, error) {
	res := tr.Database().Exec(
		"DELETE FROM t_task WHERE status IN ? AND finished_at < ? LIMIT ?",
		[]statemachine.TaskStatus{
			statemachine.TaskStatusCompleted,
			statemachine.TaskStatusCancelled,
			statemachine.TaskStatusDeadLetter,
		},
		before, limit,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (tr *TaskRepo) invalidateTaskCache(taskId string) {
	if tr.ICache == nil {
		return
	}
	if err := tr.ICache.Del(context.Background(), taskCacheKeyPrefix+taskId).Err(); err != nil {
		log.Warnw("failed to invalidate task cache", "taskId", taskId, "error", err)
	}
}

// isDuplicateKey reports whether err is a MySQL 1062 duplicate entry.
func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "Duplicate entry")
}
