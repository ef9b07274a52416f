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
	"database/sql"
	"sync"

	"github.com/pkg/errors"

	"github.com/valka-io/valka/pkg/database"
)

// schedulerLockName is the advisory lock shared by every node. MySQL
// releases it automatically when the holding connection dies, so a
// crashed leader never wedges the cluster.
const schedulerLockName = "valka_scheduler_leader"

type ILeaderRepository interface {
	// TryAcquire attempts to take the scheduler lock without blocking.
	TryAcquire(ctx context.Context) (bool, error)

	// Release gives the lock back and returns the pinned connection to the pool.
	Release(ctx context.Context) error

	// Ping verifies the lock-holding connection is still alive. An error
	// means MySQL has dropped the connection and the lock with it.
	Ping(ctx context.Context) error
}

// LeaderRepo pins one pool connection for the lifetime of the lock.
// GET_LOCK is connection scoped, so the advisory lock must live and
// die with a single *sql.Conn rather than whatever the pool hands out.
type LeaderRepo struct {
	database.IDatabase

	mu   sync.Mutex
	conn *sql.Conn
}

func NewLeaderRepo(db database.IDatabase) ILeaderRepository {
	return &LeaderRepo{IDatabase: db}
}

func (lr *LeaderRepo) TryAcquire(ctx context.Context) (bool, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.conn != nil {
		return true, nil
	}

	sqlDB, err := lr.Database().DB()
	if err != nil {
		return false, errors.Wrap(err, "get sql.DB for leader lock")
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return false, errors.Wrap(err, "pin connection for leader lock")
	}

	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", schedulerLockName).Scan(&got); err != nil {
		_ = conn.Close()
		return false, errors.Wrap(err, "acquire scheduler lock")
	}
	if !got.Valid || got.Int64 != 1 {
		_ = conn.Close()
		return false, nil
	}

	lr.conn = conn
	return true, nil
}

func (lr *LeaderRepo) Release(ctx context.Context) error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.conn == nil {
		return nil
	}

	var released sql.NullInt64
	err := lr.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", schedulerLockName).Scan(&released)
	closeErr := lr.conn.Close()
	lr.conn = nil
	if err != nil {
		return errors.Wrap(err, "release scheduler lock")
	}
	return closeErr
}

func (lr *LeaderRepo) Ping(ctx context.Context) error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.conn == nil {
		return errors.New("scheduler lock not held")
	}
	if err := lr.conn.PingContext(ctx); err != nil {
		_ = lr.conn.Close()
		lr.conn = nil
		return errors.Wrap(err, "leader lock connection lost")
	}
	return nil
}
