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
	"errors"

	"gorm.io/gorm"

	"github.com/valka-io/valka/pkg/cache"
	"github.com/valka-io/valka/pkg/database"
)

var (
	// ErrNotFound means the requested row does not exist
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateIdempotencyKey means a task with the same idempotency key already exists
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidState means the row is not in a state that permits the requested change
	ErrInvalidState = errors.New("invalid state for requested transition")
)

// Repositories bundles every repository behind one constructor.
type Repositories struct {
	Task       ITaskRepository
	Run        IRunRepository
	TaskLog    ITaskLogRepository
	DeadLetter IDeadLetterRepository
	Worker     IWorkerRepository
	Signal     ISignalRepository
	Leader     ILeaderRepository
}

// NewRepositories wires all repositories against the shared database and cache.
func NewRepositories(db database.IDatabase, cache cache.ICache) *Repositories {
	return &Repositories{
		Task:       NewTaskRepo(db, cache),
		Run:        NewRunRepo(db),
		TaskLog:    NewTaskLogRepo(db),
		DeadLetter: NewDeadLetterRepo(db),
		Worker:     NewWorkerRepo(db, cache),
		Signal:     NewSignalRepo(db),
		Leader:     NewLeaderRepo(db),
	}
}

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func Count(tx *gorm.DB) (int64, error) {
	var count int64
	if err := tx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
