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

package service

import (
	"github.com/valka-io/valka/internal/core/model"
	"github.com/valka-io/valka/internal/core/repo"
)

type WorkerService struct {
	workers repo.IWorkerRepository
}

func NewWorkerService(workers repo.IWorkerRepository) *WorkerService {
	return &WorkerService{workers: workers}
}

func (ws *WorkerService) GetWorker(workerId string) (*model.Worker, error) {
	return ws.workers.GetWorkerByWorkerId(workerId)
}

func (ws *WorkerService) ListWorkers(status string, pageNum, pageSize int) ([]model.Worker, int64, error) {
	pageNum, pageSize = normalizePage(pageNum, pageSize)
	return ws.workers.ListWorkers(status, pageNum, pageSize)
}
