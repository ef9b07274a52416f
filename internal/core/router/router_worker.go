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

package router

import (
	"github.com/gofiber/fiber/v2"

	httpx "github.com/valka-io/valka/pkg/http"
)

func (r *Router) listWorkers(c *fiber.Ctx) error {
	pageNum := c.QueryInt("pageNum", 1)
	pageSize := c.QueryInt("pageSize", 20)

	workers, total, err := r.services.Worker.ListWorkers(c.Query("status"), pageNum, pageSize)
	if err != nil {
		return repErr(c, err)
	}
	return httpx.WithRepJSON(c, httpx.Page{Items: workers, Total: total, PageNum: pageNum, PageSize: pageSize})
}

func (r *Router) getWorker(c *fiber.Ctx) error {
	worker, err := r.services.Worker.GetWorker(c.Params("workerId"))
	if err != nil {
		return repErr(c, err)
	}
	return httpx.WithRepJSON(c, worker)
}
