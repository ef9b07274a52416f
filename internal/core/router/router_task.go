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

	"github.com/valka-io/valka/internal/core/model"
	httpx "github.com/valka-io/valka/pkg/http"
	"github.com/valka-io/valka/pkg/statemachine"
)

type createTaskRep struct {
	Task    *model.Task `json:"task"`
	Created bool        `json:"created"`
}

func (r *Router) createTask(c *fiber.Ctx) error {
	var req model.CreateTaskReq
	if err := c.BodyParser(&req); err != nil {
		return httpx.WithRepErr(c, httpx.RequestParameterParsingFailed.Code, err.Error(), c.Path())
	}
	task, created, err := r.services.Task.CreateTask(&req)
	if err != nil {
		return repErr(c, err)
	}
	return httpx.WithRepJSON(c, createTaskRep{Task: task, Created: created})
}

func (r *Router) getTask(c *fiber.Ctx) error {
	task, err := r.services.Task.GetTask(c.Params("taskId"))
	if err != nil {
		return repErr(c, err)
	}
	return httpx.WithRepJSON(c, task)
}

func (r *Router) listTasks(c *fiber.Ctx) error {
	pageNum := c.QueryInt("pageNum", 1)
	pageSize := c.QueryInt("pageSize", 20)
	status := statemachine.TaskStatus(c.Query("status"))

	tasks, total, err := r.services.Task.ListTasks(c.Query("queue"), status, pageNum, pageSize)
	if err != nil {
		return repErr(c, err)
	}
	return httpx.WithRepJSON(c, httpx.Page{Items: tasks, Total: total, PageNum: pageNum, PageSize: pageSize})
}

func (r *Router) cancelTask(c *fiber.Ctx) error {
	var req model.CancelTaskReq
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return httpx.WithRepErr(c, httpx.RequestParameterParsingFailed.Code, err.Error(), c.Path())
		}
	}
	task, err := r.services.Task.CancelTask(c.Params("taskId"), req.Reason)
	if err != nil {
		return repErr(c, err)
	}
	return httpx.WithRepJSON(c, task)
}

func (r *Router) listRuns(c *fiber.Ctx) error {
	runs, err := r.services.Task.ListRuns(c.Params("taskId"))
	if err != nil {
		return repErr(c, err)
	}
	return httpx.WithRepJSON(c, runs)
}

func (r *Router) listLogs(c *fiber.Ctx) error {
	pageNum := c.QueryInt("pageNum", 1)
	pageSize := c.QueryInt("pageSize", 100)

	logs, total, err := r.services.Task.ListLogs(c.Params("taskId"), pageNum, pageSize)
	if err != nil {
		return repErr(c, err)
	}
	return httpx.WithRepJSON(c, httpx.Page{Items: logs, Total: total, PageNum: pageNum, PageSize: pageSize})
}

func (r *Router) stats(c *fiber.Ctx) error {
	counts, err := r.services.Task.Stats()
	if err != nil {
		return repErr(c, err)
	}
	return httpx.WithRepJSON(c, counts)
}

func (r *Router) listDeadLetters(c *fiber.Ctx) error {
	pageNum := c.QueryInt("pageNum", 1)
	pageSize := c.QueryInt("pageSize", 20)

	entries, total, err := r.services.Task.ListDeadLetters(c.Query("queue"), pageNum, pageSize)
	if err != nil {
		return repErr(c, err)
	}
	return httpx.WithRepJSON(c, httpx.Page{Items: entries, Total: total, PageNum: pageNum, PageSize: pageSize})
}
