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

// Package router mounts the REST API, the worker WebSocket endpoint
// and the event stream onto the fiber app.
package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/pkg/errors"

	"github.com/valka-io/valka/internal/core/repo"
	"github.com/valka-io/valka/internal/core/service"
	"github.com/valka-io/valka/internal/pkg/sse"
	httpx "github.com/valka-io/valka/pkg/http"
	"github.com/valka-io/valka/pkg/version"
	"github.com/valka-io/valka/pkg/ws"
)

type Router struct {
	services *service.Services
	hub      ws.Hub
	sessions ws.Handler
	events   *sse.Hub
}

func NewRouter(services *service.Services, hub ws.Hub, sessions ws.Handler, events *sse.Hub) *Router {
	return &Router{
		services: services,
		hub:      hub,
		sessions: sessions,
		events:   events,
	}
}

func (r *Router) Register(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Get("/version", func(c *fiber.Ctx) error {
		return httpx.WithRepJSON(c, version.GetVersion())
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/worker", ws.Handle(r.hub, r.sessions))

	api := app.Group("/api/v1")
	{
		tasks := api.Group("/tasks")
		tasks.Post("/", r.createTask)
		tasks.Get("/", r.listTasks)
		tasks.Get("/:taskId", r.getTask)
		tasks.Post("/:taskId/cancel", r.cancelTask)
		tasks.Get("/:taskId/runs", r.listRuns)
		tasks.Get("/:taskId/logs", r.listLogs)
		tasks.Post("/:taskId/signals", r.sendSignal)
		tasks.Get("/:taskId/signals/pending", r.pendingSignals)

		api.Get("/signals/:signalId", r.getSignal)

		workers := api.Group("/workers")
		workers.Get("/", r.listWorkers)
		workers.Get("/:workerId", r.getWorker)

		api.Get("/dead-letters", r.listDeadLetters)

		api.Get("/stats", r.stats)

		if r.events != nil {
			api.Get("/events", r.events.Handler())
		}
	}
}

// repErr maps service errors onto the response envelope.
func repErr(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return httpx.WithRepErr(c, httpx.NotFound.Code, err.Error(), c.Path())
	case errors.Is(err, repo.ErrInvalidState), errors.Is(err, repo.ErrDuplicateIdempotencyKey):
		return httpx.WithRepErr(c, httpx.Conflict.Code, err.Error(), c.Path())
	case errors.Is(err, service.ErrInvalidArgument):
		return httpx.WithRepErr(c, httpx.BadRequest.Code, err.Error(), c.Path())
	default:
		return httpx.WithRepErr(c, httpx.InternalError.Code, err.Error(), c.Path())
	}
}
