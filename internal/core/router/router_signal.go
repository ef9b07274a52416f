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
)

type sendSignalRep struct {
	Signal    *model.TaskSignal `json:"signal"`
	Delivered bool              `json:"delivered"`
}

func (r *Router) sendSignal(c *fiber.Ctx) error {
	var req model.SendSignalReq
	if err := c.BodyParser(&req); err != nil {
		return httpx.WithRepErr(c, httpx.RequestParameterParsingFailed.Code, err.Error(), c.Path())
	}
	sig, delivered, err := r.services.Signal.SendSignal(c.Params("taskId"), &req)
	if err != nil {
		return repErr(c, err)
	}
	return httpx.WithRepJSON(c, sendSignalRep{Signal: sig, Delivered: delivered})
}

func (r *Router) pendingSignals(c *fiber.Ctx) error {
	signals, err := r.services.Signal.PendingSignals(c.Params("taskId"))
	if err != nil {
		return repErr(c, err)
	}
	return httpx.WithRepJSON(c, signals)
}

func (r *Router) getSignal(c *fiber.Ctx) error {
	sig, err := r.services.Signal.GetSignal(c.Params("signalId"))
	if err != nil {
		return repErr(c, err)
	}
	return httpx.WithRepJSON(c, sig)
}
