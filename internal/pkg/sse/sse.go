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

// Package sse streams engine events to HTTP clients. Each client gets
// its own bounded bus subscription, so a stalled browser drops its
// oldest events instead of slowing anything else down.
package sse

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"

	"github.com/valka-io/valka/pkg/event"
	"github.com/valka-io/valka/pkg/id"
	"github.com/valka-io/valka/pkg/log"
)

const (
	subscriptionCapacity = 256
	keepAliveInterval    = 15 * time.Second
)

// Hub serves the /events endpoint off the shared bus.
type Hub struct {
	bus *event.Bus
}

func NewHub(bus *event.Bus) *Hub {
	return &Hub{bus: bus}
}

// Handler streams events as text/event-stream. Two optional query
// filters: kind (prefix match, e.g. "task." or "task.created") and
// taskId.
func (h *Hub) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		kindFilter := c.Query("kind")
		taskFilter := c.Query("taskId")

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		sub := h.bus.Subscribe("sse-"+id.XID(), subscriptionCapacity)

		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			defer sub.Close()

			keepAlive := time.NewTicker(keepAliveInterval)
			defer keepAlive.Stop()

			for {
				select {
				case ev, ok := <-sub.Events():
					if !ok {
						return
					}
					if !matches(ev, kindFilter, taskFilter) {
						continue
					}
					if err := writeEvent(w, ev); err != nil {
						return
					}
				case <-keepAlive.C:
					if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
						return
					}
					if err := w.Flush(); err != nil {
						return
					}
				}
			}
		})
		return nil
	}
}

func writeEvent(w *bufio.Writer, ev event.Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		log.Warnw("failed to marshal event for sse", "kind", ev.Kind, "error", err)
		return nil
	}
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, data); err != nil {
		return err
	}
	return w.Flush()
}

func matches(ev event.Event, kindFilter, taskFilter string) bool {
	if kindFilter != "" && !strings.HasPrefix(string(ev.Kind), kindFilter) {
		return false
	}
	if taskFilter != "" && taskIdOf(ev) != taskFilter {
		return false
	}
	return true
}

func taskIdOf(ev event.Event) string {
	switch p := ev.Payload.(type) {
	case *event.StateChange:
		return p.TaskId
	case event.StateChange:
		return p.TaskId
	case *event.SignalChange:
		return p.TaskId
	case event.SignalChange:
		return p.TaskId
	default:
		return ""
	}
}
