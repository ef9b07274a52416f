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

package ws

import (
	"maps"
	"sync"
)

// DefaultHub is the default connection registry.
type DefaultHub struct {
	conns map[string]Conn
	mu    sync.RWMutex
}

// NewHub creates a new connection hub.
func NewHub() Hub {
	return &DefaultHub{
		conns: make(map[string]Conn),
	}
}

func (h *DefaultHub) Register(conn Conn) {
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	h.mu.Unlock()
}

func (h *DefaultHub) Unregister(conn Conn) {
	h.mu.Lock()
	if _, ok := h.conns[conn.ID()]; ok {
		delete(h.conns, conn.ID())
		_ = conn.Close()
	}
	h.mu.Unlock()
}

func (h *DefaultHub) GetConn(id string) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[id]
	return conn, ok
}

// GetConns returns a copy so callers cannot mutate the registry.
func (h *DefaultHub) GetConns() map[string]Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make(map[string]Conn, len(h.conns))
	maps.Copy(conns, h.conns)
	return conns
}

func (h *DefaultHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
