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

import "context"

// Conn represents a single WebSocket connection.
type Conn interface {
	// ID returns the connection's unique identifier
	ID() string

	// ReadMessage reads one message
	ReadMessage() (messageType int, p []byte, err error)

	// WriteMessage writes one message
	WriteMessage(messageType int, data []byte) error

	// Close closes the connection
	Close() error

	// RemoteAddr returns the remote address
	RemoteAddr() string

	// Context returns the connection context
	Context() context.Context

	// SetContext replaces the connection context
	SetContext(ctx context.Context)
}

// Hub tracks live connections by id.
type Hub interface {
	// Register adds a new connection
	Register(conn Conn)

	// Unregister removes a connection and closes it
	Unregister(conn Conn)

	// GetConn returns the connection with the given id
	GetConn(id string) (Conn, bool)

	// GetConns returns a snapshot of all connections
	GetConns() map[string]Conn

	// Count returns the number of live connections
	Count() int
}

// Handler receives connection lifecycle events.
type Handler interface {
	// OnConnect is called when a connection is established
	OnConnect(conn Conn) error

	// OnMessage is called for every received message
	OnMessage(conn Conn, messageType int, data []byte) error

	// OnDisconnect is called when the connection goes away
	OnDisconnect(conn Conn, err error)

	// OnError is called when message handling fails
	OnError(conn Conn, err error)
}

// WebSocket message type constants.
const (
	TextMessage   = 1
	BinaryMessage = 2
	CloseMessage  = 8
	PingMessage   = 9
	PongMessage   = 10
)
