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

// Package server hosts the fiber application that carries the REST
// API and the worker WebSocket endpoint.
package server

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/valka-io/valka/pkg/log"
)

const (
	defaultPort            = 8080
	defaultBodyLimit       = 4 * 1024 * 1024
	defaultReadTimeout     = 30 * time.Second
	defaultWriteTimeout    = 0 // streaming endpoints hold the response open
	defaultIdleTimeout     = 120 * time.Second
	defaultShutdownTimeout = 15 * time.Second
)

type Conf struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	BodyLimit       int           `mapstructure:"bodyLimit"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout     time.Duration `mapstructure:"idleTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	PProf           bool          `mapstructure:"pprof"`
	AccessLog       bool          `mapstructure:"accessLog"`
}

func (c *Conf) SetDefaults() {
	if c.Port <= 0 {
		c.Port = defaultPort
	}
	if c.BodyLimit <= 0 {
		c.BodyLimit = defaultBodyLimit
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
}

// Http owns the fiber app lifecycle.
type Http struct {
	conf *Conf
	app  *fiber.App
}

func NewHttp(conf *Conf) *Http {
	conf.SetDefaults()

	app := fiber.New(fiber.Config{
		AppName:               "valka",
		DisableStartupMessage: true,
		BodyLimit:             conf.BodyLimit,
		ReadTimeout:           conf.ReadTimeout,
		WriteTimeout:          conf.WriteTimeout,
		IdleTimeout:           conf.IdleTimeout,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
	})

	app.Use(recover.New())
	if conf.AccessLog {
		app.Use(accessLog())
	}
	if conf.PProf {
		app.Use(pprof.New())
	}

	return &Http{conf: conf, app: app}
}

func (h *Http) App() *fiber.App {
	return h.app
}

func (h *Http) Addr() string {
	return fmt.Sprintf("%s:%d", h.conf.Host, h.conf.Port)
}

// Start blocks until the listener stops.
func (h *Http) Start() error {
	log.Infow("http server starting", "addr", h.Addr())
	return h.app.Listen(h.Addr())
}

func (h *Http) Stop() error {
	return h.app.ShutdownWithTimeout(h.conf.ShutdownTimeout)
}

func accessLog() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.Infow("http request",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"durationMs", time.Since(start).Milliseconds(),
			"ip", c.IP(),
		)
		return err
	}
}
