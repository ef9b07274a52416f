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

// Package bootstrap assembles a server node: config, logging, stores,
// the matching engine and its feeders, the API surface, and a
// graceful teardown that drains workers before the process exits.
package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/valka-io/valka/internal/core/conf"
	"github.com/valka-io/valka/internal/core/dispatcher"
	"github.com/valka-io/valka/internal/core/ingest"
	"github.com/valka-io/valka/internal/core/reader"
	"github.com/valka-io/valka/internal/core/repo"
	"github.com/valka-io/valka/internal/core/scheduler"
	"github.com/valka-io/valka/pkg/cache"
	"github.com/valka-io/valka/pkg/database"
	"github.com/valka-io/valka/pkg/id"
	"github.com/valka-io/valka/pkg/log"
	"github.com/valka-io/valka/pkg/metrics"
	"github.com/valka-io/valka/pkg/safe"
	"github.com/valka-io/valka/pkg/server"
	"github.com/valka-io/valka/pkg/shutdown"
)

// App holds every long-lived component of one node.
type App struct {
	Conf       *conf.Config
	NodeId     string
	Http       *server.Http
	Metrics    *metrics.Server
	Reader     *reader.Reader
	Dispatcher *dispatcher.Dispatcher
	Scheduler  *scheduler.Scheduler
	Ingester   *ingest.Ingester
}

// InitAppFunc builds the App graph from the shared infrastructure.
// The concrete implementation is generated by wire in cmd/valka.
type InitAppFunc func(cfg *conf.Config, nodeId string, repos *repo.Repositories) (*App, func(), error)

// NodeId derives a cluster-unique identity for this process.
func NodeId() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "valka"
	}
	return host + "-" + id.XID()
}

// Bootstrap loads config, brings up logging and the stores, then
// hands off to initApp for the component graph.
func Bootstrap(confDir string, initApp InitAppFunc) (*App, func(), error) {
	cfg, err := conf.NewConf(confDir)
	if err != nil {
		return nil, nil, err
	}
	if err := log.Init(&cfg.Log); err != nil {
		return nil, nil, errors.Wrap(err, "init logging")
	}

	dbClient, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect database")
	}
	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect redis")
	}

	db := database.NewGormDB(dbClient)
	redisCache := cache.NewRedisCache(redisClient)
	repos := repo.NewRepositories(db, redisCache)

	nodeId := NodeId()
	log.Infow("node starting", "nodeId", nodeId)

	app, cleanup, err := initApp(cfg, nodeId, repos)
	if err != nil {
		return nil, nil, err
	}
	return app, cleanup, nil
}

// Run starts every component and blocks until a termination signal,
// then tears them down in dependency order.
func (app *App) Run(cleanup func()) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := shutdown.NewManager()

	if app.Metrics != nil && app.Conf.Metrics.Enable {
		if err := app.Metrics.Start(); err != nil {
			return errors.Wrap(err, "start metrics server")
		}
		mgr.Register(func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), app.Conf.Server.ShutdownTimeout)
			defer stopCancel()
			_ = app.Metrics.Stop(stopCtx)
		})
	}

	app.Ingester.Start()
	mgr.Register(app.Ingester.Stop)

	app.Reader.Start(ctx)
	mgr.Register(app.Reader.Stop)

	if err := app.Scheduler.Start(ctx); err != nil {
		mgr.Shutdown()
		return errors.Wrap(err, "start scheduler")
	}
	mgr.Register(app.Scheduler.Stop)

	// Hooks run in reverse order: the listener closes, then workers
	// drain so in-flight results land, then the feeders stop.
	mgr.Register(func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), app.Conf.Dispatcher.DrainTimeout)
		defer drainCancel()
		app.Dispatcher.Shutdown(drainCtx, "server shutdown")
	})

	httpErr := make(chan error, 1)
	safe.Go(func() {
		log.Infow("http listener started", "address", app.Http.Addr())
		if err := app.Http.Start(); err != nil {
			httpErr <- err
		}
	})
	mgr.Register(func() {
		if err := app.Http.Stop(); err != nil {
			log.Errorw("http shutdown", "error", err)
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	select {
	case sig := <-quit:
		log.Infow("received signal, shutting down", "signal", sig.String())
	case err := <-httpErr:
		log.Errorw("http listener failed", "error", err)
	}

	cancel()
	mgr.Shutdown()
	if cleanup != nil {
		cleanup()
	}
	log.Infow("node stopped", "nodeId", app.NodeId)
	return nil
}
