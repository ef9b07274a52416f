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

package main

import (
	"github.com/google/wire"

	"github.com/valka-io/valka/internal/core/bootstrap"
	"github.com/valka-io/valka/internal/core/conf"
	"github.com/valka-io/valka/internal/core/dispatcher"
	"github.com/valka-io/valka/internal/core/ingest"
	"github.com/valka-io/valka/internal/core/matching"
	"github.com/valka-io/valka/internal/core/reader"
	"github.com/valka-io/valka/internal/core/repo"
	"github.com/valka-io/valka/internal/core/router"
	"github.com/valka-io/valka/internal/core/scheduler"
	"github.com/valka-io/valka/internal/core/service"
	"github.com/valka-io/valka/internal/pkg/sse"
	"github.com/valka-io/valka/pkg/event"
	"github.com/valka-io/valka/pkg/metrics"
	"github.com/valka-io/valka/pkg/server"
	"github.com/valka-io/valka/pkg/ws"
)

// engineProviderSet builds the in-memory matching core.
var engineProviderSet = wire.NewSet(
	provideEngineMetrics,
	provideMetricsServer,
	provideEngine,
	provideBus,
)

// pipelineProviderSet builds the components that move tasks and logs.
var pipelineProviderSet = wire.NewSet(
	provideIngester,
	provideDispatcher,
	provideReader,
	provideScheduler,
)

// apiProviderSet builds the HTTP and websocket surface.
var apiProviderSet = wire.NewSet(
	provideServices,
	provideHub,
	provideEventHub,
	provideRouter,
	provideHttp,
)

func provideEngineMetrics() *metrics.EngineMetrics {
	return metrics.NewEngineMetrics()
}

func provideMetricsServer(cfg *conf.Config) *metrics.Server {
	return metrics.NewServer(cfg.Metrics)
}

func provideEngine(cfg *conf.Config, m *metrics.EngineMetrics) (*matching.Engine, error) {
	return matching.NewEngine(cfg.Matching.FanOut, cfg.Matching.Partitions, m)
}

func provideBus() *event.Bus {
	return event.NewBus()
}

func provideIngester(cfg *conf.Config, repos *repo.Repositories, m *metrics.EngineMetrics) *ingest.Ingester {
	return ingest.NewIngester(&cfg.Ingester, repos.TaskLog, m)
}

func provideDispatcher(
	cfg *conf.Config,
	nodeId string,
	repos *repo.Repositories,
	engine *matching.Engine,
	bus *event.Bus,
	ingester *ingest.Ingester,
	m *metrics.EngineMetrics,
) *dispatcher.Dispatcher {
	return dispatcher.NewDispatcher(&cfg.Dispatcher, nodeId, repos, engine, bus, ingester, m)
}

func provideReader(cfg *conf.Config, repos *repo.Repositories, engine *matching.Engine) *reader.Reader {
	return reader.NewReader(cfg.Reader, repos.Task, engine)
}

func provideScheduler(
	cfg *conf.Config,
	nodeId string,
	repos *repo.Repositories,
	engine *matching.Engine,
	bus *event.Bus,
	disp *dispatcher.Dispatcher,
	m *metrics.EngineMetrics,
) *scheduler.Scheduler {
	return scheduler.NewScheduler(&cfg.Scheduler, nodeId, repos, engine, bus, disp.Backoff(), m)
}

func provideServices(
	nodeId string,
	repos *repo.Repositories,
	engine *matching.Engine,
	disp *dispatcher.Dispatcher,
	bus *event.Bus,
	m *metrics.EngineMetrics,
) *service.Services {
	return service.NewServices(nodeId, repos, engine, disp, bus, m)
}

func provideHub() ws.Hub {
	return ws.NewHub()
}

func provideEventHub(bus *event.Bus) *sse.Hub {
	return sse.NewHub(bus)
}

func provideRouter(services *service.Services, hub ws.Hub, disp *dispatcher.Dispatcher, events *sse.Hub) *router.Router {
	return router.NewRouter(services, hub, disp, events)
}

func provideHttp(cfg *conf.Config, rt *router.Router) *server.Http {
	http := server.NewHttp(&cfg.Server)
	rt.Register(http.App())
	return http
}

func newApp(
	cfg *conf.Config,
	nodeId string,
	http *server.Http,
	metricsServer *metrics.Server,
	rdr *reader.Reader,
	disp *dispatcher.Dispatcher,
	sched *scheduler.Scheduler,
	ingester *ingest.Ingester,
) (*bootstrap.App, func(), error) {
	app := &bootstrap.App{
		Conf:       cfg,
		NodeId:     nodeId,
		Http:       http,
		Metrics:    metricsServer,
		Reader:     rdr,
		Dispatcher: disp,
		Scheduler:  sched,
		Ingester:   ingester,
	}
	return app, func() {}, nil
}
