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

package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics bundles the scheduling and dispatch gauges and counters.
// All collectors are registered against the server's private registry.
type EngineMetrics struct {
	TasksCreated    *prometheus.CounterVec
	TasksFinished   *prometheus.CounterVec
	TasksDispatched prometheus.Counter
	MatchesTotal    *prometheus.CounterVec

	WaitingWorkers prometheus.Gauge
	ActiveSessions prometheus.Gauge
	BufferedTasks  prometheus.Gauge

	DispatchLatency prometheus.Histogram
	RunDuration     prometheus.Histogram

	EventsDropped   prometheus.Counter
	LogEntriesSaved prometheus.Counter
	LeaderGauge     prometheus.Gauge
}

// NewEngineMetrics builds the collector set.
func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		TasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "valka",
			Name:      "tasks_created_total",
			Help:      "Tasks accepted by the service layer.",
		}, []string{"queue"}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "valka",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"status"}),
		TasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "valka",
			Name:      "tasks_dispatched_total",
			Help:      "Tasks handed to a worker session.",
		}),
		MatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "valka",
			Name:      "matches_total",
			Help:      "Matching engine outcomes.",
		}, []string{"path"}),
		WaitingWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "valka",
			Name:      "waiting_workers",
			Help:      "Worker capacity parked in the matching engine.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "valka",
			Name:      "active_sessions",
			Help:      "Connected worker sessions.",
		}),
		BufferedTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "valka",
			Name:      "buffered_tasks",
			Help:      "Tasks parked in partition slots awaiting a worker.",
		}),
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "valka",
			Name:      "dispatch_latency_seconds",
			Help:      "Time from task creation to assignment.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "valka",
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished run attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "valka",
			Name:      "events_dropped_total",
			Help:      "Events evicted from slow subscriber buffers.",
		}),
		LogEntriesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "valka",
			Name:      "log_entries_saved_total",
			Help:      "Task log entries flushed to the store.",
		}),
		LeaderGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "valka",
			Name:      "scheduler_leader",
			Help:      "1 when this node holds scheduler leadership.",
		}),
	}
}

// Register registers every collector on the given server.
func (m *EngineMetrics) Register(s *Server) error {
	for _, c := range []prometheus.Collector{
		m.TasksCreated, m.TasksFinished, m.TasksDispatched, m.MatchesTotal,
		m.WaitingWorkers, m.ActiveSessions, m.BufferedTasks,
		m.DispatchLatency, m.RunDuration,
		m.EventsDropped, m.LogEntriesSaved, m.LeaderGauge,
	} {
		if err := s.RegisterCollector(c); err != nil {
			return err
		}
	}
	return nil
}
