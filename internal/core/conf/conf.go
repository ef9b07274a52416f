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

// Package conf aggregates every component configuration into one
// file-backed tree.
package conf

import (
	"github.com/valka-io/valka/internal/core/dispatcher"
	"github.com/valka-io/valka/internal/core/ingest"
	"github.com/valka-io/valka/internal/core/reader"
	"github.com/valka-io/valka/internal/core/scheduler"
	"github.com/valka-io/valka/pkg/cache"
	"github.com/valka-io/valka/pkg/conf"
	"github.com/valka-io/valka/pkg/database"
	"github.com/valka-io/valka/pkg/log"
	"github.com/valka-io/valka/pkg/metrics"
	"github.com/valka-io/valka/pkg/server"
)

const (
	defaultFanOut     = 4
	defaultPartitions = 64
)

// Matching sizes the in-memory partition tree. Partitions must be a
// power of fanOut.
type Matching struct {
	FanOut     int `mapstructure:"fanOut"`
	Partitions int `mapstructure:"partitions"`
}

func (m *Matching) SetDefaults() {
	if m.FanOut <= 0 {
		m.FanOut = defaultFanOut
	}
	if m.Partitions <= 0 {
		m.Partitions = defaultPartitions
	}
}

// Config is the root of config.toml.
type Config struct {
	Server     server.Conf           `mapstructure:"server"`
	Database   database.Database     `mapstructure:"database"`
	Redis      cache.Redis           `mapstructure:"redis"`
	Log        log.Conf              `mapstructure:"log"`
	Metrics    metrics.MetricsConfig `mapstructure:"metrics"`
	Matching   Matching              `mapstructure:"matching"`
	Reader     reader.Conf           `mapstructure:"reader"`
	Dispatcher dispatcher.Conf       `mapstructure:"dispatcher"`
	Scheduler  scheduler.Conf        `mapstructure:"scheduler"`
	Ingester   ingest.Conf           `mapstructure:"ingester"`
}

// NewConf loads the configuration tree from confDir and fills
// defaults. Component constructors default their own sections again,
// so a partial file is fine.
func NewConf(confDir string) (*Config, error) {
	cfg := &Config{}
	if _, err := conf.LoadConfigFile(confDir, cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return cfg, nil
}

func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Matching.SetDefaults()
	c.Reader.SetDefaults()
	if c.Log.Output == "" {
		c.Log = *log.SetDefaults()
	}
}
