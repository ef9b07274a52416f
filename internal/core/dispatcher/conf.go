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

package dispatcher

import "time"

const (
	defaultHelloTimeout      = 5 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultLeaseDuration     = 120 * time.Second
	defaultDrainTimeout      = 30 * time.Second
	defaultSendBuffer        = 256

	defaultBackoffBase      = time.Second
	defaultBackoffMax       = time.Hour
	defaultBackoffJitterPct = 0.1
)

// Conf configures worker sessions.
type Conf struct {
	HelloTimeout      time.Duration `mapstructure:"helloTimeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	LeaseDuration     time.Duration `mapstructure:"leaseDuration"`
	DrainTimeout      time.Duration `mapstructure:"drainTimeout"`
	SendBuffer        int           `mapstructure:"sendBuffer"`

	BackoffBase      time.Duration `mapstructure:"backoffBase"`
	BackoffMax       time.Duration `mapstructure:"backoffMax"`
	BackoffJitterPct float64       `mapstructure:"backoffJitterPct"`
}

func (c *Conf) SetDefaults() {
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = defaultHelloTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaultLeaseDuration
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.BackoffJitterPct <= 0 {
		c.BackoffJitterPct = defaultBackoffJitterPct
	}
}

// WatchdogTimeout is the silence window after which a session is
// considered dead.
func (c *Conf) WatchdogTimeout() time.Duration {
	return 3 * c.HeartbeatInterval
}
