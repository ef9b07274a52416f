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

import (
	"math/rand"
	"time"

	"github.com/valka-io/valka/pkg/retry"
)

// Backoff computes the delay before a failed task becomes PENDING
// again. The scheduler shares it for lease-expired failures.
type Backoff struct {
	strategy  retry.Backoff
	jitterPct float64
}

func NewBackoff(base, max time.Duration, jitterPct float64) *Backoff {
	return &Backoff{
		strategy:  retry.Exponential(base, max),
		jitterPct: jitterPct,
	}
}

// Delay returns the wait before retry attempt. attempt counts failures
// so far and starts at 1.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.strategy.Next(attempt - 1)
	if b.jitterPct > 0 {
		d += time.Duration(rand.Float64() * b.jitterPct * float64(d))
	}
	return d
}
