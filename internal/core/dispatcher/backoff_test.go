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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DoublesWithoutJitter(t *testing.T) {
	b := NewBackoff(time.Second, time.Hour, 0)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 512 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_CapsAtMax(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 0)

	assert.Equal(t, time.Minute, b.Delay(7))  // 64s uncapped
	assert.Equal(t, time.Minute, b.Delay(30)) // far past the cap
}

func TestBackoff_ClampsAttemptToOne(t *testing.T) {
	b := NewBackoff(time.Second, time.Hour, 0)

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(-5))
}

func TestBackoff_JitterStaysInWindow(t *testing.T) {
	b := NewBackoff(time.Second, time.Hour, 0.1)

	for i := 0; i < 100; i++ {
		d := b.Delay(3)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.Less(t, d, 4*time.Second+400*time.Millisecond+time.Millisecond)
	}
}
