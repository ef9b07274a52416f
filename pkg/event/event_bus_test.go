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

package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishN(bus *Bus, n int) {
	for i := 0; i < n; i++ {
		bus.Publish(New(KindTaskCreated, "node-1", &StateChange{TaskId: string(rune('a' + i))}))
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("a", 8)
	b := bus.Subscribe("b", 8)

	ev := New(KindTaskCreated, "node-1", &StateChange{TaskId: "t1"})
	bus.Publish(ev)

	got := <-a.Events()
	assert.Equal(t, KindTaskCreated, got.Kind)
	assert.Equal(t, "node-1", got.NodeID)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, ev.ID, got.ID)

	got = <-b.Events()
	assert.Equal(t, ev.ID, got.ID)
}

func TestBus_DropsOldestWhenFull(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("slow", 2)

	publishN(bus, 4)

	assert.EqualValues(t, 2, sub.Dropped())

	// The two newest events survive.
	first := <-sub.Events()
	second := <-sub.Events()
	assert.Equal(t, "c", first.Payload.(*StateChange).TaskId)
	assert.Equal(t, "d", second.Payload.(*StateChange).TaskId)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected extra event %v", ev)
	default:
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("nobody-reads", 1)

	done := make(chan struct{})
	go func() {
		publishN(bus, 100)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestSubscription_Close(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("s", 4)
	assert.Equal(t, "s", sub.Name())

	sub.Close()
	sub.Close() // idempotent

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Publishing after close must not panic or deliver.
	bus.Publish(New(KindTaskCreated, "node-1", nil))
}

func TestBus_ClosedSubscriberDetached(t *testing.T) {
	bus := NewBus()
	closed := bus.Subscribe("gone", 4)
	live := bus.Subscribe("live", 4)
	closed.Close()

	publishN(bus, 3)

	require.Len(t, live.Events(), 3)
	assert.EqualValues(t, 0, live.Dropped())
}
