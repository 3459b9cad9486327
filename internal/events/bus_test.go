package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("tasks")
	defer sub.Unsubscribe()

	bus.Publish(Event{Type: "task_created", Channel: "tasks", Data: map[string]interface{}{"id": "t1"}})

	select {
	case e := <-sub.C:
		assert.Equal(t, "task_created", e.Type)
		assert.Equal(t, "t1", e.Data["id"])
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	bus := NewBus()
	// must not panic or block
	bus.Publish(Event{Type: "task_updated", Channel: "tasks"})
}

func TestChannelIsolation(t *testing.T) {
	bus := NewBus()
	tasks := bus.Subscribe("tasks")
	other := bus.Subscribe("other")
	defer tasks.Unsubscribe()
	defer other.Unsubscribe()

	bus.Publish(Event{Type: "x", Channel: "tasks"})

	select {
	case <-tasks.C:
	case <-time.After(time.Second):
		t.Fatal("tasks subscriber missed event")
	}

	select {
	case <-other.C:
		t.Fatal("other channel received foreign event")
	default:
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("tasks")
	defer sub.Unsubscribe()

	// Fill past the buffer; publisher must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultDepth*3; i++ {
			bus.Publish(Event{Type: "tick", Channel: "tasks"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	assert.LessOrEqual(t, len(sub.ch), defaultDepth)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("tasks")
	sub.Unsubscribe()

	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount("tasks"))

	// second unsubscribe is a no-op
	sub.Unsubscribe()
}

func TestConcurrentPublishers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("tasks")
	defer sub.Unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(Event{Type: "tick", Channel: "tasks"})
			}
		}()
	}
	wg.Wait()

	require.NotEmpty(t, sub.ch)
}
