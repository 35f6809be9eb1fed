package connectivity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_PublishesOnlyOnEdges(t *testing.T) {
	m := NewMonitor(false)
	events, cancel := m.Subscribe()
	defer cancel()

	m.Set(false)
	m.Set(true)
	m.Set(true)
	m.Set(false)

	require.Len(t, events, 2)
	assert.Equal(t, BecameOnline, <-events)
	assert.Equal(t, BecameOffline, <-events)
	assert.False(t, m.IsOnline())
}

func TestMonitor_SlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewMonitor(false)
	events, cancel := m.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer*3; i++ {
		m.Set(i%2 == 0)
	}
	assert.Len(t, events, subscriberBuffer)
}

func TestMonitor_CancelClosesChannel(t *testing.T) {
	m := NewMonitor(true)
	events, cancel := m.Subscribe()
	cancel()
	cancel()

	_, ok := <-events
	assert.False(t, ok)

	m.Set(false)
	assert.False(t, m.IsOnline())
}

func TestMonitor_Close(t *testing.T) {
	m := NewMonitor(true)
	a, cancelA := m.Subscribe()
	b, _ := m.Subscribe()

	m.Close()
	_, okA := <-a
	_, okB := <-b
	assert.False(t, okA)
	assert.False(t, okB)
	cancelA()

	late, _ := m.Subscribe()
	_, ok := <-late
	assert.False(t, ok)

	m.Set(false)
	assert.True(t, m.IsOnline(), "closed monitor ignores updates")
}

func TestEvent_String(t *testing.T) {
	assert.Equal(t, "online", BecameOnline.String())
	assert.Equal(t, "offline", BecameOffline.String())
	assert.Equal(t, "unknown", Event(0).String())
}
