package health

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_UpdateAndGet(t *testing.T) {
	m := NewMonitor()

	_, exists := m.Get("broker")
	assert.False(t, exists)

	m.Update("broker", NewHealthy("broker", "connected"))
	st, exists := m.Get("broker")
	require.True(t, exists)
	assert.True(t, st.IsHealthy())
	assert.Equal(t, "broker", st.Component)

	// Update overwrites and forces the component name.
	m.Update("broker", NewUnhealthy("something-else", "lost"))
	st, _ = m.Get("broker")
	assert.True(t, st.IsUnhealthy())
	assert.Equal(t, "broker", st.Component)
	assert.Equal(t, 1, m.Count())
}

func TestMonitor_AggregateHealth(t *testing.T) {
	m := NewMonitor()
	m.Update("broker", NewHealthy("broker", "connected"))
	m.Update("store", NewHealthy("store", "ok"))

	agg := m.AggregateHealth("floorlink")
	assert.True(t, agg.IsHealthy())
	assert.Len(t, agg.SubStatuses, 2)

	m.Update("store", NewUnhealthy("store", "ping failed"))
	agg = m.AggregateHealth("floorlink")
	assert.True(t, agg.IsUnhealthy())
}

func TestMonitor_Remove(t *testing.T) {
	m := NewMonitor()
	m.Update("dispatch", NewDegraded("dispatch", "throttled"))
	m.Remove("dispatch")
	assert.Equal(t, 0, m.Count())
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	m := NewMonitor()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Update("broker", NewHealthy("broker", "connected"))
		}()
		go func() {
			defer wg.Done()
			_ = m.AggregateHealth("floorlink")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, m.Count())
}
