package collab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocppfleet/simulator/internal/session"
	"github.com/ocppfleet/simulator/internal/vehicle"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore(map[string]*vehicle.Profile{
		"v1": {ID: "v1", Brand: "Acme", BatteryCapacity: 60},
	})

	s := session.New("s1", "CP-A", 1)
	require.NoError(t, store.Save(s))

	all, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "s1", all[0].ID)

	v, err := store.LoadVehicle("v1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", v.Brand)

	require.NoError(t, store.Delete("s1"))
	all, _ = store.LoadAll()
	assert.Empty(t, all)
}

func TestMemoryBusDropsOldestBeyondCapacity(t *testing.T) {
	bus := NewMemoryBus(3)
	for i := 0; i < 5; i++ {
		bus.PublishLog("s1", LogEntry{Timestamp: time.Now(), Level: "info", Message: "m"})
	}
	logs := bus.Logs("s1")
	assert.Len(t, logs, 3, "ring buffer caps at capacity, dropping oldest")
}
