package ridegraph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool-assignment/internal/models"
	"github.com/example/carpool-assignment/internal/ridegraph"
)

func ptr[T any](v T) *T { return &v }

func driver(id int64, seats int) models.Ride {
	return models.Ride{ID: id, IsDriver: true, Vehicle: &models.Vehicle{ID: id * 10, MaxPassengers: seats}}
}

func passenger(id int64, driverID *int64) models.Ride {
	return models.Ride{ID: id, DriverRideID: driverID}
}

func TestGraph_PassengerIndex(t *testing.T) {
	g := ridegraph.New([]models.Ride{
		driver(1, 2),
		passenger(3, ptr[int64](1)),
		passenger(2, ptr[int64](1)),
		passenger(4, nil),
	})

	require.Len(t, g.Rides(), 4)
	assert.Equal(t, []int64{2, 3}, g.PassengerIDs(1))
	assert.Equal(t, 2, g.PassengerCount(1))
	assert.Empty(t, g.PassengerIDs(4))
}

func TestGraph_SpareCapacity(t *testing.T) {
	g := ridegraph.New([]models.Ride{
		driver(1, 1),
		driver(2, 3),
		{ID: 5, IsDriver: true}, // no vehicle
		passenger(3, ptr[int64](1)),
	})

	assert.False(t, g.HasSpareCapacity(1))
	assert.True(t, g.HasSpareCapacity(2))
	assert.False(t, g.HasSpareCapacity(5))
	assert.False(t, g.HasSpareCapacity(3), "passenger rides never have spare capacity")

	spare := g.DriversWithSpareCapacity()
	require.Len(t, spare, 1)
	assert.Equal(t, int64(2), spare[0].ID)
}

func TestGraph_UnassignedPassengersExcludesDrivers(t *testing.T) {
	g := ridegraph.New([]models.Ride{
		driver(1, 2),
		passenger(2, nil),
		passenger(3, ptr[int64](1)),
	})

	got := g.UnassignedPassengers()
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)
}

func TestGraph_DanglingEdgesAreNotIndexed(t *testing.T) {
	g := ridegraph.New([]models.Ride{
		driver(1, 2),
		passenger(2, ptr[int64](99)),
		passenger(3, ptr[int64](3)), // self reference
	})

	assert.Empty(t, g.PassengerIDs(99))
	assert.Empty(t, g.PassengerIDs(3))
	dangling := g.Dangling()
	require.Len(t, dangling, 1)
	assert.Equal(t, int64(2), dangling[0].ID)
}
