package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool-assignment/internal/models"
	"github.com/example/carpool-assignment/internal/storage"
)

func seeded(t *testing.T) *storage.MemoryStore {
	t.Helper()
	s := storage.NewMemoryStore()
	s.PutUser(models.User{ID: 1, Username: "drv"})
	s.PutUser(models.User{ID: 2, Username: "pax"})
	s.PutVehicle(models.Vehicle{ID: 7, UserID: 1, MaxPassengers: 3})
	return s
}

func TestMemoryStore_CreateRideRejectsDuplicatePair(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	_, err := s.CreateRide(ctx, models.Ride{EventID: 10, UserID: 2})
	require.NoError(t, err)

	_, err = s.CreateRide(ctx, models.Ride{EventID: 10, UserID: 2})
	assert.ErrorIs(t, err, models.ErrAlreadyRegistered)

	rides, err := s.ListRidesByEvent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rides, 1)
}

func TestMemoryStore_HydratesVehicleAndUser(t *testing.T) {
	s := seeded(t)
	vid := int64(7)

	created, err := s.CreateRide(context.Background(), models.Ride{EventID: 10, UserID: 1, IsDriver: true, VehicleID: &vid})
	require.NoError(t, err)

	require.NotNil(t, created.Vehicle)
	assert.Equal(t, 3, created.Vehicle.MaxPassengers)
	require.NotNil(t, created.User)
	assert.Equal(t, "drv", created.User.Username)
}

func TestMemoryStore_DeleteRideDetachesPassengers(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	d, err := s.CreateRide(ctx, models.Ride{EventID: 10, UserID: 1, IsDriver: true})
	require.NoError(t, err)
	p, err := s.CreateRide(ctx, models.Ride{EventID: 10, UserID: 2, DriverRideID: &d.ID})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRide(ctx, d.ID))

	_, err = s.GetRide(ctx, d.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	got, err := s.GetRide(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DriverRideID)
}

func TestMemoryStore_SaveRideMissing(t *testing.T) {
	s := seeded(t)

	err := s.SaveRide(context.Background(), models.Ride{ID: 404})

	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_ListActiveEventsSkipsArchived(t *testing.T) {
	s := seeded(t)
	s.PutEvent(models.Event{ID: 2})
	s.PutEvent(models.Event{ID: 1})
	s.PutEvent(models.Event{ID: 3, IsArchived: true})

	got, err := s.ListActiveEvents(context.Background())

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, int64(2), got[1].ID)
}
