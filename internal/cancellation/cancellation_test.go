package cancellation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool-assignment/internal/models"
	"github.com/example/carpool-assignment/internal/storage"
)

type redistributeCall struct {
	eventID int64
	ids     []int64
}

type fakeMatcher struct {
	calls []redistributeCall
	err   error
}

func (f *fakeMatcher) Redistribute(_ context.Context, eventID int64, rides []models.Ride) error {
	c := redistributeCall{eventID: eventID}
	for _, r := range rides {
		c.ids = append(c.ids, r.ID)
	}
	f.calls = append(f.calls, c)
	return f.err
}

type cancelled struct {
	ride       models.Ride
	passengers []int64
}

type fakeNotifier struct{ sent []cancelled }

func (n *fakeNotifier) NotifyRideCancelled(_ context.Context, ride models.Ride, passengers []models.Ride) {
	c := cancelled{ride: ride}
	for _, p := range passengers {
		c.passengers = append(c.passengers, p.ID)
	}
	n.sent = append(n.sent, c)
}

type fakeIndex struct{ removed []int64 }

func (f *fakeIndex) Remove(_ context.Context, _ int64, rideID int64) error {
	f.removed = append(f.removed, rideID)
	return nil
}

type fixture struct {
	store    *storage.MemoryStore
	matcher  *fakeMatcher
	notifier *fakeNotifier
	index    *fakeIndex
	coord    *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storage.NewMemoryStore()
	s.PutVehicle(models.Vehicle{ID: 100, UserID: 1, MaxPassengers: 2})
	s.PutVehicle(models.Vehicle{ID: 200, UserID: 5, MaxPassengers: 4})
	f := &fixture{store: s, matcher: &fakeMatcher{}, notifier: &fakeNotifier{}, index: &fakeIndex{}}
	f.coord = NewCoordinator(s, f.matcher, f.notifier, f.index, nil)
	return f
}

func (f *fixture) ride(t *testing.T, r models.Ride) models.Ride {
	t.Helper()
	r.EventID = 7
	created, err := f.store.CreateRide(context.Background(), r)
	require.NoError(t, err)
	return created
}

func ptr[T any](v T) *T { return &v }

func TestCancel_MissingRide(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Cancel(context.Background(), 404, Requester{UserID: 1})

	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCancel_ForbiddenForOtherUsers(t *testing.T) {
	f := newFixture(t)
	r := f.ride(t, models.Ride{UserID: 2})

	_, err := f.coord.Cancel(context.Background(), r.ID, Requester{UserID: 3})

	assert.ErrorIs(t, err, models.ErrForbidden)
	_, err = f.store.GetRide(context.Background(), r.ID)
	assert.NoError(t, err)
}

func TestCancel_AdminMayCancelAnyRide(t *testing.T) {
	f := newFixture(t)
	r := f.ride(t, models.Ride{UserID: 2})

	out, err := f.coord.Cancel(context.Background(), r.ID, Requester{UserID: 99, IsAdmin: true})

	require.NoError(t, err)
	assert.False(t, out.WasDriver)
	assert.Empty(t, f.matcher.calls)
}

func TestCancel_DriverDetachesAndRedistributes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.ride(t, models.Ride{UserID: 1, IsDriver: true, VehicleID: ptr(int64(100))})
	p1 := f.ride(t, models.Ride{UserID: 2, DriverRideID: &d.ID})
	p2 := f.ride(t, models.Ride{UserID: 3, DriverRideID: &d.ID})
	other := f.ride(t, models.Ride{UserID: 5, IsDriver: true, VehicleID: ptr(int64(200))})
	stranded := f.ride(t, models.Ride{UserID: 4})

	out, err := f.coord.Cancel(ctx, d.ID, Requester{UserID: 1})

	require.NoError(t, err)
	assert.True(t, out.WasDriver)
	assert.True(t, out.Redistributed)
	assert.Equal(t, []int64{p1.ID, p2.ID}, out.Detached)

	_, err = f.store.GetRide(ctx, d.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	rides, err := f.store.ListRidesByEvent(ctx, 7)
	require.NoError(t, err)
	for _, r := range rides {
		if r.DriverRideID != nil {
			assert.NotEqual(t, d.ID, *r.DriverRideID)
		}
	}

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, d.ID, f.notifier.sent[0].ride.ID)
	assert.Equal(t, []int64{p1.ID, p2.ID}, f.notifier.sent[0].passengers)

	require.Len(t, f.matcher.calls, 1)
	assert.Equal(t, []int64{p1.ID, p2.ID, other.ID}, f.matcher.calls[0].ids)
	assert.NotContains(t, f.matcher.calls[0].ids, stranded.ID)
	assert.Equal(t, []int64{d.ID}, f.index.removed)
}

func TestCancel_DriverWithoutPassengersSkipsRedistribution(t *testing.T) {
	f := newFixture(t)
	d := f.ride(t, models.Ride{UserID: 1, IsDriver: true, VehicleID: ptr(int64(100))})

	out, err := f.coord.Cancel(context.Background(), d.ID, Requester{UserID: 1})

	require.NoError(t, err)
	assert.False(t, out.Redistributed)
	assert.Empty(t, f.matcher.calls)
	assert.Len(t, f.notifier.sent, 1)
}

func TestCancel_PassengerRedistributesDriverWithUnassigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.ride(t, models.Ride{UserID: 1, IsDriver: true, VehicleID: ptr(int64(100))})
	p := f.ride(t, models.Ride{UserID: 2, DriverRideID: &d.ID})
	kept := f.ride(t, models.Ride{UserID: 3, DriverRideID: &d.ID})
	stranded := f.ride(t, models.Ride{UserID: 4})

	out, err := f.coord.Cancel(ctx, p.ID, Requester{UserID: 2})

	require.NoError(t, err)
	assert.True(t, out.Redistributed)
	_, err = f.store.GetRide(ctx, p.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.Len(t, f.matcher.calls, 1)
	assert.Equal(t, []int64{d.ID, stranded.ID}, f.matcher.calls[0].ids)
	assert.NotContains(t, f.matcher.calls[0].ids, kept.ID)
	assert.Empty(t, f.notifier.sent)
}

func TestCancel_UnassignedPassengerNeedsNoRedistribution(t *testing.T) {
	f := newFixture(t)
	p := f.ride(t, models.Ride{UserID: 2})

	_, err := f.coord.Cancel(context.Background(), p.ID, Requester{UserID: 2})

	require.NoError(t, err)
	assert.Empty(t, f.matcher.calls)
}

func TestCancel_RedistributionFailureStillSucceeds(t *testing.T) {
	f := newFixture(t)
	f.matcher.err = models.ErrTransport
	d := f.ride(t, models.Ride{UserID: 1, IsDriver: true, VehicleID: ptr(int64(100))})
	p := f.ride(t, models.Ride{UserID: 2, DriverRideID: &d.ID})

	out, err := f.coord.Cancel(context.Background(), p.ID, Requester{UserID: 2})

	require.NoError(t, err)
	assert.False(t, out.Redistributed)
	require.Len(t, f.matcher.calls, 1)
}
