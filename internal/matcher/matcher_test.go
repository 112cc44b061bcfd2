package matcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool-assignment/internal/logging"
	"github.com/example/carpool-assignment/internal/matching"
	"github.com/example/carpool-assignment/internal/models"
	"github.com/example/carpool-assignment/internal/storage"
)

type fakeEngine struct {
	mu     sync.Mutex
	calls  int
	seen   [][]matching.RideSummary
	assign func(rides []matching.RideSummary) ([]matching.Decision, error)
}

func (f *fakeEngine) Assign(_ context.Context, rides []matching.RideSummary) ([]matching.Decision, error) {
	f.mu.Lock()
	f.calls++
	f.seen = append(f.seen, rides)
	f.mu.Unlock()
	return f.assign(rides)
}

type fakeNotifier struct {
	mu         sync.Mutex
	drivers    []int64
	passengers []int64
}

func (n *fakeNotifier) NotifyDriverAssigned(_ context.Context, id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drivers = append(n.drivers, id)
}

func (n *fakeNotifier) NotifyPassengersAssigned(_ context.Context, id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.passengers = append(n.passengers, id)
}

type fakeIndex struct {
	upserts map[int64]models.Coord
	removed []int64
}

func (f *fakeIndex) Upsert(_ context.Context, _ int64, rideID int64, at models.Coord) error {
	if f.upserts == nil {
		f.upserts = map[int64]models.Coord{}
	}
	f.upserts[rideID] = at
	return nil
}

func (f *fakeIndex) Remove(_ context.Context, _ int64, rideID int64) error {
	f.removed = append(f.removed, rideID)
	return nil
}

// failingSave wraps a store and fails SaveRide for one ride id.
type failingSave struct {
	*storage.MemoryStore
	rideID int64
}

func (f failingSave) SaveRide(ctx context.Context, r models.Ride) error {
	if r.ID == f.rideID {
		return errors.New("disk full")
	}
	return f.MemoryStore.SaveRide(ctx, r)
}

const eventID = 10

type fixture struct {
	store    *storage.MemoryStore
	engine   *fakeEngine
	notifier *fakeNotifier
	index    *fakeIndex
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storage.NewMemoryStore()
	s.PutEvent(models.Event{ID: eventID, Title: "Offsite", StartDateTime: time.Now().Add(72 * time.Hour)})
	for i := int64(1); i <= 5; i++ {
		s.PutUser(models.User{ID: i, Username: fmt.Sprintf("user%d", i)})
	}
	s.PutVehicle(models.Vehicle{ID: 100, UserID: 1, MaxPassengers: 2})
	s.PutVehicle(models.Vehicle{ID: 200, UserID: 4, MaxPassengers: 3})

	f := &fixture{
		store:    s,
		engine:   &fakeEngine{},
		notifier: &fakeNotifier{},
		index:    &fakeIndex{},
	}
	f.svc = &Service{Store: s, Engine: f.engine, Notifier: f.notifier, Drivers: f.index}
	return f
}

func (f *fixture) ride(t *testing.T, r models.Ride) models.Ride {
	t.Helper()
	r.EventID = eventID
	created, err := f.store.CreateRide(context.Background(), r)
	require.NoError(t, err)
	return created
}

func ptr[T any](v T) *T { return &v }

func TestAssignForEvent_EmptyEventSkipsEngine(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.AssignForEvent(context.Background(), eventID)

	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
	assert.Zero(t, f.engine.calls)
}

func TestAssignForEvent_AppliesDecisionsAndNotifies(t *testing.T) {
	f := newFixture(t)
	d := f.ride(t, models.Ride{UserID: 1, IsDriver: true, VehicleID: ptr(int64(100))})
	p1 := f.ride(t, models.Ride{UserID: 2})
	p2 := f.ride(t, models.Ride{UserID: 3})

	f.engine.assign = func(rides []matching.RideSummary) ([]matching.Decision, error) {
		return []matching.Decision{
			{ID: d.ID, IsDriver: true, PickupLat: ptr(50.1), PickupLong: ptr(4.3),
				StartDateTime: &matching.Timestamp{Time: time.Date(2025, 1, 1, 9, 0, 0, 0, time.Local)}},
			{ID: p1.ID, DriverID: &d.ID, PickupSequence: ptr(1), Outlier: ptr(false)},
			{ID: p2.ID, DriverID: &d.ID, PickupSequence: ptr(2), Outlier: ptr(true)},
		}, nil
	}

	got, err := f.svc.AssignForEvent(context.Background(), eventID)

	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 1, f.engine.calls)
	require.Len(t, f.engine.seen[0], 3)
	assert.Equal(t, 2, *f.engine.seen[0][0].MaxPassengers)

	stored, err := f.store.GetRide(context.Background(), p2.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.DriverRideID)
	assert.Equal(t, d.ID, *stored.DriverRideID)
	assert.Equal(t, 2, *stored.PickupSequence)
	assert.True(t, stored.Outlier)

	drv, err := f.store.GetRide(context.Background(), d.ID)
	require.NoError(t, err)
	require.NotNil(t, drv.StartDateTime)
	assert.Equal(t, 9, drv.StartDateTime.Hour())

	assert.Equal(t, []int64{d.ID}, f.notifier.drivers)
	assert.Equal(t, []int64{d.ID}, f.notifier.passengers)
	assert.Equal(t, models.Coord{Lat: 50.1, Lon: 4.3}, f.index.upserts[d.ID])
}

func TestAssignForEvent_SkipsUnknownDriverAndRide(t *testing.T) {
	f := newFixture(t)
	d := f.ride(t, models.Ride{UserID: 1, IsDriver: true, VehicleID: ptr(int64(100))})
	p1 := f.ride(t, models.Ride{UserID: 2})
	p2 := f.ride(t, models.Ride{UserID: 3})

	f.engine.assign = func([]matching.RideSummary) ([]matching.Decision, error) {
		return []matching.Decision{
			{ID: p1.ID, DriverID: ptr(int64(999))},
			{ID: p2.ID, DriverID: &p2.ID},
			{ID: 4242, DriverID: &d.ID},
			{ID: d.ID, IsDriver: true, PickupSequence: ptr(0)},
		}, nil
	}

	_, err := f.svc.AssignForEvent(context.Background(), eventID)
	require.NoError(t, err)

	for _, id := range []int64{p1.ID, p2.ID} {
		r, err := f.store.GetRide(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, r.DriverRideID, "ride %d", id)
	}
	drv, err := f.store.GetRide(context.Background(), d.ID)
	require.NoError(t, err)
	require.NotNil(t, drv.PickupSequence)
}

func TestAssignForEvent_SkipsLinkToPassengerRide(t *testing.T) {
	f := newFixture(t)
	p1 := f.ride(t, models.Ride{UserID: 2})
	p2 := f.ride(t, models.Ride{UserID: 3})

	f.engine.assign = func([]matching.RideSummary) ([]matching.Decision, error) {
		return []matching.Decision{{ID: p1.ID, DriverID: &p2.ID, PickupSequence: ptr(1)}}, nil
	}

	_, err := f.svc.AssignForEvent(context.Background(), eventID)
	require.NoError(t, err)

	r, err := f.store.GetRide(context.Background(), p1.ID)
	require.NoError(t, err)
	assert.Nil(t, r.DriverRideID)
	assert.Nil(t, r.PickupSequence)
	assert.Empty(t, f.notifier.drivers)
}

func TestAssignForEvent_AcceptsDriverPromotedInSameResponse(t *testing.T) {
	f := newFixture(t)
	d := f.ride(t, models.Ride{UserID: 4, CanBeDriver: true, VehicleID: ptr(int64(200))})
	p := f.ride(t, models.Ride{UserID: 2})

	f.engine.assign = func([]matching.RideSummary) ([]matching.Decision, error) {
		return []matching.Decision{
			{ID: p.ID, DriverID: &d.ID, PickupSequence: ptr(1)},
			{ID: d.ID, IsDriver: true, CanBeDriver: true},
		}, nil
	}

	_, err := f.svc.AssignForEvent(context.Background(), eventID)
	require.NoError(t, err)

	r, err := f.store.GetRide(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, r.DriverRideID)
	assert.Equal(t, d.ID, *r.DriverRideID)
	assert.Equal(t, []int64{d.ID}, f.notifier.drivers)
}

func TestAssignForEvent_DemotedDriverReleasesPassengers(t *testing.T) {
	f := newFixture(t)
	d1 := f.ride(t, models.Ride{UserID: 1, IsDriver: true, VehicleID: ptr(int64(100))})
	d2 := f.ride(t, models.Ride{UserID: 4, IsDriver: true, VehicleID: ptr(int64(200))})
	p1 := f.ride(t, models.Ride{UserID: 2, DriverRideID: &d1.ID, PickupSequence: ptr(1)})
	p2 := f.ride(t, models.Ride{UserID: 3, DriverRideID: &d1.ID, PickupSequence: ptr(2)})

	f.engine.assign = func([]matching.RideSummary) ([]matching.Decision, error) {
		return []matching.Decision{
			{ID: d1.ID, DriverID: &d2.ID, PickupSequence: ptr(1)},
			{ID: p2.ID, DriverID: &d2.ID, PickupSequence: ptr(2)},
		}, nil
	}

	got, err := f.svc.AssignForEvent(context.Background(), eventID)
	require.NoError(t, err)
	require.Len(t, got, 4)

	demoted, err := f.store.GetRide(context.Background(), d1.ID)
	require.NoError(t, err)
	assert.False(t, demoted.IsDriver)
	require.NotNil(t, demoted.DriverRideID)
	assert.Equal(t, d2.ID, *demoted.DriverRideID)

	released, err := f.store.GetRide(context.Background(), p1.ID)
	require.NoError(t, err)
	assert.Nil(t, released.DriverRideID)
	assert.Nil(t, released.PickupSequence)

	moved, err := f.store.GetRide(context.Background(), p2.ID)
	require.NoError(t, err)
	require.NotNil(t, moved.DriverRideID)
	assert.Equal(t, d2.ID, *moved.DriverRideID)

	assert.Equal(t, []int64{d2.ID}, f.notifier.drivers)
	assert.Contains(t, f.index.removed, d1.ID)
}

func TestAssignForEvent_LogsLinksOutsideEvent(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	f.svc.Logger = logging.NewLogger("warn", &buf)
	f.ride(t, models.Ride{UserID: 2, DriverRideID: ptr(int64(999))})

	f.engine.assign = func([]matching.RideSummary) ([]matching.Decision, error) { return nil, nil }

	_, err := f.svc.AssignForEvent(context.Background(), eventID)
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "ride links to a driver outside the event")
	assert.Contains(t, buf.String(), `"driver_id":999`)
}

func TestAssignForEvent_EngineErrorIsFatalAndWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.ride(t, models.Ride{UserID: 1, IsDriver: true, VehicleID: ptr(int64(100))})
	p := f.ride(t, models.Ride{UserID: 2})

	f.engine.assign = func([]matching.RideSummary) ([]matching.Decision, error) {
		return nil, fmt.Errorf("boom: %w", models.ErrAssignmentEngine)
	}

	got, err := f.svc.AssignForEvent(context.Background(), eventID)

	assert.ErrorIs(t, err, models.ErrAssignmentEngine)
	assert.Nil(t, got)
	r, _ := f.store.GetRide(context.Background(), p.ID)
	assert.Nil(t, r.DriverRideID)
	assert.Empty(t, f.notifier.drivers)
}

func TestAssignForEvent_PersistErrorIsBestEffort(t *testing.T) {
	f := newFixture(t)
	d := f.ride(t, models.Ride{UserID: 1, IsDriver: true, VehicleID: ptr(int64(100))})
	p1 := f.ride(t, models.Ride{UserID: 2})
	p2 := f.ride(t, models.Ride{UserID: 3})
	f.svc.Store = failingSave{MemoryStore: f.store, rideID: p1.ID}

	f.engine.assign = func([]matching.RideSummary) ([]matching.Decision, error) {
		return []matching.Decision{
			{ID: p1.ID, DriverID: &d.ID},
			{ID: p2.ID, DriverID: &d.ID},
		}, nil
	}

	got, err := f.svc.AssignForEvent(context.Background(), eventID)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.Len(t, got, 3)
	r, _ := f.store.GetRide(context.Background(), p2.ID)
	require.NotNil(t, r.DriverRideID)
	assert.Equal(t, []int64{d.ID}, f.notifier.passengers)
}

func TestAssignLate_SendsCandidatesAndRide(t *testing.T) {
	f := newFixture(t)
	d1 := f.ride(t, models.Ride{UserID: 1, IsDriver: true, VehicleID: ptr(int64(100))})
	f.ride(t, models.Ride{UserID: 4, IsDriver: true, VehicleID: ptr(int64(200))})
	p := f.ride(t, models.Ride{UserID: 2})

	f.engine.assign = func(rides []matching.RideSummary) ([]matching.Decision, error) {
		return []matching.Decision{{ID: p.ID, DriverID: &d1.ID, PickupSequence: ptr(1)}}, nil
	}

	f.svc.AssignLate(context.Background(), p, []models.Ride{d1})

	require.Equal(t, 1, f.engine.calls)
	ids := []int64{}
	for _, s := range f.engine.seen[0] {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []int64{d1.ID, p.ID}, ids)

	r, _ := f.store.GetRide(context.Background(), p.ID)
	require.NotNil(t, r.DriverRideID)
	assert.Equal(t, d1.ID, *r.DriverRideID)
	assert.Empty(t, f.notifier.drivers)
}

func TestAssignLate_SwallowsTransportError(t *testing.T) {
	f := newFixture(t)
	d := f.ride(t, models.Ride{UserID: 1, IsDriver: true, VehicleID: ptr(int64(100))})
	p := f.ride(t, models.Ride{UserID: 2})

	f.engine.assign = func([]matching.RideSummary) ([]matching.Decision, error) {
		return nil, models.ErrTransport
	}

	assert.NotPanics(t, func() { f.svc.AssignLate(context.Background(), p, []models.Ride{d}) })
	r, _ := f.store.GetRide(context.Background(), p.ID)
	assert.Nil(t, r.DriverRideID)
}

func TestRedistribute_NotifiesDriversThatGainedPassengers(t *testing.T) {
	f := newFixture(t)
	d1 := f.ride(t, models.Ride{UserID: 1, IsDriver: true, VehicleID: ptr(int64(100))})
	d2 := f.ride(t, models.Ride{UserID: 4, IsDriver: true, VehicleID: ptr(int64(200))})
	p := f.ride(t, models.Ride{UserID: 2})

	f.engine.assign = func([]matching.RideSummary) ([]matching.Decision, error) {
		return []matching.Decision{{ID: p.ID, DriverID: &d2.ID}}, nil
	}

	err := f.svc.Redistribute(context.Background(), eventID, []models.Ride{p, d1, d2})

	require.NoError(t, err)
	assert.Equal(t, []int64{d2.ID}, f.notifier.drivers)
	assert.Equal(t, []int64{d2.ID}, f.notifier.passengers)
}

func TestRedistribute_EmptySetIsNoop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.Redistribute(context.Background(), eventID, nil))
	assert.Zero(t, f.engine.calls)
}
