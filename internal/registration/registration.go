// Package registration turns a user's sign-up for an event into a ride and,
// for late sign-ups, places it immediately through the orchestrator.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/carpool-assignment/internal/logging"
	"github.com/example/carpool-assignment/internal/models"
	"github.com/example/carpool-assignment/internal/observability"
	"github.com/example/carpool-assignment/internal/ridegraph"
	"github.com/example/carpool-assignment/internal/storage"
)

type Status string

const (
	// StatusRegistered covers both batch-pending and late-assigned rides.
	StatusRegistered Status = "registered"
	// StatusNoAvailableDrivers means the ride was created but no driver had
	// a free seat for a late assignment.
	StatusNoAvailableDrivers Status = "no_available_drivers"
)

type Request struct {
	EventID int64 `json:"eventId"`
	UserID  int64 `json:"userId"`
	// TargetDriverRideID forces a late assignment onto that driver ride.
	TargetDriverRideID *int64   `json:"driverRideId,omitempty"`
	IsDriver           bool     `json:"isDriver"`
	CanBeDriver        bool     `json:"canBeDriver"`
	PickupLat          *float64 `json:"pickupLat,omitempty"`
	PickupLong         *float64 `json:"pickupLong,omitempty"`
	PickupRadius       *float64 `json:"pickupRadius,omitempty"`
	VehicleID          *int64   `json:"vehicleId,omitempty"`
}

type Outcome struct {
	Status Status      `json:"status"`
	Late   bool        `json:"late"`
	Ride   models.Ride `json:"ride"`
}

type Store interface {
	storage.EventStore
	storage.UserStore
	storage.VehicleStore
	storage.RideStore
}

type Assigner interface {
	AssignLate(ctx context.Context, ride models.Ride, candidates []models.Ride)
}

type Notifier interface {
	NotifyDriverAssigned(ctx context.Context, rideID int64)
	NotifyPassengersAssigned(ctx context.Context, driverRideID int64)
}

type Coordinator struct {
	store    Store
	assigner Assigner
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewCoordinator(store Store, assigner Assigner, notifier Notifier, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		assigner: assigner,
		notifier: notifier,
		logger:   logging.Component(logger, "registration"),
		now:      time.Now,
	}
}

// Register creates the ride for (event, user). Lookup and validation failures
// are returned as errors; a late sign-up that finds no free driver still
// registers and reports StatusNoAvailableDrivers.
func (c *Coordinator) Register(ctx context.Context, req Request) (Outcome, error) {
	out, err := c.register(ctx, req)
	switch {
	case err != nil:
		observability.Registrations.WithLabelValues(outcomeLabel(err)).Inc()
	default:
		observability.Registrations.WithLabelValues(string(out.Status)).Inc()
	}
	return out, err
}

func (c *Coordinator) register(ctx context.Context, req Request) (Outcome, error) {
	const op = "registration.Coordinator.Register"

	ev, err := c.store.GetEvent(ctx, req.EventID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := c.store.GetUser(ctx, req.UserID); err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	now := c.now()
	if ev.StartDateTime.Before(now) {
		return Outcome{}, fmt.Errorf("%s: event %d already started: %w", op, ev.ID, models.ErrInvalidArgument)
	}
	if err := validatePickup(req); err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	exists, err := c.store.RideExists(ctx, req.EventID, req.UserID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	if exists {
		return Outcome{}, fmt.Errorf("%s: user %d event %d: %w", op, req.UserID, req.EventID, models.ErrAlreadyRegistered)
	}

	ride := models.Ride{
		EventID:     req.EventID,
		UserID:      req.UserID,
		IsDriver:    req.IsDriver,
		CanBeDriver: req.CanBeDriver,
		PickupLat:   req.PickupLat,
		PickupLong:  req.PickupLong,
	}
	if (req.IsDriver || req.CanBeDriver) && req.VehicleID != nil {
		v, err := c.store.GetVehicle(ctx, *req.VehicleID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return Outcome{}, fmt.Errorf("%s: vehicle %d: %w", op, *req.VehicleID, models.ErrVehicleNotFound)
			}
			return Outcome{}, fmt.Errorf("%s: %w", op, err)
		}
		ride.VehicleID = &v.ID
		ride.PickupRadius = req.PickupRadius
	}

	late := req.TargetDriverRideID != nil || (ev.RegisterDeadline != nil && now.After(*ev.RegisterDeadline))

	var candidates []models.Ride
	if late {
		existing, err := c.store.ListRidesByEvent(ctx, req.EventID)
		if err != nil {
			return Outcome{}, fmt.Errorf("%s: %w", op, err)
		}
		g := ridegraph.New(existing)
		if req.TargetDriverRideID != nil {
			target, err := targetDriver(g, *req.TargetDriverRideID)
			if err != nil {
				return Outcome{}, fmt.Errorf("%s: %w", op, err)
			}
			candidates = []models.Ride{target}
		} else {
			candidates = g.DriversWithSpareCapacity()
		}
	}

	created, err := c.store.CreateRide(ctx, ride)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	out := Outcome{Status: StatusRegistered, Late: late, Ride: created}

	if late {
		if len(candidates) == 0 {
			c.logger.Info("late registration found no driver with free seats",
				"event_id", req.EventID, "ride_id", created.ID)
			out.Status = StatusNoAvailableDrivers
			return out, nil
		}
		c.assigner.AssignLate(ctx, created, candidates)
		if fresh, err := c.store.GetRide(ctx, created.ID); err == nil {
			out.Ride = fresh
		} else {
			c.logger.Warn("reloading ride after late assignment", "ride_id", created.ID, "error", err)
		}
	}

	c.notify(ctx, out.Ride)
	return out, nil
}

// notify sends the single post-registration notification.
func (c *Coordinator) notify(ctx context.Context, r models.Ride) {
	switch {
	case r.IsDriver:
		c.notifier.NotifyDriverAssigned(ctx, r.ID)
	case r.DriverRideID != nil:
		c.notifier.NotifyPassengersAssigned(ctx, *r.DriverRideID)
	}
}

// targetDriver resolves an explicitly chosen driver ride within the event.
func targetDriver(g *ridegraph.Graph, id int64) (models.Ride, error) {
	r, ok := g.Ride(id)
	if !ok || !r.IsDriver {
		return models.Ride{}, fmt.Errorf("driver ride %d: %w", id, models.ErrNotFound)
	}
	if !g.HasSpareCapacity(id) {
		return models.Ride{}, fmt.Errorf("driver ride %d has no free seat: %w", id, models.ErrCapacityExceeded)
	}
	return r, nil
}

func validatePickup(req Request) error {
	if (req.PickupLat == nil) != (req.PickupLong == nil) {
		return fmt.Errorf("pickup needs both latitude and longitude: %w", models.ErrInvalidArgument)
	}
	if req.PickupLat != nil && (*req.PickupLat < -90 || *req.PickupLat > 90) {
		return fmt.Errorf("pickup latitude %v out of range: %w", *req.PickupLat, models.ErrInvalidArgument)
	}
	if req.PickupLong != nil && (*req.PickupLong < -180 || *req.PickupLong > 180) {
		return fmt.Errorf("pickup longitude %v out of range: %w", *req.PickupLong, models.ErrInvalidArgument)
	}
	if req.PickupRadius != nil && *req.PickupRadius < 0 {
		return fmt.Errorf("pickup radius %v is negative: %w", *req.PickupRadius, models.ErrInvalidArgument)
	}
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, models.ErrAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, models.ErrCapacityExceeded):
		return "capacity_exceeded"
	default:
		return "error"
	}
}
