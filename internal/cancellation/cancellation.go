// Package cancellation removes rides and hands freed capacity back to the
// orchestrator for redistribution.
package cancellation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/carpool-assignment/internal/logging"
	"github.com/example/carpool-assignment/internal/models"
	"github.com/example/carpool-assignment/internal/observability"
	"github.com/example/carpool-assignment/internal/ridegraph"
	"github.com/example/carpool-assignment/internal/storage"
)

// Requester is the authenticated caller.
type Requester struct {
	UserID  int64
	IsAdmin bool
}

type Outcome struct {
	RideID    int64 `json:"rideId"`
	EventID   int64 `json:"eventId"`
	WasDriver bool  `json:"wasDriver"`

	// Detached lists passenger ride ids released by a driver cancellation.
	Detached []int64 `json:"detached,omitempty"`

	// Redistributed is false when a redistribution was attempted and failed
	// or when none was needed.
	Redistributed bool `json:"redistributed"`
}

type Redistributor interface {
	Redistribute(ctx context.Context, eventID int64, rides []models.Ride) error
}

type Notifier interface {
	NotifyRideCancelled(ctx context.Context, ride models.Ride, passengers []models.Ride)
}

type DriverIndex interface {
	Remove(ctx context.Context, eventID, rideID int64) error
}

type Coordinator struct {
	store    storage.RideStore
	matcher  Redistributor
	notifier Notifier
	drivers  DriverIndex
	logger   *slog.Logger
}

// NewCoordinator wires the coordinator. drivers may be nil.
func NewCoordinator(store storage.RideStore, matcher Redistributor, notifier Notifier, drivers DriverIndex, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		matcher:  matcher,
		notifier: notifier,
		drivers:  drivers,
		logger:   logging.Component(logger, "cancellation"),
	}
}

// Cancel deletes the ride if the requester owns it or is an admin. Failures
// while redistributing freed seats are logged, never returned.
func (c *Coordinator) Cancel(ctx context.Context, rideID int64, who Requester) (Outcome, error) {
	const op = "cancellation.Coordinator.Cancel"

	ride, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	if ride.UserID != who.UserID && !who.IsAdmin {
		return Outcome{}, fmt.Errorf("%s: user %d on ride %d: %w", op, who.UserID, rideID, models.ErrForbidden)
	}

	if ride.IsDriver {
		observability.Cancellations.WithLabelValues("driver").Inc()
		return c.cancelDriver(ctx, ride)
	}
	observability.Cancellations.WithLabelValues("passenger").Inc()
	return c.cancelPassenger(ctx, ride)
}

func (c *Coordinator) cancelDriver(ctx context.Context, ride models.Ride) (Outcome, error) {
	const op = "cancellation.Coordinator.cancelDriver"
	out := Outcome{RideID: ride.ID, EventID: ride.EventID, WasDriver: true}

	rides, err := c.store.ListRidesByEvent(ctx, ride.EventID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	passengers := ridegraph.New(rides).Passengers(ride.ID)

	detached := make([]models.Ride, 0, len(passengers))
	for _, p := range passengers {
		p.DriverRideID = nil
		if err := c.store.SaveRide(ctx, p); err != nil {
			return Outcome{}, fmt.Errorf("%s: detach ride %d: %w", op, p.ID, err)
		}
		detached = append(detached, p)
		out.Detached = append(out.Detached, p.ID)
	}

	c.notifier.NotifyRideCancelled(ctx, ride, detached)

	if err := c.store.DeleteRide(ctx, ride.ID); err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	c.unindex(ctx, ride)

	if len(detached) == 0 {
		return out, nil
	}

	remaining, err := c.store.ListRidesByEvent(ctx, ride.EventID)
	if err != nil {
		c.logger.Error("loading rides for redistribution", "event_id", ride.EventID, "ride_id", ride.ID, "error", err)
		return out, nil
	}
	g := ridegraph.New(remaining)
	batch := make([]models.Ride, 0, len(detached))
	for _, p := range detached {
		if cur, ok := g.Ride(p.ID); ok {
			batch = append(batch, cur)
		}
	}
	batch = append(batch, g.DriversWithSpareCapacity()...)

	out.Redistributed = c.redistribute(ctx, ride, batch)
	return out, nil
}

func (c *Coordinator) cancelPassenger(ctx context.Context, ride models.Ride) (Outcome, error) {
	const op = "cancellation.Coordinator.cancelPassenger"
	out := Outcome{RideID: ride.ID, EventID: ride.EventID}

	if err := c.store.DeleteRide(ctx, ride.ID); err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	if ride.DriverRideID == nil {
		return out, nil
	}

	remaining, err := c.store.ListRidesByEvent(ctx, ride.EventID)
	if err != nil {
		c.logger.Error("loading rides for redistribution", "event_id", ride.EventID, "ride_id", ride.ID, "error", err)
		return out, nil
	}
	g := ridegraph.New(remaining)
	driver, ok := g.Ride(*ride.DriverRideID)
	if !ok || !driver.IsDriver {
		c.logger.Warn("driver ride gone before redistribution", "event_id", ride.EventID, "driver_ride_id", *ride.DriverRideID)
		return out, nil
	}

	batch := append([]models.Ride{driver}, g.UnassignedPassengers()...)
	out.Redistributed = c.redistribute(ctx, ride, batch)
	return out, nil
}

func (c *Coordinator) redistribute(ctx context.Context, cancelled models.Ride, batch []models.Ride) bool {
	if err := c.matcher.Redistribute(ctx, cancelled.EventID, batch); err != nil {
		c.logger.Error("redistribution after cancellation failed",
			"event_id", cancelled.EventID, "ride_id", cancelled.ID, "rides", len(batch), "error", err)
		return false
	}
	return true
}

func (c *Coordinator) unindex(ctx context.Context, ride models.Ride) {
	if c.drivers == nil {
		return
	}
	if err := c.drivers.Remove(ctx, ride.EventID, ride.ID); err != nil {
		c.logger.Warn("driver index removal failed", "event_id", ride.EventID, "ride_id", ride.ID, "error", err)
	}
}
