package storage

import (
	"context"

	"github.com/example/carpool-assignment/internal/models"
)

// EventStore is read-only: events are created and archived outside the
// assignment core.
type EventStore interface {
	GetEvent(ctx context.Context, id int64) (models.Event, error)
	// ListActiveEvents returns every event that is not archived.
	ListActiveEvents(ctx context.Context) ([]models.Event, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id int64) (models.User, error)
}

type VehicleStore interface {
	GetVehicle(ctx context.Context, id int64) (models.Vehicle, error)
}

// RideStore persists rides as whole rows. Lookups return models.ErrNotFound
// when the row is missing. Reads hydrate Ride.Vehicle and Ride.User.
type RideStore interface {
	GetRide(ctx context.Context, id int64) (models.Ride, error)
	ListRidesByEvent(ctx context.Context, eventID int64) ([]models.Ride, error)
	RideExists(ctx context.Context, eventID, userID int64) (bool, error)
	// CreateRide returns models.ErrAlreadyRegistered when a ride for the same
	// (event, user) pair exists.
	CreateRide(ctx context.Context, r models.Ride) (models.Ride, error)
	// SaveRide overwrites every mutable column of an existing ride.
	SaveRide(ctx context.Context, r models.Ride) error
	// DeleteRide clears driver links pointing at the ride before removing it.
	DeleteRide(ctx context.Context, id int64) error
}

type Store interface {
	EventStore
	UserStore
	VehicleStore
	RideStore
	Close() error
}
