package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Address   string `json:"address"`
	City      string `json:"city"`
	Smoking   *bool  `json:"smoking,omitempty"`
	Talkative *bool  `json:"talkative,omitempty"`
}

type Vehicle struct {
	ID            int64  `json:"id"`
	UserID        int64  `json:"userId"`
	Brand         string `json:"brand"`
	Model         string `json:"model"`
	Color         string `json:"color"`
	Plate         string `json:"plate"`
	MaxPassengers int    `json:"maxPassengers"`
}

// Event is read-only inside the assignment core. RegisterDeadline is nil for
// events that never get a scheduled batch assignment.
type Event struct {
	ID               int64      `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Address          string     `json:"address"`
	Latitude         float64    `json:"latitude"`
	Longitude        float64    `json:"longitude"`
	StartDateTime    time.Time  `json:"startDateTime"`
	EndDateTime      time.Time  `json:"endDateTime"`
	RegisterDeadline *time.Time `json:"registerDeadline,omitempty"`
	IsArchived       bool       `json:"isArchived"`
}

// Ride is one user's participation in an event, either as driver or passenger.
// DriverRideID is the only stored graph edge; the reverse passenger set is
// derived by the ridegraph package. Vehicle and User are read-side snapshots
// hydrated by the store and ignored on write.
type Ride struct {
	ID        int64  `json:"id"`
	EventID   int64  `json:"eventId"`
	UserID    int64  `json:"userId"`
	VehicleID *int64 `json:"vehicleId,omitempty"`

	IsDriver    bool `json:"isDriver"`
	CanBeDriver bool `json:"canBeDriver"`
	Outlier     bool `json:"outlier"`

	PickupLat      *float64   `json:"pickupLat,omitempty"`
	PickupLong     *float64   `json:"pickupLong,omitempty"`
	PickupRadius   *float64   `json:"pickupRadius,omitempty"`
	PickupSequence *int       `json:"pickupSequence,omitempty"`
	MaxPassengers  *int       `json:"maxPassengers,omitempty"`
	StartDateTime  *time.Time `json:"startDateTime,omitempty"`

	DriverRideID *int64 `json:"driverRideId,omitempty"`

	Vehicle *Vehicle `json:"vehicle,omitempty"`
	User    *User    `json:"user,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Pickup returns the ride's pickup point when both coordinates are set.
func (r Ride) Pickup() (Coord, bool) {
	if r.PickupLat == nil || r.PickupLong == nil {
		return Coord{}, false
	}
	return Coord{Lat: *r.PickupLat, Lon: *r.PickupLong}, true
}

// Capacity is the vehicle seat count, or false when the ride has no vehicle.
func (r Ride) Capacity() (int, bool) {
	if r.Vehicle == nil {
		return 0, false
	}
	return r.Vehicle.MaxPassengers, true
}
