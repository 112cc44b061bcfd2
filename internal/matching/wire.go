package matching

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/example/carpool-assignment/internal/models"
	"github.com/example/carpool-assignment/internal/ridegraph"
)

// localLayout is the engine's date-time format: ISO-8601 without zone.
const localLayout = "2006-01-02T15:04:05"

// Timestamp marshals as a zone-less ISO-8601 local date-time and accepts
// either that form (optionally with fractional seconds) or RFC 3339.
type Timestamp struct{ time.Time }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.Format(localLayout) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := strings.Trim(string(b), `"`)
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// ParseTimestamp parses the engine's start-time strings.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("matching: bad startDateTime %q: %w", s, err)
	}
	return t, nil
}

type UserSummary struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Address   string `json:"address,omitempty"`
	City      string `json:"city,omitempty"`
	Smoking   *bool  `json:"smoking,omitempty"`
	Talkative *bool  `json:"talkative,omitempty"`
}

type EventSummary struct {
	ID            int64     `json:"id"`
	Address       string    `json:"address,omitempty"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	StartDateTime Timestamp `json:"startDateTime"`
}

type VehicleSummary struct {
	ID            int64 `json:"id"`
	MaxPassengers int   `json:"maxPassengers"`
}

// RideSummary is one element of the request array. Graph links are flattened
// to ids so the payload stays acyclic.
type RideSummary struct {
	ID              int64           `json:"id"`
	VehicleID       *int64          `json:"vehicleId"`
	DriverID        *int64          `json:"driverId"`
	IsDriver        bool            `json:"isDriver"`
	CanBeDriver     bool            `json:"canBeDriver"`
	PickupLat       *float64        `json:"pickupLat"`
	PickupLong      *float64        `json:"pickupLong"`
	PickupRadius    *float64        `json:"pickupRadius"`
	PickupSequence  *int            `json:"pickupSequence"`
	MaxPassengers   *int            `json:"maxPassengers"`
	RegisteredCount int             `json:"registeredCount"`
	StartDateTime   *Timestamp      `json:"startDateTime"`
	Outlier         bool            `json:"outlier"`
	UserID          int64           `json:"userId"`
	EventID         int64           `json:"eventId"`
	PassengerRides  []int64         `json:"passengerRides"`
	User            *UserSummary    `json:"user,omitempty"`
	Event           *EventSummary   `json:"event,omitempty"`
	Vehicle         *VehicleSummary `json:"vehicle,omitempty"`
}

// Decision is the engine's verdict for one ride. A nil DriverID keeps the
// ride's current link; nil StartDateTime and Outlier keep the stored values.
type Decision struct {
	ID             int64      `json:"id"`
	DriverID       *int64     `json:"driverId"`
	IsDriver       bool       `json:"isDriver"`
	CanBeDriver    bool       `json:"canBeDriver"`
	PickupLat      *float64   `json:"pickupLat"`
	PickupLong     *float64   `json:"pickupLong"`
	PickupRadius   *float64   `json:"pickupRadius"`
	PickupSequence *int       `json:"pickupSequence"`
	MaxPassengers  *int       `json:"maxPassengers"`
	StartDateTime  *Timestamp `json:"startDateTime"`
	Outlier        *bool      `json:"outlier"`
}

// BuildRequest summarises rides in order. The graph supplies passenger ids
// and counts and should cover the whole event, not just the batch.
func BuildRequest(ev *models.Event, rides []models.Ride, g *ridegraph.Graph) []RideSummary {
	if g == nil {
		g = ridegraph.New(rides)
	}
	var evs *EventSummary
	if ev != nil {
		evs = &EventSummary{
			ID:            ev.ID,
			Address:       ev.Address,
			Latitude:      ev.Latitude,
			Longitude:     ev.Longitude,
			StartDateTime: Timestamp{ev.StartDateTime},
		}
	}

	out := make([]RideSummary, 0, len(rides))
	for _, r := range rides {
		s := RideSummary{
			ID:              r.ID,
			VehicleID:       r.VehicleID,
			DriverID:        r.DriverRideID,
			IsDriver:        r.IsDriver,
			CanBeDriver:     r.CanBeDriver,
			PickupLat:       r.PickupLat,
			PickupLong:      r.PickupLong,
			PickupRadius:    r.PickupRadius,
			PickupSequence:  r.PickupSequence,
			MaxPassengers:   r.MaxPassengers,
			RegisteredCount: g.PassengerCount(r.ID),
			Outlier:         r.Outlier,
			UserID:          r.UserID,
			EventID:         r.EventID,
			PassengerRides:  g.PassengerIDs(r.ID),
			Event:           evs,
		}
		if r.StartDateTime != nil {
			s.StartDateTime = &Timestamp{*r.StartDateTime}
		}
		if r.User != nil {
			s.User = &UserSummary{
				ID:        r.User.ID,
				FirstName: r.User.FirstName,
				LastName:  r.User.LastName,
				Address:   r.User.Address,
				City:      r.User.City,
				Smoking:   r.User.Smoking,
				Talkative: r.User.Talkative,
			}
		}
		if r.Vehicle != nil {
			s.Vehicle = &VehicleSummary{ID: r.Vehicle.ID, MaxPassengers: r.Vehicle.MaxPassengers}
			if s.MaxPassengers == nil {
				seats := r.Vehicle.MaxPassengers
				s.MaxPassengers = &seats
			}
		}
		out = append(out, s)
	}
	return out
}
