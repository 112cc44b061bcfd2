// Package ridegraph indexes an event's rides by id and maintains the reverse
// driver -> passengers adjacency derived from each ride's DriverRideID.
//
// A Graph is a snapshot: build a new one after every mutation instead of
// patching an old one.
package ridegraph

import (
	"sort"

	"github.com/example/carpool-assignment/internal/models"
)

type Graph struct {
	rides      map[int64]models.Ride
	order      []int64
	passengers map[int64][]int64
}

// New builds the arena and reverse index. Rides keep their input order.
// Edges that point at a ride outside the snapshot are kept on the passenger
// but do not appear in any driver's passenger set.
func New(rides []models.Ride) *Graph {
	g := &Graph{
		rides:      make(map[int64]models.Ride, len(rides)),
		order:      make([]int64, 0, len(rides)),
		passengers: make(map[int64][]int64),
	}
	for _, r := range rides {
		if _, dup := g.rides[r.ID]; !dup {
			g.order = append(g.order, r.ID)
		}
		g.rides[r.ID] = r
	}
	for _, id := range g.order {
		r := g.rides[id]
		if r.DriverRideID == nil || *r.DriverRideID == r.ID {
			continue
		}
		if _, ok := g.rides[*r.DriverRideID]; !ok {
			continue
		}
		g.passengers[*r.DriverRideID] = append(g.passengers[*r.DriverRideID], r.ID)
	}
	for _, ids := range g.passengers {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return g
}

func (g *Graph) Ride(id int64) (models.Ride, bool) {
	r, ok := g.rides[id]
	return r, ok
}

func (g *Graph) Rides() []models.Ride {
	out := make([]models.Ride, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.rides[id])
	}
	return out
}

// PassengerIDs returns the ids of rides whose DriverRideID points at driverID.
func (g *Graph) PassengerIDs(driverID int64) []int64 {
	ids := g.passengers[driverID]
	out := make([]int64, len(ids))
	copy(out, ids)
	return out
}

func (g *Graph) Passengers(driverID int64) []models.Ride {
	ids := g.passengers[driverID]
	out := make([]models.Ride, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.rides[id])
	}
	return out
}

func (g *Graph) PassengerCount(driverID int64) int { return len(g.passengers[driverID]) }

// HasSpareCapacity reports whether a driver ride has fewer passengers than its
// vehicle seats. Rides without a vehicle never have spare capacity.
func (g *Graph) HasSpareCapacity(driverID int64) bool {
	r, ok := g.rides[driverID]
	if !ok || !r.IsDriver {
		return false
	}
	seats, ok := r.Capacity()
	if !ok {
		return false
	}
	return len(g.passengers[driverID]) < seats
}

func (g *Graph) Drivers() []models.Ride {
	return g.filter(func(r models.Ride) bool { return r.IsDriver })
}

func (g *Graph) DriversWithSpareCapacity() []models.Ride {
	return g.filter(func(r models.Ride) bool { return g.HasSpareCapacity(r.ID) })
}

// UnassignedPassengers returns passenger rides with no driver link.
func (g *Graph) UnassignedPassengers() []models.Ride {
	return g.filter(func(r models.Ride) bool { return !r.IsDriver && r.DriverRideID == nil })
}

// Dangling returns rides whose DriverRideID references a ride missing from
// the snapshot. A consistent store never produces any.
func (g *Graph) Dangling() []models.Ride {
	return g.filter(func(r models.Ride) bool {
		if r.DriverRideID == nil {
			return false
		}
		_, ok := g.rides[*r.DriverRideID]
		return !ok
	})
}

func (g *Graph) filter(keep func(models.Ride) bool) []models.Ride {
	var out []models.Ride
	for _, id := range g.order {
		if r := g.rides[id]; keep(r) {
			out = append(out, r)
		}
	}
	return out
}
