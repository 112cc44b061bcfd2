// Package matcher is the assignment orchestrator. It is the only component
// that talks to the matching engine and writes engine decisions back to rides.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/carpool-assignment/internal/logging"
	"github.com/example/carpool-assignment/internal/matching"
	"github.com/example/carpool-assignment/internal/models"
	"github.com/example/carpool-assignment/internal/observability"
	"github.com/example/carpool-assignment/internal/ridegraph"
	"github.com/example/carpool-assignment/internal/storage"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	storage.EventStore
	storage.RideStore
}

// Notifier receives fire-and-forget assignment notifications.
type Notifier interface {
	NotifyDriverAssigned(ctx context.Context, rideID int64)
	NotifyPassengersAssigned(ctx context.Context, driverRideID int64)
}

// DriverIndex mirrors driver pickup points for nearby lookups.
type DriverIndex interface {
	Upsert(ctx context.Context, eventID, rideID int64, at models.Coord) error
	Remove(ctx context.Context, eventID, rideID int64) error
}

type Service struct {
	Store    Store
	Engine   matching.Client
	Notifier Notifier
	Drivers  DriverIndex // optional
	Logger   *slog.Logger
}

func (s *Service) log() *slog.Logger { return logging.Component(s.Logger, "matcher") }

// AssignForEvent runs a full batch over every ride of the event and returns
// the rides as stored afterwards. Engine and transport failures are returned
// before anything is written. Persist failures do not stop the loop; they are
// joined into the returned error alongside the refreshed rides.
func (s *Service) AssignForEvent(ctx context.Context, eventID int64) ([]models.Ride, error) {
	const op = "matcher.Service.AssignForEvent"

	ev, err := s.Store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	rides, err := s.Store.ListRidesByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(rides) == 0 {
		observability.AssignmentRuns.WithLabelValues("batch", "empty").Inc()
		return []models.Ride{}, nil
	}

	g := ridegraph.New(rides)
	decisions, err := s.Engine.Assign(ctx, matching.BuildRequest(&ev, rides, g))
	if err != nil {
		observability.AssignmentRuns.WithLabelValues("batch", "engine_error").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	applied, persistErr := s.apply(ctx, g, decisions)

	refreshed, err := s.Store.ListRidesByEvent(ctx, eventID)
	if err != nil {
		observability.AssignmentRuns.WithLabelValues("batch", "persist_error").Inc()
		return nil, fmt.Errorf("%s: reload: %w", op, errors.Join(persistErr, err))
	}
	rg := ridegraph.New(refreshed)
	s.warnDangling(eventID, rg)
	s.syncIndex(ctx, eventID, rg, nil)

	for _, d := range rg.Drivers() {
		s.Notifier.NotifyDriverAssigned(ctx, d.ID)
		s.Notifier.NotifyPassengersAssigned(ctx, d.ID)
	}

	s.log().Info("batch assignment applied",
		"event_id", eventID, "rides", len(rides), "decisions", len(decisions), "applied", len(applied))
	if persistErr != nil {
		observability.AssignmentRuns.WithLabelValues("batch", "partial").Inc()
		return refreshed, fmt.Errorf("%s: %w", op, persistErr)
	}
	observability.AssignmentRuns.WithLabelValues("batch", "ok").Inc()
	return refreshed, nil
}

// AssignLate places a newly registered ride among the candidate drivers.
// Failures are logged and swallowed; the caller sends its own notification.
func (s *Service) AssignLate(ctx context.Context, ride models.Ride, candidates []models.Ride) {
	batch := make([]models.Ride, 0, len(candidates)+1)
	for _, c := range candidates {
		if c.ID != ride.ID {
			batch = append(batch, c)
		}
	}
	batch = append(batch, ride)

	if _, err := s.runSubset(ctx, "late", ride.EventID, batch); err != nil {
		s.log().Error("late assignment failed",
			"event_id", ride.EventID, "ride_id", ride.ID, "candidates", len(candidates), "error", err)
	}
}

// Redistribute re-runs matching over a reduced set of rides after capacity
// changed. Drivers that end up with passengers from the set are notified.
// The error is informational: callers log it and carry on.
func (s *Service) Redistribute(ctx context.Context, eventID int64, rides []models.Ride) error {
	if len(rides) == 0 {
		return nil
	}
	rg, err := s.runSubset(ctx, "redistribute", eventID, rides)
	if rg == nil {
		return err
	}

	notified := make(map[int64]struct{})
	for _, r := range rides {
		cur, ok := rg.Ride(r.ID)
		if !ok {
			continue
		}
		driverID := cur.ID
		if !cur.IsDriver {
			if cur.DriverRideID == nil {
				continue
			}
			driverID = *cur.DriverRideID
		}
		if _, seen := notified[driverID]; seen || rg.PassengerCount(driverID) == 0 {
			continue
		}
		notified[driverID] = struct{}{}
		s.Notifier.NotifyDriverAssigned(ctx, driverID)
		s.Notifier.NotifyPassengersAssigned(ctx, driverID)
	}
	return err
}

// runSubset sends only the given rides to the engine, with context taken from
// the whole event, and returns a graph of the event after the writes. The
// graph is nil when nothing was written.
func (s *Service) runSubset(ctx context.Context, trigger string, eventID int64, batch []models.Ride) (*ridegraph.Graph, error) {
	op := "matcher.Service." + trigger

	ev, err := s.Store.GetEvent(ctx, eventID)
	if err != nil {
		observability.AssignmentRuns.WithLabelValues(trigger, "load_error").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	all, err := s.Store.ListRidesByEvent(ctx, eventID)
	if err != nil {
		observability.AssignmentRuns.WithLabelValues(trigger, "load_error").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	g := ridegraph.New(all)

	decisions, err := s.Engine.Assign(ctx, matching.BuildRequest(&ev, batch, g))
	if err != nil {
		observability.AssignmentRuns.WithLabelValues(trigger, "engine_error").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	applied, persistErr := s.apply(ctx, g, decisions)

	refreshed, err := s.Store.ListRidesByEvent(ctx, eventID)
	if err != nil {
		observability.AssignmentRuns.WithLabelValues(trigger, "persist_error").Inc()
		return nil, fmt.Errorf("%s: reload: %w", op, errors.Join(persistErr, err))
	}
	rg := ridegraph.New(refreshed)
	s.warnDangling(eventID, rg)
	s.syncIndex(ctx, eventID, rg, applied)

	if persistErr != nil {
		observability.AssignmentRuns.WithLabelValues(trigger, "partial").Inc()
		return rg, fmt.Errorf("%s: %w", op, persistErr)
	}
	observability.AssignmentRuns.WithLabelValues(trigger, "ok").Inc()
	return rg, nil
}

// apply writes each decision onto the matching ride from g. Decisions that
// name a ride outside the event, or a driver that is unknown, the ride itself,
// or not a driver once this response is applied, are skipped whole. A ride
// demoted from driver takes its passengers' links with it.
func (s *Service) apply(ctx context.Context, g *ridegraph.Graph, decisions []matching.Decision) ([]int64, error) {
	roles := make(map[int64]bool, len(decisions))
	for _, d := range decisions {
		if _, ok := g.Ride(d.ID); ok {
			roles[d.ID] = d.IsDriver
		}
	}
	drivesAfter := func(id int64) bool {
		if isDriver, ok := roles[id]; ok {
			return isDriver
		}
		r, ok := g.Ride(id)
		return ok && r.IsDriver
	}

	var (
		order []int64
		next  = make(map[int64]models.Ride, len(decisions))
	)
	for _, d := range decisions {
		r, ok := g.Ride(d.ID)
		if !ok {
			s.skip("unknown_ride", d)
			continue
		}
		if d.DriverID != nil && !d.IsDriver {
			if *d.DriverID == d.ID {
				s.skip("self_reference", d)
				continue
			}
			if _, ok := g.Ride(*d.DriverID); !ok {
				s.skip("unknown_driver", d)
				continue
			}
			if !drivesAfter(*d.DriverID) {
				s.skip("not_a_driver", d)
				continue
			}
		}
		if _, dup := next[r.ID]; !dup {
			order = append(order, r.ID)
		}
		applyDecision(&r, d)
		next[r.ID] = r
	}

	// Detach passengers still pointing at a ride that stopped driving.
	for _, id := range order {
		was, _ := g.Ride(id)
		if !was.IsDriver || next[id].IsDriver {
			continue
		}
		for _, pid := range g.PassengerIDs(id) {
			p, decided := next[pid]
			if !decided {
				p, _ = g.Ride(pid)
			}
			if p.DriverRideID == nil || *p.DriverRideID != id {
				continue
			}
			p.DriverRideID = nil
			p.PickupSequence = nil
			if !decided {
				order = append(order, pid)
			}
			next[pid] = p
			s.log().Warn("detached passenger from demoted driver", "ride_id", pid, "driver_id", id)
		}
	}

	var (
		applied []int64
		errs    []error
	)
	for _, id := range order {
		if err := s.Store.SaveRide(ctx, next[id]); err != nil {
			errs = append(errs, fmt.Errorf("ride %d: %w", id, err))
			continue
		}
		observability.DecisionsApplied.Inc()
		applied = append(applied, id)
	}
	return applied, errors.Join(errs...)
}

func (s *Service) skip(reason string, d matching.Decision) {
	observability.DecisionsSkipped.WithLabelValues(reason).Inc()
	attrs := []any{"ride_id", d.ID, "reason", reason}
	if d.DriverID != nil {
		attrs = append(attrs, "driver_id", *d.DriverID)
	}
	s.log().Warn("skipping engine decision", attrs...)
}

func applyDecision(r *models.Ride, d matching.Decision) {
	r.IsDriver = d.IsDriver
	r.CanBeDriver = d.CanBeDriver
	switch {
	case d.IsDriver:
		r.DriverRideID = nil
	case d.DriverID != nil:
		id := *d.DriverID
		r.DriverRideID = &id
	}
	r.PickupLat = d.PickupLat
	r.PickupLong = d.PickupLong
	r.PickupRadius = d.PickupRadius
	r.PickupSequence = d.PickupSequence
	r.MaxPassengers = d.MaxPassengers
	if d.StartDateTime != nil {
		t := d.StartDateTime.Time
		r.StartDateTime = &t
	}
	if d.Outlier != nil {
		r.Outlier = *d.Outlier
	}
}

func (s *Service) warnDangling(eventID int64, g *ridegraph.Graph) {
	for _, r := range g.Dangling() {
		s.log().Warn("ride links to a driver outside the event",
			"event_id", eventID, "ride_id", r.ID, "driver_id", *r.DriverRideID)
	}
}

// syncIndex refreshes driver pickup points. With only set, just those ride
// ids are touched; otherwise the whole event is.
func (s *Service) syncIndex(ctx context.Context, eventID int64, g *ridegraph.Graph, only []int64) {
	if s.Drivers == nil {
		return
	}
	rides := g.Rides()
	if only != nil {
		rides = rides[:0:0]
		for _, id := range only {
			if r, ok := g.Ride(id); ok {
				rides = append(rides, r)
			}
		}
	}
	for _, r := range rides {
		var err error
		if at, ok := r.Pickup(); ok && r.IsDriver {
			err = s.Drivers.Upsert(ctx, eventID, r.ID, at)
		} else {
			err = s.Drivers.Remove(ctx, eventID, r.ID)
		}
		if err != nil {
			s.log().Warn("driver index update failed", "event_id", eventID, "ride_id", r.ID, "error", err)
		}
	}
}
