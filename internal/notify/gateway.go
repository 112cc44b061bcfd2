package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool-assignment/internal/dispatch"
	"github.com/example/carpool-assignment/internal/logging"
	"github.com/example/carpool-assignment/internal/models"
	"github.com/example/carpool-assignment/internal/observability"
	"github.com/example/carpool-assignment/internal/storage"
)

type Store interface {
	storage.EventStore
	storage.RideStore
}

// Gateway turns ride and event ids into user-facing notifications and fans
// them out to every configured sink. Delivery failures are logged and
// counted; callers never see them.
type Gateway struct {
	store  Store
	sinks  []dispatch.Sink
	logger *slog.Logger
	now    func() time.Time
}

func NewGateway(store Store, logger *slog.Logger, sinks ...dispatch.Sink) *Gateway {
	return &Gateway{
		store:  store,
		sinks:  sinks,
		logger: logging.Component(logger, "notify"),
		now:    time.Now,
	}
}

// NotifyDriverAssigned tells the owner of rideID they are driving.
func (g *Gateway) NotifyDriverAssigned(ctx context.Context, rideID int64) {
	ride, ev, ok := g.rideAndEvent(ctx, models.KindDriverAssigned, rideID)
	if !ok {
		return
	}
	g.emit(ctx, models.Notification{
		Kind:        models.KindDriverAssigned,
		UserID:      ride.UserID,
		Email:       email(ride),
		Title:       "You are assigned as driver",
		Description: fmt.Sprintf("You are driving to %s", ev.Title),
		Actions:     []models.NotificationAction{{Type: models.ActionViewRide, ObjectID: ride.ID}},
	})
}

// NotifyPassengersAssigned tells every passenger of driverRideID whose car
// they joined.
func (g *Gateway) NotifyPassengersAssigned(ctx context.Context, driverRideID int64) {
	driver, ev, ok := g.rideAndEvent(ctx, models.KindPassengersAssigned, driverRideID)
	if !ok {
		return
	}
	rides, err := g.store.ListRidesByEvent(ctx, ev.ID)
	if err != nil {
		g.fail(models.KindPassengersAssigned, "list rides", err, "ride_id", driverRideID)
		return
	}
	username := ""
	if driver.User != nil {
		username = driver.User.Username
	}
	for _, p := range rides {
		if p.DriverRideID == nil || *p.DriverRideID != driver.ID {
			continue
		}
		g.emit(ctx, models.Notification{
			Kind:        models.KindPassengersAssigned,
			UserID:      p.UserID,
			Email:       email(p),
			Title:       fmt.Sprintf("Joined carpool to the event: %s!", ev.Title),
			Description: fmt.Sprintf("You joined %s's ride!", username),
			Actions:     []models.NotificationAction{{Type: models.ActionViewRide, ObjectID: p.ID}},
		})
	}
}

// NotifyRideCancelled informs the passengers of a cancelled driver ride. The
// ride itself may already be gone, so the caller passes the snapshots.
func (g *Gateway) NotifyRideCancelled(ctx context.Context, ride models.Ride, passengers []models.Ride) {
	if len(passengers) == 0 {
		return
	}
	ev, err := g.store.GetEvent(ctx, ride.EventID)
	if err != nil {
		g.fail(models.KindRideCancelled, "load event", err, "ride_id", ride.ID)
		return
	}
	for _, p := range passengers {
		g.emit(ctx, models.Notification{
			Kind:        models.KindRideCancelled,
			UserID:      p.UserID,
			Email:       email(p),
			Title:       fmt.Sprintf("Cancelled carpool: %s", ev.Title),
			Description: "Your driver cancelled. You will be matched with another ride if a seat is available.",
			Actions:     []models.NotificationAction{{Type: models.ActionViewEvent, ObjectID: ev.ID}},
		})
	}
}

func (g *Gateway) NotifyEventDeadlineApproaching(ctx context.Context, eventID int64) {
	ev, err := g.store.GetEvent(ctx, eventID)
	if err != nil {
		g.fail(models.KindEventDeadlineApproaching, "load event", err, "event_id", eventID)
		return
	}
	g.emit(ctx, models.Notification{
		Kind:        models.KindEventDeadlineApproaching,
		Title:       fmt.Sprintf("Deadline approaching for: %s", ev.Title),
		Description: "Decide if you want to go to this event and join a carpool!",
		Actions:     []models.NotificationAction{{Type: models.ActionViewEvent, ObjectID: ev.ID}},
	})
}

func (g *Gateway) NotifyNewEvent(ctx context.Context, eventID int64) {
	ev, err := g.store.GetEvent(ctx, eventID)
	if err != nil {
		g.fail(models.KindNewEvent, "load event", err, "event_id", eventID)
		return
	}
	g.emit(ctx, models.Notification{
		Kind:        models.KindNewEvent,
		Title:       fmt.Sprintf("New event: %s", ev.Title),
		Description: "A new event has been created.",
		Actions:     []models.NotificationAction{{Type: models.ActionViewEvent, ObjectID: ev.ID}},
	})
}

func (g *Gateway) rideAndEvent(ctx context.Context, kind models.NotificationKind, rideID int64) (models.Ride, models.Event, bool) {
	ride, err := g.store.GetRide(ctx, rideID)
	if err != nil {
		g.fail(kind, "load ride", err, "ride_id", rideID)
		return models.Ride{}, models.Event{}, false
	}
	ev, err := g.store.GetEvent(ctx, ride.EventID)
	if err != nil {
		g.fail(kind, "load event", err, "ride_id", rideID, "event_id", ride.EventID)
		return models.Ride{}, models.Event{}, false
	}
	return ride, ev, true
}

func (g *Gateway) emit(ctx context.Context, n models.Notification) {
	n.ID = uuid.NewString()
	n.CreatedAt = g.now().UTC()
	outcome := "sent"
	for _, s := range g.sinks {
		if err := s.Deliver(ctx, n); err != nil {
			outcome = "failed"
			g.logger.Warn("notification delivery failed",
				"kind", n.Kind, "user_id", n.UserID, "notification_id", n.ID, "error", err)
		}
	}
	observability.Notifications.WithLabelValues(string(n.Kind), outcome).Inc()
}

func (g *Gateway) fail(kind models.NotificationKind, step string, err error, args ...any) {
	observability.Notifications.WithLabelValues(string(kind), "skipped").Inc()
	g.logger.Error("notification "+step+" failed", append(args, "kind", kind, "error", err)...)
}

func email(r models.Ride) string {
	if r.User == nil {
		return ""
	}
	return r.User.Email
}
