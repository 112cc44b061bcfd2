package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool-assignment/internal/cancellation"
	"github.com/example/carpool-assignment/internal/dispatch"
	"github.com/example/carpool-assignment/internal/geo"
	"github.com/example/carpool-assignment/internal/logging"
	"github.com/example/carpool-assignment/internal/models"
	"github.com/example/carpool-assignment/internal/registration"
	"github.com/example/carpool-assignment/internal/ridegraph"
	"github.com/example/carpool-assignment/internal/storage"
)

type Registrar interface {
	Register(ctx context.Context, req registration.Request) (registration.Outcome, error)
}

type Canceller interface {
	Cancel(ctx context.Context, rideID int64, who cancellation.Requester) (cancellation.Outcome, error)
}

type Assigner interface {
	AssignForEvent(ctx context.Context, eventID int64) ([]models.Ride, error)
}

type EventScheduler interface {
	ScheduleEventByID(ctx context.Context, eventID int64) (bool, error)
}

type EventNotifier interface {
	NotifyNewEvent(ctx context.Context, eventID int64)
	NotifyEventDeadlineApproaching(ctx context.Context, eventID int64)
}

// Deps are the collaborators the HTTP surface forwards to. Geo and WS are
// optional; their routes answer 503 when unset.
type Deps struct {
	Rides        storage.RideStore
	Geo          geo.Geo
	Registration Registrar
	Cancellation Canceller
	Matcher      Assigner
	Deadlines    EventScheduler
	Notifier     EventNotifier
	WS           *dispatch.WSRegistry
	Auth         Authenticator
	Logger       *slog.Logger
}

type Server struct {
	deps   Deps
	auth   Authenticator
	mux    *mux.Router
	logger *slog.Logger
}

func NewServer(d Deps) *Server {
	s := &Server{deps: d, auth: d.Auth, mux: mux.NewRouter(), logger: logging.Component(d.Logger, "http")}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/events/{id:[0-9]+}/registrations", s.authenticated(s.handleRegister)).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/events/{id:[0-9]+}/rides", s.handleListRides).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/events/{id:[0-9]+}/drivers/nearby", s.handleNearbyDrivers).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/events/{id:[0-9]+}/assign", s.adminOnly(s.handleAssign)).Methods(http.MethodPost, http.MethodPut)
	s.mux.HandleFunc("/api/v1/rides/{id:[0-9]+}", s.authenticated(s.handleCancel)).Methods(http.MethodDelete)

	s.mux.HandleFunc("/internal/events/{id:[0-9]+}/created", s.adminOnly(s.handleEventCreated)).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/events/{id:[0-9]+}/deadline-reminder", s.adminOnly(s.handleDeadlineReminder)).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws", s.authenticated(s.handleWS)).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registration.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return
	}
	req.EventID = pathID(r)
	req.UserID = identityFrom(r.Context()).UserID

	out, err := s.deps.Registration.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	out, err := s.deps.Cancellation.Cancel(r.Context(), pathID(r), cancellation.Requester{UserID: id.UserID, IsAdmin: id.IsAdmin})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	rides, err := s.deps.Matcher.AssignForEvent(r.Context(), pathID(r))
	// Partial persist failures still return the rides that were written.
	if err != nil && rides == nil {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.logger.Warn("assignment partially persisted", "event_id", pathID(r), "error", err)
	}
	writeJSON(w, http.StatusOK, rideViews(rides))
}

type rideView struct {
	models.Ride
	PassengerRideIDs []int64 `json:"passengerRideIds"`
}

func rideViews(rides []models.Ride) []rideView {
	g := ridegraph.New(rides)
	out := make([]rideView, 0, len(rides))
	for _, r := range g.Rides() {
		out = append(out, rideView{Ride: r, PassengerRideIDs: g.PassengerIDs(r.ID)})
	}
	return out
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.deps.Rides.ListRidesByEvent(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rideViews(rides))
}

type nearbyDriver struct {
	geo.Match
	FreeSeats int `json:"freeSeats"`
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Geo == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "driver index disabled"})
		return
	}
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "lat and lon are required"})
		return
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	eventID := pathID(r)
	matches, err := s.deps.Geo.Nearby(r.Context(), eventID, models.Coord{Lat: lat, Lon: lon}, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rides, err := s.deps.Rides.ListRidesByEvent(r.Context(), eventID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	g := ridegraph.New(rides)
	out := make([]nearbyDriver, 0, limit)
	for _, m := range matches {
		d, ok := g.Ride(m.RideID)
		if !ok || !d.IsDriver || !g.HasSpareCapacity(d.ID) {
			continue
		}
		seats, _ := d.Capacity()
		out = append(out, nearbyDriver{Match: m, FreeSeats: seats - g.PassengerCount(d.ID)})
		if len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEventCreated(w http.ResponseWriter, r *http.Request) {
	eventID := pathID(r)
	scheduled, err := s.deps.Deadlines.ScheduleEventByID(r.Context(), eventID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Notifier != nil {
		s.deps.Notifier.NotifyNewEvent(r.Context(), eventID)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"eventId": eventID, "scheduled": scheduled})
}

func (s *Server) handleDeadlineReminder(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifier != nil {
		s.deps.Notifier.NotifyEventDeadlineApproaching(r.Context(), pathID(r))
	}
	w.WriteHeader(http.StatusAccepted)
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.WS == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "websocket disabled"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	s.deps.WS.Serve(identityFrom(r.Context()).UserID, conn)
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyRegistered), errors.Is(err, models.ErrCapacityExceeded):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrAssignmentEngine):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrTransport):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", traceFrom(r.Context()).requestID, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pathID reads the {id} route variable; the route pattern guarantees digits.
func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}
