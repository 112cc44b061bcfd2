package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/carpool-assignment/internal/observability"
)

type contextKey string

const traceKey contextKey = "trace"

// trace is shared by every layer handling one request. The auth wrappers run
// inside the router, so they fill in the caller for the access log written
// on the way out.
type trace struct {
	requestID string
	caller    Identity
}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.traceMiddleware)
	s.mux.Use(s.recoverMiddleware)
}

// traceMiddleware assigns a request id, records metrics by route template and
// writes one access log line naming the caller and the ride or event touched.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		tr := &trace{requestID: r.Header.Get("X-Request-ID")}
		if tr.requestID == "" {
			tr.requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", tr.requestID)

		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), traceKey, tr)))

		route := routeTemplate(r)
		elapsed := time.Since(start)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.status)).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(ww.status)).Observe(elapsed.Seconds())

		attrs := []any{
			"request_id", tr.requestID,
			"method", r.Method,
			"route", route,
			"status", ww.status,
			"duration_ms", elapsed.Milliseconds(),
		}
		if tr.caller.UserID != 0 {
			attrs = append(attrs, "user_id", tr.caller.UserID, "admin", tr.caller.IsAdmin)
		}
		if key, id := subject(route, r); key != "" {
			attrs = append(attrs, key, id)
		}
		level := slog.LevelInfo
		if ww.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http_request", attrs...)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "error", rec, "route", routeTemplate(r), "request_id", traceFrom(r.Context()).requestID)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// setCaller records the authenticated caller on the request trace.
func setCaller(ctx context.Context, id Identity) {
	if tr, ok := ctx.Value(traceKey).(*trace); ok {
		tr.caller = id
	}
}

func traceFrom(ctx context.Context) trace {
	if tr, ok := ctx.Value(traceKey).(*trace); ok {
		return *tr
	}
	return trace{}
}

// subject names the {id} route variable after the resource it addresses.
func subject(route string, r *http.Request) (string, string) {
	id, ok := mux.Vars(r)["id"]
	if !ok {
		return "", ""
	}
	switch {
	case strings.Contains(route, "/rides/{"):
		return "ride_id", id
	case strings.Contains(route, "/events/{"):
		return "event_id", id
	}
	return "", ""
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection through the
// metrics wrapper.
func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}
