package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/example/carpool-assignment/internal/logging"
	"github.com/example/carpool-assignment/internal/models"
	"github.com/example/carpool-assignment/internal/observability"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// WSConn is the part of *websocket.Conn a session writes through.
type WSConn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WSSession is one connected browser tab or app instance.
type WSSession struct {
	ID     string
	UserID int64
	conn   WSConn
	mu     sync.Mutex
}

func (s *WSSession) Send(n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(n)
}

// WSRegistry holds live sessions. A user may hold several at once.
type WSRegistry struct {
	sessions *xsync.Map[string, *WSSession]
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{
		sessions: xsync.NewMap[string, *WSSession](),
		logger:   logging.Component(logger, "ws"),
	}
}

// Add registers conn for userID and returns the new session.
func (r *WSRegistry) Add(userID int64, conn WSConn) *WSSession {
	s := &WSSession{ID: uuid.NewString(), UserID: userID, conn: conn}
	r.sessions.Store(s.ID, s)
	observability.WSSessions.Set(float64(r.sessions.Size()))
	return s
}

func (r *WSRegistry) Remove(sessionID string) {
	if s, ok := r.sessions.LoadAndDelete(sessionID); ok {
		_ = s.conn.Close()
	}
	observability.WSSessions.Set(float64(r.sessions.Size()))
}

// Send pushes n to every session of userID.
func (r *WSRegistry) Send(userID int64, n models.Notification) error {
	sent := 0
	var failed []string
	r.sessions.Range(func(id string, s *WSSession) bool {
		if s.UserID != userID {
			return true
		}
		if err := s.Send(n); err != nil {
			r.logger.Warn("ws send failed", "user_id", userID, "session", id, "error", err)
			failed = append(failed, id)
			return true
		}
		sent++
		return true
	})
	for _, id := range failed {
		r.Remove(id)
	}
	if sent == 0 {
		return ErrNoSession
	}
	return nil
}

// Deliver implements Sink. Offline users are not an error: the outbox
// carries the message to them.
func (r *WSRegistry) Deliver(_ context.Context, n models.Notification) error {
	if !n.Broadcast() {
		if err := r.Send(n.UserID, n); err != nil && !errors.Is(err, ErrNoSession) {
			return err
		}
		return nil
	}
	var failed []string
	r.sessions.Range(func(id string, s *WSSession) bool {
		if err := s.Send(n); err != nil {
			failed = append(failed, id)
		}
		return true
	})
	for _, id := range failed {
		r.Remove(id)
	}
	return nil
}

// Serve keeps conn registered until the client goes away. Inbound frames are
// read and dropped so control frames are processed.
func (r *WSRegistry) Serve(userID int64, conn *websocket.Conn) {
	s := r.Add(userID, conn)
	defer r.Remove(s.ID)
	r.logger.Debug("ws session opened", "user_id", userID, "session", s.ID)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
