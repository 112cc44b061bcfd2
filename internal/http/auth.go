package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var errUnauthenticated = errors.New("unauthenticated")

// Identity is the caller a request acts for.
type Identity struct {
	UserID  int64
	IsAdmin bool
}

const identityKey contextKey = "identity"

// Authenticator resolves the caller. With a secret it requires an HS256
// bearer token carrying user_id and an optional admin claim. Without one it
// trusts X-User-ID / X-User-Admin, which is only meant for local runs behind
// a gateway that already authenticated the user.
type Authenticator struct {
	Secret []byte
}

func (a Authenticator) Identify(r *http.Request) (Identity, error) {
	if len(a.Secret) == 0 {
		return identityFromHeaders(r)
	}
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		// Browsers cannot set headers on a websocket handshake.
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return Identity{}, errUnauthenticated
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return a.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, errUnauthenticated
	}
	uid, ok := claims["user_id"].(float64)
	if !ok || uid <= 0 {
		return Identity{}, fmt.Errorf("%w: missing user_id", errUnauthenticated)
	}
	admin, _ := claims["admin"].(bool)
	return Identity{UserID: int64(uid), IsAdmin: admin}, nil
}

func identityFromHeaders(r *http.Request) (Identity, error) {
	uid, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	if err != nil || uid <= 0 {
		return Identity{}, errUnauthenticated
	}
	admin, _ := strconv.ParseBool(r.Header.Get("X-User-Admin"))
	return Identity{UserID: uid, IsAdmin: admin}, nil
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.Identify(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
			return
		}
		setCaller(r.Context(), id)
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	}
}

func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request) {
		if !identityFrom(r.Context()).IsAdmin {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "admin only"})
			return
		}
		next(w, r)
	})
}

func identityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey).(Identity)
	return id
}
