// Package session issues the anonymous weather_session cookie and lazily creates the
// users row that search history hangs off.
package session

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather/internal/observability"
)

const (
	// CookieName is the session cookie set on every response.
	CookieName = "weather_session"
	// MaxAge is the cookie lifetime; it slides forward on every request.
	MaxAge = 24 * time.Hour

	valueSessionID = "sid"
	valueUserID    = "user_id"
)

// UserCreator inserts a users row for a new session id.
type UserCreator interface {
	CreateUser(ctx context.Context, sessionID string) (int64, error)
}

type userIDKey struct{}

// WithUserID returns a copy of ctx carrying the session's user id.
func WithUserID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, userIDKey{}, id)
}

// UserIDFromContext returns the session's user id, or 0 when the request has none.
func UserIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey{}).(int64)
	return id
}

// Tracker owns the cookie store and the users table writes.
type Tracker struct {
	store  *sessions.CookieStore
	users  UserCreator
	logger *zap.Logger
}

// NewTracker builds a Tracker whose cookies are signed with secret.
func NewTracker(secret []byte, secure bool, users UserCreator, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(MaxAge / time.Second),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	// MaxAge also bounds the signed timestamp the codecs accept, not just the cookie header.
	store.MaxAge(int(MaxAge / time.Second))
	return &Tracker{store: store, users: users, logger: logger}
}

// Middleware loads or creates the session, ensures a users row exists for it and exposes
// the user id through the request context. Failures never block the request; the user id
// is simply left unset so search tracking is skipped.
func (t *Tracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := observability.LoggerFromContext(r.Context(), t.logger)

		sess, err := t.store.Get(r, CookieName)
		if err != nil {
			// Tampered or rotated-key cookie: start over with a fresh session.
			logger.Debug("discarding undecodable session cookie", zap.Error(err))
			sess, _ = t.store.New(r, CookieName)
		}

		userID, _ := sess.Values[valueUserID].(int64)
		if userID == 0 {
			sid := uuid.NewString()
			id, err := t.users.CreateUser(r.Context(), sid)
			if err != nil {
				logger.Warn("failed to create session user", zap.Error(err))
			} else {
				userID = id
				sess.Values[valueSessionID] = sid
				sess.Values[valueUserID] = id
				observability.SessionsCreatedTotal.Inc()
			}
		}

		if err := sess.Save(r, w); err != nil {
			logger.Warn("failed to save session", zap.Error(err))
		}

		ctx := r.Context()
		if userID != 0 {
			ctx = WithUserID(ctx, userID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
