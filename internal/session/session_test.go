package session

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type stubUsers struct {
	mu       sync.Mutex
	next     int64
	err      error
	sessions []string
}

func (s *stubUsers) CreateUser(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.next++
	s.sessions = append(s.sessions, sessionID)
	return s.next, nil
}

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func serve(t *testing.T, tr *Tracker, cookies []*http.Cookie) (int64, *httptest.ResponseRecorder) {
	t.Helper()
	var seen int64
	h := tr.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/weather", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return seen, w
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == CookieName {
			return c
		}
	}
	t.Fatalf("response has no %s cookie", CookieName)
	return nil
}

func TestMiddleware_CreatesUserOnce(t *testing.T) {
	users := &stubUsers{}
	tr := NewTracker(testSecret, false, users, nil)

	id, w := serve(t, tr, nil)
	if id != 1 {
		t.Fatalf("first request user id = %d, want 1", id)
	}
	c := sessionCookie(t, w)
	if !c.HttpOnly {
		t.Error("session cookie must be HttpOnly")
	}
	if c.MaxAge != int(MaxAge.Seconds()) {
		t.Errorf("MaxAge = %d, want %d", c.MaxAge, int(MaxAge.Seconds()))
	}

	id2, w2 := serve(t, tr, []*http.Cookie{c})
	if id2 != 1 {
		t.Errorf("second request user id = %d, want 1", id2)
	}
	if len(users.sessions) != 1 {
		t.Errorf("CreateUser called %d times, want 1", len(users.sessions))
	}
	// sliding expiry: the cookie is re-issued on every response
	sessionCookie(t, w2)
}

// backdate re-signs a session cookie as if it had been issued age ago.
func backdate(t *testing.T, c *http.Cookie, age time.Duration) *http.Cookie {
	t.Helper()
	raw, err := base64.URLEncoding.DecodeString(c.Value)
	if err != nil {
		t.Fatalf("decode cookie: %v", err)
	}
	parts := bytes.SplitN(raw, []byte("|"), 3)
	if len(parts) != 3 {
		t.Fatalf("cookie has %d parts, want date|value|mac", len(parts))
	}
	date := strconv.FormatInt(time.Now().Add(-age).Unix(), 10)
	payload := []byte(date + "|" + string(parts[1]))
	mac := hmac.New(sha256.New, testSecret)
	mac.Write([]byte(CookieName + "|"))
	mac.Write(payload)
	signed := append(append(payload, '|'), mac.Sum(nil)...)
	return &http.Cookie{Name: CookieName, Value: base64.URLEncoding.EncodeToString(signed)}
}

func TestMiddleware_ExpiredCookieStartsOver(t *testing.T) {
	users := &stubUsers{}
	tr := NewTracker(testSecret, false, users, nil)

	_, w := serve(t, tr, nil)
	c := sessionCookie(t, w)

	if id, _ := serve(t, tr, []*http.Cookie{backdate(t, c, time.Hour)}); id != 1 {
		t.Fatalf("user id with 1h-old cookie = %d, want 1", id)
	}
	if id, _ := serve(t, tr, []*http.Cookie{backdate(t, c, 25*time.Hour)}); id != 2 {
		t.Errorf("user id with 25h-old cookie = %d, want a new user 2", id)
	}
	if len(users.sessions) != 2 {
		t.Errorf("CreateUser called %d times, want 2", len(users.sessions))
	}
}

func TestMiddleware_DistinctSessions(t *testing.T) {
	users := &stubUsers{}
	tr := NewTracker(testSecret, false, users, nil)

	a, _ := serve(t, tr, nil)
	b, _ := serve(t, tr, nil)
	if a == b {
		t.Errorf("two cookieless requests share user id %d", a)
	}
	if users.sessions[0] == users.sessions[1] {
		t.Error("session ids must be unique")
	}
}

func TestMiddleware_TamperedCookieStartsOver(t *testing.T) {
	users := &stubUsers{}
	tr := NewTracker(testSecret, false, users, nil)

	id, _ := serve(t, tr, []*http.Cookie{{Name: CookieName, Value: "garbage"}})
	if id != 1 {
		t.Errorf("user id = %d, want a freshly created user", id)
	}
}

func TestMiddleware_CreateUserFailureContinues(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	users := &stubUsers{err: errors.New("db down")}
	tr := NewTracker(testSecret, false, users, zap.New(core))

	called := false
	h := tr.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if id := UserIDFromContext(r.Context()); id != 0 {
			t.Errorf("user id = %d, want 0 after failure", id)
		}
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if !called || w.Code != http.StatusOK {
		t.Fatalf("request did not continue: called=%v code=%d", called, w.Code)
	}
	if logs.FilterMessage("failed to create session user").Len() != 1 {
		t.Error("expected a warning for the failed user insert")
	}
}

func TestUserIDFromContext_Empty(t *testing.T) {
	if got := UserIDFromContext(context.Background()); got != 0 {
		t.Errorf("UserIDFromContext() = %d, want 0", got)
	}
}
