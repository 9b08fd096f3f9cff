// Package auth provides cookie sessions for the web UI and bearer token
// access for internal clients.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	cclog "github.com/mmuteeullah/CoreCam/internal/log"
)

// CookieName is the session cookie.
const CookieName = "session_id"

// Session represents a user session
type Session struct {
	Username  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionManager manages user sessions
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	timeout      time.Duration
	username     string
	passwordHash string
	token        string
	now          func() time.Time
	logger       zerolog.Logger
}

// NewSessionManager creates a new session manager. token, when not empty,
// is accepted as a bearer token in place of a session.
func NewSessionManager(username, passwordHash, token string, timeout time.Duration) *SessionManager {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &SessionManager{
		sessions:     make(map[string]*Session),
		timeout:      timeout,
		username:     username,
		passwordHash: passwordHash,
		token:        token,
		now:          time.Now,
		logger:       cclog.WithComponent("auth"),
	}
}

// Authenticate checks if username and password are valid
func (sm *SessionManager) Authenticate(username, password string) bool {
	if subtle.ConstantTimeCompare([]byte(username), []byte(sm.username)) != 1 {
		// Keep timing similar to a wrong password.
		_ = bcrypt.CompareHashAndPassword([]byte(sm.passwordHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(sm.passwordHash), []byte(password)) == nil
}

// CreateSession creates a new session and returns session ID
func (sm *SessionManager) CreateSession(username string) (string, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return "", err
	}

	now := sm.now()
	sm.mu.Lock()
	sm.sessions[sessionID] = &Session{
		Username:  username,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.timeout),
	}
	sm.mu.Unlock()
	return sessionID, nil
}

// ValidateSession checks if session is valid
func (sm *SessionManager) ValidateSession(sessionID string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, ok := sm.sessions[sessionID]
	return ok && !sm.now().After(session.ExpiresAt)
}

// RefreshSession extends the session expiry time
func (sm *SessionManager) RefreshSession(sessionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if session, ok := sm.sessions[sessionID]; ok {
		session.ExpiresAt = sm.now().Add(sm.timeout)
	}
}

// DestroySession removes a session
func (sm *SessionManager) DestroySession(sessionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, sessionID)
}

// Len returns the number of stored sessions, expired ones included.
func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Prune removes expired sessions and returns how many were removed.
func (sm *SessionManager) Prune() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.now()
	n := 0
	for id, session := range sm.sessions {
		if now.After(session.ExpiresAt) {
			delete(sm.sessions, id)
			n++
		}
	}
	return n
}

// Run prunes expired sessions every five minutes until ctx is cancelled.
func (sm *SessionManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := sm.Prune(); n > 0 {
				sm.logger.Debug().Int("sessions", n).Msg("expired sessions removed")
			}
		}
	}
}

// generateSessionID generates a random session ID
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// HashPassword creates a bcrypt hash of the password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ValidToken reports whether the request carries the internal bearer token.
func (sm *SessionManager) ValidToken(r *http.Request) bool {
	if sm.token == "" {
		return false
	}
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(sm.token)) == 1
}

// Middleware rejects requests without a valid session or bearer token.
// API and websocket paths get a JSON 401; pages redirect to /login.
func (sm *SessionManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sm.ValidToken(r) {
			next.ServeHTTP(w, r)
			return
		}
		if cookie, err := r.Cookie(CookieName); err == nil && sm.ValidateSession(cookie.Value) {
			sm.RefreshSession(cookie.Value)
			next.ServeHTTP(w, r)
			return
		}

		if wantsJSON(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	})
}

func wantsJSON(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/") ||
		strings.HasPrefix(r.URL.Path, "/ws") ||
		strings.Contains(r.Header.Get("Accept"), "application/json")
}
