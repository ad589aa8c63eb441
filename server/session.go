package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Session errors
var (
	ErrInvalidSecret  = errors.New("invalid API secret")
	ErrSessionClaimed = errors.New("session already claimed")
)

// SessionManager handles the lifecycle of the single control session. A
// client claims it with the handshake and must present the token on every
// request. The claim lapses after the timeout without activity.
type SessionManager struct {
	token     string
	origin    string // Bound origin for the session
	host      string // Bound client host for the session
	apiSecret string
	timeout   time.Duration
	timer     *time.Timer
	logger    *slog.Logger
	mu        sync.RWMutex
}

// NewSessionManager creates a new session manager
func NewSessionManager(apiSecret string, timeout time.Duration, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		apiSecret: apiSecret,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "session")),
	}
}

// generateSessionToken returns 32 random bytes, hex encoded
func generateSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// clientHost strips the port from a remote address.
func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// Acquire claims the session and returns its token. The session is bound to
// origin and the host of remoteAddr.
func (m *SessionManager) Acquire(secret, origin, remoteAddr string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.apiSecret != "" && secret != m.apiSecret {
		return "", ErrInvalidSecret
	}
	if m.token != "" {
		return "", ErrSessionClaimed
	}

	token, err := generateSessionToken()
	if err != nil {
		return "", err
	}
	m.token = token
	m.origin = origin
	m.host = clientHost(remoteAddr)

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.timeout, func() {
		m.expire(token)
	})

	m.logger.Info("session acquired", "token", token[:8]+"...", "origin", origin, "host", m.host)
	return token, nil
}

// Validate checks that token is the current session token and that origin
// and remoteAddr match the binding made at acquisition.
func (m *SessionManager) Validate(token, origin, remoteAddr string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.token == "" || m.token != token {
		return false
	}
	if m.origin != "" && origin != m.origin {
		m.logger.Warn("origin mismatch", "expected", m.origin, "got", origin)
		return false
	}
	if host := clientHost(remoteAddr); m.host != "" && host != m.host {
		m.logger.Warn("host mismatch", "expected", m.host, "got", host)
		return false
	}
	return true
}

// Active reports whether the session is claimed.
func (m *SessionManager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token != ""
}

// Release releases the current session token
func (m *SessionManager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == "" {
		return
	}
	m.logger.Info("session released", "token", m.token[:8]+"...")
	m.token = ""
	m.origin = ""
	m.host = ""
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// expire releases the session if token still holds it.
func (m *SessionManager) expire(token string) {
	m.mu.RLock()
	current := m.token == token
	m.mu.RUnlock()
	if current {
		m.logger.Info("session timed out")
		m.Release()
	}
}

// RefreshTimeout restarts the inactivity timer
func (m *SessionManager) RefreshTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Reset(m.timeout)
	}
}
