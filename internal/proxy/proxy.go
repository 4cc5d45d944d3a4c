// Package proxy hands out sticky per-video proxy sessions from a shared pool.
//
// A session is pinned to one video id for its TTL so every retry for that video
// leaves through the same egress IP. Each video may rotate to a different
// endpoint at most once; the second failure is final.
package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/transcript/internal/logging"
	"github.com/therealutkarshpriyadarshi/transcript/internal/metrics"
)

var (
	// ErrRotationExhausted is returned when a video already used its rotation
	ErrRotationExhausted = errors.New("proxy rotation already used for this video")
	// ErrNoProxy is returned when rotation is requested without a configured pool
	ErrNoProxy = errors.New("no proxy configured")
	// ErrNoAlternative is returned when the pool has no other endpoint to rotate to
	ErrNoAlternative = errors.New("no alternative proxy endpoint")
)

// Proxy events
const (
	EventSessionCreated  = "session_created"
	EventRotated         = "rotated"
	EventRotationRefused = "rotation_refused"
	EventExpired         = "expired"
)

// TargetShape selects the connection parameter layout a caller needs
type TargetShape int

const (
	// ShapeHTTP is a plain proxy URL for http.Transport and subprocess env
	ShapeHTTP TargetShape = iota
	// ShapeBrowser is a server plus separate credentials for the browser
	ShapeBrowser
)

// BrowserProxy is the proxy layout the headless browser expects
type BrowserProxy struct {
	Server   string
	Username string
	Password string
}

// ConnParams carries proxy connection parameters in the requested shape.
// The zero value means "no proxy".
type ConnParams struct {
	HTTP    *url.URL
	Browser *BrowserProxy
}

// Empty reports whether no proxy should be used
func (p ConnParams) Empty() bool {
	return p.HTTP == nil && p.Browser == nil
}

// Session is a sticky proxy assignment for one video
type Session struct {
	VideoID   string
	Endpoint  string // host:port, safe to log
	CreatedAt time.Time
	TTL       time.Duration
	Failures  int

	proxyURL *url.URL
}

// Empty reports whether the session carries no proxy
func (s Session) Empty() bool {
	return s.proxyURL == nil
}

// Expired reports whether the session outlived its TTL
func (s Session) Expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > s.TTL
}

// Dict returns the connection parameters in the shape a strategy needs
func (s Session) Dict(shape TargetShape) ConnParams {
	if s.proxyURL == nil {
		return ConnParams{}
	}

	u := *s.proxyURL
	switch shape {
	case ShapeBrowser:
		bp := &BrowserProxy{Server: fmt.Sprintf("%s://%s", u.Scheme, u.Host)}
		if u.User != nil {
			bp.Username = u.User.Username()
			bp.Password, _ = u.User.Password()
		}
		return ConnParams{Browser: bp}
	default:
		return ConnParams{HTTP: &u}
	}
}

type endpoint struct {
	url         *url.URL
	failedUntil time.Time
}

// Manager owns the proxy pool and all live sessions
type Manager struct {
	mu        sync.Mutex
	endpoints []*endpoint
	next      int
	sessions  map[string]*Session

	ttl      time.Duration
	cooldown time.Duration
	now      func() time.Time
	logger   *logging.Logger
}

// Options configures a Manager
type Options struct {
	SessionTTL       time.Duration
	EndpointCooldown time.Duration
}

// NewManager creates a manager over the given proxy URLs. An empty list gives a
// manager whose sessions are all empty.
func NewManager(rawURLs []string, opts Options, logger *logging.Logger) (*Manager, error) {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 10 * time.Minute
	}
	if opts.EndpointCooldown <= 0 {
		opts.EndpointCooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Nop()
	}

	m := &Manager{
		sessions: make(map[string]*Session),
		ttl:      opts.SessionTTL,
		cooldown: opts.EndpointCooldown,
		now:      time.Now,
		logger:   logger,
	}

	seen := make(map[string]bool)
	for _, raw := range rawURLs {
		u, err := ParseEndpoint(raw)
		if err != nil {
			return nil, err
		}
		if seen[u.String()] {
			continue
		}
		seen[u.String()] = true
		m.endpoints = append(m.endpoints, &endpoint{url: u})
	}

	return m, nil
}

// Enabled reports whether any proxy endpoint is configured
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.endpoints) > 0
}

// Size returns the number of configured endpoints
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.endpoints)
}

// GetSession returns the live session for a video, creating one if needed.
// Without a configured pool it returns an empty session.
func (m *Manager) GetSession(videoID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.endpoints) == 0 {
		return Session{VideoID: videoID}
	}

	now := m.now()
	if s, ok := m.sessions[videoID]; ok {
		if !s.Expired(now) {
			return *s
		}
		delete(m.sessions, videoID)
		m.logger.LogProxyEvent(videoID, EventExpired, s.Endpoint)
		metrics.RecordProxyEvent(EventExpired)
	}

	ep := m.pickLocked(nil)
	s := &Session{
		VideoID:   videoID,
		Endpoint:  ep.url.Host,
		CreatedAt: now,
		TTL:       m.ttl,
		proxyURL:  ep.url,
	}
	m.sessions[videoID] = s

	m.logger.LogProxyEvent(videoID, EventSessionCreated, s.Endpoint)
	metrics.RecordProxyEvent(EventSessionCreated)
	metrics.UpdateProxySessions(len(m.sessions))

	return *s
}

// RotateOnce moves a video's session to a different endpoint. Only the first
// call succeeds until ResetRotation; later calls return ErrRotationExhausted.
func (m *Manager) RotateOnce(videoID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.endpoints) == 0 {
		return Session{VideoID: videoID}, ErrNoProxy
	}

	now := m.now()
	s, ok := m.sessions[videoID]
	if !ok || s.Expired(now) {
		return Session{VideoID: videoID}, fmt.Errorf("no live session for video %s", videoID)
	}

	if s.Failures >= 1 {
		m.logger.LogProxyEvent(videoID, EventRotationRefused, s.Endpoint)
		metrics.RecordProxyEvent(EventRotationRefused)
		return *s, ErrRotationExhausted
	}

	current := m.findLocked(s.proxyURL)
	if current != nil {
		current.failedUntil = now.Add(m.cooldown)
	}

	s.Failures++
	if len(m.endpoints) < 2 {
		m.logger.LogProxyEvent(videoID, EventRotationRefused, s.Endpoint)
		metrics.RecordProxyEvent(EventRotationRefused)
		return *s, ErrNoAlternative
	}

	ep := m.pickLocked(current)
	s.proxyURL = ep.url
	s.Endpoint = ep.url.Host

	m.logger.LogProxyEvent(videoID, EventRotated, s.Endpoint)
	metrics.RecordProxyEvent(EventRotated)

	return *s, nil
}

// ResetRotation gives a video's live session a fresh rotation for a new
// request. The session keeps its endpoint and TTL.
func (m *Manager) ResetRotation(videoID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[videoID]; ok && !s.Expired(m.now()) {
		s.Failures = 0
	}
}

// Sweep removes expired sessions and returns how many were dropped
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			removed++
		}
	}
	metrics.UpdateProxySessions(len(m.sessions))
	return removed
}

// ActiveSessions returns the number of live sessions
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// pickLocked returns the next healthy endpoint, round-robin, never returning
// exclude when another endpoint exists. Caller holds mu.
func (m *Manager) pickLocked(exclude *endpoint) *endpoint {
	now := m.now()
	n := len(m.endpoints)

	var fallback *endpoint
	for i := 0; i < n; i++ {
		ep := m.endpoints[(m.next+i)%n]
		if ep == exclude {
			continue
		}
		if !now.Before(ep.failedUntil) {
			m.next = (m.next + i + 1) % n
			return ep
		}
		if fallback == nil || ep.failedUntil.Before(fallback.failedUntil) {
			fallback = ep
		}
	}

	if fallback == nil {
		return m.endpoints[0]
	}
	return fallback
}

func (m *Manager) findLocked(u *url.URL) *endpoint {
	for _, ep := range m.endpoints {
		if ep.url == u {
			return ep
		}
	}
	return nil
}
