package app

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/hark/internal/session"
)

// SessionInfo holds metadata about the running conversation loop.
type SessionInfo struct {
	// SessionID is the session identifier.
	SessionID string `json:"session_id"`

	// StartedAt is when the session left Stopped.
	StartedAt time.Time `json:"started_at"`

	// StartedBy names who started it: "startup" or the API caller.
	StartedBy string `json:"started_by"`
}

// Status is the payload of GET /v1/session.
type Status struct {
	Session session.Snapshot `json:"session"`
	Info    *SessionInfo     `json:"info,omitempty"`
}

// SessionManager runs start and stop commands against a [session.Session]
// and remembers who started it. All methods are safe for concurrent use.
type SessionManager struct {
	sess *session.Session

	mu     sync.Mutex
	info   SessionInfo
	active bool
}

// NewSessionManager returns a manager for s.
func NewSessionManager(s *session.Session) *SessionManager {
	return &SessionManager{sess: s}
}

// Start arms the session. Starting a running session is a no-op and keeps
// the original start metadata.
func (m *SessionManager) Start(by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasStopped := m.sess.Snapshot().State == session.Stopped
	if err := m.sess.Start(); err != nil {
		return err
	}
	if wasStopped || !m.active {
		m.active = true
		m.info = SessionInfo{SessionID: m.sess.ID(), StartedAt: time.Now(), StartedBy: by}
		slog.Info("session started", "session_id", m.info.SessionID, "started_by", by)
	}
	return nil
}

// Stop returns the session to Stopped.
func (m *SessionManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.sess.Stop(); err != nil {
		return err
	}
	if m.active {
		slog.Info("session stopped",
			"session_id", m.info.SessionID,
			"duration", time.Since(m.info.StartedAt).Round(time.Second),
		)
	}
	m.active = false
	m.info = SessionInfo{}
	return nil
}

// BargeIn interrupts the current answer.
func (m *SessionManager) BargeIn() error { return m.sess.BargeIn() }

// SetContinuousDialog toggles continuous dialog.
func (m *SessionManager) SetContinuousDialog(enabled bool) error {
	return m.sess.SetContinuousDialog(enabled)
}

// IsActive reports whether the session is out of Stopped.
func (m *SessionManager) IsActive() bool {
	return m.sess.Snapshot().State != session.Stopped
}

// Status returns the current snapshot and, while active, the start info.
func (m *SessionManager) Status() Status {
	st := Status{Session: m.sess.Snapshot()}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active && st.Session.State != session.Stopped {
		info := m.info
		st.Info = &info
	}
	return st
}
