package wakeword

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotArmed is returned by [Manual.Trigger] while the engine is disarmed.
var ErrNotArmed = errors.New("wakeword: not armed")

// ManualPhrase is the Phrase of detections produced by [Manual].
const ManualPhrase = "manual"

// Manual is a push-to-talk Engine: it never listens and detects only when
// Trigger is called while armed.
type Manual struct {
	mu     sync.Mutex
	armID  uint64
	armed  bool
	closed bool
	det    chan Detection
}

var _ Engine = (*Manual)(nil)

// NewManual returns a disarmed Manual engine.
func NewManual() *Manual {
	return &Manual{det: make(chan Detection, 1)}
}

// Arm implements [Engine].
func (m *Manual) Arm(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.armID++
	m.armed = true
	return m.armID, nil
}

// Disarm implements [Engine].
func (m *Manual) Disarm() error {
	m.mu.Lock()
	m.armed = false
	m.mu.Unlock()
	return nil
}

// Detections implements [Engine].
func (m *Manual) Detections() <-chan Detection { return m.det }

// Trigger reports a detection for the current arm and disarms. label ends
// up in Detection.Heard.
func (m *Manual) Trigger(label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.armed {
		return ErrNotArmed
	}
	m.armed = false
	select {
	case m.det <- Detection{ArmID: m.armID, Phrase: ManualPhrase, Heard: label, Score: 1, At: time.Now()}:
	default:
		// An unconsumed detection is still pending; it belongs to an older
		// arm and will be dropped as stale by the consumer.
		select {
		case <-m.det:
		default:
		}
		m.det <- Detection{ArmID: m.armID, Phrase: ManualPhrase, Heard: label, Score: 1, At: time.Now()}
	}
	return nil
}

// Armed reports whether a Trigger would be accepted.
func (m *Manual) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

// Close implements [Engine].
func (m *Manual) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.armed = false
		close(m.det)
	}
	return nil
}
