// Package mock provides a test double for the wakeword.Engine interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/hark/pkg/provider/wakeword"
)

// Engine is a mock implementation of wakeword.Engine.
type Engine struct {
	// ArmErr, if non-nil, is returned by Arm.
	ArmErr error

	// Armed receives the ID of every successful Arm call. Buffered; sends
	// that would block are dropped.
	Armed chan uint64

	mu        sync.Mutex
	det       chan wakeword.Detection
	nextID    uint64
	active    uint64
	arms      int
	disarms   int
	closed    bool
	closeOnce sync.Once
}

// NewEngine returns an Engine with buffered channels.
func NewEngine() *Engine {
	return &Engine{
		Armed: make(chan uint64, 64),
		det:   make(chan wakeword.Detection, 64),
	}
}

// Arm records the call and returns a new arm ID.
func (e *Engine) Arm(_ context.Context) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.arms++
	if e.closed {
		return 0, wakeword.ErrClosed
	}
	if e.ArmErr != nil {
		return 0, e.ArmErr
	}
	e.nextID++
	e.active = e.nextID
	select {
	case e.Armed <- e.active:
	default:
	}
	return e.active, nil
}

// Disarm records the call.
func (e *Engine) Disarm() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disarms++
	e.active = 0
	return nil
}

// Detections returns the detection channel.
func (e *Engine) Detections() <-chan wakeword.Detection { return e.det }

// Close closes the detection channel.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.active = 0
		e.mu.Unlock()
		close(e.det)
	})
	return nil
}

// Active returns the current arm ID, or 0 when disarmed.
func (e *Engine) Active() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Trigger emits a detection for the current arm.
func (e *Engine) Trigger(phrase string) {
	e.Emit(wakeword.Detection{ArmID: e.Active(), Phrase: phrase, Heard: phrase, Score: 1, At: time.Now()})
}

// Emit pushes d verbatim, e.g. with a stale ArmID.
func (e *Engine) Emit(d wakeword.Detection) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if !closed {
		e.det <- d
	}
}

// Arms returns the number of Arm calls. Thread-safe.
func (e *Engine) Arms() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.arms
}

// Disarms returns the number of Disarm calls. Thread-safe.
func (e *Engine) Disarms() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disarms
}

// Reset clears the call counters. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.arms = 0
	e.disarms = 0
}

var _ wakeword.Engine = (*Engine)(nil)
