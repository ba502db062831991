// Package mock provides a test double for the cue.Player interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hark/pkg/provider/cue"
)

// Player is a mock implementation of cue.Player.
type Player struct {
	// PlayErr, if non-nil, is returned by Play.
	PlayErr error

	mu     sync.Mutex
	played []cue.Tone
}

// Play records t.
func (p *Player) Play(_ context.Context, t cue.Tone) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, t)
	return p.PlayErr
}

// Played returns a copy of the recorded tones. Thread-safe.
func (p *Player) Played() []cue.Tone {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]cue.Tone(nil), p.played...)
}

// Reset clears the recorded tones. Thread-safe.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = nil
}

var _ cue.Player = (*Player)(nil)
