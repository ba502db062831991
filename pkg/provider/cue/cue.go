// Package cue defines short audible feedback tones played at conversation
// milestones.
package cue

import (
	"context"
	"fmt"
)

// Tone identifies a feedback cue.
type Tone int

const (
	// ToneWake is played when the wake word was heard and listening begins.
	ToneWake Tone = iota
	// ToneAck is played when an utterance was recognised and sent to the AI.
	ToneAck
	// ToneExit is played when the user left the dialog.
	ToneExit
	// ToneTurnEnd is played when a spoken answer finished.
	ToneTurnEnd
)

// String returns the tone name.
func (t Tone) String() string {
	switch t {
	case ToneWake:
		return "wake"
	case ToneAck:
		return "ack"
	case ToneExit:
		return "exit"
	case ToneTurnEnd:
		return "turn-end"
	default:
		return fmt.Sprintf("Tone(%d)", int(t))
	}
}

// Player plays cue tones. Play blocks until the tone finished or ctx is done.
type Player interface {
	Play(ctx context.Context, t Tone) error
}

// Nop is a Player that plays nothing.
type Nop struct{}

// Play returns immediately.
func (Nop) Play(context.Context, Tone) error { return nil }

var _ Player = Nop{}
