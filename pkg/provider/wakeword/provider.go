// Package wakeword defines the wake-word detection contract.
//
// An [Engine] listens for a trigger phrase while armed and reports each hit on
// its Detections channel. Arming and disarming are cheap and may happen many
// times per session; every arm gets a new ID and detections carry the ID of
// the arm that produced them, so a detection that raced with a disarm can be
// recognised as stale.
package wakeword

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Arm after Close.
var ErrClosed = errors.New("wakeword: engine closed")

// Detection is one wake-word hit.
type Detection struct {
	// ArmID identifies the arm during which the phrase was heard.
	ArmID uint64

	// Phrase is the configured phrase that matched.
	Phrase string

	// Heard is the raw text or label the detector matched against.
	Heard string

	// Score is the detector confidence in [0, 1].
	Score float64

	// At is when the detection happened.
	At time.Time
}

// Engine is a wake-word detector. It is a single-instance resource.
type Engine interface {
	// Arm starts listening for the wake word and returns the new arm ID.
	// Arming an armed engine re-arms it with a new ID.
	Arm(ctx context.Context) (uint64, error)

	// Disarm stops listening. Safe to call when not armed.
	Disarm() error

	// Detections returns the channel on which hits are delivered. It is closed
	// by Close.
	Detections() <-chan Detection

	// Close disarms and releases the engine.
	Close() error
}
