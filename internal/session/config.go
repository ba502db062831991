package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/hark/internal/segment"
	"github.com/MrWong99/hark/internal/stream"
)

// Default timings and texts.
const (
	DefaultCueDelay            = 150 * time.Millisecond
	DefaultTurnDelay           = 300 * time.Millisecond
	DefaultRecognitionCooldown = 500 * time.Millisecond
	DefaultAICooldown          = time.Second
	DefaultExitCooldown        = time.Second
	DefaultMaxCooldown         = 8 * time.Second
	DefaultMaxRelistens        = 3
	DefaultSpeechRate          = 1.1
	DefaultSpeechPitch         = 1.0

	DefaultListenPrompt = "您请说"
	DefaultExitNotice   = "已退出"
	DefaultExitPhrase   = "退出"
	DefaultExitMaxRunes = 5
)

// Sentinels for settings whose zero value selects the default.
const (
	// NoDelay as CueDelay starts recognition right after the prompt.
	NoDelay time.Duration = -1

	// NoRelisten as MaxRelistens falls back to the wake word on the first
	// failed recognition.
	NoRelisten = -1
)

// Config holds the behaviour settings of a [Session]. Zero durations and
// numbers fall back to the defaults; empty prompt texts disable the prompt.
type Config struct {
	// ContinuousDialog is the initial value of the continuous dialog toggle.
	ContinuousDialog bool

	// BargeIn keeps the wake word armed while answering, so saying it again
	// interrupts the answer.
	BargeIn bool

	CueDelay            time.Duration
	TurnDelay           time.Duration
	RecognitionCooldown time.Duration
	AICooldown          time.Duration
	ExitCooldown        time.Duration

	// MaxCooldown caps the doubling of cooldowns across consecutive failures.
	MaxCooldown time.Duration

	// MaxRelistens bounds how often a failed recognition is retried in
	// continuous mode before falling back to the wake word.
	MaxRelistens int

	ListenPrompt string
	ExitNotice   string
	SystemPrompt string

	// Exit decides whether an utterance ends the dialog. Nil means a
	// [ContainsMatcher] for "退出" shorter than 5 code points.
	Exit ExitMatcher

	SegmenterMaxRunes int
	SegmenterTimeout  time.Duration
	SegmenterTick     time.Duration

	SpeechRate  float64
	SpeechPitch float64
}

// DefaultConfig returns the defaults including the prompt texts.
func DefaultConfig() Config {
	return Config{
		ContinuousDialog: true,
		ListenPrompt:     DefaultListenPrompt,
		ExitNotice:       DefaultExitNotice,
	}.withDefaults()
}

// Validate reports negative durations and out of range speech parameters.
func (c Config) Validate() error {
	var errs []error
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"cue_delay", c.CueDelay},
		{"turn_delay", c.TurnDelay},
		{"recognition_cooldown", c.RecognitionCooldown},
		{"ai_cooldown", c.AICooldown},
		{"exit_cooldown", c.ExitCooldown},
		{"max_cooldown", c.MaxCooldown},
		{"segmenter_timeout", c.SegmenterTimeout},
		{"segmenter_tick", c.SegmenterTick},
	}
	for _, f := range durations {
		if f.d == NoDelay && f.name == "cue_delay" {
			continue
		}
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", f.name, f.d))
		}
	}
	if c.SegmenterMaxRunes < 0 {
		errs = append(errs, fmt.Errorf("segmenter max runes must not be negative, got %d", c.SegmenterMaxRunes))
	}
	if c.MaxRelistens < 0 && c.MaxRelistens != NoRelisten {
		errs = append(errs, fmt.Errorf("max relistens must not be negative, got %d", c.MaxRelistens))
	}
	if c.SpeechRate < 0 || c.SpeechRate > 4 {
		errs = append(errs, fmt.Errorf("speech rate must be in [0, 4], got %v", c.SpeechRate))
	}
	if c.SpeechPitch < 0 || c.SpeechPitch > 4 {
		errs = append(errs, fmt.Errorf("speech pitch must be in [0, 4], got %v", c.SpeechPitch))
	}
	if c.MaxCooldown > 0 && c.MaxCooldown < c.AICooldown {
		errs = append(errs, errors.New("max_cooldown must not be below ai_cooldown"))
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() Config {
	if c.CueDelay == 0 {
		c.CueDelay = DefaultCueDelay
	}
	if c.TurnDelay == 0 {
		c.TurnDelay = DefaultTurnDelay
	}
	if c.RecognitionCooldown == 0 {
		c.RecognitionCooldown = DefaultRecognitionCooldown
	}
	if c.AICooldown == 0 {
		c.AICooldown = DefaultAICooldown
	}
	if c.ExitCooldown == 0 {
		c.ExitCooldown = DefaultExitCooldown
	}
	if c.MaxCooldown == 0 {
		c.MaxCooldown = DefaultMaxCooldown
	}
	if c.MaxRelistens == 0 {
		c.MaxRelistens = DefaultMaxRelistens
	}
	if c.Exit == nil {
		c.Exit = ContainsMatcher{Phrases: []string{DefaultExitPhrase}, MaxLength: DefaultExitMaxRunes}
	}
	if c.SegmenterMaxRunes == 0 {
		c.SegmenterMaxRunes = segment.DefaultMaxRunes
	}
	if c.SegmenterTimeout == 0 {
		c.SegmenterTimeout = segment.DefaultTimeout
	}
	if c.SegmenterTick == 0 {
		c.SegmenterTick = stream.DefaultTick
	}
	if c.SpeechRate == 0 {
		c.SpeechRate = DefaultSpeechRate
	}
	if c.SpeechPitch == 0 {
		c.SpeechPitch = DefaultSpeechPitch
	}
	return c
}
