// Package config provides the configuration schema, loader, provider
// registry and hot-reload watcher for hark.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the slog level for l. Unknown levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ExitMode selects how exit phrases are matched.
type ExitMode string

const (
	// ExitContains matches utterances containing a phrase that are shorter
	// than max_length code points.
	ExitContains ExitMode = "contains"

	// ExitExact matches utterances equal to a phrase after normalisation.
	ExitExact ExitMode = "exact"

	// ExitFuzzy matches phonetically or by Jaro-Winkler similarity.
	ExitFuzzy ExitMode = "fuzzy"
)

// IsValid reports whether m is a recognised exit mode.
func (m ExitMode) IsValid() bool {
	switch m {
	case ExitContains, ExitExact, ExitFuzzy:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Segmenter SegmenterConfig `yaml:"segmenter"`
	Audio     AudioConfig     `yaml:"audio"`
	WakeWord  WakeWordConfig  `yaml:"wakeword"`
	Speech    SpeechConfig    `yaml:"speech"`
	TTS       TTSConfig       `yaml:"tts"`
	AI        AIConfig        `yaml:"ai"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API (e.g., ":8080").
	// Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins are host patterns allowed to open the events websocket
	// from a browser on another origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SessionConfig holds the conversation behaviour.
type SessionConfig struct {
	// ContinuousDialog is the initial continuous dialog toggle. Defaults to
	// true.
	ContinuousDialog *bool `yaml:"continuous_dialog"`

	// BargeIn keeps the wake word armed while answering.
	BargeIn bool `yaml:"barge_in"`

	// CueDelay separates the listen prompt from recognition. An explicit 0
	// starts recognition as soon as the prompt finished.
	CueDelay *time.Duration `yaml:"cue_delay"`

	TurnDelay           time.Duration `yaml:"turn_delay"`
	RecognitionCooldown time.Duration `yaml:"recognition_cooldown"`
	AICooldown          time.Duration `yaml:"ai_cooldown"`
	ExitCooldown        time.Duration `yaml:"exit_cooldown"`
	MaxCooldown         time.Duration `yaml:"max_cooldown"`

	// MaxRelistens bounds retries after failed recognitions in continuous
	// mode. An explicit 0 falls back to the wake word on the first failure.
	MaxRelistens *int `yaml:"max_relistens"`

	// ListenPrompt is spoken before listening. An explicit empty string
	// disables it.
	ListenPrompt *string `yaml:"listen_prompt"`

	// ExitNotice is spoken when the user leaves the dialog. An explicit
	// empty string disables it.
	ExitNotice *string `yaml:"exit_notice"`

	// Cues enables the audible cue tones. Defaults to true when an audio
	// output is configured.
	Cues *bool `yaml:"cues"`

	Exit ExitConfig `yaml:"exit"`
}

// ExitConfig configures the exit phrase matcher. Hot-reloadable.
type ExitConfig struct {
	Mode           ExitMode `yaml:"mode"`
	Phrases        []string `yaml:"phrases"`
	MaxLength      int      `yaml:"max_length"`
	FuzzyThreshold float64  `yaml:"fuzzy_threshold"`
}

// SegmenterConfig tunes sentence segmentation of streamed answers. Changes
// apply from the next turn.
type SegmenterConfig struct {
	MaxRunes int           `yaml:"max_runes"`
	Timeout  time.Duration `yaml:"timeout"`
	Tick     time.Duration `yaml:"tick"`
}

// AudioConfig selects the local audio input and output.
type AudioConfig struct {
	// Input is the raw PCM source: "-" for stdin or a file/FIFO path. Empty
	// disables listening.
	Input string `yaml:"input"`

	// Output is the raw PCM destination: "-" for stdout or a file/FIFO path.
	// Empty speaks text-only.
	Output string `yaml:"output"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	FrameMS    int `yaml:"frame_ms"`
}

// WakeWordConfig configures the transcribing wake word spotter.
type WakeWordConfig struct {
	Phrases   []string `yaml:"phrases"`
	Threshold float64  `yaml:"threshold"`

	// MaxRetries and Backoff control stream reconnects.
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// SpeechConfig configures recognition of the user's utterances.
type SpeechConfig struct {
	Language       string        `yaml:"language"`
	Keywords       []string      `yaml:"keywords"`
	SilenceTimeout time.Duration `yaml:"silence_timeout"`
	MaxDuration    time.Duration `yaml:"max_duration"`
}

// TTSConfig configures the spoken voice. Rate and pitch are hot-reloadable.
type TTSConfig struct {
	Rate    float64 `yaml:"rate"`
	Pitch   float64 `yaml:"pitch"`
	VoiceID string  `yaml:"voice_id"`

	// SampleRate is the PCM rate the synthesis backend produces.
	SampleRate int `yaml:"sample_rate"`

	// TextDelay paces the text-only fallback per character.
	TextDelay time.Duration `yaml:"text_delay"`
}

// AIConfig configures queries to the AI backend.
type AIConfig struct {
	SystemPrompt   string        `yaml:"system_prompt"`
	Timeout        time.Duration `yaml:"timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float64       `yaml:"temperature"`
}

// ProvidersConfig declares which provider implementation to use for each
// stage. Each entry selects a named provider registered in the [Registry].
// Fallbacks are tried in order when the primary fails.
type ProvidersConfig struct {
	AI           ProviderEntry   `yaml:"ai"`
	AIFallbacks  []ProviderEntry `yaml:"ai_fallbacks"`
	STT          ProviderEntry   `yaml:"stt"`
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	TTS          ProviderEntry   `yaml:"tts"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
	VAD          ProviderEntry   `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "envelope", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. Required for
	// the envelope AI backend.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// Defaults of the sections that are not owned by another package.
const (
	DefaultListenAddr  = ":8080"
	DefaultSampleRate  = 16000
	DefaultFrameMS     = 20
	DefaultWakePhrase  = "computer"
	DefaultAITimeout   = 30 * time.Second
	DefaultAIConnect   = 10 * time.Second
	DefaultTTSRate     = 1.1
	DefaultTTSPitch    = 1.0
	DefaultLanguage    = "zh-CN"
	DefaultListenText  = "您请说"
	DefaultExitText    = "已退出"
	DefaultExitPhrase  = "退出"
	DefaultExitMaxRune = 5
)

// ApplyDefaults fills unset fields. Durations and thresholds owned by other
// packages stay zero and are defaulted there.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.ContinuousDialog == nil {
		cfg.Session.ContinuousDialog = ptr(true)
	}
	if cfg.Session.ListenPrompt == nil {
		cfg.Session.ListenPrompt = ptr(DefaultListenText)
	}
	if cfg.Session.ExitNotice == nil {
		cfg.Session.ExitNotice = ptr(DefaultExitText)
	}
	if cfg.Session.Cues == nil {
		cfg.Session.Cues = ptr(cfg.Audio.Output != "")
	}
	if cfg.Session.Exit.Mode == "" {
		cfg.Session.Exit.Mode = ExitContains
	}
	if len(cfg.Session.Exit.Phrases) == 0 {
		cfg.Session.Exit.Phrases = []string{DefaultExitPhrase}
	}
	if cfg.Session.Exit.MaxLength == 0 && cfg.Session.Exit.Mode == ExitContains {
		cfg.Session.Exit.MaxLength = DefaultExitMaxRune
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.FrameMS == 0 {
		cfg.Audio.FrameMS = DefaultFrameMS
	}
	if len(cfg.WakeWord.Phrases) == 0 {
		cfg.WakeWord.Phrases = []string{DefaultWakePhrase}
	}
	if cfg.Speech.Language == "" {
		cfg.Speech.Language = DefaultLanguage
	}
	if cfg.TTS.Rate == 0 {
		cfg.TTS.Rate = DefaultTTSRate
	}
	if cfg.TTS.Pitch == 0 {
		cfg.TTS.Pitch = DefaultTTSPitch
	}
	if cfg.TTS.SampleRate == 0 {
		cfg.TTS.SampleRate = cfg.Audio.SampleRate
	}
	if cfg.AI.Timeout == 0 {
		cfg.AI.Timeout = DefaultAITimeout
	}
	if cfg.AI.ConnectTimeout == 0 {
		cfg.AI.ConnectTimeout = DefaultAIConnect
	}
}

func ptr[T any](v T) *T { return &v }

// deref returns *p, or the zero value when p is nil.
func deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
