package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"ai":  {"envelope", "openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs", "coqui", "text"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Durations
	for name, d := range map[string]time.Duration{
		"session.cue_delay":            deref(cfg.Session.CueDelay),
		"session.turn_delay":           cfg.Session.TurnDelay,
		"session.recognition_cooldown": cfg.Session.RecognitionCooldown,
		"session.ai_cooldown":          cfg.Session.AICooldown,
		"session.exit_cooldown":        cfg.Session.ExitCooldown,
		"session.max_cooldown":         cfg.Session.MaxCooldown,
		"segmenter.timeout":            cfg.Segmenter.Timeout,
		"segmenter.tick":               cfg.Segmenter.Tick,
		"wakeword.backoff":             cfg.WakeWord.Backoff,
		"wakeword.max_backoff":         cfg.WakeWord.MaxBackoff,
		"speech.silence_timeout":       cfg.Speech.SilenceTimeout,
		"speech.max_duration":          cfg.Speech.MaxDuration,
		"tts.text_delay":               cfg.TTS.TextDelay,
		"ai.timeout":                   cfg.AI.Timeout,
		"ai.connect_timeout":           cfg.AI.ConnectTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if n := deref(cfg.Session.MaxRelistens); n < 0 {
		errs = append(errs, fmt.Errorf("session.max_relistens must not be negative, got %d", n))
	}
	if cfg.Segmenter.MaxRunes < 0 {
		errs = append(errs, fmt.Errorf("segmenter.max_runes must not be negative, got %d", cfg.Segmenter.MaxRunes))
	}

	// Exit phrases
	exit := cfg.Session.Exit
	if exit.Mode != "" && !exit.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("session.exit.mode %q is invalid; valid values: contains, exact, fuzzy", exit.Mode))
	}
	if exit.MaxLength < 0 {
		errs = append(errs, fmt.Errorf("session.exit.max_length must not be negative, got %d", exit.MaxLength))
	}
	if exit.FuzzyThreshold < 0 || exit.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.exit.fuzzy_threshold %.2f is out of range [0, 1]", exit.FuzzyThreshold))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels must be 1 or 2, got %d", cfg.Audio.Channels))
	}
	if cfg.Audio.FrameMS < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms must be positive, got %d", cfg.Audio.FrameMS))
	}
	if cfg.Audio.Input != "" && cfg.Audio.Input == cfg.Audio.Output && cfg.Audio.Input != "-" {
		errs = append(errs, fmt.Errorf("audio.input and audio.output must differ, both are %q", cfg.Audio.Input))
	}

	// Wake word
	if cfg.WakeWord.Threshold < 0 || cfg.WakeWord.Threshold > 1 {
		errs = append(errs, fmt.Errorf("wakeword.threshold %.2f is out of range [0, 1]", cfg.WakeWord.Threshold))
	}
	if cfg.WakeWord.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("wakeword.max_retries must not be negative, got %d", cfg.WakeWord.MaxRetries))
	}

	// Voice
	if cfg.TTS.Rate < 0 || cfg.TTS.Rate > 4 {
		errs = append(errs, fmt.Errorf("tts.rate %.2f is out of range [0, 4]", cfg.TTS.Rate))
	}
	if cfg.TTS.Pitch < 0 || cfg.TTS.Pitch > 4 {
		errs = append(errs, fmt.Errorf("tts.pitch %.2f is out of range [0, 4]", cfg.TTS.Pitch))
	}
	if cfg.TTS.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("tts.sample_rate must be positive, got %d", cfg.TTS.SampleRate))
	}

	// Providers
	if cfg.Providers.AI.Name == "" {
		errs = append(errs, errors.New("providers.ai.name is required"))
	}
	errs = append(errs, validateEntries("ai", "providers.ai", cfg.Providers.AI, cfg.Providers.AIFallbacks)...)
	errs = append(errs, validateEntries("stt", "providers.stt", cfg.Providers.STT, cfg.Providers.STTFallbacks)...)
	errs = append(errs, validateEntries("tts", "providers.tts", cfg.Providers.TTS, cfg.Providers.TTSFallbacks)...)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	// Availability warnings
	if cfg.Audio.Input != "" && cfg.Providers.STT.Name == "" {
		slog.Warn("audio.input is set but providers.stt is not configured; the session can only be driven through the API")
	}
	if cfg.Audio.Output == "" && cfg.Providers.TTS.Name != "" && cfg.Providers.TTS.Name != "text" {
		slog.Warn("providers.tts is configured but audio.output is empty; answers will be printed instead", "tts", cfg.Providers.TTS.Name)
	}

	return errors.Join(errs...)
}

// validateEntries checks a primary entry and its fallbacks of one kind.
func validateEntries(kind, prefix string, primary ProviderEntry, fallbacks []ProviderEntry) []error {
	var errs []error
	check := func(path string, e ProviderEntry) {
		validateProviderName(kind, e.Name)
		if e.Name == "envelope" && e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for the envelope backend", path))
		}
	}
	if primary.Name != "" {
		check(prefix, primary)
	}
	for i, fb := range fallbacks {
		path := fmt.Sprintf("%s_fallbacks[%d]", prefix, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", path))
			continue
		}
		check(path, fb)
	}
	if len(fallbacks) > 0 && primary.Name == "" {
		errs = append(errs, fmt.Errorf("%s_fallbacks require %s.name", prefix, prefix))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
