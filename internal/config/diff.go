package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only settings that
// are applied without a restart are tracked; everything else needs one and
// is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is set when tts.rate or tts.pitch changed.
	VoiceChanged bool

	// SessionChanged is set when a session or segmenter setting changed.
	// New segmenter settings apply from the next turn.
	SessionChanged bool

	// ExitChanged is set when the exit matcher must be rebuilt.
	ExitChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VoiceChanged || d.SessionChanged || d.ExitChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.TTS.Rate != new.TTS.Rate || old.TTS.Pitch != new.TTS.Pitch {
		d.VoiceChanged = true
	}
	if !exitEqual(old.Session.Exit, new.Session.Exit) {
		d.ExitChanged = true
	}

	if !sessionEqual(old.Session, new.Session) || old.Segmenter != new.Segmenter || old.AI.SystemPrompt != new.AI.SystemPrompt {
		d.SessionChanged = true
	}

	if !serverEqual(old.Server, new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !slices.Equal(old.WakeWord.Phrases, new.WakeWord.Phrases) || old.WakeWord.Threshold != new.WakeWord.Threshold ||
		old.WakeWord.MaxRetries != new.WakeWord.MaxRetries || old.WakeWord.Backoff != new.WakeWord.Backoff ||
		old.WakeWord.MaxBackoff != new.WakeWord.MaxBackoff {
		d.RestartRequired = append(d.RestartRequired, "wakeword")
	}
	if old.Speech.Language != new.Speech.Language || !slices.Equal(old.Speech.Keywords, new.Speech.Keywords) ||
		old.Speech.SilenceTimeout != new.Speech.SilenceTimeout || old.Speech.MaxDuration != new.Speech.MaxDuration {
		d.RestartRequired = append(d.RestartRequired, "speech")
	}
	if old.TTS.VoiceID != new.TTS.VoiceID || old.TTS.SampleRate != new.TTS.SampleRate || old.TTS.TextDelay != new.TTS.TextDelay {
		d.RestartRequired = append(d.RestartRequired, "tts")
	}
	oa, na := old.AI, new.AI
	oa.SystemPrompt, na.SystemPrompt = "", ""
	if oa != na || !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	return d
}

func exitEqual(a, b ExitConfig) bool {
	return a.Mode == b.Mode && a.MaxLength == b.MaxLength && a.FuzzyThreshold == b.FuzzyThreshold &&
		slices.Equal(a.Phrases, b.Phrases)
}

func sessionEqual(a, b SessionConfig) bool {
	return ptrEqual(a.ContinuousDialog, b.ContinuousDialog) &&
		a.BargeIn == b.BargeIn &&
		ptrEqual(a.CueDelay, b.CueDelay) &&
		a.TurnDelay == b.TurnDelay &&
		a.RecognitionCooldown == b.RecognitionCooldown &&
		a.AICooldown == b.AICooldown &&
		a.ExitCooldown == b.ExitCooldown &&
		a.MaxCooldown == b.MaxCooldown &&
		ptrEqual(a.MaxRelistens, b.MaxRelistens) &&
		ptrEqual(a.ListenPrompt, b.ListenPrompt) &&
		ptrEqual(a.ExitNotice, b.ExitNotice) &&
		ptrEqual(a.Cues, b.Cues)
}

func serverEqual(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr || !slices.Equal(a.AllowedOrigins, b.AllowedOrigins) {
		return false
	}
	if (a.TLS == nil) != (b.TLS == nil) {
		return false
	}
	return a.TLS == nil || *a.TLS == *b.TLS
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.AI, b.AI) && entriesEqual(a.AIFallbacks, b.AIFallbacks) &&
		entryEqual(a.STT, b.STT) && entriesEqual(a.STTFallbacks, b.STTFallbacks) &&
		entryEqual(a.TTS, b.TTS) && entriesEqual(a.TTSFallbacks, b.TTSFallbacks) &&
		entryEqual(a.VAD, b.VAD)
}

func entriesEqual(a, b []ProviderEntry) bool {
	return slices.EqualFunc(a, b, entryEqual)
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) == 0 && len(b.Options) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Options, b.Options)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
