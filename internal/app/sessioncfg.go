package app

import (
	"github.com/MrWong99/hark/internal/config"
	"github.com/MrWong99/hark/internal/session"
)

// SessionConfig translates the session, segmenter, tts and ai sections of
// cfg into a [session.Config]. cfg must have defaults applied.
func SessionConfig(cfg *config.Config) (session.Config, error) {
	sc := cfg.Session
	exit, err := session.NewExitMatcher(string(sc.Exit.Mode), sc.Exit.Phrases, sc.Exit.MaxLength, sc.Exit.FuzzyThreshold)
	if err != nil {
		return session.Config{}, err
	}
	out := session.Config{
		ContinuousDialog:    sc.ContinuousDialog == nil || *sc.ContinuousDialog,
		BargeIn:             sc.BargeIn,
		TurnDelay:           sc.TurnDelay,
		RecognitionCooldown: sc.RecognitionCooldown,
		AICooldown:          sc.AICooldown,
		ExitCooldown:        sc.ExitCooldown,
		MaxCooldown:         sc.MaxCooldown,
		SystemPrompt:        cfg.AI.SystemPrompt,
		Exit:                exit,
		SegmenterMaxRunes:   cfg.Segmenter.MaxRunes,
		SegmenterTimeout:    cfg.Segmenter.Timeout,
		SegmenterTick:       cfg.Segmenter.Tick,
		SpeechRate:          cfg.TTS.Rate,
		SpeechPitch:         cfg.TTS.Pitch,
	}
	if sc.CueDelay != nil {
		out.CueDelay = *sc.CueDelay
		if out.CueDelay == 0 {
			out.CueDelay = session.NoDelay
		}
	}
	if sc.MaxRelistens != nil {
		out.MaxRelistens = *sc.MaxRelistens
		if out.MaxRelistens == 0 {
			out.MaxRelistens = session.NoRelisten
		}
	}
	if sc.ListenPrompt != nil {
		out.ListenPrompt = *sc.ListenPrompt
	}
	if sc.ExitNotice != nil {
		out.ExitNotice = *sc.ExitNotice
	}
	return out, out.Validate()
}
