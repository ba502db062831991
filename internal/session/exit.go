package session

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/hark/internal/phrase"
)

// Exit matcher modes accepted by [NewExitMatcher].
const (
	ExitContains = "contains"
	ExitExact    = "exact"
	ExitFuzzy    = "fuzzy"
)

// ExitMatcher decides whether a recognised utterance asks to leave the
// dialog.
type ExitMatcher interface {
	IsExit(text string) bool
}

// ContainsMatcher matches utterances that contain one of Phrases and are
// shorter than MaxLength code points. The length bound keeps "退出" inside a
// longer question from ending the dialog. MaxLength <= 0 disables it.
type ContainsMatcher struct {
	Phrases   []string
	MaxLength int
}

// IsExit implements [ExitMatcher].
func (m ContainsMatcher) IsExit(text string) bool {
	text = strings.TrimSpace(text)
	if !shortEnough(text, m.MaxLength) {
		return false
	}
	for _, p := range m.Phrases {
		if p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// ExactMatcher matches utterances equal to one of Phrases after
// normalisation.
type ExactMatcher struct {
	Phrases []string
}

// IsExit implements [ExitMatcher].
func (m ExactMatcher) IsExit(text string) bool {
	norm := phrase.Normalize(text)
	if norm == "" {
		return false
	}
	for _, p := range m.Phrases {
		if phrase.Normalize(p) == norm {
			return true
		}
	}
	return false
}

// FuzzyMatcher matches misrecognised variants of Phrases within the length
// bound.
type FuzzyMatcher struct {
	Phrases   []string
	MaxLength int
	Matcher   *phrase.Matcher
}

// IsExit implements [ExitMatcher].
func (m FuzzyMatcher) IsExit(text string) bool {
	if !shortEnough(strings.TrimSpace(text), m.MaxLength) {
		return false
	}
	pm := m.Matcher
	if pm == nil {
		pm = phrase.New()
	}
	_, ok := pm.Find(text, m.Phrases)
	return ok
}

func shortEnough(text string, max int) bool {
	return max <= 0 || utf8.RuneCountInString(text) < max
}

// NewExitMatcher builds the matcher for mode. An empty mode means
// [ExitContains]. threshold is the fuzzy threshold and only used by
// [ExitFuzzy]; zero keeps the default.
func NewExitMatcher(mode string, phrases []string, maxLength int, threshold float64) (ExitMatcher, error) {
	switch mode {
	case "", ExitContains:
		return ContainsMatcher{Phrases: phrases, MaxLength: maxLength}, nil
	case ExitExact:
		return ExactMatcher{Phrases: phrases}, nil
	case ExitFuzzy:
		var opts []phrase.Option
		if threshold > 0 {
			opts = append(opts, phrase.WithFuzzyThreshold(threshold))
		}
		return FuzzyMatcher{Phrases: phrases, MaxLength: maxLength, Matcher: phrase.New(opts...)}, nil
	default:
		return nil, fmt.Errorf("session: unknown exit matcher mode %q", mode)
	}
}
