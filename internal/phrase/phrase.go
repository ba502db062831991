// Package phrase spots short command phrases (wake words, exit phrases) in
// recognised speech.
//
// Matching runs in three stages, stopping at the first hit:
//
//  1. Literal containment after normalisation (case folding, punctuation
//     stripped, whitespace collapsed). Scores 1.0.
//  2. Phonetic candidates: every window of the transcript with as many words
//     as the phrase is Double Metaphone encoded. Windows sharing a code with
//     the phrase are ranked by Jaro-Winkler and accepted above the phonetic
//     threshold.
//  3. Fuzzy fallback: windows without phonetic overlap are accepted above the
//     stricter fuzzy threshold. Text without word separators (Chinese,
//     Japanese) only takes this path, using rune windows of the phrase's
//     length.
package phrase

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	// DefaultPhoneticThreshold is the minimum Jaro-Winkler score for a
	// phonetically overlapping window.
	DefaultPhoneticThreshold = 0.70

	// DefaultFuzzyThreshold is the minimum Jaro-Winkler score for a window
	// without phonetic overlap.
	DefaultFuzzyThreshold = 0.85
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold overrides [DefaultPhoneticThreshold].
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold overrides [DefaultFuzzyThreshold].
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Match describes where a phrase was found.
type Match struct {
	// Phrase is the configured phrase, as given to [Matcher.Find].
	Phrase string

	// Heard is the transcript window that matched.
	Heard string

	// Score is 1 for literal matches, else the Jaro-Winkler similarity.
	Score float64

	// Phonetic reports whether the window shared a Double Metaphone code
	// with the phrase.
	Phonetic bool
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher with the default thresholds, adjusted by opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: DefaultPhoneticThreshold,
		fuzzyThreshold:    DefaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Find returns the best match of any phrase in heard.
func (m *Matcher) Find(heard string, phrases []string) (Match, bool) {
	text := Normalize(heard)
	if text == "" {
		return Match{}, false
	}
	textTokens := strings.Fields(text)

	var best Match
	found := false
	for _, p := range phrases {
		target := Normalize(p)
		if target == "" {
			continue
		}
		if strings.Contains(text, target) {
			return Match{Phrase: p, Heard: target, Score: 1}, true
		}

		cand, ok := m.bestWindow(textTokens, text, target)
		if !ok {
			continue
		}
		cand.Phrase = p
		if !found || better(cand, best) {
			best, found = cand, true
		}
	}
	return best, found
}

// Contains reports whether phrase occurs in heard, literally or within the
// matcher's thresholds.
func (m *Matcher) Contains(heard, phrase string) bool {
	_, ok := m.Find(heard, []string{phrase})
	return ok
}

func better(a, b Match) bool {
	if a.Phonetic != b.Phonetic {
		return a.Phonetic
	}
	return a.Score > b.Score
}

func (m *Matcher) bestWindow(textTokens []string, text, target string) (Match, bool) {
	targetTokens := strings.Fields(target)
	var windows []string
	if len(textTokens) == 1 && len(targetTokens) == 1 && !hasLatin(text) {
		windows = runeWindows(text, utf8.RuneCountInString(target))
	} else {
		windows = tokenWindows(textTokens, len(targetTokens))
	}
	targetCodes := codesFor(targetTokens)

	var best Match
	found := false
	for _, w := range windows {
		score := matchr.JaroWinkler(w, target, false)
		phonetic := len(targetCodes) > 0 && overlaps(codesFor(strings.Fields(w)), targetCodes)

		threshold := m.fuzzyThreshold
		if phonetic {
			threshold = m.phoneticThreshold
		}
		if score < threshold {
			continue
		}
		cand := Match{Heard: w, Score: score, Phonetic: phonetic}
		if !found || better(cand, best) {
			best, found = cand, true
		}
	}
	return best, found
}

// Normalize lower-cases s, replaces everything but letters and digits with
// spaces and collapses runs of whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func tokenWindows(tokens []string, n int) []string {
	if n <= 0 || len(tokens) == 0 {
		return nil
	}
	if n >= len(tokens) {
		return []string{strings.Join(tokens, " ")}
	}
	out := make([]string, 0, len(tokens)-n+1)
	for i := 0; i+n <= len(tokens); i++ {
		out = append(out, strings.Join(tokens[i:i+n], " "))
	}
	return out
}

func runeWindows(s string, n int) []string {
	runes := []rune(s)
	if n <= 0 {
		return nil
	}
	if n >= len(runes) {
		return []string{s}
	}
	out := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		out = append(out, string(runes[i:i+n]))
	}
	return out
}

func hasLatin(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Latin, r) {
			return true
		}
	}
	return false
}

// codesFor returns the union of the Double Metaphone codes of tokens.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
