// Package dedup implements duplicate-utterance suppression.
//
// Upstream quirks (STT backends re-sending a final, the room store
// redelivering an event, a retransmitted publish without its original id)
// can surface the same spoken text twice. The Suppressor decides whether a
// candidate utterance is a repeat of something recently seen from the same
// speaker.
//
// This is a documented heuristic, inherently approximate: it compares
// normalized text (case-folded, punctuation stripped, whitespace collapsed)
// and falls back to Jaro-Winkler similarity for near-identical strings, all
// within a sliding time window. It lives behind the single IsDuplicate entry
// point so the policy can be swapped for a stronger idempotency-key scheme
// without touching callers.
package dedup

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	// DefaultWindow is how long a processed utterance suppresses repeats.
	DefaultWindow = 5 * time.Second

	// DefaultSimilarityThreshold is the Jaro-Winkler score above which two
	// normalized texts are considered the same utterance. Exact matches
	// short-circuit before similarity is computed.
	DefaultSimilarityThreshold = 0.92

	// maxEntriesPerSpeaker caps remembered utterances per speaker so a
	// chatty session cannot grow the suppressor without bound.
	maxEntriesPerSpeaker = 16
)

// Candidate is one utterance to test for duplication.
type Candidate struct {
	// SpeakerID scopes the comparison: only utterances from the same speaker
	// can suppress each other.
	SpeakerID string

	// Text is the raw utterance text.
	Text string
}

// Option configures a Suppressor.
type Option func(*Suppressor)

// WithWindow overrides the suppression window.
func WithWindow(d time.Duration) Option {
	return func(s *Suppressor) { s.window = d }
}

// WithSimilarityThreshold overrides the Jaro-Winkler threshold.
func WithSimilarityThreshold(t float64) Option {
	return func(s *Suppressor) { s.threshold = t }
}

// withClock lets tests control time.
func withClock(now func() time.Time) Option {
	return func(s *Suppressor) { s.now = now }
}

// Suppressor remembers recently processed utterances per speaker and answers
// IsDuplicate. All methods are safe for concurrent use.
type Suppressor struct {
	window    time.Duration
	threshold float64
	now       func() time.Time

	mu   sync.Mutex
	seen map[string][]entry // keyed by speaker id
}

type entry struct {
	normalized string
	at         time.Time
}

// New creates a Suppressor with the given options.
func New(opts ...Option) *Suppressor {
	s := &Suppressor{
		window:    DefaultWindow,
		threshold: DefaultSimilarityThreshold,
		now:       time.Now,
		seen:      make(map[string][]entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// IsDuplicate reports whether c repeats an utterance recorded within the
// window. When it returns false, c is recorded so that subsequent repeats are
// suppressed. Suppression is a deliberate no-op outcome, not a failure.
func (s *Suppressor) IsDuplicate(c Candidate) bool {
	norm := Normalize(c.Text)
	if norm == "" {
		// Empty after normalization: nothing worth processing, treat as
		// duplicate so callers drop it.
		return true
	}

	now := s.now()
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.seen[c.SpeakerID]
	live := entries[:0]
	for _, e := range entries {
		if e.at.After(cutoff) {
			live = append(live, e)
		}
	}

	for _, e := range live {
		if e.normalized == norm {
			s.seen[c.SpeakerID] = live
			return true
		}
		if matchr.JaroWinkler(e.normalized, norm, true) >= s.threshold {
			s.seen[c.SpeakerID] = live
			return true
		}
	}

	live = append(live, entry{normalized: norm, at: now})
	if len(live) > maxEntriesPerSpeaker {
		live = live[len(live)-maxEntriesPerSpeaker:]
	}
	s.seen[c.SpeakerID] = live
	return false
}

// Reset forgets all recorded utterances.
func (s *Suppressor) Reset() {
	s.mu.Lock()
	s.seen = make(map[string][]entry)
	s.mu.Unlock()
}

// Normalize lowercases text, strips punctuation, and collapses whitespace so
// that trivially different renderings of the same utterance compare equal.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.TrimSpace(text) {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// dropped
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
