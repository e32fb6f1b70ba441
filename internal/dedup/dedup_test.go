package dedup

import (
	"testing"
	"time"
)

func TestExactRepeatSuppressedWithinWindow(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := New(withClock(func() time.Time { return now }))

	c := Candidate{SpeakerID: "a", Text: "hello there"}
	if s.IsDuplicate(c) {
		t.Fatal("first occurrence reported as duplicate")
	}
	if !s.IsDuplicate(c) {
		t.Fatal("identical repeat within window not suppressed")
	}
}

func TestNormalizationCatchesTrivialVariants(t *testing.T) {
	t.Parallel()

	s := New()
	if s.IsDuplicate(Candidate{SpeakerID: "a", Text: "Hello, there!"}) {
		t.Fatal("first occurrence reported as duplicate")
	}
	if !s.IsDuplicate(Candidate{SpeakerID: "a", Text: "  hello   THERE  "}) {
		t.Fatal("case/punctuation/whitespace variant not suppressed")
	}
}

func TestNearDuplicateSuppressedBySimilarity(t *testing.T) {
	t.Parallel()

	s := New()
	if s.IsDuplicate(Candidate{SpeakerID: "a", Text: "good morning everyone in the room"}) {
		t.Fatal("first occurrence reported as duplicate")
	}
	// One transcription slip should still land above the similarity threshold.
	if !s.IsDuplicate(Candidate{SpeakerID: "a", Text: "good morning everyone in the rooms"}) {
		t.Fatal("near-identical repeat not suppressed")
	}
	// A genuinely different utterance must pass.
	if s.IsDuplicate(Candidate{SpeakerID: "a", Text: "the weather is terrible today"}) {
		t.Fatal("unrelated utterance suppressed")
	}
}

func TestWindowExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := New(WithWindow(5*time.Second), withClock(func() time.Time { return now }))

	c := Candidate{SpeakerID: "a", Text: "see you later"}
	if s.IsDuplicate(c) {
		t.Fatal("first occurrence reported as duplicate")
	}

	now = now.Add(4 * time.Second)
	if !s.IsDuplicate(c) {
		t.Fatal("repeat inside the window not suppressed")
	}

	now = now.Add(6 * time.Second)
	if s.IsDuplicate(c) {
		t.Fatal("repeat after window expiry still suppressed")
	}
}

func TestSpeakersAreIndependent(t *testing.T) {
	t.Parallel()

	s := New()
	if s.IsDuplicate(Candidate{SpeakerID: "a", Text: "same words"}) {
		t.Fatal("first occurrence reported as duplicate")
	}
	if s.IsDuplicate(Candidate{SpeakerID: "b", Text: "same words"}) {
		t.Fatal("different speaker suppressed by another speaker's utterance")
	}
}

func TestEmptyTextIsAlwaysDuplicate(t *testing.T) {
	t.Parallel()

	s := New()
	if !s.IsDuplicate(Candidate{SpeakerID: "a", Text: "   ...!?  "}) {
		t.Fatal("text that normalizes to empty was not dropped")
	}
}

func TestEntryCapPerSpeaker(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := New(WithWindow(time.Hour), withClock(func() time.Time { return now }))

	first := Candidate{SpeakerID: "a", Text: "utterance number zero zero zero"}
	if s.IsDuplicate(first) {
		t.Fatal("first occurrence reported as duplicate")
	}
	// Push enough distinct entries to evict the first.
	for i := 0; i < maxEntriesPerSpeaker+5; i++ {
		s.IsDuplicate(Candidate{SpeakerID: "a", Text: distinctText(i)})
	}
	if s.IsDuplicate(first) {
		t.Fatal("evicted entry still suppressing")
	}
}

// distinctText yields sentences that are pairwise dissimilar enough to stay
// below the similarity threshold.
func distinctText(i int) string {
	words := []string{
		"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf",
		"hotel", "india", "juliett", "kilo", "lima", "mike", "november",
		"oscar", "papa", "quebec", "romeo", "sierra", "tango", "uniform",
	}
	return words[i%len(words)] + " " + words[(i*5+7)%len(words)] + " " + words[(i*11+3)%len(words)]
}

func TestReset(t *testing.T) {
	t.Parallel()

	s := New()
	c := Candidate{SpeakerID: "a", Text: "start over"}
	if s.IsDuplicate(c) {
		t.Fatal("first occurrence reported as duplicate")
	}
	s.Reset()
	if s.IsDuplicate(c) {
		t.Fatal("Reset did not clear recorded utterances")
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"Hello, World!", "hello world"},
		{"  a   b  ", "a b"},
		{"...", ""},
		{"Don't stop", "dont stop"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
