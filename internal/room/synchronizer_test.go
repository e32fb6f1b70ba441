package room_test

import (
	"context"
	"testing"
	"time"

	"github.com/babelroom/babelroom/internal/dedup"
	"github.com/babelroom/babelroom/internal/pipeline"
	"github.com/babelroom/babelroom/internal/playback"
	"github.com/babelroom/babelroom/internal/room"
	audiomock "github.com/babelroom/babelroom/pkg/audio/mock"
	translatemock "github.com/babelroom/babelroom/pkg/provider/translate/mock"
	ttsmock "github.com/babelroom/babelroom/pkg/provider/tts/mock"
	"github.com/babelroom/babelroom/pkg/roomstore"
	"github.com/babelroom/babelroom/pkg/roomstore/memory"
)

const testRoomID = "room-1"

// harness is one participant: a synchronizer wired to a full local pipeline
// with mocked backends.
type harness struct {
	store      *memory.Store
	sync       *room.Synchronizer
	translator *translatemock.Translator
	sink       *audiomock.Sink
}

func newHarness(t *testing.T, store *memory.Store, id room.Identity, opts ...room.Option) *harness {
	t.Helper()
	h := &harness{
		store:      store,
		translator: &translatemock.Translator{},
		sink:       &audiomock.Sink{},
	}
	queue := playback.New(h.sink)
	t.Cleanup(func() { _ = queue.Close() })
	pipe := pipeline.New(id.Language, &ttsmock.Provider{}, queue,
		pipeline.WithTranslator(h.translator))
	h.sync = room.New(store, testRoomID, id, pipe, opts...)
	return h
}

func (h *harness) join(t *testing.T) {
	t.Helper()
	if err := h.sync.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	t.Cleanup(func() { _ = h.sync.Leave(context.Background()) })
}

func waitFor(t *testing.T, d time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func publish(t *testing.T, store *memory.Store, u roomstore.Utterance) {
	t.Helper()
	if err := store.PublishUtterance(context.Background(), testRoomID, u); err != nil {
		t.Fatalf("PublishUtterance: %v", err)
	}
}

func TestIncomingUtteranceTranslatedAndStatusPublished(t *testing.T) {
	t.Parallel()

	store := memory.New(memory.WithoutSweeper())
	defer store.Close()

	bob := newHarness(t, store, room.Identity{ParticipantID: "bob", Name: "Bob", Language: "en"})
	bob.join(t)

	publish(t, store, roomstore.Utterance{
		MessageID:      "msg-1",
		SenderID:       "alice",
		SenderName:     "Alice",
		SenderLanguage: "ko",
		Text:           "안녕하세요",
	})

	waitFor(t, 2*time.Second, "utterance never rendered", func() bool {
		return len(bob.sink.Writes()) >= 1
	})
	calls := bob.translator.Calls()
	if len(calls) != 1 {
		t.Fatalf("translator calls = %d, want 1", len(calls))
	}
	if calls[0].SourceLang != "ko" || calls[0].TargetLang != "en" {
		t.Fatalf("translated %s->%s, want ko->en", calls[0].SourceLang, calls[0].TargetLang)
	}

	// The listener's delivery status must reach played, with playing cleared
	// by the store's set exclusivity.
	waitFor(t, 2*time.Second, "played status never recorded", func() bool {
		return store.Played(testRoomID, "msg-1", "bob")
	})
	if store.Playing(testRoomID, "msg-1", "bob") {
		t.Fatal("listener still in playing set after played")
	}
}

func TestSameLanguageUtteranceSkipsTranslation(t *testing.T) {
	t.Parallel()

	store := memory.New(memory.WithoutSweeper())
	defer store.Close()

	bob := newHarness(t, store, room.Identity{ParticipantID: "bob", Name: "Bob", Language: "en"})
	bob.join(t)

	publish(t, store, roomstore.Utterance{
		MessageID:      "msg-1",
		SenderID:       "alice",
		SenderLanguage: "en",
		Text:           "hello bob",
	})

	waitFor(t, 2*time.Second, "played status never recorded", func() bool {
		return store.Played(testRoomID, "msg-1", "bob")
	})
	if got := len(bob.translator.Calls()); got != 0 {
		t.Fatalf("translator calls = %d for same-language utterance, want 0", got)
	}
}

func TestOwnUtteranceNotPlayedBack(t *testing.T) {
	t.Parallel()

	store := memory.New(memory.WithoutSweeper())
	defer store.Close()

	bob := newHarness(t, store, room.Identity{ParticipantID: "bob", Name: "Bob", Language: "en"})
	bob.join(t)

	id, err := bob.sync.Publish(context.Background(), "my own words", "")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id == "" {
		t.Fatal("Publish returned an empty message id")
	}

	// The record comes back on the watch; it must not reach the pipeline.
	time.Sleep(100 * time.Millisecond)
	if got := len(bob.translator.Calls()); got != 0 {
		t.Fatalf("translator calls = %d for own utterance, want 0", got)
	}
	if got := len(bob.sink.Writes()); got != 0 {
		t.Fatalf("sink writes = %d for own utterance, want 0", got)
	}
}

func TestPublishCarriesSpokenLanguage(t *testing.T) {
	t.Parallel()

	store := memory.New(memory.WithoutSweeper())
	defer store.Close()

	bob := newHarness(t, store, room.Identity{ParticipantID: "bob", Name: "Bob", Language: "en"})
	bob.join(t)

	ch, err := store.WatchUtterances(context.Background(), testRoomID)
	if err != nil {
		t.Fatalf("WatchUtterances: %v", err)
	}

	// The speaker's configured language is en, but this utterance was spoken
	// in ko; the record must carry the spoken language so listeners translate
	// from the right source.
	if _, err := bob.sync.Publish(context.Background(), "안녕하세요", "ko"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case u := <-ch:
		if u.SenderLanguage != "ko" {
			t.Fatalf("sender language = %q, want ko", u.SenderLanguage)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("published utterance never reached the store")
	}

	// Without a spoken language the configured identity language applies.
	if _, err := bob.sync.Publish(context.Background(), "hello", ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case u := <-ch:
		if u.SenderLanguage != "en" {
			t.Fatalf("sender language = %q, want en", u.SenderLanguage)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("published utterance never reached the store")
	}
}

func TestRedeliveredMessageIDProcessedOnce(t *testing.T) {
	t.Parallel()

	store := memory.New(memory.WithoutSweeper())
	defer store.Close()

	bob := newHarness(t, store, room.Identity{ParticipantID: "bob", Name: "Bob", Language: "en"})
	bob.join(t)

	u := roomstore.Utterance{
		MessageID:      "msg-1",
		SenderID:       "alice",
		SenderLanguage: "ko",
		Text:           "첫 번째",
	}
	publish(t, store, u)
	// An idempotent republish is a no-op at the store; even if it fanned out
	// again, the seen-id set would drop it.
	publish(t, store, u)

	waitFor(t, 2*time.Second, "utterance never translated", func() bool {
		return len(bob.translator.Calls()) >= 1
	})
	time.Sleep(100 * time.Millisecond)
	if got := len(bob.translator.Calls()); got != 1 {
		t.Fatalf("translator calls = %d, want 1", got)
	}
}

func TestNearDuplicateUnderFreshIDSuppressed(t *testing.T) {
	t.Parallel()

	store := memory.New(memory.WithoutSweeper())
	defer store.Close()

	bob := newHarness(t, store,
		room.Identity{ParticipantID: "bob", Name: "Bob", Language: "en"},
		room.WithSuppressor(dedup.New()))
	bob.join(t)

	// A retransmission that lost its original id: same text, fresh id.
	publish(t, store, roomstore.Utterance{
		MessageID: "msg-1", SenderID: "alice", SenderLanguage: "ko",
		Text: "좋은 아침입니다 여러분",
	})
	publish(t, store, roomstore.Utterance{
		MessageID: "msg-2", SenderID: "alice", SenderLanguage: "ko",
		Text: "좋은 아침입니다 여러분",
	})

	waitFor(t, 2*time.Second, "first utterance never translated", func() bool {
		return len(bob.translator.Calls()) >= 1
	})
	time.Sleep(100 * time.Millisecond)
	if got := len(bob.translator.Calls()); got != 1 {
		t.Fatalf("translator calls = %d, want 1 (fresh-id duplicate must be suppressed)", got)
	}
}

func TestPreJoinUtterancesNotReplayed(t *testing.T) {
	t.Parallel()

	store := memory.New(memory.WithoutSweeper())
	defer store.Close()

	// History exists before this participant enters the room.
	publish(t, store, roomstore.Utterance{
		MessageID: "old-1", SenderID: "alice", SenderLanguage: "ko",
		Text: "예전 이야기",
	})

	bob := newHarness(t, store, room.Identity{ParticipantID: "bob", Name: "Bob", Language: "en"})
	bob.join(t)

	time.Sleep(100 * time.Millisecond)
	if got := len(bob.translator.Calls()); got != 0 {
		t.Fatalf("translator calls = %d, want 0 (pre-join utterance replayed)", got)
	}
	if store.Played(testRoomID, "old-1", "bob") {
		t.Fatal("pre-join utterance was played")
	}
}

func TestDeliveryStatusForPublishedUtterance(t *testing.T) {
	t.Parallel()

	store := memory.New(memory.WithoutSweeper())
	defer store.Close()

	bob := newHarness(t, store, room.Identity{ParticipantID: "bob", Name: "Bob", Language: "en"})
	bob.join(t)

	id, err := bob.sync.Publish(context.Background(), "hello everyone", "")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// A remote listener reports playing, then played.
	ctx := context.Background()
	if err := store.SetStatus(ctx, testRoomID, id, "carol", roomstore.StatePlaying); err != nil {
		t.Fatalf("SetStatus playing: %v", err)
	}
	waitFor(t, 2*time.Second, "playing never tracked", func() bool {
		return bob.sync.DeliveryStatus(id)["carol"] == roomstore.StatePlaying
	})

	if err := store.SetStatus(ctx, testRoomID, id, "carol", roomstore.StatePlayed); err != nil {
		t.Fatalf("SetStatus played: %v", err)
	}
	waitFor(t, 2*time.Second, "played never tracked", func() bool {
		return bob.sync.DeliveryStatus(id)["carol"] == roomstore.StatePlayed
	})
}

func TestMembershipFoldsIntoPresentSet(t *testing.T) {
	t.Parallel()

	store := memory.New(memory.WithoutSweeper())
	defer store.Close()

	bob := newHarness(t, store, room.Identity{ParticipantID: "bob", Name: "Bob", Language: "en"})
	bob.join(t)

	alice := roomstore.Participant{ID: "alice", Name: "Alice", Language: "ko"}
	handle, err := store.AnnouncePresence(context.Background(), testRoomID, alice)
	if err != nil {
		t.Fatalf("AnnouncePresence: %v", err)
	}
	// A redelivered add must not duplicate the entry.
	if _, err := store.AnnouncePresence(context.Background(), testRoomID, alice); err != nil {
		t.Fatalf("AnnouncePresence (repeat): %v", err)
	}

	waitFor(t, 2*time.Second, "alice never appeared in present-set", func() bool {
		for _, p := range bob.sync.Participants() {
			if p.ID == "alice" {
				return true
			}
		}
		return false
	})
	count := 0
	for _, p := range bob.sync.Participants() {
		if p.ID == "alice" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("alice appears %d times in present-set, want 1", count)
	}

	if err := handle.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	waitFor(t, 2*time.Second, "alice never removed from present-set", func() bool {
		for _, p := range bob.sync.Participants() {
			if p.ID == "alice" {
				return false
			}
		}
		return true
	})
}

func TestJoinLeaveLifecycle(t *testing.T) {
	t.Parallel()

	store := memory.New(memory.WithoutSweeper())
	defer store.Close()

	bob := newHarness(t, store, room.Identity{ParticipantID: "bob", Name: "Bob", Language: "en"})
	if bob.sync.State() != room.StateNotJoined {
		t.Fatalf("initial state = %s, want not_joined", bob.sync.State())
	}
	if _, err := bob.sync.Publish(context.Background(), "too early", ""); err == nil {
		t.Fatal("Publish succeeded before Join")
	}

	if err := bob.sync.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := bob.sync.Join(context.Background()); err == nil {
		t.Fatal("second Join succeeded")
	}
	if got := len(store.Participants(testRoomID)); got != 1 {
		t.Fatalf("store participants = %d after join, want 1", got)
	}

	if err := bob.sync.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if bob.sync.State() != room.StateLeft {
		t.Fatalf("state = %s after Leave, want left", bob.sync.State())
	}
	if got := len(store.Participants(testRoomID)); got != 0 {
		t.Fatalf("store participants = %d after leave, want 0", got)
	}

	// Idempotent, and terminal.
	if err := bob.sync.Leave(context.Background()); err != nil {
		t.Fatalf("second Leave: %v", err)
	}
	if _, err := bob.sync.Publish(context.Background(), "too late", ""); err == nil {
		t.Fatal("Publish succeeded after Leave")
	}
}

func TestHeartbeatKeepsPresenceAlive(t *testing.T) {
	t.Parallel()

	store := memory.New(memory.WithoutSweeper(), memory.WithLivenessTimeout(80*time.Millisecond))
	defer store.Close()

	bob := newHarness(t, store,
		room.Identity{ParticipantID: "bob", Name: "Bob", Language: "en"},
		room.WithHeartbeatInterval(20*time.Millisecond))
	bob.join(t)

	// Sweep repeatedly across several liveness windows; the heartbeat must
	// keep the record alive the whole time.
	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		store.SweepNow()
	}
	if got := len(store.Participants(testRoomID)); got != 1 {
		t.Fatalf("participant swept despite heartbeats: %d remain, want 1", got)
	}
}
