// Package room keeps one participant synchronized with a shared room.
//
// A Synchronizer joins the room store, maintains presence through heartbeats,
// watches membership and utterance records, and routes incoming utterances
// into the translate-and-speak pipeline. Delivery events are at-least-once, so
// everything here is written to be idempotent: membership folds into a
// present-set, utterances are deduplicated by message id and then by a text
// heuristic, a replay guard drops records from before this participant
// entered, and each playback status transition is published at most once per
// utterance.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/babelroom/babelroom/internal/dedup"
	"github.com/babelroom/babelroom/internal/observe"
	"github.com/babelroom/babelroom/internal/pipeline"
	"github.com/babelroom/babelroom/pkg/roomstore"
)

const (
	// DefaultHeartbeatInterval is how often presence is refreshed. It must be
	// comfortably below the store's liveness timeout.
	DefaultHeartbeatInterval = 10 * time.Second

	// publishRetries is how many times a Publish store write is attempted.
	// Retries reuse the original message id, so the write stays idempotent.
	publishRetries = 3

	// publishRetryDelay separates publish attempts.
	publishRetryDelay = 250 * time.Millisecond

	// maxSeenIDs caps the processed-message-id set. Oldest ids are evicted
	// first; an evicted id is also long past the dedup text window.
	maxSeenIDs = 4096
)

// State is the lifecycle state of a Synchronizer.
type State int32

const (
	// StateNotJoined means Join has not been called.
	StateNotJoined State = iota

	// StateJoining means Join is registering presence and subscriptions.
	StateJoining

	// StateJoined means the participant is present and consuming room events.
	StateJoined

	// StateLeft is terminal.
	StateLeft
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateNotJoined:
		return "not_joined"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeft:
		return "left"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Identity describes the local participant.
type Identity struct {
	// ParticipantID uniquely identifies this participant in the room.
	ParticipantID string

	// Name is the display name shown to other participants.
	Name string

	// Language is the BCP-47 tag this participant speaks and listens in.
	Language string
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithHeartbeatInterval overrides the presence refresh interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Synchronizer) { s.heartbeat = d }
}

// WithSuppressor sets the text-heuristic suppressor used for retransmitted
// utterances that arrive under a fresh message id. It must not be shared with
// the pipeline's suppressor: this one records incoming room text, and a shared
// instance would mark every utterance a duplicate before the pipeline saw it.
func WithSuppressor(sup *dedup.Suppressor) Option {
	return func(s *Synchronizer) { s.suppress = sup }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.log = l }
}

// Synchronizer ties the local participant to a room. All exported methods are
// safe for concurrent use.
type Synchronizer struct {
	store  roomstore.Store
	roomID string
	self   Identity
	pipe   *pipeline.Pipeline

	heartbeat time.Duration
	suppress  *dedup.Suppressor
	metrics   *observe.Metrics
	log       *slog.Logger

	state atomic.Int32

	mu        sync.Mutex
	presence  roomstore.PresenceHandle
	entryTime time.Time
	present   map[string]roomstore.Participant
	seen      map[string]struct{}
	seenOrder []string
	// delivery tracks per-listener playback state for utterances this
	// participant published.
	delivery map[string]map[string]roomstore.PlaybackState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Synchronizer for roomID. Incoming utterances are handed to
// pipe; nothing happens until Join.
func New(store roomstore.Store, roomID string, self Identity, pipe *pipeline.Pipeline, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:     store,
		roomID:    roomID,
		self:      self,
		pipe:      pipe,
		heartbeat: DefaultHeartbeatInterval,
		log:       slog.Default(),
		present:   make(map[string]roomstore.Participant),
		seen:      make(map[string]struct{}),
		delivery:  make(map[string]map[string]roomstore.PlaybackState),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// State returns the current lifecycle state.
func (s *Synchronizer) State() State { return State(s.state.Load()) }

// Join registers presence, records the server-assigned entry time, and starts
// the heartbeat and watch loops. The loops outlive ctx; they stop on Leave.
func (s *Synchronizer) Join(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateNotJoined), int32(StateJoining)) {
		return fmt.Errorf("room: join from state %s", s.State())
	}

	entry, err := s.store.ServerTime(ctx)
	if err != nil {
		s.state.Store(int32(StateNotJoined))
		return fmt.Errorf("room: server time: %w", err)
	}

	presence, err := s.store.AnnouncePresence(ctx, s.roomID, roomstore.Participant{
		ID:       s.self.ParticipantID,
		Name:     s.self.Name,
		Language: s.self.Language,
	})
	if err != nil {
		s.state.Store(int32(StateNotJoined))
		return fmt.Errorf("room: announce presence: %w", err)
	}

	// The watch loops run until Leave, not until the caller's ctx ends.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	utterances, err := s.store.WatchUtterances(runCtx, s.roomID)
	if err == nil {
		var membership <-chan roomstore.MembershipEvent
		membership, err = s.store.WatchMembership(runCtx, s.roomID)
		if err == nil {
			var status <-chan roomstore.StatusEvent
			status, err = s.store.WatchStatus(runCtx, s.roomID)
			if err == nil {
				s.mu.Lock()
				s.presence = presence
				s.entryTime = entry
				s.cancel = cancel
				s.mu.Unlock()

				s.wg.Add(4)
				go s.heartbeatLoop(runCtx)
				go s.utteranceLoop(runCtx, utterances)
				go s.membershipLoop(runCtx, membership)
				go s.statusLoop(runCtx, status)

				s.state.Store(int32(StateJoined))
				s.log.Info("joined room",
					"room", s.roomID,
					"participant", s.self.ParticipantID,
					"language", s.self.Language)
				return nil
			}
		}
	}

	cancel()
	_ = presence.Leave(ctx)
	s.state.Store(int32(StateNotJoined))
	return fmt.Errorf("room: subscribe: %w", err)
}

// Leave gracefully removes presence and stops all loops. Idempotent; safe to
// call from any state.
func (s *Synchronizer) Leave(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateJoined), int32(StateLeft)) {
		if s.state.CompareAndSwap(int32(StateNotJoined), int32(StateLeft)) {
			return nil
		}
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	presence := s.presence
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	var err error
	if presence != nil {
		err = presence.Leave(ctx)
	}
	s.log.Info("left room", "room", s.roomID, "participant", s.self.ParticipantID)
	return err
}

// Publish writes text as a new utterance under a client-generated message id
// and returns that id. sourceLang is the language the text was spoken in;
// under transcription auto-detect it can differ from the participant's
// configured language, and listeners translate from it. Empty falls back to
// the configured language. Store write retries reuse the id, so a retried
// write can never surface as a second utterance.
func (s *Synchronizer) Publish(ctx context.Context, text, sourceLang string) (string, error) {
	if s.State() != StateJoined {
		return "", fmt.Errorf("room: publish from state %s", s.State())
	}
	if sourceLang == "" {
		sourceLang = s.self.Language
	}

	id := uuid.NewString()
	u := roomstore.Utterance{
		MessageID:      id,
		SenderID:       s.self.ParticipantID,
		SenderName:     s.self.Name,
		SenderLanguage: sourceLang,
		Text:           text,
	}

	// Our own record will come back on the utterance watch; mark it processed
	// up front so the sender-id check has a second line of defence.
	s.markSeen(id)

	var err error
	for attempt := 1; attempt <= publishRetries; attempt++ {
		if err = s.store.PublishUtterance(ctx, s.roomID, u); err == nil {
			s.metrics.RecordUtterance(ctx, "sent", sourceLang)
			return id, nil
		}
		if ctx.Err() != nil {
			break
		}
		s.log.Warn("publish utterance failed, retrying",
			"message_id", id, "attempt", attempt, "error", err)
		select {
		case <-time.After(publishRetryDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("room: publish utterance %s: %w", id, err)
}

// Participants returns the current present-set.
func (s *Synchronizer) Participants() []roomstore.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]roomstore.Participant, 0, len(s.present))
	for _, p := range s.present {
		out = append(out, p)
	}
	return out
}

// DeliveryStatus returns the per-listener playback states recorded for an
// utterance this participant published.
func (s *Synchronizer) DeliveryStatus(messageID string) map[string]roomstore.PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := s.delivery[messageID]
	out := make(map[string]roomstore.PlaybackState, len(states))
	for listener, st := range states {
		out[listener] = st
	}
	return out
}

// ─── loops ───────────────────────────────────────────────────────────────────

func (s *Synchronizer) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			presence := s.presence
			s.mu.Unlock()
			if err := presence.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("presence heartbeat failed", "room", s.roomID, "error", err)
			}
		}
	}
}

func (s *Synchronizer) utteranceLoop(ctx context.Context, ch <-chan roomstore.Utterance) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					s.log.Warn("utterance watch closed", "room", s.roomID)
				}
				return
			}
			s.handleUtterance(ctx, u)
		}
	}
}

func (s *Synchronizer) membershipLoop(ctx context.Context, ch <-chan roomstore.MembershipEvent) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					s.log.Warn("membership watch closed", "room", s.roomID)
				}
				return
			}
			s.handleMembership(ctx, ev)
		}
	}
}

func (s *Synchronizer) statusLoop(ctx context.Context, ch <-chan roomstore.StatusEvent) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.mu.Lock()
			if _, mine := s.seen[ev.MessageID]; mine {
				states := s.delivery[ev.MessageID]
				if states == nil {
					states = make(map[string]roomstore.PlaybackState)
					s.delivery[ev.MessageID] = states
				}
				// played is terminal; never regress to playing.
				if states[ev.ListenerID] != roomstore.StatePlayed {
					states[ev.ListenerID] = ev.State
				}
			}
			s.mu.Unlock()
		}
	}
}

// ─── event handling ──────────────────────────────────────────────────────────

// handleUtterance applies the replay guard and both dedup layers, then routes
// the utterance into the pipeline with status-publication hooks attached.
func (s *Synchronizer) handleUtterance(ctx context.Context, u roomstore.Utterance) {
	if u.SenderID == s.self.ParticipantID {
		return
	}

	s.mu.Lock()
	entry := s.entryTime
	s.mu.Unlock()
	if u.Timestamp.Before(entry) {
		s.log.Debug("dropped pre-join utterance",
			"message_id", u.MessageID, "timestamp", u.Timestamp)
		return
	}

	if !s.markSeen(u.MessageID) {
		s.log.Debug("dropped redelivered utterance", "message_id", u.MessageID)
		s.metrics.RecordDuplicateSuppressed(ctx, "room")
		return
	}

	// A retransmitted publish that lost its original id arrives as a fresh
	// message; the text heuristic is the only thing that can catch it.
	if s.suppress != nil && s.suppress.IsDuplicate(dedup.Candidate{SpeakerID: u.SenderID, Text: u.Text}) {
		s.log.Debug("dropped near-duplicate utterance",
			"message_id", u.MessageID, "sender", u.SenderID)
		s.metrics.RecordDuplicateSuppressed(ctx, "room")
		return
	}

	s.metrics.RecordUtterance(ctx, "received", u.SenderLanguage)

	hooks := pipeline.Hooks{
		OnPlaybackStart: s.statusHook(ctx, u.MessageID, roomstore.StatePlaying),
		OnPlaybackDone:  s.statusHook(ctx, u.MessageID, roomstore.StatePlayed),
	}
	err := s.pipe.HandleFinalTranscript(ctx, pipeline.FinalTranscript{
		UtteranceID: u.MessageID,
		SpeakerID:   u.SenderID,
		SpeakerName: u.SenderName,
		Text:        u.Text,
		SourceLang:  u.SenderLanguage,
	}, hooks)
	if err != nil && ctx.Err() == nil {
		s.log.Error("utterance pipeline failed",
			"message_id", u.MessageID, "sender", u.SenderID, "error", err)
	}
}

func (s *Synchronizer) handleMembership(ctx context.Context, ev roomstore.MembershipEvent) {
	s.mu.Lock()
	_, known := s.present[ev.Participant.ID]
	changed := false
	switch ev.Type {
	case roomstore.ParticipantAdded:
		// Repeated adds fold into the present-set; only a genuinely new
		// participant changes it.
		s.present[ev.Participant.ID] = ev.Participant
		changed = !known
	case roomstore.ParticipantRemoved:
		if known {
			delete(s.present, ev.Participant.ID)
			changed = true
		}
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	switch ev.Type {
	case roomstore.ParticipantAdded:
		s.metrics.ActiveParticipants.Add(ctx, 1)
		s.log.Info("participant joined",
			"room", s.roomID,
			"participant", ev.Participant.ID,
			"name", ev.Participant.Name,
			"language", ev.Participant.Language)
	case roomstore.ParticipantRemoved:
		s.metrics.ActiveParticipants.Add(ctx, -1)
		s.log.Info("participant left",
			"room", s.roomID, "participant", ev.Participant.ID)
	}
}

// statusHook returns a playback hook that publishes the given state once. The
// sync.Once guards this process; the store's status-set exclusivity guards
// redelivery across reconnects.
func (s *Synchronizer) statusHook(ctx context.Context, messageID string, state roomstore.PlaybackState) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := s.store.SetStatus(ctx, s.roomID, messageID, s.self.ParticipantID, state); err != nil && ctx.Err() == nil {
				s.log.Warn("set playback status failed",
					"message_id", messageID, "state", state, "error", err)
			}
		})
	}
}

// markSeen records a message id and reports whether it was new.
func (s *Synchronizer) markSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > maxSeenIDs {
		evict := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, evict)
		delete(s.delivery, evict)
	}
	return true
}
