// Package memory implements roomstore.Store in process.
//
// It is the reference implementation of the store semantics (write-once
// utterance records, idempotent status transitions with set exclusivity,
// presence with liveness timeout) and doubles as the test store for every
// package that takes a roomstore.Store. A background sweeper expires
// participants whose heartbeats have stopped.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/babelroom/babelroom/pkg/roomstore"
)

// Compile-time interface assertion.
var _ roomstore.Store = (*Store)(nil)

const (
	// DefaultLivenessTimeout is how long a participant may go without a
	// heartbeat before the sweeper removes it.
	DefaultLivenessTimeout = 30 * time.Second

	// sweepInterval is how often the liveness sweeper runs.
	sweepInterval = 5 * time.Second

	// watchBuf is the depth of each watcher channel. A watcher that falls
	// this far behind loses events, the same at-least-once contract a
	// remote store gives under reconnect.
	watchBuf = 256
)

// Option configures a Store during construction.
type Option func(*Store)

// WithLivenessTimeout overrides the presence liveness timeout.
func WithLivenessTimeout(d time.Duration) Option {
	return func(s *Store) { s.livenessTimeout = d }
}

// WithoutSweeper disables the background liveness sweeper. Tests that want
// deterministic expiry call [Store.SweepNow] instead.
func WithoutSweeper() Option {
	return func(s *Store) { s.noSweeper = true }
}

// Store is an in-process roomstore.Store.
type Store struct {
	livenessTimeout time.Duration
	noSweeper       bool

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
	done   chan struct{}
}

// room holds all per-room state.
type room struct {
	participants map[string]roomstore.Participant
	utterances   map[string]roomstore.Utterance
	order        []string // message ids in publish order

	// status sets per message id. A listener is in at most one of the two.
	playingBy map[string]map[string]bool
	playedBy  map[string]map[string]bool

	utterWatch  []chan roomstore.Utterance
	memberWatch []chan roomstore.MembershipEvent
	statusWatch []chan roomstore.StatusEvent
}

// New creates a Store and starts its liveness sweeper.
func New(opts ...Option) *Store {
	s := &Store{
		livenessTimeout: DefaultLivenessTimeout,
		rooms:           make(map[string]*room),
		done:            make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if !s.noSweeper {
		go s.sweepLoop()
	}
	return s
}

// Close shuts the store down and closes all watcher channels.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	for _, r := range s.rooms {
		for _, ch := range r.utterWatch {
			close(ch)
		}
		for _, ch := range r.memberWatch {
			close(ch)
		}
		for _, ch := range r.statusWatch {
			close(ch)
		}
		r.utterWatch, r.memberWatch, r.statusWatch = nil, nil, nil
	}
	return nil
}

// ServerTime implements roomstore.Store.
func (s *Store) ServerTime(context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, roomstore.ErrClosed
	}
	return time.Now(), nil
}

// roomLocked returns the named room, creating it if needed. Caller holds mu.
func (s *Store) roomLocked(roomID string) *room {
	r, ok := s.rooms[roomID]
	if !ok {
		r = &room{
			participants: make(map[string]roomstore.Participant),
			utterances:   make(map[string]roomstore.Utterance),
			playingBy:    make(map[string]map[string]bool),
			playedBy:     make(map[string]map[string]bool),
		}
		s.rooms[roomID] = r
	}
	return r
}

// AnnouncePresence implements roomstore.Store.
func (s *Store) AnnouncePresence(_ context.Context, roomID string, p roomstore.Participant) (roomstore.PresenceHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, roomstore.ErrClosed
	}

	r := s.roomLocked(roomID)
	p.LastSeenAt = time.Now()
	_, existed := r.participants[p.ID]
	r.participants[p.ID] = p

	// Repeated adds are merged by consumers; emit unconditionally to honor
	// the at-least-once contract.
	_ = existed
	s.fanoutMembershipLocked(r, roomstore.MembershipEvent{
		Type:        roomstore.ParticipantAdded,
		Participant: p,
	})

	return &presence{store: s, roomID: roomID, participantID: p.ID}, nil
}

// PublishUtterance implements roomstore.Store. Write-once by message id.
func (s *Store) PublishUtterance(_ context.Context, roomID string, u roomstore.Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return roomstore.ErrClosed
	}

	r := s.roomLocked(roomID)
	if _, exists := r.utterances[u.MessageID]; exists {
		// Idempotent publish: a retry with the same id is a no-op success.
		return nil
	}

	u.Timestamp = time.Now()
	r.utterances[u.MessageID] = u
	r.order = append(r.order, u.MessageID)

	for _, ch := range r.utterWatch {
		select {
		case ch <- u:
		default:
		}
	}
	return nil
}

// SetStatus implements roomstore.Store. Transitions are idempotent and the
// playing/played sets are mutually exclusive per listener.
func (s *Store) SetStatus(_ context.Context, roomID, messageID, listenerID string, state roomstore.PlaybackState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return roomstore.ErrClosed
	}

	r := s.roomLocked(roomID)
	playing := r.playingBy[messageID]
	played := r.playedBy[messageID]
	if playing == nil {
		playing = make(map[string]bool)
		r.playingBy[messageID] = playing
	}
	if played == nil {
		played = make(map[string]bool)
		r.playedBy[messageID] = played
	}

	var changed bool
	switch state {
	case roomstore.StatePlaying:
		// "playing" after "played" is an out-of-order repeat; drop it.
		if !played[listenerID] && !playing[listenerID] {
			playing[listenerID] = true
			changed = true
		}
	case roomstore.StatePlayed:
		if !played[listenerID] {
			delete(playing, listenerID)
			played[listenerID] = true
			changed = true
		}
	default:
		return nil
	}

	if changed {
		for _, ch := range r.statusWatch {
			select {
			case ch <- roomstore.StatusEvent{MessageID: messageID, ListenerID: listenerID, State: state}:
			default:
			}
		}
	}
	return nil
}

// Playing reports whether listenerID is currently in the playing set for the
// given utterance. Test helper.
func (s *Store) Playing(roomID, messageID, listenerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.playingBy[messageID][listenerID]
	}
	return false
}

// Played reports whether listenerID is in the played set for the given
// utterance. Test helper.
func (s *Store) Played(roomID, messageID, listenerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.playedBy[messageID][listenerID]
	}
	return false
}

// Participants returns the current membership of a room. Test helper.
func (s *Store) Participants(roomID string) []roomstore.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]roomstore.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// WatchUtterances implements roomstore.Store. Existing records are redelivered
// to the new watcher in publish order.
func (s *Store) WatchUtterances(ctx context.Context, roomID string) (<-chan roomstore.Utterance, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, roomstore.ErrClosed
	}
	r := s.roomLocked(roomID)
	ch := make(chan roomstore.Utterance, watchBuf)
	// Replay at most the channel's capacity, newest records last. An unbounded
	// replay would block on the channel with the store lock held once the
	// buffer fills; losing the oldest history is the same lossy at-least-once
	// contract a lagging watcher already has.
	ids := r.order
	if len(ids) > watchBuf {
		ids = ids[len(ids)-watchBuf:]
	}
	for _, id := range ids {
		ch <- r.utterances[id]
	}
	r.utterWatch = append(r.utterWatch, ch)
	s.mu.Unlock()

	s.unwatchOnDone(ctx, func(r *room) {
		r.utterWatch = removeChan(r.utterWatch, ch)
	}, roomID, func() { close(ch) })
	return ch, nil
}

// WatchMembership implements roomstore.Store.
func (s *Store) WatchMembership(ctx context.Context, roomID string) (<-chan roomstore.MembershipEvent, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, roomstore.ErrClosed
	}
	r := s.roomLocked(roomID)
	ch := make(chan roomstore.MembershipEvent, watchBuf)
	// Same capacity bound as the utterance replay: never block with the lock
	// held.
	for _, p := range r.participants {
		if len(ch) == watchBuf {
			break
		}
		ch <- roomstore.MembershipEvent{Type: roomstore.ParticipantAdded, Participant: p}
	}
	r.memberWatch = append(r.memberWatch, ch)
	s.mu.Unlock()

	s.unwatchOnDone(ctx, func(r *room) {
		r.memberWatch = removeChan(r.memberWatch, ch)
	}, roomID, func() { close(ch) })
	return ch, nil
}

// WatchStatus implements roomstore.Store.
func (s *Store) WatchStatus(ctx context.Context, roomID string) (<-chan roomstore.StatusEvent, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, roomstore.ErrClosed
	}
	r := s.roomLocked(roomID)
	ch := make(chan roomstore.StatusEvent, watchBuf)
	r.statusWatch = append(r.statusWatch, ch)
	s.mu.Unlock()

	s.unwatchOnDone(ctx, func(r *room) {
		r.statusWatch = removeChan(r.statusWatch, ch)
	}, roomID, func() { close(ch) })
	return ch, nil
}

// unwatchOnDone spawns a goroutine that deregisters a watcher when ctx ends.
func (s *Store) unwatchOnDone(ctx context.Context, remove func(*room), roomID string, closeCh func()) {
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			// Close already closed the channel.
			return
		}
		s.mu.Lock()
		if !s.closed {
			if r, ok := s.rooms[roomID]; ok {
				remove(r)
			}
			closeCh()
		}
		s.mu.Unlock()
	}()
}

// SweepNow expires participants whose last heartbeat is older than the
// liveness timeout. The background sweeper calls this periodically; tests
// call it directly.
func (s *Store) SweepNow() {
	cutoff := time.Now().Add(-s.livenessTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, r := range s.rooms {
		for id, p := range r.participants {
			if p.LastSeenAt.Before(cutoff) {
				delete(r.participants, id)
				s.fanoutMembershipLocked(r, roomstore.MembershipEvent{
					Type:        roomstore.ParticipantRemoved,
					Participant: p,
				})
			}
		}
	}
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.SweepNow()
		}
	}
}

func (s *Store) fanoutMembershipLocked(r *room, ev roomstore.MembershipEvent) {
	for _, ch := range r.memberWatch {
		select {
		case ch <- ev:
		default:
		}
	}
}

func removeChan[T any](chans []chan T, target chan T) []chan T {
	out := chans[:0]
	for _, c := range chans {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// ---- presence ----

// presence implements roomstore.PresenceHandle.
type presence struct {
	store         *Store
	roomID        string
	participantID string

	leaveOnce sync.Once
}

// Refresh implements roomstore.PresenceHandle.
func (p *presence) Refresh(context.Context) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if p.store.closed {
		return roomstore.ErrClosed
	}
	r, ok := p.store.rooms[p.roomID]
	if !ok {
		return nil
	}
	if part, ok := r.participants[p.participantID]; ok {
		part.LastSeenAt = time.Now()
		r.participants[p.participantID] = part
	}
	return nil
}

// Leave implements roomstore.PresenceHandle.
func (p *presence) Leave(context.Context) error {
	p.leaveOnce.Do(func() {
		p.store.mu.Lock()
		defer p.store.mu.Unlock()
		if p.store.closed {
			return
		}
		r, ok := p.store.rooms[p.roomID]
		if !ok {
			return
		}
		if part, ok := r.participants[p.participantID]; ok {
			delete(r.participants, p.participantID)
			p.store.fanoutMembershipLocked(r, roomstore.MembershipEvent{
				Type:        roomstore.ParticipantRemoved,
				Participant: part,
			})
		}
	})
	return nil
}
