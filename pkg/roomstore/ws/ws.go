// Package ws implements roomstore.Store against a remote sync service spoken
// to over a single WebSocket connection.
//
// The wire protocol is a JSON envelope per message. Client requests carry a
// sequence number and are acknowledged by the server; the client bounds every
// acknowledged wait rather than blocking forever. Server pushes (utterances,
// membership changes, status transitions) arrive as event envelopes and are
// fanned out to local watcher channels. Presence is tied to the connection:
// the server removes this client's participants when the socket drops, which
// is what gives rooms their "leave on disconnect" semantics.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/babelroom/babelroom/pkg/roomstore"
)

// Compile-time interface assertion.
var _ roomstore.Store = (*Store)(nil)

const (
	defaultDialTimeout = 5 * time.Second
	defaultAckTimeout  = 5 * time.Second
	watchBuf           = 256
)

// Option configures a Store during construction.
type Option func(*Store)

// WithDialTimeout bounds connection establishment. Default: 5s.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Store) { s.dialTimeout = d }
}

// WithAckTimeout bounds the wait for a server acknowledgement of a confirmed
// write (join, publish, status). Default: 5s.
func WithAckTimeout(d time.Duration) Option {
	return func(s *Store) { s.ackTimeout = d }
}

// envelope is the wire format in both directions.
type envelope struct {
	Op   string `json:"op"`
	Seq  uint64 `json:"seq,omitempty"`
	Room string `json:"room,omitempty"`
	Kind string `json:"kind,omitempty"`

	Participant *wireParticipant `json:"participant,omitempty"`
	Utterance   *wireUtterance   `json:"utterance,omitempty"`
	Status      *wireStatus      `json:"status,omitempty"`

	// Ack fields.
	Error      string `json:"error,omitempty"`
	ServerTime int64  `json:"server_time,omitempty"` // unix millis
}

type wireParticipant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Language   string `json:"language"`
	LastSeenAt int64  `json:"last_seen_at,omitempty"`
}

type wireUtterance struct {
	MessageID      string `json:"message_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	SenderLanguage string `json:"sender_language"`
	Text           string `json:"text"`
	Timestamp      int64  `json:"timestamp,omitempty"` // unix millis, server-assigned
}

type wireStatus struct {
	MessageID  string `json:"message_id"`
	ListenerID string `json:"listener_id"`
	State      string `json:"state"`
}

// Store is a WebSocket-backed roomstore.Store.
type Store struct {
	conn        *websocket.Conn
	dialTimeout time.Duration
	ackTimeout  time.Duration

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan envelope
	closed  bool

	watchMu     sync.Mutex
	utterWatch  map[string][]chan roomstore.Utterance
	memberWatch map[string][]chan roomstore.MembershipEvent
	statusWatch map[string][]chan roomstore.StatusEvent

	done chan struct{}
	once sync.Once
}

// Dial connects to the sync service at url. The apiKey, when non-empty, is
// sent as a bearer token.
func Dial(ctx context.Context, url, apiKey string, opts ...Option) (*Store, error) {
	if url == "" {
		return nil, errors.New("ws: url must not be empty")
	}

	s := &Store{
		dialTimeout: defaultDialTimeout,
		ackTimeout:  defaultAckTimeout,
		pending:     make(map[uint64]chan envelope),
		utterWatch:  make(map[string][]chan roomstore.Utterance),
		memberWatch: make(map[string][]chan roomstore.MembershipEvent),
		statusWatch: make(map[string][]chan roomstore.StatusEvent),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	var headers http.Header
	if apiKey != "" {
		headers = http.Header{}
		headers.Set("Authorization", "Bearer "+apiKey)
	}
	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("ws: dial: %w", err)
	}
	s.conn = conn

	go s.readLoop()
	return s, nil
}

// Close terminates the connection and closes all watcher channels. The server
// drops this client's presence records when the socket closes.
func (s *Store) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		for seq, ch := range s.pending {
			close(ch)
			delete(s.pending, seq)
		}
		s.mu.Unlock()

		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "store closed")
		s.closeWatchers()
	})
	return nil
}

func (s *Store) closeWatchers() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, chans := range s.utterWatch {
		for _, ch := range chans {
			close(ch)
		}
	}
	for _, chans := range s.memberWatch {
		for _, ch := range chans {
			close(ch)
		}
	}
	for _, chans := range s.statusWatch {
		for _, ch := range chans {
			close(ch)
		}
	}
	s.utterWatch = map[string][]chan roomstore.Utterance{}
	s.memberWatch = map[string][]chan roomstore.MembershipEvent{}
	s.statusWatch = map[string][]chan roomstore.StatusEvent{}
}

// call sends env and waits (bounded) for the matching ack.
func (s *Store) call(ctx context.Context, env envelope) (envelope, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return envelope{}, roomstore.ErrClosed
	}
	s.seq++
	env.Seq = s.seq
	ackCh := make(chan envelope, 1)
	s.pending[env.Seq] = ackCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, env.Seq)
		s.mu.Unlock()
	}()

	data, err := json.Marshal(env)
	if err != nil {
		return envelope{}, fmt.Errorf("ws: marshal %s: %w", env.Op, err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return envelope{}, fmt.Errorf("ws: send %s: %w", env.Op, err)
	}

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ackCh:
		if !ok {
			return envelope{}, roomstore.ErrClosed
		}
		if ack.Error != "" {
			return envelope{}, fmt.Errorf("ws: %s: %s", env.Op, ack.Error)
		}
		return ack, nil
	case <-timer.C:
		return envelope{}, fmt.Errorf("ws: %s: no ack within %v", env.Op, s.ackTimeout)
	case <-ctx.Done():
		return envelope{}, ctx.Err()
	case <-s.done:
		return envelope{}, roomstore.ErrClosed
	}
}

// ServerTime implements roomstore.Store.
func (s *Store) ServerTime(ctx context.Context) (time.Time, error) {
	ack, err := s.call(ctx, envelope{Op: "time"})
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ack.ServerTime), nil
}

// AnnouncePresence implements roomstore.Store.
func (s *Store) AnnouncePresence(ctx context.Context, roomID string, p roomstore.Participant) (roomstore.PresenceHandle, error) {
	_, err := s.call(ctx, envelope{
		Op:   "join",
		Room: roomID,
		Participant: &wireParticipant{
			ID:       p.ID,
			Name:     p.Name,
			Language: p.Language,
		},
	})
	if err != nil {
		return nil, err
	}
	return &presence{store: s, roomID: roomID, participantID: p.ID}, nil
}

// PublishUtterance implements roomstore.Store. The server treats a repeated
// message id as a no-op, so retrying a timed-out publish with the same id is
// safe.
func (s *Store) PublishUtterance(ctx context.Context, roomID string, u roomstore.Utterance) error {
	_, err := s.call(ctx, envelope{
		Op:   "publish",
		Room: roomID,
		Utterance: &wireUtterance{
			MessageID:      u.MessageID,
			SenderID:       u.SenderID,
			SenderName:     u.SenderName,
			SenderLanguage: u.SenderLanguage,
			Text:           u.Text,
		},
	})
	return err
}

// SetStatus implements roomstore.Store.
func (s *Store) SetStatus(ctx context.Context, roomID, messageID, listenerID string, state roomstore.PlaybackState) error {
	_, err := s.call(ctx, envelope{
		Op:   "status",
		Room: roomID,
		Status: &wireStatus{
			MessageID:  messageID,
			ListenerID: listenerID,
			State:      string(state),
		},
	})
	return err
}

// WatchUtterances implements roomstore.Store. The channel is closed when ctx
// is cancelled or the store closes.
func (s *Store) WatchUtterances(ctx context.Context, roomID string) (<-chan roomstore.Utterance, error) {
	if _, err := s.call(ctx, envelope{Op: "watch", Room: roomID, Kind: "utterances"}); err != nil {
		return nil, err
	}
	ch := make(chan roomstore.Utterance, watchBuf)
	s.watchMu.Lock()
	s.utterWatch[roomID] = append(s.utterWatch[roomID], ch)
	s.watchMu.Unlock()
	go s.unwatchOnDone(ctx, func() {
		s.utterWatch[roomID] = removeChan(s.utterWatch[roomID], ch)
		close(ch)
	})
	return ch, nil
}

// WatchMembership implements roomstore.Store. The channel is closed when ctx
// is cancelled or the store closes.
func (s *Store) WatchMembership(ctx context.Context, roomID string) (<-chan roomstore.MembershipEvent, error) {
	if _, err := s.call(ctx, envelope{Op: "watch", Room: roomID, Kind: "membership"}); err != nil {
		return nil, err
	}
	ch := make(chan roomstore.MembershipEvent, watchBuf)
	s.watchMu.Lock()
	s.memberWatch[roomID] = append(s.memberWatch[roomID], ch)
	s.watchMu.Unlock()
	go s.unwatchOnDone(ctx, func() {
		s.memberWatch[roomID] = removeChan(s.memberWatch[roomID], ch)
		close(ch)
	})
	return ch, nil
}

// WatchStatus implements roomstore.Store. The channel is closed when ctx is
// cancelled or the store closes.
func (s *Store) WatchStatus(ctx context.Context, roomID string) (<-chan roomstore.StatusEvent, error) {
	if _, err := s.call(ctx, envelope{Op: "watch", Room: roomID, Kind: "status"}); err != nil {
		return nil, err
	}
	ch := make(chan roomstore.StatusEvent, watchBuf)
	s.watchMu.Lock()
	s.statusWatch[roomID] = append(s.statusWatch[roomID], ch)
	s.watchMu.Unlock()
	go s.unwatchOnDone(ctx, func() {
		s.statusWatch[roomID] = removeChan(s.statusWatch[roomID], ch)
		close(ch)
	})
	return ch, nil
}

// unwatchOnDone runs remove (deregister plus channel close, under watchMu)
// when ctx is cancelled. Store shutdown wins: Close closes s.done before
// taking watchMu in closeWatchers, so re-checking done under the lock
// guarantees exactly one of the two paths closes the channel.
func (s *Store) unwatchOnDone(ctx context.Context, remove func()) {
	select {
	case <-ctx.Done():
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		select {
		case <-s.done:
			return
		default:
		}
		remove()
	case <-s.done:
	}
}

func removeChan[T any](chans []chan T, ch chan T) []chan T {
	for i, c := range chans {
		if c == ch {
			return append(chans[:i], chans[i+1:]...)
		}
	}
	return chans
}

// readLoop receives server messages and dispatches acks and events. A read
// error terminates the store; watchers see their channels close.
func (s *Store) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.Close()
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Malformed payload: discard the message, keep the connection.
			continue
		}

		switch env.Op {
		case "ack":
			s.mu.Lock()
			if ch, ok := s.pending[env.Seq]; ok {
				ch <- env
			}
			s.mu.Unlock()
		case "event":
			s.dispatchEvent(env)
		}
	}
}

// dispatchEvent fans a server push out to the matching watcher channels.
func (s *Store) dispatchEvent(env envelope) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	switch env.Kind {
	case "utterance":
		if env.Utterance == nil {
			return
		}
		u := roomstore.Utterance{
			MessageID:      env.Utterance.MessageID,
			SenderID:       env.Utterance.SenderID,
			SenderName:     env.Utterance.SenderName,
			SenderLanguage: env.Utterance.SenderLanguage,
			Text:           env.Utterance.Text,
			Timestamp:      time.UnixMilli(env.Utterance.Timestamp),
		}
		for _, ch := range s.utterWatch[env.Room] {
			select {
			case ch <- u:
			default:
			}
		}
	case "participant_added", "participant_removed":
		if env.Participant == nil {
			return
		}
		typ := roomstore.ParticipantAdded
		if env.Kind == "participant_removed" {
			typ = roomstore.ParticipantRemoved
		}
		ev := roomstore.MembershipEvent{
			Type: typ,
			Participant: roomstore.Participant{
				ID:       env.Participant.ID,
				Name:     env.Participant.Name,
				Language: env.Participant.Language,
			},
		}
		for _, ch := range s.memberWatch[env.Room] {
			select {
			case ch <- ev:
			default:
			}
		}
	case "status":
		if env.Status == nil {
			return
		}
		ev := roomstore.StatusEvent{
			MessageID:  env.Status.MessageID,
			ListenerID: env.Status.ListenerID,
			State:      roomstore.PlaybackState(env.Status.State),
		}
		for _, ch := range s.statusWatch[env.Room] {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// ---- presence ----

// presence implements roomstore.PresenceHandle over the shared connection.
type presence struct {
	store         *Store
	roomID        string
	participantID string
	leaveOnce     sync.Once
}

// Refresh implements roomstore.PresenceHandle.
func (p *presence) Refresh(ctx context.Context) error {
	_, err := p.store.call(ctx, envelope{
		Op:          "heartbeat",
		Room:        p.roomID,
		Participant: &wireParticipant{ID: p.participantID},
	})
	return err
}

// Leave implements roomstore.PresenceHandle.
func (p *presence) Leave(ctx context.Context) error {
	var err error
	p.leaveOnce.Do(func() {
		_, err = p.store.call(ctx, envelope{
			Op:          "leave",
			Room:        p.roomID,
			Participant: &wireParticipant{ID: p.participantID},
		})
	})
	return err
}
