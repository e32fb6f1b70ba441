// Package roomstore defines the synchronized store interface behind room
// fan-out.
//
// A Store is a multi-writer, multi-reader synchronized key-value service
// scoped by room: write-once utterance records, per-room child listeners for
// incremental updates, presence records with automatic removal on disconnect,
// and server-assigned timestamps for ordering. Delivery to watchers is
// at-least-once; consumers must deduplicate by message id.
//
// Two implementations ship with babelroom: memory (in-process, also the test
// double) and ws (a remote sync service spoken to over WebSocket).
//
// Implementations must be safe for concurrent use.
package roomstore

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store or presence handle.
var ErrClosed = errors.New("roomstore: closed")

// Participant is a room membership record. It is created on join, refreshed
// by heartbeat, and removed on graceful leave or liveness timeout.
type Participant struct {
	// ID uniquely identifies the participant within the room.
	ID string

	// Name is the display name.
	Name string

	// Language is the participant's BCP-47 listening language.
	Language string

	// LastSeenAt is the server time of the last heartbeat. Maintained by the
	// store; callers leave it zero on join.
	LastSeenAt time.Time
}

// Utterance is one finalized, cross-room-shareable spoken segment. Immutable
// after creation; identified by its message id.
type Utterance struct {
	// MessageID is the unique id the record is written once under. Publishing
	// again with the same id has no additional effect.
	MessageID string

	// SenderID and SenderName identify the speaking participant.
	SenderID   string
	SenderName string

	// SenderLanguage is the language the text was spoken in.
	SenderLanguage string

	// Text is the original transcribed text.
	Text string

	// Timestamp is the server-assigned write time, used for ordering and for
	// the join-replay guard. Assigned by the store on publish.
	Timestamp time.Time
}

// PlaybackState is a listener's delivery state for one utterance.
type PlaybackState string

const (
	// StatePlaying means the listener has started rendering the utterance.
	StatePlaying PlaybackState = "playing"

	// StatePlayed means the listener has finished rendering it.
	StatePlayed PlaybackState = "played"
)

// StatusEvent reports a listener's playback-state transition for an
// utterance back to the room.
type StatusEvent struct {
	MessageID  string
	ListenerID string
	State      PlaybackState
}

// MembershipEventType distinguishes joins from leaves.
type MembershipEventType int

const (
	// ParticipantAdded is emitted when a participant joins (or is redelivered;
	// consumers merge repeated adds into an idempotent present-set).
	ParticipantAdded MembershipEventType = iota

	// ParticipantRemoved is emitted on graceful leave or liveness timeout.
	ParticipantRemoved
)

// MembershipEvent is one membership change, delivered at-least-once.
type MembershipEvent struct {
	Type        MembershipEventType
	Participant Participant
}

// PresenceHandle represents this client's registered presence in a room.
// The store removes the presence record automatically when the handle's
// connection is lost; Refresh keeps it alive in the meantime.
type PresenceHandle interface {
	// Refresh heartbeats the presence record, bumping LastSeenAt.
	Refresh(ctx context.Context) error

	// Leave removes the presence record gracefully. Idempotent.
	Leave(ctx context.Context) error
}

// Store is the synchronized room store.
//
// Watch channels deliver events for a single room in the order the store
// observed them; cross-room ordering is not guaranteed. Each watch channel is
// closed when ctx is cancelled or the store shuts down.
type Store interface {
	// ServerTime returns the store's current time. Room-entry times and
	// replay guards must use this clock, not the local one.
	ServerTime(ctx context.Context) (time.Time, error)

	// AnnouncePresence registers p in the room and returns a handle for
	// heartbeats and graceful leave. The store removes the record on
	// disconnect ("leave on disconnect" semantics) or when heartbeats stop
	// for longer than the liveness timeout.
	AnnouncePresence(ctx context.Context, roomID string, p Participant) (PresenceHandle, error)

	// PublishUtterance writes u once under u.MessageID and assigns the
	// server timestamp. Republishing an existing message id is a no-op
	// success, which makes network-level retries safe.
	PublishUtterance(ctx context.Context, roomID string, u Utterance) error

	// SetStatus records a listener's playback state for an utterance. A
	// listener id is in at most one of the playing/played sets at any time;
	// the store enforces the exclusivity and drops out-of-order repeats
	// (e.g., "playing" after "played").
	SetStatus(ctx context.Context, roomID, messageID, listenerID string, state PlaybackState) error

	// WatchUtterances subscribes to the room's utterance records. Existing
	// records may be redelivered on subscribe; consumers apply their own
	// replay guard and dedup.
	WatchUtterances(ctx context.Context, roomID string) (<-chan Utterance, error)

	// WatchMembership subscribes to the room's membership changes.
	WatchMembership(ctx context.Context, roomID string) (<-chan MembershipEvent, error)

	// WatchStatus subscribes to playback-state transitions in the room.
	WatchStatus(ctx context.Context, roomID string) (<-chan StatusEvent, error)
}
