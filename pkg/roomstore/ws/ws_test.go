package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/babelroom/babelroom/pkg/roomstore"
	"github.com/babelroom/babelroom/pkg/roomstore/ws"
)

const roomID = "room-1"

// request is the subset of the client envelope the test server needs.
type request struct {
	Op   string `json:"op"`
	Seq  uint64 `json:"seq"`
	Kind string `json:"kind"`
}

// newSyncServer runs a minimal sync service that acks every request. When
// onRequest is non-nil it runs after each ack and may push extra messages on
// the same connection.
func newSyncServer(t *testing.T, onRequest func(ctx context.Context, c *websocket.Conn, req request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var req request
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			ack, _ := json.Marshal(map[string]any{"op": "ack", "seq": req.Seq})
			if err := c.Write(ctx, websocket.MessageText, ack); err != nil {
				return
			}
			if onRequest != nil {
				onRequest(ctx, c, req)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func dialStore(t *testing.T, url string) *ws.Store {
	t.Helper()
	s, err := ws.Dial(context.Background(), url, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWatchChannelClosedOnContextCancel(t *testing.T) {
	t.Parallel()

	s := dialStore(t, newSyncServer(t, nil))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.WatchUtterances(ctx, roomID)
	if err != nil {
		t.Fatalf("WatchUtterances: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("received an event instead of a close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after context cancel")
	}

	// The store itself stays usable; only that watcher is gone.
	if _, err := s.ServerTime(context.Background()); err != nil {
		t.Fatalf("ServerTime after unwatch: %v", err)
	}
}

func TestWatchChannelClosedOnStoreClose(t *testing.T) {
	t.Parallel()

	s := dialStore(t, newSyncServer(t, nil))

	ch, err := s.WatchStatus(context.Background(), roomID)
	if err != nil {
		t.Fatalf("WatchStatus: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("received an event instead of a close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after store close")
	}
}

func TestServerPushFansOutToWatcher(t *testing.T) {
	t.Parallel()

	event, _ := json.Marshal(map[string]any{
		"op":   "event",
		"kind": "utterance",
		"room": roomID,
		"utterance": map[string]any{
			"message_id":      "m1",
			"sender_id":       "alice",
			"sender_language": "ko",
			"text":            "안녕하세요",
			"timestamp":       time.Now().UnixMilli(),
		},
	})
	url := newSyncServer(t, func(ctx context.Context, c *websocket.Conn, req request) {
		if req.Op == "watch" && req.Kind == "utterances" {
			_ = c.Write(ctx, websocket.MessageText, event)
		}
	})
	s := dialStore(t, url)

	ch, err := s.WatchUtterances(context.Background(), roomID)
	if err != nil {
		t.Fatalf("WatchUtterances: %v", err)
	}

	select {
	case u := <-ch:
		if u.MessageID != "m1" || u.SenderLanguage != "ko" {
			t.Fatalf("utterance = %+v, want m1 from ko", u)
		}
		if u.Timestamp.IsZero() {
			t.Fatal("server timestamp lost in decoding")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pushed utterance never delivered")
	}
}

func TestCallsFailAfterClose(t *testing.T) {
	t.Parallel()

	s := dialStore(t, newSyncServer(t, nil))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := s.PublishUtterance(context.Background(), roomID, roomstore.Utterance{MessageID: "m1"}); !errors.Is(err, roomstore.ErrClosed) {
		t.Fatalf("PublishUtterance after close = %v, want ErrClosed", err)
	}
}
