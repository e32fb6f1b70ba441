package playback_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/babelroom/babelroom/internal/playback"
	"github.com/babelroom/babelroom/pkg/audio"
	"github.com/babelroom/babelroom/pkg/audio/mock"
)

var pcm16k = audio.Format{SampleRate: 16000, Channels: 1}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestFIFOOrderAndNoOverlap(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{RenderDelay: 10 * time.Millisecond}
	q := playback.New(sink)
	defer q.Close()

	for i := 0; i < 3; i++ {
		data := []byte(fmt.Sprintf("item-%d", i))
		q.Enqueue(playback.Item{Data: data, Format: pcm16k})
	}

	waitFor(t, time.Second, func() bool { return len(sink.Writes()) == 3 })

	writes := sink.Writes()
	for i, w := range writes {
		want := fmt.Sprintf("item-%d", i)
		if string(w.Data) != want {
			t.Errorf("write[%d] = %q, want %q", i, w.Data, want)
		}
	}
	// No overlap: each write ends before the next begins.
	for i := 1; i < len(writes); i++ {
		if writes[i].Start.Before(writes[i-1].End) {
			t.Errorf("write[%d] started at %v before write[%d] ended at %v",
				i, writes[i].Start, i-1, writes[i-1].End)
		}
	}
}

func TestHooksFireAroundRendering(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	q := playback.New(sink)
	defer q.Close()

	var mu sync.Mutex
	var events []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			events = append(events, name)
			mu.Unlock()
		}
	}

	q.Enqueue(playback.Item{
		Data:    []byte("audio"),
		Format:  pcm16k,
		OnStart: record("start"),
	})
	q.Enqueue(playback.Item{OnDone: record("done")})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if events[0] != "start" || events[1] != "done" {
		t.Fatalf("events = %v, want [start done]", events)
	}
	if writes := sink.Writes(); len(writes) != 1 {
		t.Fatalf("writes = %d, want 1 (marker items must not hit the sink)", len(writes))
	}
}

func TestIdleTeardownReleasesRoute(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	q := playback.New(sink, playback.WithIdleTimeout(20*time.Millisecond))
	defer q.Close()

	q.Enqueue(playback.Item{Data: []byte("a"), Format: pcm16k})
	waitFor(t, time.Second, func() bool { return sink.Released() == 1 })

	// A fresh enqueue restarts the worker.
	q.Enqueue(playback.Item{Data: []byte("b"), Format: pcm16k})
	waitFor(t, time.Second, func() bool { return len(sink.Writes()) == 2 })
	waitFor(t, time.Second, func() bool { return sink.Released() == 2 })
}

func TestCloseWaitsForInFlightAndDropsRest(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{RenderDelay: 30 * time.Millisecond}
	q := playback.New(sink)

	for i := 0; i < 5; i++ {
		q.Enqueue(playback.Item{Data: []byte{byte(i)}, Format: pcm16k})
	}
	// Let the worker pick up the first item.
	time.Sleep(10 * time.Millisecond)

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(sink.Writes()); got >= 5 {
		t.Errorf("Close rendered all %d items instead of dropping the queued ones", got)
	}
	if sink.Released() == 0 {
		t.Error("Close did not release the audio route")
	}

	// Idempotent, and enqueue after close is a no-op.
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	before := len(sink.Writes())
	q.Enqueue(playback.Item{Data: []byte("late"), Format: pcm16k})
	time.Sleep(20 * time.Millisecond)
	if got := len(sink.Writes()); got != before {
		t.Errorf("enqueue after Close rendered an item: %d -> %d writes", before, got)
	}
}

func TestPacingSleepsForBufferDuration(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	q := playback.New(sink, playback.WithPacing())
	defer q.Close()

	// 50 ms of 16 kHz mono: 1600 samples, 3200 bytes.
	data := make([]byte, 3200)
	start := time.Now()
	q.Enqueue(playback.Item{Data: data, Format: pcm16k})

	done := make(chan struct{})
	q.Enqueue(playback.Item{OnDone: func() { close(done) }})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("marker item never rendered")
	}
	if elapsed := time.Since(start); elapsed < 45*time.Millisecond {
		t.Errorf("paced render took %v, want at least ~50ms", elapsed)
	}
}

func TestDepthFuncTracksQueue(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	depth := 0
	sink := &mock.Sink{}
	q := playback.New(sink, playback.WithDepthFunc(func(delta int) {
		mu.Lock()
		depth += delta
		mu.Unlock()
	}))

	for i := 0; i < 4; i++ {
		q.Enqueue(playback.Item{Data: []byte{1}, Format: pcm16k})
	}
	waitFor(t, time.Second, func() bool { return len(sink.Writes()) == 4 })
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if depth != 0 {
		t.Errorf("depth = %d after all items rendered, want 0", depth)
	}
}
