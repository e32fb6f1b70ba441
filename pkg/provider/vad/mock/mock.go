// Package mock provides a scripted VAD engine for tests.
package mock

import (
	"sync"

	"github.com/babelroom/babelroom/pkg/provider/vad"
)

// Engine implements vad.Engine and hands out Sessions that replay a scripted
// list of decisions.
type Engine struct {
	// Decisions is replayed in order by every session created from this
	// engine. When exhausted, the last decision repeats.
	Decisions []vad.Decision

	mu       sync.Mutex
	sessions []*Session
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	s := &Session{decisions: e.Decisions}
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
	return s, nil
}

// Sessions returns all sessions created so far.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, len(e.sessions))
	copy(out, e.sessions)
	return out
}

// Session replays scripted decisions. It implements vad.SessionHandle.
type Session struct {
	decisions []vad.Decision

	mu      sync.Mutex
	idx     int
	frames  [][]byte
	resets  int
	closed  bool
	lastDec vad.Decision
}

// ProcessFrame implements vad.SessionHandle.
func (s *Session) ProcessFrame(frame []byte) (vad.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.frames = append(s.frames, cp)

	if len(s.decisions) == 0 {
		return vad.Decision{}, nil
	}
	d := s.decisions[min(s.idx, len(s.decisions)-1)]
	s.idx++
	s.lastDec = d
	return d, nil
}

// GateOpen implements vad.SessionHandle.
func (s *Session) GateOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDec.GateOpen
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx = 0
	s.resets++
	s.lastDec = vad.Decision{}
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FrameCount returns how many frames were processed.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}
