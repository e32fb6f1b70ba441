// Package mock provides a scripted STT provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/babelroom/babelroom/pkg/provider/stt"
)

// Provider implements stt.Provider. Each StartStream call creates a Session
// whose transcript channels are driven by the test.
type Provider struct {
	// StartErr, when non-nil, is returned by StartStream. Used to exercise
	// connect-failure and reconnect paths.
	StartErr error

	mu       sync.Mutex
	sessions []*Session
	starts   []stt.StreamConfig
}

// StartStream implements stt.Provider.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts = append(p.starts, cfg)
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Sessions returns all sessions created so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// StartCalls returns the StreamConfig of every StartStream call.
func (p *Provider) StartCalls() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]stt.StreamConfig, len(p.starts))
	copy(out, p.starts)
	return out
}

// Session is a test-driven stt.SessionHandle. Tests emit transcripts with
// EmitPartial/EmitFinal and terminate the session with Fail or Close.
type Session struct {
	partials chan stt.Transcript
	finals   chan stt.Transcript
	done     chan struct{}

	mu     sync.Mutex
	audio  [][]byte
	err    error
	closed bool
}

// NewSession creates an open Session.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
		done:     make(chan struct{}),
	}
}

// SendAudio implements stt.SessionHandle.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audio = append(s.audio, cp)
	return nil
}

// Partials implements stt.SessionHandle.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals implements stt.SessionHandle.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Done implements stt.SessionHandle.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err implements stt.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements stt.SessionHandle.
func (s *Session) Close() error {
	s.terminate(nil)
	return nil
}

// EmitPartial delivers an interim transcript to the session consumer.
func (s *Session) EmitPartial(t stt.Transcript) {
	t.IsFinal = false
	s.partials <- t
}

// EmitFinal delivers an authoritative transcript to the session consumer.
func (s *Session) EmitFinal(t stt.Transcript) {
	t.IsFinal = true
	s.finals <- t
}

// Fail terminates the session with the given transport error, as if the
// backend connection dropped.
func (s *Session) Fail(err error) {
	s.terminate(err)
}

// Audio returns every chunk passed to SendAudio.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

func (s *Session) terminate(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()

	close(s.partials)
	close(s.finals)
	close(s.done)
}
