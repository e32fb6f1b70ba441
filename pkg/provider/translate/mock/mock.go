// Package mock provides scripted translation providers for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/babelroom/babelroom/pkg/provider/translate"
)

// Translator implements translate.Translator with a lookup table.
type Translator struct {
	// Translations maps source text to translated text. Missing entries fall
	// back to "<target>:" + source text so tests don't have to enumerate
	// every phrase.
	Translations map[string]string

	// Err, when non-nil, is returned by every Translate call.
	Err error

	mu    sync.Mutex
	calls []translate.Request
}

// Translate implements translate.Translator.
func (t *Translator) Translate(_ context.Context, req translate.Request) (translate.Result, error) {
	t.mu.Lock()
	t.calls = append(t.calls, req)
	t.mu.Unlock()

	if t.Err != nil {
		return translate.Result{}, t.Err
	}

	text, ok := t.Translations[req.Text]
	if !ok {
		text = req.TargetLang + ":" + req.Text
	}
	return translate.Result{RequestID: req.RequestID, Text: text}, nil
}

// Calls returns every request passed to Translate.
func (t *Translator) Calls() []translate.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]translate.Request, len(t.calls))
	copy(out, t.calls)
	return out
}

// StreamProvider implements translate.StreamProvider. Each OpenSession call
// creates a Session that answers every Send with a scripted chunk sequence.
type StreamProvider struct {
	// ChunksPerRequest is the chunk script emitted per Send call, with
	// RequestID filled in from the request. A Final chunk is appended
	// automatically if the script does not end with one.
	ChunksPerRequest []translate.Chunk

	// OpenErr, when non-nil, is returned by OpenSession.
	OpenErr error

	mu       sync.Mutex
	sessions []*Session
}

// OpenSession implements translate.StreamProvider.
func (p *StreamProvider) OpenSession(_ context.Context, sourceLang, targetLang, voice string) (translate.StreamSession, error) {
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	s := &Session{
		script: p.ChunksPerRequest,
		chunks: make(chan translate.Chunk, 64),
		done:   make(chan struct{}),
	}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Sessions returns all sessions created so far.
func (p *StreamProvider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Session is a scripted translate.StreamSession.
type Session struct {
	script []translate.Chunk
	chunks chan translate.Chunk
	done   chan struct{}

	mu     sync.Mutex
	sends  []translate.Request
	closed bool
}

// Send implements translate.StreamSession. It synchronously emits the scripted
// chunks for the request.
func (s *Session) Send(_ context.Context, req translate.Request) error {
	s.mu.Lock()
	s.sends = append(s.sends, req)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("mock: session is closed")
	}

	sawFinal := false
	for _, c := range s.script {
		c.RequestID = req.RequestID
		sawFinal = sawFinal || c.Final
		s.chunks <- c
	}
	if !sawFinal {
		s.chunks <- translate.Chunk{RequestID: req.RequestID, Final: true}
	}
	return nil
}

// Chunks implements translate.StreamSession.
func (s *Session) Chunks() <-chan translate.Chunk { return s.chunks }

// Err implements translate.StreamSession.
func (s *Session) Err() error { return nil }

// Close implements translate.StreamSession.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.chunks)
	close(s.done)
	return nil
}

// Sends returns every request passed to Send.
func (s *Session) Sends() []translate.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]translate.Request, len(s.sends))
	copy(out, s.sends)
	return out
}
