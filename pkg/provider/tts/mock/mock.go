// Package mock provides a scripted TTS provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/babelroom/babelroom/pkg/provider/tts"
)

// Provider implements tts.Provider. Each SynthesizeStream call consumes the
// text channel and emits one scripted chunk per text fragment (or the
// ChunkFor mapping when set).
type Provider struct {
	// Chunk is emitted once per text fragment when ChunkFor is nil.
	Chunk []byte

	// ChunkFor maps a text fragment to the PCM emitted for it. Fragments
	// missing from the map fall back to Chunk.
	ChunkFor map[string][]byte

	// Rate is the sample rate reported by SampleRate. Zero defaults to 24000.
	Rate int

	mu    sync.Mutex
	calls [][]string // text fragments per SynthesizeStream call
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int {
	if p.Rate > 0 {
		return p.Rate
	}
	return 24000
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, _ tts.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	idx := len(p.calls)
	p.calls = append(p.calls, nil)
	p.mu.Unlock()

	out := make(chan []byte, 32)
	go func() {
		defer close(out)
		for fragment := range text {
			p.mu.Lock()
			p.calls[idx] = append(p.calls[idx], fragment)
			p.mu.Unlock()

			chunk := p.Chunk
			if c, ok := p.ChunkFor[fragment]; ok {
				chunk = c
			}
			if len(chunk) == 0 {
				chunk = []byte(fragment)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Calls returns the text fragments consumed by each SynthesizeStream call.
func (p *Provider) Calls() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = append([]string(nil), c...)
	}
	return out
}
