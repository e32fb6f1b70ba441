// Package openai provides a TTS provider backed by the OpenAI speech API.
// It implements the tts.Provider interface.
package openai

import (
	"context"
	"fmt"
	"io"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/babelroom/babelroom/pkg/provider/tts"
)

const (
	defaultModel = oai.SpeechModelTTS1
	defaultVoice = string(oai.AudioSpeechNewParamsVoiceAlloy)

	// pcmSampleRate is the fixed output rate of the OpenAI speech API's pcm
	// response format: 24 kHz, 16-bit, mono.
	pcmSampleRate = 24000

	// readChunk is the body read size. Small enough that the first audio
	// chunk reaches playback quickly, large enough to keep syscall overhead
	// reasonable.
	readChunk = 8 * 1024
)

// Option is a functional option for the Provider.
type Option func(*Provider)

// WithModel sets the speech model (e.g., "tts-1", "tts-1-hd").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = oai.SpeechModel(model) }
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider implements tts.Provider backed by the OpenAI speech endpoint.
type Provider struct {
	client  oai.Client
	model   oai.SpeechModel
	baseURL string
}

// New creates a new OpenAI TTS Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	p := &Provider{model: defaultModel}
	for _, o := range opts {
		o(p)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int { return pcmSampleRate }

// SynthesizeStream implements tts.Provider. Each text fragment becomes one
// speech request; the response body is forwarded in small chunks so playback
// starts before synthesis finishes.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = defaultVoice
	}

	out := make(chan []byte, 32)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case fragment, ok := <-text:
				if !ok {
					return
				}
				if strings.TrimSpace(fragment) == "" {
					continue
				}
				if err := p.synthesizeOne(ctx, fragment, voiceID, out); err != nil {
					// Closing early signals the failure; the pipeline treats
					// it as a transport error on its error channel.
					return
				}
			}
		}
	}()
	return out, nil
}

// synthesizeOne issues one speech request and streams its PCM body to out.
func (p *Provider) synthesizeOne(ctx context.Context, text, voiceID string, out chan<- []byte) error {
	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          p.model,
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voiceID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return fmt.Errorf("openai: speech request: %w", err)
	}
	defer resp.Body.Close()

	for {
		buf := make([]byte, readChunk)
		n, err := resp.Body.Read(buf)
		if n > 0 {
			select {
			case out <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("openai: read speech body: %w", err)
		}
	}
}
