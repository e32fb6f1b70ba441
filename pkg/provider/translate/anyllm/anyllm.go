// Package anyllm provides a Translator backed by github.com/mozilla-ai/any-llm-go,
// a unified multi-provider LLM interface supporting OpenAI, Anthropic, Gemini,
// Ollama, DeepSeek, Mistral, Groq, and more.
//
// Usage:
//
//	t, err := anyllm.New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-..."))
//	t, err := anyllm.New("ollama", "qwen2.5:7b") // local inference, no key
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/babelroom/babelroom/pkg/provider/translate"
)

const systemPromptFmt = "You are a translation engine. Translate the user's text from %s to %s. " +
	"Output only the translated text with no commentary, no quotes, and no explanations. " +
	"Preserve the tone and register of the original."

// Provider implements translate.Translator by wrapping any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Provider backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq". model is the specific model to use. opts are
// any-llm-go options (e.g., anyllmlib.WithAPIKey, anyllmlib.WithBaseURL); with
// no API key option the backend falls back to its environment variable.
func New(providerName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Provider{backend: backend, model: model}, nil
}

// createBackend creates the underlying any-llm-go provider.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq", providerName)
	}
}

// Translate implements translate.Translator.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (translate.Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return translate.Result{RequestID: req.RequestID}, nil
	}

	temp := 0.2
	params := anyllmlib.CompletionParams{
		Model:       p.model,
		Temperature: &temp,
		Messages: []anyllmlib.Message{
			{
				Role:    anyllmlib.RoleSystem,
				Content: fmt.Sprintf(systemPromptFmt, req.SourceLang, req.TargetLang),
			},
			{
				Role:    anyllmlib.RoleUser,
				Content: req.Text,
			},
		},
	}

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return translate.Result{}, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return translate.Result{}, fmt.Errorf("anyllm: empty choices in response")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.ContentString())
	if text == "" {
		return translate.Result{}, fmt.Errorf("anyllm: empty translation for non-empty input")
	}

	return translate.Result{
		RequestID: req.RequestID,
		Text:      text,
	}, nil
}
