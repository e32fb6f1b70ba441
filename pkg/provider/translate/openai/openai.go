// Package openai provides a Translator backed by the OpenAI chat completions
// API. It implements the translate.Translator interface.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/babelroom/babelroom/pkg/provider/translate"
)

const defaultModel = "gpt-4o-mini"

// systemPromptFmt instructs the model to behave as a pure translator. The
// temperature is pinned low so repeated requests for the same utterance
// produce stable output.
const systemPromptFmt = "You are a translation engine. Translate the user's text from %s to %s. " +
	"Output only the translated text with no commentary, no quotes, and no explanations. " +
	"Preserve the tone and register of the original."

// Provider implements translate.Translator using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel selects the chat model used for translation. Default: gpt-4o-mini.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a new OpenAI translation Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: cfg.model}, nil
}

// Translate implements translate.Translator.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (translate.Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return translate.Result{RequestID: req.RequestID}, nil
	}

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(fmt.Sprintf(systemPromptFmt, req.SourceLang, req.TargetLang)),
			oai.UserMessage(req.Text),
		},
		Temperature: param.NewOpt(0.2),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return translate.Result{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return translate.Result{}, fmt.Errorf("openai: empty choices in response")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return translate.Result{}, fmt.Errorf("openai: empty translation for non-empty input")
	}

	return translate.Result{
		RequestID: req.RequestID,
		Text:      text,
	}, nil
}
