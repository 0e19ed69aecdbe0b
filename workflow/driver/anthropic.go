package driver

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// defaultAnthropicModel is used when no model name is given.
const defaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic implements Driver for Anthropic's Messages API.
//
//	drv := driver.NewAnthropic(os.Getenv("ANTHROPIC_API_KEY"), "")
//	out, err := drv.Generate(ctx, driver.Request{Prompt: "Plan the task"})
type Anthropic struct {
	client    anthropic.Client
	modelName string
	maxTokens int64
}

// AnthropicOption configures the Anthropic driver.
type AnthropicOption func(*Anthropic)

// WithAnthropicMaxTokens overrides the per-call output token cap
// (default 1024).
func WithAnthropicMaxTokens(n int64) AnthropicOption {
	return func(a *Anthropic) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// NewAnthropic creates a driver for the given API key and model name.
// An empty model name selects the default Claude model.
func NewAnthropic(apiKey, modelName string, opts ...AnthropicOption) *Anthropic {
	if modelName == "" {
		modelName = defaultAnthropicModel
	}
	a := &Anthropic{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
		maxTokens: 1024,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Generate sends one message to the API. The system prompt travels in
// Anthropic's dedicated system parameter, not in the messages array.
func (a *Anthropic) Generate(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	if req.Prompt == "" {
		return Response{}, errors.New("anthropic driver: empty prompt")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.modelName),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, err
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	return Response{
		Text:       sb.String(),
		TokensUsed: int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}, nil
}
