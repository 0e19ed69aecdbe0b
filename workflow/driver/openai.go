package driver

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// defaultOpenAIModel is used when no model name is given.
const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI implements Driver for OpenAI's chat completions API.
//
//	drv := driver.NewOpenAI(os.Getenv("OPENAI_API_KEY"), "gpt-4o")
type OpenAI struct {
	client    openai.Client
	modelName string
}

// NewOpenAI creates a driver for the given API key and model name.
// An empty model name selects the default model.
func NewOpenAI(apiKey, modelName string) *OpenAI {
	if modelName == "" {
		modelName = defaultOpenAIModel
	}
	return &OpenAI{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
	}
}

// Generate sends one chat completion request.
func (o *OpenAI) Generate(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	if req.Prompt == "" {
		return Response{}, errors.New("openai driver: empty prompt")
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.modelName),
		Messages: messages,
	})
	if err != nil {
		return Response{}, err
	}
	if len(completion.Choices) == 0 {
		return Response{}, errors.New("openai driver: response contained no choices")
	}

	return Response{
		Text:       completion.Choices[0].Message.Content,
		TokensUsed: int(completion.Usage.TotalTokens),
	}, nil
}
