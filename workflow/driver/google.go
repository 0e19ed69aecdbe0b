package driver

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// defaultGoogleModel is used when no model name is given.
const defaultGoogleModel = "gemini-1.5-flash"

// Google implements Driver for Google's Gemini API.
//
// The underlying client holds a connection; call Close when done.
//
//	drv, err := driver.NewGoogle(ctx, os.Getenv("GOOGLE_API_KEY"), "")
//	if err != nil { ... }
//	defer drv.Close()
type Google struct {
	client    *genai.Client
	modelName string
}

// NewGoogle creates a driver for the given API key and model name.
// An empty model name selects the default Gemini model.
func NewGoogle(ctx context.Context, apiKey, modelName string) (*Google, error) {
	if modelName == "" {
		modelName = defaultGoogleModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &Google{client: client, modelName: modelName}, nil
}

// Generate sends one content generation request.
func (g *Google) Generate(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	if req.Prompt == "" {
		return Response{}, errors.New("google driver: empty prompt")
	}

	model := g.client.GenerativeModel(g.modelName)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return Response{}, err
	}

	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
		break // first candidate only
	}

	out := Response{Text: sb.String()}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

// Close releases the underlying API client.
func (g *Google) Close() error {
	return g.client.Close()
}
