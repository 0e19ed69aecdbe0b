// Package driver provides LLM integration for the executor
// collaborator.
//
// A Driver produces plan and step outputs on the executor's behalf.
// The workflow core never imports this package; drivers only feed the
// ExecutionState fields that checkpoints capture. Adapters exist for
// Anthropic, OpenAI, and Google Gemini, plus a Mock for tests.
package driver

import "context"

// Request is one generation call.
type Request struct {
	// System sets the model's behavior for this call. Optional.
	System string

	// Prompt is the user-facing instruction.
	Prompt string
}

// Response is the model's output.
type Response struct {
	// Text is the generated content.
	Text string

	// TokensUsed is the provider-reported total token count for the
	// call, or 0 when the provider does not report usage.
	TokensUsed int
}

// Driver is the LLM provider contract.
//
// Implementations should:
//   - Handle provider-specific authentication.
//   - Respect context cancellation and timeouts.
//   - Report token usage when the provider exposes it, so executors
//     can feed resource consumption into monitoring and settlement.
type Driver interface {
	// Generate sends one request to the provider and returns its output.
	Generate(ctx context.Context, req Request) (Response, error)
}
