// Package escrow defines the funds facility the workflow core settles
// against: locking at workflow start, milestone releases, and final
// split payments between executor and supervisor.
package escrow

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an escrow id does not exist.
var ErrNotFound = errors.New("escrow not found")

// ErrOverRelease is returned when a release or split would push the sum
// of released amounts past the locked amount.
var ErrOverRelease = errors.New("release exceeds locked amount")

// Split is one leg of a settlement payout.
type Split struct {
	RecipientID string  `json:"recipient_id"`
	Amount      float64 `json:"amount"`
	Reason      string  `json:"reason"`
}

// Sink is the external escrow facility contract. Implementations hold
// funds on behalf of a workflow and release them only on instruction
// from the orchestrator.
//
// The sum of amounts across releases must never exceed the locked
// amount; the core enforces this locally and implementations must
// enforce it too. Releases are deduplicated by (escrowID, reason) so
// settlement retries are idempotent.
type Sink interface {
	// Lock reserves funds for a workflow and returns the escrow id.
	Lock(ctx context.Context, workflowID string, amount float64, posterID, executorID string) (string, error)

	// Release pays out part of the locked amount to a recipient.
	Release(ctx context.Context, escrowID string, amount float64, recipientID, reason string) error

	// Split performs multiple releases as one settlement instruction.
	Split(ctx context.Context, escrowID string, splits []Split) error
}
