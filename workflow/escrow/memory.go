package escrow

import (
	"context"
	"fmt"
	"sync"
)

// Release is a record of one executed payout, kept by MemEscrow for
// inspection in tests and demos.
type Release struct {
	EscrowID    string
	RecipientID string
	Amount      float64
	Reason      string
}

// account tracks one locked escrow.
type account struct {
	workflowID string
	amount     float64
	released   float64
	reasons    map[string]bool // reason -> already released
}

// MemEscrow is an in-process implementation of Sink.
//
// It enforces the facility contract locally:
//   - total releases never exceed the locked amount
//   - a second release with the same reason is a deduplicated no-op
//
// Designed for testing, demos, and single-process deployments. For a
// remote facilitator, use Client.
type MemEscrow struct {
	mu       sync.Mutex
	accounts map[string]*account
	releases []Release
}

// NewMemEscrow creates an empty in-memory escrow facility.
func NewMemEscrow() *MemEscrow {
	return &MemEscrow{accounts: make(map[string]*account)}
}

// Lock reserves funds and returns a deterministic escrow id derived
// from the workflow id.
func (m *MemEscrow) Lock(_ context.Context, workflowID string, amount float64, _, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount < 0 {
		return "", fmt.Errorf("cannot lock negative amount %v", amount)
	}

	escrowID := "escrow_" + workflowID
	if _, exists := m.accounts[escrowID]; exists {
		// Re-locking the same workflow is idempotent.
		return escrowID, nil
	}

	m.accounts[escrowID] = &account{
		workflowID: workflowID,
		amount:     amount,
		reasons:    make(map[string]bool),
	}
	return escrowID, nil
}

// Release pays out to a single recipient. Deduplicated by reason;
// rejects over-release.
func (m *MemEscrow) Release(_ context.Context, escrowID string, amount float64, recipientID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.release(escrowID, amount, recipientID, reason)
}

// Split executes each leg in order. Legs that would over-release fail
// the whole instruction before any leg is applied.
func (m *MemEscrow) Split(_ context.Context, escrowID string, splits []Split) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[escrowID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, escrowID)
	}

	var total float64
	for _, s := range splits {
		if !acct.reasons[s.Reason] {
			total += s.Amount
		}
	}
	if acct.released+total > acct.amount+amountEpsilon {
		return fmt.Errorf("%w: %v + %v > %v", ErrOverRelease, acct.released, total, acct.amount)
	}

	for _, s := range splits {
		if err := m.release(escrowID, s.Amount, s.RecipientID, s.Reason); err != nil {
			return err
		}
	}
	return nil
}

// amountEpsilon absorbs float rounding when comparing payout sums to
// the locked amount.
const amountEpsilon = 1e-9

func (m *MemEscrow) release(escrowID string, amount float64, recipientID, reason string) error {
	acct, ok := m.accounts[escrowID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, escrowID)
	}
	if acct.reasons[reason] {
		return nil // idempotent replay
	}
	if amount < 0 {
		return fmt.Errorf("cannot release negative amount %v", amount)
	}
	if acct.released+amount > acct.amount+amountEpsilon {
		return fmt.Errorf("%w: %v + %v > %v", ErrOverRelease, acct.released, amount, acct.amount)
	}

	acct.released += amount
	acct.reasons[reason] = true
	m.releases = append(m.releases, Release{
		EscrowID:    escrowID,
		RecipientID: recipientID,
		Amount:      amount,
		Reason:      reason,
	})
	return nil
}

// Released returns the total amount paid out from an escrow.
func (m *MemEscrow) Released(escrowID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[escrowID]; ok {
		return acct.released
	}
	return 0
}

// Releases returns a copy of the payout log.
func (m *MemEscrow) Releases() []Release {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Release(nil), m.releases...)
}
