package lightning

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"boltcard-server/internal/invoice"
)

// Mock is an in-process Backend for tests and local development. It
// performs the same amount and expiry validation as a real backend and
// settles every remaining payment with an all-zero preimage.
type Mock struct {
	mu       sync.Mutex
	payCalls int

	// FailWith, when non-empty, makes every PayInvoice attempt fail with
	// this message after validation passes.
	FailWith string
}

// NewMock returns a mock backend that succeeds on every valid payment.
func NewMock() *Mock {
	return &Mock{}
}

// PayCalls returns how many times PayInvoice reached the settle step,
// i.e. passed validation. Used to assert at-most-once settlement.
func (m *Mock) PayCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payCalls
}

func (m *Mock) PayInvoice(ctx context.Context, inv *invoice.Invoice, expectedMsats uint64) (*PaymentResult, error) {
	amountMsats, err := inv.AmountMsats()
	if err != nil {
		return nil, err
	}

	if amountMsats != expectedMsats {
		return &PaymentResult{
			Success: false,
			Error: fmt.Sprintf("invoice amount %d msats does not match expected %d msats",
				amountMsats, expectedMsats),
		}, nil
	}

	if inv.IsExpired() {
		return &PaymentResult{
			Success: false,
			Error:   "invoice is expired",
		}, nil
	}

	m.mu.Lock()
	m.payCalls++
	failWith := m.FailWith
	m.mu.Unlock()

	if failWith != "" {
		return &PaymentResult{Success: false, Error: failWith}, nil
	}

	return &PaymentResult{
		Success:  true,
		Preimage: hex.EncodeToString(make([]byte, 32)),
	}, nil
}

func (m *Mock) GetInfo(ctx context.Context) (*NodeInfo, error) {
	return &NodeInfo{
		Alias:        "mock-node",
		BalanceMsats: 1_000_000_000,
	}, nil
}
