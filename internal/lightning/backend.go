// Package lightning abstracts the Lightning node behind the two-method
// contract the withdrawal flow needs. The concrete LND client lives in
// lnd.go; tests and local development use the Mock.
package lightning

import (
	"context"

	"boltcard-server/internal/invoice"
)

// PaymentResult reports the outcome of a payment attempt. Node-side
// failures come back as Success=false with a message, not as an error:
// only infrastructure problems (connection refused, context cancelled)
// surface as errors.
type PaymentResult struct {
	Success  bool   `json:"success"`
	Preimage string `json:"preimage,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NodeInfo carries node identity and balance for health endpoints. Not
// used on the withdrawal path.
type NodeInfo struct {
	Alias        string `json:"alias"`
	BalanceMsats uint64 `json:"balance_msats"`
}

// Backend is the Lightning node contract consumed by the withdraw
// service. PayInvoice must re-verify that the invoice's declared amount
// equals expectedMsats before contacting the node.
type Backend interface {
	PayInvoice(ctx context.Context, inv *invoice.Invoice, expectedMsats uint64) (*PaymentResult, error)
	GetInfo(ctx context.Context) (*NodeInfo, error)
}
