// Package invoice wraps lnd's zpay32 BOLT-11 codec behind the small
// surface the withdrawal flow needs: amount, payment hash, expiry.
package invoice

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
)

var (
	// ErrNoAmount is returned for amountless invoices. The withdrawal
	// flow rejects them outright: the card's budget must bound the spend.
	ErrNoAmount = errors.New("invoice has no amount")
)

// Invoice is a decoded BOLT-11 payment request.
type Invoice struct {
	raw     string
	decoded *zpay32.Invoice
}

// Decode parses a BOLT-11 string for the given network.
func Decode(net *chaincfg.Params, raw string) (*Invoice, error) {
	decoded, err := zpay32.Decode(raw, net)
	if err != nil {
		return nil, fmt.Errorf("failed to decode invoice: %w", err)
	}

	return &Invoice{raw: raw, decoded: decoded}, nil
}

// AmountMsats returns the invoice amount in millisatoshis, or ErrNoAmount
// for an amountless invoice.
func (i *Invoice) AmountMsats() (uint64, error) {
	if i.decoded.MilliSat == nil {
		return 0, ErrNoAmount
	}
	return uint64(*i.decoded.MilliSat), nil
}

// Description returns the invoice memo, or "" when the invoice carries a
// description hash instead.
func (i *Invoice) Description() string {
	if i.decoded.Description == nil {
		return ""
	}
	return *i.decoded.Description
}

// PaymentHash returns the 32-byte payment hash.
func (i *Invoice) PaymentHash() [32]byte {
	return *i.decoded.PaymentHash
}

// IsExpired reports whether the invoice's creation timestamp plus its
// expiry tag is in the past.
func (i *Invoice) IsExpired() bool {
	return time.Now().After(i.decoded.Timestamp.Add(i.decoded.Expiry()))
}

// Raw returns the original bech32 string.
func (i *Invoice) Raw() string {
	return i.raw
}

func (i *Invoice) String() string {
	return i.raw
}
