// Package invoicetest mints signed BOLT-11 payment requests for tests.
// The invoices are real bech32 strings that pass zpay32 signature
// checks, signed with a fixed throwaway key.
package invoicetest

import (
	"crypto/rand"
	"crypto/sha256"
	"io"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"
)

// Options controls the minted invoice. Zero AmountMsats produces an
// amountless invoice.
type Options struct {
	AmountMsats uint64
	Description string
	Expiry      time.Duration
}

// Mint creates and signs a mainnet invoice.
func Mint(t testing.TB, opts Options) string {
	t.Helper()

	privKey, _ := btcec.PrivKeyFromBytes([]byte{
		0xe1, 0x26, 0xf6, 0x8f, 0x7e, 0xaf, 0xcc, 0x8b,
		0x74, 0xf5, 0x4d, 0x26, 0x9f, 0xe2, 0x06, 0xbe,
		0x71, 0x50, 0x00, 0xf9, 0x4d, 0xac, 0x06, 0x7d,
		0x1c, 0x04, 0xa8, 0xca, 0x3b, 0x2d, 0xb7, 0x34,
	})

	var preimage [32]byte
	_, err := io.ReadFull(rand.Reader, preimage[:])
	require.NoError(t, err)
	paymentHash := sha256.Sum256(preimage[:])

	iopts := []func(*zpay32.Invoice){
		zpay32.Description(opts.Description),
	}
	if opts.AmountMsats > 0 {
		iopts = append(iopts, zpay32.Amount(lnwire.MilliSatoshi(opts.AmountMsats)))
	}
	if opts.Expiry > 0 {
		iopts = append(iopts, zpay32.Expiry(opts.Expiry))
	}

	inv, err := zpay32.NewInvoice(
		&chaincfg.MainNetParams, paymentHash, time.Now(), iopts...,
	)
	require.NoError(t, err)

	bech32, err := inv.Encode(zpay32.MessageSigner{
		SignCompact: func(hash []byte) ([]byte, error) {
			return ecdsa.SignCompact(privKey, hash, true), nil
		},
	})
	require.NoError(t, err)

	return bech32
}
