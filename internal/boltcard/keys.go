// Package boltcard implements the NTAG 424 DNA tap authentication
// primitives used by the Bolt Card protocol: AES-128 decryption of the
// PICC data payload, parsing of the fixed plaintext layout, and
// verification of the SV2-diversified AES-CMAC tag.
package boltcard

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the length of every card key (AES-128).
	KeySize = 16

	// UIDSize is the length of the NFC chip's unique identifier.
	UIDSize = 7

	// CounterSize is the length of the wire encoding of the tap counter.
	CounterSize = 3

	// MACSize is the length of the truncated CMAC tag on the URL.
	MACSize = 8

	// MaxCounter is the largest value the 24-bit tap counter can hold.
	MaxCounter = 1<<24 - 1
)

var (
	ErrBadKeyLength     = errors.New("card key must be 16 bytes")
	ErrBadUIDLength     = errors.New("card UID must be 7 bytes")
	ErrBadCounterLength = errors.New("counter must be 3 bytes")
)

// Key is a 16-byte AES-128 card key.
type Key [KeySize]byte

// KeyFromHex parses a hex-encoded 16-byte key.
func KeyFromHex(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid key hex: %w", err)
	}
	if len(b) != KeySize {
		return k, ErrBadKeyLength
	}
	copy(k[:], b)
	return k, nil
}

// GenerateKey returns a fresh random card key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, fmt.Errorf("failed to generate key: %w", err)
	}
	return k, nil
}

func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

func (k Key) String() string {
	return k.Hex()
}

// UID is the 7-byte unique identifier of an NFC card.
type UID [UIDSize]byte

// UIDFromBytes copies a 7-byte slice into a UID.
func UIDFromBytes(b []byte) (UID, error) {
	var u UID
	if len(b) != UIDSize {
		return u, ErrBadUIDLength
	}
	copy(u[:], b)
	return u, nil
}

// UIDFromHex parses a hex-encoded 7-byte UID.
func UIDFromHex(s string) (UID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return UID{}, fmt.Errorf("invalid UID hex: %w", err)
	}
	return UIDFromBytes(b)
}

func (u UID) Hex() string {
	return hex.EncodeToString(u[:])
}

func (u UID) String() string {
	return u.Hex()
}

// Counter is the card's 24-bit monotone tap counter. The card hardware
// increments it on every read; the server mirrors the highest value seen
// for replay protection.
type Counter uint32

// CounterFromBytes decodes the 3-byte little-endian wire form. The byte
// order is fixed by the NTAG 424 DNA chip and must not be changed.
func CounterFromBytes(b []byte) (Counter, error) {
	if len(b) != CounterSize {
		return 0, ErrBadCounterLength
	}
	return Counter(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16), nil
}

// Bytes returns the 3-byte little-endian wire form.
func (c Counter) Bytes() [CounterSize]byte {
	return [CounterSize]byte{
		byte(c),
		byte(c >> 8),
		byte(c >> 16),
	}
}

func (c Counter) Value() uint32 {
	return uint32(c)
}

func (c Counter) String() string {
	return fmt.Sprintf("%d", uint32(c))
}
