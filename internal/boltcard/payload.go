package boltcard

import (
	"crypto/aes"
	"errors"
	"fmt"
)

const (
	// PayloadSize is the length of the encrypted PICC data blob (the "p"
	// URL parameter after hex decoding): exactly one AES block.
	PayloadSize = 16

	// payloadTag is the constant first plaintext byte. NXP calls this the
	// PICC data tag; anything else means the candidate key was wrong.
	payloadTag = 0xC7
)

var (
	ErrBadPayloadLength = errors.New("payload must be 16 bytes")
	ErrBadPayloadTag    = errors.New("payload tag byte mismatch")
)

// DecryptPayload decrypts the single-block PICC payload with the card's
// decrypt key. The scheme is AES-128 CBC with an all-zero IV; with one
// block that degenerates to a raw block decrypt followed by the IV XOR.
// The XOR is kept so a future non-zero IV changes nothing for callers.
func DecryptPayload(key Key, ciphertext []byte) ([PayloadSize]byte, error) {
	var pt [PayloadSize]byte
	if len(ciphertext) != PayloadSize {
		return pt, ErrBadPayloadLength
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return pt, fmt.Errorf("failed to schedule AES key: %w", err)
	}

	block.Decrypt(pt[:], ciphertext)

	var iv [PayloadSize]byte // zero IV
	for i := range pt {
		pt[i] ^= iv[i]
	}

	return pt, nil
}

// ParsePayload extracts the UID and tap counter from a decrypted payload.
//
// Layout: [0] constant 0xC7, [1:8] UID, [8:11] counter (little-endian),
// [11:16] padding the server ignores.
func ParsePayload(plaintext [PayloadSize]byte) (UID, Counter, error) {
	if plaintext[0] != payloadTag {
		return UID{}, 0, ErrBadPayloadTag
	}

	uid, err := UIDFromBytes(plaintext[1:8])
	if err != nil {
		return UID{}, 0, err
	}

	ctr, err := CounterFromBytes(plaintext[8:11])
	if err != nil {
		return UID{}, 0, err
	}

	return uid, ctr, nil
}
