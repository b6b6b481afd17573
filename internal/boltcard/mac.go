package boltcard

import (
	"crypto/aes"
	"crypto/subtle"
	"fmt"

	"github.com/aead/cmac"
)

// sv2Prefix is the fixed prefix of the session vector defined by NXP's
// AES secure messaging (SV2) for the NTAG 424 DNA.
var sv2Prefix = [6]byte{0x3C, 0xC3, 0x00, 0x01, 0x00, 0x80}

// ComputeMAC derives the 8-byte tap MAC for the given UID and counter
// under the card's CMAC key, following the NXP SV2 scheme:
//
//	SV2 = 3C C3 00 01 00 80 | uid | counter_le
//	ks  = CMAC(key, SV2)
//	cm  = CMAC(ks, <empty>)
//	mac = cm[1], cm[3], ... cm[15]
//
// The odd-byte truncation is part of the chip's protocol, not a generic
// CMAC truncation.
func ComputeMAC(key Key, uid UID, ctr Counter) ([MACSize]byte, error) {
	var mac [MACSize]byte

	var sv2 [16]byte
	copy(sv2[:6], sv2Prefix[:])
	copy(sv2[6:13], uid[:])
	ctrBytes := ctr.Bytes()
	copy(sv2[13:16], ctrBytes[:])

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return mac, fmt.Errorf("failed to schedule CMAC key: %w", err)
	}

	sessionKey, err := cmac.Sum(sv2[:], block, aes.BlockSize)
	if err != nil {
		return mac, fmt.Errorf("failed to derive session key: %w", err)
	}

	sessionBlock, err := aes.NewCipher(sessionKey)
	if err != nil {
		return mac, fmt.Errorf("failed to schedule session key: %w", err)
	}

	full, err := cmac.Sum(nil, sessionBlock, aes.BlockSize)
	if err != nil {
		return mac, fmt.Errorf("failed to compute tap MAC: %w", err)
	}

	for i := 0; i < MACSize; i++ {
		mac[i] = full[2*i+1]
	}

	return mac, nil
}

// VerifyMAC checks the 8-byte tag from the URL against the expected MAC
// for (uid, counter). The comparison is constant time so the tag cannot
// be brute-forced byte by byte through a timing oracle.
func VerifyMAC(key Key, uid UID, ctr Counter, tag []byte) (bool, error) {
	if len(tag) != MACSize {
		return false, fmt.Errorf("tap MAC must be %d bytes", MACSize)
	}

	want, err := ComputeMAC(key, uid, ctr)
	if err != nil {
		return false, err
	}

	return subtle.ConstantTimeCompare(want[:], tag) == 1, nil
}
