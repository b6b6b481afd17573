package boltcard

import (
	"crypto/aes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Known-good tap from the boltcard reference test vectors.
const (
	testDecryptKeyHex = "0c3b25d92b38ae443229dd59ad34b85d"
	testMACKeyHex     = "b45775776cb224c75bcde7ca3704e933"
	testPayloadHex    = "4E2E289D945A66BB13377A728884E867"
	testMACHex        = "E19CCB1FED8892CE"
	testUIDHex        = "04996c6a926980"
)

func decodeTestTap(t *testing.T) (Key, Key, []byte, []byte) {
	t.Helper()

	k1, err := KeyFromHex(testDecryptKeyHex)
	require.NoError(t, err)
	k2, err := KeyFromHex(testMACKeyHex)
	require.NoError(t, err)
	p, err := hex.DecodeString(testPayloadHex)
	require.NoError(t, err)
	c, err := hex.DecodeString(testMACHex)
	require.NoError(t, err)

	return k1, k2, p, c
}

func TestDecryptAndParseKnownTap(t *testing.T) {
	k1, _, p, _ := decodeTestTap(t)

	pt, err := DecryptPayload(k1, p)
	require.NoError(t, err)

	uid, ctr, err := ParsePayload(pt)
	require.NoError(t, err)

	assert.Equal(t, testUIDHex, uid.Hex())
	assert.Greater(t, ctr.Value(), uint32(0))
}

func TestVerifyMACKnownTap(t *testing.T) {
	k1, k2, p, c := decodeTestTap(t)

	pt, err := DecryptPayload(k1, p)
	require.NoError(t, err)
	uid, ctr, err := ParsePayload(pt)
	require.NoError(t, err)

	ok, err := VerifyMAC(k2, uid, ctr, c)
	require.NoError(t, err)
	assert.True(t, ok, "reference tap MAC must verify")
}

func TestVerifyMACRejectsZeroedTag(t *testing.T) {
	k1, k2, p, _ := decodeTestTap(t)

	pt, err := DecryptPayload(k1, p)
	require.NoError(t, err)
	uid, ctr, err := ParsePayload(pt)
	require.NoError(t, err)

	ok, err := VerifyMAC(k2, uid, ctr, make([]byte, MACSize))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyMACRejectsWrongLength(t *testing.T) {
	_, k2, _, _ := decodeTestTap(t)

	_, err := VerifyMAC(k2, UID{}, 0, []byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestDecryptPayloadWrongLength(t *testing.T) {
	k1, _, _, _ := decodeTestTap(t)

	_, err := DecryptPayload(k1, []byte{0x00})
	assert.ErrorIs(t, err, ErrBadPayloadLength)
}

func TestParsePayloadRejectsBadTag(t *testing.T) {
	var pt [PayloadSize]byte
	pt[0] = 0xC8

	_, _, err := ParsePayload(pt)
	assert.ErrorIs(t, err, ErrBadPayloadTag)
}

// Encrypting a well-formed plaintext and decrypting it again must round
// trip through ParsePayload. The encrypt side only exists here; the
// server never produces payloads.
func TestPayloadEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	uid, err := UIDFromHex("04a1b2c3d4e5f6")
	require.NoError(t, err)
	ctr := Counter(0x00C0FFEE & MaxCounter)

	var pt [PayloadSize]byte
	pt[0] = 0xC7
	copy(pt[1:8], uid[:])
	ctrBytes := ctr.Bytes()
	copy(pt[8:11], ctrBytes[:])

	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)
	ct := make([]byte, PayloadSize)
	block.Encrypt(ct, pt[:])

	got, err := DecryptPayload(key, ct)
	require.NoError(t, err)

	gotUID, gotCtr, err := ParsePayload(got)
	require.NoError(t, err)
	assert.Equal(t, uid, gotUID)
	assert.Equal(t, ctr, gotCtr)
}

func TestCounterRoundTrip(t *testing.T) {
	values := []uint32{0, 1, 0xFF, 0x100, 0xFFFF, 0x10000, 0xABCDEF, MaxCounter}

	for _, v := range values {
		ctr := Counter(v)
		b := ctr.Bytes()
		got, err := CounterFromBytes(b[:])
		require.NoError(t, err)
		assert.Equal(t, ctr, got, "counter %d must round trip", v)
	}
}

func TestCounterLittleEndianOrder(t *testing.T) {
	// 0x030201 on the wire is 01 02 03: the low byte comes first.
	ctr, err := CounterFromBytes([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x030201), ctr.Value())
}

func TestKeyFromHexValidation(t *testing.T) {
	_, err := KeyFromHex("not hex")
	assert.Error(t, err)

	_, err = KeyFromHex("0c3b25d92b38ae44") // 8 bytes
	assert.ErrorIs(t, err, ErrBadKeyLength)
}

func TestGenerateKeyUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 16; i++ {
		k, err := GenerateKey()
		require.NoError(t, err)
		assert.False(t, seen[k.Hex()], "duplicate generated key")
		seen[k.Hex()] = true
	}
}
