package solana

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(seed string) ed25519.PrivateKey {
	s := sha256.Sum256([]byte(seed))
	return ed25519.NewKeyFromSeed(s[:])
}

func testHash(seed string) Hash {
	return Hash(sha256.Sum256([]byte(seed)))
}

func TestNewTransaction_Transfer(t *testing.T) {
	payer := PublicKeyFromPrivate(testKey("payer"))
	to := PublicKeyFromPrivate(testKey("to"))

	tx, err := NewTransaction(payer, testHash("bh1"), TransferInstruction(payer, to, 1_500_000))
	require.NoError(t, err)

	assert.Equal(t, 1, tx.RequiredSignatures())
	assert.Equal(t, 0, tx.SignatureCount())
	assert.Equal(t, payer, tx.FeePayer())
	assert.False(t, tx.Message.Versioned)

	// payer (writable signer), to (writable), system program (readonly).
	require.Len(t, tx.Message.AccountKeys, 3)
	assert.Equal(t, to, tx.Message.AccountKeys[1])
	assert.Equal(t, SystemProgramID, tx.Message.AccountKeys[2])
	assert.Equal(t, MessageHeader{1, 0, 1}, tx.Message.Header)

	require.Len(t, tx.Message.Instructions, 1)
	ix := tx.Message.Instructions[0]
	assert.Equal(t, uint8(2), ix.ProgramIDIndex)
	assert.Equal(t, []uint8{0, 1}, ix.Accounts)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(ix.Data[:4]))
	assert.Equal(t, uint64(1_500_000), binary.LittleEndian.Uint64(ix.Data[4:]))
}

func TestNewTransaction_NoInstructions(t *testing.T) {
	_, err := NewTransaction(PublicKey{1}, Hash{})
	assert.ErrorIs(t, err, ErrNoInstructions)
}

func TestTransaction_SignAndRoundTrip(t *testing.T) {
	key := testKey("payer")
	payer := PublicKeyFromPrivate(key)
	tx, err := NewTransaction(payer, testHash("bh1"), TransferInstruction(payer, PublicKey{9}, 1))
	require.NoError(t, err)

	require.NoError(t, tx.Sign(key))
	assert.Equal(t, 1, tx.SignatureCount())
	sig := tx.Signature()
	assert.True(t, ed25519.Verify(key.Public().(ed25519.PublicKey), tx.Message.Bytes(), sig[:]))

	parsed, err := ParseTransaction(tx.Serialize())
	require.NoError(t, err)
	assert.Equal(t, tx.Signatures, parsed.Signatures)
	assert.Equal(t, tx.Message.Bytes(), parsed.Message.Bytes())
	assert.Equal(t, tx.Message.RecentBlockhash, parsed.Message.RecentBlockhash)

	fromB64, err := ParseTransactionBase64(tx.Base64())
	require.NoError(t, err)
	assert.Equal(t, tx.Serialize(), fromB64.Serialize())
}

func TestTransaction_SetRecentBlockhashResetsSignatures(t *testing.T) {
	key := testKey("payer")
	payer := PublicKeyFromPrivate(key)
	tx, err := NewTransaction(payer, testHash("old"), TransferInstruction(payer, PublicKey{9}, 1))
	require.NoError(t, err)
	require.NoError(t, tx.Sign(key))

	fresh := testHash("fresh")
	tx.SetRecentBlockhash(fresh)

	assert.Equal(t, 0, tx.SignatureCount())
	assert.Equal(t, fresh, tx.Message.RecentBlockhash)

	parsed, err := ParseTransaction(tx.Serialize())
	require.NoError(t, err)
	assert.Equal(t, fresh, parsed.Message.RecentBlockhash)
}

func TestTransaction_UnderSigned(t *testing.T) {
	payerKey := testKey("payer")
	coKey := testKey("co-signer")
	payer := PublicKeyFromPrivate(payerKey)
	co := PublicKeyFromPrivate(coKey)

	tx, err := NewTransaction(payer, testHash("bh"),
		TransferInstruction(payer, PublicKey{7}, 1),
		TransferInstruction(co, PublicKey{7}, 1),
	)
	require.NoError(t, err)
	require.Equal(t, 2, tx.RequiredSignatures())

	require.NoError(t, tx.Sign(payerKey))
	assert.Less(t, tx.SignatureCount(), tx.RequiredSignatures())

	require.NoError(t, tx.Sign(coKey))
	assert.Equal(t, tx.RequiredSignatures(), tx.SignatureCount())
}

func TestTransaction_SignNotRequired(t *testing.T) {
	payer := PublicKeyFromPrivate(testKey("payer"))
	tx, err := NewTransaction(payer, testHash("bh"), TransferInstruction(payer, PublicKey{7}, 1))
	require.NoError(t, err)

	err = tx.Sign(testKey("stranger"))
	assert.ErrorIs(t, err, ErrSignerNotRequired)
	assert.Equal(t, 0, tx.SignatureCount())
}

func TestParseTransaction_Versioned(t *testing.T) {
	payer := PublicKeyFromPrivate(testKey("payer"))
	legacy, err := NewTransaction(payer, testHash("bh"), TransferInstruction(payer, PublicKey{7}, 1))
	require.NoError(t, err)

	// v0: префикс версии + legacy-тело + пустой список address table lookups.
	msg := append([]byte{0x80}, legacy.Message.Bytes()...)
	msg = append(msg, 0)
	wire := append([]byte{1}, make([]byte, 64)...)
	wire = append(wire, msg...)

	tx, err := ParseTransaction(wire)
	require.NoError(t, err)
	assert.True(t, tx.Message.Versioned)
	assert.Equal(t, testHash("bh"), tx.Message.RecentBlockhash)

	fresh := testHash("fresh")
	tx.SetRecentBlockhash(fresh)
	assert.Equal(t, fresh[:], tx.Message.Bytes()[1+3+1+32*3:1+3+1+32*3+32])
}

func TestParseTransaction_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated signatures", []byte{1, 0, 0}},
		{"unsupported version", append(append([]byte{0}, 0x81), make([]byte, 40)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTransaction(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestCompactU16(t *testing.T) {
	for _, v := range []int{0, 1, 127, 128, 255, 16383, 16384, 65535} {
		buf := appendCompactU16(nil, v)
		r := &reader{buf: buf}
		got, err := r.compactU16()
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(buf), r.pos)
	}
}

func TestPublicKey_IsOnCurve(t *testing.T) {
	assert.True(t, PublicKeyFromPrivate(testKey("wallet")).IsOnCurve())

	// Примерно половина случайных 32-байтовых строк не декодируется в точку.
	var on, off int
	for i := 0; i < 64; i++ {
		if PublicKey(testHash(string(rune('a'+i)))).IsOnCurve() {
			on++
		} else {
			off++
		}
	}
	assert.Positive(t, on)
	assert.Positive(t, off)
}

func TestParsePublicKey(t *testing.T) {
	pk, err := ParsePublicKey(SystemProgramID.String())
	require.NoError(t, err)
	assert.Equal(t, SystemProgramID, pk)
	assert.True(t, pk.IsZero())

	_, err = ParsePublicKey("not-base58-0OIl")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = ParsePublicKey("abc")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}
