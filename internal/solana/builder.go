package solana

import (
	"encoding/binary"
	"errors"
)

// ErrNoInstructions — транзакция без инструкций.
var ErrNoInstructions = errors.New("transaction has no instructions")

// AccountMeta — аккаунт, используемый инструкцией.
type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction — инструкция до компиляции в сообщение.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// systemTransferIndex — индекс инструкции Transfer в System Program.
const systemTransferIndex = 2

// LamportsPerSignature — базовая комиссия за подпись.
const LamportsPerSignature = 5000

// TransferInstruction создаёт перевод lamports через System Program.
func TransferInstruction(from, to PublicKey, lamports uint64) Instruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], systemTransferIndex)
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	return Instruction{
		ProgramID: SystemProgramID,
		Accounts: []AccountMeta{
			{PublicKey: from, IsSigner: true, IsWritable: true},
			{PublicKey: to, IsWritable: true},
		},
		Data: data,
	}
}

// NewTransaction компилирует legacy-транзакцию с неподписанными слотами.
//
// Порядок ключей: fee payer, writable signers, readonly signers,
// writable non-signers, readonly non-signers.
func NewTransaction(payer PublicKey, blockhash Hash, instructions ...Instruction) (*Transaction, error) {
	if len(instructions) == 0 {
		return nil, ErrNoInstructions
	}

	type keyFlags struct {
		signer, writable bool
	}
	order := []PublicKey{payer}
	flags := map[PublicKey]*keyFlags{payer: {signer: true, writable: true}}
	add := func(pk PublicKey, signer, writable bool) {
		f, ok := flags[pk]
		if !ok {
			f = &keyFlags{}
			flags[pk] = f
			order = append(order, pk)
		}
		f.signer = f.signer || signer
		f.writable = f.writable || writable
	}
	for _, ix := range instructions {
		for _, a := range ix.Accounts {
			add(a.PublicKey, a.IsSigner, a.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}

	var ws, rs, wn, rn []PublicKey
	for _, pk := range order {
		f := flags[pk]
		switch {
		case f.signer && f.writable:
			ws = append(ws, pk)
		case f.signer:
			rs = append(rs, pk)
		case f.writable:
			wn = append(wn, pk)
		default:
			rn = append(rn, pk)
		}
	}
	keys := make([]PublicKey, 0, len(order))
	keys = append(append(append(append(keys, ws...), rs...), wn...), rn...)
	index := make(map[PublicKey]uint8, len(keys))
	for i, pk := range keys {
		index[pk] = uint8(i)
	}

	raw := []byte{uint8(len(ws) + len(rs)), uint8(len(rs)), uint8(len(rn))}
	raw = appendCompactU16(raw, len(keys))
	for _, pk := range keys {
		raw = append(raw, pk[:]...)
	}
	raw = append(raw, blockhash[:]...)
	raw = appendCompactU16(raw, len(instructions))
	for _, ix := range instructions {
		raw = append(raw, index[ix.ProgramID])
		raw = appendCompactU16(raw, len(ix.Accounts))
		for _, a := range ix.Accounts {
			raw = append(raw, index[a.PublicKey])
		}
		raw = appendCompactU16(raw, len(ix.Data))
		raw = append(raw, ix.Data...)
	}

	msg, err := parseMessage(raw)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		Signatures: make([]Signature, msg.Header.NumRequiredSignatures),
		Message:    *msg,
	}, nil
}
