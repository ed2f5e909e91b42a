package solana

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

// Ошибки кодека транзакций.
var (
	ErrMalformedTransaction = errors.New("malformed transaction")
	ErrUnsupportedVersion   = errors.New("unsupported message version")
	ErrSignerNotRequired    = errors.New("signer is not a required signer of the message")
)

const (
	// versionPrefix — старший бит первого байта versioned message.
	versionPrefix = 0x80

	// PacketDataSize — максимальный размер сериализованной транзакции.
	PacketDataSize = 1232
)

// MessageHeader — заголовок сообщения.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction — инструкция с индексами в AccountKeys.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message — разобранное сообщение транзакции.
//
// Сообщение хранит исходные байты: подписывается ровно то, что пришло
// от swap API, а SetRecentBlockhash меняет только 32 байта blockhash.
type Message struct {
	// Versioned — true для v0, false для legacy.
	Versioned bool

	Header          MessageHeader
	AccountKeys     []PublicKey
	RecentBlockhash Hash
	Instructions    []CompiledInstruction

	raw             []byte
	blockhashOffset int
}

// Bytes возвращает сериализованное сообщение (то, что подписывается).
func (m *Message) Bytes() []byte {
	return m.raw
}

// Transaction — подписываемая транзакция Solana.
type Transaction struct {
	Signatures []Signature
	Message    Message
}

// ParseTransaction разбирает транзакцию из wire-формата.
func ParseTransaction(data []byte) (*Transaction, error) {
	r := &reader{buf: data}

	n, err := r.compactU16()
	if err != nil {
		return nil, err
	}
	sigs := make([]Signature, n)
	for i := range sigs {
		b, err := r.bytes(64)
		if err != nil {
			return nil, err
		}
		copy(sigs[i][:], b)
	}

	msg, err := parseMessage(data[r.pos:])
	if err != nil {
		return nil, err
	}
	if int(msg.Header.NumRequiredSignatures) != len(sigs) {
		return nil, fmt.Errorf("%w: %d signatures for %d required signers",
			ErrMalformedTransaction, len(sigs), msg.Header.NumRequiredSignatures)
	}

	return &Transaction{Signatures: sigs, Message: *msg}, nil
}

// ParseTransactionBase64 разбирает base64-кодированную транзакцию.
func ParseTransactionBase64(s string) (*Transaction, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	return ParseTransaction(data)
}

func parseMessage(raw []byte) (*Message, error) {
	r := &reader{buf: raw}
	msg := &Message{}

	first, err := r.byte()
	if err != nil {
		return nil, err
	}
	if first&versionPrefix != 0 {
		if v := first &^ versionPrefix; v != 0 {
			return nil, fmt.Errorf("%w: v%d", ErrUnsupportedVersion, v)
		}
		msg.Versioned = true
		if first, err = r.byte(); err != nil {
			return nil, err
		}
	}
	msg.Header.NumRequiredSignatures = first
	if msg.Header.NumReadonlySignedAccounts, err = r.byte(); err != nil {
		return nil, err
	}
	if msg.Header.NumReadonlyUnsignedAccounts, err = r.byte(); err != nil {
		return nil, err
	}

	nKeys, err := r.compactU16()
	if err != nil {
		return nil, err
	}
	if nKeys < int(msg.Header.NumRequiredSignatures) {
		return nil, fmt.Errorf("%w: %d keys for %d signers", ErrMalformedTransaction, nKeys, msg.Header.NumRequiredSignatures)
	}
	msg.AccountKeys = make([]PublicKey, nKeys)
	for i := range msg.AccountKeys {
		b, err := r.bytes(32)
		if err != nil {
			return nil, err
		}
		copy(msg.AccountKeys[i][:], b)
	}

	msg.blockhashOffset = r.pos
	b, err := r.bytes(32)
	if err != nil {
		return nil, err
	}
	copy(msg.RecentBlockhash[:], b)

	nIx, err := r.compactU16()
	if err != nil {
		return nil, err
	}
	msg.Instructions = make([]CompiledInstruction, nIx)
	for i := range msg.Instructions {
		ix := &msg.Instructions[i]
		if ix.ProgramIDIndex, err = r.byte(); err != nil {
			return nil, err
		}
		if ix.Accounts, err = r.compactBytes(); err != nil {
			return nil, err
		}
		if ix.Data, err = r.compactBytes(); err != nil {
			return nil, err
		}
	}

	if msg.Versioned {
		// Address table lookups: key + writable/readonly индексы.
		nLookups, err := r.compactU16()
		if err != nil {
			return nil, err
		}
		for i := 0; i < nLookups; i++ {
			if _, err := r.bytes(32); err != nil {
				return nil, err
			}
			if _, err := r.compactBytes(); err != nil {
				return nil, err
			}
			if _, err := r.compactBytes(); err != nil {
				return nil, err
			}
		}
	}

	if r.pos != len(raw) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedTransaction, len(raw)-r.pos)
	}

	msg.raw = append([]byte(nil), raw...)
	return msg, nil
}

// SetRecentBlockhash подставляет blockhash в сообщение.
// Все подписи сбрасываются: старые подписи больше не валидны.
func (tx *Transaction) SetRecentBlockhash(h Hash) {
	tx.Message.RecentBlockhash = h
	copy(tx.Message.raw[tx.Message.blockhashOffset:], h[:])
	for i := range tx.Signatures {
		tx.Signatures[i] = Signature{}
	}
}

// Sign подписывает сообщение ключом key.
// Подпись кладётся в слот, соответствующий позиции ключа среди signers.
func (tx *Transaction) Sign(key ed25519.PrivateKey) error {
	pub := PublicKeyFromPrivate(key)
	for i := 0; i < int(tx.Message.Header.NumRequiredSignatures); i++ {
		if tx.Message.AccountKeys[i] == pub {
			copy(tx.Signatures[i][:], ed25519.Sign(key, tx.Message.raw))
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSignerNotRequired, pub)
}

// RequiredSignatures возвращает количество подписей, требуемых сообщением.
func (tx *Transaction) RequiredSignatures() int {
	return int(tx.Message.Header.NumRequiredSignatures)
}

// SignatureCount возвращает количество заполненных слотов подписи.
func (tx *Transaction) SignatureCount() int {
	n := 0
	for _, s := range tx.Signatures {
		if !s.IsZero() {
			n++
		}
	}
	return n
}

// Signature возвращает подпись fee payer — идентификатор транзакции.
func (tx *Transaction) Signature() Signature {
	if len(tx.Signatures) == 0 {
		return Signature{}
	}
	return tx.Signatures[0]
}

// FeePayer возвращает первый ключ сообщения.
func (tx *Transaction) FeePayer() PublicKey {
	if len(tx.Message.AccountKeys) == 0 {
		return PublicKey{}
	}
	return tx.Message.AccountKeys[0]
}

// Serialize возвращает транзакцию в wire-формате.
func (tx *Transaction) Serialize() []byte {
	out := make([]byte, 0, 3+64*len(tx.Signatures)+len(tx.Message.raw))
	out = appendCompactU16(out, len(tx.Signatures))
	for _, s := range tx.Signatures {
		out = append(out, s[:]...)
	}
	return append(out, tx.Message.raw...)
}

// Base64 возвращает сериализованную транзакцию в base64.
func (tx *Transaction) Base64() string {
	return base64.StdEncoding.EncodeToString(tx.Serialize())
}

// reader — курсор по wire-буферу.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("%w: unexpected end of data", ErrMalformedTransaction)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("%w: unexpected end of data", ErrMalformedTransaction)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) compactBytes() ([]byte, error) {
	n, err := r.compactU16()
	if err != nil {
		return nil, err
	}
	b, err := r.bytes(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// compactU16 читает shortvec-длину (1–3 байта, 7 бит на байт).
func (r *reader) compactU16() (int, error) {
	v := 0
	for i := 0; i < 3; i++ {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		v |= int(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: compact-u16 overflow", ErrMalformedTransaction)
}

func appendCompactU16(out []byte, v int) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
