package keys

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/solana"
)

var errNoRows = errors.New("no rows")

type walletMap map[uuid.UUID]*domain.Wallet

func (m walletMap) GetWallet(_ context.Context, id uuid.UUID) (*domain.Wallet, error) {
	w, ok := m[id]
	if !ok {
		return nil, errNoRows
	}
	return w, nil
}

func newService(t *testing.T, wallets walletMap) *Service {
	t.Helper()
	svc, err := New(Config{Wallets: wallets, NotFound: errNoRows, MasterKey: bytes.Repeat([]byte{7}, 32)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc
}

func TestService_DecryptRoundTrip(t *testing.T) {
	wallets := walletMap{}
	svc := newService(t, wallets)

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	sealed, err := svc.Seal(id, priv)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	wallets[id] = &domain.Wallet{
		ID:           id,
		Address:      solana.PublicKeyFromPrivate(priv).String(),
		EncryptedKey: sealed,
	}

	key, err := svc.Decrypt(context.Background(), id)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(key.Private, priv) {
		t.Error("decrypted key differs from original")
	}
	if key.PublicKey.String() != wallets[id].Address {
		t.Errorf("PublicKey = %s, want %s", key.PublicKey, wallets[id].Address)
	}

	key.Wipe()
	if key.Private != nil {
		t.Error("Wipe() should drop private key")
	}
}

func TestService_DecryptWrongWalletID(t *testing.T) {
	wallets := walletMap{}
	svc := newService(t, wallets)

	_, priv, _ := ed25519.GenerateKey(nil)
	sealed, _ := svc.Seal(uuid.New(), priv)

	// Ciphertext привязан к другому wallet id через AAD.
	id := uuid.New()
	wallets[id] = &domain.Wallet{ID: id, Address: solana.PublicKeyFromPrivate(priv).String(), EncryptedKey: sealed}

	if _, err := svc.Decrypt(context.Background(), id); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Decrypt() error = %v, want ErrDecrypt", err)
	}
}

func TestService_DecryptAddressMismatch(t *testing.T) {
	wallets := walletMap{}
	svc := newService(t, wallets)

	_, priv, _ := ed25519.GenerateKey(nil)
	_, other, _ := ed25519.GenerateKey(nil)
	id := uuid.New()
	sealed, _ := svc.Seal(id, priv)
	wallets[id] = &domain.Wallet{ID: id, Address: solana.PublicKeyFromPrivate(other).String(), EncryptedKey: sealed}

	if _, err := svc.Decrypt(context.Background(), id); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("Decrypt() error = %v, want ErrKeyMismatch", err)
	}
}

func TestService_DecryptNotFound(t *testing.T) {
	svc := newService(t, walletMap{})

	if _, err := svc.Decrypt(context.Background(), uuid.New()); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("Decrypt() error = %v, want ErrWalletNotFound", err)
	}
}

func TestNew_InvalidMasterKey(t *testing.T) {
	if _, err := New(Config{MasterKey: []byte("short")}); !errors.Is(err, ErrInvalidMasterKey) {
		t.Errorf("New() error = %v, want ErrInvalidMasterKey", err)
	}
}

func TestSigningKey_WipeNil(t *testing.T) {
	var k *SigningKey
	k.Wipe()
}
