package executor

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/jito"
	"github.com/shaiso/Tradeflow/internal/solana"
)

func testKey(seed string) ed25519.PrivateKey {
	s := sha256.Sum256([]byte(seed))
	return ed25519.NewKeyFromSeed(s[:])
}

func transferTx(t *testing.T, key ed25519.PrivateKey, dest byte) *solana.Transaction {
	t.Helper()
	payer := solana.PublicKeyFromPrivate(key)
	tx, err := solana.NewTransaction(payer, solana.Hash{}, solana.TransferInstruction(payer, solana.PublicKey{dest}, 1000))
	require.NoError(t, err)
	return tx
}

type fakeRPC struct {
	mu             sync.Mutex
	blockhashCalls int
	sendCalls      int
	sendErr        error
	sent           []string
}

func (f *fakeRPC) GetLatestBlockhash(context.Context) (*solana.BlockReference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockhashCalls++
	return &solana.BlockReference{
		Blockhash:            solana.Hash(sha256.Sum256([]byte(fmt.Sprintf("block-%d", f.blockhashCalls)))),
		LastValidBlockHeight: 100,
	}, nil
}

func (f *fakeRPC) SendTransaction(_ context.Context, tx *solana.Transaction, _ solana.SendOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil {
		return "", f.sendErr
	}
	sig := tx.Signature().String()
	f.sent = append(f.sent, sig)
	return sig, nil
}

func (f *fakeRPC) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockhashCalls, f.sendCalls
}

// fakeConfirmer возвращает статусы по порядку вызовов; последний повторяется.
type fakeConfirmer struct {
	mu       sync.Mutex
	statuses []solana.ConfirmStatus
	calls    int
}

func (f *fakeConfirmer) Confirm(context.Context, string, uint64) (*solana.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.statuses[min(f.calls, len(f.statuses)-1)]
	f.calls++
	conf := &solana.Confirmation{Status: st, Slot: 42}
	if st == solana.ConfirmStatusFailed {
		conf.Err = map[string]any{"InstructionError": []any{0, "Custom"}}
	}
	return conf, nil
}

func TestDirect_UnderSignedBeforeNetwork(t *testing.T) {
	rpc := &fakeRPC{}
	exec := NewDirect(DirectConfig{RPC: rpc, Confirmer: &fakeConfirmer{statuses: []solana.ConfirmStatus{solana.ConfirmStatusConfirmed}}})

	payerKey := testKey("payer")
	otherKey := testKey("other")
	payer := solana.PublicKeyFromPrivate(payerKey)
	other := solana.PublicKeyFromPrivate(otherKey)
	tx, err := solana.NewTransaction(payer, solana.Hash{}, solana.TransferInstruction(other, solana.PublicKey{9}, 1))
	require.NoError(t, err)
	require.Equal(t, 2, tx.RequiredSignatures())

	_, err = exec.Execute(context.Background(), tx, payerKey, Options{})
	require.ErrorIs(t, err, ErrUnderSigned)

	blockhashCalls, sendCalls := rpc.calls()
	assert.Zero(t, blockhashCalls)
	assert.Zero(t, sendCalls)
}

func TestDirect_Confirmed(t *testing.T) {
	rpc := &fakeRPC{}
	exec := NewDirect(DirectConfig{RPC: rpc, Confirmer: &fakeConfirmer{statuses: []solana.ConfirmStatus{solana.ConfirmStatusConfirmed}}})

	key := testKey("wallet")
	var submitted []string
	res, err := exec.Execute(context.Background(), transferTx(t, key, 1), key, Options{
		OnSubmit: func(sig string, lastValid uint64) error {
			assert.Equal(t, uint64(100), lastValid)
			submitted = append(submitted, sig)
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, uint64(42), res.Slot)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []string{res.Signature}, submitted)
	assert.Equal(t, []string{res.Signature}, rpc.sent)
}

func TestDirect_ExpiredThenConfirmedUsesFreshBlockhash(t *testing.T) {
	rpc := &fakeRPC{}
	conf := &fakeConfirmer{statuses: []solana.ConfirmStatus{solana.ConfirmStatusExpired, solana.ConfirmStatusConfirmed}}
	exec := NewDirect(DirectConfig{RPC: rpc, Confirmer: conf})

	key := testKey("wallet")
	var submitted []string
	res, err := exec.Execute(context.Background(), transferTx(t, key, 1), key, Options{
		MaxAttempts: 3,
		OnSubmit: func(sig string, _ uint64) error {
			submitted = append(submitted, sig)
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Attempts)
	require.Len(t, submitted, 2)
	assert.NotEqual(t, submitted[0], submitted[1], "new blockhash must produce new signature")
	assert.Equal(t, submitted[1], res.Signature)

	blockhashCalls, _ := rpc.calls()
	assert.Equal(t, 2, blockhashCalls)
}

func TestDirect_Indeterminate(t *testing.T) {
	rpc := &fakeRPC{}
	exec := NewDirect(DirectConfig{RPC: rpc, Confirmer: &fakeConfirmer{statuses: []solana.ConfirmStatus{solana.ConfirmStatusExpired}}})

	key := testKey("wallet")
	_, err := exec.Execute(context.Background(), transferTx(t, key, 1), key, Options{MaxAttempts: 2})

	var ie *IndeterminateError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 2, ie.Attempts)
	assert.Len(t, ie.Signatures, 2)
	assert.True(t, IsIndeterminate(err))
	assert.False(t, IsRejected(err))
}

func TestDirect_RejectedOnSubmit(t *testing.T) {
	preflight := func(data string) error {
		return &solana.RPCError{
			Code:    solana.RPCCodePreflightFailure,
			Message: "Transaction simulation failed",
			Data:    json.RawMessage(data),
		}
	}

	t.Run("preflight tx error is a rejection", func(t *testing.T) {
		rpc := &fakeRPC{sendErr: preflight(`{"err":{"InstructionError":[0,{"Custom":1}]}}`)}
		conf := &fakeConfirmer{statuses: []solana.ConfirmStatus{solana.ConfirmStatusConfirmed}}
		exec := NewDirect(DirectConfig{RPC: rpc, Confirmer: conf})

		key := testKey("wallet")
		_, err := exec.Execute(context.Background(), transferTx(t, key, 1), key, Options{})

		var re *RejectedError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, map[string]any{"InstructionError": []any{float64(0), map[string]any{"Custom": float64(1)}}}, re.Reason)
		assert.Zero(t, conf.calls, "rejected transaction must not be awaited")
	})

	t.Run("node refusal is not a rejection", func(t *testing.T) {
		rpc := &fakeRPC{sendErr: &solana.RPCError{Code: solana.RPCCodeNodeUnhealthy, Message: "Node is behind by 120 slots"}}
		conf := &fakeConfirmer{statuses: []solana.ConfirmStatus{solana.ConfirmStatusConfirmed}}
		exec := NewDirect(DirectConfig{RPC: rpc, Confirmer: conf})

		key := testKey("wallet")
		_, err := exec.Execute(context.Background(), transferTx(t, key, 1), key, Options{})

		require.Error(t, err)
		assert.False(t, IsRejected(err))
		assert.False(t, IsIndeterminate(err))
		assert.True(t, solana.IsRPCError(err))
		assert.Zero(t, conf.calls)
	})

	t.Run("preflight without tx error is not a rejection", func(t *testing.T) {
		rpc := &fakeRPC{sendErr: preflight(`{"err":null}`)}
		exec := NewDirect(DirectConfig{RPC: rpc, Confirmer: &fakeConfirmer{statuses: []solana.ConfirmStatus{solana.ConfirmStatusConfirmed}}})

		key := testKey("wallet")
		_, err := exec.Execute(context.Background(), transferTx(t, key, 1), key, Options{})
		require.Error(t, err)
		assert.False(t, IsRejected(err))
	})

	t.Run("blockhash not found retries with fresh blockhash", func(t *testing.T) {
		rpc := &fakeRPC{sendErr: preflight(`{"err":"BlockhashNotFound"}`)}
		conf := &fakeConfirmer{statuses: []solana.ConfirmStatus{solana.ConfirmStatusConfirmed}}
		exec := NewDirect(DirectConfig{RPC: rpc, Confirmer: conf})

		key := testKey("wallet")
		_, err := exec.Execute(context.Background(), transferTx(t, key, 1), key, Options{MaxAttempts: 3})

		require.Error(t, err)
		assert.False(t, IsRejected(err))
		assert.False(t, IsIndeterminate(err), "nothing reached the network")
		blockhashCalls, sendCalls := rpc.calls()
		assert.Equal(t, 3, blockhashCalls)
		assert.Equal(t, 3, sendCalls)
		assert.Zero(t, conf.calls)
	})

	t.Run("already processed is awaited", func(t *testing.T) {
		rpc := &fakeRPC{sendErr: preflight(`{"err":"AlreadyProcessed"}`)}
		exec := NewDirect(DirectConfig{RPC: rpc, Confirmer: &fakeConfirmer{statuses: []solana.ConfirmStatus{solana.ConfirmStatusConfirmed}}})

		key := testKey("wallet")
		res, err := exec.Execute(context.Background(), transferTx(t, key, 1), key, Options{})
		require.NoError(t, err)
		assert.Equal(t, OutcomeConfirmed, res.Outcome)
	})
}

func TestDirect_SubmissionNotRecordedIsNotSent(t *testing.T) {
	rpc := &fakeRPC{}
	exec := NewDirect(DirectConfig{RPC: rpc, Confirmer: &fakeConfirmer{statuses: []solana.ConfirmStatus{solana.ConfirmStatusConfirmed}}})

	storeErr := errors.New("db down")
	key := testKey("wallet")
	_, err := exec.Execute(context.Background(), transferTx(t, key, 1), key, Options{
		OnSubmit: func(string, uint64) error { return storeErr },
	})

	require.ErrorIs(t, err, storeErr)
	_, sendCalls := rpc.calls()
	assert.Zero(t, sendCalls)
}

func TestDirect_TransportErrorStillConfirms(t *testing.T) {
	rpc := &fakeRPC{sendErr: errors.New("connection reset")}
	exec := NewDirect(DirectConfig{RPC: rpc, Confirmer: &fakeConfirmer{statuses: []solana.ConfirmStatus{solana.ConfirmStatusConfirmed}}})

	key := testKey("wallet")
	res, err := exec.Execute(context.Background(), transferTx(t, key, 1), key, Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
}

func TestDirect_FailedOnChain(t *testing.T) {
	rpc := &fakeRPC{}
	exec := NewDirect(DirectConfig{RPC: rpc, Confirmer: &fakeConfirmer{statuses: []solana.ConfirmStatus{solana.ConfirmStatusFailed}}})

	key := testKey("wallet")
	_, err := exec.Execute(context.Background(), transferTx(t, key, 1), key, Options{})
	assert.True(t, IsRejected(err))
}

func TestDirect_BatchStopsOnFailureAndKeepsSignatures(t *testing.T) {
	rpc := &fakeRPC{}
	conf := &fakeConfirmer{statuses: []solana.ConfirmStatus{
		solana.ConfirmStatusConfirmed,
		solana.ConfirmStatusFailed,
		solana.ConfirmStatusConfirmed,
	}}
	exec := NewDirect(DirectConfig{RPC: rpc, Confirmer: conf})

	key := testKey("wallet")
	txs := []*solana.Transaction{transferTx(t, key, 1), transferTx(t, key, 2), transferTx(t, key, 3)}

	batch, err := exec.ExecuteBatch(context.Background(), txs, key, Options{})
	require.Error(t, err)
	assert.True(t, IsRejected(err))

	require.NotNil(t, batch)
	assert.Equal(t, []string{txs[0].Signature().String()}, batch.Signatures)
	assert.Equal(t, 1, batch.Accepted)
	assert.Equal(t, 3, batch.Total)
	assert.Equal(t, OutcomePartial, batch.Outcome)

	_, sendCalls := rpc.calls()
	assert.Equal(t, 2, sendCalls, "third transaction must not be sent")
}

// fakeRelay — relay, который отвечает результатом только для выбранных bundle.
type fakeRelay struct {
	mu        sync.Mutex
	creds     bool
	tipErr    error
	land      func(n int) (jito.BundleStatus, bool)
	listeners map[int]func(jito.BundleResult)
	nextID    int
	bundles   [][]*solana.Transaction
	forgotten []string
}

func newFakeRelay(land func(n int) (jito.BundleStatus, bool)) *fakeRelay {
	return &fakeRelay{creds: true, land: land, listeners: make(map[int]func(jito.BundleResult))}
}

func (f *fakeRelay) HasCredentials() bool { return f.creds }

func (f *fakeRelay) TipAccounts(context.Context) ([]solana.PublicKey, error) {
	if f.tipErr != nil {
		return nil, f.tipErr
	}
	return []solana.PublicKey{{0xA1}, {0xA2}}, nil
}

func (f *fakeRelay) SendBundle(_ context.Context, txs []*solana.Transaction) (string, error) {
	f.mu.Lock()
	f.bundles = append(f.bundles, txs)
	n := len(f.bundles)
	id := fmt.Sprintf("bundle-%d", n)
	listeners := make([]func(jito.BundleResult), 0, len(f.listeners))
	for _, fn := range f.listeners {
		listeners = append(listeners, fn)
	}
	f.mu.Unlock()

	if status, ok := f.land(n); ok {
		go func() {
			time.Sleep(5 * time.Millisecond)
			for _, fn := range listeners {
				fn(jito.BundleResult{BundleID: id, Status: status, Slot: 7})
			}
		}()
	}
	return id, nil
}

func (f *fakeRelay) OnBundleResult(fn func(jito.BundleResult)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeRelay) Forget(id string) {
	f.mu.Lock()
	f.forgotten = append(f.forgotten, id)
	f.mu.Unlock()
}

func TestBundle_AllLanded(t *testing.T) {
	relay := newFakeRelay(func(int) (jito.BundleStatus, bool) { return jito.StatusLanded, true })
	exec := NewBundle(BundleConfig{RPC: &fakeRPC{}, Relay: relay})

	key := testKey("wallet")
	txs := make([]*solana.Transaction, 5)
	for i := range txs {
		txs[i] = transferTx(t, key, byte(i+1))
	}

	batch, err := exec.ExecuteBatch(context.Background(), txs, key, Options{TipLamports: 10_000, BundleTimeout: time.Second})
	require.NoError(t, err)

	assert.Equal(t, OutcomeConfirmed, batch.Outcome)
	assert.Equal(t, 5, batch.Accepted)
	assert.Len(t, batch.Signatures, 5)
	assert.Equal(t, []string{"bundle-1", "bundle-2"}, batch.BundleIDs)

	require.Len(t, relay.bundles, 2)
	assert.Len(t, relay.bundles[0], jito.BundleSizeLimit)
	assert.Len(t, relay.bundles[1], 2)

	// Tip — последняя транзакция, с тем же blockhash, подписана.
	for _, bundle := range relay.bundles {
		tip := bundle[len(bundle)-1]
		assert.Equal(t, bundle[0].Message.RecentBlockhash, tip.Message.RecentBlockhash)
		assert.Equal(t, tip.RequiredSignatures(), tip.SignatureCount())
	}
}

func TestBundle_NoSignalMeansNotLanded(t *testing.T) {
	relay := newFakeRelay(func(int) (jito.BundleStatus, bool) { return "", false })
	exec := NewBundle(BundleConfig{RPC: &fakeRPC{}, Relay: relay})

	key := testKey("wallet")
	batch, err := exec.ExecuteBatch(context.Background(),
		[]*solana.Transaction{transferTx(t, key, 1)}, key,
		Options{TipLamports: 10_000, BundleTimeout: 30 * time.Millisecond})

	require.ErrorIs(t, err, ErrBundleNotLanded)
	assert.Zero(t, batch.Accepted)
	assert.Empty(t, batch.Signatures)
	assert.Equal(t, OutcomeFailed, batch.Outcome)
	assert.Equal(t, []string{"bundle-1"}, relay.forgotten)
}

func TestBundle_RelayErrorIsNotNotLanded(t *testing.T) {
	relay := newFakeRelay(func(int) (jito.BundleStatus, bool) { return jito.StatusLanded, true })
	relay.tipErr = errors.New("http 429: rate limited")
	exec := NewBundle(BundleConfig{RPC: &fakeRPC{}, Relay: relay})

	key := testKey("wallet")
	batch, err := exec.ExecuteBatch(context.Background(),
		[]*solana.Transaction{transferTx(t, key, 1)}, key,
		Options{TipLamports: 10_000, BundleTimeout: time.Second})

	require.ErrorIs(t, err, relay.tipErr)
	assert.NotErrorIs(t, err, ErrBundleNotLanded)
	assert.Equal(t, OutcomeFailed, batch.Outcome)
	assert.Empty(t, relay.bundles)
}

func TestBundle_RelayErrorAfterLandedChunkStops(t *testing.T) {
	relay := newFakeRelay(func(int) (jito.BundleStatus, bool) { return jito.StatusLanded, true })
	rpc := &failingBlockhashRPC{fakeRPC: &fakeRPC{}, failFrom: 2}
	exec := NewBundle(BundleConfig{RPC: rpc, Relay: relay})

	key := testKey("wallet")
	txs := make([]*solana.Transaction, 6)
	for i := range txs {
		txs[i] = transferTx(t, key, byte(i+1))
	}

	batch, err := exec.ExecuteBatch(context.Background(), txs, key, Options{TipLamports: 1, BundleTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, batch.Outcome)
	assert.Equal(t, chunkSize, batch.Accepted)
	assert.Len(t, relay.bundles, 1)
}

// failingBlockhashRPC отказывает в blockhash начиная с вызова failFrom.
type failingBlockhashRPC struct {
	*fakeRPC
	failFrom int
	n        int
}

func (f *failingBlockhashRPC) GetLatestBlockhash(ctx context.Context) (*solana.BlockReference, error) {
	f.n++
	if f.n >= f.failFrom {
		return nil, errors.New("rpc unavailable")
	}
	return f.fakeRPC.GetLatestBlockhash(ctx)
}

func TestBundle_Partial(t *testing.T) {
	relay := newFakeRelay(func(n int) (jito.BundleStatus, bool) {
		if n == 1 {
			return jito.StatusLanded, true
		}
		return jito.StatusFailed, true
	})
	exec := NewBundle(BundleConfig{RPC: &fakeRPC{}, Relay: relay})

	key := testKey("wallet")
	txs := make([]*solana.Transaction, 6)
	for i := range txs {
		txs[i] = transferTx(t, key, byte(i+1))
	}

	batch, err := exec.ExecuteBatch(context.Background(), txs, key, Options{TipLamports: 1, BundleTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, batch.Outcome)
	assert.Equal(t, 4, batch.Accepted)
	assert.Equal(t, 6, batch.Total)
}

func TestBundle_ExecuteSingle(t *testing.T) {
	relay := newFakeRelay(func(int) (jito.BundleStatus, bool) { return jito.StatusLanded, true })
	exec := NewBundle(BundleConfig{RPC: &fakeRPC{}, Relay: relay})

	key := testKey("wallet")
	tx := transferTx(t, key, 1)
	res, err := exec.Execute(context.Background(), tx, key, Options{TipLamports: 1, BundleTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, tx.Signature().String(), res.Signature)
	assert.Equal(t, "bundle-1", res.BundleID)
}

func TestFactory_BundleWithoutCredentials(t *testing.T) {
	params := domain.CampaignParams{BundleMode: true, TipLamports: 1000}

	for name, relay := range map[string]Relay{
		"nil relay":      nil,
		"no credentials": &fakeRelay{creds: false},
	} {
		t.Run(name, func(t *testing.T) {
			f := NewFactory(FactoryConfig{RPC: &fakeRPC{}, Confirmer: &fakeConfirmer{}, Relay: relay})
			exec, err := f.ForCampaign(params)
			require.ErrorIs(t, err, ErrBundleCredentialsMissing)
			assert.Nil(t, exec)
		})
	}
}

func TestFactory_Select(t *testing.T) {
	f := NewFactory(FactoryConfig{
		RPC:         &fakeRPC{},
		Confirmer:   &fakeConfirmer{},
		Relay:       newFakeRelay(nil),
		MaxAttempts: 5,
	})

	exec, err := f.ForCampaign(domain.CampaignParams{})
	require.NoError(t, err)
	assert.Equal(t, TypeDirect, exec.Type())

	exec, err = f.ForCampaign(domain.CampaignParams{BundleMode: true, TipLamports: 1000})
	require.NoError(t, err)
	assert.Equal(t, TypeBundle, exec.Type())

	opts := f.Options(domain.CampaignParams{TipLamports: 1000})
	assert.Equal(t, 5, opts.MaxAttempts)
	assert.Equal(t, uint64(1000), opts.TipLamports)
}
