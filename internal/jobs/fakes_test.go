package jobs

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/executor"
	"github.com/shaiso/Tradeflow/internal/idempotency"
	"github.com/shaiso/Tradeflow/internal/jupiter"
	"github.com/shaiso/Tradeflow/internal/keys"
	"github.com/shaiso/Tradeflow/internal/mq"
	"github.com/shaiso/Tradeflow/internal/repo"
	"github.com/shaiso/Tradeflow/internal/solana"
	"github.com/shaiso/Tradeflow/internal/worker"
)

// --- store ---

type memStore struct {
	mu         sync.Mutex
	campaigns  map[uuid.UUID]*domain.Campaign
	runs       map[uuid.UUID]*domain.Run
	wallets    []domain.Wallet
	executions map[uuid.UUID]*domain.ExecutionRecord
	jobs       map[uuid.UUID]*domain.JobRecord
	setSigErr  error
}

func newMemStore() *memStore {
	return &memStore{
		campaigns:  make(map[uuid.UUID]*domain.Campaign),
		runs:       make(map[uuid.UUID]*domain.Run),
		executions: make(map[uuid.UUID]*domain.ExecutionRecord),
		jobs:       make(map[uuid.UUID]*domain.JobRecord),
	}
}

func (m *memStore) GetCampaign(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) SetPool(_ context.Context, id uuid.UUID, poolID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return repo.ErrNotFound
	}
	c.PoolID, c.PoolLabel = poolID, label
	return nil
}

func (m *memStore) GetRun(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) UpdateStats(_ context.Context, id uuid.UUID, stats domain.RunStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	r.Stats = stats
	return nil
}

func (m *memStore) UpdateStatus(_ context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[run.ID]
	if !ok || r.IsFinished() {
		return repo.ErrNotFound
	}
	r.Status = run.Status
	r.FinishedAt = run.FinishedAt
	return nil
}

func (m *memStore) GetWallet(_ context.Context, id uuid.UUID) (*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.wallets {
		if w.ID == id {
			cp := w
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (m *memStore) ListActive(_ context.Context, campaignID uuid.UUID) ([]domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Wallet
	for _, w := range m.wallets {
		if w.CampaignID == campaignID && w.Active {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memStore) InsertExecution(_ context.Context, e *domain.ExecutionRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.JobID]; ok {
		return false, nil
	}
	cp := *e
	m.executions[e.JobID] = &cp
	return true, nil
}

func (m *memStore) GetByJobID(_ context.Context, jobID uuid.UUID) (*domain.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[jobID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) AggregateRun(_ context.Context, runID uuid.UUID) (domain.RunStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s domain.RunStats
	for _, e := range m.executions {
		if e.RunID == nil || *e.RunID != runID || e.Side == domain.SideSweep {
			continue
		}
		s.TradesTotal++
		switch e.Result {
		case domain.ExecutionConfirmed:
			s.TradesSucceeded++
			s.VolumeLamports += e.AmountLamports
		case domain.ExecutionIndeterminate:
			s.Indeterminate++
		default:
			s.TradesFailed++
		}
	}
	return s, nil
}

func (m *memStore) CountTrades(_ context.Context, runID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.executions {
		if e.RunID != nil && *e.RunID == runID && e.Side != domain.SideSweep {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreateJob(_ context.Context, j *domain.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memStore) GetJob(_ context.Context, id uuid.UUID) (*domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) ClaimJob(_ context.Context, id uuid.UUID, attempt int, staleAfter time.Duration) (*domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !j.Claimable(time.Now(), staleAfter) {
		return nil, repo.ErrNotClaimable
	}
	j.MarkRunning(attempt)
	cp := *j
	return &cp, nil
}

// UpdateJob, как и JobRepo, не трогает прогресс и данные отправки.
func (m *memStore) UpdateJob(_ context.Context, j *domain.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.jobs[j.ID]
	if !ok {
		return repo.ErrNotFound
	}
	cp := *j
	cp.LastSignature = prev.LastSignature
	cp.SubmittedAt = prev.SubmittedAt
	cp.LastValidBlockHeight = prev.LastValidBlockHeight
	cp.Progress, cp.ProgressMessage = prev.Progress, prev.ProgressMessage
	if cp.Status == domain.JobStatusSucceeded {
		cp.Progress = 100
	}
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memStore) UpdateProgress(_ context.Context, id uuid.UUID, progress int, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.Progress, j.ProgressMessage = progress, message
	}
	return nil
}

func (m *memStore) SetLastSignature(_ context.Context, id uuid.UUID, signature string, lastValid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setSigErr != nil {
		return m.setSigErr
	}
	if j, ok := m.jobs[id]; ok {
		j.RecordSubmission(signature, lastValid, time.Now())
	}
	return nil
}

func (m *memStore) job(id uuid.UUID) domain.JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) execution(jobID uuid.UUID) *domain.ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executions[jobID]
}

func (m *memStore) executionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.executions)
}

// --- queue ---

type enqueued struct {
	Type    domain.JobType
	Payload json.RawMessage
	Opts    mq.EnqueueOptions
}

type fakeQueue struct {
	mu   sync.Mutex
	msgs []enqueued
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, jobType domain.JobType, payload any, opts mq.EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	raw, _ := payload.(json.RawMessage)
	q.msgs = append(q.msgs, enqueued{Type: jobType, Payload: raw, Opts: opts})
	return uuid.NewString(), nil
}

func (q *fakeQueue) ofType(t domain.JobType) []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []enqueued
	for _, m := range q.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// --- chain / swap / keys / executor ---

type fakeChain struct {
	mu       sync.Mutex
	lamports uint64
	tokens   uint64
	statuses map[string]*solana.SignatureStatus
	height   uint64
	err      error
}

func (c *fakeChain) GetBalance(context.Context, solana.PublicKey) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lamports, c.err
}

func (c *fakeChain) GetTokenBalance(context.Context, solana.PublicKey, solana.PublicKey) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens, c.err
}

func (c *fakeChain) GetSignatureStatuses(_ context.Context, sigs ...string) ([]*solana.SignatureStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*solana.SignatureStatus, len(sigs))
	for i, s := range sigs {
		out[i] = c.statuses[s]
	}
	return out, nil
}

func (c *fakeChain) GetBlockHeight(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, c.err
}

func (c *fakeChain) setHeight(h uint64) {
	c.mu.Lock()
	c.height = h
	c.mu.Unlock()
}

type fakeSwapper struct {
	mu       sync.Mutex
	requests []jupiter.QuoteRequest
	quoteErr error
}

func (s *fakeSwapper) Quote(_ context.Context, req jupiter.QuoteRequest) (*jupiter.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.quoteErr != nil {
		return nil, s.quoteErr
	}
	return &jupiter.Quote{
		OutAmount: "5000",
		RoutePlan: []jupiter.RoutePlanStep{{SwapInfo: jupiter.SwapInfo{AmmKey: "pool-1", Label: "Raydium"}, Percent: 100}},
	}, nil
}

func (s *fakeSwapper) Swap(_ context.Context, _ *jupiter.Quote, user solana.PublicKey) (*jupiter.SwapResult, error) {
	tx, err := solana.NewTransaction(user, solana.Hash{}, solana.TransferInstruction(user, solana.PublicKey{9}, 1))
	if err != nil {
		return nil, err
	}
	return &jupiter.SwapResult{Transaction: tx, LastValidBlockHeight: 100}, nil
}

type fakeKeys struct {
	key ed25519.PrivateKey
}

func (k *fakeKeys) Decrypt(_ context.Context, walletID uuid.UUID) (*keys.SigningKey, error) {
	priv := make(ed25519.PrivateKey, len(k.key))
	copy(priv, k.key)
	return &keys.SigningKey{
		WalletID:  walletID,
		PublicKey: solana.PublicKeyFromPrivate(priv),
		Private:   priv,
	}, nil
}

type fakeExec struct {
	mu    sync.Mutex
	calls int
	txs   []*solana.Transaction
	err   error
}

func (f *fakeExec) Execute(_ context.Context, tx *solana.Transaction, signer ed25519.PrivateKey, opts executor.Options) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.txs = append(f.txs, tx)

	tx.SetRecentBlockhash(solana.Hash{1})
	if err := tx.Sign(signer); err != nil {
		return nil, err
	}
	sig := tx.Signature().String()
	if opts.OnSubmit != nil {
		if err := opts.OnSubmit(sig, 100); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &executor.Result{Signature: sig, Outcome: executor.OutcomeConfirmed, Attempts: 1}, nil
}

func (f *fakeExec) ExecuteBatch(context.Context, []*solana.Transaction, ed25519.PrivateKey, executor.Options) (*executor.BatchResult, error) {
	return nil, errors.New("not used")
}

func (f *fakeExec) Type() executor.Type { return executor.TypeDirect }

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeExecutors struct {
	exec   *fakeExec
	selErr error
}

func (f *fakeExecutors) ForCampaign(domain.CampaignParams) (executor.Executor, error) {
	if f.selErr != nil {
		return nil, f.selErr
	}
	return f.exec, nil
}

func (f *fakeExecutors) Direct() executor.Executor { return f.exec }

func (f *fakeExecutors) Options(domain.CampaignParams) executor.Options { return executor.Options{} }

// --- environment ---

type testEnv struct {
	t        *testing.T
	h        *Handlers
	store    *memStore
	queue    *fakeQueue
	idem     *idempotency.MemoryStore
	chain    *fakeChain
	swapper  *fakeSwapper
	exec     *fakeExec
	execs    *fakeExecutors
	campaign *domain.Campaign
	run      *domain.Run
	wallet   domain.Wallet
	dest     solana.PublicKey
}

func testKey(seed string) ed25519.PrivateKey {
	s := sha256.Sum256([]byte(seed))
	return ed25519.NewKeyFromSeed(s[:])
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()

	store := newMemStore()
	dest := solana.PublicKeyFromPrivate(testKey("treasury"))

	c := &domain.Campaign{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Name:      "test",
		Status:    domain.CampaignStatusActive,
		TokenMint: solana.PublicKeyFromPrivate(testKey("mint")).String(),
		Params: domain.CampaignParams{
			SlippageBps:      100,
			MinTxSOL:         decimal.RequireFromString("0.01"),
			MaxTxSOL:         decimal.RequireFromString("0.02"),
			IntervalSec:      60,
			JitterSec:        10,
			SellRatio:        decimal.RequireFromString("0.5"),
			SweepDestination: dest.String(),
		},
	}
	run := domain.NewRun(c.ID)
	wallet := domain.Wallet{ID: uuid.New(), CampaignID: c.ID, Active: true}

	store.campaigns[c.ID] = c
	store.runs[run.ID] = run
	store.wallets = []domain.Wallet{wallet}

	queue := &fakeQueue{}
	exec := &fakeExec{}
	env := &testEnv{
		t:        t,
		store:    store,
		queue:    queue,
		idem:     idempotency.NewMemoryStore(nil),
		chain:    &fakeChain{statuses: make(map[string]*solana.SignatureStatus)},
		swapper:  &fakeSwapper{},
		exec:     exec,
		execs:    &fakeExecutors{exec: exec},
		campaign: c,
		run:      run,
		wallet:   wallet,
		dest:     dest,
	}

	cfg := Config{
		Campaigns:  store,
		Runs:       store,
		Wallets:    store,
		Executions: store,
		Keys:       &fakeKeys{key: testKey("wallet")},
		Swapper:    env.swapper,
		Chain:      env.chain,
		Executors:  env.execs,
		Dispatcher: NewDispatcher(store, queue),
		Rand:       rand.New(rand.NewPCG(1, 2)),
	}
	for _, o := range opts {
		o(&cfg)
	}
	env.h = New(cfg)
	return env
}

// newJob создаёт job record с payload, как это делает Dispatcher.
func (e *testEnv) newJob(jobType domain.JobType, payload any) *worker.Job {
	e.t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		e.t.Fatalf("marshal payload: %v", err)
	}
	rec := domain.NewJobRecord(jobType, "jobs.test")
	rec.Payload = raw
	if err := e.store.CreateJob(context.Background(), rec); err != nil {
		e.t.Fatal(err)
	}
	return &worker.Job{
		MessageID: uuid.NewString(),
		Type:      jobType,
		RecordID:  rec.ID,
		Attempt:   1,
		Payload:   raw,
	}
}

// call выполняет handler со снимком job record, как это делает Worker.
func (e *testEnv) call(fn worker.HandlerFunc, job *worker.Job) (any, error) {
	e.t.Helper()
	rec, err := e.store.GetJob(context.Background(), job.RecordID)
	if err != nil {
		e.t.Fatal(err)
	}
	jc := worker.NewJobContext(job, *rec, e.store, e.idem, nil)
	return fn(context.Background(), job, jc)
}

func (e *testEnv) tradePayload() TradePayload {
	return TradePayload{
		CampaignID:     e.campaign.ID,
		RunID:          e.run.ID,
		WalletID:       e.wallet.ID,
		Seq:            1,
		AmountLamports: 15_000_000,
	}
}

// setSubmission записывает в job record отправку прошлой попытки.
func (e *testEnv) setSubmission(id uuid.UUID, sig string, submittedAgo time.Duration, lastValid uint64) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	e.store.jobs[id].RecordSubmission(sig, lastValid, time.Now().Add(-submittedAgo))
}

func decodePayload[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return v
}
