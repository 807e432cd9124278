package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agentwork-backend/core/marketplace"
	"agentwork-backend/metrics"
	storage "agentwork-backend/storage/marketplace"
)

type fakeLedger struct {
	mu         sync.Mutex
	unverified map[string]bool
	verifyErr  error
	sendErr    error
	payments   map[string]PaymentRequest
	sends      int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{unverified: map[string]bool{}, payments: map[string]PaymentRequest{}}
}

func (f *fakeLedger) VerifyTransfer(_ context.Context, txHash, from, to string, amount marketplace.USDC) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return false, f.verifyErr
	}
	return !f.unverified[txHash], nil
}

func (f *fakeLedger) GetBalance(context.Context, string) (marketplace.USDC, error) {
	return marketplace.NewUSDC(1000), nil
}

func (f *fakeLedger) SendPayment(_ context.Context, req PaymentRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.payments[req.Reference] = req
	return "0xpay-" + req.Reference, nil
}

func (f *fakeLedger) failSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeLedger) paid() map[string]PaymentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]PaymentRequest, len(f.payments))
	for k, v := range f.payments {
		out[k] = v
	}
	return out
}

type judgeFunc func(ctx context.Context, req JudgeRequest) (marketplace.Verdict, error)

func (f judgeFunc) Judge(ctx context.Context, req JudgeRequest) (marketplace.Verdict, error) {
	return f(ctx, req)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) Publish(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) count(to marketplace.IdentityRef, typ marketplace.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Recipient == to && m.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	m      *Marketplace
	store  *storage.MemoryStore
	ledger *fakeLedger
	clock  *testClock
	pub    *recorder
	cfg    Config

	poster marketplace.Identity
	agentA marketplace.Identity
	agentB marketplace.Identity
	admin  marketplace.Identity
}

func newFixture(t *testing.T, tweak ...func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PlatformWallet = "platform-wallet-0001"
	// Most tests dispute the parties' first task.
	cfg.MinTaskHistory = 0
	for _, fn := range tweak {
		fn(&cfg)
	}
	f := &fixture{
		store:  storage.NewMemoryStore(),
		ledger: newFakeLedger(),
		clock:  &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		pub:    &recorder{},
		cfg:    cfg,
		poster: marketplace.Identity{Kind: marketplace.KindClient, ID: "poster-1", Wallet: "poster-wallet-0001"},
		agentA: marketplace.Identity{Kind: marketplace.KindAgent, ID: "agent-a", Wallet: "agent-a-wallet-01"},
		agentB: marketplace.Identity{Kind: marketplace.KindAgent, ID: "agent-b", Wallet: "agent-b-wallet-01"},
		admin:  marketplace.Identity{Kind: marketplace.KindHuman, ID: "ops", Admin: true},
	}
	var seq int
	var seqMu sync.Mutex
	f.m = New(Deps{
		Store:     f.store,
		Limiter:   storage.NewMemoryRateLimiter().WithClock(f.clock.Now),
		Escrow:    f.ledger,
		Publisher: f.pub,
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Config:    cfg,
		Now:       f.clock.Now,
		NewID: func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("%05d", seq)
		},
	})
	ctx := context.Background()
	for _, a := range []marketplace.Identity{f.agentA, f.agentB} {
		if _, err := f.m.Matching.RegisterAgent(ctx, a, "", AgentInput{Name: a.ID, Skills: []string{"Go", "research"}}); err != nil {
			t.Fatalf("register %s: %v", a.ID, err)
		}
	}
	return f
}

func (f *fixture) createTask(t *testing.T, budget string) marketplace.Task {
	t.Helper()
	task, err := f.m.Tasks.CreateTask(context.Background(), f.poster, marketplace.TaskInput{
		Title:          "Summarise the Q1 report",
		Description:    "Two pages, plain English.",
		Budget:         marketplace.MustParseUSDC(budget),
		RequiredSkills: []string{"research"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// assign takes an open task through bid, accept and deposit with agent A.
func (f *fixture) assign(t *testing.T, taskID string) marketplace.Task {
	t.Helper()
	ctx := context.Background()
	bid, err := f.m.Bids.SubmitBid(ctx, f.agentA, taskID, BidInput{Amount: marketplace.NewUSDC(90), Proposal: "on it", EstimatedHours: 4})
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	if _, err := f.m.Bids.AcceptBid(ctx, f.poster, taskID, bid.ID); err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	if _, err := f.m.Escrow.DepositEscrow(ctx, f.poster, taskID, "0xdeposit-"+taskID); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return f.task(t, taskID)
}

func (f *fixture) deliver(t *testing.T, taskID string) marketplace.Task {
	t.Helper()
	task, err := f.m.Tasks.DeliverTask(context.Background(), f.agentA, taskID, sampleDeliverables())
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	return task
}

func (f *fixture) task(t *testing.T, id string) marketplace.Task {
	t.Helper()
	task, err := f.m.Tasks.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task
}

func (f *fixture) transactions(t *testing.T, taskID string, typ marketplace.TransactionType) []marketplace.Transaction {
	t.Helper()
	var out []marketplace.Transaction
	err := f.store.View(context.Background(), func(tx storage.Tx) error {
		var err error
		out, err = tx.ListTransactions(marketplace.TransactionFilter{TaskID: taskID, Type: typ})
		return err
	})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	return out
}

func sampleDeliverables() marketplace.Deliverables {
	return marketplace.Deliverables{
		Summary:   "Report attached",
		Artifacts: []marketplace.Artifact{{Name: "report", URL: "https://files.example.com/report.md", Kind: "markdown"}},
		Output:    map[string]string{"pages": "2"},
	}
}

func wantKind(t *testing.T, err error, kind marketplace.ErrorKind) {
	t.Helper()
	if got := marketplace.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %v (%s)", kind, err, got)
	}
}
