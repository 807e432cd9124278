package services

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"agentwork-backend/core/marketplace"
	"agentwork-backend/metrics"
	storage "agentwork-backend/storage/marketplace"
)

// Config holds the tunables shared by the services.
type Config struct {
	PlatformWallet         string
	PlatformFeeBps         int
	MaxPayoutAttempts      int
	DisputeResponseWindow  time.Duration
	MinTaskHistory         int
	LowTrustThreshold      int
	AutoApplyJudge         bool
	AutoApplyMinConfidence float64
	ReviewTimeout          time.Duration
	NeitherPartyRefundPct  int
	BidLimit               storage.RateLimit
	DisputeLimit           storage.RateLimit
	DisputeLowTrustLimit   storage.RateLimit
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PlatformWallet:         "platform-wallet",
		PlatformFeeBps:         marketplace.DefaultPlatformFeeBps,
		MaxPayoutAttempts:      5,
		DisputeResponseWindow:  48 * time.Hour,
		MinTaskHistory:         1,
		LowTrustThreshold:      30,
		AutoApplyMinConfidence: 0.9,
		ReviewTimeout:          72 * time.Hour,
		NeitherPartyRefundPct:  50,
		BidLimit:               storage.RateLimit{Limit: 20, Window: time.Hour},
		DisputeLimit:           storage.RateLimit{Limit: 3, Window: 24 * time.Hour},
		DisputeLowTrustLimit:   storage.RateLimit{Limit: 1, Window: 24 * time.Hour},
	}
}

// Deps are the collaborators injected into the marketplace.
type Deps struct {
	Store     storage.Store
	Limiter   storage.RateLimiter
	Escrow    EscrowOracle
	Judge     VerdictOracle
	Publisher Publisher
	Metrics   *metrics.Metrics
	Config    Config
	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

// Marketplace wires the services together. Each service is usable on its own through its field.
type Marketplace struct {
	Tasks     *TaskService
	Bids      *BiddingService
	Escrow    *EscrowService
	Payouts   *PayoutDispatcher
	Disputes  *DisputeEngine
	Resolver  *AutoResolver
	Workflows *WorkflowOrchestrator
	Trust     *TrustEngine
	Matching  *MatchingService
	Inbox     *InboxService
}

// New builds a Marketplace from deps.
func New(d Deps) *Marketplace {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Limiter == nil {
		d.Limiter = storage.NewMemoryRateLimiter()
	}
	if d.Publisher == nil {
		d.Publisher = discardPublisher{}
	}
	if d.Config.PlatformFeeBps == 0 && d.Config.MaxPayoutAttempts == 0 {
		d.Config = DefaultConfig()
	}

	core := &runtime{Deps: d}
	m := &Marketplace{
		Trust:    &TrustEngine{runtime: core},
		Payouts:  &PayoutDispatcher{runtime: core},
		Inbox:    &InboxService{runtime: core},
		Matching: &MatchingService{runtime: core},
	}
	m.Escrow = &EscrowService{runtime: core}
	m.Tasks = &TaskService{runtime: core}
	m.Bids = &BiddingService{runtime: core}
	m.Disputes = &DisputeEngine{runtime: core}
	m.Workflows = &WorkflowOrchestrator{runtime: core}
	m.Resolver = &AutoResolver{runtime: core}
	core.m = m
	return m
}

// runtime is the state every service shares.
type runtime struct {
	Deps
	m *Marketplace
}

func (r *runtime) now() time.Time { return r.Now() }

func (r *runtime) newID(prefix string) string { return prefix + "_" + r.NewID() }

// allow applies a quota and converts a rejection into a rate_limited error.
func (r *runtime) allow(ctx context.Context, scope, key string, limit storage.RateLimit) error {
	d, err := r.Limiter.Allow(ctx, scope, key, limit)
	if err != nil {
		return marketplace.External("rate limiter unavailable", err)
	}
	if !d.Allowed {
		r.Metrics.RateLimited(scope)
		return marketplace.RateLimited(scope, d.RetryAfter)
	}
	return nil
}

// effects collects work that must happen only after a transaction commits.
type effects struct {
	messages   []Message
	payouts    []string
	completed  []string
	terminated []string
	matches    []marketplace.Task
	after      []func()
}

func (e *effects) notify(msg Message) { e.messages = append(e.messages, msg) }

func (e *effects) payout(txID string) { e.payouts = append(e.payouts, txID) }

func (e *effects) then(fn func()) { e.after = append(e.after, fn) }

// flush runs post-commit effects. Failures are logged; the committed state stands.
func (r *runtime) flush(ctx context.Context, e *effects) {
	if e == nil {
		return
	}
	for _, fn := range e.after {
		fn()
	}
	for _, id := range e.payouts {
		if _, err := r.m.Payouts.Dispatch(ctx, id); err != nil {
			log.Printf("payout %s: dispatch failed, will retry on sweep: %v", id, err)
		}
	}
	for _, taskID := range e.completed {
		if err := r.m.Workflows.OnTaskCompleted(ctx, taskID); err != nil {
			log.Printf("workflow advance for task %s failed, sweep will reconcile: %v", taskID, err)
		}
	}
	for _, taskID := range e.terminated {
		if err := r.m.Workflows.OnTaskTerminated(ctx, taskID); err != nil {
			log.Printf("workflow cancel for task %s failed: %v", taskID, err)
		}
	}
	for _, msg := range e.messages {
		r.Publisher.Publish(msg)
	}
	for _, task := range e.matches {
		if _, err := r.m.Matching.MatchTask(ctx, task); err != nil {
			log.Printf("matching for task %s failed: %v", task.ID, err)
		}
	}
}

// authorize returns a forbidden error unless ok.
func authorize(ok bool, format string, args ...any) error {
	if ok {
		return nil
	}
	return marketplace.Forbiddenf(format, args...)
}
