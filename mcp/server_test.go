package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"

	"agentwork-backend/core/marketplace"
	"agentwork-backend/metrics"
	"agentwork-backend/oracle/chain"
	"agentwork-backend/services"
	storage "agentwork-backend/storage/marketplace"
)

const (
	posterKey = "key-poster"
	agentKey  = "key-agent"
	otherKey  = "key-other"
	adminKey  = "key-admin"
)

type harness struct {
	srv    *Server
	ledger *chain.MockLedger
	m      *services.Marketplace
}

func newHarness(t *testing.T, mutate func(*services.Config)) *harness {
	t.Helper()
	cfg := services.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	ledger := chain.NewMockLedger()
	ledger.AutoConfirm = true
	store := storage.NewMemoryStore()
	met := metrics.New(prometheus.NewRegistry())
	notifier := services.NewNotifier(store, nil, nil, met, services.NotifierConfig{})
	m := services.New(services.Deps{
		Store:  store,
		Escrow: ledger,
		Publisher: services.PublisherFunc(func(msg services.Message) {
			notifier.Deliver(context.Background(), msg)
		}),
		Metrics: met,
		Config:  cfg,
	})
	keys := NewKeyStore()
	seed := map[string]marketplace.Identity{
		posterKey: {Kind: marketplace.KindClient, ID: "poster-1", Wallet: "poster-wallet-0001"},
		agentKey:  {Kind: marketplace.KindAgent, ID: "agent-a", Wallet: "agent-a-wallet-01"},
		otherKey:  {Kind: marketplace.KindAgent, ID: "agent-b", Wallet: "agent-b-wallet-01"},
		adminKey:  {Kind: marketplace.KindHuman, ID: "ops", Admin: true},
	}
	for k, id := range seed {
		if err := keys.Add(k, id); err != nil {
			t.Fatalf("seed key %s: %v", k, err)
		}
	}
	return &harness{srv: NewServer(m, keys, "test"), ledger: ledger, m: m}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content items = %d", len(res.Content))
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T", res.Content[0])
	}
	return tc.Text
}

// ok calls a tool that must succeed and decodes its JSON result into out.
func (h *harness) ok(t *testing.T, tool string, a map[string]any, out any) {
	t.Helper()
	res := h.srv.call(context.Background(), tool, a)
	text := resultText(t, res)
	if res.IsError {
		t.Fatalf("%s failed: %s", tool, text)
	}
	if out != nil {
		if err := json.Unmarshal([]byte(text), out); err != nil {
			t.Fatalf("%s: decode %s: %v", tool, text, err)
		}
	}
}

// fail calls a tool that must fail and returns its ToolError.
func (h *harness) fail(t *testing.T, tool string, a map[string]any) ToolError {
	t.Helper()
	res := h.srv.call(context.Background(), tool, a)
	text := resultText(t, res)
	if !res.IsError {
		t.Fatalf("%s succeeded unexpectedly: %s", tool, text)
	}
	var te ToolError
	if err := json.Unmarshal([]byte(text), &te); err != nil {
		t.Fatalf("%s: decode error %s: %v", tool, text, err)
	}
	return te
}

func (h *harness) postTask(t *testing.T, budget string) marketplace.Task {
	t.Helper()
	var task marketplace.Task
	h.ok(t, "create_task", map[string]any{
		"api_key":         posterKey,
		"title":           "Summarise filings",
		"description":     "Summarise the attached quarterly filings",
		"budget_usdc":     budget,
		"required_skills": []any{"summarization", "finance"},
	}, &task)
	return task
}

func TestToolsRegistered(t *testing.T) {
	h := newHarness(t, nil)
	got := h.srv.Tools()
	sort.Strings(got)
	want := []string{
		"accept_bid", "approve_task", "cancel_task", "cancel_workflow", "create_task", "create_workflow",
		"deliver_task", "deposit_escrow", "get_deposit_instructions", "get_dispute", "get_escrow_status", "get_platform_balance", "get_task", "get_trust_score",
		"get_workflow", "judge_dispute", "list_bids", "list_disputes", "list_notifications", "list_tasks",
		"list_workflows", "mark_notification_read", "pause_workflow", "raise_dispute", "recommend_agents",
		"register_agent", "resolve_dispute", "resume_workflow", "run_sweep", "start_workflow",
		"submit_bid", "submit_evidence",
	}
	if len(got) != len(want) {
		t.Fatalf("tools = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tool %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestTaskLifecycleOverTools(t *testing.T) {
	h := newHarness(t, nil)

	var agent marketplace.Agent
	h.ok(t, "register_agent", map[string]any{
		"api_key": agentKey,
		"name":    "Summariser",
		"skills":  []any{"summarization", "finance"},
	}, &agent)
	if agent.Wallet != "agent-a-wallet-01" {
		t.Fatalf("wallet did not default to the key's wallet: %q", agent.Wallet)
	}

	task := h.postTask(t, "100")
	if task.Status != marketplace.TaskOpen || task.Budget != marketplace.NewUSDC(100) {
		t.Fatalf("task = %+v", task)
	}

	var bid marketplace.Bid
	h.ok(t, "submit_bid", map[string]any{
		"api_key":         agentKey,
		"task_id":         task.ID,
		"amount_usdc":     "90",
		"proposal":        "Two-page summary per filing",
		"estimated_hours": float64(3),
	}, &bid)

	var bids struct {
		Bids  []marketplace.Bid `json:"bids"`
		Count int               `json:"count"`
	}
	h.ok(t, "list_bids", map[string]any{"api_key": posterKey, "task_id": task.ID}, &bids)
	if bids.Count != 1 || bids.Bids[0].ID != bid.ID {
		t.Fatalf("bids = %+v", bids)
	}

	h.ok(t, "accept_bid", map[string]any{"api_key": posterKey, "task_id": task.ID, "bid_id": bid.ID}, nil)

	var deposit marketplace.Transaction
	h.ok(t, "deposit_escrow", map[string]any{"api_key": posterKey, "task_id": task.ID, "tx_hash": "0xdeposit01"}, &deposit)
	if deposit.Status != marketplace.TxConfirmed {
		t.Fatalf("deposit = %+v", deposit)
	}

	h.ok(t, "deliver_task", map[string]any{
		"api_key":   agentKey,
		"task_id":   task.ID,
		"summary":   "Done",
		"artifacts": []any{map[string]any{"name": "summary.md", "url": "https://files.example.com/summary.md"}},
		"output":    map[string]any{"pages": "2"},
	}, &task)
	if task.Status != marketplace.TaskReview || task.Deliverables == nil || len(task.Deliverables.Artifacts) != 1 {
		t.Fatalf("delivered task = %+v", task)
	}

	h.ok(t, "approve_task", map[string]any{"api_key": posterKey, "task_id": task.ID}, &task)
	if task.Status != marketplace.TaskCompleted {
		t.Fatalf("status = %s", task.Status)
	}

	var status services.EscrowStatus
	h.ok(t, "get_escrow_status", map[string]any{"api_key": posterKey, "task_id": task.ID}, &status)
	if !status.Funded || status.Released <= 0 || status.PendingPayouts != 0 {
		t.Fatalf("escrow = %+v", status)
	}
	paid := false
	for _, tr := range h.ledger.Transfers() {
		if tr.To == "agent-a-wallet-01" && tr.Amount == status.Released {
			paid = true
		}
	}
	if !paid {
		t.Fatalf("no ledger payment of %s to the agent", status.Released)
	}

	var inbox struct {
		Notifications []marketplace.Notification `json:"notifications"`
		Count         int                        `json:"count"`
	}
	h.ok(t, "list_notifications", map[string]any{"api_key": agentKey, "unread_only": true}, &inbox)
	if inbox.Count == 0 {
		t.Fatal("agent has no notifications")
	}
	h.ok(t, "mark_notification_read", map[string]any{"api_key": agentKey, "notification_id": inbox.Notifications[0].ID}, nil)
	var after struct {
		Count int `json:"count"`
	}
	h.ok(t, "list_notifications", map[string]any{"api_key": agentKey, "unread_only": "true"}, &after)
	if after.Count != inbox.Count-1 {
		t.Errorf("unread after mark = %d, want %d", after.Count, inbox.Count-1)
	}

	var score marketplace.TrustScore
	h.ok(t, "get_trust_score", map[string]any{"api_key": otherKey, "subject": "agent-a-wallet-01"}, &score)
	if score.CompletedTasks != 1 {
		t.Errorf("trust = %+v", score)
	}
}

func TestToolErrors(t *testing.T) {
	h := newHarness(t, nil)
	task := h.postTask(t, "10")

	tests := []struct {
		name  string
		tool  string
		args  map[string]any
		code  string
		field string
	}{
		{"no key", "get_task", map[string]any{"task_id": task.ID}, ErrCodeUnauthorized, "api_key"},
		{"unknown key", "get_task", map[string]any{"api_key": "nope", "task_id": task.ID}, ErrCodeUnauthorized, "api_key"},
		{"missing field", "get_task", map[string]any{"api_key": posterKey}, ErrCodeMissingRequired, "task_id"},
		{"bad amount", "create_task", map[string]any{"api_key": posterKey, "title": "t", "description": "d", "budget_usdc": "ten"}, ErrCodeValidationFailed, "budget_usdc"},
		{"bad deadline", "create_task", map[string]any{"api_key": posterKey, "title": "t", "description": "d", "budget_usdc": "1", "deadline": "tomorrow"}, ErrCodeValidationFailed, "deadline"},
		{"fractional limit", "list_tasks", map[string]any{"api_key": posterKey, "limit": 2.5}, ErrCodeValidationFailed, "limit"},
		{"not found", "get_task", map[string]any{"api_key": posterKey, "task_id": "task_missing"}, ErrCodeNotFound, ""},
		{"agent cannot approve", "approve_task", map[string]any{"api_key": agentKey, "task_id": task.ID}, ErrCodeForbidden, ""},
		{"sweep needs admin", "run_sweep", map[string]any{"api_key": posterKey}, ErrCodeForbidden, ""},
		{"bad role", "get_trust_score", map[string]any{"api_key": posterKey, "subject": "agent-a", "role": "judge"}, ErrCodeValidationFailed, "role"},
		{"unregistered bidder", "submit_bid", map[string]any{"api_key": otherKey, "task_id": task.ID, "amount_usdc": "5", "proposal": "p"}, ErrCodeForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := h.fail(t, tt.tool, tt.args)
			if te.Code != tt.code {
				t.Fatalf("code = %s (%s), want %s", te.Code, te.Message, tt.code)
			}
			if te.Field != tt.field {
				t.Errorf("field = %q, want %q", te.Field, tt.field)
			}
			if te.Tool != tt.tool {
				t.Errorf("tool = %q", te.Tool)
			}
		})
	}
}

func TestBidQuotaReportsRetryAfter(t *testing.T) {
	h := newHarness(t, func(c *services.Config) {
		c.BidLimit = storage.RateLimit{Limit: 1, Window: 90 * time.Second}
	})
	h.ok(t, "register_agent", map[string]any{"api_key": agentKey, "name": "A", "skills": "summarization"}, nil)
	first, second := h.postTask(t, "10"), h.postTask(t, "20")

	h.ok(t, "submit_bid", map[string]any{"api_key": agentKey, "task_id": first.ID, "amount_usdc": "9", "proposal": "p"}, nil)
	te := h.fail(t, "submit_bid", map[string]any{"api_key": agentKey, "task_id": second.ID, "amount_usdc": "19", "proposal": "p"})
	if te.Code != ErrCodeRateLimited {
		t.Fatalf("code = %s", te.Code)
	}
	if te.RetryAfterSeconds <= 0 || te.RetryAfterSeconds > 90 {
		t.Errorf("retry_after_seconds = %d", te.RetryAfterSeconds)
	}
}

func TestWorkflowFromDefinitionOverTools(t *testing.T) {
	h := newHarness(t, nil)
	def := `
name: research
steps:
  - title: Gather sources
    description: Collect ten sources
    budget: "5"
    skills: [research]
  - title: Write brief
    description: Two-page brief from the sources
    budget: "15"
    skills: [writing]
`
	var wf marketplace.Workflow
	h.ok(t, "create_workflow", map[string]any{"api_key": posterKey, "definition": def}, &wf)
	if wf.Status != marketplace.WorkflowDraft || wf.TotalSteps != 2 || wf.TotalBudget != marketplace.NewUSDC(20) {
		t.Fatalf("workflow = %+v", wf)
	}
	h.ok(t, "start_workflow", map[string]any{"api_key": posterKey, "workflow_id": wf.ID}, &wf)
	if wf.Status != marketplace.WorkflowRunning || wf.Steps[0].TaskID == "" {
		t.Fatalf("started = %+v", wf)
	}

	var tasks struct {
		Tasks []marketplace.Task `json:"tasks"`
		Count int                `json:"count"`
	}
	h.ok(t, "list_tasks", map[string]any{"api_key": agentKey, "workflow_id": wf.ID}, &tasks)
	if tasks.Count != 1 || tasks.Tasks[0].ID != wf.Steps[0].TaskID {
		t.Fatalf("workflow tasks = %+v", tasks)
	}

	if te := h.fail(t, "pause_workflow", map[string]any{"api_key": agentKey, "workflow_id": wf.ID}); te.Code != ErrCodeForbidden {
		t.Errorf("outsider pause code = %s", te.Code)
	}
	h.ok(t, "cancel_workflow", map[string]any{"api_key": posterKey, "workflow_id": wf.ID, "reason": "scope changed"}, &wf)
	if wf.Status != marketplace.WorkflowCancelled || wf.CancelReason != "scope changed" {
		t.Fatalf("cancelled = %+v", wf)
	}

	if te := h.fail(t, "create_workflow", map[string]any{"api_key": posterKey, "name": "empty"}); te.Code != ErrCodeMissingRequired || te.Field != "steps" {
		t.Errorf("empty steps = %+v", te)
	}
}

func TestRunSweepAsAdmin(t *testing.T) {
	h := newHarness(t, nil)
	var report services.SweepReport
	h.ok(t, "run_sweep", map[string]any{"api_key": adminKey}, &report)
	if !report.IsEmpty() {
		t.Errorf("sweep of an empty market = %+v", report)
	}
}

func TestPlatformBalanceIsAdminOnly(t *testing.T) {
	h := newHarness(t, nil)
	wallet := services.DefaultConfig().PlatformWallet
	h.ledger.Credit("0xfund-1", "poster-wallet-0001", wallet, marketplace.MustParseUSDC("7.5"))

	var got struct {
		Wallet  string           `json:"wallet"`
		Balance marketplace.USDC `json:"balance_usdc"`
	}
	h.ok(t, "get_platform_balance", map[string]any{"api_key": adminKey}, &got)
	if got.Wallet != wallet || got.Balance != marketplace.MustParseUSDC("7.5") {
		t.Errorf("balance = %+v", got)
	}
	if te := h.fail(t, "get_platform_balance", map[string]any{"api_key": posterKey}); te.Code != ErrCodeForbidden {
		t.Errorf("poster err = %+v", te)
	}
}

func TestFromErrorMasksInternalErrors(t *testing.T) {
	te := FromError("get_task", errors.New("pq: connection refused to 10.0.0.5"))
	if te.Code != ErrCodeInternalError || te.Message != "Internal server error" {
		t.Fatalf("te = %+v", te)
	}
	te = FromError("deposit_escrow", marketplace.External("ledger unavailable", errors.New("timeout")))
	if te.Code != ErrCodeServiceUnavailable || te.Hint == "" {
		t.Fatalf("external = %+v", te)
	}
	same := NewMissingFieldError("get_task", "task_id")
	if FromError("get_task", same) != same {
		t.Fatal("tool errors should pass through unchanged")
	}
}

func TestKeyStore(t *testing.T) {
	ks := NewKeyStore()
	if err := ks.Add("secret-1", marketplace.Identity{ID: "agent-z"}); err != nil {
		t.Fatal(err)
	}
	id, ok := ks.Resolve(" secret-1 ")
	if !ok || id.Kind != marketplace.KindAgent || id.ID != "agent-z" {
		t.Fatalf("resolve = %+v, %v", id, ok)
	}
	for h := range ks.keys {
		if h == "secret-1" || len(h) != 64 {
			t.Errorf("stored key %q is not a sha256 hex digest", h)
		}
	}
	if _, ok := ks.Resolve(""); ok {
		t.Error("empty key resolved")
	}
	if err := ks.Add("k", marketplace.Identity{Kind: marketplace.KindSystem, ID: "system"}); err == nil {
		t.Error("system identity accepted")
	}
	if err := ks.Add("", marketplace.Identity{ID: "x"}); err == nil {
		t.Error("empty key accepted")
	}

	issued, err := ks.Issue(marketplace.Identity{Kind: marketplace.KindClient, ID: "c9"})
	if err != nil || len(issued) != 64 {
		t.Fatalf("issue = %q, %v", issued, err)
	}
	if id, ok := ks.Resolve(issued); !ok || id.ID != "c9" {
		t.Errorf("issued key resolves to %+v", id)
	}
}

func TestKeyStoreLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	body := `
keys:
  - key: k1
    kind: client
    id: poster-9
    wallet: poster-wallet-0009
  - key: k2
    kind: human
    id: ops
    admin: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	ks := NewKeyStore()
	n, err := ks.LoadFile(path)
	if err != nil || n != 2 {
		t.Fatalf("load = %d, %v", n, err)
	}
	if id, ok := ks.Resolve("k2"); !ok || !id.Admin || id.Kind != marketplace.KindHuman {
		t.Errorf("k2 = %+v", id)
	}
	if id, _ := ks.Resolve("k1"); id.Wallet != "poster-wallet-0009" {
		t.Errorf("k1 = %+v", id)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("keys:\n  - key: k3\n    kind: system\n    id: root\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewKeyStore().LoadFile(bad); err == nil {
		t.Error("system key accepted from file")
	}
}
