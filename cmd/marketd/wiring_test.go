package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"agentwork-backend/config"
	"agentwork-backend/core/marketplace"
	"agentwork-backend/services"
	storage "agentwork-backend/storage/marketplace"
)

func TestBuildInMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Notify.DeadLetterPath = filepath.Join(t.TempDir(), "dl.db")

	a, err := build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	poster := marketplace.Identity{Kind: marketplace.KindClient, ID: "poster-1", Wallet: "poster-wallet-0001"}
	agent := marketplace.Identity{Kind: marketplace.KindAgent, ID: "agent-1", Wallet: "agent-wallet-0001"}
	task, err := a.market.Tasks.CreateTask(ctx, poster, marketplace.TaskInput{
		Title:       "Label images",
		Description: "Label 100 images",
		Budget:      marketplace.NewUSDC(5),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := a.market.Matching.RegisterAgent(ctx, agent, "", services.AgentInput{Name: "Labeler"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	bid, err := a.market.Bids.SubmitBid(ctx, agent, task.ID, services.BidInput{Amount: marketplace.NewUSDC(5), Proposal: "ok"})
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if _, err := a.market.Bids.AcceptBid(ctx, poster, task.ID, bid.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := a.market.Escrow.DepositEscrow(ctx, poster, task.ID, "0xlocal-1"); err != nil {
		t.Fatalf("mock ledger should auto-confirm local deposits: %v", err)
	}
	if _, err := os.Stat(cfg.Notify.DeadLetterPath); err != nil {
		t.Errorf("dead letter db not created: %v", err)
	}
}

func TestBuildRejectsPGLimiterWithoutPGStore(t *testing.T) {
	cfg := config.Default()
	cfg.Notify.DeadLetterPath = filepath.Join(t.TempDir(), "dl.db")
	cfg.RateLimit.Backend = "postgres"
	if _, err := build(context.Background(), cfg); err == nil {
		t.Fatal("expected an error")
	}
}

func TestKeyStoreFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.APIKeys = []config.APIKey{{Key: "inline", Kind: "client", ID: "c1"}}
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte("keys:\n  - key: fromfile\n    id: agent-9\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.Auth.KeysFile = path

	keys, err := keyStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if id, ok := keys.Resolve("inline"); !ok || id.Kind != marketplace.KindClient {
		t.Errorf("inline = %+v %v", id, ok)
	}
	if id, ok := keys.Resolve("fromfile"); !ok || id.Kind != marketplace.KindAgent || id.ID != "agent-9" {
		t.Errorf("fromfile = %+v %v", id, ok)
	}
}

func TestStartEvictionDropsIdleKeys(t *testing.T) {
	cfg := config.Default()
	cfg.Notify.DeadLetterPath = filepath.Join(t.TempDir(), "dl.db")
	cfg.RateLimit.EvictionInterval = 10 * time.Millisecond
	a, err := build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	mem, ok := a.limiter.(*storage.MemoryRateLimiter)
	if !ok {
		t.Fatalf("limiter = %T, want memory", a.limiter)
	}
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	if _, err := mem.Allow(context.Background(), "bids", "agent-1", storage.RateLimit{Limit: 5, Window: time.Hour}); err != nil {
		t.Fatal(err)
	}
	if mem.Len() != 1 {
		t.Fatalf("keys = %d", mem.Len())
	}
	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !a.startEviction(ctx) {
		t.Fatal("eviction not started for the memory backend")
	}
	deadline := time.Now().Add(2 * time.Second)
	for mem.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("idle key still tracked after %v", 2*time.Second)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
