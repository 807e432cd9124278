package main

import (
	"context"
	"fmt"
	"log"

	"github.com/prometheus/client_golang/prometheus"

	"agentwork-backend/config"
	"agentwork-backend/metrics"
	"agentwork-backend/mcp"
	"agentwork-backend/oracle/chain"
	"agentwork-backend/oracle/judge"
	"agentwork-backend/services"
	storage "agentwork-backend/storage/marketplace"
)

// app holds everything a command needs, plus the cleanup for it.
type app struct {
	cfg         *config.Config
	market      *services.Marketplace
	store       storage.Store
	notifier    *services.Notifier
	deadLetters *storage.SQLiteDeadLetterSink
	limiter     storage.RateLimiter
	registry    *prometheus.Registry
	closers     []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// startEviction drops idle rate limit keys until ctx ends. The Postgres
// backend keeps its events in a table and needs no timer.
func (a *app) startEviction(ctx context.Context) bool {
	mem, ok := a.limiter.(*storage.MemoryRateLimiter)
	if !ok {
		return false
	}
	mem.StartEviction(ctx, a.cfg.RateLimit.EvictionInterval)
	return true
}

// build wires the marketplace from cfg. The notifier is built but not started.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var pg *storage.PGStore
	switch cfg.Store.Driver {
	case "postgres":
		s, err := storage.NewPGStore(ctx, cfg.Store.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to init store: %w", err)
		}
		pg = s
		a.store = s
	default:
		a.store = storage.NewMemoryStore()
	}
	a.closers = append(a.closers, a.store.Close)

	var limiter storage.RateLimiter = storage.NewMemoryRateLimiter()
	if cfg.RateLimit.Backend == "postgres" {
		if pg == nil {
			return nil, fmt.Errorf("ratelimit.backend postgres needs store.driver postgres")
		}
		limiter = storage.NewPGRateLimiter(pg.Pool())
	}
	a.limiter = limiter

	var escrow services.EscrowOracle
	switch cfg.Escrow.Oracle {
	case "gateway":
		gw, err := chain.NewGateway(cfg.Escrow.GatewayURL, cfg.Escrow.GatewayToken, cfg.Escrow.GatewayTimeout)
		if err != nil {
			return nil, err
		}
		escrow = gw
	default:
		ledger := chain.NewMockLedger()
		ledger.AutoConfirm = true
		escrow = ledger
		log.Printf("escrow oracle: mock ledger with auto-confirm; deposits are not checked on chain")
	}

	var verdicts services.VerdictOracle
	if cfg.Judge.Provider == "anthropic" {
		j, err := judge.NewAnthropic(cfg.Judge.APIKey, cfg.Judge.Model)
		if err != nil {
			return nil, fmt.Errorf("judge: %w", err)
		}
		verdicts = j
	}

	sink, err := storage.NewSQLiteDeadLetterSink(cfg.Notify.DeadLetterPath)
	if err != nil {
		return nil, err
	}
	a.deadLetters = sink
	a.closers = append(a.closers, func() {
		if err := sink.Close(); err != nil {
			log.Printf("close dead letters: %v", err)
		}
	})

	m := metrics.New(a.registry)
	a.notifier = services.NewNotifier(a.store, services.NewWebhookSender(cfg.Notify.WebhookTimeout), sink, m, cfg.NotifierConfig())
	a.market = services.New(services.Deps{
		Store:     a.store,
		Limiter:   limiter,
		Escrow:    escrow,
		Judge:     verdicts,
		Publisher: a.notifier,
		Metrics:   m,
		Config:    cfg.Services(),
	})
	ok = true
	return a, nil
}

// keyStore loads API keys from the config and the optional keys file.
func keyStore(cfg *config.Config) (*mcp.KeyStore, error) {
	keys := mcp.NewKeyStore()
	if err := keys.Seed(cfg.Auth.APIKeys); err != nil {
		return nil, err
	}
	n := len(cfg.Auth.APIKeys)
	if cfg.Auth.KeysFile != "" {
		loaded, err := keys.LoadFile(cfg.Auth.KeysFile)
		if err != nil {
			return nil, err
		}
		n += loaded
	}
	if n == 0 {
		log.Printf("no API keys configured; every tool call will be rejected")
	}
	return keys, nil
}
