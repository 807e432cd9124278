package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentwork-backend/services"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.Store.Driver != "memory" || cfg.Escrow.Oracle != "mock" || cfg.Judge.Provider != "none" {
		t.Errorf("backends = %s/%s/%s", cfg.Store.Driver, cfg.Escrow.Oracle, cfg.Judge.Provider)
	}
	if cfg.MCP.Transport != "stdio" || cfg.MCP.HTTPAddr != ":3002" {
		t.Errorf("mcp = %+v", cfg.MCP)
	}
	if cfg.AutoResolve.Interval != time.Hour {
		t.Errorf("interval = %v", cfg.AutoResolve.Interval)
	}
	if cfg.RateLimit.EvictionInterval != 10*time.Minute {
		t.Errorf("eviction interval = %v", cfg.RateLimit.EvictionInterval)
	}
	if cfg.Notify.Workers != 4 || cfg.Notify.QueueSize != 256 || cfg.Notify.WebhookTimeout != 10*time.Second {
		t.Errorf("notify = %+v", cfg.Notify)
	}

	got, want := cfg.Services(), services.DefaultConfig()
	if got != want {
		t.Errorf("services config = %+v, want %+v", got, want)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketd.yaml")
	yaml := `
platform:
  wallet: platform-custody-01
fees:
  platform_bps: 500
dispute:
  response_window: 24h
ratelimit:
  bids:
    limit: 5
    window: 10m
auth:
  api_keys:
    - key: k-poster
      kind: client
      id: poster-1
      wallet: poster-wallet-0001
    - key: k-ops
      kind: human
      id: ops
      admin: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MARKET_AUTORESOLVE_NEITHER_PARTY_REFUND_PCT", "70")
	t.Setenv("MARKET_FEES_PLATFORM_BPS", "650")
	t.Setenv("ANTHROPIC_API_KEY", "sk-from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sc := cfg.Services()
	if sc.PlatformWallet != "platform-custody-01" {
		t.Errorf("wallet = %q", sc.PlatformWallet)
	}
	if sc.PlatformFeeBps != 650 {
		t.Errorf("env did not override the file: bps = %d", sc.PlatformFeeBps)
	}
	if sc.DisputeResponseWindow != 24*time.Hour {
		t.Errorf("response window = %v", sc.DisputeResponseWindow)
	}
	if sc.NeitherPartyRefundPct != 70 {
		t.Errorf("neither pct = %d", sc.NeitherPartyRefundPct)
	}
	if sc.BidLimit.Limit != 5 || sc.BidLimit.Window != 10*time.Minute {
		t.Errorf("bid limit = %+v", sc.BidLimit)
	}
	if sc.DisputeLimit.Limit != 3 {
		t.Errorf("unset quota lost its default: %+v", sc.DisputeLimit)
	}
	if cfg.Judge.APIKey != "sk-from-env" {
		t.Errorf("judge key = %q", cfg.Judge.APIKey)
	}
	if len(cfg.Auth.APIKeys) != 2 || !cfg.Auth.APIKeys[1].Admin || cfg.Auth.APIKeys[0].Wallet != "poster-wallet-0001" {
		t.Errorf("api keys = %+v", cfg.Auth.APIKeys)
	}
}

func TestLoadRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown driver", "store:\n  driver: mongo\n", "store.driver"},
		{"postgres without dsn", "store:\n  driver: postgres\n", "pg_dsn"},
		{"gateway without url", "escrow:\n  oracle: gateway\n", "gateway_url"},
		{"fee too high", "fees:\n  platform_bps: 10000\n", "platform_bps"},
		{"refund pct", "autoresolve:\n  neither_party_refund_pct: 101\n", "neither_party_refund_pct"},
		{"auto apply without judge", "dispute:\n  auto_apply_judge: true\n", "judge.provider"},
		{"bad wallet", "platform:\n  wallet: x\n", "platform.wallet"},
		{"zero quota", "ratelimit:\n  bids:\n    limit: 0\n", "ratelimit.bids"},
		{"zero eviction", "ratelimit:\n  eviction_interval: 0s\n", "eviction_interval"},
		{"bad transport", "mcp:\n  transport: grpc\n", "mcp.transport"},
		{"key without id", "auth:\n  api_keys:\n    - key: abc\n", "api_keys[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o600); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}
