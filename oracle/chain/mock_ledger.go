// Package chain holds escrow oracles: adapters that verify stablecoin transfers and send payouts.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"

	"agentwork-backend/core/marketplace"
	"agentwork-backend/services"
)

// Transfer is a settled on-ledger movement.
type Transfer struct {
	TxHash string
	From   string
	To     string
	Amount marketplace.USDC
	Memo   string
}

// MockLedger is an in-process ledger with deterministic hashes. Payments are idempotent by reference.
type MockLedger struct {
	mu        sync.Mutex
	transfers map[string]Transfer
	payments  map[string]string // reference -> tx hash
	balances  map[string]marketplace.USDC

	// AutoConfirm makes VerifyTransfer accept unknown hashes and record them as transfers.
	// Intended for local runs where nothing else writes to the ledger.
	AutoConfirm bool
}

// NewMockLedger returns an empty ledger.
func NewMockLedger() *MockLedger {
	return &MockLedger{
		transfers: make(map[string]Transfer),
		payments:  make(map[string]string),
		balances:  make(map[string]marketplace.USDC),
	}
}

// Credit records an inbound transfer, as if a wallet had paid on chain.
func (l *MockLedger) Credit(txHash, from, to string, amount marketplace.USDC) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record(Transfer{TxHash: strings.TrimSpace(txHash), From: from, To: to, Amount: amount})
}

func (l *MockLedger) record(t Transfer) {
	if _, ok := l.transfers[t.TxHash]; ok {
		return
	}
	l.transfers[t.TxHash] = t
	if t.From != "" {
		l.balances[t.From] -= t.Amount
	}
	l.balances[t.To] += t.Amount
}

// VerifyTransfer implements services.EscrowOracle. An unknown hash is not yet verified.
func (l *MockLedger) VerifyTransfer(ctx context.Context, txHash, from, to string, amount marketplace.USDC) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	txHash = strings.TrimSpace(txHash)
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.transfers[txHash]
	if !ok {
		if !l.AutoConfirm {
			return false, nil
		}
		t = Transfer{TxHash: txHash, From: from, To: to, Amount: amount}
		l.record(t)
		log.Printf("mock ledger: auto-confirmed %s for %s USDC", txHash, amount)
	}
	return t.From == from && t.To == to && t.Amount == amount, nil
}

// GetBalance implements services.EscrowOracle.
func (l *MockLedger) GetBalance(ctx context.Context, address string) (marketplace.USDC, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[address], nil
}

// SendPayment implements services.EscrowOracle. Repeating a reference returns the first hash.
func (l *MockLedger) SendPayment(ctx context.Context, req services.PaymentRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Reference == "" {
		return "", fmt.Errorf("payment reference is required")
	}
	if req.Amount <= 0 {
		return "", fmt.Errorf("payment amount must be positive, got %s", req.Amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if hash, ok := l.payments[req.Reference]; ok {
		return hash, nil
	}
	if bal := l.balances[req.From]; bal < req.Amount {
		return "", fmt.Errorf("insufficient balance in %s: have %s, need %s", req.From, bal, req.Amount)
	}
	sum := sha256.Sum256([]byte("payment:" + req.Reference))
	hash := "0x" + hex.EncodeToString(sum[:])
	l.record(Transfer{TxHash: hash, From: req.From, To: req.To, Amount: req.Amount, Memo: req.Memo})
	l.payments[req.Reference] = hash
	log.Printf("mock ledger: paid %s USDC to %s (ref %s)", req.Amount, req.To, req.Reference)
	return hash, nil
}

// Transfers returns every recorded transfer, in no particular order.
func (l *MockLedger) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transfer, 0, len(l.transfers))
	for _, t := range l.transfers {
		out = append(out, t)
	}
	return out
}
