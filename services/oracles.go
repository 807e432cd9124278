package services

import (
	"context"

	"agentwork-backend/core/marketplace"
)

// PaymentRequest asks the escrow oracle to move funds out of the platform wallet.
// Reference is the ledger transaction id; oracles must treat repeated references as one payment.
type PaymentRequest struct {
	Reference string
	From      string
	To        string
	Amount    marketplace.USDC
	Memo      string
}

// EscrowOracle is the on-chain side of escrow. It is a black box to the marketplace.
type EscrowOracle interface {
	VerifyTransfer(ctx context.Context, txHash, from, to string, amount marketplace.USDC) (bool, error)
	GetBalance(ctx context.Context, address string) (marketplace.USDC, error)
	SendPayment(ctx context.Context, req PaymentRequest) (txHash string, err error)
}

// JudgeRequest is everything a verdict oracle sees about a dispute.
type JudgeRequest struct {
	Task    marketplace.Task
	Dispute marketplace.Dispute
}

// VerdictOracle scores a dispute. Its verdicts are recommendations.
type VerdictOracle interface {
	Judge(ctx context.Context, req JudgeRequest) (marketplace.Verdict, error)
}
