package services

import (
	"context"
	"errors"
	"log"
	"strings"

	"agentwork-backend/core/marketplace"
	storage "agentwork-backend/storage/marketplace"
)

// EscrowService records deposits and creates the payout records for releases and refunds.
type EscrowService struct {
	*runtime
}

// EscrowStatus is the money view of a single task.
type EscrowStatus struct {
	TaskID         string                    `json:"task_id"`
	Budget         marketplace.USDC          `json:"budget_usdc"`
	Funded         bool                      `json:"funded"`
	DepositTxHash  string                    `json:"deposit_tx_hash,omitempty"`
	Released       marketplace.USDC          `json:"released_usdc"`
	Refunded       marketplace.USDC          `json:"refunded_usdc"`
	Fees           marketplace.USDC          `json:"fees_usdc"`
	PendingPayouts int                       `json:"pending_payouts"`
	Transactions   []marketplace.Transaction `json:"transactions"`
}

// DepositEscrow verifies the poster's transfer to the platform wallet and records it on the task.
// Repeating the call with the same hash returns the recorded deposit.
func (s *EscrowService) DepositEscrow(ctx context.Context, caller marketplace.Identity, taskID, txHash string) (marketplace.Transaction, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return marketplace.Transaction{}, marketplace.Validationf("tx_hash is required")
	}

	var task marketplace.Task
	var existing *marketplace.Transaction
	err := s.Store.View(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if err := s.checkDeposit(task, caller, txHash); err != nil {
			return err
		}
		if task.EscrowTxHash == txHash {
			dep, err := depositFor(tx, taskID)
			if err != nil {
				return err
			}
			existing = &dep
			return nil
		}
		used, err := tx.ListTransactions(marketplace.TransactionFilter{TxHash: txHash, Type: marketplace.TxEscrowDeposit})
		if err != nil {
			return err
		}
		if len(used) > 0 {
			return marketplace.Conflictf("transfer %s already funds task %s", txHash, used[0].TaskID)
		}
		return nil
	})
	if err != nil {
		return marketplace.Transaction{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	from := strings.TrimSpace(task.PosterWallet)
	if from == "" {
		from = strings.TrimSpace(caller.Wallet)
	}
	if err := marketplace.ValidateWallet(from); err != nil {
		return marketplace.Transaction{}, marketplace.Validationf("poster wallet is required to verify the deposit")
	}
	if s.Escrow == nil {
		return marketplace.Transaction{}, marketplace.External("escrow oracle not configured", nil)
	}
	ok, err := s.Escrow.VerifyTransfer(ctx, txHash, from, s.Config.PlatformWallet, task.Budget)
	if err != nil {
		return marketplace.Transaction{}, marketplace.External("escrow oracle unavailable", err)
	}
	if !ok {
		return marketplace.Transaction{}, marketplace.Pendingf("transfer %s not yet verified, retry later", txHash)
	}

	var deposit marketplace.Transaction
	err = s.Store.WithTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if err := s.checkDeposit(t, caller, txHash); err != nil {
			return err
		}
		if t.EscrowTxHash == txHash {
			deposit, err = depositFor(tx, taskID)
			return err
		}
		now := s.now()
		t.EscrowTxHash = txHash
		t.PosterWallet = from
		t.UpdatedAt = now
		if err := tx.UpdateTask(t); err != nil {
			return err
		}
		deposit = marketplace.Transaction{
			ID:          s.newID("txn"),
			TaskID:      t.ID,
			Type:        marketplace.TxEscrowDeposit,
			FromAddress: from,
			ToAddress:   s.Config.PlatformWallet,
			Amount:      t.Budget,
			TxHash:      txHash,
			Status:      marketplace.TxConfirmed,
			Attempts:    1,
			CreatedAt:   now,
			ConfirmedAt: &now,
		}
		return tx.InsertTransaction(deposit)
	})
	if err != nil {
		return marketplace.Transaction{}, err
	}
	s.Metrics.EscrowDeposited()
	log.Printf("escrow funded for task %s: %s (%s USDC)", taskID, txHash, deposit.Amount)
	return deposit, nil
}

func (s *EscrowService) checkDeposit(task marketplace.Task, caller marketplace.Identity, txHash string) error {
	if !caller.Is(task.PostedBy) {
		return marketplace.Forbiddenf("only the poster can fund task %s", task.ID)
	}
	if task.EscrowTxHash != "" && task.EscrowTxHash != txHash {
		return marketplace.Conflictf("task %s is already funded by %s", task.ID, task.EscrowTxHash)
	}
	if task.EscrowTxHash == "" && task.Status != marketplace.TaskInProgress {
		return marketplace.Conflictf("task %s is %s; escrow is deposited after a bid is accepted", task.ID, task.Status)
	}
	return nil
}

func depositFor(tx storage.Tx, taskID string) (marketplace.Transaction, error) {
	deps, err := tx.ListTransactions(marketplace.TransactionFilter{TaskID: taskID, Type: marketplace.TxEscrowDeposit})
	if err != nil {
		return marketplace.Transaction{}, err
	}
	if len(deps) == 0 {
		return marketplace.Transaction{}, storage.ErrTransactionNotFound
	}
	return deps[0], nil
}

// release pays the assigned agent the budget less the platform fee. It runs inside the caller's
// transaction; the payout itself is sent after commit.
func (s *EscrowService) release(tx storage.Tx, task marketplace.Task, eff *effects) error {
	if !task.HasEscrow() {
		return marketplace.Conflictf("task %s has no funded escrow", task.ID)
	}
	agent, err := tx.GetAgent(task.AssignedAgentID)
	if err != nil {
		return err
	}
	payout, fee := marketplace.SplitFee(task.Budget, s.Config.PlatformFeeBps)
	if err := s.recordPayout(tx, task, marketplace.TxEscrowRelease, agent.Wallet, payout, eff); err != nil {
		return err
	}
	if err := s.recordFee(tx, task, fee); err != nil {
		return err
	}
	agent.TotalEarned += payout
	agent.CompletedTasks++
	if err := tx.PutAgent(agent); err != nil {
		return err
	}
	eff.then(func() { s.Metrics.Released(int64(payout), int64(fee)) })
	log.Printf("escrow release for task %s: agent %s gets %s, fee %s", task.ID, agent.ID, payout, fee)
	return nil
}

// refund returns pct% of the budget to the poster and releases the rest to the agent less the fee.
func (s *EscrowService) refund(tx storage.Tx, task marketplace.Task, pct int, eff *effects) (marketplace.RefundSplit, error) {
	if !task.HasEscrow() {
		return marketplace.RefundSplit{}, marketplace.Conflictf("task %s has no funded escrow", task.ID)
	}
	split := marketplace.SplitRefund(task.Budget, pct, s.Config.PlatformFeeBps)
	if err := s.recordPayout(tx, task, marketplace.TxRefund, task.PosterWallet, split.PosterRefund, eff); err != nil {
		return split, err
	}
	if split.AgentGross > 0 {
		agent, err := tx.GetAgent(task.AssignedAgentID)
		if err != nil {
			return split, err
		}
		if err := s.recordPayout(tx, task, marketplace.TxEscrowRelease, agent.Wallet, split.AgentPayout, eff); err != nil {
			return split, err
		}
		if err := s.recordFee(tx, task, split.Fee); err != nil {
			return split, err
		}
		agent.TotalEarned += split.AgentPayout
		if err := tx.PutAgent(agent); err != nil {
			return split, err
		}
	}
	eff.then(func() {
		s.Metrics.Refunded(int64(split.PosterRefund))
		s.Metrics.Released(int64(split.AgentPayout), int64(split.Fee))
	})
	log.Printf("escrow refund for task %s: poster %s, agent %s, fee %s", task.ID, split.PosterRefund, split.AgentPayout, split.Fee)
	return split, nil
}

func (s *EscrowService) recordPayout(tx storage.Tx, task marketplace.Task, typ marketplace.TransactionType, to string, amount marketplace.USDC, eff *effects) error {
	if amount <= 0 {
		return nil
	}
	if strings.TrimSpace(to) == "" {
		return marketplace.Conflictf("no wallet on record for %s payout of task %s", typ, task.ID)
	}
	t := marketplace.Transaction{
		ID:          s.newID("txn"),
		TaskID:      task.ID,
		Type:        typ,
		FromAddress: s.Config.PlatformWallet,
		ToAddress:   to,
		Amount:      amount,
		Status:      marketplace.TxPending,
		CreatedAt:   s.now(),
	}
	if err := tx.InsertTransaction(t); err != nil {
		return err
	}
	eff.payout(t.ID)
	return nil
}

func (s *EscrowService) recordFee(tx storage.Tx, task marketplace.Task, fee marketplace.USDC) error {
	if fee <= 0 {
		return nil
	}
	now := s.now()
	return tx.InsertTransaction(marketplace.Transaction{
		ID:          s.newID("txn"),
		TaskID:      task.ID,
		Type:        marketplace.TxPlatformFee,
		FromAddress: s.Config.PlatformWallet,
		ToAddress:   s.Config.PlatformWallet,
		Amount:      fee,
		Status:      marketplace.TxConfirmed,
		CreatedAt:   now,
		ConfirmedAt: &now,
	})
}

// GetEscrowStatus summarises the money records of a task for its parties.
func (s *EscrowService) GetEscrowStatus(ctx context.Context, caller marketplace.Identity, taskID string) (EscrowStatus, error) {
	var st EscrowStatus
	err := s.Store.View(ctx, func(tx storage.Tx) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if err := authorize(caller.Admin || caller.Is(task.PostedBy) || caller.Is(task.AgentRef()),
			"only the task's parties can view its escrow"); err != nil {
			return err
		}
		txs, err := tx.ListTransactions(marketplace.TransactionFilter{TaskID: taskID})
		if err != nil {
			return err
		}
		st = EscrowStatus{TaskID: taskID, Budget: task.Budget, Funded: task.HasEscrow(), DepositTxHash: task.EscrowTxHash, Transactions: txs}
		for _, t := range txs {
			switch t.Type {
			case marketplace.TxEscrowRelease:
				st.Released += t.Amount
			case marketplace.TxRefund:
				st.Refunded += t.Amount
			case marketplace.TxPlatformFee:
				st.Fees += t.Amount
			}
			if t.IsPayout() && t.Status != marketplace.TxConfirmed {
				st.PendingPayouts++
			}
		}
		return nil
	})
	return st, err
}

// Balance reports the platform wallet balance from the oracle. Admins only.
func (s *EscrowService) Balance(ctx context.Context, caller marketplace.Identity) (marketplace.USDC, error) {
	if !caller.Admin {
		return 0, marketplace.Forbiddenf("the platform balance is visible to admins only")
	}
	if s.Escrow == nil {
		return 0, marketplace.External("escrow oracle not configured", nil)
	}
	bal, err := s.Escrow.GetBalance(ctx, s.Config.PlatformWallet)
	if err != nil {
		return 0, marketplace.External("escrow oracle unavailable", err)
	}
	return bal, nil
}

var errNotPayout = errors.New("transaction is not a payout")
