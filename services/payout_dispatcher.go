package services

import (
	"context"
	"fmt"
	"log"

	"agentwork-backend/core/marketplace"
	storage "agentwork-backend/storage/marketplace"
)

// PayoutDispatcher sends pending payout records through the escrow oracle once their
// transaction has committed. The record id is the oracle reference, so a retry never pays twice.
type PayoutDispatcher struct {
	*runtime
}

// Dispatch sends one payout. A confirmed record is returned unchanged.
func (p *PayoutDispatcher) Dispatch(ctx context.Context, txID string) (marketplace.Transaction, error) {
	var rec marketplace.Transaction
	err := p.Store.View(ctx, func(tx storage.Tx) error {
		var err error
		rec, err = tx.GetTransaction(txID)
		return err
	})
	if err != nil {
		return marketplace.Transaction{}, err
	}
	if !rec.IsPayout() {
		return rec, fmt.Errorf("%s: %w", txID, errNotPayout)
	}
	if rec.Status == marketplace.TxConfirmed {
		return rec, nil
	}
	if p.Escrow == nil {
		return rec, marketplace.External("escrow oracle not configured", nil)
	}

	hash, sendErr := p.Escrow.SendPayment(ctx, PaymentRequest{
		Reference: rec.ID,
		From:      rec.FromAddress,
		To:        rec.ToAddress,
		Amount:    rec.Amount,
		Memo:      fmt.Sprintf("%s for task %s", rec.Type, rec.TaskID),
	})

	var eff effects
	err = p.Store.WithTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.GetTransaction(txID)
		if err != nil {
			return err
		}
		if cur.Status == marketplace.TxConfirmed {
			rec = cur
			return nil
		}
		cur.Attempts++
		if sendErr != nil {
			cur.Status = marketplace.TxFailed
			cur.LastError = sendErr.Error()
		} else {
			now := p.now()
			cur.Status = marketplace.TxConfirmed
			cur.TxHash = hash
			cur.LastError = ""
			cur.ConfirmedAt = &now
			if msg, ok := p.paymentMessage(tx, cur); ok {
				eff.notify(msg)
			}
		}
		rec = cur
		return tx.UpdateTransaction(cur)
	})
	if err != nil {
		return rec, err
	}
	p.flush(ctx, &eff)

	if sendErr != nil {
		p.Metrics.Payout(string(rec.Type), "failed")
		log.Printf("payout %s (%s %s to %s) attempt %d failed: %v", rec.ID, rec.Type, rec.Amount, rec.ToAddress, rec.Attempts, sendErr)
		return rec, marketplace.External("payment failed", sendErr)
	}
	p.Metrics.Payout(string(rec.Type), "confirmed")
	log.Printf("payout %s confirmed: %s %s to %s (%s)", rec.ID, rec.Type, rec.Amount, rec.ToAddress, rec.TxHash)
	return rec, nil
}

func (p *PayoutDispatcher) paymentMessage(tx storage.Tx, rec marketplace.Transaction) (Message, bool) {
	task, err := tx.GetTask(rec.TaskID)
	if err != nil {
		return Message{}, false
	}
	recipient := task.AgentRef()
	if rec.Type == marketplace.TxRefund {
		recipient = task.PostedBy
	}
	return Message{
		Recipient: recipient,
		Type:      marketplace.EventPaymentReceived,
		Title:     "Payment sent",
		Body:      fmt.Sprintf("%s USDC for task %q was sent to %s.", rec.Amount, task.Title, rec.ToAddress),
		Payload: map[string]string{
			"task_id":        task.ID,
			"transaction_id": rec.ID,
			"type":           string(rec.Type),
			"amount_usdc":    rec.Amount.String(),
			"tx_hash":        rec.TxHash,
		},
	}, true
}

// RetryPending re-dispatches pending and failed payouts that still have attempts left.
func (p *PayoutDispatcher) RetryPending(ctx context.Context) (attempted, confirmed int, err error) {
	var due []marketplace.Transaction
	err = p.Store.View(ctx, func(tx storage.Tx) error {
		for _, typ := range []marketplace.TransactionType{marketplace.TxEscrowRelease, marketplace.TxRefund} {
			txs, err := tx.ListTransactions(marketplace.TransactionFilter{
				Type:        typ,
				Statuses:    []marketplace.TransactionStatus{marketplace.TxPending, marketplace.TxFailed},
				MaxAttempts: p.Config.MaxPayoutAttempts,
			})
			if err != nil {
				return err
			}
			due = append(due, txs...)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	for _, t := range due {
		if ctx.Err() != nil {
			return attempted, confirmed, ctx.Err()
		}
		attempted++
		if rec, err := p.Dispatch(ctx, t.ID); err == nil && rec.Status == marketplace.TxConfirmed {
			confirmed++
		}
	}
	return attempted, confirmed, nil
}
