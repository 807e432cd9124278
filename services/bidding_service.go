package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"agentwork-backend/core/marketplace"
	storage "agentwork-backend/storage/marketplace"
)

// BidScope is the rate-limit scope for bid submissions.
const BidScope = "bids"

// BiddingService handles offers on open tasks.
type BiddingService struct {
	*runtime
}

// BidInput is an agent's offer.
type BidInput struct {
	Amount         marketplace.USDC
	Proposal       string
	EstimatedHours int
}

func (in *BidInput) validate() error {
	if in.Amount <= 0 {
		return marketplace.Validationf("bid amount must be positive")
	}
	if in.EstimatedHours < 0 {
		return marketplace.Validationf("estimated hours must not be negative")
	}
	var err error
	in.Proposal, err = marketplace.CleanText("proposal", in.Proposal, marketplace.MaxProposal, false)
	return err
}

// SubmitBid places a pending bid. Each agent may bid once per task.
func (s *BiddingService) SubmitBid(ctx context.Context, caller marketplace.Identity, taskID string, in BidInput) (marketplace.Bid, error) {
	if err := in.validate(); err != nil {
		return marketplace.Bid{}, err
	}
	if err := s.Store.View(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		return s.checkBid(tx, t, caller)
	}); err != nil {
		return marketplace.Bid{}, err
	}
	if err := s.allow(ctx, BidScope, caller.ID, s.Config.BidLimit); err != nil {
		return marketplace.Bid{}, err
	}

	var bid marketplace.Bid
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if err := s.checkBid(tx, t, caller); err != nil {
			return err
		}
		now := s.now()
		bid = marketplace.Bid{
			ID:             s.newID("bid"),
			TaskID:         t.ID,
			AgentID:        caller.ID,
			Amount:         in.Amount,
			Proposal:       in.Proposal,
			EstimatedHours: in.EstimatedHours,
			Status:         marketplace.BidPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertBid(bid); err != nil {
			return err
		}
		t.BidCount++
		t.UpdatedAt = now
		return tx.UpdateTask(t)
	})
	if err != nil {
		return marketplace.Bid{}, err
	}
	s.Metrics.BidSubmitted()
	log.Printf("bid %s on task %s by agent %s: %s USDC", bid.ID, bid.TaskID, bid.AgentID, bid.Amount)
	return bid, nil
}

func (s *BiddingService) checkBid(tx storage.Tx, t marketplace.Task, caller marketplace.Identity) error {
	if t.Status != marketplace.TaskOpen {
		return marketplace.Conflictf("task %s is %s and not accepting bids", t.ID, t.Status)
	}
	if caller.Kind != marketplace.KindAgent || caller.ID == "" {
		return marketplace.Forbiddenf("only agents can bid")
	}
	if caller.Is(t.PostedBy) {
		return marketplace.Forbiddenf("agents cannot bid on their own task")
	}
	if _, err := tx.GetAgent(caller.ID); err != nil {
		if errors.Is(err, storage.ErrAgentNotFound) {
			return marketplace.Forbiddenf("agent %s must register before bidding", caller.ID)
		}
		return err
	}
	bids, err := tx.ListBids(t.ID)
	if err != nil {
		return err
	}
	for _, b := range bids {
		if b.AgentID == caller.ID {
			return storage.ErrDuplicateBid
		}
	}
	return nil
}

// AcceptBid assigns the task to the bid's agent and rejects every other bid.
func (s *BiddingService) AcceptBid(ctx context.Context, caller marketplace.Identity, taskID, bidID string) (marketplace.Bid, error) {
	var accepted marketplace.Bid
	var eff effects
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if err := authorize(caller.Is(t.PostedBy), "only the poster can accept bids on task %s", t.ID); err != nil {
			return err
		}
		if t.Status != marketplace.TaskOpen {
			return marketplace.Conflictf("task %s no longer open", t.ID)
		}
		b, err := tx.GetBid(bidID)
		if err != nil {
			return err
		}
		if b.TaskID != t.ID {
			return storage.ErrBidNotFound
		}
		if b.Status != marketplace.BidPending {
			return marketplace.Conflictf("bid %s is %s", b.ID, b.Status)
		}

		bids, err := tx.ListBids(t.ID)
		if err != nil {
			return err
		}
		now := s.now()
		for _, other := range bids {
			if other.ID == b.ID || other.Status != marketplace.BidPending {
				continue
			}
			other.Status = marketplace.BidRejected
			other.UpdatedAt = now
			if err := tx.UpdateBid(other); err != nil {
				return err
			}
			eff.notify(Message{
				Recipient: marketplace.IdentityRef{Kind: marketplace.KindAgent, ID: other.AgentID},
				Type:      marketplace.EventBidRejected,
				Title:     "Bid not selected",
				Body:      fmt.Sprintf("Another agent was chosen for %q.", t.Title),
				Payload:   map[string]string{"task_id": t.ID, "bid_id": other.ID},
			})
		}
		b.Status = marketplace.BidAccepted
		b.UpdatedAt = now
		if err := tx.UpdateBid(b); err != nil {
			return err
		}
		t.Status = marketplace.TaskInProgress
		t.AssignedAgentID = b.AgentID
		t.UpdatedAt = now
		if err := tx.UpdateTask(t); err != nil {
			return err
		}

		winner := marketplace.IdentityRef{Kind: marketplace.KindAgent, ID: b.AgentID}
		payload := map[string]string{"task_id": t.ID, "bid_id": b.ID, "amount_usdc": b.Amount.String()}
		eff.notify(Message{
			Recipient: winner,
			Type:      marketplace.EventBidAccepted,
			Title:     "Bid accepted",
			Body:      fmt.Sprintf("Your bid of %s USDC on %q was accepted.", b.Amount, t.Title),
			Payload:   payload,
		})
		eff.notify(Message{
			Recipient: winner,
			Type:      marketplace.EventTaskAssigned,
			Title:     "Task assigned",
			Body:      fmt.Sprintf("You are assigned to %q. Work can start once escrow is funded.", t.Title),
			Payload:   payload,
		})
		accepted = b
		return nil
	})
	if err != nil {
		return marketplace.Bid{}, err
	}
	s.Metrics.BidAccepted()
	log.Printf("bid %s accepted, task %s assigned to agent %s", accepted.ID, accepted.TaskID, accepted.AgentID)
	s.flush(ctx, &eff)
	return accepted, nil
}

// ListBids returns every bid on the task for its poster; an agent sees only its own bid.
func (s *BiddingService) ListBids(ctx context.Context, caller marketplace.Identity, taskID string) ([]marketplace.Bid, error) {
	var out []marketplace.Bid
	err := s.Store.View(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		bids, err := tx.ListBids(t.ID)
		if err != nil {
			return err
		}
		if caller.Admin || caller.Is(t.PostedBy) {
			out = bids
			return nil
		}
		for _, b := range bids {
			if caller.Kind == marketplace.KindAgent && b.AgentID == caller.ID {
				out = append(out, b)
			}
		}
		return nil
	})
	return out, err
}
