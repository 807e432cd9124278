package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"agentwork-backend/core/marketplace"
	storage "agentwork-backend/storage/marketplace"
)

// AutoResolver forces timeout-driven transitions: stale reviews, expired disputes, stuck payouts
// and workflows left between steps.
type AutoResolver struct {
	*runtime
}

// SweepReport counts what one sweep did. SkippedUnfunded and Escalated describe entities the
// sweep looked at but could not act on.
type SweepReport struct {
	ReviewsApproved   int `json:"reviews_approved"`
	DisputesResolved  int `json:"disputes_resolved"`
	PayoutsAttempted  int `json:"payouts_attempted"`
	PayoutsConfirmed  int `json:"payouts_confirmed"`
	WorkflowsAdvanced int `json:"workflows_advanced"`

	SkippedUnfunded int `json:"skipped_unfunded"`
	Escalated       int `json:"escalated"`
}

// IsEmpty reports whether the sweep changed nothing.
func (r SweepReport) IsEmpty() bool {
	return r.ReviewsApproved == 0 && r.DisputesResolved == 0 && r.PayoutsAttempted == 0 &&
		r.PayoutsConfirmed == 0 && r.WorkflowsAdvanced == 0
}

func (r SweepReport) String() string {
	return fmt.Sprintf("approved=%d resolved=%d payouts=%d/%d workflows=%d skipped_unfunded=%d escalated=%d",
		r.ReviewsApproved, r.DisputesResolved, r.PayoutsConfirmed, r.PayoutsAttempted,
		r.WorkflowsAdvanced, r.SkippedUnfunded, r.Escalated)
}

// Run sweeps every interval until ctx is done.
func (a *AutoResolver) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rep, err := a.Sweep(ctx)
			if err != nil {
				log.Printf("auto-resolve sweep error: %v", err)
				continue
			}
			if !rep.IsEmpty() {
				log.Printf("auto-resolve sweep: %s", rep)
			}
		}
	}
}

// Sweep runs every pass once. Each entity is re-checked in its own transaction, so entities
// already handled are skipped and a repeated sweep does nothing.
func (a *AutoResolver) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	if err := a.sweepReviews(ctx, &rep); err != nil {
		return rep, fmt.Errorf("review sweep: %w", err)
	}
	if err := a.sweepDisputes(ctx, &rep); err != nil {
		return rep, fmt.Errorf("dispute sweep: %w", err)
	}
	attempted, confirmed, err := a.m.Payouts.RetryPending(ctx)
	rep.PayoutsAttempted, rep.PayoutsConfirmed = attempted, confirmed
	if err != nil {
		return rep, fmt.Errorf("payout retry: %w", err)
	}
	if rep.WorkflowsAdvanced, err = a.m.Workflows.Reconcile(ctx); err != nil {
		return rep, fmt.Errorf("workflow reconcile: %w", err)
	}

	a.Metrics.Sweep("review_approved", rep.ReviewsApproved)
	a.Metrics.Sweep("dispute_resolved", rep.DisputesResolved)
	a.Metrics.Sweep("payout_confirmed", rep.PayoutsConfirmed)
	a.Metrics.Sweep("workflow_advanced", rep.WorkflowsAdvanced)
	a.Metrics.Sweep("escalated", rep.Escalated)
	return rep, nil
}

func (a *AutoResolver) reviewExpired(t marketplace.Task, now time.Time) bool {
	return t.Status == marketplace.TaskReview && t.DeliveredAt != nil &&
		now.Sub(*t.DeliveredAt) > a.Config.ReviewTimeout
}

// sweepReviews approves deliveries the poster left unreviewed past the timeout.
func (a *AutoResolver) sweepReviews(ctx context.Context, rep *SweepReport) error {
	var due []string
	now := a.now()
	err := a.Store.View(ctx, func(tx storage.Tx) error {
		tasks, err := tx.ListTasks(marketplace.TaskFilter{Status: marketplace.TaskReview})
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if !a.reviewExpired(t, now) {
				continue
			}
			if !t.HasEscrow() {
				rep.SkippedUnfunded++
				continue
			}
			due = append(due, t.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range due {
		var eff effects
		approved := false
		err := a.Store.WithTx(ctx, func(tx storage.Tx) error {
			t, err := tx.GetTask(id)
			if err != nil {
				return err
			}
			if !a.reviewExpired(t, a.now()) || !t.HasEscrow() {
				return nil
			}
			if _, err := a.m.Tasks.approveTx(tx, t, &eff); err != nil {
				return err
			}
			approved = true
			return nil
		})
		if err != nil {
			log.Printf("auto-approve task %s: %v", id, err)
			continue
		}
		if approved {
			rep.ReviewsApproved++
			log.Printf("task %s auto-approved after %s in review", id, a.Config.ReviewTimeout)
			a.flush(ctx, &eff)
		}
	}
	return nil
}

// autoResolution picks the outcome for an expired dispute from who put evidence on record.
// ok is false when both parties responded and a person has to decide.
func (a *AutoResolver) autoResolution(d marketplace.Dispute) (res marketplace.Resolution, pct int, ok bool) {
	poster, agent := d.RespondedParties()
	switch {
	case poster && agent:
		return "", 0, false
	case poster:
		return marketplace.ResolutionFullRefund, 100, true
	case agent:
		return marketplace.ResolutionAgentPaid, 0, true
	default:
		return marketplace.ResolutionSplit, a.Config.NeitherPartyRefundPct, true
	}
}

// sweepDisputes settles disputes whose response deadline has passed.
func (a *AutoResolver) sweepDisputes(ctx context.Context, rep *SweepReport) error {
	var due []string
	now := a.now()
	err := a.Store.View(ctx, func(tx storage.Tx) error {
		ds, err := tx.ListDisputes(marketplace.DisputeFilter{Active: true, DeadlineBefore: &now})
		if err != nil {
			return err
		}
		for _, d := range ds {
			if _, _, ok := a.autoResolution(d); !ok {
				rep.Escalated++
				continue
			}
			due = append(due, d.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range due {
		var eff effects
		resolved := false
		err := a.Store.WithTx(ctx, func(tx storage.Tx) error {
			d, err := tx.GetDispute(id)
			if err != nil {
				return err
			}
			if !d.IsActive() || !d.ResponseDeadline.Before(a.now()) {
				return nil
			}
			res, pct, ok := a.autoResolution(d)
			if !ok {
				return nil
			}
			if _, err := a.m.Disputes.resolveTx(tx, d, res, pct, ResolverAuto, &eff); err != nil {
				return err
			}
			resolved = true
			return nil
		})
		if err != nil {
			log.Printf("auto-resolve dispute %s: %v", id, err)
			continue
		}
		if resolved {
			rep.DisputesResolved++
			a.flush(ctx, &eff)
		}
	}
	return nil
}
