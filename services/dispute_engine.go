package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"agentwork-backend/core/marketplace"
	storage "agentwork-backend/storage/marketplace"
)

// DisputeScope is the rate-limit scope for raising disputes.
const DisputeScope = "disputes"

// Resolver ids recorded on disputes settled without an admin.
const (
	ResolverAuto  = "auto"
	ResolverJudge = "judge"
)

const maxEvidenceEntries = 100

// DisputeEngine freezes contested tasks and settles them.
type DisputeEngine struct {
	*runtime
}

// DisputeInput is what a party files when raising a dispute.
type DisputeInput struct {
	Reason      marketplace.DisputeReason
	Description string
	Evidence    marketplace.EvidenceInput
}

func (in *DisputeInput) validate() error {
	in.Reason = marketplace.DisputeReason(strings.ToLower(strings.TrimSpace(string(in.Reason))))
	if !in.Reason.Valid() {
		return marketplace.Validationf("invalid dispute reason %q", in.Reason)
	}
	var err error
	if in.Description, err = marketplace.CleanText("description", in.Description, marketplace.MaxDisputeDesc, true); err != nil {
		return err
	}
	if !in.Evidence.IsZero() {
		return in.Evidence.Validate()
	}
	return nil
}

// partyOf reports which side of task the caller is on.
func partyOf(task marketplace.Task, caller marketplace.Identity) (marketplace.Party, bool) {
	switch {
	case caller.Is(task.PostedBy):
		return marketplace.PartyPoster, true
	case task.AssignedAgentID != "" && caller.Is(task.AgentRef()):
		return marketplace.PartyAgent, true
	}
	return "", false
}

func counterparty(task marketplace.Task, p marketplace.Party) marketplace.IdentityRef {
	if p == marketplace.PartyPoster {
		return task.AgentRef()
	}
	return task.PostedBy
}

// RaiseDispute freezes an assigned task until the dispute is resolved.
func (e *DisputeEngine) RaiseDispute(ctx context.Context, caller marketplace.Identity, taskID string, in DisputeInput) (marketplace.Dispute, error) {
	if err := in.validate(); err != nil {
		return marketplace.Dispute{}, err
	}
	var limit storage.RateLimit
	err := e.Store.View(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		party, err := e.checkRaise(tx, t, caller)
		if err != nil {
			return err
		}
		limit, err = e.disputeLimit(tx, t, party)
		return err
	})
	if err != nil {
		return marketplace.Dispute{}, err
	}
	if err := e.allow(ctx, DisputeScope, caller.Ref().String(), limit); err != nil {
		return marketplace.Dispute{}, err
	}

	var d marketplace.Dispute
	var eff effects
	err = e.Store.WithTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		party, err := e.checkRaise(tx, t, caller)
		if err != nil {
			return err
		}
		now := e.now()
		d = marketplace.Dispute{
			ID:               e.newID("dsp"),
			TaskID:           t.ID,
			RaisedBy:         caller.Ref(),
			RaisedByParty:    party,
			Reason:           in.Reason,
			Description:      in.Description,
			Evidence:         []marketplace.EvidenceEntry{},
			Status:           marketplace.DisputeOpen,
			ResponseDeadline: now.Add(e.Config.DisputeResponseWindow),
			PriorTaskStatus:  t.Status,
			CreatedAt:        now,
		}
		if !in.Evidence.IsZero() {
			d.Evidence = append(d.Evidence, in.Evidence.Entry(caller.Ref(), party, now))
		}
		if err := tx.InsertDispute(d); err != nil {
			return err
		}
		t.Status = marketplace.TaskDisputed
		t.UpdatedAt = now
		if err := tx.UpdateTask(t); err != nil {
			return err
		}
		eff.notify(Message{
			Recipient: counterparty(t, party),
			Type:      marketplace.EventDisputeRaised,
			Title:     "Dispute raised",
			Body: fmt.Sprintf("The %s of %q raised a %s dispute. Submit evidence before %s.",
				party, t.Title, d.Reason, d.ResponseDeadline.Format("2006-01-02 15:04 MST")),
			Payload: map[string]string{"task_id": t.ID, "dispute_id": d.ID, "reason": string(d.Reason)},
		})
		return nil
	})
	if err != nil {
		return marketplace.Dispute{}, err
	}
	e.Metrics.DisputeRaised(string(d.Reason))
	log.Printf("dispute %s raised on task %s by %s (%s)", d.ID, d.TaskID, d.RaisedBy, d.Reason)
	e.flush(ctx, &eff)
	return d, nil
}

func (e *DisputeEngine) checkRaise(tx storage.Tx, t marketplace.Task, caller marketplace.Identity) (marketplace.Party, error) {
	party, ok := partyOf(t, caller)
	if !ok {
		return "", marketplace.Forbiddenf("only the poster or the assigned agent can dispute task %s", t.ID)
	}
	if !t.Status.CanTransition(marketplace.TaskDisputed) || t.AssignedAgentID == "" {
		return "", marketplace.Conflictf("task %s is %s and cannot be disputed", t.ID, t.Status)
	}
	if _, err := tx.ActiveDisputeForTask(t.ID); err == nil {
		return "", storage.ErrActiveDispute
	} else if !errors.Is(err, storage.ErrDisputeNotFound) {
		return "", err
	}
	// The disputed task itself is not history.
	n, err := tx.CountTasksForIdentity(caller.Ref(), t.ID)
	if err != nil {
		return "", err
	}
	if n < e.Config.MinTaskHistory {
		return "", marketplace.Forbiddenf("at least %d other tasks of history are required to raise a dispute", e.Config.MinTaskHistory)
	}
	return party, nil
}

// disputeLimit picks the tighter quota for raisers with low trust.
func (e *DisputeEngine) disputeLimit(tx storage.Tx, t marketplace.Task, party marketplace.Party) (storage.RateLimit, error) {
	subject, err := partySubject(tx, t, party)
	if err != nil {
		return storage.RateLimit{}, err
	}
	score, err := scoreTx(tx, subject, party)
	if err != nil {
		return storage.RateLimit{}, err
	}
	if score.Score < e.Config.LowTrustThreshold {
		return e.Config.DisputeLowTrustLimit, nil
	}
	return e.Config.DisputeLimit, nil
}

// SubmitEvidence appends a party's evidence. The first entry from the other side starts review.
func (e *DisputeEngine) SubmitEvidence(ctx context.Context, caller marketplace.Identity, disputeID string, in marketplace.EvidenceInput) (marketplace.Dispute, error) {
	if err := in.Validate(); err != nil {
		return marketplace.Dispute{}, err
	}
	var d marketplace.Dispute
	err := e.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		d, err = tx.GetDispute(disputeID)
		if err != nil {
			return err
		}
		t, err := tx.GetTask(d.TaskID)
		if err != nil {
			return err
		}
		party, ok := partyOf(t, caller)
		if !ok {
			return marketplace.Forbiddenf("only the task's parties can submit evidence")
		}
		if !d.IsActive() {
			return marketplace.Conflictf("dispute %s is %s", d.ID, d.Status)
		}
		if len(d.Evidence) >= maxEvidenceEntries {
			return marketplace.Conflictf("dispute %s has reached its evidence limit", d.ID)
		}
		d.Evidence = append(d.Evidence, in.Entry(caller.Ref(), party, e.now()))
		if party != d.RaisedByParty && d.Status == marketplace.DisputeOpen {
			d.Status = marketplace.DisputeReviewing
		}
		return tx.UpdateDispute(d)
	})
	if err != nil {
		return marketplace.Dispute{}, err
	}
	log.Printf("evidence added to dispute %s by %s (%d entries)", d.ID, caller.Ref(), len(d.Evidence))
	return d, nil
}

// ResolveDispute settles an active dispute. Only admins and system actors may call it.
func (e *DisputeEngine) ResolveDispute(ctx context.Context, caller marketplace.Identity, disputeID string, res marketplace.Resolution, refundPct int) (marketplace.Dispute, error) {
	if err := authorize(caller.Admin || caller.IsSystem(), "only an admin can resolve disputes"); err != nil {
		return marketplace.Dispute{}, err
	}
	var d marketplace.Dispute
	var eff effects
	err := e.Store.WithTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.GetDispute(disputeID)
		if err != nil {
			return err
		}
		d, err = e.resolveTx(tx, cur, res, refundPct, caller.ID, &eff)
		return err
	})
	if err != nil {
		return marketplace.Dispute{}, err
	}
	e.flush(ctx, &eff)
	return d, nil
}

// resolveTx moves money, settles the task and records the outcome inside the caller's transaction.
func (e *DisputeEngine) resolveTx(tx storage.Tx, d marketplace.Dispute, res marketplace.Resolution, refundPct int, resolvedBy string, eff *effects) (marketplace.Dispute, error) {
	if !res.Valid() {
		return d, marketplace.Validationf("invalid resolution %q", res)
	}
	if res.NeedsPercentage() && (refundPct < 0 || refundPct > 100) {
		return d, marketplace.Validationf("refund percentage must be between 0 and 100")
	}
	if !d.IsActive() {
		return d, marketplace.Conflictf("dispute %s is already %s", d.ID, d.Status)
	}
	pct := res.RefundPercent(refundPct)
	t, err := tx.GetTask(d.TaskID)
	if err != nil {
		return d, err
	}

	if t.HasEscrow() {
		if pct == 0 {
			err = e.m.Escrow.release(tx, t, eff)
		} else {
			_, err = e.m.Escrow.refund(tx, t, pct, eff)
		}
		if err != nil {
			return d, err
		}
	} else {
		log.Printf("dispute %s: task %s has no funded escrow, resolving without moving funds", d.ID, t.ID)
	}

	now := e.now()
	if pct >= 100 {
		t.Status = marketplace.TaskRefunded
	} else {
		t.Status = marketplace.TaskCompleted
		t.CompletedAt = &now
	}
	t.UpdatedAt = now
	if err := tx.UpdateTask(t); err != nil {
		return d, err
	}

	d.Status = marketplace.DisputeResolved
	if resolvedBy == ResolverAuto {
		d.Status = marketplace.DisputeAutoResolved
	}
	d.Resolution = res
	d.RefundPercentage = pct
	d.ResolvedBy = resolvedBy
	d.ResolvedAt = &now
	if err := tx.UpdateDispute(d); err != nil {
		return d, err
	}
	if err := e.m.Trust.RecordDisputeOutcome(tx, t, pct); err != nil {
		return d, err
	}

	if t.WorkflowID != "" {
		if t.Status == marketplace.TaskCompleted {
			eff.completed = append(eff.completed, t.ID)
		} else {
			eff.terminated = append(eff.terminated, t.ID)
		}
	}
	for _, who := range []marketplace.IdentityRef{t.PostedBy, t.AgentRef()} {
		eff.notify(Message{
			Recipient: who,
			Type:      marketplace.EventDisputeResolved,
			Title:     "Dispute resolved",
			Body:      fmt.Sprintf("The dispute on %q was resolved as %s (%d%% refunded to the poster).", t.Title, res, pct),
			Payload: map[string]string{
				"task_id":           t.ID,
				"dispute_id":        d.ID,
				"resolution":        string(res),
				"refund_percentage": fmt.Sprint(pct),
				"resolved_by":       resolvedBy,
			},
		})
	}
	status := d.Status
	eff.then(func() { e.Metrics.DisputeResolved(string(res), resolvedBy) })
	log.Printf("dispute %s %s by %s: %s, %d%% refund, task %s now %s", d.ID, status, resolvedBy, res, pct, t.ID, t.Status)
	return d, nil
}

// JudgeDispute asks the verdict oracle for a recommendation and stores it on the dispute.
// The verdict is applied only when the auto-apply policy is on and its confidence clears the bar.
func (e *DisputeEngine) JudgeDispute(ctx context.Context, caller marketplace.Identity, disputeID string) (marketplace.Dispute, error) {
	var req JudgeRequest
	err := e.Store.View(ctx, func(tx storage.Tx) error {
		d, err := tx.GetDispute(disputeID)
		if err != nil {
			return err
		}
		t, err := tx.GetTask(d.TaskID)
		if err != nil {
			return err
		}
		if _, ok := partyOf(t, caller); !ok && !caller.Admin {
			return marketplace.Forbiddenf("only an admin or a party can request a verdict")
		}
		if !d.IsActive() {
			return marketplace.Conflictf("dispute %s is already %s", d.ID, d.Status)
		}
		req = JudgeRequest{Task: t, Dispute: d}
		return nil
	})
	if err != nil {
		return marketplace.Dispute{}, err
	}
	if e.Judge == nil {
		return marketplace.Dispute{}, marketplace.External("verdict oracle not configured", nil)
	}
	v, err := e.Judge.Judge(ctx, req)
	if err != nil {
		return marketplace.Dispute{}, marketplace.External("verdict oracle unavailable", err)
	}
	if !v.Resolution.Valid() {
		return marketplace.Dispute{}, marketplace.External(fmt.Sprintf("verdict oracle returned resolution %q", v.Resolution), nil)
	}
	v.RefundPercentage = v.Resolution.RefundPercent(clampPct(v.RefundPercentage))
	if v.JudgedAt.IsZero() {
		v.JudgedAt = e.now()
	}

	var d marketplace.Dispute
	var eff effects
	err = e.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		d, err = tx.GetDispute(disputeID)
		if err != nil {
			return err
		}
		if !d.IsActive() {
			return marketplace.Conflictf("dispute %s was settled while the verdict was pending", d.ID)
		}
		d.Recommendation = &v
		if d.Status == marketplace.DisputeOpen {
			d.Status = marketplace.DisputeReviewing
		}
		if err := tx.UpdateDispute(d); err != nil {
			return err
		}
		if !e.Config.AutoApplyJudge || v.Confidence < e.Config.AutoApplyMinConfidence {
			return nil
		}
		log.Printf("auto-applying judge verdict on dispute %s: %s (%d%%, confidence %.2f)", d.ID, v.Resolution, v.RefundPercentage, v.Confidence)
		d, err = e.resolveTx(tx, d, v.Resolution, v.RefundPercentage, ResolverJudge, &eff)
		return err
	})
	if err != nil {
		return marketplace.Dispute{}, err
	}
	log.Printf("judge recommended %s (%d%%, confidence %.2f) for dispute %s", v.Resolution, v.RefundPercentage, v.Confidence, d.ID)
	e.flush(ctx, &eff)
	return d, nil
}

func clampPct(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// GetDispute returns a dispute to an admin or one of its task's parties.
func (e *DisputeEngine) GetDispute(ctx context.Context, caller marketplace.Identity, id string) (marketplace.Dispute, error) {
	var d marketplace.Dispute
	err := e.Store.View(ctx, func(tx storage.Tx) error {
		var err error
		d, err = tx.GetDispute(id)
		if err != nil {
			return err
		}
		t, err := tx.GetTask(d.TaskID)
		if err != nil {
			return err
		}
		_, ok := partyOf(t, caller)
		return authorize(ok || caller.Admin, "only an admin or a party can view dispute %s", id)
	})
	return d, err
}

// ListDisputes returns disputes matching filter that the caller may see.
func (e *DisputeEngine) ListDisputes(ctx context.Context, caller marketplace.Identity, filter marketplace.DisputeFilter) ([]marketplace.Dispute, error) {
	var out []marketplace.Dispute
	err := e.Store.View(ctx, func(tx storage.Tx) error {
		all, err := tx.ListDisputes(filter)
		if err != nil {
			return err
		}
		if caller.Admin {
			out = all
			return nil
		}
		for _, d := range all {
			t, err := tx.GetTask(d.TaskID)
			if err != nil {
				return err
			}
			if _, ok := partyOf(t, caller); ok {
				out = append(out, d)
			}
		}
		return nil
	})
	return out, err
}
