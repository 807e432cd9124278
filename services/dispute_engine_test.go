package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"agentwork-backend/core/marketplace"
	storage "agentwork-backend/storage/marketplace"
)

func raise(t *testing.T, f *fixture, by marketplace.Identity, taskID string, evidence string) marketplace.Dispute {
	t.Helper()
	d, err := f.m.Disputes.RaiseDispute(context.Background(), by, taskID, DisputeInput{
		Reason:      marketplace.ReasonQualityIssue,
		Description: "The report misses half the sections.",
		Evidence:    marketplace.EvidenceInput{Text: evidence},
	})
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	return d
}

func TestRaiseDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "100")
	f.assign(t, task.ID)
	f.deliver(t, task.ID)

	t.Run("outsider is forbidden", func(t *testing.T) {
		_, err := f.m.Disputes.RaiseDispute(ctx, f.agentB, task.ID, DisputeInput{Reason: marketplace.ReasonFraud, Description: "x"})
		wantKind(t, err, marketplace.KindForbidden)
	})
	t.Run("unknown reason", func(t *testing.T) {
		_, err := f.m.Disputes.RaiseDispute(ctx, f.poster, task.ID, DisputeInput{Reason: "boredom", Description: "x"})
		wantKind(t, err, marketplace.KindValidation)
	})

	d := raise(t, f, f.poster, task.ID, "sections 3-6 missing")
	if d.Status != marketplace.DisputeOpen || d.PriorTaskStatus != marketplace.TaskReview || d.RaisedByParty != marketplace.PartyPoster {
		t.Fatalf("dispute = %+v", d)
	}
	if want := f.clock.Now().Add(48 * time.Hour); !d.ResponseDeadline.Equal(want) {
		t.Errorf("deadline = %s, want %s", d.ResponseDeadline, want)
	}
	if got := f.task(t, task.ID).Status; got != marketplace.TaskDisputed {
		t.Fatalf("task status = %s", got)
	}
	if f.pub.count(f.agentA.Ref(), marketplace.EventDisputeRaised) != 1 {
		t.Errorf("counterparty not notified")
	}

	t.Run("second dispute conflicts", func(t *testing.T) {
		_, err := f.m.Disputes.RaiseDispute(ctx, f.agentA, task.ID, DisputeInput{Reason: marketplace.ReasonPaymentIssue, Description: "x"})
		wantKind(t, err, marketplace.KindConflict)
	})
	t.Run("disputed task is frozen", func(t *testing.T) {
		_, err := f.m.Tasks.ApproveTask(ctx, f.poster, task.ID)
		wantKind(t, err, marketplace.KindConflict)
		_, err = f.m.Tasks.CancelTask(ctx, f.poster, task.ID, "")
		wantKind(t, err, marketplace.KindConflict)
	})

	t.Run("counterparty evidence starts review", func(t *testing.T) {
		more, err := f.m.Disputes.SubmitEvidence(ctx, f.poster, d.ID, marketplace.EvidenceInput{Text: "see screenshot", Links: []string{"https://img.example.com/1.png"}})
		if err != nil {
			t.Fatalf("raiser evidence: %v", err)
		}
		if more.Status != marketplace.DisputeOpen {
			t.Errorf("raiser evidence changed status to %s", more.Status)
		}
		reply, err := f.m.Disputes.SubmitEvidence(ctx, f.agentA, d.ID, marketplace.EvidenceInput{Text: "all sections delivered"})
		if err != nil {
			t.Fatalf("agent evidence: %v", err)
		}
		if reply.Status != marketplace.DisputeReviewing || len(reply.Evidence) != 3 {
			t.Fatalf("after reply: %s with %d entries", reply.Status, len(reply.Evidence))
		}
		_, err = f.m.Disputes.SubmitEvidence(ctx, f.agentB, d.ID, marketplace.EvidenceInput{Text: "me too"})
		wantKind(t, err, marketplace.KindForbidden)
	})

	t.Run("open task cannot be disputed", func(t *testing.T) {
		open := f.createTask(t, "5")
		_, err := f.m.Disputes.RaiseDispute(ctx, f.poster, open.ID, DisputeInput{Reason: marketplace.ReasonOther, Description: "x"})
		wantKind(t, err, marketplace.KindConflict)
	})
}

func TestResolveDispute(t *testing.T) {
	setup := func(t *testing.T) (*fixture, marketplace.Task, marketplace.Dispute) {
		f := newFixture(t)
		task := f.createTask(t, "100")
		f.assign(t, task.ID)
		f.deliver(t, task.ID)
		return f, task, raise(t, f, f.poster, task.ID, "wrong format")
	}
	ctx := context.Background()

	t.Run("only admins resolve", func(t *testing.T) {
		f, _, d := setup(t)
		_, err := f.m.Disputes.ResolveDispute(ctx, f.poster, d.ID, marketplace.ResolutionFullRefund, 0)
		wantKind(t, err, marketplace.KindForbidden)
		_, err = f.m.Disputes.ResolveDispute(ctx, f.admin, d.ID, marketplace.ResolutionSplit, 150)
		wantKind(t, err, marketplace.KindValidation)
	})

	t.Run("split", func(t *testing.T) {
		f, task, d := setup(t)
		got, err := f.m.Disputes.ResolveDispute(ctx, f.admin, d.ID, marketplace.ResolutionSplit, 50)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got.Status != marketplace.DisputeResolved || got.ResolvedBy != f.admin.ID || got.RefundPercentage != 50 {
			t.Fatalf("dispute = %+v", got)
		}
		if s := f.task(t, task.ID).Status; s != marketplace.TaskCompleted {
			t.Errorf("task = %s", s)
		}
		refund := f.transactions(t, task.ID, marketplace.TxRefund)
		release := f.transactions(t, task.ID, marketplace.TxEscrowRelease)
		fee := f.transactions(t, task.ID, marketplace.TxPlatformFee)
		if len(refund) != 1 || refund[0].Amount != marketplace.NewUSDC(50) {
			t.Fatalf("refund = %+v", refund)
		}
		if len(release) != 1 || release[0].Amount != marketplace.NewUSDC(46) {
			t.Fatalf("release = %+v", release)
		}
		if len(fee) != 1 || fee[0].Amount != marketplace.NewUSDC(4) {
			t.Fatalf("fee = %+v", fee)
		}
		ps, _ := f.m.Trust.Score(ctx, f.poster.Wallet, marketplace.PartyPoster)
		as, _ := f.m.Trust.Score(ctx, f.agentA.Wallet, marketplace.PartyAgent)
		if ps.Score != 49 || as.Score != 49 {
			t.Errorf("trust after split = %d/%d", ps.Score, as.Score)
		}

		_, err = f.m.Disputes.ResolveDispute(ctx, f.admin, d.ID, marketplace.ResolutionFullRefund, 0)
		wantKind(t, err, marketplace.KindConflict)
	})

	t.Run("full refund", func(t *testing.T) {
		f, task, d := setup(t)
		if _, err := f.m.Disputes.ResolveDispute(ctx, f.admin, d.ID, marketplace.ResolutionFullRefund, 0); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if s := f.task(t, task.ID).Status; s != marketplace.TaskRefunded {
			t.Errorf("task = %s", s)
		}
		if n := len(f.transactions(t, task.ID, marketplace.TxEscrowRelease)); n != 0 {
			t.Errorf("agent paid on full refund")
		}
		ps, _ := f.m.Trust.Score(ctx, f.poster.Wallet, marketplace.PartyPoster)
		as, _ := f.m.Trust.Score(ctx, f.agentA.Wallet, marketplace.PartyAgent)
		if ps.Score != 53 || as.Score != 45 || as.DisputesLost != 1 {
			t.Errorf("trust = %+v / %+v", ps, as)
		}
		if f.pub.count(f.poster.Ref(), marketplace.EventDisputeResolved) != 1 || f.pub.count(f.agentA.Ref(), marketplace.EventDisputeResolved) != 1 {
			t.Errorf("parties not notified")
		}
	})

	t.Run("unfunded task moves no money", func(t *testing.T) {
		f := newFixture(t)
		task := f.createTask(t, "10")
		b, _ := f.m.Bids.SubmitBid(ctx, f.agentA, task.ID, BidInput{Amount: 10})
		if _, err := f.m.Bids.AcceptBid(ctx, f.poster, task.ID, b.ID); err != nil {
			t.Fatalf("accept: %v", err)
		}
		d := raise(t, f, f.agentA, task.ID, "poster never funded")
		if _, err := f.m.Disputes.ResolveDispute(ctx, f.admin, d.ID, marketplace.ResolutionAgentPaid, 0); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if n := len(f.transactions(t, task.ID, "")); n != 0 {
			t.Errorf("money records on unfunded task: %d", n)
		}
	})
}

func TestRaiseDisputeRequiresTaskHistory(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MinTaskHistory = DefaultConfig().MinTaskHistory })
	ctx := context.Background()
	first := f.createTask(t, "20")
	f.assign(t, first.ID)
	f.deliver(t, first.ID)

	for _, who := range []marketplace.Identity{f.poster, f.agentA} {
		_, err := f.m.Disputes.RaiseDispute(ctx, who, first.ID, DisputeInput{Reason: marketplace.ReasonQualityIssue, Description: "first job"})
		wantKind(t, err, marketplace.KindForbidden)
	}
	if got := f.task(t, first.ID).Status; got != marketplace.TaskReview {
		t.Fatalf("task status = %s", got)
	}

	second := f.createTask(t, "20")
	f.assign(t, second.ID)
	f.deliver(t, second.ID)
	if _, err := f.m.Tasks.ApproveTask(ctx, f.poster, second.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	d := raise(t, f, f.poster, first.ID, "sections missing")
	if d.Status != marketplace.DisputeOpen {
		t.Fatalf("dispute = %+v", d)
	}
}

func TestDisputeQuotaTightensForLowTrust(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.DisputeLimit = storage.RateLimit{Limit: 5, Window: 24 * time.Hour}
		c.DisputeLowTrustLimit = storage.RateLimit{Limit: 1, Window: 24 * time.Hour}
	})
	ctx := context.Background()
	err := f.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.PutTrustScore(marketplace.TrustScore{Subject: f.poster.Wallet, Role: marketplace.PartyPoster, Score: 10})
	})
	if err != nil {
		t.Fatalf("seed trust: %v", err)
	}
	first := f.createTask(t, "5")
	second := f.createTask(t, "5")
	f.assign(t, first.ID)
	f.assign(t, second.ID)

	raise(t, f, f.poster, first.ID, "late")
	_, err = f.m.Disputes.RaiseDispute(ctx, f.poster, second.ID, DisputeInput{Reason: marketplace.ReasonLateDelivery, Description: "late"})
	if !errors.Is(err, marketplace.ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}

func TestJudgeDispute(t *testing.T) {
	verdict := marketplace.Verdict{Resolution: marketplace.ResolutionPartialRefund, RefundPercentage: 30, Rationale: "mostly done", Confidence: 0.95}
	setup := func(t *testing.T, autoApply bool) (*fixture, marketplace.Task, marketplace.Dispute) {
		f := newFixture(t, func(c *Config) { c.AutoApplyJudge = autoApply })
		f.m.Disputes.Judge = judgeFunc(func(_ context.Context, req JudgeRequest) (marketplace.Verdict, error) {
			if req.Task.Deliverables == nil || len(req.Dispute.Evidence) == 0 {
				return marketplace.Verdict{}, errors.New("judge got an empty case")
			}
			return verdict, nil
		})
		task := f.createTask(t, "100")
		f.assign(t, task.ID)
		f.deliver(t, task.ID)
		return f, task, raise(t, f, f.poster, task.ID, "formatting broken")
	}
	ctx := context.Background()

	t.Run("advisory by default", func(t *testing.T) {
		f, task, d := setup(t, false)
		got, err := f.m.Disputes.JudgeDispute(ctx, f.agentA, d.ID)
		if err != nil {
			t.Fatalf("judge: %v", err)
		}
		if got.Recommendation == nil || got.Recommendation.RefundPercentage != 30 {
			t.Fatalf("recommendation = %+v", got.Recommendation)
		}
		if got.Status != marketplace.DisputeReviewing {
			t.Errorf("status = %s", got.Status)
		}
		if s := f.task(t, task.ID).Status; s != marketplace.TaskDisputed {
			t.Errorf("advisory verdict moved the task to %s", s)
		}
		_, err = f.m.Disputes.JudgeDispute(ctx, f.agentB, d.ID)
		wantKind(t, err, marketplace.KindForbidden)
	})

	t.Run("auto-apply policy", func(t *testing.T) {
		f, task, d := setup(t, true)
		got, err := f.m.Disputes.JudgeDispute(ctx, f.admin, d.ID)
		if err != nil {
			t.Fatalf("judge: %v", err)
		}
		if got.Status != marketplace.DisputeResolved || got.ResolvedBy != ResolverJudge {
			t.Fatalf("dispute = %s by %q", got.Status, got.ResolvedBy)
		}
		if refund := f.transactions(t, task.ID, marketplace.TxRefund); len(refund) != 1 || refund[0].Amount != marketplace.NewUSDC(30) {
			t.Errorf("refund = %+v", refund)
		}
	})

	t.Run("no oracle", func(t *testing.T) {
		f, _, d := setup(t, false)
		f.m.Disputes.Judge = nil
		_, err := f.m.Disputes.JudgeDispute(ctx, f.admin, d.ID)
		wantKind(t, err, marketplace.KindExternal)
	})
}

func TestListDisputesScopesToParties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "10")
	f.assign(t, task.ID)
	d := raise(t, f, f.agentA, task.ID, "scope grew")

	for _, tc := range []struct {
		who  marketplace.Identity
		want int
	}{
		{f.poster, 1}, {f.agentA, 1}, {f.agentB, 0}, {f.admin, 1},
	} {
		got, err := f.m.Disputes.ListDisputes(ctx, tc.who, marketplace.DisputeFilter{Active: true})
		if err != nil || len(got) != tc.want {
			t.Errorf("%s sees %d disputes (%v), want %d", tc.who.ID, len(got), err, tc.want)
		}
	}
	if _, err := f.m.Disputes.GetDispute(ctx, f.agentB, d.ID); !errors.Is(err, marketplace.ErrForbidden) {
		t.Errorf("outsider read dispute: %v", err)
	}
}
