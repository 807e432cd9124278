package services

import (
	"context"
	"testing"
	"time"

	"agentwork-backend/core/marketplace"
)

func TestSweepResolvesExpiredDisputeForRaiser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "100")
	f.assign(t, task.ID)
	f.deliver(t, task.ID)
	d := raise(t, f, f.poster, task.ID, "nothing usable was delivered")

	f.clock.Advance(47 * time.Hour)
	rep, err := f.m.Resolver.Sweep(ctx)
	if err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	if rep.DisputesResolved != 0 {
		t.Fatalf("dispute resolved before its deadline")
	}

	f.clock.Advance(2 * time.Hour)
	rep, err = f.m.Resolver.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.DisputesResolved != 1 {
		t.Fatalf("report = %s", rep)
	}
	got, err := f.m.Disputes.GetDispute(ctx, f.admin, d.ID)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	if got.Status != marketplace.DisputeAutoResolved || got.Resolution != marketplace.ResolutionFullRefund || got.ResolvedBy != ResolverAuto {
		t.Fatalf("dispute = %s %s by %s", got.Status, got.Resolution, got.ResolvedBy)
	}
	if s := f.task(t, task.ID).Status; s != marketplace.TaskRefunded {
		t.Errorf("task = %s", s)
	}
	refunds := f.transactions(t, task.ID, marketplace.TxRefund)
	if len(refunds) != 1 || refunds[0].Amount != task.Budget || refunds[0].Status != marketplace.TxConfirmed {
		t.Fatalf("refunds = %+v", refunds)
	}

	sends := f.ledger.sends
	again, err := f.m.Resolver.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if !again.IsEmpty() {
		t.Errorf("second sweep did work: %s", again)
	}
	if f.ledger.sends != sends {
		t.Errorf("second sweep sent %d more payments", f.ledger.sends-sends)
	}
}

func TestSweepDisputeOutcomes(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name      string
		respond   func(t *testing.T, f *fixture, d marketplace.Dispute)
		raiseWith string
		want      marketplace.Resolution
		resolved  bool
	}{
		{
			name:      "only agent responded",
			raiseWith: "",
			respond: func(t *testing.T, f *fixture, d marketplace.Dispute) {
				if _, err := f.m.Disputes.SubmitEvidence(ctx, f.agentA, d.ID, marketplace.EvidenceInput{Text: "delivered on time"}); err != nil {
					t.Fatalf("evidence: %v", err)
				}
			},
			want:     marketplace.ResolutionAgentPaid,
			resolved: true,
		},
		{
			name:     "neither responded",
			respond:  func(*testing.T, *fixture, marketplace.Dispute) {},
			want:     marketplace.ResolutionSplit,
			resolved: true,
		},
		{
			name:      "both responded",
			raiseWith: "broken output",
			respond: func(t *testing.T, f *fixture, d marketplace.Dispute) {
				if _, err := f.m.Disputes.SubmitEvidence(ctx, f.agentA, d.ID, marketplace.EvidenceInput{Text: "works for me"}); err != nil {
					t.Fatalf("evidence: %v", err)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			task := f.createTask(t, "100")
			f.assign(t, task.ID)
			f.deliver(t, task.ID)
			d := raise(t, f, f.poster, task.ID, tc.raiseWith)
			tc.respond(t, f, d)

			f.clock.Advance(49 * time.Hour)
			rep, err := f.m.Resolver.Sweep(ctx)
			if err != nil {
				t.Fatalf("sweep: %v", err)
			}
			got, _ := f.m.Disputes.GetDispute(ctx, f.admin, d.ID)
			if !tc.resolved {
				if rep.Escalated != 1 || !got.IsActive() {
					t.Fatalf("both-sided dispute was not escalated: %s, %s", rep, got.Status)
				}
				return
			}
			if got.Resolution != tc.want {
				t.Fatalf("resolution = %s, want %s", got.Resolution, tc.want)
			}
			if tc.want == marketplace.ResolutionSplit && got.RefundPercentage != f.cfg.NeitherPartyRefundPct {
				t.Errorf("split refund = %d", got.RefundPercentage)
			}
		})
	}
}

func TestSweepApprovesStaleReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	funded := f.createTask(t, "50")
	f.assign(t, funded.ID)
	f.deliver(t, funded.ID)

	unfunded := f.createTask(t, "50")
	b, _ := f.m.Bids.SubmitBid(ctx, f.agentB, unfunded.ID, BidInput{Amount: 50})
	if _, err := f.m.Bids.AcceptBid(ctx, f.poster, unfunded.ID, b.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.m.Tasks.DeliverTask(ctx, f.agentB, unfunded.ID, sampleDeliverables()); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	f.clock.Advance(71 * time.Hour)
	if rep, _ := f.m.Resolver.Sweep(ctx); rep.ReviewsApproved != 0 {
		t.Fatalf("approved before the review timeout")
	}
	f.clock.Advance(2 * time.Hour)
	rep, err := f.m.Resolver.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.ReviewsApproved != 1 || rep.SkippedUnfunded != 1 {
		t.Fatalf("report = %s", rep)
	}
	if s := f.task(t, funded.ID).Status; s != marketplace.TaskCompleted {
		t.Errorf("funded task = %s", s)
	}
	if s := f.task(t, unfunded.ID).Status; s != marketplace.TaskReview {
		t.Errorf("unfunded task = %s", s)
	}
	rel := f.transactions(t, funded.ID, marketplace.TxEscrowRelease)
	if len(rel) != 1 || rel[0].Amount != marketplace.NewUSDC(46) {
		t.Errorf("release = %+v", rel)
	}
	if again, _ := f.m.Resolver.Sweep(ctx); !again.IsEmpty() {
		t.Errorf("second sweep = %s", again)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.m.Resolver.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
