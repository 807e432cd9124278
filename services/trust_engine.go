package services

import (
	"context"
	"errors"
	"strings"

	"agentwork-backend/core/marketplace"
	storage "agentwork-backend/storage/marketplace"
)

// Trust score bounds and adjustments.
const (
	DefaultTrustScore = 50
	MinTrustScore     = 0
	MaxTrustScore     = 100

	trustAgentCompleted  = 2
	trustPosterCompleted = 1
	trustDisputeWon      = 3
	trustDisputeLost     = -5
	trustDisputeSplit    = -1
)

// TrustEngine maintains per-wallet reputation. Scores weight quotas and never gate an action outright.
type TrustEngine struct {
	*runtime
}

// Score returns the subject's score for role, or the default when none is recorded.
func (e *TrustEngine) Score(ctx context.Context, subject string, role marketplace.Party) (marketplace.TrustScore, error) {
	var s marketplace.TrustScore
	err := e.Store.View(ctx, func(tx storage.Tx) error {
		var err error
		s, err = scoreTx(tx, subject, role)
		return err
	})
	return s, err
}

func scoreTx(tx storage.Tx, subject string, role marketplace.Party) (marketplace.TrustScore, error) {
	s, err := tx.GetTrustScore(subject, role)
	if errors.Is(err, storage.ErrTrustScoreNotFound) {
		return marketplace.TrustScore{Subject: subject, Role: role, Score: DefaultTrustScore}, nil
	}
	return s, err
}

// posterSubject keys the poster's score by wallet when one is known.
func posterSubject(task marketplace.Task) string {
	if w := strings.TrimSpace(task.PosterWallet); w != "" {
		return w
	}
	return task.PostedBy.String()
}

func agentSubject(tx storage.Tx, agentID string) (string, error) {
	a, err := tx.GetAgent(agentID)
	if errors.Is(err, storage.ErrAgentNotFound) {
		return marketplace.IdentityRef{Kind: marketplace.KindAgent, ID: agentID}.String(), nil
	}
	if err != nil {
		return "", err
	}
	if w := strings.TrimSpace(a.Wallet); w != "" {
		return w, nil
	}
	return marketplace.IdentityRef{Kind: marketplace.KindAgent, ID: agentID}.String(), nil
}

func (e *TrustEngine) adjust(tx storage.Tx, subject string, role marketplace.Party, delta int, bump func(*marketplace.TrustScore)) error {
	s, err := scoreTx(tx, subject, role)
	if err != nil {
		return err
	}
	s.Score = clampScore(s.Score + delta)
	if bump != nil {
		bump(&s)
	}
	s.UpdatedAt = e.now()
	return tx.PutTrustScore(s)
}

func clampScore(v int) int {
	if v < MinTrustScore {
		return MinTrustScore
	}
	if v > MaxTrustScore {
		return MaxTrustScore
	}
	return v
}

// RecordTaskCompleted rewards both sides of a completed task.
func (e *TrustEngine) RecordTaskCompleted(tx storage.Tx, task marketplace.Task) error {
	agent, err := agentSubject(tx, task.AssignedAgentID)
	if err != nil {
		return err
	}
	completed := func(s *marketplace.TrustScore) { s.CompletedTasks++ }
	if err := e.adjust(tx, agent, marketplace.PartyAgent, trustAgentCompleted, completed); err != nil {
		return err
	}
	return e.adjust(tx, posterSubject(task), marketplace.PartyPoster, trustPosterCompleted, completed)
}

// RecordDisputeOutcome moves both parties' scores according to who the refund favoured.
func (e *TrustEngine) RecordDisputeOutcome(tx storage.Tx, task marketplace.Task, refundPct int) error {
	agent, err := agentSubject(tx, task.AssignedAgentID)
	if err != nil {
		return err
	}
	poster := posterSubject(task)
	won := func(s *marketplace.TrustScore) { s.DisputesWon++ }
	lost := func(s *marketplace.TrustScore) { s.DisputesLost++ }
	switch {
	case refundPct >= 100:
		if err := e.adjust(tx, poster, marketplace.PartyPoster, trustDisputeWon, won); err != nil {
			return err
		}
		return e.adjust(tx, agent, marketplace.PartyAgent, trustDisputeLost, lost)
	case refundPct <= 0:
		if err := e.adjust(tx, agent, marketplace.PartyAgent, trustDisputeWon, won); err != nil {
			return err
		}
		return e.adjust(tx, poster, marketplace.PartyPoster, trustDisputeLost, lost)
	default:
		if err := e.adjust(tx, poster, marketplace.PartyPoster, trustDisputeSplit, nil); err != nil {
			return err
		}
		return e.adjust(tx, agent, marketplace.PartyAgent, trustDisputeSplit, nil)
	}
}

// partySubject returns the trust subject of one side of a task.
func partySubject(tx storage.Tx, task marketplace.Task, party marketplace.Party) (string, error) {
	if party == marketplace.PartyPoster {
		return posterSubject(task), nil
	}
	return agentSubject(tx, task.AssignedAgentID)
}
