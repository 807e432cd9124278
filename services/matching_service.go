package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"agentwork-backend/core/marketplace"
	storage "agentwork-backend/storage/marketplace"
)

// MatchingService keeps the agent registry and finds agents for new tasks.
type MatchingService struct {
	*runtime
}

// AgentInput is a registration request.
type AgentInput struct {
	Name          string
	Wallet        string
	Skills        []string
	WebhookURL    string
	WebhookSecret string
}

// Candidate is an agent ranked for a task.
type Candidate struct {
	Agent   marketplace.Agent `json:"agent"`
	Overlap int               `json:"skill_overlap"`
	Trust   int               `json:"trust_score"`
}

// RegisterAgent creates or updates the registry record for caller (or for id when an admin calls).
func (s *MatchingService) RegisterAgent(ctx context.Context, caller marketplace.Identity, id string, in AgentInput) (marketplace.Agent, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = caller.ID
	}
	if err := authorize(caller.Admin || (caller.Kind == marketplace.KindAgent && caller.ID == id),
		"only agent %s or an admin can register it", id); err != nil {
		return marketplace.Agent{}, err
	}
	name, err := marketplace.CleanText("name", in.Name, 100, true)
	if err != nil {
		return marketplace.Agent{}, err
	}
	wallet := strings.TrimSpace(in.Wallet)
	if wallet == "" && caller.ID == id {
		wallet = strings.TrimSpace(caller.Wallet)
	}
	if err := marketplace.ValidateWallet(wallet); err != nil {
		return marketplace.Agent{}, err
	}
	skills, err := marketplace.NormalizeSkills(in.Skills)
	if err != nil {
		return marketplace.Agent{}, err
	}
	hook := strings.TrimSpace(in.WebhookURL)
	if hook != "" {
		if err := marketplace.ValidateLink(hook); err != nil {
			return marketplace.Agent{}, err
		}
	}

	var out marketplace.Agent
	err = s.Store.WithTx(ctx, func(tx storage.Tx) error {
		a, err := tx.GetAgent(id)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrAgentNotFound):
			a = marketplace.Agent{ID: id, CreatedAt: s.now()}
		default:
			return err
		}
		a.Name = name
		a.Wallet = wallet
		a.Skills = skills
		a.WebhookURL = hook
		if in.WebhookSecret != "" || hook == "" {
			a.WebhookSecret = in.WebhookSecret
		}
		out = a
		return tx.PutAgent(a)
	})
	if err != nil {
		return marketplace.Agent{}, err
	}
	log.Printf("agent %s registered with skills %v", out.ID, out.Skills)
	return out, nil
}

// GetAgent returns a registry record.
func (s *MatchingService) GetAgent(ctx context.Context, id string) (marketplace.Agent, error) {
	var a marketplace.Agent
	err := s.Store.View(ctx, func(tx storage.Tx) error {
		var err error
		a, err = tx.GetAgent(id)
		return err
	})
	return a, err
}

// MatchTask notifies every agent whose skills fit task. It returns the number notified.
func (s *MatchingService) MatchTask(ctx context.Context, task marketplace.Task) (int, error) {
	var ranked []Candidate
	err := s.Store.View(ctx, func(tx storage.Tx) error {
		var err error
		ranked, err = s.rank(tx, task, 0)
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, c := range ranked {
		s.Publisher.Publish(Message{
			Recipient: marketplace.IdentityRef{Kind: marketplace.KindAgent, ID: c.Agent.ID},
			Type:      marketplace.EventTaskMatch,
			Title:     "New task matches your skills",
			Body:      fmt.Sprintf("%q pays %s USDC and needs %s.", task.Title, task.Budget, strings.Join(task.RequiredSkills, ", ")),
			Payload: map[string]string{
				"task_id":     task.ID,
				"budget_usdc": task.Budget.String(),
				"overlap":     fmt.Sprint(c.Overlap),
			},
		})
	}
	if len(ranked) > 0 {
		log.Printf("task %s matched %d agents", task.ID, len(ranked))
	}
	return len(ranked), nil
}

// RecommendAgents returns up to limit candidates for a task, best first.
func (s *MatchingService) RecommendAgents(ctx context.Context, taskID string, limit int) ([]Candidate, error) {
	var out []Candidate
	err := s.Store.View(ctx, func(tx storage.Tx) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		out, err = s.rank(tx, task, limit)
		return err
	})
	return out, err
}

// rank orders skill-matching agents by overlap, then trust, then rating.
func (s *MatchingService) rank(tx storage.Tx, task marketplace.Task, limit int) ([]Candidate, error) {
	if len(task.RequiredSkills) == 0 {
		return nil, nil
	}
	agents, err := tx.ListAgents(marketplace.AgentFilter{Skills: task.RequiredSkills})
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(agents))
	for _, a := range agents {
		if task.PostedBy.Kind == marketplace.KindAgent && task.PostedBy.ID == a.ID {
			continue
		}
		overlap := marketplace.SkillOverlap(a.Skills, task.RequiredSkills)
		if overlap == 0 {
			continue
		}
		subject, err := agentSubject(tx, a.ID)
		if err != nil {
			return nil, err
		}
		score, err := scoreTx(tx, subject, marketplace.PartyAgent)
		if err != nil {
			return nil, err
		}
		out = append(out, Candidate{Agent: a, Overlap: overlap, Trust: score.Score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Overlap != b.Overlap {
			return a.Overlap > b.Overlap
		}
		if a.Trust != b.Trust {
			return a.Trust > b.Trust
		}
		if a.Agent.Rating != b.Agent.Rating {
			return a.Agent.Rating > b.Agent.Rating
		}
		return a.Agent.ID < b.Agent.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InboxService reads and acknowledges in-app notifications.
type InboxService struct {
	*runtime
}

// ListNotifications returns the caller's notifications, newest first.
func (s *InboxService) ListNotifications(ctx context.Context, caller marketplace.Identity, unreadOnly bool) ([]marketplace.Notification, error) {
	var out []marketplace.Notification
	err := s.Store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListNotifications(caller.Ref(), unreadOnly)
		return err
	})
	return out, err
}

// MarkNotificationRead flags one of the caller's notifications as read.
func (s *InboxService) MarkNotificationRead(ctx context.Context, caller marketplace.Identity, id string) error {
	return s.Store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.MarkNotificationRead(caller.Ref(), id)
	})
}
