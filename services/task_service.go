package services

import (
	"context"
	"fmt"
	"log"

	"agentwork-backend/core/marketplace"
	storage "agentwork-backend/storage/marketplace"
)

// TaskService drives a task through open, in_progress, review and completed.
type TaskService struct {
	*runtime
}

// CreateTask validates and stores an open task, then hands it to matching.
func (s *TaskService) CreateTask(ctx context.Context, caller marketplace.Identity, in marketplace.TaskInput) (marketplace.Task, error) {
	if err := marketplace.ValidateIdentity(caller); err != nil {
		return marketplace.Task{}, err
	}
	if err := in.Validate(s.now()); err != nil {
		return marketplace.Task{}, err
	}
	var task marketplace.Task
	var eff effects
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		task, err = s.createTx(tx, caller, in, nil)
		if err != nil {
			return err
		}
		eff.matches = append(eff.matches, task)
		return nil
	})
	if err != nil {
		return marketplace.Task{}, err
	}
	log.Printf("task %s created by %s: %q (%s USDC)", task.ID, task.PostedBy, task.Title, task.Budget)
	s.flush(ctx, &eff)
	return task, nil
}

// stepLink ties a task to its workflow step.
type stepLink struct {
	workflowID string
	index      int
	context    *marketplace.StepContext
}

// createTx inserts an already validated task.
func (s *TaskService) createTx(tx storage.Tx, poster marketplace.Identity, in marketplace.TaskInput, step *stepLink) (marketplace.Task, error) {
	now := s.now()
	task := marketplace.Task{
		ID:             s.newID("task"),
		Title:          in.Title,
		Description:    in.Description,
		Category:       in.Category,
		Budget:         in.Budget,
		PostedBy:       poster.Ref(),
		PosterWallet:   poster.Wallet,
		RequiredSkills: in.RequiredSkills,
		Status:         marketplace.TaskOpen,
		Deadline:       in.Deadline,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if step != nil {
		task.WorkflowID = step.workflowID
		task.StepIndex = step.index
		task.StepContext = step.context
	}
	if err := tx.InsertTask(task); err != nil {
		return marketplace.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// GetTask returns a task by id.
func (s *TaskService) GetTask(ctx context.Context, id string) (marketplace.Task, error) {
	var t marketplace.Task
	err := s.Store.View(ctx, func(tx storage.Tx) error {
		var err error
		t, err = tx.GetTask(id)
		return err
	})
	return t, err
}

// ListTasks returns tasks matching filter, oldest first.
func (s *TaskService) ListTasks(ctx context.Context, filter marketplace.TaskFilter) ([]marketplace.Task, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	var out []marketplace.Task
	err := s.Store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListTasks(filter)
		return err
	})
	return out, err
}

// DeliverTask records the assigned agent's deliverables and moves the task to review.
func (s *TaskService) DeliverTask(ctx context.Context, caller marketplace.Identity, taskID string, d marketplace.Deliverables) (marketplace.Task, error) {
	if err := d.Validate(); err != nil {
		return marketplace.Task{}, err
	}
	var task marketplace.Task
	var eff effects
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if err := authorize(caller.Is(t.AgentRef()), "only the assigned agent can deliver task %s", t.ID); err != nil {
			return err
		}
		if !t.Status.CanTransition(marketplace.TaskReview) {
			return marketplace.Conflictf("task %s is %s and cannot be delivered", t.ID, t.Status)
		}
		now := s.now()
		t.Deliverables = &d
		t.Status = marketplace.TaskReview
		t.DeliveredAt = &now
		t.UpdatedAt = now
		if err := tx.UpdateTask(t); err != nil {
			return err
		}
		task = t
		eff.notify(Message{
			Recipient: t.PostedBy,
			Type:      marketplace.EventTaskDelivered,
			Title:     "Task delivered",
			Body:      fmt.Sprintf("Agent %s delivered %q. Review and approve or dispute it.", t.AssignedAgentID, t.Title),
			Payload:   map[string]string{"task_id": t.ID, "agent_id": t.AssignedAgentID},
		})
		return nil
	})
	if err != nil {
		return marketplace.Task{}, err
	}
	log.Printf("task %s delivered by agent %s", task.ID, task.AssignedAgentID)
	s.flush(ctx, &eff)
	return task, nil
}

// CompleteTask is DeliverTask under the name agents use for it.
func (s *TaskService) CompleteTask(ctx context.Context, caller marketplace.Identity, taskID string, d marketplace.Deliverables) (marketplace.Task, error) {
	return s.DeliverTask(ctx, caller, taskID, d)
}

// ApproveTask accepts the deliverables, releasing escrow to the agent.
func (s *TaskService) ApproveTask(ctx context.Context, caller marketplace.Identity, taskID string) (marketplace.Task, error) {
	var task marketplace.Task
	var eff effects
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if err := authorize(caller.Is(t.PostedBy) || caller.IsSystem(), "only the poster can approve task %s", t.ID); err != nil {
			return err
		}
		task, err = s.approveTx(tx, t, &eff)
		return err
	})
	if err != nil {
		return marketplace.Task{}, err
	}
	log.Printf("task %s approved by %s", task.ID, caller.Ref())
	s.flush(ctx, &eff)
	return task, nil
}

// approveTx moves a reviewed task to completed and releases its escrow.
func (s *TaskService) approveTx(tx storage.Tx, t marketplace.Task, eff *effects) (marketplace.Task, error) {
	if t.Status != marketplace.TaskReview {
		return t, marketplace.Conflictf("task %s is %s; only delivered tasks can be approved", t.ID, t.Status)
	}
	if !t.HasEscrow() {
		return t, marketplace.Conflictf("task %s has no funded escrow", t.ID)
	}
	if err := s.m.Escrow.release(tx, t, eff); err != nil {
		return t, err
	}
	now := s.now()
	t.Status = marketplace.TaskCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	if err := tx.UpdateTask(t); err != nil {
		return t, err
	}
	if err := s.m.Trust.RecordTaskCompleted(tx, t); err != nil {
		return t, err
	}
	if t.WorkflowID != "" {
		eff.completed = append(eff.completed, t.ID)
	}
	return t, nil
}

// CancelTask withdraws a task that has no deliverables. A funded escrow is refunded in full.
func (s *TaskService) CancelTask(ctx context.Context, caller marketplace.Identity, taskID, reason string) (marketplace.Task, error) {
	reason, err := marketplace.CleanText("reason", reason, marketplace.MaxDisputeDesc, false)
	if err != nil {
		return marketplace.Task{}, err
	}
	var task marketplace.Task
	var eff effects
	err = s.Store.WithTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if err := authorize(caller.Is(t.PostedBy) || caller.Admin, "only the poster can cancel task %s", t.ID); err != nil {
			return err
		}
		if !t.Status.CanTransition(marketplace.TaskCancelled) {
			return marketplace.Conflictf("task %s is %s and cannot be cancelled", t.ID, t.Status)
		}
		if t.Deliverables != nil {
			return marketplace.Conflictf("task %s already has deliverables", t.ID)
		}
		if t.HasEscrow() {
			if _, err := s.m.Escrow.refund(tx, t, 100, &eff); err != nil {
				return err
			}
		}
		bids, err := tx.ListBids(t.ID)
		if err != nil {
			return err
		}
		now := s.now()
		for _, b := range bids {
			if b.Status != marketplace.BidPending {
				continue
			}
			b.Status = marketplace.BidRejected
			b.UpdatedAt = now
			if err := tx.UpdateBid(b); err != nil {
				return err
			}
			eff.notify(Message{
				Recipient: marketplace.IdentityRef{Kind: marketplace.KindAgent, ID: b.AgentID},
				Type:      marketplace.EventBidRejected,
				Title:     "Task cancelled",
				Body:      fmt.Sprintf("Task %q was cancelled by its poster.", t.Title),
				Payload:   map[string]string{"task_id": t.ID, "bid_id": b.ID},
			})
		}
		t.Status = marketplace.TaskCancelled
		t.UpdatedAt = now
		if err := tx.UpdateTask(t); err != nil {
			return err
		}
		if t.WorkflowID != "" {
			eff.terminated = append(eff.terminated, t.ID)
		}
		task = t
		return nil
	})
	if err != nil {
		return marketplace.Task{}, err
	}
	log.Printf("task %s cancelled by %s: %s", task.ID, caller.Ref(), reason)
	s.flush(ctx, &eff)
	return task, nil
}
