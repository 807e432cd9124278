package services

import (
	"context"
	"fmt"
	"log"

	"agentwork-backend/core/marketplace"
	storage "agentwork-backend/storage/marketplace"
)

// WorkflowOrchestrator runs multi-step workflows one task at a time. Step N+1's task is
// created only after step N's task completes, with step N's deliverables in its context.
type WorkflowOrchestrator struct {
	*runtime
}

// CreateWorkflow stores a draft workflow.
func (o *WorkflowOrchestrator) CreateWorkflow(ctx context.Context, caller marketplace.Identity, name, description string, steps []marketplace.WorkflowStep) (marketplace.Workflow, error) {
	def := marketplace.WorkflowDefinition{Name: name, Description: description, Steps: steps}
	return o.create(ctx, caller, def)
}

// CreateWorkflowFromDefinition parses a YAML definition and stores it as a draft.
func (o *WorkflowOrchestrator) CreateWorkflowFromDefinition(ctx context.Context, caller marketplace.Identity, data []byte) (marketplace.Workflow, error) {
	def, err := marketplace.ParseWorkflowDefinition(data)
	if err != nil {
		return marketplace.Workflow{}, err
	}
	return o.create(ctx, caller, def)
}

func (o *WorkflowOrchestrator) create(ctx context.Context, caller marketplace.Identity, def marketplace.WorkflowDefinition) (marketplace.Workflow, error) {
	if err := marketplace.ValidateIdentity(caller); err != nil {
		return marketplace.Workflow{}, err
	}
	def.Steps = append([]marketplace.WorkflowStep(nil), def.Steps...)
	if err := def.Validate(o.now()); err != nil {
		return marketplace.Workflow{}, err
	}
	now := o.now()
	w := marketplace.Workflow{
		ID:            o.newID("wf"),
		CreatedBy:     caller.Ref(),
		CreatorWallet: caller.Wallet,
		Name:          def.Name,
		Description:   def.Description,
		Status:        marketplace.WorkflowDraft,
		Steps:         def.Steps,
		TotalSteps:    len(def.Steps),
		TotalBudget:   def.TotalBudget(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.Store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertWorkflow(w)
	}); err != nil {
		return marketplace.Workflow{}, err
	}
	o.Metrics.WorkflowTransition(string(w.Status))
	log.Printf("workflow %s created by %s: %d steps, %s USDC", w.ID, w.CreatedBy, w.TotalSteps, w.TotalBudget)
	return w, nil
}

// StartWorkflow creates the first step's task and sets the workflow running.
func (o *WorkflowOrchestrator) StartWorkflow(ctx context.Context, caller marketplace.Identity, id string) (marketplace.Workflow, error) {
	return o.transition(ctx, caller, id, func(tx storage.Tx, w *marketplace.Workflow, eff *effects) error {
		if w.Status != marketplace.WorkflowDraft {
			return marketplace.Conflictf("workflow %s is %s; only drafts can be started", w.ID, w.Status)
		}
		w.Status = marketplace.WorkflowRunning
		return o.activateStep(tx, w, 0, nil, eff)
	})
}

// PauseWorkflow stops new steps from activating. The in-flight task is unaffected.
func (o *WorkflowOrchestrator) PauseWorkflow(ctx context.Context, caller marketplace.Identity, id string) (marketplace.Workflow, error) {
	return o.transition(ctx, caller, id, func(tx storage.Tx, w *marketplace.Workflow, eff *effects) error {
		if w.Status != marketplace.WorkflowRunning {
			return marketplace.Conflictf("workflow %s is %s; only running workflows can be paused", w.ID, w.Status)
		}
		w.Status = marketplace.WorkflowPaused
		return nil
	})
}

// ResumeWorkflow restarts a paused workflow, advancing at once if its current step already finished.
func (o *WorkflowOrchestrator) ResumeWorkflow(ctx context.Context, caller marketplace.Identity, id string) (marketplace.Workflow, error) {
	return o.transition(ctx, caller, id, func(tx storage.Tx, w *marketplace.Workflow, eff *effects) error {
		if w.Status != marketplace.WorkflowPaused {
			return marketplace.Conflictf("workflow %s is %s; only paused workflows can be resumed", w.ID, w.Status)
		}
		w.Status = marketplace.WorkflowRunning
		taskID := w.Steps[w.CurrentStep].TaskID
		if taskID == "" {
			return nil
		}
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		_, err = o.advance(tx, w, task, eff)
		return err
	})
}

// CancelWorkflow stops the workflow and skips every step that has no task yet.
func (o *WorkflowOrchestrator) CancelWorkflow(ctx context.Context, caller marketplace.Identity, id, reason string) (marketplace.Workflow, error) {
	reason, err := marketplace.CleanText("reason", reason, marketplace.MaxDisputeDesc, false)
	if err != nil {
		return marketplace.Workflow{}, err
	}
	if reason == "" {
		reason = "cancelled by " + caller.Ref().String()
	}
	return o.transition(ctx, caller, id, func(tx storage.Tx, w *marketplace.Workflow, eff *effects) error {
		if !w.Status.CanTransition(marketplace.WorkflowCancelled) {
			return marketplace.Conflictf("workflow %s is already %s", w.ID, w.Status)
		}
		cancel(w, reason)
		return nil
	})
}

func cancel(w *marketplace.Workflow, reason string) {
	w.Status = marketplace.WorkflowCancelled
	w.CancelReason = reason
	for i := range w.Steps {
		if w.Steps[i].State == marketplace.StepPending {
			w.Steps[i].State = marketplace.StepSkipped
		}
	}
}

// transition loads a workflow for its creator, applies fn and saves the result in one transaction.
func (o *WorkflowOrchestrator) transition(ctx context.Context, caller marketplace.Identity, id string, fn func(storage.Tx, *marketplace.Workflow, *effects) error) (marketplace.Workflow, error) {
	var w marketplace.Workflow
	var eff effects
	err := o.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		w, err = tx.GetWorkflow(id)
		if err != nil {
			return err
		}
		if err := authorize(caller.Is(w.CreatedBy) || caller.Admin, "only the creator can change workflow %s", w.ID); err != nil {
			return err
		}
		if err := fn(tx, &w, &eff); err != nil {
			return err
		}
		w.UpdatedAt = o.now()
		return tx.UpdateWorkflow(w)
	})
	if err != nil {
		return marketplace.Workflow{}, err
	}
	o.Metrics.WorkflowTransition(string(w.Status))
	log.Printf("workflow %s is %s at step %d/%d", w.ID, w.Status, w.CurrentStep+1, w.TotalSteps)
	o.flush(ctx, &eff)
	return w, nil
}

// activateStep creates the task for step idx. prev is the completed task of the step before.
func (o *WorkflowOrchestrator) activateStep(tx storage.Tx, w *marketplace.Workflow, idx int, prev *marketplace.Task, eff *effects) error {
	step := w.Steps[idx]
	if step.State != marketplace.StepPending {
		return nil
	}
	sc := &marketplace.StepContext{
		Inputs:       step.Inputs,
		PreviousStep: idx - 1,
	}
	if prev != nil {
		sc.PreviousTaskID = prev.ID
		if prev.Deliverables != nil {
			d := prev.Deliverables.Clone()
			sc.PreviousDeliverables = &d
		}
	}
	task, err := o.m.Tasks.createTx(tx, w.CreatorIdentity(), step.TaskInput(o.now()), &stepLink{
		workflowID: w.ID,
		index:      idx,
		context:    sc,
	})
	if err != nil {
		return err
	}
	w.Steps[idx].State = marketplace.StepActive
	w.Steps[idx].TaskID = task.ID
	w.CurrentStep = idx
	eff.matches = append(eff.matches, task)
	log.Printf("workflow %s: step %d activated as task %s", w.ID, idx, task.ID)
	return nil
}

// advance records task's completion on w and activates the next step when w is running.
// It reports whether w changed; repeated calls for the same task change nothing.
func (o *WorkflowOrchestrator) advance(tx storage.Tx, w *marketplace.Workflow, task marketplace.Task, eff *effects) (bool, error) {
	if w.Status.IsTerminal() || w.Status == marketplace.WorkflowDraft {
		return false, nil
	}
	idx := task.StepIndex
	if task.WorkflowID != w.ID || idx != w.CurrentStep || idx >= len(w.Steps) || w.Steps[idx].TaskID != task.ID {
		return false, nil
	}
	if task.Status != marketplace.TaskCompleted {
		return false, nil
	}
	changed := false
	if w.Steps[idx].State != marketplace.StepCompleted {
		w.Steps[idx].State = marketplace.StepCompleted
		changed = true
	}
	if w.Status == marketplace.WorkflowPaused {
		return changed, nil
	}
	if idx == len(w.Steps)-1 {
		now := o.now()
		w.Status = marketplace.WorkflowCompleted
		w.CompletedAt = &now
		eff.notify(Message{
			Recipient: w.CreatedBy,
			Type:      marketplace.EventWorkflowCompleted,
			Title:     "Workflow completed",
			Body:      fmt.Sprintf("All %d steps of %q are complete.", w.TotalSteps, w.Name),
			Payload:   map[string]string{"workflow_id": w.ID, "last_task_id": task.ID},
		})
		return true, nil
	}
	if w.Steps[idx+1].State != marketplace.StepPending {
		return changed, nil
	}
	if err := o.activateStep(tx, w, idx+1, &task, eff); err != nil {
		return changed, err
	}
	return true, nil
}

// OnTaskCompleted advances the workflow that owns taskID. It is safe to call more than once.
func (o *WorkflowOrchestrator) OnTaskCompleted(ctx context.Context, taskID string) error {
	var eff effects
	var w marketplace.Workflow
	var changed bool
	err := o.Store.WithTx(ctx, func(tx storage.Tx) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.WorkflowID == "" {
			return nil
		}
		w, err = tx.GetWorkflow(task.WorkflowID)
		if err != nil {
			return err
		}
		changed, err = o.advance(tx, &w, task, &eff)
		if err != nil || !changed {
			return err
		}
		w.UpdatedAt = o.now()
		return tx.UpdateWorkflow(w)
	})
	if err != nil {
		return err
	}
	if changed {
		o.Metrics.WorkflowTransition(string(w.Status))
		o.flush(ctx, &eff)
	}
	return nil
}

// OnTaskTerminated cancels the workflow when one of its step tasks is cancelled or refunded.
func (o *WorkflowOrchestrator) OnTaskTerminated(ctx context.Context, taskID string) error {
	var w marketplace.Workflow
	var changed bool
	err := o.Store.WithTx(ctx, func(tx storage.Tx) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.WorkflowID == "" || (task.Status != marketplace.TaskCancelled && task.Status != marketplace.TaskRefunded) {
			return nil
		}
		w, err = tx.GetWorkflow(task.WorkflowID)
		if err != nil {
			return err
		}
		idx := task.StepIndex
		if w.Status.IsTerminal() || idx >= len(w.Steps) || w.Steps[idx].TaskID != task.ID {
			return nil
		}
		w.Steps[idx].State = marketplace.StepFailed
		cancel(&w, fmt.Sprintf("step %d task %s ended %s", idx, task.ID, task.Status))
		w.UpdatedAt = o.now()
		changed = true
		return tx.UpdateWorkflow(w)
	})
	if err != nil {
		return err
	}
	if changed {
		o.Metrics.WorkflowTransition(string(w.Status))
		log.Printf("workflow %s cancelled: %s", w.ID, w.CancelReason)
	}
	return nil
}

// Reconcile advances running workflows whose current step finished without the next step
// being activated. It returns the number of workflows advanced.
func (o *WorkflowOrchestrator) Reconcile(ctx context.Context) (int, error) {
	var ids []string
	err := o.Store.View(ctx, func(tx storage.Tx) error {
		ws, err := tx.ListWorkflows(marketplace.WorkflowFilter{Status: marketplace.WorkflowRunning})
		if err != nil {
			return err
		}
		for _, w := range ws {
			ids = append(ids, w.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	advanced := 0
	for _, id := range ids {
		var eff effects
		var changed bool
		err := o.Store.WithTx(ctx, func(tx storage.Tx) error {
			w, err := tx.GetWorkflow(id)
			if err != nil {
				return err
			}
			taskID := w.Steps[w.CurrentStep].TaskID
			if w.Status != marketplace.WorkflowRunning || taskID == "" {
				return nil
			}
			task, err := tx.GetTask(taskID)
			if err != nil {
				return err
			}
			changed, err = o.advance(tx, &w, task, &eff)
			if err != nil || !changed {
				return err
			}
			w.UpdatedAt = o.now()
			return tx.UpdateWorkflow(w)
		})
		if err != nil {
			log.Printf("reconcile workflow %s: %v", id, err)
			continue
		}
		if changed {
			advanced++
			o.flush(ctx, &eff)
		}
	}
	return advanced, nil
}

// GetWorkflow returns a workflow to its creator or an admin.
func (o *WorkflowOrchestrator) GetWorkflow(ctx context.Context, caller marketplace.Identity, id string) (marketplace.Workflow, error) {
	var w marketplace.Workflow
	err := o.Store.View(ctx, func(tx storage.Tx) error {
		var err error
		w, err = tx.GetWorkflow(id)
		if err != nil {
			return err
		}
		return authorize(caller.Is(w.CreatedBy) || caller.Admin, "only the creator can view workflow %s", id)
	})
	return w, err
}

// ListWorkflows returns the caller's workflows. Admins may list anyone's through filter.
func (o *WorkflowOrchestrator) ListWorkflows(ctx context.Context, caller marketplace.Identity, filter marketplace.WorkflowFilter) ([]marketplace.Workflow, error) {
	if !caller.Admin || filter.CreatedBy == "" {
		filter.CreatedBy = caller.Ref().String()
	}
	var out []marketplace.Workflow
	err := o.Store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListWorkflows(filter)
		return err
	})
	return out, err
}
