package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"agentwork-backend/core/marketplace"
	"agentwork-backend/services"
)

func apiKeyArg() mcp.ToolOption {
	return mcp.WithString("api_key", mcp.Required(), mcp.Description("API key identifying the caller"))
}

func (s *Server) registerTools() {
	s.registerAgentTools()
	s.registerTaskTools()
	s.registerEscrowTools()
	s.registerDisputeTools()
	s.registerWorkflowTools()
	s.registerInboxTools()
}

func (s *Server) registerAgentTools() {
	s.register(mcp.NewTool("register_agent",
		mcp.WithDescription("Register or update the calling agent's profile, wallet and skills"),
		apiKeyArg(),
		mcp.WithString("agent_id", mcp.Description("Agent id; admins may register on behalf of another id")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Display name")),
		mcp.WithString("wallet", mcp.Description("USDC wallet that receives payouts; defaults to the key's wallet")),
		mcp.WithArray("skills", mcp.Description("Skills offered"), mcp.WithStringItems()),
		mcp.WithString("webhook_url", mcp.Description("HTTPS endpoint for event webhooks")),
		mcp.WithString("webhook_secret", mcp.Description("Secret used to sign webhook bodies")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		name, err := a.required("name")
		if err != nil {
			return nil, err
		}
		return s.m.Matching.RegisterAgent(ctx, caller, a.str("agent_id"), services.AgentInput{
			Name:          name,
			Wallet:        a.str("wallet"),
			Skills:        a.list("skills"),
			WebhookURL:    a.str("webhook_url"),
			WebhookSecret: a.str("webhook_secret"),
		})
	})

	s.register(mcp.NewTool("recommend_agents",
		mcp.WithDescription("Rank registered agents for a task by skill overlap and trust"),
		apiKeyArg(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of task")),
		mcp.WithNumber("limit", mcp.Description("Maximum candidates (default 5)")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		taskID, err := a.required("task_id")
		if err != nil {
			return nil, err
		}
		limit, err := a.number("limit", 5)
		if err != nil {
			return nil, err
		}
		candidates, err := s.m.Matching.RecommendAgents(ctx, taskID, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"candidates": candidates, "count": len(candidates)}, nil
	})

	s.register(mcp.NewTool("get_trust_score",
		mcp.WithDescription("Get the trust score of an agent or poster, keyed by wallet"),
		apiKeyArg(),
		mcp.WithString("subject", mcp.Required(), mcp.Description("Wallet address, or kind:id for parties without one")),
		mcp.WithString("role", mcp.Description("agent or poster (default agent)"), mcp.Enum("agent", "poster")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		subject, err := a.required("subject")
		if err != nil {
			return nil, err
		}
		role := marketplace.PartyAgent
		switch a.str("role") {
		case "", string(marketplace.PartyAgent):
		case string(marketplace.PartyPoster):
			role = marketplace.PartyPoster
		default:
			return nil, NewInvalidFieldError(a.tool, "role", "role must be agent or poster")
		}
		return s.m.Trust.Score(ctx, subject, role)
	})
}

func (s *Server) registerTaskTools() {
	s.register(mcp.NewTool("create_task",
		mcp.WithDescription("Post a task with a USDC budget"),
		apiKeyArg(),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
		mcp.WithString("description", mcp.Required(), mcp.Description("What needs to be done")),
		mcp.WithString("category", mcp.Description("Task category")),
		mcp.WithString("budget_usdc", mcp.Required(), mcp.Description("Budget in USDC, e.g. \"25.50\"")),
		mcp.WithArray("required_skills", mcp.Description("Skills an agent needs"), mcp.WithStringItems()),
		mcp.WithString("deadline", mcp.Description("Deadline (RFC 3339)")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		title, err := a.required("title")
		if err != nil {
			return nil, err
		}
		desc, err := a.required("description")
		if err != nil {
			return nil, err
		}
		budget, err := a.usdc("budget_usdc")
		if err != nil {
			return nil, err
		}
		deadline, err := a.timestamp("deadline")
		if err != nil {
			return nil, err
		}
		return s.m.Tasks.CreateTask(ctx, caller, marketplace.TaskInput{
			Title:          title,
			Description:    desc,
			Category:       a.str("category"),
			Budget:         budget,
			RequiredSkills: a.list("required_skills"),
			Deadline:       deadline,
		})
	})

	s.register(mcp.NewTool("list_tasks",
		mcp.WithDescription("List tasks, newest first"),
		apiKeyArg(),
		mcp.WithString("status", mcp.Description("Filter by task status")),
		mcp.WithString("posted_by", mcp.Description("Filter by poster id")),
		mcp.WithString("assigned_to", mcp.Description("Filter by assigned agent id")),
		mcp.WithString("skill", mcp.Description("Filter by required skill")),
		mcp.WithString("workflow_id", mcp.Description("Filter by workflow")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Rows to skip")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		limit, err := a.number("limit", 50)
		if err != nil {
			return nil, err
		}
		offset, err := a.number("offset", 0)
		if err != nil {
			return nil, err
		}
		tasks, err := s.m.Tasks.ListTasks(ctx, marketplace.TaskFilter{
			Status:     marketplace.TaskStatus(a.str("status")),
			PostedBy:   a.str("posted_by"),
			AssignedTo: a.str("assigned_to"),
			Skill:      a.str("skill"),
			WorkflowID: a.str("workflow_id"),
			Limit:      limit,
			Offset:     offset,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
	})

	s.register(mcp.NewTool("get_task",
		mcp.WithDescription("Get a task by id"),
		apiKeyArg(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of task to retrieve")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		taskID, err := a.required("task_id")
		if err != nil {
			return nil, err
		}
		return s.m.Tasks.GetTask(ctx, taskID)
	})

	s.register(mcp.NewTool("submit_bid",
		mcp.WithDescription("Bid on an open task"),
		apiKeyArg(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of task")),
		mcp.WithString("amount_usdc", mcp.Required(), mcp.Description("Bid amount in USDC")),
		mcp.WithString("proposal", mcp.Required(), mcp.Description("How the work will be done")),
		mcp.WithNumber("estimated_hours", mcp.Description("Estimated hours of work")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		taskID, err := a.required("task_id")
		if err != nil {
			return nil, err
		}
		amount, err := a.usdc("amount_usdc")
		if err != nil {
			return nil, err
		}
		proposal, err := a.required("proposal")
		if err != nil {
			return nil, err
		}
		hours, err := a.number("estimated_hours", 0)
		if err != nil {
			return nil, err
		}
		return s.m.Bids.SubmitBid(ctx, caller, taskID, services.BidInput{
			Amount:         amount,
			Proposal:       proposal,
			EstimatedHours: hours,
		})
	})

	s.register(mcp.NewTool("accept_bid",
		mcp.WithDescription("Accept a bid; the task moves to in_progress and other bids are rejected"),
		apiKeyArg(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of task")),
		mcp.WithString("bid_id", mcp.Required(), mcp.Description("ID of bid to accept")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		taskID, err := a.required("task_id")
		if err != nil {
			return nil, err
		}
		bidID, err := a.required("bid_id")
		if err != nil {
			return nil, err
		}
		return s.m.Bids.AcceptBid(ctx, caller, taskID, bidID)
	})

	s.register(mcp.NewTool("list_bids",
		mcp.WithDescription("List bids on a task"),
		apiKeyArg(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of task")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		taskID, err := a.required("task_id")
		if err != nil {
			return nil, err
		}
		bids, err := s.m.Bids.ListBids(ctx, caller, taskID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"bids": bids, "count": len(bids)}, nil
	})

	s.register(mcp.NewTool("deliver_task",
		mcp.WithDescription("Submit deliverables for an assigned task; the task moves to review"),
		apiKeyArg(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of task")),
		mcp.WithString("summary", mcp.Required(), mcp.Description("Summary of the work")),
		mcp.WithArray("artifacts", mcp.Description("Artifacts as {name, url, kind} objects")),
		mcp.WithObject("output", mcp.Description("Key/value outputs passed to the next workflow step")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		taskID, err := a.required("task_id")
		if err != nil {
			return nil, err
		}
		summary, err := a.required("summary")
		if err != nil {
			return nil, err
		}
		d := marketplace.Deliverables{Summary: summary}
		if err := a.decode("artifacts", &d.Artifacts); err != nil {
			return nil, err
		}
		if err := a.decode("output", &d.Output); err != nil {
			return nil, err
		}
		return s.m.Tasks.DeliverTask(ctx, caller, taskID, d)
	})

	s.register(mcp.NewTool("approve_task",
		mcp.WithDescription("Approve delivered work and release escrow to the agent"),
		apiKeyArg(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of task")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		taskID, err := a.required("task_id")
		if err != nil {
			return nil, err
		}
		return s.m.Tasks.ApproveTask(ctx, caller, taskID)
	})

	s.register(mcp.NewTool("cancel_task",
		mcp.WithDescription("Cancel a task; funded escrow is refunded"),
		apiKeyArg(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of task")),
		mcp.WithString("reason", mcp.Description("Why the task is cancelled")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		taskID, err := a.required("task_id")
		if err != nil {
			return nil, err
		}
		return s.m.Tasks.CancelTask(ctx, caller, taskID, a.str("reason"))
	})
}

func (s *Server) registerEscrowTools() {
	s.register(mcp.NewTool("deposit_escrow",
		mcp.WithDescription("Record the on-chain transfer that funds a task's escrow"),
		apiKeyArg(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of task")),
		mcp.WithString("tx_hash", mcp.Required(), mcp.Description("Hash of the USDC transfer to the platform wallet")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		taskID, err := a.required("task_id")
		if err != nil {
			return nil, err
		}
		hash, err := a.required("tx_hash")
		if err != nil {
			return nil, err
		}
		return s.m.Escrow.DepositEscrow(ctx, caller, taskID, hash)
	})

	s.register(mcp.NewTool("get_deposit_instructions",
		mcp.WithDescription("Show the wallet, amount and a payment QR code for funding a task"),
		apiKeyArg(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of task")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		taskID, err := a.required("task_id")
		if err != nil {
			return nil, err
		}
		return s.m.Escrow.DepositInstructions(ctx, caller, taskID)
	})

	s.register(mcp.NewTool("get_escrow_status",
		mcp.WithDescription("Show deposits, releases, refunds and pending payouts for a task"),
		apiKeyArg(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of task")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		taskID, err := a.required("task_id")
		if err != nil {
			return nil, err
		}
		return s.m.Escrow.GetEscrowStatus(ctx, caller, taskID)
	})
}

func (s *Server) registerDisputeTools() {
	s.register(mcp.NewTool("raise_dispute",
		mcp.WithDescription("Dispute an in-progress or delivered task"),
		apiKeyArg(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of task")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Dispute reason"),
			mcp.Enum(
				string(marketplace.ReasonQualityIssue),
				string(marketplace.ReasonNotDelivered),
				string(marketplace.ReasonLateDelivery),
				string(marketplace.ReasonScopeMismatch),
				string(marketplace.ReasonPaymentIssue),
				string(marketplace.ReasonFraud),
				string(marketplace.ReasonOther),
			)),
		mcp.WithString("description", mcp.Required(), mcp.Description("What went wrong")),
		mcp.WithString("evidence_text", mcp.Description("Initial evidence")),
		mcp.WithArray("evidence_links", mcp.Description("Links supporting the evidence"), mcp.WithStringItems()),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		taskID, err := a.required("task_id")
		if err != nil {
			return nil, err
		}
		reason, err := a.required("reason")
		if err != nil {
			return nil, err
		}
		desc, err := a.required("description")
		if err != nil {
			return nil, err
		}
		return s.m.Disputes.RaiseDispute(ctx, caller, taskID, services.DisputeInput{
			Reason:      marketplace.DisputeReason(reason),
			Description: desc,
			Evidence: marketplace.EvidenceInput{
				Text:  a.str("evidence_text"),
				Links: a.list("evidence_links"),
			},
		})
	})

	s.register(mcp.NewTool("submit_evidence",
		mcp.WithDescription("Add evidence to an open dispute"),
		apiKeyArg(),
		mcp.WithString("dispute_id", mcp.Required(), mcp.Description("ID of dispute")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Evidence text")),
		mcp.WithArray("links", mcp.Description("Supporting links"), mcp.WithStringItems()),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		id, err := a.required("dispute_id")
		if err != nil {
			return nil, err
		}
		text, err := a.required("text")
		if err != nil {
			return nil, err
		}
		return s.m.Disputes.SubmitEvidence(ctx, caller, id, marketplace.EvidenceInput{Text: text, Links: a.list("links")})
	})

	s.register(mcp.NewTool("judge_dispute",
		mcp.WithDescription("Ask the judge for a recommended verdict (admin)"),
		apiKeyArg(),
		mcp.WithString("dispute_id", mcp.Required(), mcp.Description("ID of dispute")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		id, err := a.required("dispute_id")
		if err != nil {
			return nil, err
		}
		return s.m.Disputes.JudgeDispute(ctx, caller, id)
	})

	s.register(mcp.NewTool("resolve_dispute",
		mcp.WithDescription("Resolve a dispute and settle escrow (admin)"),
		apiKeyArg(),
		mcp.WithString("dispute_id", mcp.Required(), mcp.Description("ID of dispute")),
		mcp.WithString("resolution", mcp.Required(), mcp.Description("Outcome"),
			mcp.Enum(
				string(marketplace.ResolutionFullRefund),
				string(marketplace.ResolutionPartialRefund),
				string(marketplace.ResolutionAgentPaid),
				string(marketplace.ResolutionSplit),
			)),
		mcp.WithNumber("refund_percentage", mcp.Description("Poster refund percentage for partial_refund")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		id, err := a.required("dispute_id")
		if err != nil {
			return nil, err
		}
		res, err := a.required("resolution")
		if err != nil {
			return nil, err
		}
		pct, err := a.number("refund_percentage", 0)
		if err != nil {
			return nil, err
		}
		return s.m.Disputes.ResolveDispute(ctx, caller, id, marketplace.Resolution(res), pct)
	})

	s.register(mcp.NewTool("get_dispute",
		mcp.WithDescription("Get a dispute visible to the caller"),
		apiKeyArg(),
		mcp.WithString("dispute_id", mcp.Required(), mcp.Description("ID of dispute")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		id, err := a.required("dispute_id")
		if err != nil {
			return nil, err
		}
		return s.m.Disputes.GetDispute(ctx, caller, id)
	})

	s.register(mcp.NewTool("list_disputes",
		mcp.WithDescription("List disputes visible to the caller"),
		apiKeyArg(),
		mcp.WithString("task_id", mcp.Description("Filter by task")),
		mcp.WithBoolean("active", mcp.Description("Only open or reviewing disputes")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		disputes, err := s.m.Disputes.ListDisputes(ctx, caller, marketplace.DisputeFilter{
			TaskID: a.str("task_id"),
			Active: a.boolean("active"),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"disputes": disputes, "count": len(disputes)}, nil
	})
}

func (s *Server) registerWorkflowTools() {
	s.register(mcp.NewTool("create_workflow",
		mcp.WithDescription("Create a draft workflow from a YAML definition or from explicit steps"),
		apiKeyArg(),
		mcp.WithString("definition", mcp.Description("YAML workflow definition")),
		mcp.WithString("name", mcp.Description("Workflow name when steps are given directly")),
		mcp.WithString("description", mcp.Description("Workflow description")),
		mcp.WithArray("steps", mcp.Description("Steps as {title, description, budget_usdc, required_skills, inputs, deadline_hours}")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		if def := a.str("definition"); def != "" {
			return s.m.Workflows.CreateWorkflowFromDefinition(ctx, caller, []byte(def))
		}
		name, err := a.required("name")
		if err != nil {
			return nil, err
		}
		var steps []marketplace.WorkflowStep
		if err := a.decode("steps", &steps); err != nil {
			return nil, err
		}
		if len(steps) == 0 {
			return nil, NewMissingFieldError(a.tool, "steps")
		}
		return s.m.Workflows.CreateWorkflow(ctx, caller, name, a.str("description"), steps)
	})

	lifecycle := []struct {
		name, desc string
		fn         func(context.Context, marketplace.Identity, string) (marketplace.Workflow, error)
	}{
		{"start_workflow", "Start a draft workflow; its first step becomes a task", s.m.Workflows.StartWorkflow},
		{"pause_workflow", "Pause a running workflow before its next step", s.m.Workflows.PauseWorkflow},
		{"resume_workflow", "Resume a paused workflow", s.m.Workflows.ResumeWorkflow},
		{"get_workflow", "Get a workflow and its step states", s.m.Workflows.GetWorkflow},
	}
	for _, l := range lifecycle {
		fn := l.fn
		s.register(mcp.NewTool(l.name,
			mcp.WithDescription(l.desc),
			apiKeyArg(),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of workflow")),
		), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
			id, err := a.required("workflow_id")
			if err != nil {
				return nil, err
			}
			return fn(ctx, caller, id)
		})
	}

	s.register(mcp.NewTool("cancel_workflow",
		mcp.WithDescription("Cancel a workflow; remaining steps are skipped"),
		apiKeyArg(),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of workflow")),
		mcp.WithString("reason", mcp.Description("Why the workflow is cancelled")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		id, err := a.required("workflow_id")
		if err != nil {
			return nil, err
		}
		return s.m.Workflows.CancelWorkflow(ctx, caller, id, a.str("reason"))
	})

	s.register(mcp.NewTool("list_workflows",
		mcp.WithDescription("List workflows visible to the caller"),
		apiKeyArg(),
		mcp.WithString("created_by", mcp.Description("Filter by creator id")),
		mcp.WithString("status", mcp.Description("Filter by workflow status")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		wfs, err := s.m.Workflows.ListWorkflows(ctx, caller, marketplace.WorkflowFilter{
			CreatedBy: a.str("created_by"),
			Status:    marketplace.WorkflowStatus(a.str("status")),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"workflows": wfs, "count": len(wfs)}, nil
	})
}

func (s *Server) registerInboxTools() {
	s.register(mcp.NewTool("list_notifications",
		mcp.WithDescription("List the caller's notifications"),
		apiKeyArg(),
		mcp.WithBoolean("unread_only", mcp.Description("Only unread notifications")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		items, err := s.m.Inbox.ListNotifications(ctx, caller, a.boolean("unread_only"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"notifications": items, "count": len(items)}, nil
	})

	s.register(mcp.NewTool("mark_notification_read",
		mcp.WithDescription("Mark one of the caller's notifications as read"),
		apiKeyArg(),
		mcp.WithString("notification_id", mcp.Required(), mcp.Description("ID of notification")),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		id, err := a.required("notification_id")
		if err != nil {
			return nil, err
		}
		if err := s.m.Inbox.MarkNotificationRead(ctx, caller, id); err != nil {
			return nil, err
		}
		return map[string]any{"notification_id": id, "read": true}, nil
	})

	s.register(mcp.NewTool("run_sweep",
		mcp.WithDescription("Run the auto-resolution sweep now (admin)"),
		apiKeyArg(),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		if !caller.Admin {
			return nil, marketplace.Forbiddenf("run_sweep requires an admin key")
		}
		return s.m.Resolver.Sweep(ctx)
	})

	s.register(mcp.NewTool("get_platform_balance",
		mcp.WithDescription("Show the platform escrow wallet balance (admin)"),
		apiKeyArg(),
	), func(ctx context.Context, caller marketplace.Identity, a args) (any, error) {
		bal, err := s.m.Escrow.Balance(ctx, caller)
		if err != nil {
			return nil, err
		}
		return map[string]any{"wallet": s.m.Escrow.Config.PlatformWallet, "balance_usdc": bal}, nil
	})
}
