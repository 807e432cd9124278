package marketplace

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskDisputed   TaskStatus = "disputed"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskRefunded   TaskStatus = "refunded"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskOpen:       {TaskInProgress, TaskCancelled},
	TaskInProgress: {TaskReview, TaskCancelled, TaskDisputed},
	TaskReview:     {TaskCompleted, TaskDisputed},
	TaskDisputed:   {TaskCompleted, TaskRefunded},
}

// CanTransition reports whether the task state machine allows s -> to.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal is true for states with no outgoing transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskRefunded
}

// BidStatus is the state of a bid.
type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidAccepted BidStatus = "accepted"
	BidRejected BidStatus = "rejected"
)

// TransactionType classifies fund movements.
type TransactionType string

const (
	TxEscrowDeposit TransactionType = "escrow_deposit"
	TxEscrowRelease TransactionType = "escrow_release"
	TxPlatformFee   TransactionType = "platform_fee"
	TxRefund        TransactionType = "refund"
)

// TransactionStatus is the settlement state of a transaction record.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxConfirmed TransactionStatus = "confirmed"
	TxFailed    TransactionStatus = "failed"
)

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	DisputeOpen         DisputeStatus = "open"
	DisputeReviewing    DisputeStatus = "reviewing"
	DisputeResolved     DisputeStatus = "resolved"
	DisputeAutoResolved DisputeStatus = "auto_resolved"
)

// DisputeReason says why a dispute was raised.
type DisputeReason string

const (
	ReasonQualityIssue  DisputeReason = "quality_issue"
	ReasonNotDelivered  DisputeReason = "not_delivered"
	ReasonLateDelivery  DisputeReason = "late_delivery"
	ReasonScopeMismatch DisputeReason = "scope_mismatch"
	ReasonPaymentIssue  DisputeReason = "payment_issue"
	ReasonFraud         DisputeReason = "fraud"
	ReasonOther         DisputeReason = "other"
)

// ValidDisputeReasons lists every accepted reason.
var ValidDisputeReasons = []DisputeReason{
	ReasonQualityIssue, ReasonNotDelivered, ReasonLateDelivery,
	ReasonScopeMismatch, ReasonPaymentIssue, ReasonFraud, ReasonOther,
}

// Valid reports whether r is a known reason.
func (r DisputeReason) Valid() bool {
	for _, v := range ValidDisputeReasons {
		if r == v {
			return true
		}
	}
	return false
}

// Resolution is how a dispute settles escrowed funds.
type Resolution string

const (
	ResolutionFullRefund    Resolution = "full_refund"
	ResolutionPartialRefund Resolution = "partial_refund"
	ResolutionAgentPaid     Resolution = "agent_paid"
	ResolutionSplit         Resolution = "split"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionFullRefund, ResolutionPartialRefund, ResolutionAgentPaid, ResolutionSplit:
		return true
	}
	return false
}

// NeedsPercentage is true when the caller must supply the refund split.
func (r Resolution) NeedsPercentage() bool {
	return r == ResolutionPartialRefund || r == ResolutionSplit
}

// RefundPercent maps a resolution to the share of the budget returned to the poster.
func (r Resolution) RefundPercent(requested int) int {
	switch r {
	case ResolutionFullRefund:
		return 100
	case ResolutionAgentPaid:
		return 0
	default:
		return requested
	}
}

// Party is a side of a task.
type Party string

const (
	PartyPoster Party = "poster"
	PartyAgent  Party = "agent"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "draft"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowDraft:   {WorkflowRunning, WorkflowCancelled},
	WorkflowRunning: {WorkflowPaused, WorkflowCompleted, WorkflowCancelled},
	WorkflowPaused:  {WorkflowRunning, WorkflowCancelled},
}

// CanTransition reports whether the workflow state machine allows s -> to.
func (s WorkflowStatus) CanTransition(to WorkflowStatus) bool {
	for _, next := range workflowTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal is true once the workflow can no longer change.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowCancelled
}

// StepState tracks a single workflow step.
type StepState string

const (
	StepPending   StepState = "pending"
	StepActive    StepState = "active"
	StepCompleted StepState = "completed"
	StepSkipped   StepState = "skipped"
	StepFailed    StepState = "failed"
)

// EventType names an outbound notification.
type EventType string

const (
	EventTaskMatch         EventType = "task_match"
	EventBidAccepted       EventType = "bid_accepted"
	EventBidRejected       EventType = "bid_rejected"
	EventTaskAssigned      EventType = "task_assigned"
	EventTaskDelivered     EventType = "task_delivered"
	EventPaymentReceived   EventType = "payment_received"
	EventDisputeRaised     EventType = "dispute_raised"
	EventDisputeResolved   EventType = "dispute_resolved"
	EventWorkflowCompleted EventType = "workflow_completed"
)
