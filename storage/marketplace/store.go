package marketplace

import (
	"context"

	"agentwork-backend/core/marketplace"
)

// Store is the transactional ledger. Services never hold entities across calls;
// every read-modify-write runs inside one WithTx callback.
type Store interface {
	// WithTx runs fn in a read-write transaction. A non-nil error from fn rolls back every write.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn in a read-only transaction. Writes fail.
	View(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

// Tx is the set of operations available inside a transaction.
// Rows read through a read-write Tx are locked until it ends.
type Tx interface {
	GetAgent(id string) (marketplace.Agent, error)
	PutAgent(a marketplace.Agent) error
	ListAgents(filter marketplace.AgentFilter) ([]marketplace.Agent, error)

	GetTask(id string) (marketplace.Task, error)
	InsertTask(t marketplace.Task) error
	UpdateTask(t marketplace.Task) error
	ListTasks(filter marketplace.TaskFilter) ([]marketplace.Task, error)
	// CountTasksForIdentity counts tasks the identity posted or was assigned to,
	// leaving out excludeTaskID.
	CountTasksForIdentity(ref marketplace.IdentityRef, excludeTaskID string) (int, error)

	// InsertBid fails with a conflict when the agent already bid on the task.
	InsertBid(b marketplace.Bid) error
	GetBid(id string) (marketplace.Bid, error)
	UpdateBid(b marketplace.Bid) error
	ListBids(taskID string) ([]marketplace.Bid, error)

	InsertTransaction(t marketplace.Transaction) error
	// UpdateTransaction refuses to modify a confirmed record.
	UpdateTransaction(t marketplace.Transaction) error
	GetTransaction(id string) (marketplace.Transaction, error)
	ListTransactions(filter marketplace.TransactionFilter) ([]marketplace.Transaction, error)

	// InsertDispute fails with a conflict when the task already has an active dispute.
	InsertDispute(d marketplace.Dispute) error
	GetDispute(id string) (marketplace.Dispute, error)
	UpdateDispute(d marketplace.Dispute) error
	ActiveDisputeForTask(taskID string) (marketplace.Dispute, error)
	ListDisputes(filter marketplace.DisputeFilter) ([]marketplace.Dispute, error)

	InsertWorkflow(w marketplace.Workflow) error
	GetWorkflow(id string) (marketplace.Workflow, error)
	UpdateWorkflow(w marketplace.Workflow) error
	ListWorkflows(filter marketplace.WorkflowFilter) ([]marketplace.Workflow, error)

	GetTrustScore(subject string, role marketplace.Party) (marketplace.TrustScore, error)
	PutTrustScore(s marketplace.TrustScore) error

	InsertNotification(n marketplace.Notification) error
	ListNotifications(recipient marketplace.IdentityRef, unreadOnly bool) ([]marketplace.Notification, error)
	MarkNotificationRead(recipient marketplace.IdentityRef, id string) error
}
