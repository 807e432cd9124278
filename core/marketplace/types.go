package marketplace

import (
	"strings"
	"time"
)

// IdentityKind names who is acting.
type IdentityKind string

const (
	KindAgent  IdentityKind = "agent"
	KindClient IdentityKind = "client"
	KindHuman  IdentityKind = "human"
	KindSystem IdentityKind = "system"
)

// Identity is a resolved caller. Authentication happens before it reaches the services.
type Identity struct {
	Kind   IdentityKind `json:"kind"`
	ID     string       `json:"id"`
	Wallet string       `json:"wallet,omitempty"`
	Admin  bool         `json:"admin,omitempty"`
}

// SystemIdentity returns the identity used by automated actors such as the sweep ("auto") or the judge.
func SystemIdentity(id string) Identity {
	return Identity{Kind: KindSystem, ID: id, Admin: true}
}

// Ref drops the capability bits so the identity can be stored on an entity.
func (i Identity) Ref() IdentityRef {
	return IdentityRef{Kind: i.Kind, ID: i.ID}
}

// Is reports whether i and ref name the same principal.
func (i Identity) Is(ref IdentityRef) bool {
	return i.Kind == ref.Kind && i.ID == ref.ID && i.ID != ""
}

// IsSystem is true for automated actors.
func (i Identity) IsSystem() bool { return i.Kind == KindSystem }

// IdentityRef is the stored form of an identity.
type IdentityRef struct {
	Kind IdentityKind `json:"kind"`
	ID   string       `json:"id"`
}

func (r IdentityRef) String() string { return string(r.Kind) + ":" + r.ID }

// Agent is a registered autonomous worker.
type Agent struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Wallet         string    `json:"wallet"`
	Skills         []string  `json:"skills"`
	WebhookURL     string    `json:"webhook_url,omitempty"`
	WebhookSecret  string    `json:"-"`
	Rating         float64   `json:"rating"`
	CompletedTasks int       `json:"completed_tasks"`
	TotalEarned    USDC      `json:"total_earned_usdc"`
	CreatedAt      time.Time `json:"created_at"`
}

// Clone returns a copy that shares no slices with a.
func (a Agent) Clone() Agent {
	a.Skills = append([]string(nil), a.Skills...)
	return a
}

// Task is a unit of hired work.
type Task struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	Category        string        `json:"category,omitempty"`
	Budget          USDC          `json:"budget_usdc"`
	PostedBy        IdentityRef   `json:"posted_by"`
	PosterWallet    string        `json:"poster_wallet,omitempty"`
	RequiredSkills  []string      `json:"required_skills"`
	Status          TaskStatus    `json:"status"`
	AssignedAgentID string        `json:"assigned_agent_id,omitempty"`
	EscrowTxHash    string        `json:"escrow_tx_hash,omitempty"`
	Deliverables    *Deliverables `json:"deliverables,omitempty"`
	Deadline        *time.Time    `json:"deadline,omitempty"`
	BidCount        int           `json:"bid_count"`
	WorkflowID      string        `json:"workflow_id,omitempty"`
	StepIndex       int           `json:"step_index"`
	StepContext     *StepContext  `json:"step_context,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	DeliveredAt     *time.Time    `json:"delivered_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	t.RequiredSkills = append([]string(nil), t.RequiredSkills...)
	if t.Deliverables != nil {
		d := t.Deliverables.Clone()
		t.Deliverables = &d
	}
	if t.StepContext != nil {
		c := t.StepContext.Clone()
		t.StepContext = &c
	}
	t.Deadline = cloneTime(t.Deadline)
	t.DeliveredAt = cloneTime(t.DeliveredAt)
	t.CompletedAt = cloneTime(t.CompletedAt)
	return t
}

// HasEscrow reports whether a verified deposit is recorded.
func (t Task) HasEscrow() bool { return strings.TrimSpace(t.EscrowTxHash) != "" }

// PosterIdentity rebuilds the poster's identity with its wallet.
func (t Task) PosterIdentity() Identity {
	return Identity{Kind: t.PostedBy.Kind, ID: t.PostedBy.ID, Wallet: t.PosterWallet}
}

// AgentRef is the identity ref of the assigned agent.
func (t Task) AgentRef() IdentityRef {
	return IdentityRef{Kind: KindAgent, ID: t.AssignedAgentID}
}

// Bid is an agent's offer on an open task.
type Bid struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	AgentID        string    `json:"agent_id"`
	Amount         USDC      `json:"amount_usdc"`
	Proposal       string    `json:"proposal"`
	EstimatedHours int       `json:"estimated_hours"`
	Status         BidStatus `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Transaction is an append-only record of a fund movement.
type Transaction struct {
	ID          string            `json:"id"`
	TaskID      string            `json:"task_id"`
	Type        TransactionType   `json:"type"`
	FromAddress string            `json:"from_address"`
	ToAddress   string            `json:"to_address"`
	Amount      USDC              `json:"amount_usdc"`
	TxHash      string            `json:"tx_hash,omitempty"`
	Status      TransactionStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ConfirmedAt *time.Time        `json:"confirmed_at,omitempty"`
}

// IsPayout reports whether the record moves money out of the platform wallet on chain.
func (t Transaction) IsPayout() bool {
	return t.Type == TxEscrowRelease || t.Type == TxRefund
}

// EvidenceEntry is one submission to a dispute.
type EvidenceEntry struct {
	SubmittedBy IdentityRef `json:"submitted_by"`
	Party       Party       `json:"party"`
	Text        string      `json:"text"`
	Links       []string    `json:"links,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// Verdict is a recommendation from the judge oracle. It is advisory.
type Verdict struct {
	Resolution       Resolution `json:"resolution"`
	RefundPercentage int        `json:"refund_percentage"`
	Rationale        string     `json:"rationale"`
	Confidence       float64    `json:"confidence"`
	JudgedAt         time.Time  `json:"judged_at"`
}

// Dispute freezes a task until resolved.
type Dispute struct {
	ID               string          `json:"id"`
	TaskID           string          `json:"task_id"`
	RaisedBy         IdentityRef     `json:"raised_by"`
	RaisedByParty    Party           `json:"raised_by_party"`
	Reason           DisputeReason   `json:"reason"`
	Description      string          `json:"description"`
	Evidence         []EvidenceEntry `json:"evidence"`
	Status           DisputeStatus   `json:"status"`
	ResponseDeadline time.Time       `json:"response_deadline"`
	Resolution       Resolution      `json:"resolution,omitempty"`
	RefundPercentage int             `json:"refund_percentage"`
	ResolvedBy       string          `json:"resolved_by,omitempty"`
	Recommendation   *Verdict        `json:"recommendation,omitempty"`
	PriorTaskStatus  TaskStatus      `json:"prior_task_status"`
	CreatedAt        time.Time       `json:"created_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy of d.
func (d Dispute) Clone() Dispute {
	ev := make([]EvidenceEntry, len(d.Evidence))
	for i, e := range d.Evidence {
		e.Links = append([]string(nil), e.Links...)
		ev[i] = e
	}
	d.Evidence = ev
	if d.Recommendation != nil {
		v := *d.Recommendation
		d.Recommendation = &v
	}
	d.ResolvedAt = cloneTime(d.ResolvedAt)
	return d
}

// IsActive is true while the dispute blocks its task.
func (d Dispute) IsActive() bool {
	return d.Status == DisputeOpen || d.Status == DisputeReviewing
}

// RespondedParties reports which sides have put evidence on record.
func (d Dispute) RespondedParties() (poster, agent bool) {
	for _, e := range d.Evidence {
		switch e.Party {
		case PartyPoster:
			poster = true
		case PartyAgent:
			agent = true
		}
	}
	return poster, agent
}

// WorkflowStep is one stage of a workflow. It becomes exactly one task when activated.
type WorkflowStep struct {
	Title          string            `json:"title" yaml:"title"`
	Description    string            `json:"description" yaml:"description"`
	Category       string            `json:"category,omitempty" yaml:"category"`
	Budget         USDC              `json:"budget_usdc" yaml:"budget"`
	RequiredSkills []string          `json:"required_skills" yaml:"skills"`
	Inputs         map[string]string `json:"inputs,omitempty" yaml:"inputs"`
	DeadlineHours  int               `json:"deadline_hours,omitempty" yaml:"deadline_hours"`
	State          StepState         `json:"state" yaml:"-"`
	TaskID         string            `json:"task_id,omitempty" yaml:"-"`
}

// Workflow sequences tasks.
type Workflow struct {
	ID            string         `json:"id"`
	CreatedBy     IdentityRef    `json:"created_by"`
	CreatorWallet string         `json:"creator_wallet,omitempty"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Status        WorkflowStatus `json:"status"`
	Steps         []WorkflowStep `json:"steps"`
	CurrentStep   int            `json:"current_step"`
	TotalSteps    int            `json:"total_steps"`
	TotalBudget   USDC           `json:"total_budget_usdc"`
	CancelReason  string         `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of w.
func (w Workflow) Clone() Workflow {
	steps := make([]WorkflowStep, len(w.Steps))
	for i, s := range w.Steps {
		s.RequiredSkills = append([]string(nil), s.RequiredSkills...)
		if s.Inputs != nil {
			in := make(map[string]string, len(s.Inputs))
			for k, v := range s.Inputs {
				in[k] = v
			}
			s.Inputs = in
		}
		steps[i] = s
	}
	w.Steps = steps
	w.CompletedAt = cloneTime(w.CompletedAt)
	return w
}

// CreatorIdentity rebuilds the creator's identity with its wallet.
func (w Workflow) CreatorIdentity() Identity {
	return Identity{Kind: w.CreatedBy.Kind, ID: w.CreatedBy.ID, Wallet: w.CreatorWallet}
}

// TrustScore is a 0-100 internal reputation signal per subject and role.
type TrustScore struct {
	Subject        string    `json:"subject"`
	Role           Party     `json:"role"`
	Score          int       `json:"score"`
	CompletedTasks int       `json:"completed_tasks"`
	DisputesWon    int       `json:"disputes_won"`
	DisputesLost   int       `json:"disputes_lost"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Notification is an in-app message.
type Notification struct {
	ID        string            `json:"id"`
	Recipient IdentityRef       `json:"recipient"`
	Type      EventType         `json:"type"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Payload   map[string]string `json:"payload,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"created_at"`
}

// TaskFilter captures list filters for tasks.
type TaskFilter struct {
	Status     TaskStatus
	PostedBy   string
	AssignedTo string
	Skill      string
	WorkflowID string
	Limit      int
	Offset     int
}

// DisputeFilter captures list filters for disputes.
type DisputeFilter struct {
	TaskID         string
	Active         bool
	DeadlineBefore *time.Time
}

// TransactionFilter captures list filters for money records.
type TransactionFilter struct {
	TaskID      string
	TxHash      string
	Type        TransactionType
	Statuses    []TransactionStatus
	MaxAttempts int
}

// WorkflowFilter captures list filters for workflows.
type WorkflowFilter struct {
	CreatedBy string
	Status    WorkflowStatus
}

// AgentFilter captures list filters for the agent registry.
type AgentFilter struct {
	Skills []string
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
