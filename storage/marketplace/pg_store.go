package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentwork-backend/core/marketplace"
)

// PGStore persists the ledger in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects and initializes the schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool exposes the connection pool for components that share the database.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

// Schema is the DDL applied by NewPGStore and `marketd migrate`.
const Schema = `
CREATE TABLE IF NOT EXISTS market_agents (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  wallet TEXT NOT NULL,
  skills TEXT[] NOT NULL DEFAULT '{}',
  webhook_url TEXT NOT NULL DEFAULT '',
  webhook_secret TEXT NOT NULL DEFAULT '',
  rating DOUBLE PRECISION NOT NULL DEFAULT 0,
  completed_tasks INT NOT NULL DEFAULT 0,
  total_earned BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS market_tasks (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  category TEXT NOT NULL DEFAULT '',
  budget BIGINT NOT NULL CHECK (budget > 0),
  posted_by_kind TEXT NOT NULL,
  posted_by_id TEXT NOT NULL,
  poster_wallet TEXT NOT NULL DEFAULT '',
  required_skills TEXT[] NOT NULL DEFAULT '{}',
  status TEXT NOT NULL,
  assigned_agent_id TEXT NOT NULL DEFAULT '',
  escrow_tx_hash TEXT NOT NULL DEFAULT '',
  deliverables JSONB,
  deadline TIMESTAMPTZ,
  bid_count INT NOT NULL DEFAULT 0,
  workflow_id TEXT NOT NULL DEFAULT '',
  step_index INT NOT NULL DEFAULT 0,
  step_context JSONB,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  delivered_at TIMESTAMPTZ,
  completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS market_tasks_status_idx ON market_tasks(status);
CREATE INDEX IF NOT EXISTS market_tasks_workflow_idx ON market_tasks(workflow_id);
CREATE TABLE IF NOT EXISTS market_bids (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES market_tasks(id),
  agent_id TEXT NOT NULL,
  amount BIGINT NOT NULL,
  proposal TEXT NOT NULL DEFAULT '',
  estimated_hours INT NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  CONSTRAINT market_bids_task_agent_key UNIQUE (task_id, agent_id)
);
CREATE TABLE IF NOT EXISTS market_transactions (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  type TEXT NOT NULL,
  from_address TEXT NOT NULL DEFAULT '',
  to_address TEXT NOT NULL DEFAULT '',
  amount BIGINT NOT NULL,
  tx_hash TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  attempts INT NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  confirmed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS market_transactions_task_idx ON market_transactions(task_id);
CREATE INDEX IF NOT EXISTS market_transactions_status_idx ON market_transactions(status);
CREATE TABLE IF NOT EXISTS market_disputes (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES market_tasks(id),
  raised_by_kind TEXT NOT NULL,
  raised_by_id TEXT NOT NULL,
  raised_by_party TEXT NOT NULL,
  reason TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  evidence JSONB NOT NULL DEFAULT '[]',
  status TEXT NOT NULL,
  response_deadline TIMESTAMPTZ NOT NULL,
  resolution TEXT NOT NULL DEFAULT '',
  refund_percentage INT NOT NULL DEFAULT 0,
  resolved_by TEXT NOT NULL DEFAULT '',
  recommendation JSONB,
  prior_task_status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  resolved_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS market_disputes_one_active ON market_disputes(task_id) WHERE status IN ('open','reviewing');
CREATE TABLE IF NOT EXISTS market_workflows (
  id TEXT PRIMARY KEY,
  created_by_kind TEXT NOT NULL,
  created_by_id TEXT NOT NULL,
  creator_wallet TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  steps JSONB NOT NULL,
  current_step INT NOT NULL DEFAULT 0,
  total_steps INT NOT NULL,
  total_budget BIGINT NOT NULL,
  cancel_reason TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS market_trust_scores (
  subject TEXT NOT NULL,
  role TEXT NOT NULL,
  score INT NOT NULL CHECK (score BETWEEN 0 AND 100),
  completed_tasks INT NOT NULL DEFAULT 0,
  disputes_won INT NOT NULL DEFAULT 0,
  disputes_lost INT NOT NULL DEFAULT 0,
  updated_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (subject, role)
);
CREATE TABLE IF NOT EXISTS market_notifications (
  id TEXT PRIMARY KEY,
  recipient_kind TEXT NOT NULL,
  recipient_id TEXT NOT NULL,
  type TEXT NOT NULL,
  title TEXT NOT NULL,
  body TEXT NOT NULL DEFAULT '',
  payload JSONB,
  read BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS market_notifications_recipient_idx ON market_notifications(recipient_kind, recipient_id);
CREATE TABLE IF NOT EXISTS rate_limit_events (
  scope TEXT NOT NULL,
  key TEXT NOT NULL,
  at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rate_limit_events_lookup_idx ON rate_limit_events(scope, key, at);
`

func (s *PGStore) initSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// WithTx implements Store.
func (s *PGStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{}, true, fn)
}

// View implements Store.
func (s *PGStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, false, fn)
}

func (s *PGStore) run(ctx context.Context, opts pgx.TxOptions, lock bool, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{ctx: ctx, tx: tx, lock: lock}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		log.Printf("ledger commit failed: %v", err)
		return mapPGError(err, err)
	}
	return nil
}

type pgTx struct {
	ctx  context.Context
	tx   pgx.Tx
	lock bool
}

func (t *pgTx) forUpdate() string {
	if t.lock {
		return " FOR UPDATE"
	}
	return ""
}

type rowScanner interface {
	Scan(dest ...any) error
}

func marshalJSON(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// --- agents

const agentColumns = `id, name, wallet, skills, webhook_url, webhook_secret, rating, completed_tasks, total_earned, created_at`

func scanAgent(row rowScanner) (marketplace.Agent, error) {
	var a marketplace.Agent
	var earned int64
	if err := row.Scan(&a.ID, &a.Name, &a.Wallet, &a.Skills, &a.WebhookURL, &a.WebhookSecret, &a.Rating, &a.CompletedTasks, &earned, &a.CreatedAt); err != nil {
		return marketplace.Agent{}, err
	}
	a.TotalEarned = marketplace.USDC(earned)
	return a, nil
}

func (t *pgTx) GetAgent(id string) (marketplace.Agent, error) {
	a, err := scanAgent(t.tx.QueryRow(t.ctx, `SELECT `+agentColumns+` FROM market_agents WHERE id=$1`+t.forUpdate(), id))
	return a, mapPGError(err, ErrAgentNotFound)
}

func (t *pgTx) PutAgent(a marketplace.Agent) error {
	_, err := t.tx.Exec(t.ctx, `
INSERT INTO market_agents (`+agentColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET name=$2, wallet=$3, skills=$4, webhook_url=$5, webhook_secret=$6,
  rating=$7, completed_tasks=$8, total_earned=$9
`, a.ID, a.Name, a.Wallet, nonNilStrings(a.Skills), a.WebhookURL, a.WebhookSecret, a.Rating, a.CompletedTasks, int64(a.TotalEarned), a.CreatedAt)
	return mapPGError(err, ErrAgentNotFound)
}

func (t *pgTx) ListAgents(filter marketplace.AgentFilter) ([]marketplace.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM market_agents`
	var args []any
	if len(filter.Skills) > 0 {
		lowered := make([]string, len(filter.Skills))
		for i, s := range filter.Skills {
			lowered[i] = strings.ToLower(s)
		}
		query += ` WHERE skills && $1`
		args = append(args, lowered)
	}
	query += ` ORDER BY id`
	rows, err := t.tx.Query(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []marketplace.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- tasks

const taskColumns = `id, title, description, category, budget, posted_by_kind, posted_by_id, poster_wallet,
required_skills, status, assigned_agent_id, escrow_tx_hash, deliverables, deadline, bid_count, workflow_id,
step_index, step_context, created_at, updated_at, delivered_at, completed_at`

func scanTask(row rowScanner) (marketplace.Task, error) {
	var t marketplace.Task
	var budget int64
	var kind, status string
	var deliverablesJSON, stepJSON []byte
	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Category, &budget, &kind, &t.PostedBy.ID, &t.PosterWallet,
		&t.RequiredSkills, &status, &t.AssignedAgentID, &t.EscrowTxHash, &deliverablesJSON, &t.Deadline, &t.BidCount, &t.WorkflowID,
		&t.StepIndex, &stepJSON, &t.CreatedAt, &t.UpdatedAt, &t.DeliveredAt, &t.CompletedAt,
	); err != nil {
		return marketplace.Task{}, err
	}
	t.Budget = marketplace.USDC(budget)
	t.PostedBy.Kind = marketplace.IdentityKind(kind)
	t.Status = marketplace.TaskStatus(status)
	if len(deliverablesJSON) > 0 {
		var d marketplace.Deliverables
		if err := json.Unmarshal(deliverablesJSON, &d); err != nil {
			return marketplace.Task{}, fmt.Errorf("decode deliverables for %s: %w", t.ID, err)
		}
		t.Deliverables = &d
	}
	if len(stepJSON) > 0 {
		var c marketplace.StepContext
		if err := json.Unmarshal(stepJSON, &c); err != nil {
			return marketplace.Task{}, fmt.Errorf("decode step context for %s: %w", t.ID, err)
		}
		t.StepContext = &c
	}
	return t, nil
}

func taskArgs(t marketplace.Task) ([]any, error) {
	var deliverables, step *string
	var err error
	if t.Deliverables != nil {
		if deliverables, err = marshalJSON(t.Deliverables); err != nil {
			return nil, err
		}
	}
	if t.StepContext != nil {
		if step, err = marshalJSON(t.StepContext); err != nil {
			return nil, err
		}
	}
	return []any{
		t.ID, t.Title, t.Description, t.Category, int64(t.Budget), string(t.PostedBy.Kind), t.PostedBy.ID, t.PosterWallet,
		nonNilStrings(t.RequiredSkills), string(t.Status), t.AssignedAgentID, t.EscrowTxHash, deliverables, t.Deadline, t.BidCount, t.WorkflowID,
		t.StepIndex, step, t.CreatedAt, t.UpdatedAt, t.DeliveredAt, t.CompletedAt,
	}, nil
}

func (t *pgTx) GetTask(id string) (marketplace.Task, error) {
	task, err := scanTask(t.tx.QueryRow(t.ctx, `SELECT `+taskColumns+` FROM market_tasks WHERE id=$1`+t.forUpdate(), id))
	return task, mapPGError(err, ErrTaskNotFound)
}

func (t *pgTx) InsertTask(task marketplace.Task) error {
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.ctx, `INSERT INTO market_tasks (`+taskColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`, args...)
	return mapPGError(err, ErrTaskNotFound)
}

func (t *pgTx) UpdateTask(task marketplace.Task) error {
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(t.ctx, `
UPDATE market_tasks SET title=$2, description=$3, category=$4, budget=$5, posted_by_kind=$6, posted_by_id=$7,
  poster_wallet=$8, required_skills=$9, status=$10, assigned_agent_id=$11, escrow_tx_hash=$12, deliverables=$13,
  deadline=$14, bid_count=$15, workflow_id=$16, step_index=$17, step_context=$18, created_at=$19, updated_at=$20,
  delivered_at=$21, completed_at=$22
WHERE id=$1`, args...)
	if err != nil {
		return mapPGError(err, ErrTaskNotFound)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (t *pgTx) ListTasks(filter marketplace.TaskFilter) ([]marketplace.Task, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status=$%d", string(filter.Status))
	}
	if filter.PostedBy != "" {
		kind, id, ok := strings.Cut(filter.PostedBy, ":")
		if ok {
			add("posted_by_kind=$%d", kind)
			add("posted_by_id=$%d", id)
		} else {
			add("posted_by_id=$%d", filter.PostedBy)
		}
	}
	if filter.AssignedTo != "" {
		add("assigned_agent_id=$%d", filter.AssignedTo)
	}
	if filter.WorkflowID != "" {
		add("workflow_id=$%d", filter.WorkflowID)
	}
	if filter.Skill != "" {
		add("$%d = ANY(required_skills)", strings.ToLower(filter.Skill))
	}
	query := `SELECT ` + taskColumns + ` FROM market_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}
	rows, err := t.tx.Query(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []marketplace.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (t *pgTx) CountTasksForIdentity(ref marketplace.IdentityRef, excludeTaskID string) (int, error) {
	var n int
	err := t.tx.QueryRow(t.ctx, `
SELECT COUNT(*) FROM market_tasks
WHERE id <> $3
  AND ((posted_by_kind=$1 AND posted_by_id=$2) OR ($1='agent' AND assigned_agent_id=$2))
`, string(ref.Kind), ref.ID, excludeTaskID).Scan(&n)
	return n, err
}

// --- bids

const bidColumns = `id, task_id, agent_id, amount, proposal, estimated_hours, status, created_at, updated_at`

func scanBid(row rowScanner) (marketplace.Bid, error) {
	var b marketplace.Bid
	var amount int64
	var status string
	if err := row.Scan(&b.ID, &b.TaskID, &b.AgentID, &amount, &b.Proposal, &b.EstimatedHours, &status, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return marketplace.Bid{}, err
	}
	b.Amount = marketplace.USDC(amount)
	b.Status = marketplace.BidStatus(status)
	return b, nil
}

func (t *pgTx) InsertBid(b marketplace.Bid) error {
	_, err := t.tx.Exec(t.ctx, `INSERT INTO market_bids (`+bidColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.TaskID, b.AgentID, int64(b.Amount), b.Proposal, b.EstimatedHours, string(b.Status), b.CreatedAt, b.UpdatedAt)
	return mapPGError(err, ErrBidNotFound)
}

func (t *pgTx) GetBid(id string) (marketplace.Bid, error) {
	b, err := scanBid(t.tx.QueryRow(t.ctx, `SELECT `+bidColumns+` FROM market_bids WHERE id=$1`+t.forUpdate(), id))
	return b, mapPGError(err, ErrBidNotFound)
}

func (t *pgTx) UpdateBid(b marketplace.Bid) error {
	tag, err := t.tx.Exec(t.ctx, `UPDATE market_bids SET amount=$2, proposal=$3, estimated_hours=$4, status=$5, updated_at=$6 WHERE id=$1`,
		b.ID, int64(b.Amount), b.Proposal, b.EstimatedHours, string(b.Status), b.UpdatedAt)
	if err != nil {
		return mapPGError(err, ErrBidNotFound)
	}
	if tag.RowsAffected() == 0 {
		return ErrBidNotFound
	}
	return nil
}

func (t *pgTx) ListBids(taskID string) ([]marketplace.Bid, error) {
	rows, err := t.tx.Query(t.ctx, `SELECT `+bidColumns+` FROM market_bids WHERE task_id=$1 ORDER BY created_at, id`+t.forUpdate(), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []marketplace.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- transactions

const txColumns = `id, task_id, type, from_address, to_address, amount, tx_hash, status, attempts, last_error, created_at, confirmed_at`

func scanTransaction(row rowScanner) (marketplace.Transaction, error) {
	var tr marketplace.Transaction
	var amount int64
	var typ, status string
	if err := row.Scan(&tr.ID, &tr.TaskID, &typ, &tr.FromAddress, &tr.ToAddress, &amount, &tr.TxHash, &status, &tr.Attempts, &tr.LastError, &tr.CreatedAt, &tr.ConfirmedAt); err != nil {
		return marketplace.Transaction{}, err
	}
	tr.Amount = marketplace.USDC(amount)
	tr.Type = marketplace.TransactionType(typ)
	tr.Status = marketplace.TransactionStatus(status)
	return tr, nil
}

func (t *pgTx) InsertTransaction(tr marketplace.Transaction) error {
	_, err := t.tx.Exec(t.ctx, `INSERT INTO market_transactions (`+txColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		tr.ID, tr.TaskID, string(tr.Type), tr.FromAddress, tr.ToAddress, int64(tr.Amount), tr.TxHash, string(tr.Status),
		tr.Attempts, tr.LastError, tr.CreatedAt, tr.ConfirmedAt)
	return mapPGError(err, ErrTransactionNotFound)
}

func (t *pgTx) UpdateTransaction(tr marketplace.Transaction) error {
	tag, err := t.tx.Exec(t.ctx, `
UPDATE market_transactions SET tx_hash=$2, status=$3, attempts=$4, last_error=$5, confirmed_at=$6
WHERE id=$1 AND status <> 'confirmed'`,
		tr.ID, tr.TxHash, string(tr.Status), tr.Attempts, tr.LastError, tr.ConfirmedAt)
	if err != nil {
		return mapPGError(err, ErrTransactionNotFound)
	}
	if tag.RowsAffected() == 0 {
		if _, err := t.GetTransaction(tr.ID); err != nil {
			return err
		}
		return ErrConfirmedImmutable
	}
	return nil
}

func (t *pgTx) GetTransaction(id string) (marketplace.Transaction, error) {
	tr, err := scanTransaction(t.tx.QueryRow(t.ctx, `SELECT `+txColumns+` FROM market_transactions WHERE id=$1`+t.forUpdate(), id))
	return tr, mapPGError(err, ErrTransactionNotFound)
}

func (t *pgTx) ListTransactions(filter marketplace.TransactionFilter) ([]marketplace.Transaction, error) {
	var where []string
	var args []any
	if filter.TaskID != "" {
		args = append(args, filter.TaskID)
		where = append(where, fmt.Sprintf("task_id=$%d", len(args)))
	}
	if filter.TxHash != "" {
		args = append(args, filter.TxHash)
		where = append(where, fmt.Sprintf("tx_hash=$%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("type=$%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.MaxAttempts > 0 {
		args = append(args, filter.MaxAttempts)
		where = append(where, fmt.Sprintf("attempts < $%d", len(args)))
	}
	query := `SELECT ` + txColumns + ` FROM market_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	rows, err := t.tx.Query(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []marketplace.Transaction
	for rows.Next() {
		tr, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// --- disputes

const disputeColumns = `id, task_id, raised_by_kind, raised_by_id, raised_by_party, reason, description, evidence, status,
response_deadline, resolution, refund_percentage, resolved_by, recommendation, prior_task_status, created_at, resolved_at`

func scanDispute(row rowScanner) (marketplace.Dispute, error) {
	var d marketplace.Dispute
	var kind, party, reason, status, resolution, prior string
	var evidenceJSON, recJSON []byte
	if err := row.Scan(&d.ID, &d.TaskID, &kind, &d.RaisedBy.ID, &party, &reason, &d.Description, &evidenceJSON, &status,
		&d.ResponseDeadline, &resolution, &d.RefundPercentage, &d.ResolvedBy, &recJSON, &prior, &d.CreatedAt, &d.ResolvedAt); err != nil {
		return marketplace.Dispute{}, err
	}
	d.RaisedBy.Kind = marketplace.IdentityKind(kind)
	d.RaisedByParty = marketplace.Party(party)
	d.Reason = marketplace.DisputeReason(reason)
	d.Status = marketplace.DisputeStatus(status)
	d.Resolution = marketplace.Resolution(resolution)
	d.PriorTaskStatus = marketplace.TaskStatus(prior)
	if len(evidenceJSON) > 0 {
		if err := json.Unmarshal(evidenceJSON, &d.Evidence); err != nil {
			return marketplace.Dispute{}, fmt.Errorf("decode evidence for %s: %w", d.ID, err)
		}
	}
	if len(recJSON) > 0 {
		var v marketplace.Verdict
		if err := json.Unmarshal(recJSON, &v); err != nil {
			return marketplace.Dispute{}, fmt.Errorf("decode recommendation for %s: %w", d.ID, err)
		}
		d.Recommendation = &v
	}
	return d, nil
}

func disputeArgs(d marketplace.Dispute) ([]any, error) {
	evidence := d.Evidence
	if evidence == nil {
		evidence = []marketplace.EvidenceEntry{}
	}
	ev, err := marshalJSON(evidence)
	if err != nil {
		return nil, err
	}
	var rec *string
	if d.Recommendation != nil {
		if rec, err = marshalJSON(d.Recommendation); err != nil {
			return nil, err
		}
	}
	return []any{
		d.ID, d.TaskID, string(d.RaisedBy.Kind), d.RaisedBy.ID, string(d.RaisedByParty), string(d.Reason), d.Description, ev, string(d.Status),
		d.ResponseDeadline, string(d.Resolution), d.RefundPercentage, d.ResolvedBy, rec, string(d.PriorTaskStatus), d.CreatedAt, d.ResolvedAt,
	}, nil
}

func (t *pgTx) InsertDispute(d marketplace.Dispute) error {
	args, err := disputeArgs(d)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.ctx, `INSERT INTO market_disputes (`+disputeColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`, args...)
	return mapPGError(err, ErrDisputeNotFound)
}

func (t *pgTx) GetDispute(id string) (marketplace.Dispute, error) {
	d, err := scanDispute(t.tx.QueryRow(t.ctx, `SELECT `+disputeColumns+` FROM market_disputes WHERE id=$1`+t.forUpdate(), id))
	return d, mapPGError(err, ErrDisputeNotFound)
}

func (t *pgTx) UpdateDispute(d marketplace.Dispute) error {
	args, err := disputeArgs(d)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(t.ctx, `
UPDATE market_disputes SET task_id=$2, raised_by_kind=$3, raised_by_id=$4, raised_by_party=$5, reason=$6, description=$7,
  evidence=$8, status=$9, response_deadline=$10, resolution=$11, refund_percentage=$12, resolved_by=$13,
  recommendation=$14, prior_task_status=$15, created_at=$16, resolved_at=$17
WHERE id=$1`, args...)
	if err != nil {
		return mapPGError(err, ErrDisputeNotFound)
	}
	if tag.RowsAffected() == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (t *pgTx) ActiveDisputeForTask(taskID string) (marketplace.Dispute, error) {
	d, err := scanDispute(t.tx.QueryRow(t.ctx, `SELECT `+disputeColumns+` FROM market_disputes
WHERE task_id=$1 AND status IN ('open','reviewing')`+t.forUpdate(), taskID))
	return d, mapPGError(err, ErrDisputeNotFound)
}

func (t *pgTx) ListDisputes(filter marketplace.DisputeFilter) ([]marketplace.Dispute, error) {
	var where []string
	var args []any
	if filter.TaskID != "" {
		args = append(args, filter.TaskID)
		where = append(where, fmt.Sprintf("task_id=$%d", len(args)))
	}
	if filter.Active {
		where = append(where, "status IN ('open','reviewing')")
	}
	if filter.DeadlineBefore != nil {
		args = append(args, *filter.DeadlineBefore)
		where = append(where, fmt.Sprintf("response_deadline < $%d", len(args)))
	}
	query := `SELECT ` + disputeColumns + ` FROM market_disputes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	rows, err := t.tx.Query(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []marketplace.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- workflows

const workflowColumns = `id, created_by_kind, created_by_id, creator_wallet, name, description, status, steps, current_step,
total_steps, total_budget, cancel_reason, created_at, updated_at, completed_at`

func scanWorkflow(row rowScanner) (marketplace.Workflow, error) {
	var w marketplace.Workflow
	var kind, status string
	var stepsJSON []byte
	var budget int64
	if err := row.Scan(&w.ID, &kind, &w.CreatedBy.ID, &w.CreatorWallet, &w.Name, &w.Description, &status, &stepsJSON, &w.CurrentStep,
		&w.TotalSteps, &budget, &w.CancelReason, &w.CreatedAt, &w.UpdatedAt, &w.CompletedAt); err != nil {
		return marketplace.Workflow{}, err
	}
	w.CreatedBy.Kind = marketplace.IdentityKind(kind)
	w.Status = marketplace.WorkflowStatus(status)
	w.TotalBudget = marketplace.USDC(budget)
	if err := json.Unmarshal(stepsJSON, &w.Steps); err != nil {
		return marketplace.Workflow{}, fmt.Errorf("decode steps for %s: %w", w.ID, err)
	}
	return w, nil
}

func workflowArgs(w marketplace.Workflow) ([]any, error) {
	steps, err := marshalJSON(w.Steps)
	if err != nil {
		return nil, err
	}
	return []any{
		w.ID, string(w.CreatedBy.Kind), w.CreatedBy.ID, w.CreatorWallet, w.Name, w.Description, string(w.Status), steps, w.CurrentStep,
		w.TotalSteps, int64(w.TotalBudget), w.CancelReason, w.CreatedAt, w.UpdatedAt, w.CompletedAt,
	}, nil
}

func (t *pgTx) InsertWorkflow(w marketplace.Workflow) error {
	args, err := workflowArgs(w)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.ctx, `INSERT INTO market_workflows (`+workflowColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`, args...)
	return mapPGError(err, ErrWorkflowNotFound)
}

func (t *pgTx) GetWorkflow(id string) (marketplace.Workflow, error) {
	w, err := scanWorkflow(t.tx.QueryRow(t.ctx, `SELECT `+workflowColumns+` FROM market_workflows WHERE id=$1`+t.forUpdate(), id))
	return w, mapPGError(err, ErrWorkflowNotFound)
}

func (t *pgTx) UpdateWorkflow(w marketplace.Workflow) error {
	args, err := workflowArgs(w)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(t.ctx, `
UPDATE market_workflows SET created_by_kind=$2, created_by_id=$3, creator_wallet=$4, name=$5, description=$6, status=$7,
  steps=$8, current_step=$9, total_steps=$10, total_budget=$11, cancel_reason=$12, created_at=$13, updated_at=$14, completed_at=$15
WHERE id=$1`, args...)
	if err != nil {
		return mapPGError(err, ErrWorkflowNotFound)
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

func (t *pgTx) ListWorkflows(filter marketplace.WorkflowFilter) ([]marketplace.Workflow, error) {
	var where []string
	var args []any
	if filter.CreatedBy != "" {
		kind, id, ok := strings.Cut(filter.CreatedBy, ":")
		if ok {
			args = append(args, kind, id)
			where = append(where, fmt.Sprintf("created_by_kind=$%d AND created_by_id=$%d", len(args)-1, len(args)))
		} else {
			args = append(args, filter.CreatedBy)
			where = append(where, fmt.Sprintf("created_by_id=$%d", len(args)))
		}
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	query := `SELECT ` + workflowColumns + ` FROM market_workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	rows, err := t.tx.Query(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []marketplace.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- trust scores

func (t *pgTx) GetTrustScore(subject string, role marketplace.Party) (marketplace.TrustScore, error) {
	s := marketplace.TrustScore{Subject: subject, Role: role}
	err := t.tx.QueryRow(t.ctx, `
SELECT score, completed_tasks, disputes_won, disputes_lost, updated_at
FROM market_trust_scores WHERE subject=$1 AND role=$2`+t.forUpdate(), subject, string(role)).
		Scan(&s.Score, &s.CompletedTasks, &s.DisputesWon, &s.DisputesLost, &s.UpdatedAt)
	if err != nil {
		return marketplace.TrustScore{}, mapPGError(err, ErrTrustScoreNotFound)
	}
	return s, nil
}

func (t *pgTx) PutTrustScore(s marketplace.TrustScore) error {
	_, err := t.tx.Exec(t.ctx, `
INSERT INTO market_trust_scores (subject, role, score, completed_tasks, disputes_won, disputes_lost, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (subject, role) DO UPDATE SET score=$3, completed_tasks=$4, disputes_won=$5, disputes_lost=$6, updated_at=$7
`, s.Subject, string(s.Role), s.Score, s.CompletedTasks, s.DisputesWon, s.DisputesLost, s.UpdatedAt)
	return err
}

// --- notifications

func (t *pgTx) InsertNotification(n marketplace.Notification) error {
	payload, err := marshalJSON(n.Payload)
	if err != nil {
		return err
	}
	if n.Payload == nil {
		payload = nil
	}
	_, err = t.tx.Exec(t.ctx, `
INSERT INTO market_notifications (id, recipient_kind, recipient_id, type, title, body, payload, read, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		n.ID, string(n.Recipient.Kind), n.Recipient.ID, string(n.Type), n.Title, n.Body, payload, n.Read, n.CreatedAt)
	return mapPGError(err, ErrNotificationNotFound)
}

func (t *pgTx) ListNotifications(recipient marketplace.IdentityRef, unreadOnly bool) ([]marketplace.Notification, error) {
	query := `
SELECT id, type, title, body, payload, read, created_at FROM market_notifications
WHERE recipient_kind=$1 AND recipient_id=$2`
	if unreadOnly {
		query += ` AND NOT read`
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := t.tx.Query(t.ctx, query, string(recipient.Kind), recipient.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []marketplace.Notification
	for rows.Next() {
		n := marketplace.Notification{Recipient: recipient}
		var typ string
		var payload []byte
		if err := rows.Scan(&n.ID, &typ, &n.Title, &n.Body, &payload, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Type = marketplace.EventType(typ)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &n.Payload); err != nil {
				log.Printf("notification %s: bad payload: %v", n.ID, err)
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *pgTx) MarkNotificationRead(recipient marketplace.IdentityRef, id string) error {
	tag, err := t.tx.Exec(t.ctx, `UPDATE market_notifications SET read=TRUE WHERE id=$1 AND recipient_kind=$2 AND recipient_id=$3`,
		id, string(recipient.Kind), recipient.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// pgNow is used by the Postgres limiter so every instance agrees on the clock.
func pgNow(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}) (time.Time, error) {
	var now time.Time
	if err := q.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, err
	}
	return now, nil
}
