package marketplace

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"agentwork-backend/core/marketplace"
)

// table is one entity map. Rows are cloned on the way in and out so callers never alias stored slices.
type table[T any] struct {
	rows  map[string]T
	clone func(T) T
}

func newTable[T any](clone func(T) T) *table[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	return &table[T]{rows: make(map[string]T), clone: clone}
}

// overlay buffers writes made inside a transaction. They reach the table only on commit.
type overlay[T any] struct {
	base  *table[T]
	dirty map[string]T
}

func newOverlay[T any](base *table[T]) *overlay[T] {
	return &overlay[T]{base: base, dirty: make(map[string]T)}
}

func (o *overlay[T]) get(id string) (T, bool) {
	if v, ok := o.dirty[id]; ok {
		return o.base.clone(v), true
	}
	v, ok := o.base.rows[id]
	if !ok {
		return v, false
	}
	return o.base.clone(v), true
}

func (o *overlay[T]) put(id string, v T) {
	o.dirty[id] = o.base.clone(v)
}

func (o *overlay[T]) all() []T {
	out := make([]T, 0, len(o.base.rows)+len(o.dirty))
	for id, v := range o.base.rows {
		if d, ok := o.dirty[id]; ok {
			v = d
		}
		out = append(out, o.base.clone(v))
	}
	for id, v := range o.dirty {
		if _, ok := o.base.rows[id]; !ok {
			out = append(out, o.base.clone(v))
		}
	}
	return out
}

func (o *overlay[T]) commit() {
	for id, v := range o.dirty {
		o.base.rows[id] = v
	}
}

// MemoryStore keeps the ledger in process. A single RWMutex serialises writers, so every
// WithTx callback observes and mutates a consistent snapshot.
type MemoryStore struct {
	mu            sync.RWMutex
	agents        *table[marketplace.Agent]
	tasks         *table[marketplace.Task]
	bids          *table[marketplace.Bid]
	transactions  *table[marketplace.Transaction]
	disputes      *table[marketplace.Dispute]
	workflows     *table[marketplace.Workflow]
	trust         *table[marketplace.TrustScore]
	notifications *table[marketplace.Notification]
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:       newTable(marketplace.Agent.Clone),
		tasks:        newTable(marketplace.Task.Clone),
		bids:         newTable[marketplace.Bid](nil),
		transactions: newTable(func(t marketplace.Transaction) marketplace.Transaction {
			t.ConfirmedAt = cloneTimePtr(t.ConfirmedAt)
			return t
		}),
		disputes:  newTable(marketplace.Dispute.Clone),
		workflows: newTable(marketplace.Workflow.Clone),
		trust:     newTable[marketplace.TrustScore](nil),
		notifications: newTable(func(n marketplace.Notification) marketplace.Notification {
			if n.Payload != nil {
				p := make(map[string]string, len(n.Payload))
				for k, v := range n.Payload {
					p[k] = v
				}
				n.Payload = p
			}
			return n
		}),
	}
}

// WithTx implements Store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.begin(false)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// View implements Store.
func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.begin(true))
}

// Close implements Store.
func (s *MemoryStore) Close() {}

func (s *MemoryStore) begin(readOnly bool) *memTx {
	return &memTx{
		readOnly:      readOnly,
		agents:        newOverlay(s.agents),
		tasks:         newOverlay(s.tasks),
		bids:          newOverlay(s.bids),
		transactions:  newOverlay(s.transactions),
		disputes:      newOverlay(s.disputes),
		workflows:     newOverlay(s.workflows),
		trust:         newOverlay(s.trust),
		notifications: newOverlay(s.notifications),
	}
}

type memTx struct {
	readOnly      bool
	agents        *overlay[marketplace.Agent]
	tasks         *overlay[marketplace.Task]
	bids          *overlay[marketplace.Bid]
	transactions  *overlay[marketplace.Transaction]
	disputes      *overlay[marketplace.Dispute]
	workflows     *overlay[marketplace.Workflow]
	trust         *overlay[marketplace.TrustScore]
	notifications *overlay[marketplace.Notification]
}

func (tx *memTx) commit() {
	tx.agents.commit()
	tx.tasks.commit()
	tx.bids.commit()
	tx.transactions.commit()
	tx.disputes.commit()
	tx.workflows.commit()
	tx.trust.commit()
	tx.notifications.commit()
}

func (tx *memTx) writable() error {
	if tx.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (tx *memTx) GetAgent(id string) (marketplace.Agent, error) {
	a, ok := tx.agents.get(id)
	if !ok {
		return marketplace.Agent{}, ErrAgentNotFound
	}
	return a, nil
}

func (tx *memTx) PutAgent(a marketplace.Agent) error {
	if err := tx.writable(); err != nil {
		return err
	}
	tx.agents.put(a.ID, a)
	return nil
}

func (tx *memTx) ListAgents(filter marketplace.AgentFilter) ([]marketplace.Agent, error) {
	var out []marketplace.Agent
	for _, a := range tx.agents.all() {
		if len(filter.Skills) > 0 && marketplace.SkillOverlap(a.Skills, filter.Skills) == 0 {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) GetTask(id string) (marketplace.Task, error) {
	t, ok := tx.tasks.get(id)
	if !ok {
		return marketplace.Task{}, ErrTaskNotFound
	}
	return t, nil
}

func (tx *memTx) InsertTask(t marketplace.Task) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.tasks.get(t.ID); ok {
		return ErrDuplicateID
	}
	tx.tasks.put(t.ID, t)
	return nil
}

func (tx *memTx) UpdateTask(t marketplace.Task) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.tasks.get(t.ID); !ok {
		return ErrTaskNotFound
	}
	tx.tasks.put(t.ID, t)
	return nil
}

func (tx *memTx) ListTasks(filter marketplace.TaskFilter) ([]marketplace.Task, error) {
	var out []marketplace.Task
	for _, t := range tx.tasks.all() {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.PostedBy != "" && t.PostedBy.String() != filter.PostedBy && t.PostedBy.ID != filter.PostedBy {
			continue
		}
		if filter.AssignedTo != "" && t.AssignedAgentID != filter.AssignedTo {
			continue
		}
		if filter.WorkflowID != "" && t.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Skill != "" && !slices.ContainsFunc(t.RequiredSkills, func(s string) bool { return strings.EqualFold(s, filter.Skill) }) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (tx *memTx) CountTasksForIdentity(ref marketplace.IdentityRef, excludeTaskID string) (int, error) {
	n := 0
	for _, t := range tx.tasks.all() {
		if t.ID == excludeTaskID {
			continue
		}
		if t.PostedBy == ref || (ref.Kind == marketplace.KindAgent && t.AssignedAgentID == ref.ID) {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) InsertBid(b marketplace.Bid) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.bids.get(b.ID); ok {
		return ErrDuplicateID
	}
	for _, existing := range tx.bids.all() {
		if existing.TaskID == b.TaskID && existing.AgentID == b.AgentID {
			return ErrDuplicateBid
		}
	}
	tx.bids.put(b.ID, b)
	return nil
}

func (tx *memTx) GetBid(id string) (marketplace.Bid, error) {
	b, ok := tx.bids.get(id)
	if !ok {
		return marketplace.Bid{}, ErrBidNotFound
	}
	return b, nil
}

func (tx *memTx) UpdateBid(b marketplace.Bid) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.bids.get(b.ID); !ok {
		return ErrBidNotFound
	}
	tx.bids.put(b.ID, b)
	return nil
}

func (tx *memTx) ListBids(taskID string) ([]marketplace.Bid, error) {
	var out []marketplace.Bid
	for _, b := range tx.bids.all() {
		if b.TaskID == taskID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tx *memTx) InsertTransaction(t marketplace.Transaction) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.transactions.get(t.ID); ok {
		return ErrDuplicateID
	}
	tx.transactions.put(t.ID, t)
	return nil
}

func (tx *memTx) UpdateTransaction(t marketplace.Transaction) error {
	if err := tx.writable(); err != nil {
		return err
	}
	existing, ok := tx.transactions.get(t.ID)
	if !ok {
		return ErrTransactionNotFound
	}
	if existing.Status == marketplace.TxConfirmed {
		return ErrConfirmedImmutable
	}
	tx.transactions.put(t.ID, t)
	return nil
}

func (tx *memTx) GetTransaction(id string) (marketplace.Transaction, error) {
	t, ok := tx.transactions.get(id)
	if !ok {
		return marketplace.Transaction{}, ErrTransactionNotFound
	}
	return t, nil
}

func (tx *memTx) ListTransactions(filter marketplace.TransactionFilter) ([]marketplace.Transaction, error) {
	var out []marketplace.Transaction
	for _, t := range tx.transactions.all() {
		if filter.TaskID != "" && t.TaskID != filter.TaskID {
			continue
		}
		if filter.TxHash != "" && t.TxHash != filter.TxHash {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, t.Status) {
			continue
		}
		if filter.MaxAttempts > 0 && t.Attempts >= filter.MaxAttempts {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tx *memTx) InsertDispute(d marketplace.Dispute) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.disputes.get(d.ID); ok {
		return ErrDuplicateID
	}
	if d.IsActive() {
		if _, err := tx.ActiveDisputeForTask(d.TaskID); err == nil {
			return ErrActiveDispute
		}
	}
	tx.disputes.put(d.ID, d)
	return nil
}

func (tx *memTx) GetDispute(id string) (marketplace.Dispute, error) {
	d, ok := tx.disputes.get(id)
	if !ok {
		return marketplace.Dispute{}, ErrDisputeNotFound
	}
	return d, nil
}

func (tx *memTx) UpdateDispute(d marketplace.Dispute) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.disputes.get(d.ID); !ok {
		return ErrDisputeNotFound
	}
	if d.IsActive() {
		if other, err := tx.ActiveDisputeForTask(d.TaskID); err == nil && other.ID != d.ID {
			return ErrActiveDispute
		}
	}
	tx.disputes.put(d.ID, d)
	return nil
}

func (tx *memTx) ActiveDisputeForTask(taskID string) (marketplace.Dispute, error) {
	for _, d := range tx.disputes.all() {
		if d.TaskID == taskID && d.IsActive() {
			return d, nil
		}
	}
	return marketplace.Dispute{}, ErrDisputeNotFound
}

func (tx *memTx) ListDisputes(filter marketplace.DisputeFilter) ([]marketplace.Dispute, error) {
	var out []marketplace.Dispute
	for _, d := range tx.disputes.all() {
		if filter.TaskID != "" && d.TaskID != filter.TaskID {
			continue
		}
		if filter.Active && !d.IsActive() {
			continue
		}
		if filter.DeadlineBefore != nil && !d.ResponseDeadline.Before(*filter.DeadlineBefore) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tx *memTx) InsertWorkflow(w marketplace.Workflow) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.workflows.get(w.ID); ok {
		return ErrDuplicateID
	}
	tx.workflows.put(w.ID, w)
	return nil
}

func (tx *memTx) GetWorkflow(id string) (marketplace.Workflow, error) {
	w, ok := tx.workflows.get(id)
	if !ok {
		return marketplace.Workflow{}, ErrWorkflowNotFound
	}
	return w, nil
}

func (tx *memTx) UpdateWorkflow(w marketplace.Workflow) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.workflows.get(w.ID); !ok {
		return ErrWorkflowNotFound
	}
	tx.workflows.put(w.ID, w)
	return nil
}

func (tx *memTx) ListWorkflows(filter marketplace.WorkflowFilter) ([]marketplace.Workflow, error) {
	var out []marketplace.Workflow
	for _, w := range tx.workflows.all() {
		if filter.CreatedBy != "" && w.CreatedBy.String() != filter.CreatedBy && w.CreatedBy.ID != filter.CreatedBy {
			continue
		}
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func trustKey(subject string, role marketplace.Party) string {
	return string(role) + "|" + subject
}

func (tx *memTx) GetTrustScore(subject string, role marketplace.Party) (marketplace.TrustScore, error) {
	s, ok := tx.trust.get(trustKey(subject, role))
	if !ok {
		return marketplace.TrustScore{}, ErrTrustScoreNotFound
	}
	return s, nil
}

func (tx *memTx) PutTrustScore(s marketplace.TrustScore) error {
	if err := tx.writable(); err != nil {
		return err
	}
	tx.trust.put(trustKey(s.Subject, s.Role), s)
	return nil
}

func (tx *memTx) InsertNotification(n marketplace.Notification) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.notifications.get(n.ID); ok {
		return ErrDuplicateID
	}
	tx.notifications.put(n.ID, n)
	return nil
}

func (tx *memTx) ListNotifications(recipient marketplace.IdentityRef, unreadOnly bool) ([]marketplace.Notification, error) {
	var out []marketplace.Notification
	for _, n := range tx.notifications.all() {
		if n.Recipient != recipient || (unreadOnly && n.Read) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tx *memTx) MarkNotificationRead(recipient marketplace.IdentityRef, id string) error {
	if err := tx.writable(); err != nil {
		return err
	}
	n, ok := tx.notifications.get(id)
	if !ok || n.Recipient != recipient {
		return ErrNotificationNotFound
	}
	n.Read = true
	tx.notifications.put(id, n)
	return nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
