package marketplace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentwork-backend/core/marketplace"
)

func seedTask(t *testing.T, s Store, id string) marketplace.Task {
	t.Helper()
	task := marketplace.Task{
		ID:        id,
		Title:     "task " + id,
		Budget:    marketplace.NewUSDC(100),
		PostedBy:  marketplace.IdentityRef{Kind: marketplace.KindClient, ID: "poster"},
		Status:    marketplace.TaskOpen,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.WithTx(context.Background(), func(tx Tx) error { return tx.InsertTask(task) }); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func TestMemoryStoreRollback(t *testing.T) {
	s := NewMemoryStore()
	seedTask(t, s, "t1")

	boom := errors.New("boom")
	err := s.WithTx(context.Background(), func(tx Tx) error {
		task, err := tx.GetTask("t1")
		if err != nil {
			return err
		}
		task.Status = marketplace.TaskInProgress
		task.RequiredSkills = append(task.RequiredSkills, "go")
		if err := tx.UpdateTask(task); err != nil {
			return err
		}
		if err := tx.InsertBid(marketplace.Bid{ID: "b1", TaskID: "t1", AgentID: "a1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_ = s.View(context.Background(), func(tx Tx) error {
		task, err := tx.GetTask("t1")
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status != marketplace.TaskOpen || len(task.RequiredSkills) != 0 {
			t.Errorf("rolled back write leaked: %+v", task)
		}
		if _, err := tx.GetBid("b1"); !errors.Is(err, ErrBidNotFound) {
			t.Errorf("rolled back bid visible: %v", err)
		}
		return nil
	})
}

func TestMemoryStoreReadsAreCopies(t *testing.T) {
	s := NewMemoryStore()
	seedTask(t, s, "t1")
	_ = s.View(context.Background(), func(tx Tx) error {
		task, _ := tx.GetTask("t1")
		task.RequiredSkills = append(task.RequiredSkills, "mutated")
		again, _ := tx.GetTask("t1")
		if len(again.RequiredSkills) != 0 {
			t.Errorf("stored task aliased by caller")
		}
		return nil
	})
}

func TestMemoryStoreViewIsReadOnly(t *testing.T) {
	s := NewMemoryStore()
	err := s.View(context.Background(), func(tx Tx) error {
		return tx.PutAgent(marketplace.Agent{ID: "a1"})
	})
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected read-only error, got %v", err)
	}
}

func TestMemoryStoreDuplicateBid(t *testing.T) {
	s := NewMemoryStore()
	seedTask(t, s, "t1")

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- s.WithTx(context.Background(), func(tx Tx) error {
				return tx.InsertBid(marketplace.Bid{ID: "bid-" + string(rune('a'+i)), TaskID: "t1", AgentID: "agent-1"})
			})
		}(i)
	}
	wg.Wait()
	close(results)

	ok, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateBid) && marketplace.KindOf(err) == marketplace.KindConflict:
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 9 {
		t.Fatalf("expected 1 winner and 9 conflicts, got %d/%d", ok, conflicts)
	}
}

func TestMemoryStoreOneActiveDispute(t *testing.T) {
	s := NewMemoryStore()
	seedTask(t, s, "t1")
	insert := func(id string, status marketplace.DisputeStatus) error {
		return s.WithTx(context.Background(), func(tx Tx) error {
			return tx.InsertDispute(marketplace.Dispute{ID: id, TaskID: "t1", Status: status, CreatedAt: time.Now()})
		})
	}
	if err := insert("d1", marketplace.DisputeOpen); err != nil {
		t.Fatalf("first dispute: %v", err)
	}
	if err := insert("d2", marketplace.DisputeOpen); !errors.Is(err, ErrActiveDispute) {
		t.Fatalf("expected active dispute conflict, got %v", err)
	}
	if err := insert("d3", marketplace.DisputeResolved); err != nil {
		t.Fatalf("resolved disputes do not count: %v", err)
	}
}

func TestMemoryStoreConfirmedTransactionImmutable(t *testing.T) {
	s := NewMemoryStore()
	tr := marketplace.Transaction{ID: "tx1", TaskID: "t1", Type: marketplace.TxEscrowDeposit, Status: marketplace.TxConfirmed, Amount: 5}
	if err := s.WithTx(context.Background(), func(tx Tx) error { return tx.InsertTransaction(tr) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	tr.Amount = 6
	err := s.WithTx(context.Background(), func(tx Tx) error { return tx.UpdateTransaction(tr) })
	if !errors.Is(err, ErrConfirmedImmutable) {
		t.Fatalf("expected immutable error, got %v", err)
	}
}

func TestMemoryStoreListTasks(t *testing.T) {
	s := NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		seedTask(t, s, id)
	}
	_ = s.WithTx(context.Background(), func(tx Tx) error {
		task, _ := tx.GetTask("b")
		task.Status = marketplace.TaskInProgress
		task.RequiredSkills = []string{"go"}
		return tx.UpdateTask(task)
	})
	_ = s.View(context.Background(), func(tx Tx) error {
		open, _ := tx.ListTasks(marketplace.TaskFilter{Status: marketplace.TaskOpen})
		if len(open) != 2 {
			t.Errorf("expected 2 open tasks, got %d", len(open))
		}
		bySkill, _ := tx.ListTasks(marketplace.TaskFilter{Skill: "GO"})
		if len(bySkill) != 1 || bySkill[0].ID != "b" {
			t.Errorf("skill filter returned %+v", bySkill)
		}
		page, _ := tx.ListTasks(marketplace.TaskFilter{Limit: 1, Offset: 1})
		if len(page) != 1 {
			t.Errorf("expected one task in page, got %d", len(page))
		}
		poster := marketplace.IdentityRef{Kind: marketplace.KindClient, ID: "poster"}
		n, _ := tx.CountTasksForIdentity(poster, "")
		if n != 3 {
			t.Errorf("expected 3 tasks for poster, got %d", n)
		}
		n, _ = tx.CountTasksForIdentity(poster, "b")
		if n != 2 {
			t.Errorf("expected 2 tasks for poster without b, got %d", n)
		}
		return nil
	})
}

func TestMemoryStoreNotifications(t *testing.T) {
	s := NewMemoryStore()
	me := marketplace.IdentityRef{Kind: marketplace.KindAgent, ID: "a1"}
	other := marketplace.IdentityRef{Kind: marketplace.KindAgent, ID: "a2"}
	_ = s.WithTx(context.Background(), func(tx Tx) error {
		_ = tx.InsertNotification(marketplace.Notification{ID: "n1", Recipient: me, CreatedAt: time.Now()})
		return tx.InsertNotification(marketplace.Notification{ID: "n2", Recipient: other, CreatedAt: time.Now()})
	})
	err := s.WithTx(context.Background(), func(tx Tx) error { return tx.MarkNotificationRead(me, "n2") })
	if !errors.Is(err, ErrNotificationNotFound) {
		t.Fatalf("marking someone else's notification should fail, got %v", err)
	}
	if err := s.WithTx(context.Background(), func(tx Tx) error { return tx.MarkNotificationRead(me, "n1") }); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	_ = s.View(context.Background(), func(tx Tx) error {
		unread, _ := tx.ListNotifications(me, true)
		if len(unread) != 0 {
			t.Errorf("expected no unread notifications, got %d", len(unread))
		}
		return nil
	})
}
