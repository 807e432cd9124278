package marketplace

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTaskTransitions(t *testing.T) {
	allowed := [][2]TaskStatus{
		{TaskOpen, TaskInProgress},
		{TaskOpen, TaskCancelled},
		{TaskInProgress, TaskReview},
		{TaskInProgress, TaskDisputed},
		{TaskReview, TaskCompleted},
		{TaskReview, TaskDisputed},
		{TaskDisputed, TaskRefunded},
	}
	for _, p := range allowed {
		if !p[0].CanTransition(p[1]) {
			t.Errorf("%s -> %s should be allowed", p[0], p[1])
		}
	}
	denied := [][2]TaskStatus{
		{TaskOpen, TaskReview},
		{TaskReview, TaskCancelled},
		{TaskDisputed, TaskInProgress},
		{TaskCompleted, TaskDisputed},
		{TaskRefunded, TaskCompleted},
	}
	for _, p := range denied {
		if p[0].CanTransition(p[1]) {
			t.Errorf("%s -> %s should be rejected", p[0], p[1])
		}
	}
}

func TestErrorKinds(t *testing.T) {
	err := Conflictf("task %s is not open", "t1")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict kind")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("conflict must not match not_found")
	}
	wrapped := errors.Join(errors.New("outer"), err)
	if KindOf(wrapped) != KindConflict {
		t.Errorf("KindOf wrapped = %s", KindOf(wrapped))
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Errorf("untyped errors are internal")
	}
	rl := RateLimited("bids", 90*time.Second)
	if RetryAfterOf(rl) != 90*time.Second || !errors.Is(rl, ErrRateLimited) {
		t.Errorf("rate limit error lost its hint: %v", rl)
	}
}

func TestTaskInputValidate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("normalises skills", func(t *testing.T) {
		in := TaskInput{Title: " Scrape site ", Budget: NewUSDC(5), RequiredSkills: []string{"Go", "go ", "Scraping", ""}}
		if err := in.Validate(now); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if in.Title != "Scrape site" {
			t.Errorf("title not trimmed: %q", in.Title)
		}
		if strings.Join(in.RequiredSkills, ",") != "go,scraping" {
			t.Errorf("skills = %v", in.RequiredSkills)
		}
	})

	rejects := map[string]TaskInput{
		"empty title":   {Budget: 1},
		"long title":    {Title: strings.Repeat("x", MaxTaskTitle+1), Budget: 1},
		"zero budget":   {Title: "t"},
		"script":        {Title: "<script>alert(1)</script>", Budget: 1},
		"past deadline": {Title: "t", Budget: 1, Deadline: func() *time.Time { d := now.Add(-time.Hour); return &d }()},
	}
	for name, in := range rejects {
		t.Run(name, func(t *testing.T) {
			if err := in.Validate(now); KindOf(err) != KindValidation {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestDeliverablesValidate(t *testing.T) {
	d := Deliverables{Summary: "done", Artifacts: []Artifact{{Name: "report", URL: "https://example.com/r.pdf"}}}
	if err := d.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := Deliverables{Artifacts: []Artifact{{Name: "x", URL: "ftp://example.com"}}}
	if err := bad.Validate(); KindOf(err) != KindValidation {
		t.Errorf("expected validation error for ftp link, got %v", err)
	}
	empty := Deliverables{}
	if err := empty.Validate(); err == nil {
		t.Errorf("empty deliverables should be rejected")
	}
}

func TestEvidenceValidate(t *testing.T) {
	e := EvidenceInput{Text: "never delivered", Links: []string{" https://example.com/log "}}
	if err := e.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Links[0] != "https://example.com/log" {
		t.Errorf("link not trimmed: %q", e.Links[0])
	}
	many := EvidenceInput{Text: "x"}
	for i := 0; i <= MaxEvidenceLinks; i++ {
		many.Links = append(many.Links, "https://example.com")
	}
	if err := many.Validate(); err == nil {
		t.Errorf("too many links should be rejected")
	}
}

func TestParseWorkflowDefinition(t *testing.T) {
	def, err := ParseWorkflowDefinition([]byte(`
name: research-report
steps:
  - title: Collect sources
    budget: "25"
    skills: [Research]
    inputs:
      topic: rollups
  - title: Write report
    budget: "40.5"
    skills: [writing]
    deadline_hours: 24
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(def.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(def.Steps))
	}
	if def.TotalBudget() != MustParseUSDC("65.5") {
		t.Errorf("total budget = %s", def.TotalBudget())
	}
	if def.Steps[0].RequiredSkills[0] != "research" || def.Steps[0].Inputs["topic"] != "rollups" {
		t.Errorf("step 0 not normalised: %+v", def.Steps[0])
	}
	if def.Steps[1].State != StepPending {
		t.Errorf("step state = %q", def.Steps[1].State)
	}

	t.Run("unknown field", func(t *testing.T) {
		_, err := ParseWorkflowDefinition([]byte("name: x\nsteps:\n  - title: a\n    budget: \"1\"\n    cost: 3\n"))
		if KindOf(err) != KindValidation {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("no steps", func(t *testing.T) {
		_, err := ParseWorkflowDefinition([]byte("name: x\n"))
		if KindOf(err) != KindValidation {
			t.Errorf("expected validation error, got %v", err)
		}
	})
}
