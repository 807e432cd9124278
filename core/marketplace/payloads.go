package marketplace

import (
	"strings"
	"time"
)

// Artifact is one output produced by an agent.
type Artifact struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Kind string `json:"kind,omitempty"`
}

// Deliverables is the typed payload an agent submits when finishing a task.
type Deliverables struct {
	Summary   string            `json:"summary"`
	Artifacts []Artifact        `json:"artifacts,omitempty"`
	Output    map[string]string `json:"output,omitempty"`
}

// Clone returns a deep copy of d.
func (d Deliverables) Clone() Deliverables {
	d.Artifacts = append([]Artifact(nil), d.Artifacts...)
	d.Output = cloneStringMap(d.Output)
	return d
}

// Validate normalises d in place and rejects empty or malformed payloads.
func (d *Deliverables) Validate() error {
	summary, err := CleanText("deliverables summary", d.Summary, MaxTaskDescription, false)
	if err != nil {
		return err
	}
	d.Summary = summary
	if len(d.Artifacts) > MaxArtifacts {
		return Validationf("at most %d artifacts allowed", MaxArtifacts)
	}
	for i := range d.Artifacts {
		a := &d.Artifacts[i]
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			return Validationf("artifact %d: name is required", i)
		}
		if err := ValidateLink(a.URL); err != nil {
			return Validationf("artifact %q: %s", a.Name, reasonOf(err))
		}
		a.URL = strings.TrimSpace(a.URL)
	}
	if d.Summary == "" && len(d.Artifacts) == 0 && len(d.Output) == 0 {
		return Validationf("deliverables must include a summary, artifacts or output")
	}
	return nil
}

// StepContext carries workflow state into a step's task.
type StepContext struct {
	Inputs               map[string]string `json:"inputs,omitempty"`
	PreviousStep         int               `json:"previous_step"`
	PreviousTaskID       string            `json:"previous_task_id,omitempty"`
	PreviousDeliverables *Deliverables     `json:"previous_deliverables,omitempty"`
}

// Clone returns a deep copy of c.
func (c StepContext) Clone() StepContext {
	c.Inputs = cloneStringMap(c.Inputs)
	if c.PreviousDeliverables != nil {
		d := c.PreviousDeliverables.Clone()
		c.PreviousDeliverables = &d
	}
	return c
}

// EvidenceInput is what a party submits to a dispute.
type EvidenceInput struct {
	Text  string   `json:"text"`
	Links []string `json:"links,omitempty"`
}

// Validate normalises e in place.
func (e *EvidenceInput) Validate() error {
	text, err := CleanText("evidence text", e.Text, MaxEvidenceText, false)
	if err != nil {
		return err
	}
	e.Text = text
	if len(e.Links) > MaxEvidenceLinks {
		return Validationf("at most %d evidence links allowed", MaxEvidenceLinks)
	}
	links := make([]string, 0, len(e.Links))
	for _, l := range e.Links {
		if err := ValidateLink(l); err != nil {
			return err
		}
		links = append(links, strings.TrimSpace(l))
	}
	e.Links = links
	if e.Text == "" && len(e.Links) == 0 {
		return Validationf("evidence must include text or links")
	}
	return nil
}

// IsZero reports whether nothing was submitted.
func (e EvidenceInput) IsZero() bool {
	return strings.TrimSpace(e.Text) == "" && len(e.Links) == 0
}

// Entry stamps the evidence with its submitter.
func (e EvidenceInput) Entry(by IdentityRef, party Party, at time.Time) EvidenceEntry {
	return EvidenceEntry{
		SubmittedBy: by,
		Party:       party,
		Text:        e.Text,
		Links:       append([]string(nil), e.Links...),
		SubmittedAt: at,
	}
}

// TaskInput is the validated form of a new task.
type TaskInput struct {
	Title          string
	Description    string
	Category       string
	Budget         USDC
	RequiredSkills []string
	Deadline       *time.Time
}

// Validate normalises in place. now is used for the deadline check.
func (in *TaskInput) Validate(now time.Time) error {
	var err error
	if in.Title, err = CleanText("title", in.Title, MaxTaskTitle, true); err != nil {
		return err
	}
	if in.Description, err = CleanText("description", in.Description, MaxTaskDescription, false); err != nil {
		return err
	}
	if in.Category, err = CleanText("category", in.Category, 64, false); err != nil {
		return err
	}
	in.Category = strings.ToLower(in.Category)
	if in.Budget <= 0 {
		return Validationf("budget must be positive")
	}
	if in.RequiredSkills, err = NormalizeSkills(in.RequiredSkills); err != nil {
		return err
	}
	if in.Deadline != nil && !in.Deadline.After(now) {
		return Validationf("deadline must be in the future")
	}
	return nil
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
