package marketplace

import (
	"bytes"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkflowDefinition is the YAML form of a workflow.
//
//	name: research-report
//	description: collect, analyse, write
//	steps:
//	  - title: Collect sources
//	    budget: "25"
//	    skills: [research]
//	  - title: Write report
//	    budget: "40.5"
//	    skills: [writing]
type WorkflowDefinition struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Steps       []WorkflowStep `yaml:"steps"`
}

// ParseWorkflowDefinition decodes and validates a YAML definition. Unknown keys are rejected.
func ParseWorkflowDefinition(data []byte) (WorkflowDefinition, error) {
	var def WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return WorkflowDefinition{}, Validationf("invalid workflow definition: %v", err)
	}
	if err := def.Validate(time.Now()); err != nil {
		return WorkflowDefinition{}, err
	}
	return def, nil
}

// Validate normalises the definition in place.
func (d *WorkflowDefinition) Validate(now time.Time) error {
	var err error
	if d.Name, err = CleanText("workflow name", d.Name, MaxTaskTitle, true); err != nil {
		return err
	}
	if d.Description, err = CleanText("workflow description", d.Description, MaxTaskDescription, false); err != nil {
		return err
	}
	if len(d.Steps) == 0 {
		return Validationf("workflow needs at least one step")
	}
	if len(d.Steps) > MaxWorkflowSteps {
		return Validationf("workflow has %d steps, maximum is %d", len(d.Steps), MaxWorkflowSteps)
	}
	for i := range d.Steps {
		if err := d.Steps[i].Validate(now); err != nil {
			return Validationf("step %d: %s", i, reasonOf(err))
		}
	}
	return nil
}

// TotalBudget sums every step's budget.
func (d WorkflowDefinition) TotalBudget() USDC {
	var total USDC
	for _, s := range d.Steps {
		total += s.Budget
	}
	return total
}

// Validate applies task validation rules to a step.
func (s *WorkflowStep) Validate(now time.Time) error {
	if s.DeadlineHours < 0 {
		return Validationf("deadline_hours must not be negative")
	}
	in := TaskInput{
		Title:          s.Title,
		Description:    s.Description,
		Category:       s.Category,
		Budget:         s.Budget,
		RequiredSkills: s.RequiredSkills,
	}
	if err := in.Validate(now); err != nil {
		return err
	}
	s.Title, s.Description, s.Category = in.Title, in.Description, in.Category
	s.RequiredSkills = in.RequiredSkills
	s.State = StepPending
	s.TaskID = ""
	return nil
}

// TaskInput converts the step into a task request with its deadline resolved against now.
func (s WorkflowStep) TaskInput(now time.Time) TaskInput {
	in := TaskInput{
		Title:          s.Title,
		Description:    s.Description,
		Category:       s.Category,
		Budget:         s.Budget,
		RequiredSkills: append([]string(nil), s.RequiredSkills...),
	}
	if s.DeadlineHours > 0 {
		dl := now.Add(time.Duration(s.DeadlineHours) * time.Hour)
		in.Deadline = &dl
	}
	return in
}

func reasonOf(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Reason
	}
	return err.Error()
}
