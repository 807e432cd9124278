package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"agentwork-backend/core/marketplace"
	"agentwork-backend/services"
)

const systemPrompt = `You are an impartial arbiter for a freelance work marketplace. A poster hired an agent
to complete a task and the two now disagree. Read the task, the deliverables and the evidence from
both sides, then recommend how the escrowed budget should be split.

Resolutions:
- full_refund: the poster gets the whole budget back.
- agent_paid: the agent is paid in full.
- partial_refund or split: the poster gets refund_percentage percent back and the agent the rest.

Return ONLY a JSON object with this exact structure:
{"resolution": "<full_refund|agent_paid|partial_refund|split>", "refund_percentage": <0-100>,
 "confidence": <0.0-1.0>, "rationale": "<two or three sentences>"}
No markdown fences, no commentary outside the JSON.`

// maxPromptEvidence caps how much evidence text goes into one prompt.
const maxPromptEvidence = 40_000

// Anthropic asks a Claude model for a verdict.
type Anthropic struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropic creates the oracle. apiKey defaults to ANTHROPIC_API_KEY; model defaults to Claude Sonnet.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) (*Anthropic, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}
	inner := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)

	m := anthropic.ModelClaudeSonnet4_20250514
	if model != "" {
		m = anthropic.Model(model)
	}
	return &Anthropic{inner: inner, model: m, maxTokens: 1024}, nil
}

// Judge implements services.VerdictOracle.
func (a *Anthropic) Judge(ctx context.Context, req services.JudgeRequest) (marketplace.Verdict, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return marketplace.Verdict{}, err
	}
	resp, err := a.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return marketplace.Verdict{}, fmt.Errorf("claude API call: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	v, err := ParseVerdict(text)
	if err != nil {
		return marketplace.Verdict{}, fmt.Errorf("parse claude verdict: %w", err)
	}
	v.JudgedAt = time.Now().UTC()
	log.Printf("judge verdict for dispute %s: %s (%d%% refund, confidence %.2f, %d/%d tokens)",
		req.Dispute.ID, v.Resolution, v.RefundPercentage, v.Confidence, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return v, nil
}

type promptEvidence struct {
	Party string   `json:"party"`
	Text  string   `json:"text"`
	Links []string `json:"links,omitempty"`
}

type promptCase struct {
	Title          string                    `json:"title"`
	Description    string                    `json:"description"`
	Budget         string                    `json:"budget_usdc"`
	RequiredSkills []string                  `json:"required_skills,omitempty"`
	Deliverables   *marketplace.Deliverables `json:"deliverables,omitempty"`
	RaisedBy       string                    `json:"raised_by"`
	Reason         string                    `json:"reason"`
	Complaint      string                    `json:"complaint"`
	Evidence       []promptEvidence          `json:"evidence"`
}

func buildPrompt(req services.JudgeRequest) (string, error) {
	c := promptCase{
		Title:          req.Task.Title,
		Description:    req.Task.Description,
		Budget:         req.Task.Budget.String(),
		RequiredSkills: req.Task.RequiredSkills,
		Deliverables:   req.Task.Deliverables,
		RaisedBy:       string(req.Dispute.RaisedByParty),
		Reason:         string(req.Dispute.Reason),
		Complaint:      req.Dispute.Description,
	}
	size := 0
	for _, e := range req.Dispute.Evidence {
		size += len(e.Text)
		if size > maxPromptEvidence {
			break
		}
		c.Evidence = append(c.Evidence, promptEvidence{Party: string(e.Party), Text: e.Text, Links: e.Links})
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal dispute: %w", err)
	}
	var b strings.Builder
	b.WriteString("Here is the dispute:\n")
	b.Write(data)
	return b.String(), nil
}
