// Package judge holds verdict oracles for disputes. Verdicts are recommendations; the dispute
// engine decides whether to apply them.
package judge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"agentwork-backend/core/marketplace"
	"agentwork-backend/services"
)

// Static returns the same verdict for every dispute. Useful for tests and dry runs.
type Static struct {
	Verdict marketplace.Verdict
	Err     error
}

// Judge implements services.VerdictOracle.
func (s Static) Judge(_ context.Context, _ services.JudgeRequest) (marketplace.Verdict, error) {
	if s.Err != nil {
		return marketplace.Verdict{}, s.Err
	}
	v := s.Verdict
	if v.JudgedAt.IsZero() {
		v.JudgedAt = time.Now().UTC()
	}
	return v, nil
}

// ParseVerdict reads a JSON verdict of the form
//
//	{"resolution": "split", "refund_percentage": 40, "confidence": 0.8, "rationale": "..."}
//
// Markdown fences around the object are tolerated.
func ParseVerdict(text string) (marketplace.Verdict, error) {
	text = stripJSONFences(text)
	if !gjson.Valid(text) {
		return marketplace.Verdict{}, fmt.Errorf("verdict is not valid JSON: %.200q", text)
	}
	res := marketplace.Resolution(strings.ToLower(gjson.Get(text, "resolution").String()))
	if !res.Valid() {
		return marketplace.Verdict{}, fmt.Errorf("unknown resolution %q", res)
	}
	pct := gjson.Get(text, "refund_percentage")
	if res.NeedsPercentage() && !pct.Exists() {
		return marketplace.Verdict{}, fmt.Errorf("resolution %s needs refund_percentage", res)
	}
	refund := res.RefundPercent(int(pct.Int()))
	if refund < 0 || refund > 100 {
		return marketplace.Verdict{}, fmt.Errorf("refund_percentage %d out of range", refund)
	}
	conf := gjson.Get(text, "confidence").Float()
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return marketplace.Verdict{
		Resolution:       res,
		RefundPercentage: refund,
		Rationale:        strings.TrimSpace(gjson.Get(text, "rationale").String()),
		Confidence:       conf,
	}, nil
}

// stripJSONFences removes the markdown code fence models sometimes wrap JSON in.
func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
