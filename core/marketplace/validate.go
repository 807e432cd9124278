package marketplace

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Input limits.
const (
	MaxTaskTitle       = 200
	MaxTaskDescription = 5000
	MaxProposal        = 5000
	MaxEvidenceText    = 10000
	MaxEvidenceLinks   = 10
	MaxSkills          = 20
	MaxArtifacts       = 50
	MaxWorkflowSteps   = 25
	MaxDisputeDesc     = 5000
)

var (
	xssPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<script[^>]*>.*?</script>`),
		regexp.MustCompile(`(?i)<iframe[^>]*>.*?</iframe>`),
		regexp.MustCompile(`(?i)<object[^>]*>.*?</object>`),
		regexp.MustCompile(`(?i)<embed[^>]*>.*?</embed>`),
		regexp.MustCompile(`(?i)javascript:`),
		regexp.MustCompile(`(?i)vbscript:`),
		regexp.MustCompile(`(?i)on(load|error|click)\s*=`),
	}
	controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	walletPattern      = regexp.MustCompile(`^[A-Za-z0-9:_\-]{8,128}$`)
)

// SanitizeInput strips control characters and script injection patterns.
// The bool reports whether anything was removed.
func SanitizeInput(input string) (string, bool) {
	if input == "" {
		return input, false
	}
	found := false
	result := input
	if controlCharPattern.MatchString(result) {
		found = true
		result = controlCharPattern.ReplaceAllString(result, "")
	}
	for _, p := range xssPatterns {
		if p.MatchString(result) {
			found = true
			result = p.ReplaceAllString(result, "")
		}
	}
	return result, found
}

// CleanText trims and sanitizes a free-text field, rejecting empty (when required) or oversized input.
func CleanText(field, value string, max int, required bool) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		if required {
			return "", Validationf("%s is required", field)
		}
		return "", nil
	}
	if len(value) > max {
		return "", Validationf("%s length %d exceeds maximum %d", field, len(value), max)
	}
	if _, dangerous := SanitizeInput(value); dangerous {
		return "", Validationf("%s contains disallowed content", field)
	}
	return value, nil
}

// NormalizeSkills lower-cases, trims, and de-duplicates a skill list.
func NormalizeSkills(skills []string) ([]string, error) {
	seen := make(map[string]struct{}, len(skills))
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) > MaxSkills {
		return nil, Validationf("at most %d skills allowed, got %d", MaxSkills, len(out))
	}
	sort.Strings(out)
	return out, nil
}

// SkillOverlap counts case-insensitive matches between have and want.
func SkillOverlap(have, want []string) int {
	n := 0
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(strings.TrimSpace(h), strings.TrimSpace(w)) {
				n++
				break
			}
		}
	}
	return n
}

// ValidateLink accepts absolute http(s) URLs only.
func ValidateLink(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Validationf("invalid link %q: must be an absolute http(s) URL", raw)
	}
	return nil
}

// ValidateWallet performs a format-only check on a wallet address.
func ValidateWallet(addr string) error {
	if !walletPattern.MatchString(strings.TrimSpace(addr)) {
		return Validationf("invalid wallet address %q", addr)
	}
	return nil
}

// ValidateIdentity rejects identities that cannot own anything.
func ValidateIdentity(id Identity) error {
	switch id.Kind {
	case KindAgent, KindClient, KindHuman, KindSystem:
	default:
		return Validationf("unknown identity kind %q", id.Kind)
	}
	if strings.TrimSpace(id.ID) == "" {
		return Validationf("identity id is required")
	}
	return nil
}
