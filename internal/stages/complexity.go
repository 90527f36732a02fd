package stages

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"helpdesk/api/internal/workflow"
)

var (
	policyKeywords = []string{
		"policy", "procedure", "guideline", "rule", "requirement", "standard",
		"compliance", "regulation", "audit", "security", "access", "permission",
	}
	opposingTerms = [][2]string{
		{"require", "prohibit"},
		{"allow", "deny"},
		{"must", "cannot"},
		{"mandatory", "optional"},
		{"always", "never"},
		{"enable", "disable"},
	}
	knownPatterns = []string{
		"password reset", "software install", "access request", "email setup",
		"hardware request", "account creation", "permission change",
	}
	reasoningIndicators = []string{
		"exception", "special case", "unusual", "complex", "multiple systems",
		"cross-department", "high risk", "security", "compliance", "audit",
	}
	highRiskCategories = []string{"security", "access", "admin", "privilege", "system"}

	sentenceSplit = regexp.MustCompile(`[.!?]+`)
	punctuation   = regexp.MustCompile(`[^\w\s]`)
)

type threshold struct {
	tokens    int
	conflicts int
	novelty   float64
}

var (
	simpleLimit   = threshold{tokens: 100, conflicts: 0, novelty: 0.3}
	moderateLimit = threshold{tokens: 300, conflicts: 1, novelty: 0.6}
)

// Complexity is the analysis behind a routing verdict.
type Complexity struct {
	Tokens     int
	Conflicts  []string
	Novelty    float64
	Level      workflow.Complexity
	Indicators []string
	Reasoning  bool
	Risk       workflow.RiskLevel
}

// Analyze measures a request against its retrieved evidence.
func Analyze(req workflow.UserRequest, docs []workflow.Document) Complexity {
	text := req.Title + " " + req.Description
	c := Complexity{
		Tokens:    estimateTokens(text),
		Conflicts: policyConflicts(docs),
		Novelty:   novelty(text),
	}
	c.Level = level(c.Tokens, len(c.Conflicts), c.Novelty)

	desc := strings.ToLower(req.Description)
	for _, ind := range reasoningIndicators {
		if strings.Contains(desc, ind) {
			c.Indicators = append(c.Indicators, ind)
		}
	}
	c.Reasoning = c.Level == workflow.ComplexityComplex || len(c.Indicators) > 0
	c.Risk = assessRisk(req, c.Level)
	return c
}

// estimateTokens approximates tokens as words plus punctuation marks.
func estimateTokens(text string) int {
	return len(strings.Fields(text)) + len(punctuation.FindAllString(text, -1))
}

func level(tokens, conflicts int, novelty float64) workflow.Complexity {
	switch {
	case tokens <= simpleLimit.tokens && conflicts <= simpleLimit.conflicts && novelty <= simpleLimit.novelty:
		return workflow.ComplexitySimple
	case tokens <= moderateLimit.tokens && conflicts <= moderateLimit.conflicts && novelty <= moderateLimit.novelty:
		return workflow.ComplexityModerate
	default:
		return workflow.ComplexityComplex
	}
}

// novelty is 1 for a request matching no known pattern and drops by 0.75
// for each pattern it matches.
func novelty(text string) float64 {
	lower := strings.ToLower(text)
	matches := 0
	for _, p := range knownPatterns {
		if strings.Contains(lower, p) {
			matches++
		}
	}
	return clamp01(1 - 0.75*float64(matches))
}

func assessRisk(req workflow.UserRequest, lvl workflow.Complexity) workflow.RiskLevel {
	category := strings.ToLower(req.Category)
	for _, c := range highRiskCategories {
		if strings.Contains(category, c) {
			return workflow.RiskHigh
		}
	}
	if req.Priority == workflow.PriorityHigh || req.Priority == workflow.PriorityCritical {
		return workflow.RiskHigh
	}
	if lvl == workflow.ComplexityComplex {
		return workflow.RiskMedium
	}
	return workflow.RiskLow
}

// policyConflicts reports pairs of documents whose policy statements use
// opposing terms. Each pair is reported at most once.
func policyConflicts(docs []workflow.Document) []string {
	var out []string
	statements := make([][]string, len(docs))
	for i, d := range docs {
		statements[i] = policyStatements(d.Excerpt)
	}
	for i := range docs {
		for j := i + 1; j < len(docs); j++ {
			if a, b, ok := firstConflict(statements[i], statements[j]); ok {
				out = append(out, "conflict between "+docs[i].Title+" ("+truncate(a, 80)+") and "+docs[j].Title+" ("+truncate(b, 80)+")")
			}
		}
	}
	return out
}

func policyStatements(content string) []string {
	var out []string
	for _, s := range sentenceSplit.Split(content, -1) {
		s = strings.TrimSpace(s)
		if utf8.RuneCountInString(s) <= 20 {
			continue
		}
		lower := strings.ToLower(s)
		for _, kw := range policyKeywords {
			if strings.Contains(lower, kw) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func firstConflict(as, bs []string) (string, string, bool) {
	for _, a := range as {
		la := strings.ToLower(a)
		for _, b := range bs {
			lb := strings.ToLower(b)
			for _, pair := range opposingTerms {
				if (strings.Contains(la, pair[0]) && strings.Contains(lb, pair[1])) ||
					(strings.Contains(la, pair[1]) && strings.Contains(lb, pair[0])) {
					return a, b, true
				}
			}
		}
	}
	return "", "", false
}
