package notify

import (
	"fmt"
	"strings"
)

// Guide walks the requester through the steps automation could not do.
type Guide struct {
	Title              string      `json:"title"`
	Introduction       string      `json:"introduction"`
	Steps              []GuideStep `json:"steps"`
	CompletionCriteria []string    `json:"completion_criteria"`
	NextSteps          string      `json:"next_steps"`
}

type GuideStep struct {
	Number        int    `json:"number"`
	Title         string `json:"title"`
	Details       string `json:"details,omitempty"`
	EstimatedTime string `json:"estimated_time,omitempty"`
}

// Text renders the guide as plain text.
func (g Guide) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n%s\n\n", g.Title, g.Introduction)
	for _, s := range g.Steps {
		fmt.Fprintf(&b, "%d. %s\n", s.Number, s.Title)
		if s.Details != "" {
			fmt.Fprintf(&b, "   %s\n", s.Details)
		}
	}
	if len(g.CompletionCriteria) > 0 {
		b.WriteString("\nDone when:\n")
		for _, c := range g.CompletionCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if g.NextSteps != "" {
		fmt.Fprintf(&b, "\n%s\n", g.NextSteps)
	}
	return b.String()
}
