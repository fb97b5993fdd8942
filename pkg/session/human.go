package session

import (
	"fmt"
	"strings"
)

// ResponseType is the kind of human answer that resolves a suspension.
type ResponseType string

// Human response types.
const (
	ResponseAccept   ResponseType = "accept"
	ResponseEdit     ResponseType = "edit"
	ResponseRespond  ResponseType = "respond"
	ResponseIgnore   ResponseType = "ignore"
	ResponseResponse ResponseType = "response"
)

// HumanResponse resumes a suspended stage.
type HumanResponse struct {
	Type ResponseType `json:"type"`
	Args string       `json:"args,omitempty"`
}

// Validate checks the response type is known.
func (r HumanResponse) Validate() error {
	switch r.Type {
	case ResponseAccept, ResponseEdit, ResponseRespond, ResponseIgnore, ResponseResponse:
		return nil
	default:
		return fmt.Errorf("unknown human response type %q", r.Type)
	}
}

// PlanEditDelimiter separates plan items in an edited plan.
const PlanEditDelimiter = "---"

// SplitEditedPlan splits an edited plan on delimiter lines, dropping empty items.
func SplitEditedPlan(text string) []string {
	var (
		items   []string
		current []string
	)
	flush := func() {
		item := strings.TrimSpace(strings.Join(current, "\n"))
		if item != "" {
			items = append(items, item)
		}
		current = current[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == PlanEditDelimiter {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return items
}

// JoinPlan renders plan items in the editable delimiter format.
func JoinPlan(items []string) string {
	return strings.Join(items, "\n"+PlanEditDelimiter+"\n")
}
