package classifier

import (
	"fmt"
	"strings"

	"shipwright/pkg/plan"
	"shipwright/pkg/session"
)

const systemPrompt = `You route messages in a conversation with a coding assistant. Call route_message with exactly one route:

- no_op: the message needs only a reply; put it in response.
- create_new_issue: the user asks to track a new, separate piece of work.
- start_planner: a new change request with no work in progress.
- start_planner_for_followup: a follow-up change to work that already finished.
- update_planner: extra detail for a plan that is still being written.
- resume_and_update_planner: feedback on a plan that is waiting for approval.
- update_programmer: extra detail for work that is being implemented.

## Sessions
planner: %s
implementer: %s
%s`

func routingPrompt(planner, implementer session.Status, current *plan.TaskPlan) string {
	planText := ""
	if current != nil {
		planText = "\n## Current plan\n" + current.Render()
	}
	return fmt.Sprintf(systemPrompt, planner, implementer, planText)
}

// recordTitle derives a tracking record title from a message.
func recordTitle(suggested, message string) string {
	if title := strings.TrimSpace(suggested); title != "" {
		return title
	}
	title := strings.TrimSpace(strings.SplitN(message, "\n", 2)[0])
	if len(title) > 80 {
		title = title[:80]
	}
	if title == "" {
		title = "New request"
	}
	return title
}

func trackingReference(ref string) string {
	return "\n\nTracking record: " + ref
}
