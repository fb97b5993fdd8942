package planner

import (
	"fmt"
	"strings"

	"shipwright/pkg/plan"
)

const systemPrompt = `You are planning a change to a git repository. Explore the code with the read-only tools available
until you understand what needs to change, then call done. Do not modify any files.`

const needsContextPrompt = `Decide whether you already have enough context to revise the plan for the latest request,
or whether you need to explore the repository further.`

const synthesizePrompt = `Write the implementation plan now: a short title and an ordered list of concrete plan items.
Each item should be one self-contained step an engineer can complete and verify.`

func requestMessage(request string, existing *plan.TaskPlan, followup bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Request\n%s\n", request)
	if followup && existing != nil {
		fmt.Fprintf(&sb, "\nThis is a follow-up. The previous plan was:\n\n%s", existing.Render())
	}
	return sb.String()
}

func feedbackMessage(feedback string) string {
	return "The user reviewed your plan and responded:\n\n" + feedback
}

func approvalReason(title string, items []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Approve plan %q:\n", title)
	for i, item := range items {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, item)
	}
	return sb.String()
}
