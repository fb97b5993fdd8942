package implementer

import (
	"fmt"
	"strings"

	"shipwright/pkg/plan"
)

const systemPrompt = `You are a software engineer implementing an approved plan in a git repository.
Work through the plan one item at a time. Use the tools to inspect and change files and to run commands.
Every change you make is committed automatically.
When the current plan item is done, call mark_task_completed on its own, never alongside other tools.
Call update_plan if the remaining items need to change and request_human_help if you are blocked.`

const noToolNudge = `You did not call a tool. Continue with the current plan item, or call mark_task_completed if it is done.`

const conclusionPrompt = `All plan items are complete. Summarise in a few sentences what was changed and why, for the person who asked for it. Do not call tools.`

const openPRPrompt = `Write the pull request for these changes. Keep the title under 72 characters.

## Summary
%s`

const compactionSystemPrompt = `You condense an engineer's working log. Extract the durable facts from the messages:
file paths touched or inspected, decisions made, findings and open problems.
Drop anything already stated earlier and any raw tool output that is no longer needed. Answer with a terse bullet list.`

const compactionAck = "Understood. I will continue from this summary."

func initialRequest(request string, p *plan.TaskPlan, notes []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Request\n%s\n\n## Plan\n%s\n", request, p.Render())
	if len(notes) > 0 {
		fmt.Fprintf(&sb, "\n## Context notes\n- %s\n", strings.Join(notes, "\n- "))
	}
	if item, err := p.ActiveItem(); err == nil {
		fmt.Fprintf(&sb, "\nStart with item %d: %s\n", item.Index+1, item.Plan)
	}
	return sb.String()
}

func nextItem(item *plan.PlanItem) string {
	return fmt.Sprintf("Item completed. Continue with item %d: %s", item.Index+1, item.Plan)
}

func planUpdated(p *plan.TaskPlan) string {
	return "The plan was updated:\n\n" + p.Render()
}

func reviewFeedback(review string, added []string) string {
	return fmt.Sprintf("A reviewer found the work incomplete.\n\n%s\n\nNew plan items:\n- %s",
		review, strings.Join(added, "\n- "))
}

func helpAnswer(answer string) string {
	return "Response to your help request:\n\n" + answer
}

const helpIgnored = "Nobody answered your help request. Proceed with your best judgement."

func summaryMessage(summary string) string {
	return "Summary of earlier work:\n\n" + summary
}
