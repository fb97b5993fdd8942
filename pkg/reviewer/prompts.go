package reviewer

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are reviewing changes another engineer made in this repository to satisfy a request.
Inspect the code with the tools available. Do not modify files: the review is read-only.
Record anything noteworthy with the scratchpad tool. Call done when you have seen enough.`

const verdictPrompt = `Give your verdict now.
Call mark_complete if the changes fully satisfy the request.
Call mark_incomplete with the additional actions required otherwise; they are appended to the plan.%s`

const maxDiffBytes = 20000

func reviewRequest(request, planText string, changed []string, diff string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Request\n%s\n\n## Plan\n%s\n", request, planText)
	if len(changed) == 0 {
		sb.WriteString("\n## Changed files\n(none)\n")
	} else {
		fmt.Fprintf(&sb, "\n## Changed files\n- %s\n", strings.Join(changed, "\n- "))
	}
	if diff != "" {
		if len(diff) > maxDiffBytes {
			diff = diff[:maxDiffBytes] + "\n… (diff truncated)"
		}
		fmt.Fprintf(&sb, "\n## Diff\n```diff\n%s\n```\n", diff)
	}
	return sb.String()
}

func verdictRequest(notes []string) string {
	if len(notes) == 0 {
		return fmt.Sprintf(verdictPrompt, "")
	}
	return fmt.Sprintf(verdictPrompt, "\n\nYour notes:\n- "+strings.Join(notes, "\n- "))
}
