package plan

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Markers delimiting the plan block inside a tracking record body.
const (
	planOpen  = "<!-- shipwright-plan:start -->"
	planClose = "<!-- shipwright-plan:end -->"
)

// Embed writes plan into body, replacing any block already present.
func Embed(body string, p *TaskPlan) (string, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode plan: %w", err)
	}
	block := fmt.Sprintf("%s\n<details>\n<summary>Task plan</summary>\n\n```json\n%s\n```\n</details>\n%s",
		planOpen, data, planClose)

	stripped := Strip(body)
	if stripped == "" {
		return block, nil
	}
	return stripped + "\n\n" + block, nil
}

// Extract reads the plan embedded in body. The boolean is false when body
// carries no plan.
func Extract(body string) (*TaskPlan, bool, error) {
	start := strings.Index(body, planOpen)
	if start < 0 {
		return nil, false, nil
	}
	end := strings.Index(body[start:], planClose)
	if end < 0 {
		return nil, false, fmt.Errorf("plan block is not terminated")
	}
	block := body[start+len(planOpen) : start+end]

	jsonStart := strings.Index(block, "```json\n")
	jsonEnd := strings.LastIndex(block, "\n```")
	if jsonStart < 0 || jsonEnd <= jsonStart {
		return nil, false, fmt.Errorf("plan block has no json payload")
	}

	var p TaskPlan
	if err := json.Unmarshal([]byte(block[jsonStart+len("```json\n"):jsonEnd]), &p); err != nil {
		return nil, false, fmt.Errorf("decode plan: %w", err)
	}
	return &p, true, nil
}

// Strip removes the plan block from body.
func Strip(body string) string {
	start := strings.Index(body, planOpen)
	if start < 0 {
		return strings.TrimSpace(body)
	}
	end := strings.Index(body[start:], planClose)
	if end < 0 {
		return strings.TrimSpace(body[:start])
	}
	return strings.TrimSpace(body[:start] + body[start+end+len(planClose):])
}
