package tools

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
)

// SignalTool is a control tool: executing it only validates and echoes its
// arguments as a ProcessEffect. The owning stage decides what happens next.
type SignalTool struct {
	def ToolDefinition
	doc string
	ack string
}

// Name returns the tool name.
func (t *SignalTool) Name() string {
	return t.def.Name
}

// Definition returns the tool definition for LLM.
func (t *SignalTool) Definition() ToolDefinition {
	return t.def
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *SignalTool) PromptDocumentation() string {
	return t.doc
}

// Exec echoes the validated arguments.
func (t *SignalTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	if err := ValidateArgs(t.def, args); err != nil {
		return nil, err
	}
	return &ExecResult{
		Content:       t.ack,
		Status:        StatusSuccess,
		ProcessEffect: &ProcessEffect{Signal: t.def.Name, Data: args},
	}, nil
}

func newSignal(name, description, ack string, schema *jsonschema.Schema) *SignalTool {
	return &SignalTool{
		def: ToolDefinition{Name: name, Description: description, InputSchema: schema},
		doc: "- **" + name + "** - " + description,
		ack: ack,
	}
}

// NewDoneTool ends the planner's context gathering.
func NewDoneTool() *SignalTool {
	return newSignal(ToolDone,
		"Call when you have gathered enough context to write the plan.",
		"context gathering complete",
		Object(map[string]*jsonschema.Schema{
			"summary": String("Optional summary of what you learned"),
		}))
}

// NewUpdatePlanTool revises the uncompleted part of the plan.
func NewUpdatePlanTool() *SignalTool {
	return newSignal(ToolUpdatePlan,
		"Replace the remaining, uncompleted plan items. Completed items are never changed.",
		"plan update recorded",
		Object(map[string]*jsonschema.Schema{
			"reasoning":       String("Why the plan needs to change"),
			"remaining_items": StringArray("The new list of remaining plan items, in order"),
		}, "reasoning", "remaining_items"))
}

// NewRequestHumanHelpTool suspends the implementer until a human responds.
func NewRequestHumanHelpTool() *SignalTool {
	return newSignal(ToolRequestHumanHelp,
		"Ask the user for help when you are blocked. Execution pauses until they respond.",
		"help request sent",
		Object(map[string]*jsonschema.Schema{
			"help_request": String("What you need from the user"),
		}, "help_request"))
}

// NewMarkTaskCompletedTool completes the active plan item. It must be the only call in its turn.
func NewMarkTaskCompletedTool() *SignalTool {
	return newSignal(ToolMarkTaskCompleted,
		"Mark the current plan item as completed. Call this tool on its own, never alongside other tools.",
		"task marked completed",
		Object(map[string]*jsonschema.Schema{
			"completed_task_summary": String("What was done for this plan item"),
		}, "completed_task_summary"))
}

// NewMarkCompleteTool is the reviewer's accepting verdict.
func NewMarkCompleteTool() *SignalTool {
	return newSignal(ToolMarkComplete,
		"The changes fully satisfy the request.",
		"review accepted",
		Object(map[string]*jsonschema.Schema{
			"review": String("Short justification"),
		}, "review"))
}

// NewMarkIncompleteTool is the reviewer's rejecting verdict.
func NewMarkIncompleteTool() *SignalTool {
	return newSignal(ToolMarkIncomplete,
		"The changes are incomplete. List the additional actions required.",
		"review rejected",
		Object(map[string]*jsonschema.Schema{
			"review":             String("What is missing or wrong"),
			"additional_actions": StringArray("New plan items to append, in order"),
		}, "review", "additional_actions"))
}

// Route values accepted by NewRouteMessageTool.
var RouteValues = []string{ //nolint:gochecknoglobals // closed enumeration
	"no_op",
	"create_new_issue",
	"start_planner",
	"start_planner_for_followup",
	"update_programmer",
	"update_planner",
	"resume_and_update_planner",
}

// NewRouteMessageTool is the classifier's forced routing schema.
func NewRouteMessageTool() *SignalTool {
	return newSignal(ToolRouteMessage,
		"Route the latest user message.",
		"routed",
		Object(map[string]*jsonschema.Schema{
			"route":       Enum("Where the message goes", RouteValues...),
			"response":    String("Reply to the user, required for no_op"),
			"issue_title": String("Title for a new tracking issue"),
			"reasoning":   String("Why this route was chosen"),
		}, "route"))
}

// NewNeedsContextTool is the planner's forced have/need-context decision.
func NewNeedsContextTool() *SignalTool {
	return newSignal(ToolNeedsContext,
		"Decide whether more context is needed before revising the plan.",
		"decision recorded",
		Object(map[string]*jsonschema.Schema{
			"decision":  Enum("have_context or need_context", "have_context", "need_context"),
			"reasoning": String("Why"),
		}, "decision"))
}

// NewSessionPlanTool is the planner's forced plan schema.
func NewSessionPlanTool() *SignalTool {
	return newSignal(ToolSessionPlan,
		"Submit the implementation plan.",
		"plan submitted",
		Object(map[string]*jsonschema.Schema{
			"title": String("Short title for the change"),
			"plan":  StringArray("Ordered plan items"),
		}, "title", "plan"))
}

// NewOpenPRTool is the implementer's forced patch title/body schema.
func NewOpenPRTool() *SignalTool {
	return newSignal(ToolOpenPR,
		"Provide the pull request title and body.",
		"pull request details recorded",
		Object(map[string]*jsonschema.Schema{
			"title": String("Pull request title"),
			"body":  String("Pull request body in markdown"),
		}, "title", "body"))
}
