// Package reviewer implements the reviewer sub-stage: it re-inspects the
// implementer's changes in the same sandbox and either accepts them or
// appends corrective items to the plan.
package reviewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/toolloop"
	"shipwright/pkg/config"
	"shipwright/pkg/executor"
	"shipwright/pkg/logx"
	"shipwright/pkg/plan"
	"shipwright/pkg/stage"
	"shipwright/pkg/tools"
)

// Reviewer nodes.
const (
	NodeInitialize   stage.Node = "initialize"
	NodeGenerate     stage.Node = "generate-review-actions"
	NodeExecute      stage.Node = "execute-review-actions"
	NodeFinalVerdict stage.Node = "final-verdict"
	NodeEnd          stage.Node = "end"
)

// maxVerdictAttempts bounds retries of a malformed verdict call.
const maxVerdictAttempts = 2

// Verdict is the reviewer's decision.
type Verdict string

// Verdicts.
const (
	VerdictComplete   Verdict = "complete"
	VerdictIncomplete Verdict = "incomplete"
)

// Input starts a review.
type Input struct {
	Plan      *plan.TaskPlan `json:"plan"`
	Request   string         `json:"request"`
	SandboxID string         `json:"sandbox_id"`
	RecordID  int            `json:"record_id,omitempty"`
	// Cycle is the number of reviews already completed.
	Cycle int `json:"cycle"`
}

// State is the reviewer's checkpointed state. Its final value is what the
// implementer receives.
type State struct {
	Input
	Node            stage.Node              `json:"node"`
	Verdict         Verdict                 `json:"verdict,omitempty"`
	Review          string                  `json:"review,omitempty"`
	Messages        []llm.CompletionMessage `json:"messages"`
	Pending         []llm.ToolCall          `json:"pending,omitempty"`
	Notes           []string                `json:"notes,omitempty"`
	ChangedFiles    []string                `json:"changed_files,omitempty"`
	Added           []string                `json:"added,omitempty"`
	Actions         int                     `json:"actions"`
	VerdictAttempts int                     `json:"verdict_attempts,omitempty"`
}

// CurrentNode implements stage.Noded.
func (s *State) CurrentNode() stage.Node { return s.Node }

// Transitions is the reviewer's transition table.
//
//nolint:gochecknoglobals // canonical transition map
var Transitions = map[stage.Node][]stage.Node{
	NodeInitialize:   {NodeGenerate},
	NodeGenerate:     {NodeExecute, NodeFinalVerdict},
	NodeExecute:      {NodeGenerate, NodeFinalVerdict},
	NodeFinalVerdict: {NodeEnd},
}

// Reviewer is the reviewer stage machine.
type Reviewer struct {
	env    *stage.Env
	loop   *toolloop.ToolLoop
	logger *logx.Logger
}

// New creates a reviewer.
func New(env *stage.Env) *Reviewer {
	return &Reviewer{env: env, loop: env.Loop(config.TaskReviewer), logger: logx.NewLogger(string(stage.KindReviewer))}
}

// Kind implements stage.Machine.
func (r *Reviewer) Kind() stage.Kind { return stage.KindReviewer }

// Transitions implements stage.Machine.
func (r *Reviewer) Transitions() map[stage.Node][]stage.Node { return Transitions }

// Init implements stage.Machine.
func (r *Reviewer) Init(_ context.Context, input json.RawMessage) (*State, error) {
	var in Input
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode reviewer input: %w", err)
	}
	if in.Plan == nil {
		return nil, fmt.Errorf("reviewer input has no plan: %w", plan.ErrNoActiveTask)
	}
	if in.SandboxID == "" {
		return nil, fmt.Errorf("%w: reviewer needs the implementer's sandbox", stage.ErrMissingSession)
	}
	return &State{Input: in, Node: NodeInitialize}, nil
}

// Step implements stage.Machine.
func (r *Reviewer) Step(ctx context.Context, s *State, _ stage.Event) (stage.Transition[*State], []stage.Effect, error) {
	var err error
	switch s.Node {
	case NodeInitialize:
		err = r.initialize(ctx, s)
	case NodeGenerate:
		err = r.generate(ctx, s)
	case NodeExecute:
		err = r.execute(ctx, s)
	case NodeFinalVerdict:
		return r.finalVerdict(ctx, s)
	default:
		err = fmt.Errorf("unknown reviewer node %q", s.Node)
	}
	if err != nil {
		return stage.Transition[*State]{}, nil, err
	}
	return stage.Continue(s), nil, nil
}

func (r *Reviewer) initialize(ctx context.Context, s *State) error {
	ws, err := r.env.OpenWorkspace(ctx, s.SandboxID)
	if err != nil {
		return err
	}
	changed, err := ws.ChangedFiles()
	if err != nil {
		return fmt.Errorf("list changed files: %w", err)
	}
	diff, err := ws.Diff(ctx)
	if err != nil {
		return fmt.Errorf("compute diff: %w", err)
	}
	s.ChangedFiles = changed
	s.Messages = []llm.CompletionMessage{
		llm.NewSystemMessage(systemPrompt),
		llm.NewUserMessage(reviewRequest(s.Request, s.Plan.Render(), changed, diff)),
	}
	r.logger.Info("🔍 review cycle %d over %d changed file(s)", s.Cycle+1, len(changed))
	s.Node = NodeGenerate
	return nil
}

func (r *Reviewer) generate(ctx context.Context, s *State) error {
	bp := r.env.Backpressure(config.TaskReviewer)
	if bp.Exceeded(s.Actions) {
		r.logger.Warn("review action budget reached (%d/%d), forcing verdict", s.Actions, bp.Limit())
		s.Node = NodeFinalVerdict
		return nil
	}
	ws, err := r.env.OpenWorkspace(ctx, s.SandboxID)
	if err != nil {
		return err
	}
	resp, err := r.loop.Generate(ctx, s.Messages, r.env.Workbench(ws).Reviewer())
	if err != nil {
		return err
	}
	calls, dropped := bp.Admit(s.Actions, resp.ToolCalls)
	if dropped > 0 {
		r.logger.Warn("review budget leaves room for %d of %d tool call(s), dropping the rest", len(calls), len(resp.ToolCalls))
	}
	s.Messages = append(s.Messages, llm.NewAssistantMessage(resp.Content, calls))

	if len(calls) == 0 {
		s.Actions = bp.Count(s.Actions, 0)
		s.Node = NodeFinalVerdict
		return nil
	}
	if hasCall(calls, tools.ToolDone) {
		s.Messages = append(s.Messages, stage.AcknowledgeCalls(calls, "review actions complete"))
		s.Actions = bp.Count(s.Actions, len(calls))
		s.Node = NodeFinalVerdict
		return nil
	}
	s.Pending = calls
	s.Node = NodeExecute
	return nil
}

func (r *Reviewer) execute(ctx context.Context, s *State) error {
	ws, err := r.env.OpenWorkspace(ctx, s.SandboxID)
	if err != nil {
		return err
	}
	// The review is expected to be read-only; anything it changes is
	// committed rather than reverted so no work is lost.
	ex := executor.New(executor.Config{
		Registry:  r.env.Workbench(ws).Reviewer(),
		Workspace: ws,
		Observer:  r.env.Observer,
		Policy:    executor.PolicyMutating,
		Logger:    r.logger,
	})
	out, err := ex.Execute(ctx, s.Pending)
	if err != nil {
		return err
	}
	for i, call := range s.Pending {
		if call.Name != tools.ToolScratchpad || out.Results[i].IsError {
			continue
		}
		if note, ok := call.Parameters["note"].(string); ok && strings.TrimSpace(note) != "" {
			s.Notes = append(s.Notes, note)
		}
	}
	s.Messages = append(s.Messages, llm.NewToolResultMessage(out.Results))

	bp := r.env.Backpressure(config.TaskReviewer)
	s.Actions = bp.Count(s.Actions, len(out.Results))
	s.Pending = nil
	if bp.Exceeded(s.Actions) {
		r.logger.Warn("review action budget reached (%d/%d), forcing verdict", s.Actions, bp.Limit())
		s.Node = NodeFinalVerdict
		return nil
	}
	s.Node = NodeGenerate
	return nil
}

type verdictArgs struct {
	Review            string   `json:"review"`
	AdditionalActions []string `json:"additional_actions"`
}

func (r *Reviewer) finalVerdict(ctx context.Context, s *State) (stage.Transition[*State], []stage.Effect, error) {
	messages := append(append([]llm.CompletionMessage(nil), s.Messages...), llm.NewUserMessage(verdictRequest(s.Notes)))
	call, err := r.loop.Force(ctx, messages, tools.Verdict())
	var args verdictArgs
	if err == nil {
		err = toolloop.Decode(call, &args)
	}
	if err != nil {
		s.VerdictAttempts++
		if s.VerdictAttempts < maxVerdictAttempts &&
			(errors.Is(err, toolloop.ErrNoTerminalTool) || errors.Is(err, toolloop.ErrInvalidResult)) {
			r.logger.Warn("malformed verdict, asking again: %v", err)
			s.Messages = append(s.Messages, llm.NewUserMessage("Your verdict was not usable: "+err.Error()))
			return stage.Continue(s), nil, nil
		}
		return stage.Transition[*State]{}, nil, fmt.Errorf("final verdict: %w", err)
	}

	s.Review = args.Review
	s.Node = NodeEnd
	actions := nonEmpty(args.AdditionalActions)
	if call.Name == tools.ToolMarkComplete || len(actions) == 0 {
		if call.Name == tools.ToolMarkIncomplete {
			r.logger.Warn("mark_incomplete without additional actions treated as complete")
		}
		s.Verdict = VerdictComplete
		r.logger.Info("✅ review accepted")
		return stage.Terminate(s), nil, nil
	}

	next := s.Plan.Clone()
	if err := next.AppendItems(actions); err != nil {
		return stage.Transition[*State]{}, nil, fmt.Errorf("append review items: %w", err)
	}
	if err := plan.VerifyMonotonic(s.Plan, next); err != nil {
		return stage.Transition[*State]{}, nil, err
	}
	if r.env.Tracking() && s.RecordID > 0 {
		if err := r.env.Records.WritePlan(ctx, s.RecordID, next); err != nil {
			return stage.Transition[*State]{}, nil, fmt.Errorf("persist amended plan: %w", err)
		}
	}
	s.Plan = next
	s.Added = actions
	s.Verdict = VerdictIncomplete
	s.Cycle++
	r.logger.Info("🔁 review requested %d more item(s) (cycle %d)", len(actions), s.Cycle)
	return stage.Terminate(s), nil, nil
}

func hasCall(calls []llm.ToolCall, name string) bool {
	for _, c := range calls {
		if c.Name == name {
			return true
		}
	}
	return false
}

func nonEmpty(items []string) []string {
	var out []string
	for _, it := range items {
		if strings.TrimSpace(it) != "" {
			out = append(out, it)
		}
	}
	return out
}
