// Package planner implements the planner stage: read-only context gathering,
// plan synthesis and the human approval that starts the implementer.
package planner

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
	"shipwright/pkg/implementer"
	"shipwright/pkg/logx"
	"shipwright/pkg/plan"
	"shipwright/pkg/session"
	"shipwright/pkg/stage"
	"shipwright/pkg/tools"
	"shipwright/pkg/utils"
)

// Planner nodes.
const (
	NodePrepare          stage.Node = "prepare"
	NodeGather           stage.Node = "gather-context"
	NodeExecute          stage.Node = "execute-actions"
	NodeDiagnose         stage.Node = "diagnose-error"
	NodeNeedsContext     stage.Node = "determine-needs-context"
	NodeSynthesize       stage.Node = "synthesize-plan"
	NodeAwaitApproval    stage.Node = "await-approval"
	NodeStartImplementer stage.Node = "start-implementer"
	NodeEnd              stage.Node = "end"
)

// Decisions of the needs_context tool.
const (
	decisionHaveContext = "have_context"
	decisionNeedContext = "need_context"
)

// maxBranchHint bounds the request text used in the sandbox branch name.
const maxBranchHint = 40

// Input starts a planner run.
type Input struct {
	Request  string `json:"request"`
	RecordID int    `json:"record_id,omitempty"`
	Followup bool   `json:"followup,omitempty"`
	// Plan is the existing plan a follow-up extends.
	Plan *plan.TaskPlan `json:"plan,omitempty"`
}

// State is the planner's checkpointed state.
type State struct {
	Input
	Node      stage.Node              `json:"node"`
	SandboxID string                  `json:"sandbox_id,omitempty"`
	Messages  []llm.CompletionMessage `json:"messages"`
	Pending   []llm.ToolCall          `json:"pending,omitempty"`
	Notes     []string                `json:"notes,omitempty"`
	Title     string                  `json:"title,omitempty"`
	Items     []string                `json:"items,omitempty"`
	Actions   int                     `json:"actions"`
}

// CurrentNode implements stage.Noded.
func (s *State) CurrentNode() stage.Node { return s.Node }

// Transitions is the planner's transition table.
//
//nolint:gochecknoglobals // canonical transition map
var Transitions = map[stage.Node][]stage.Node{
	NodePrepare:          {NodeGather, NodeNeedsContext},
	NodeGather:           {NodeExecute, NodeSynthesize},
	NodeExecute:          {NodeGather, NodeDiagnose, NodeSynthesize},
	NodeDiagnose:         {NodeGather},
	NodeNeedsContext:     {NodeGather, NodeSynthesize},
	NodeSynthesize:       {NodeAwaitApproval, NodeStartImplementer},
	NodeAwaitApproval:    {NodeStartImplementer, NodeNeedsContext, NodeEnd},
	NodeStartImplementer: {NodeEnd},
}

// Planner is the planner stage machine.
type Planner struct {
	env    *stage.Env
	loop   *toolloop.ToolLoop
	logger *logx.Logger
}

// New creates a planner.
func New(env *stage.Env) *Planner {
	return &Planner{env: env, loop: env.Loop(config.TaskPlanner), logger: logx.NewLogger(string(stage.KindPlanner))}
}

// Kind implements stage.Machine.
func (p *Planner) Kind() stage.Kind { return stage.KindPlanner }

// Transitions implements stage.Machine.
func (p *Planner) Transitions() map[stage.Node][]stage.Node { return Transitions }

// Init implements stage.Machine.
func (p *Planner) Init(_ context.Context, input json.RawMessage) (*State, error) {
	var in Input
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode planner input: %w", err)
	}
	if strings.TrimSpace(in.Request) == "" {
		return nil, stage.ErrMissingUserMessage
	}
	return &State{Input: in, Node: NodePrepare}, nil
}

// Step implements stage.Machine.
func (p *Planner) Step(ctx context.Context, s *State, ev stage.Event) (stage.Transition[*State], []stage.Effect, error) {
	var err error
	switch s.Node {
	case NodePrepare:
		err = p.prepare(ctx, s)
	case NodeGather:
		err = p.gather(ctx, s)
	case NodeExecute:
		err = p.execute(ctx, s)
	case NodeDiagnose:
		err = p.diagnose(ctx, s)
	case NodeNeedsContext:
		err = p.needsContext(ctx, s)
	case NodeSynthesize:
		return p.synthesize(ctx, s)
	case NodeAwaitApproval:
		return p.awaitApproval(ctx, s, ev)
	case NodeStartImplementer:
		return p.startImplementer(ctx, s)
	default:
		err = fmt.Errorf("unknown planner node %q", s.Node)
	}
	if err != nil {
		return stage.Transition[*State]{}, nil, err
	}
	return stage.Continue(s), nil, nil
}

func (p *Planner) prepare(ctx context.Context, s *State) error {
	hint := s.Request
	if len(hint) > maxBranchHint {
		hint = hint[:maxBranchHint]
	}
	sess, err := p.env.CreateSandbox(ctx, utils.SanitizeBranchName(hint))
	if err != nil {
		return err
	}
	s.SandboxID = sess.ID
	s.Messages = []llm.CompletionMessage{
		llm.NewSystemMessage(systemPrompt),
		llm.NewUserMessage(requestMessage(s.Request, s.Plan, s.Followup)),
	}
	if s.Followup {
		s.Node = NodeNeedsContext
		return nil
	}
	s.Node = NodeGather
	return nil
}

func (p *Planner) gather(ctx context.Context, s *State) error {
	bp := p.env.Backpressure(config.TaskPlanner)
	if bp.Exceeded(s.Actions) {
		p.logger.Warn("context budget reached (%d/%d), synthesizing plan", s.Actions, bp.Limit())
		s.Node = NodeSynthesize
		return nil
	}
	ws, err := p.env.OpenWorkspace(ctx, s.SandboxID)
	if err != nil {
		return err
	}
	resp, err := p.loop.Generate(ctx, s.Messages, p.env.Workbench(ws).PlannerContext())
	if err != nil {
		return err
	}
	calls, dropped := bp.Admit(s.Actions, resp.ToolCalls)
	if dropped > 0 {
		p.logger.Warn("context budget leaves room for %d of %d tool call(s), dropping the rest", len(calls), len(resp.ToolCalls))
	}
	s.Messages = append(s.Messages, llm.NewAssistantMessage(resp.Content, calls))

	if len(calls) == 0 {
		s.Actions = bp.Count(s.Actions, 0)
		s.Node = NodeSynthesize
		return nil
	}
	// done runs with the rest of the batch; execute synthesizes once the
	// batch reports it.
	s.Pending = calls
	s.Node = NodeExecute
	return nil
}

func (p *Planner) execute(ctx context.Context, s *State) error {
	ws, err := p.env.OpenWorkspace(ctx, s.SandboxID)
	if err != nil {
		return err
	}
	ex := executor.New(executor.Config{
		Registry:  p.env.Workbench(ws).PlannerContext(),
		Workspace: ws,
		Observer:  p.env.Observer,
		Policy:    executor.PolicyReadOnly,
		Logger:    p.logger,
	})
	out, err := ex.Execute(ctx, s.Pending)
	if err != nil {
		return err
	}
	s.Pending = nil
	s.Messages = append(s.Messages, llm.NewToolResultMessage(out.Results))

	bp := p.env.Backpressure(config.TaskPlanner)
	s.Actions = bp.Count(s.Actions, len(out.Results))
	if eff, ok := out.Effect(tools.ToolDone); ok {
		if summary, ok := eff.Data["summary"].(string); ok && strings.TrimSpace(summary) != "" {
			s.Notes = append(s.Notes, summary)
		}
		s.Node = NodeSynthesize
		return nil
	}
	switch {
	case bp.Exceeded(s.Actions):
		p.logger.Warn("context budget reached (%d/%d), synthesizing plan", s.Actions, bp.Limit())
		s.Node = NodeSynthesize
	case p.env.FailureRouter().Route(toolloop.RecentResults(s.Messages, p.env.Config.Limits.FailureWindow)) == executor.RouteDiagnose:
		s.Node = NodeDiagnose
	default:
		s.Node = NodeGather
	}
	return nil
}

func (p *Planner) diagnose(ctx context.Context, s *State) error {
	failures := toolloop.RecentResults(s.Messages, p.env.Config.Limits.FailureWindow)
	msg, err := p.env.Diagnose(ctx, config.TaskPlanner, s.Messages, failures)
	if err != nil {
		return err
	}
	s.Messages = append(s.Messages, msg)
	s.Node = NodeGather
	return nil
}

type needsContextArgs struct {
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning"`
}

func (p *Planner) needsContext(ctx context.Context, s *State) error {
	prompt := append(append([]llm.CompletionMessage(nil), s.Messages...), llm.NewUserMessage(needsContextPrompt))
	_, args, err := toolloop.ForceInto[needsContextArgs](ctx, p.loop, prompt, tools.NewRegistry(tools.NewNeedsContextTool()))
	switch {
	case errors.Is(err, toolloop.ErrNoTerminalTool), errors.Is(err, toolloop.ErrInvalidResult):
		p.logger.Warn("unusable needs_context answer, gathering more context: %v", err)
		args.Decision = decisionNeedContext
	case err != nil:
		return err
	}
	p.logger.Info("follow-up context decision: %s", args.Decision)
	if args.Decision == decisionHaveContext {
		s.Node = NodeSynthesize
		return nil
	}
	s.Node = NodeGather
	return nil
}

type planArgs struct {
	Title string   `json:"title"`
	Plan  []string `json:"plan"`
}

func (p *Planner) synthesize(ctx context.Context, s *State) (stage.Transition[*State], []stage.Effect, error) {
	fail := func(err error) (stage.Transition[*State], []stage.Effect, error) {
		return stage.Transition[*State]{}, nil, err
	}
	prompt := append(append([]llm.CompletionMessage(nil), s.Messages...), llm.NewUserMessage(synthesizePrompt))
	_, args, err := toolloop.ForceInto[planArgs](ctx, p.loop, prompt, tools.NewRegistry(tools.NewSessionPlanTool()))
	if err != nil {
		return fail(fmt.Errorf("synthesize plan: %w", err))
	}
	var items []string
	for _, item := range args.Plan {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return fail(errors.New("synthesize plan: model returned no plan items"))
	}
	s.Title = strings.TrimSpace(args.Title)
	s.Items = items
	p.logger.Info("📋 plan %q with %d item(s)", s.Title, len(items))

	if err := p.env.Sandboxes.Pause(ctx, s.SandboxID); err != nil {
		return fail(fmt.Errorf("pause sandbox: %w", err))
	}
	if p.env.Config.Execution.AutoAcceptPlan {
		s.Node = NodeStartImplementer
		return stage.Continue(s), nil, nil
	}
	s.Node = NodeAwaitApproval
	return stage.Suspend(s, approvalReason(s.Title, s.Items), stage.ContractPlanApproval), nil, nil
}

func (p *Planner) awaitApproval(ctx context.Context, s *State, ev stage.Event) (stage.Transition[*State], []stage.Effect, error) {
	if ev.Type != stage.EventResume || ev.Human == nil {
		return stage.Transition[*State]{}, nil, fmt.Errorf("planner waiting for approval, got %s event", ev.Type)
	}
	switch ev.Human.Type {
	case session.ResponseAccept:
		s.Node = NodeStartImplementer
	case session.ResponseEdit:
		if edited := session.SplitEditedPlan(ev.Human.Args); len(edited) > 0 {
			s.Items = edited
		}
		s.Node = NodeStartImplementer
	case session.ResponseRespond:
		s.Messages = append(s.Messages, llm.NewUserMessage(feedbackMessage(ev.Human.Args)))
		s.Node = NodeNeedsContext
	case session.ResponseIgnore:
		p.logger.Info("plan ignored, discarding sandbox %s", s.SandboxID)
		if _, err := p.env.Sandboxes.Delete(ctx, s.SandboxID); err != nil {
			p.logger.Warn("failed to delete sandbox %s: %v", s.SandboxID, err)
		}
		s.Node = NodeEnd
		return stage.Terminate(s), nil, nil
	default:
		return stage.Transition[*State]{}, nil, fmt.Errorf("plan approval does not accept %q", ev.Human.Type)
	}
	return stage.Continue(s), nil, nil
}

func (p *Planner) startImplementer(ctx context.Context, s *State) (stage.Transition[*State], []stage.Effect, error) {
	taskPlan := plan.New()
	if s.Followup && s.Plan != nil {
		taskPlan = s.Plan.Clone()
	}
	taskPlan.AddTask(s.Request, s.Title, s.Items)
	if p.env.Tracking() && s.RecordID > 0 {
		if err := p.env.Records.WritePlan(ctx, s.RecordID, taskPlan); err != nil {
			return stage.Transition[*State]{}, nil, fmt.Errorf("persist plan: %w", err)
		}
	}
	s.Plan = taskPlan
	s.Node = NodeEnd
	child := stage.StartChild{
		Kind: stage.KindImplementer,
		Input: implementer.Input{
			Plan:      taskPlan,
			Request:   s.Request,
			Title:     s.Title,
			SandboxID: s.SandboxID,
			Notes:     s.Notes,
			RecordID:  s.RecordID,
		},
	}
	p.logger.Info("▶️  starting implementer for %q", s.Title)
	return stage.Terminate(s), []stage.Effect{child}, nil
}
