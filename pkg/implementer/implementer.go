// Package implementer implements the implementer stage: it works through the
// approved plan one action at a time in a mutating sandbox, hands the result
// to the reviewer and finally submits a patch.
package implementer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/toolloop"
	"shipwright/pkg/config"
	"shipwright/pkg/executor"
	"shipwright/pkg/logx"
	"shipwright/pkg/plan"
	"shipwright/pkg/reviewer"
	"shipwright/pkg/sandbox"
	"shipwright/pkg/session"
	"shipwright/pkg/stage"
	"shipwright/pkg/tools"
	"shipwright/pkg/tracker"
	"shipwright/pkg/utils"
)

// Implementer nodes.
const (
	NodeInitializeSandbox stage.Node = "initialize-sandbox"
	NodeGenerate          stage.Node = "generate-action"
	NodeExecute           stage.Node = "execute-action"
	NodeUpdatePlan        stage.Node = "update-plan"
	NodeTaskCompleted     stage.Node = "handle-task-completed"
	NodeRequestHelp       stage.Node = "request-help"
	NodeAwaitHelp         stage.Node = "await-help"
	NodeHousekeeping      stage.Node = "housekeeping"
	NodeDiagnose          stage.Node = "diagnose-error"
	NodeReviewOrConclude  stage.Node = "review-or-conclude"
	NodeAwaitReview       stage.Node = "await-review"
	NodeConclusion        stage.Node = "generate-conclusion"
	NodeSubmitPatch       stage.Node = "submit-patch"
	NodeEnd               stage.Node = "end"
)

// Input starts an implementer run. The planner hands over its sandbox and
// context notes.
type Input struct {
	Plan      *plan.TaskPlan `json:"plan"`
	Request   string         `json:"request"`
	Title     string         `json:"title"`
	SandboxID string         `json:"sandbox_id,omitempty"`
	Notes     []string       `json:"notes,omitempty"`
	RecordID  int            `json:"record_id,omitempty"`
}

// State is the implementer's checkpointed state.
type State struct {
	Input
	Node          stage.Node              `json:"node"`
	Branch        string                  `json:"branch,omitempty"`
	Messages      []llm.CompletionMessage `json:"messages"`
	Pending       []llm.ToolCall          `json:"pending,omitempty"`
	DocumentCache map[string]string       `json:"document_cache,omitempty"`
	// Signal data captured from the last batch.
	CompletedSummary string   `json:"completed_summary,omitempty"`
	PlanRevision     []string `json:"plan_revision,omitempty"`
	HelpRequest      string   `json:"help_request,omitempty"`

	Review     string `json:"review,omitempty"`
	Conclusion string `json:"conclusion,omitempty"`
	PatchURL   string `json:"patch_url,omitempty"`

	Actions               int  `json:"actions"`
	NoToolRetries         int  `json:"no_tool_retries,omitempty"`
	Commits               int  `json:"commits,omitempty"`
	ReviewCycle           int  `json:"review_cycle"`
	CompactedThrough      int  `json:"compacted_through,omitempty"`
	DependenciesInstalled bool `json:"dependencies_installed,omitempty"`
	// NewlyInstalled routes the next step through housekeeping.
	NewlyInstalled bool `json:"newly_installed,omitempty"`
}

// CurrentNode implements stage.Noded.
func (s *State) CurrentNode() stage.Node { return s.Node }

// Transitions is the implementer's transition table.
//
//nolint:gochecknoglobals // canonical transition map
var Transitions = map[stage.Node][]stage.Node{
	NodeInitializeSandbox: {NodeGenerate},
	NodeGenerate:          {NodeExecute, NodeReviewOrConclude},
	NodeExecute: {
		NodeGenerate, NodeUpdatePlan, NodeTaskCompleted, NodeRequestHelp,
		NodeHousekeeping, NodeDiagnose, NodeReviewOrConclude,
	},
	NodeUpdatePlan:       {NodeGenerate},
	NodeTaskCompleted:    {NodeGenerate, NodeReviewOrConclude},
	NodeRequestHelp:      {NodeAwaitHelp},
	NodeAwaitHelp:        {NodeGenerate},
	NodeHousekeeping:     {NodeGenerate},
	NodeDiagnose:         {NodeGenerate},
	NodeReviewOrConclude: {NodeAwaitReview, NodeConclusion},
	NodeAwaitReview:      {NodeGenerate, NodeConclusion},
	NodeConclusion:       {NodeSubmitPatch, NodeEnd},
	NodeSubmitPatch:      {NodeEnd},
}

// Implementer is the implementer stage machine.
type Implementer struct {
	env     *stage.Env
	loop    *toolloop.ToolLoop
	logger  *logx.Logger
	counter *utils.TokenCounter
}

// New creates an implementer.
func New(env *stage.Env) *Implementer {
	logger := logx.NewLogger(string(stage.KindImplementer))
	model := "gpt-4"
	if env.Models != nil {
		if mc, err := env.Models.Resolve(config.TaskProgrammer); err == nil {
			model = mc.Name
		}
	}
	counter, err := utils.NewTokenCounter(model)
	if err != nil {
		logger.Warn("token counter unavailable, estimating: %v", err)
	}
	return &Implementer{
		env:     env,
		loop:    env.Loop(config.TaskProgrammer),
		logger:  logger,
		counter: counter,
	}
}

// Kind implements stage.Machine.
func (m *Implementer) Kind() stage.Kind { return stage.KindImplementer }

// Transitions implements stage.Machine.
func (m *Implementer) Transitions() map[stage.Node][]stage.Node { return Transitions }

// Init implements stage.Machine.
func (m *Implementer) Init(_ context.Context, input json.RawMessage) (*State, error) {
	var in Input
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode implementer input: %w", err)
	}
	if in.Plan == nil {
		return nil, fmt.Errorf("implementer input has no plan: %w", plan.ErrNoActiveTask)
	}
	if _, err := in.Plan.ActiveTask(); err != nil {
		return nil, fmt.Errorf("implementer input: %w", err)
	}
	return &State{Input: in, Node: NodeInitializeSandbox}, nil
}

// Step implements stage.Machine.
func (m *Implementer) Step(ctx context.Context, s *State, ev stage.Event) (stage.Transition[*State], []stage.Effect, error) {
	var err error
	switch s.Node {
	case NodeInitializeSandbox:
		err = m.initializeSandbox(ctx, s)
	case NodeGenerate:
		err = m.generate(ctx, s)
	case NodeExecute:
		err = m.execute(ctx, s)
	case NodeUpdatePlan:
		err = m.updatePlan(ctx, s)
	case NodeTaskCompleted:
		err = m.taskCompleted(ctx, s)
	case NodeRequestHelp:
		return m.requestHelp(ctx, s)
	case NodeAwaitHelp:
		err = m.awaitHelp(s, ev)
	case NodeHousekeeping:
		err = m.housekeeping(ctx, s)
	case NodeDiagnose:
		err = m.diagnose(ctx, s)
	case NodeReviewOrConclude:
		return m.reviewOrConclude(s)
	case NodeAwaitReview:
		err = m.awaitReview(s, ev)
	case NodeConclusion:
		return m.conclude(ctx, s)
	case NodeSubmitPatch:
		return m.submitPatch(ctx, s)
	default:
		err = fmt.Errorf("unknown implementer node %q", s.Node)
	}
	if err != nil {
		return stage.Transition[*State]{}, nil, err
	}
	return stage.Continue(s), nil, nil
}

func (m *Implementer) initializeSandbox(ctx context.Context, s *State) error {
	if s.SandboxID == "" {
		sess, err := m.env.CreateSandbox(ctx, utils.SanitizeBranchName(s.Title))
		if err != nil {
			return err
		}
		s.SandboxID = sess.ID
	}
	ws, err := m.env.OpenWorkspace(ctx, s.SandboxID)
	if err != nil {
		return err
	}
	s.Branch = ws.Session().Branch
	s.Messages = []llm.CompletionMessage{
		llm.NewSystemMessage(systemPrompt),
		llm.NewUserMessage(initialRequest(s.Request, s.Plan, s.Notes)),
	}
	s.CompactedThrough = len(s.Messages)
	m.logger.Info("🛠️  implementing %q on %s", s.Title, s.Branch)
	s.Node = NodeGenerate
	return nil
}

func (m *Implementer) registry(s *State, wb tools.Workbench) *tools.Registry {
	reg := wb.Implementer(m.env.Provider(config.TaskProgrammer))
	if s.DependenciesInstalled {
		reg = reg.Without(tools.ToolInstallDependencies)
	}
	return reg
}

func (m *Implementer) generate(ctx context.Context, s *State) error {
	if !s.Plan.HasRemaining() {
		s.Node = NodeReviewOrConclude
		return nil
	}
	bp := m.env.Backpressure(config.TaskProgrammer)
	if bp.Exceeded(s.Actions) {
		m.logger.Warn("action budget reached (%d/%d), moving to review", s.Actions, bp.Limit())
		s.Node = NodeReviewOrConclude
		return nil
	}

	ws, err := m.env.OpenWorkspace(ctx, s.SandboxID)
	if err != nil {
		return err
	}
	resp, err := m.loop.Generate(ctx, s.Messages, m.registry(s, m.env.Workbench(ws)))
	if err != nil {
		return err
	}

	if !resp.HasToolCalls() {
		s.Messages = append(s.Messages, resp.AssistantMessage())
		s.Actions = bp.Count(s.Actions, 0)
		limits := m.env.Config.Limits
		streak := toolloop.NoToolStreak(s.Messages)
		switch {
		case streak < limits.NoToolCallWindow:
		case s.NoToolRetries < limits.MaxNoToolCallRetries:
			s.NoToolRetries++
			m.logger.Warn("no tool call in %d turns, retrying (%d/%d)", streak, s.NoToolRetries, limits.MaxNoToolCallRetries)
		default:
			m.logger.Warn("no tool call in %d turns, giving up on remaining items", streak)
			s.Node = NodeReviewOrConclude
			return nil
		}
		s.Messages = append(s.Messages, llm.NewUserMessage(noToolNudge))
		return nil
	}

	s.NoToolRetries = 0
	calls, dropped := executor.Exclusive(resp.ToolCalls, tools.ToolMarkTaskCompleted)
	if dropped {
		m.logger.Warn("mark_task_completed called with %d other tool(s), dropping them", len(resp.ToolCalls)-1)
	}
	if admitted, cut := bp.Admit(s.Actions, calls); cut > 0 {
		m.logger.Warn("action budget leaves room for %d of %d tool call(s), dropping the rest", len(admitted), len(calls))
		calls = admitted
	}
	if len(calls) == 0 {
		s.Messages = append(s.Messages, llm.NewAssistantMessage(resp.Content, nil))
		s.Actions = bp.Count(s.Actions, 0)
		return nil
	}
	s.Messages = append(s.Messages, llm.NewAssistantMessage(resp.Content, calls))
	s.Pending = calls
	s.Node = NodeExecute
	return nil
}

func (m *Implementer) execute(ctx context.Context, s *State) error {
	ws, err := m.env.OpenWorkspace(ctx, s.SandboxID)
	if err != nil {
		return err
	}
	ex := executor.New(executor.Config{
		Registry:  m.registry(s, m.env.Workbench(ws)),
		Workspace: ws,
		Observer:  m.env.Observer,
		Policy:    executor.PolicyMutating,
		Logger:    m.logger,
		// Every commit retries until a draft is linked; openDraftPatch is a
		// no-op once the plan carries a patch number.
		OnCommit: func(ctx context.Context, _ string, _ bool) error {
			return m.openDraftPatch(ctx, s, ws)
		},
	})
	ex.SetCommitCount(s.Commits)
	out, err := ex.Execute(ctx, s.Pending)
	if err != nil {
		return err
	}
	s.Commits = ex.CommitCount()
	s.Pending = nil
	s.Messages = append(s.Messages, llm.NewToolResultMessage(out.Results))
	m.applyPatch(s, out.StatePatch)

	bp := m.env.Backpressure(config.TaskProgrammer)
	s.Actions = bp.Count(s.Actions, len(out.Results))

	if eff, ok := out.Effect(tools.ToolMarkTaskCompleted); ok {
		s.CompletedSummary, _ = eff.Data["completed_task_summary"].(string)
		s.Node = NodeTaskCompleted
		return nil
	}
	if eff, ok := out.Effect(tools.ToolRequestHumanHelp); ok {
		s.HelpRequest, _ = eff.Data["help_request"].(string)
		s.Node = NodeRequestHelp
		return nil
	}
	if eff, ok := out.Effect(tools.ToolUpdatePlan); ok {
		s.PlanRevision = stringList(eff.Data["remaining_items"])
		s.Node = NodeUpdatePlan
		return nil
	}

	switch {
	case bp.Exceeded(s.Actions):
		m.logger.Warn("action budget reached (%d/%d), moving to review", s.Actions, bp.Limit())
		s.Node = NodeReviewOrConclude
	case m.env.FailureRouter().Route(toolloop.RecentResults(s.Messages, m.env.Config.Limits.FailureWindow)) == executor.RouteDiagnose:
		s.Node = NodeDiagnose
	case s.NewlyInstalled || m.needsCompaction(s):
		s.Node = NodeHousekeeping
	default:
		s.Node = NodeGenerate
	}
	return nil
}

// applyPatch merges tool state patches into the implementer state.
func (m *Implementer) applyPatch(s *State, patch tools.StatePatch) {
	s.NewlyInstalled = false
	if cache, ok := patch[tools.PatchDocumentCache].(map[string]string); ok {
		if s.DocumentCache == nil {
			s.DocumentCache = make(map[string]string, len(cache))
		}
		for path, content := range cache {
			s.DocumentCache[path] = content
		}
	}
	if installed, ok := patch[tools.PatchDependenciesInstalled].(bool); ok && installed && !s.DependenciesInstalled {
		s.DependenciesInstalled = true
		s.NewlyInstalled = true
	}
}

// openDraftPatch pushes the branch and opens a draft patch on the first commit.
func (m *Implementer) openDraftPatch(ctx context.Context, s *State, ws *sandbox.Workspace) error {
	if !m.env.Tracking() || m.env.Local() || m.env.Patches == nil {
		return nil
	}
	if _, ok := s.Plan.PullRequestNumber(); ok {
		return nil
	}
	if m.env.GitHubToken != "" {
		if err := ws.Push(ctx, m.env.GitHubToken); err != nil {
			return err
		}
	}
	patch, err := m.env.Patches.CreatePatch(ctx, tracker.PatchRequest{
		Title:    "[WIP] " + s.Title,
		Body:     "Work in progress.",
		Head:     s.Branch,
		Base:     m.env.Config.GitHub.BaseBranch,
		RecordID: s.RecordID,
		Draft:    true,
	})
	if err != nil {
		return fmt.Errorf("open draft patch: %w", err)
	}
	if err := s.Plan.LinkPullRequest(patch.Number); err != nil {
		return err
	}
	s.PatchURL = patch.URL
	m.logger.Info("📝 opened draft patch #%d", patch.Number)
	return m.persistPlan(ctx, s)
}

func (m *Implementer) persistPlan(ctx context.Context, s *State) error {
	if !m.env.Tracking() || s.RecordID <= 0 {
		return nil
	}
	if err := m.env.Records.WritePlan(ctx, s.RecordID, s.Plan); err != nil {
		return fmt.Errorf("persist plan: %w", err)
	}
	return nil
}

func (m *Implementer) updatePlan(ctx context.Context, s *State) error {
	next := s.Plan.Clone()
	if err := next.Revise(s.PlanRevision); err != nil {
		return fmt.Errorf("revise plan: %w", err)
	}
	if err := plan.VerifyMonotonic(s.Plan, next); err != nil {
		return err
	}
	s.Plan = next
	s.PlanRevision = nil
	if err := m.persistPlan(ctx, s); err != nil {
		return err
	}
	m.logger.Info("🗒️  plan revised, %d item(s) remaining", len(s.Plan.RemainingItems()))
	s.Messages = append(s.Messages, llm.NewUserMessage(planUpdated(s.Plan)))
	s.Node = NodeGenerate
	return nil
}

func (m *Implementer) taskCompleted(ctx context.Context, s *State) error {
	item, err := s.Plan.CompleteActiveItem(s.CompletedSummary)
	if err != nil {
		return fmt.Errorf("complete plan item: %w", err)
	}
	m.logger.Info("☑️  completed item %d: %s", item.Index+1, item.Plan)
	s.CompletedSummary = ""
	if err := m.persistPlan(ctx, s); err != nil {
		return err
	}
	if err := m.compact(ctx, s); err != nil {
		return err
	}
	next, err := s.Plan.ActiveItem()
	if err != nil {
		s.Node = NodeReviewOrConclude
		return nil //nolint:nilerr // no remaining item is the normal exit
	}
	s.Messages = append(s.Messages, llm.NewUserMessage(nextItem(next)))
	s.Node = NodeGenerate
	return nil
}

func (m *Implementer) requestHelp(ctx context.Context, s *State) (stage.Transition[*State], []stage.Effect, error) {
	if err := m.env.Sandboxes.Pause(ctx, s.SandboxID); err != nil {
		return stage.Transition[*State]{}, nil, fmt.Errorf("pause sandbox: %w", err)
	}
	s.Node = NodeAwaitHelp
	m.logger.Info("🙋 asking for help: %s", s.HelpRequest)
	return stage.Suspend(s, s.HelpRequest, stage.ContractHelp), nil, nil
}

func (m *Implementer) awaitHelp(s *State, ev stage.Event) error {
	if ev.Type != stage.EventResume || ev.Human == nil {
		return fmt.Errorf("implementer waiting for help, got %s event", ev.Type)
	}
	if ev.Human.Type == session.ResponseResponse && strings.TrimSpace(ev.Human.Args) != "" {
		s.Messages = append(s.Messages, llm.NewUserMessage(helpAnswer(ev.Human.Args)))
	} else {
		s.Messages = append(s.Messages, llm.NewUserMessage(helpIgnored))
	}
	s.HelpRequest = ""
	s.Node = NodeGenerate
	return nil
}

func (m *Implementer) housekeeping(ctx context.Context, s *State) error {
	if s.NewlyInstalled {
		m.logger.Info("📦 dependencies installed, removing install tool")
		s.NewlyInstalled = false
	}
	if err := m.compact(ctx, s); err != nil {
		return err
	}
	s.Node = NodeGenerate
	return nil
}

func (m *Implementer) diagnose(ctx context.Context, s *State) error {
	failures := toolloop.RecentResults(s.Messages, m.env.Config.Limits.FailureWindow)
	msg, err := m.env.Diagnose(ctx, config.TaskProgrammer, s.Messages, failures)
	if err != nil {
		return err
	}
	m.logger.Info("🩺 diagnosed %d consecutive tool failure(s)", len(failures))
	s.Messages = append(s.Messages, msg)
	s.Node = NodeGenerate
	return nil
}

func (m *Implementer) reviewOrConclude(s *State) (stage.Transition[*State], []stage.Effect, error) {
	maxCycles := m.env.Config.Limits.MaxReviewCycles
	if s.ReviewCycle >= maxCycles {
		m.logger.Info("review cycle limit reached (%d), concluding", maxCycles)
		s.Node = NodeConclusion
		return stage.Continue(s), nil, nil
	}
	s.Node = NodeAwaitReview
	child := stage.StartChild{
		Kind:  stage.KindReviewer,
		Await: true,
		Input: reviewer.Input{
			Plan:      s.Plan,
			Request:   s.Request,
			SandboxID: s.SandboxID,
			RecordID:  s.RecordID,
			Cycle:     s.ReviewCycle,
		},
	}
	return stage.Continue(s), []stage.Effect{child}, nil
}

func (m *Implementer) awaitReview(s *State, ev stage.Event) error {
	if ev.Type != stage.EventChild || ev.Child == nil {
		return fmt.Errorf("implementer waiting for review, got %s event", ev.Type)
	}
	if ev.Child.Status == session.StatusError {
		return fmt.Errorf("reviewer failed: %s", ev.Child.Err)
	}
	var review reviewer.State
	if err := ev.Child.Decode(&review); err != nil {
		return err
	}
	s.Review = review.Review
	if review.Verdict != reviewer.VerdictIncomplete {
		s.Node = NodeConclusion
		return nil
	}
	if err := plan.VerifyMonotonic(s.Plan, review.Plan); err != nil {
		return fmt.Errorf("reviewer plan: %w", err)
	}
	s.Plan = review.Plan
	s.ReviewCycle = review.Cycle
	s.Actions = 0
	s.Messages = append(s.Messages, llm.NewUserMessage(reviewFeedback(review.Review, review.Added)))
	s.Node = NodeGenerate
	return nil
}

func (m *Implementer) conclude(ctx context.Context, s *State) (stage.Transition[*State], []stage.Effect, error) {
	messages := append(append([]llm.CompletionMessage(nil), s.Messages...), llm.NewUserMessage(conclusionPrompt))
	text, err := m.loop.Complete(ctx, messages)
	if err != nil {
		return stage.Transition[*State]{}, nil, fmt.Errorf("generate conclusion: %w", err)
	}
	s.Conclusion = strings.TrimSpace(text)
	if m.env.Local() {
		s.Node = NodeEnd
		m.logger.Info("🏁 local run finished on %s", s.Branch)
		return stage.Terminate(s), nil, nil
	}
	s.Node = NodeSubmitPatch
	return stage.Continue(s), nil, nil
}

type prArgs struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (m *Implementer) submitPatch(ctx context.Context, s *State) (stage.Transition[*State], []stage.Effect, error) {
	fail := func(err error) (stage.Transition[*State], []stage.Effect, error) {
		return stage.Transition[*State]{}, nil, err
	}
	ws, err := m.env.OpenWorkspace(ctx, s.SandboxID)
	if err != nil {
		return fail(err)
	}
	if _, committed, err := ws.Commit("shipwright: final changes"); err != nil {
		return fail(fmt.Errorf("commit outstanding changes: %w", err))
	} else if committed {
		s.Commits++
	}
	if m.env.GitHubToken != "" {
		if err := ws.Push(ctx, m.env.GitHubToken); err != nil {
			return fail(err)
		}
	}

	prompt := append(append([]llm.CompletionMessage(nil), s.Messages...), llm.NewUserMessage(fmt.Sprintf(openPRPrompt, s.Conclusion)))
	_, args, err := toolloop.ForceInto[prArgs](ctx, m.loop, prompt, tools.NewRegistry(tools.NewOpenPRTool()))
	if err != nil {
		return fail(fmt.Errorf("generate patch description: %w", err))
	}

	if m.env.Patches != nil {
		req := tracker.PatchRequest{
			Title:    args.Title,
			Body:     args.Body,
			Head:     s.Branch,
			Base:     m.env.Config.GitHub.BaseBranch,
			RecordID: s.RecordID,
		}
		var patch tracker.Patch
		if number, ok := s.Plan.PullRequestNumber(); ok {
			patch, err = m.env.Patches.UpdatePatch(ctx, number, req)
		} else {
			patch, err = m.env.Patches.CreatePatch(ctx, req)
			if err == nil {
				err = s.Plan.LinkPullRequest(patch.Number)
			}
		}
		if err != nil {
			return fail(fmt.Errorf("submit patch: %w", err))
		}
		s.PatchURL = patch.URL
		m.logger.Info("🚀 submitted patch #%d %s", patch.Number, patch.URL)
	}

	if err := s.Plan.CompleteTask(s.Conclusion); err != nil {
		return fail(err)
	}
	if err := m.persistPlan(ctx, s); err != nil {
		return fail(err)
	}
	if _, err := m.env.Sandboxes.Delete(ctx, s.SandboxID); err != nil {
		m.logger.Warn("failed to delete sandbox %s: %v", s.SandboxID, err)
	}
	s.Node = NodeEnd
	return stage.Terminate(s), nil, nil
}

func stringList(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		if list, ok := v.([]string); ok {
			return list
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if str, ok := item.(string); ok && strings.TrimSpace(str) != "" {
			out = append(out, str)
		}
	}
	return out
}
