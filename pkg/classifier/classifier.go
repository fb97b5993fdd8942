// Package classifier implements the entry stage: it classifies the latest
// message of a conversation and routes it to a new planner, a running
// session or nowhere.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/agent/toolloop"
	"shipwright/pkg/config"
	"shipwright/pkg/logx"
	"shipwright/pkg/plan"
	"shipwright/pkg/planner"
	"shipwright/pkg/session"
	"shipwright/pkg/stage"
	"shipwright/pkg/tools"
	"shipwright/pkg/tracker"
)

// Route is the classifier's routing decision.
type Route string

// Routes.
const (
	RouteNoOp                    Route = "no_op"
	RouteCreateNewIssue          Route = "create_new_issue"
	RouteStartPlanner            Route = "start_planner"
	RouteStartPlannerForFollowup Route = "start_planner_for_followup"
	RouteUpdateProgrammer        Route = "update_programmer"
	RouteUpdatePlanner           Route = "update_planner"
	RouteResumeAndUpdatePlanner  Route = "resume_and_update_planner"
)

// StartsPlanner reports whether r starts a new planner run.
func (r Route) StartsPlanner() bool {
	return r == RouteStartPlanner || r == RouteStartPlannerForFollowup
}

// Classifier nodes.
const (
	NodeClassify stage.Node = "classify"
	NodeStarted  stage.Node = "planner-started"
	NodeEnd      stage.Node = "end"
)

// Input is the conversation to classify and the sessions it already owns.
type Input struct {
	Messages            []llm.CompletionMessage `json:"messages"`
	RecordID            int                     `json:"record_id,omitempty"`
	PlannerThreadID     string                  `json:"planner_thread_id,omitempty"`
	ImplementerThreadID string                  `json:"implementer_thread_id,omitempty"`
	// PostedThrough counts the messages already mirrored to the tracking record.
	PostedThrough int `json:"posted_through,omitempty"`
}

// State is the classifier's checkpointed state. Its final Input is what the
// caller keeps for the next message.
type State struct {
	Input
	Node              stage.Node     `json:"node"`
	Route             Route          `json:"route,omitempty"`
	Reasoning         string         `json:"reasoning,omitempty"`
	PlannerStatus     session.Status `json:"planner_status,omitempty"`
	ImplementerStatus session.Status `json:"implementer_status,omitempty"`
}

// CurrentNode implements stage.Noded.
func (s *State) CurrentNode() stage.Node { return s.Node }

// Transitions is the classifier's transition table.
//
//nolint:gochecknoglobals // canonical transition map
var Transitions = map[stage.Node][]stage.Node{
	NodeClassify: {NodeStarted, NodeEnd},
	NodeStarted:  {NodeEnd},
}

// Classifier is the classifier stage machine.
type Classifier struct {
	env    *stage.Env
	loop   *toolloop.ToolLoop
	logger *logx.Logger
}

// New creates a classifier.
func New(env *stage.Env) *Classifier {
	return &Classifier{env: env, loop: env.Loop(config.TaskRouter), logger: logx.NewLogger(string(stage.KindClassifier))}
}

// Kind implements stage.Machine.
func (c *Classifier) Kind() stage.Kind { return stage.KindClassifier }

// Transitions implements stage.Machine.
func (c *Classifier) Transitions() map[stage.Node][]stage.Node { return Transitions }

// Init implements stage.Machine.
func (c *Classifier) Init(_ context.Context, input json.RawMessage) (*State, error) {
	var in Input
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode classifier input: %w", err)
	}
	if lastUser(in.Messages) < 0 {
		return nil, stage.ErrMissingUserMessage
	}
	return &State{Input: in, Node: NodeClassify}, nil
}

// Step implements stage.Machine.
func (c *Classifier) Step(ctx context.Context, s *State, ev stage.Event) (stage.Transition[*State], []stage.Effect, error) {
	switch s.Node {
	case NodeClassify:
		return c.classify(ctx, s)
	case NodeStarted:
		if ev.Type != stage.EventChild || ev.Child == nil {
			return stage.Transition[*State]{}, nil, fmt.Errorf("classifier waiting for planner start, got %s event", ev.Type)
		}
		s.PlannerThreadID = ev.Child.Session.ThreadID
		s.Node = NodeEnd
		c.logger.Info("▶️  planner %s started", s.PlannerThreadID)
		return stage.Terminate(s), nil, nil
	default:
		return stage.Transition[*State]{}, nil, fmt.Errorf("unknown classifier node %q", s.Node)
	}
}

type routeArgs struct {
	Route      Route  `json:"route"`
	Response   string `json:"response"`
	IssueTitle string `json:"issue_title"`
	Reasoning  string `json:"reasoning"`
}

func (c *Classifier) classify(ctx context.Context, s *State) (stage.Transition[*State], []stage.Effect, error) {
	fail := func(err error) (stage.Transition[*State], []stage.Effect, error) {
		return stage.Transition[*State]{}, nil, err
	}

	var err error
	if s.PlannerStatus, err = c.status(ctx, s.PlannerThreadID); err != nil {
		return fail(err)
	}
	if s.ImplementerStatus, err = c.status(ctx, s.ImplementerThreadID); err != nil {
		return fail(err)
	}
	current, err := c.currentPlan(ctx, s)
	if err != nil {
		return fail(err)
	}

	prompt := append([]llm.CompletionMessage{llm.NewSystemMessage(routingPrompt(s.PlannerStatus, s.ImplementerStatus, current))}, s.Messages...)
	_, args, err := toolloop.ForceInto[routeArgs](ctx, c.loop, prompt, tools.NewRegistry(tools.NewRouteMessageTool()))
	if err != nil {
		return fail(fmt.Errorf("classify message: %w", err))
	}
	s.Route = args.Route
	s.Reasoning = args.Reasoning
	c.logger.Info("🧭 routed to %s (planner %s, implementer %s)", s.Route, s.PlannerStatus, s.ImplementerStatus)

	switch s.Route {
	case RouteNoOp:
		s.Messages = append(s.Messages, llm.NewAssistantMessage(args.Response, nil))
		return c.end(s, nil)
	case RouteCreateNewIssue:
		if c.env.Tracking() && !c.env.Local() {
			if err := c.createRecord(ctx, s, args.IssueTitle); err != nil {
				return fail(err)
			}
		}
		return c.end(s, nil)
	}

	var effects []stage.Effect
	switch {
	case c.env.Local():
		if !s.Route.StartsPlanner() {
			return fail(&RoutingError{Route: string(s.Route), Mode: ModeLocal})
		}
	case !c.env.Tracking():
		if !s.Route.StartsPlanner() {
			return fail(&RoutingError{Route: string(s.Route), Mode: ModeUntracked})
		}
	default:
		if effects, err = c.syncRecord(ctx, s, args.IssueTitle); err != nil {
			return fail(err)
		}
	}

	switch s.Route {
	case RouteUpdateProgrammer, RouteUpdatePlanner, RouteResumeAndUpdatePlanner:
		// The running stage picks the new messages up from the record. Kept
		// as an explicit no-op ending.
		return c.end(s, effects)
	case RouteStartPlanner, RouteStartPlannerForFollowup:
		followup := s.Route == RouteStartPlannerForFollowup
		in := planner.Input{
			Request:  s.Messages[lastUser(s.Messages)].Content,
			RecordID: s.RecordID,
			Followup: followup,
		}
		if followup {
			in.Plan = current
		}
		effects = append(effects, stage.StartChild{Kind: stage.KindPlanner, Input: in})
		s.Node = NodeStarted
		return stage.Continue(s), effects, nil
	default:
		return fail(&RoutingError{Route: string(s.Route), Mode: ModeTracked})
	}
}

func (c *Classifier) end(s *State, effects []stage.Effect) (stage.Transition[*State], []stage.Effect, error) {
	s.Node = NodeEnd
	return stage.Terminate(s), effects, nil
}

func (c *Classifier) status(ctx context.Context, threadID string) (session.Status, error) {
	if threadID == "" || c.env.Sessions == nil {
		return session.StatusNotStarted, nil
	}
	st, err := c.env.Sessions.Status(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("session %s status: %w", threadID, err)
	}
	return st, nil
}

func (c *Classifier) currentPlan(ctx context.Context, s *State) (*plan.TaskPlan, error) {
	if !c.env.Tracking() || s.RecordID <= 0 {
		return nil, nil
	}
	p, err := c.env.Records.ReadPlan(ctx, s.RecordID)
	if err != nil {
		return nil, fmt.Errorf("read plan from record %d: %w", s.RecordID, err)
	}
	return p, nil
}

// syncRecord creates the tracking record on first contact, or mirrors new
// user messages to it. An interrupted planner is resumed with those messages.
func (c *Classifier) syncRecord(ctx context.Context, s *State, suggestedTitle string) ([]stage.Effect, error) {
	if s.RecordID <= 0 {
		return nil, c.createRecord(ctx, s, suggestedTitle)
	}

	var fresh []string
	for i := s.PostedThrough; i < len(s.Messages); i++ {
		if s.Messages[i].Role != llm.RoleUser || strings.TrimSpace(s.Messages[i].Content) == "" {
			continue
		}
		if err := c.env.Records.AppendComment(ctx, s.RecordID, s.Messages[i].Content); err != nil {
			return nil, fmt.Errorf("post follow-up to record %d: %w", s.RecordID, err)
		}
		fresh = append(fresh, s.Messages[i].Content)
	}
	s.PostedThrough = len(s.Messages)
	if len(fresh) == 0 || s.PlannerStatus != session.StatusInterrupted {
		return nil, nil
	}
	c.logger.Info("resuming interrupted planner %s with %d new message(s)", s.PlannerThreadID, len(fresh))
	return []stage.Effect{stage.ResumeSession{
		ThreadID: s.PlannerThreadID,
		Response: session.HumanResponse{Type: session.ResponseRespond, Args: strings.Join(fresh, "\n\n")},
	}}, nil
}

// createRecord opens a tracking record for the conversation and rewrites the
// triggering message to reference it.
func (c *Classifier) createRecord(ctx context.Context, s *State, suggestedTitle string) error {
	last := lastUser(s.Messages)
	var body []string
	for _, m := range s.Messages {
		if m.Role == llm.RoleUser && strings.TrimSpace(m.Content) != "" {
			body = append(body, m.Content)
		}
	}
	id, err := c.env.Records.CreateRecord(ctx, recordTitle(suggestedTitle, s.Messages[last].Content), strings.Join(body, "\n\n"))
	if err != nil {
		return fmt.Errorf("create tracking record: %w", err)
	}
	s.RecordID = id
	s.Messages[last].Content += trackingReference(tracker.RecordRef(id))
	s.PostedThrough = len(s.Messages)
	c.logger.Info("📌 created tracking record %s", tracker.RecordRef(id))
	return nil
}

func lastUser(messages []llm.CompletionMessage) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser && len(messages[i].ToolResults) == 0 {
			return i
		}
	}
	return -1
}
