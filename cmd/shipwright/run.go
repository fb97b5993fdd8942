package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"shipwright/pkg/agent/llm"
	"shipwright/pkg/classifier"
	"shipwright/pkg/persistence"
	"shipwright/pkg/session"
	"shipwright/pkg/stage"
)

var (
	runConversation string
	runRecord       int
	runDetach       bool
)

func init() {
	runCmd.Flags().StringVar(&runConversation, "conversation", "", "classifier thread id of the conversation to continue")
	runCmd.Flags().IntVar(&runRecord, "record", 0, "existing tracking record to attach the request to")
	runCmd.Flags().BoolVar(&runDetach, "detach", false, "do not prompt for approvals, print resume commands instead")
	resumeCmd.Flags().BoolVar(&runDetach, "detach", false, "do not prompt for further approvals")
}

var runCmd = &cobra.Command{
	Use:   "run <message>",
	Short: "Route a message and follow the sessions it starts",
	Long: `Route a message through the classifier. A new request starts a planner;
its plan is shown for approval and, once accepted, an implementer works it.

Examples:
  # Start a new change request
  shipwright run "add a --verbose flag to the CLI"

  # Add a follow-up to an earlier conversation
  shipwright run --conversation 6f1c... "also document the flag"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		in, err := a.conversation(ctx, runConversation)
		if err != nil {
			return err
		}
		if runRecord > 0 {
			in.RecordID = runRecord
		}
		in.Messages = append(in.Messages, llm.NewUserMessage(strings.Join(args, " ")))

		res, err := a.engine.Start(ctx, stage.KindClassifier, in, true)
		if err != nil {
			return err
		}
		var out classifier.State
		if err := json.Unmarshal(res.State, &out); err != nil {
			return fmt.Errorf("decode classifier result: %w", err)
		}
		fmt.Printf("🧭 %s (conversation %s)\n", out.Route, res.Session.ThreadID)
		if out.RecordID > 0 {
			fmt.Printf("📌 tracking record #%d\n", out.RecordID)
		}
		if out.Route == classifier.RouteNoOp {
			fmt.Println(out.Messages[len(out.Messages)-1].Content)
			return nil
		}
		if out.Route.StartsPlanner() && out.PlannerThreadID != "" {
			return a.follow(ctx, out.PlannerThreadID, interactive())
		}
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <thread-id> <accept|edit|respond|ignore|response> [text]",
	Short: "Answer a suspended session",
	Long: `Answer a session that is waiting for a human: a planner waiting for plan
approval (accept, edit, respond, ignore) or an implementer asking for help
(response, ignore). Edited plans separate items with "---" lines.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		resp := session.HumanResponse{Type: session.ResponseType(args[1]), Args: strings.Join(args[2:], " ")}
		if _, err := a.engine.Resume(ctx, args[0], resp); err != nil {
			return err
		}
		return a.follow(ctx, args[0], interactive())
	},
}

func interactive() bool {
	return !runDetach && term.IsTerminal(int(os.Stdin.Fd())) //nolint:gosec // fd fits in int
}

// conversation rebuilds the classifier input of an earlier conversation.
func (a *app) conversation(ctx context.Context, threadID string) (classifier.Input, error) {
	if threadID == "" {
		return classifier.Input{}, nil
	}
	rec, err := a.engine.Session(ctx, threadID)
	if err != nil {
		return classifier.Input{}, err
	}
	if stage.Kind(rec.Kind) != stage.KindClassifier {
		return classifier.Input{}, fmt.Errorf("session %s is a %s session, not a conversation", threadID, rec.Kind)
	}
	var prev classifier.State
	if err := json.Unmarshal(rec.State, &prev); err != nil {
		return classifier.Input{}, fmt.Errorf("decode conversation %s: %w", threadID, err)
	}
	in := prev.Input
	if in.PlannerThreadID != "" {
		impls, err := a.children(ctx, in.PlannerThreadID)
		if err != nil {
			return classifier.Input{}, err
		}
		for _, child := range impls {
			if stage.Kind(child.Kind) == stage.KindImplementer {
				in.ImplementerThreadID = child.ThreadID
			}
		}
	}
	return in, nil
}

// children lists the sessions started by threadID, awaited reviewers excluded.
func (a *app) children(ctx context.Context, threadID string) ([]*persistence.SessionRecord, error) {
	all, err := a.engine.Sessions(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []*persistence.SessionRecord
	for _, rec := range all {
		if rec.ParentThreadID == threadID && stage.Kind(rec.Kind) != stage.KindReviewer {
			out = append(out, rec)
		}
	}
	return out, nil
}

// follow waits for threadID, answers its suspensions and then follows the
// sessions it started.
func (a *app) follow(ctx context.Context, threadID string, prompt bool) error {
	in := bufio.NewReader(os.Stdin)
	for {
		if err := a.engine.Wait(ctx, threadID); err != nil {
			return err
		}
		rec, err := a.engine.Session(ctx, threadID)
		if err != nil {
			return err
		}

		switch {
		case rec.Pending():
			fmt.Printf("\n⏸️  %s %s is waiting (%s)\n\n%s\n\n", rec.Kind, rec.ThreadID, rec.InterruptContract, rec.InterruptReason)
			if !prompt {
				fmt.Printf("answer with: shipwright resume %s <response> [text]\n", rec.ThreadID)
				return nil
			}
			resp, err := ask(in, stage.ResumeContract(rec.InterruptContract))
			if err != nil {
				return err
			}
			if _, err := a.engine.Resume(ctx, threadID, resp); err != nil {
				return err
			}
			continue
		case rec.Status == persistence.StatusError:
			return fmt.Errorf("%s session %s failed: %s", rec.Kind, rec.ThreadID, rec.Error)
		case rec.Status == persistence.StatusBusy:
			fmt.Printf("%s %s is still running\n", rec.Kind, rec.ThreadID)
			return nil
		}

		fmt.Printf("✅ %s %s finished at %s\n", rec.Kind, rec.ThreadID, rec.Node)
		children, err := a.children(ctx, threadID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := a.follow(ctx, child.ThreadID, prompt); err != nil {
				return err
			}
		}
		return nil
	}
}

// ask reads a response for contract from the terminal.
func ask(in *bufio.Reader, contract stage.ResumeContract) (session.HumanResponse, error) {
	choices := []session.ResponseType{session.ResponseAccept, session.ResponseEdit, session.ResponseRespond, session.ResponseIgnore}
	if contract == stage.ContractHelp {
		choices = []session.ResponseType{session.ResponseResponse, session.ResponseIgnore}
	}
	names := make([]string, len(choices))
	for i, c := range choices {
		names[i] = string(c)
	}

	for {
		fmt.Printf("%s? ", strings.Join(names, "/"))
		line, err := readLine(in)
		if err != nil {
			return session.HumanResponse{}, err
		}
		choice := session.ResponseType(strings.ToLower(line))
		if !contract.Accepts(choice) {
			continue
		}
		resp := session.HumanResponse{Type: choice}
		switch choice {
		case session.ResponseEdit:
			fmt.Printf("enter the plan, items separated by %q lines, end with a single \".\"\n", session.PlanEditDelimiter)
			resp.Args, err = readBlock(in)
		case session.ResponseRespond, session.ResponseResponse:
			fmt.Print("> ")
			resp.Args, err = readLine(in)
		}
		return resp, err
	}
}

func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func readBlock(in *bufio.Reader) (string, error) {
	var lines []string
	for {
		line, err := in.ReadString('\n')
		if strings.TrimSpace(line) == "." {
			break
		}
		lines = append(lines, strings.TrimRight(line, "\r\n"))
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("read plan: %w", err)
		}
	}
	return strings.Join(lines, "\n"), nil
}
