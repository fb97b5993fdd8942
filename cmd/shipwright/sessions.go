package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"shipwright/pkg/metrics"
)

var (
	sessionsKind string
	statsThread  string
	statsUsage   bool
)

func init() {
	sessionsCmd.Flags().StringVar(&sessionsKind, "kind", "", "only list sessions of this stage (classifier, planner, implementer, reviewer)")
	statsCmd.Flags().StringVar(&statsThread, "thread", "", "only count tool calls of this session")
	statsCmd.Flags().BoolVar(&statsUsage, "usage", false, "also query Prometheus for token usage and cost")
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stage sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		recs, err := store.ListSessions(ctx, sessionsKind)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "THREAD\tSTAGE\tSTATUS\tNODE\tPARENT\tUPDATED")
		for _, rec := range recs {
			status := rec.Status
			if rec.Pending() {
				status += " (" + rec.InterruptContract + ")"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				rec.ThreadID, rec.Kind, status, rec.Node, rec.ParentThreadID, rec.UpdatedAt.Format(time.DateTime))
		}
		return w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show tool execution statistics and model usage",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		stats, err := store.ToolExecutionStats(ctx, statsThread)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TOOL\tCALLS\tERRORS\tAVG")
		for _, ts := range stats {
			avg := time.Duration(0)
			if ts.Calls > 0 {
				avg = time.Duration(ts.TotalMillis/int64(ts.Calls)) * time.Millisecond
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", ts.ToolName, ts.Calls, ts.Errors, avg)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if !statsUsage {
			return nil
		}
		query, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if err != nil {
			return err
		}
		usage, err := query.GetUsageByTaskKind(ctx)
		if err != nil {
			return err
		}
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TASK KIND\tREQUESTS\tPROMPT\tCOMPLETION\tCOST (USD)")
		for _, u := range usage {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.4f\n", u.TaskKind, u.Requests, u.PromptTokens, u.CompletionTokens, u.TotalCost)
		}
		return w.Flush()
	},
}
