package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"shipwright/pkg/logx"
	"shipwright/pkg/persistence"
)

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Expose /metrics with the persisted session and tool statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		reg := prometheus.NewRegistry()
		reg.MustRegister(newStoreCollector(store))
		logger := logx.NewLogger("metrics")
		srv := serveMetrics(ctx, cfg.Metrics.ListenAddr, reg, logger)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// serveMetrics serves g on addr until ctx ends.
func serveMetrics(ctx context.Context, addr string, g prometheus.Gatherer, logger *logx.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("📈 serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	return srv
}

// storeCollector exports session and tool counts read from the store at
// scrape time.
type storeCollector struct {
	store    *persistence.Store
	sessions *prometheus.Desc
	calls    *prometheus.Desc
	errors   *prometheus.Desc
	logger   *logx.Logger
}

func newStoreCollector(store *persistence.Store) *storeCollector {
	return &storeCollector{
		store: store,
		sessions: prometheus.NewDesc("shipwright_sessions",
			"Stored stage sessions by stage and status", []string{"stage", "status"}, nil),
		calls: prometheus.NewDesc("shipwright_stored_tool_calls",
			"Tool calls recorded in the session store", []string{"tool"}, nil),
		errors: prometheus.NewDesc("shipwright_stored_tool_errors",
			"Failed tool calls recorded in the session store", []string{"tool"}, nil),
		logger: logx.NewLogger("metrics"),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessions
	ch <- c.calls
	ch <- c.errors
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recs, err := c.store.ListSessions(ctx, "")
	if err != nil {
		c.logger.Warn("failed to list sessions: %v", err)
		return
	}
	type key struct{ stage, status string }
	counts := map[key]int{}
	for _, rec := range recs {
		counts[key{rec.Kind, rec.Status}]++
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(n), k.stage, k.status)
	}

	stats, err := c.store.ToolExecutionStats(ctx, "")
	if err != nil {
		c.logger.Warn("failed to read tool stats: %v", err)
		return
	}
	for _, ts := range stats {
		ch <- prometheus.MustNewConstMetric(c.calls, prometheus.CounterValue, float64(ts.Calls), ts.ToolName)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(ts.Errors), ts.ToolName)
	}
}
