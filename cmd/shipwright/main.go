// Package main implements the shipwright CLI: it routes a change request
// through the planner and implementer stages and manages their sessions.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"shipwright/pkg/agent/middleware/metrics"
	"shipwright/pkg/agent/modelmgr"
	"shipwright/pkg/config"
	"shipwright/pkg/engine"
	execpkg "shipwright/pkg/exec"
	"shipwright/pkg/logx"
	"shipwright/pkg/persistence"
	"shipwright/pkg/sandbox"
	"shipwright/pkg/stage"
	"shipwright/pkg/tracker"
	"shipwright/pkg/tracker/github"
	"shipwright/pkg/tracker/local"
)

// Version information, set via ldflags.
var version = "dev"

var (
	configPath string
	envFiles   []string
	cfg        *config.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	logx.Sync()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shipwright",
	Short: "Plan, implement and review code changes with LLM stages",
	Long: `shipwright turns a change request into a reviewed patch.

A classifier routes each message, a planner gathers context and proposes a
plan for approval, and an implementer works through the plan in a git
sandbox, asking a reviewer for a verdict before it concludes.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if err := loadEnvFiles(envFiles); err != nil {
			return err
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := logx.Configure(loaded.Logging); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath, "config file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "env files loaded before the config")
	rootCmd.AddCommand(runCmd, resumeCmd, sessionsCmd, statsCmd, serveMetricsCmd, secretsCmd)
}

// loadEnvFiles loads each file that exists. Variables already set win.
func loadEnvFiles(paths []string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", path, err)
		}
	}
	return nil
}

// app is the wired process: one model manager, one engine, one store.
type app struct {
	engine *engine.Engine
	store  *persistence.Store
	logger *logx.Logger
}

func openStore(ctx context.Context) (*persistence.Store, error) {
	return persistence.Open(ctx, cfg.Persistence.DBPath)
}

func newApp(ctx context.Context) (*app, error) {
	logger := logx.NewLogger("shipwright")
	secrets, err := loadSecrets()
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	var recorder metrics.Recorder = metrics.NewInternalRecorder()
	if cfg.Metrics.Enabled {
		recorder = metrics.Multi{recorder, metrics.NewPrometheusRecorder(prometheus.DefaultRegisterer)}
		serveMetrics(ctx, cfg.Metrics.ListenAddr, prometheus.DefaultGatherer, logger)
	}
	models := modelmgr.New(cfg, modelmgr.WithRecorder(recorder), modelmgr.WithKeySource(modelmgr.SecretKeys(secrets)))

	sandboxes, err := sandbox.NewGitProvider(cfg.Sandbox.Root)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	token, _ := secrets.Get(cfg.GitHub.TokenEnv)
	records, patches, err := newTracker(ctx, token)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	author := sandbox.DefaultAuthor
	if cfg.Sandbox.AuthorName != "" {
		author = sandbox.Author{Name: cfg.Sandbox.AuthorName, Email: cfg.Sandbox.AuthorEmail}
	}
	env := &stage.Env{
		Config:      cfg,
		Invoker:     models,
		Models:      models,
		Sandboxes:   sandboxes,
		Records:     records,
		Patches:     patches,
		Exec:        execpkg.NewLocalExec(),
		Author:      author,
		GitHubToken: token,
	}
	eng, err := engine.New(ctx, env, store, engine.WithRecorder(recorder))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{engine: eng, store: store, logger: logger}, nil
}

// newTracker picks the GitHub tracker when a repository and token are
// configured outside local mode, the file-backed local store otherwise.
func newTracker(ctx context.Context, token string) (tracker.RecordStore, tracker.PatchSubmitter, error) {
	if !cfg.Execution.LocalMode && cfg.GitHub.Owner != "" && cfg.GitHub.Repo != "" && token != "" {
		client, err := github.New(ctx, cfg.GitHub.Owner, cfg.GitHub.Repo, token, cfg.GitHub.BaseURL)
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	}
	store, err := local.NewStore(filepath.Join(filepath.Dir(cfg.Persistence.DBPath), "records.yaml"))
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

func (a *app) close() {
	a.engine.Drain()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close session store: %v", err)
	}
}
