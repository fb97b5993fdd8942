// Package logx provides component-scoped, printf-style logging on top of zap
// with environment-driven debug domains.
package logx

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes records tagged with the owning component or agent id.
type Logger struct {
	agentID string
}

// Level is a textual log level accepted by Configure.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls the process-wide zap backend.
type Config struct {
	Level  string `koanf:"level" json:"level"`
	Format string `koanf:"format" json:"format"` // console or json
}

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // nil = all domains
}

//nolint:gochecknoglobals // process-wide logging backend
var (
	baseMu      sync.RWMutex
	base        *zap.Logger
	atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	debugMu     sync.RWMutex
	debugConfig = &DebugConfig{}
)

func init() { //nolint:gochecknoinits // Required for env var initialization
	base = newZap("console", atomicLevel)
	initDebugFromEnv()
}

func newZap(format string, level zap.AtomicLevel) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	// Log to stderr for CLI compatibility.
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

// initDebugFromEnv reads DEBUG and DEBUG_DOMAINS.
func initDebugFromEnv() {
	debugMu.Lock()
	defer debugMu.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
		atomicLevel.SetLevel(zapcore.DebugLevel)
	}

	// DEBUG_DOMAINS=planner,executor
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

// Configure rebuilds the zap backend from cfg.
func Configure(cfg Config) error {
	lvl := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		lvl = parsed
	}
	atomicLevel.SetLevel(lvl)

	if lvl == zapcore.DebugLevel {
		debugMu.Lock()
		debugConfig.Enabled = true
		debugMu.Unlock()
	}

	SetBase(newZap(cfg.Format, atomicLevel))
	return nil
}

// SetBase replaces the zap logger every Logger writes through. Tests use it
// with an observer core.
func SetBase(l *zap.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base = l
}

func current() *zap.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// Sync flushes buffered records.
func Sync() {
	_ = current().Sync()
}

// SetDebugConfig enables or disables debug logging globally.
func SetDebugConfig(enabled bool) {
	debugMu.Lock()
	debugConfig.Enabled = enabled
	debugMu.Unlock()

	if enabled {
		atomicLevel.SetLevel(zapcore.DebugLevel)
	}
}

// SetDebugDomains configures which domains should have debug logging enabled.
func SetDebugDomains(domains []string) {
	debugMu.Lock()
	defer debugMu.Unlock()

	if len(domains) == 0 {
		debugConfig.Domains = nil
		return
	}
	debugConfig.Domains = make(map[string]bool)
	for _, domain := range domains {
		debugConfig.Domains[strings.TrimSpace(domain)] = true
	}
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

// NewLogger returns a logger for the given component or agent id.
func NewLogger(agentID string) *Logger {
	return &Logger{agentID: agentID}
}

// GetAgentID returns the id this logger tags records with.
func (l *Logger) GetAgentID() string {
	return l.agentID
}

// WithAgentID returns a logger for a different agent id.
func (l *Logger) WithAgentID(agentID string) *Logger {
	return &Logger{agentID: agentID}
}

func (l *Logger) log(level zapcore.Level, format string, args ...any) {
	logger := current()
	if ce := logger.Check(level, fmt.Sprintf(format, args...)); ce != nil {
		ce.Write(zap.String("agent_id", l.agentID))
	}
}

// Debug logs only when debug is enabled for this logger's domain.
func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabledForDomain(l.agentID) {
		return
	}
	l.log(zapcore.DebugLevel, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(zapcore.InfoLevel, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(zapcore.WarnLevel, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(zapcore.ErrorLevel, format, args...)
}

//nolint:gochecknoglobals // shared logger for package-level helpers
var defaultLogger = NewLogger("shipwright")

// Infof logs through the default logger.
func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

// Warnf logs through the default logger.
func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs an error through the default logger and returns it.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap annotates err with msg. A nil err yields a new error.
func Wrap(err error, msg string) error {
	if err == nil {
		return errors.New(msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
