// Package logging provides categorized loggers for the scripted agent bridge.
// Each category is a named zap logger; the whole tree is a no-op until
// Initialize is called, so library code can log unconditionally.
package logging

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // CLI start-up, config
	CategoryKernel     Category = "kernel"     // Scheduling loop, submission, launch
	CategoryAgents     Category = "agents"     // Scripted agent lifecycle
	CategoryScripts    Category = "scripts"    // Loading, analysis, repository
	CategoryEngines    Category = "engines"    // Interpreter binding and invocation
	CategoryScriptOut  Category = "script_out" // Output printed by scripts
	CategoryFailures   Category = "failures"   // Failure channel
	CategoryLedger     Category = "ledger"     // Lifecycle ledger
	CategoryStore      Category = "store"      // SQLite persistence
	CategoryRepository Category = "repository" // Script directories and watcher
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Level       string          // debug, info, warn, error
	Format      string          // json, console
	Development bool            // zap development config (stack traces on warn)
	Categories  map[string]bool // per-category toggles; missing = enabled
	OutputPaths []string        // defaults to stderr
}

// Logger is a category logger with printf-style helpers.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the root zap logger from opts. It may be called again to
// reconfigure; previously returned category loggers keep the old sink.
func Initialize(opts Options) error {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(strings.ToLower(defaultString(opts.Level, "info")))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	switch strings.ToLower(opts.Format) {
	case "", "json":
		cfg.Encoding = "json"
	case "console", "text":
		cfg.Encoding = "console"
	default:
		return fmt.Errorf("invalid log format %q (valid: json, console)", opts.Format)
	}
	if len(opts.OutputPaths) > 0 {
		cfg.OutputPaths = opts.OutputPaths
	}

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	SetBase(logger, opts.Categories)
	Get(CategoryBoot).Debug("logging initialized (level=%s, format=%s)", level, cfg.Encoding)
	return nil
}

// SetBase installs an existing zap logger as the root, e.g. the CLI logger or
// zaptest.NewLogger in tests.
func SetBase(logger *zap.Logger, enabled map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = zap.NewNop()
	}
	base = logger
	categories = enabled
	loggers = make(map[Category]*Logger)
}

// Base returns the root zap logger.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered entries (call at shutdown).
func Sync() {
	_ = Base().Sync()
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{category: category, sugar: base.Named(string(category)).Sugar()}
	loggers[category] = l
	return l
}

// Zap exposes the underlying structured logger.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

// With returns a child logger carrying key/value fields.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// Kernel logs to the kernel category
func Kernel(format string, args ...interface{}) {
	Get(CategoryKernel).Info(format, args...)
}

// KernelDebug logs debug to the kernel category
func KernelDebug(format string, args ...interface{}) {
	Get(CategoryKernel).Debug(format, args...)
}

// Agents logs to the agents category
func Agents(format string, args ...interface{}) {
	Get(CategoryAgents).Info(format, args...)
}

// AgentsDebug logs debug to the agents category
func AgentsDebug(format string, args ...interface{}) {
	Get(CategoryAgents).Debug(format, args...)
}

// Scripts logs to the scripts category
func Scripts(format string, args ...interface{}) {
	Get(CategoryScripts).Info(format, args...)
}

// ScriptsDebug logs debug to the scripts category
func ScriptsDebug(format string, args ...interface{}) {
	Get(CategoryScripts).Debug(format, args...)
}

// EnginesDebug logs debug to the engines category
func EnginesDebug(format string, args ...interface{}) {
	Get(CategoryEngines).Debug(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// RepositoryDebug logs debug to the repository category
func RepositoryDebug(format string, args ...interface{}) {
	Get(CategoryRepository).Debug(format, args...)
}

// KernelWarn logs a warning to the kernel category
func KernelWarn(format string, args ...interface{}) {
	Get(CategoryKernel).Warn(format, args...)
}

// AgentsWarn logs a warning to the agents category
func AgentsWarn(format string, args ...interface{}) {
	Get(CategoryAgents).Warn(format, args...)
}

// AgentsError logs an error to the agents category
func AgentsError(format string, args ...interface{}) {
	Get(CategoryAgents).Error(format, args...)
}

// StoreError logs an error to the store category
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// ScriptOutput returns a writer that logs each complete line written to it
// under the script_out category, tagged with the script's source.
func ScriptOutput(source string) *LineWriter {
	return &LineWriter{logger: Get(CategoryScriptOut).With("source", source)}
}

// LineWriter buffers partial writes until a newline arrives.
type LineWriter struct {
	mu     sync.Mutex
	logger *Logger
	buf    bytes.Buffer
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.logger.Info("%s", strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush logs whatever partial line is buffered.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.logger.Info("%s", w.buf.String())
		w.buf.Reset()
	}
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
