package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/sarl/janus-version-1/internal/agent"
	"github.com/sarl/janus-version-1/internal/config"
	"github.com/sarl/janus-version-1/internal/failure"
	"github.com/sarl/janus-version-1/internal/kernel"
	"github.com/sarl/janus-version-1/internal/ledger"
	"github.com/sarl/janus-version-1/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runLang   string
	runAgents int
	runAudit  bool
	runWatch  bool
)

// runCmd launches agents for one or more scripts
var runCmd = &cobra.Command{
	Use:   "run <script>...",
	Short: "Run scripts as agents until they end",
	Long: `Each argument is a script file or a name looked up in the script
directories. Every script is loaded and bound before any agent starts; a
script that fails to load or bind aborts the run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScripts,
}

func runScripts(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if runAgents < 1 {
		return fmt.Errorf("--agents must be at least 1, got %d", runAgents)
	}

	rt := newBridge(cfg)
	collected := &failure.Recorder{}
	sinks := []failure.Reporter{failure.LogReporter{}, collected}

	var led *ledger.Ledger
	if runAudit {
		var err error
		if led, err = ledger.New(); err != nil {
			return fmt.Errorf("failed to create ledger: %w", err)
		}
		sinks = append(sinks, led)
	}

	if cfg.Failures.DatabasePath != "" {
		fs, err := store.OpenFailureStore(cfg.Failures.DatabasePath)
		if err != nil {
			return err
		}
		defer fs.Close()

		// store writes happen off the agent goroutines
		queued := failure.NewChannel(cfg.Failures.BufferSize)
		stopQueue, forwarded := make(chan struct{}), make(chan struct{})
		go func() {
			defer close(forwarded)
			queued.Forward(stopQueue, fs)
		}()
		defer func() {
			close(stopQueue)
			<-forwarded
			if n := queued.Dropped(); n > 0 {
				logger.Warn("Failure store fell behind; failures not stored", zap.Int64("dropped", n))
			}
		}()
		sinks = append(sinks, queued)
	}

	k := kernel.New(
		kernel.WithLiveInterval(cfg.GetLiveInterval()),
		kernel.WithEndTimeout(cfg.GetShutdownTimeout()),
		kernel.WithFailurePolicy(policyFor(cfg.Kernel)),
		kernel.WithReporters(sinks...),
	)

	opts := []agent.Option{agent.WithReporter(k)}
	if led != nil {
		opts = append(opts, agent.WithObserver(led))
	}
	factory := agent.NewFactory(rt.loader, rt.registry, opts...)

	if runWatch || cfg.Scripts.Watch {
		w, err := rt.repo.NewWatcher(cfg.GetWatchDebounce(), func(path string) {
			rt.loader.Invalidate(path)
			logger.Info("Script changed; new agents will reload it", zap.String("path", path))
		})
		if err != nil {
			return fmt.Errorf("failed to watch scripts: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	agents, err := submitAgents(ctx, k, factory, args)
	if err != nil {
		return err
	}

	logger.Info("Launching agents", zap.Int("count", len(agents)))
	if err := k.Launch(context.Background()); err != nil {
		return err
	}

	waited := make(chan error, 1)
	go func() { waited <- k.Wait() }()

	var runErr error
	select {
	case runErr = <-waited:
	case <-ctx.Done():
		logger.Info("Stopping agents", zap.Error(ctx.Err()))
		runErr = k.Stop(cfg.GetShutdownTimeout())
	}

	printSummary(cmd.OutOrStdout(), agents, collected)

	if led != nil {
		violations, err := led.Violations()
		if err != nil {
			return fmt.Errorf("audit failed: %w", err)
		}
		if len(violations) > 0 {
			for _, v := range violations {
				fmt.Fprintf(cmd.OutOrStdout(), "violation: %s\n", v)
			}
			return fmt.Errorf("lifecycle audit found %d violations", len(violations))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "audit: %d facts, no violations\n", led.Facts())
	}
	return runErr
}

// submitter is the part of the kernel that agent creation needs.
type submitter interface {
	Submit(kernel.Agent) error
	Shutdown()
	Wait() error
}

// submitAgents creates runAgents agents per argument and submits them. On
// any error the kernel is shut down, so agents already submitted end and
// release their interpreters.
func submitAgents(ctx context.Context, k submitter, factory *agent.Factory, args []string) ([]*agent.ScriptedAgent, error) {
	abort := func(err error) ([]*agent.ScriptedAgent, error) {
		k.Shutdown()
		_ = k.Wait()
		return nil, err
	}

	var agents []*agent.ScriptedAgent
	for _, arg := range args {
		src, err := sourceFor(arg, runLang)
		if err != nil {
			return abort(err)
		}
		for i := 0; i < runAgents; i++ {
			a, err := factory.New(ctx, src)
			if err != nil {
				return abort(fmt.Errorf("%s: %w", arg, err))
			}
			if err := k.Submit(a); err != nil {
				_ = a.End(context.Background())
				return abort(fmt.Errorf("%s: %w", arg, err))
			}
			agents = append(agents, a)
		}
	}
	return agents, nil
}

func policyFor(kc config.KernelConfig) kernel.FailurePolicy {
	switch {
	case kc.TerminateOnFailure:
		return kernel.TerminateOnFailure
	case kc.MaxConsecutiveFailures > 0:
		return kernel.MaxConsecutiveFailures(kc.MaxConsecutiveFailures)
	default:
		return kernel.NeverFatal
	}
}

func printSummary(out io.Writer, agents []*agent.ScriptedAgent, failures *failure.Recorder) {
	for _, a := range agents {
		fmt.Fprintf(out, "agent %s %s phase=%s failures=%d\n",
			a.ID(), a.Definition().Identity(), a.Phase(), len(failures.ByAgent(a.ID())))

		state := a.State()
		keys := make([]string, 0, len(state))
		for key := range state {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(out, "  %s = %v\n", key, state[key])
		}
		for _, f := range failures.ByAgent(a.ID()) {
			fmt.Fprintf(out, "  ! %s\n", f)
		}
	}
}
