// Command janus runs behavior scripts as agents of an in-process kernel.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sarl/janus-version-1/internal/config"
	"github.com/sarl/janus-version-1/internal/logging"
	"github.com/sarl/janus-version-1/internal/repository"
	"github.com/sarl/janus-version-1/internal/script"
	"github.com/sarl/janus-version-1/internal/script/engines"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	verbose    bool
	configPath string
	timeout    time.Duration

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "janus",
	Short: "janus - scripted agents on a multi-agent kernel",
	Long: `janus loads behavior scripts written in Go, Lua or JavaScript and
runs each one as an agent. A script defines any of three hooks:

  activate  runs once when the agent starts
  live      runs every scheduling cycle
  end       runs once when the agent stops

and receives a handle that can request termination and read or write the
agent's private state.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}
		if err := logging.Initialize(loaded.Logging.Options()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg = loaded
		logger = logging.Base().Named("cli")
		logging.Boot("janus %s: config %s, %d script paths", cmd.Name(), configPath, len(cfg.Scripts.Paths))
		logger.Debug("Configuration loaded", zap.String("path", configPath), zap.Strings("script_paths", cfg.Scripts.Paths))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "janus.yaml", "Configuration file (missing file = defaults)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Stop the run after this long (0 = until agents end)")

	runCmd.Flags().StringVarP(&runLang, "lang", "l", "", "Script language when it cannot be inferred (go, lua, javascript)")
	runCmd.Flags().IntVarP(&runAgents, "agents", "n", 1, "Agents to start per script")
	runCmd.Flags().BoolVar(&runAudit, "audit", false, "Check the recorded lifecycle for violations after the run")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Watch script directories and reload changed scripts")

	checkCmd.Flags().StringVarP(&runLang, "lang", "l", "", "Script language when it cannot be inferred")

	failuresCmd.Flags().StringVar(&failuresDB, "db", "", "Failure database (default: failures.database_path)")
	failuresCmd.Flags().BoolVar(&failuresByKind, "by-kind", false, "Print counts per error kind")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(enginesCmd)
	rootCmd.AddCommand(scriptsCmd)
	rootCmd.AddCommand(failuresCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bridge is the script side shared by the commands.
type bridge struct {
	registry *script.Registry
	repo     *repository.Repository
	loader   *script.Loader
}

func newBridge(c *config.Config) *bridge {
	registry := engines.NewRegistry(c.Engines)
	repo := repository.New(c.Scripts.Paths, registry.Languages()...)
	return &bridge{
		registry: registry,
		repo:     repo,
		loader:   script.NewLoader(registry, repo),
	}
}

// sourceFor treats an existing file as a path and anything else as a
// repository name.
func sourceFor(arg, lang string) (script.Source, error) {
	var language script.Language
	if lang != "" {
		l, err := script.ParseLanguage(lang)
		if err != nil {
			return script.Source{}, err
		}
		language = l
	}
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		return script.File(language, arg), nil
	}
	return script.Named(arg), nil
}
