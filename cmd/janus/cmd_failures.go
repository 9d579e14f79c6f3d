package main

import (
	"fmt"
	"sort"

	"github.com/sarl/janus-version-1/internal/failure"
	"github.com/sarl/janus-version-1/internal/store"

	"github.com/spf13/cobra"
)

var (
	failuresDB     string
	failuresByKind bool
)

// failuresCmd reads the persisted failure history
var failuresCmd = &cobra.Command{
	Use:   "failures [agent-id]",
	Short: "Show failures recorded by previous runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showFailures,
}

func showFailures(cmd *cobra.Command, args []string) error {
	path := failuresDB
	if path == "" {
		path = cfg.Failures.DatabasePath
	}
	if path == "" {
		return fmt.Errorf("no failure database: set failures.database_path, JANUS_FAILURE_DB or --db")
	}

	fs, err := store.OpenFailureStore(path)
	if err != nil {
		return err
	}
	defer fs.Close()

	out := cmd.OutOrStdout()
	if failuresByKind {
		counts, err := fs.CountByKind(cmd.Context())
		if err != nil {
			return err
		}
		kinds := make([]string, 0, len(counts))
		for k := range counts {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(out, "%-22s %d\n", k, counts[failure.Kind(k)])
		}
		return nil
	}

	var agentID string
	if len(args) == 1 {
		agentID = args[0]
	}
	failures, err := fs.List(cmd.Context(), agentID)
	if err != nil {
		return err
	}
	if len(failures) == 0 {
		fmt.Fprintln(out, "No failures recorded")
		return nil
	}
	for _, f := range failures {
		fmt.Fprintf(out, "%s  %s\n", f.At.Format("2006-01-02 15:04:05"), f)
	}
	return nil
}
