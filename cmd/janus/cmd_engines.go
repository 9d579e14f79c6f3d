package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sarl/janus-version-1/internal/script"

	"github.com/spf13/cobra"
)

// enginesCmd lists the enabled script languages
var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List enabled script languages and their file extensions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := newBridge(cfg)
		for _, lang := range rt.registry.Languages() {
			exts := script.Extensions(lang)
			sort.Strings(exts)
			fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", lang, strings.Join(exts, " "))
		}
		return nil
	},
}

// scriptsCmd lists what the script directories contain
var scriptsCmd = &cobra.Command{
	Use:   "scripts",
	Short: "List scripts found in the script directories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := newBridge(cfg)
		entries, err := rt.repo.List()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintf(out, "No scripts in %s\n", strings.Join(rt.repo.Dirs(), ", "))
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%-20s %-12s %s\n", e.Name, e.Language, e.Path)
		}
		return nil
	},
}
