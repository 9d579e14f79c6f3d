package main

import (
	"fmt"

	"github.com/sarl/janus-version-1/internal/script"

	"github.com/spf13/cobra"
)

// checkCmd loads and binds scripts without running any hook
var checkCmd = &cobra.Command{
	Use:   "check <script>...",
	Short: "Load and bind scripts and report their hooks",
	Long: `check runs the same load and bind steps as run, so a script that passes
check will not fail before its first hook executes. Binding evaluates the
script's top level but calls no hook.`,
	Args: cobra.MinimumNArgs(1),
	RunE: checkScripts,
}

func checkScripts(cmd *cobra.Command, args []string) error {
	rt := newBridge(cfg)
	out := cmd.OutOrStdout()

	failed := 0
	for _, arg := range args {
		if err := checkScript(cmd, rt, arg); err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", arg, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scripts failed", failed, len(args))
	}
	return nil
}

func checkScript(cmd *cobra.Command, rt *bridge, arg string) error {
	src, err := sourceFor(arg, runLang)
	if err != nil {
		return err
	}
	def, err := rt.loader.Load(cmd.Context(), src)
	if err != nil {
		return err
	}
	bound, err := rt.registry.Bind(def)
	if err != nil {
		return err
	}
	defer bound.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ok   %s (%s)\n", def.Identity(), def.Language())
	for _, hook := range script.Hooks {
		decl := def.Hook(hook)
		switch {
		case !decl.Present:
			fmt.Fprintf(out, "     %-8s -\n", hook)
		case decl.Arity == script.ArityUnknown:
			fmt.Fprintf(out, "     %-8s %s\n", hook, hook.Symbol())
		default:
			fmt.Fprintf(out, "     %-8s %s/%d\n", hook, hook.Symbol(), decl.Arity)
		}
	}
	if def.Inert() {
		fmt.Fprintln(out, "     warning: no hooks defined, the agent will do nothing")
	}
	return nil
}
