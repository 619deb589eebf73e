package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the execution plan",
		Long: `Resolve the enabled modules, build the dependency graph, and print the
batch plan without executing anything.

Modules inside one batch may run concurrently; batches run in order.
Force-sequential modules get a batch of their own.`,
		Example: `  # Show the plan for the configured modules
  workstation plan

  # Plan as JSON or YAML
  workstation plan --output json
  workstation plan --output yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json, or yaml")

	return cmd
}

func runPlan(cmd *cobra.Command, output string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	plan, err := a.buildPlan(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		output = "json"
	}

	switch output {
	case "json":
		return printJSON(out, plan)
	case "yaml":
		data, err := yaml.Marshal(plan)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	case "text":
		renderPlan(out, plan)
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text, json, or yaml)", output)
	}
}

// renderPlan prints the batch plan with per-module scheduling flags.
func renderPlan(w io.Writer, plan *engine.PlanInput) {
	byName := make(map[string]engine.ModuleDescriptor, len(plan.Modules))
	for _, d := range plan.Modules {
		byName[d.Name] = d
	}

	fmt.Fprintf(w, "Plan: %d modules in %d batches", len(plan.Modules), len(plan.Batches))
	if plan.DryRun {
		fmt.Fprint(w, " (dry-run)")
	}
	fmt.Fprintln(w)

	for index, batch := range plan.Batches {
		names := append([]string(nil), batch...)
		sort.Strings(names)

		entries := make([]string, 0, len(names))
		for _, name := range names {
			d := byName[name]
			var flags []string
			if d.ForceSequential {
				flags = append(flags, "sequential")
			}
			if d.Mandatory {
				flags = append(flags, "mandatory")
			}
			if len(flags) > 0 {
				entries = append(entries, fmt.Sprintf("%s (%s)", name, strings.Join(flags, ", ")))
			} else {
				entries = append(entries, name)
			}
		}
		fmt.Fprintf(w, "  Batch %d: %s\n", index+1, strings.Join(entries, ", "))
	}
}
