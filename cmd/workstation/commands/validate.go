package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, graph, and policy",
		Long: `Validate the configuration file, build the dependency graph, and run
the policy gate against the resulting plan, all without executing
anything.

The command fails when the configuration is invalid, the graph has a
cycle or an unknown dependency, or a policy denies the plan.`,
		Example: `  # Validate the default configuration
  workstation validate

  # Validate a specific config file
  workstation validate --config ./workstation.yaml`,
		RunE: runValidate,
	}

	return cmd
}

// validationReport is the machine-readable validate output.
type validationReport struct {
	ConfigDigest string                 `json:"config_digest"`
	Modules      int                    `json:"modules"`
	Batches      [][]string             `json:"batches"`
	Policy       *engine.PolicyDecision `json:"policy,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	plan, err := a.buildPlan(ctx)
	if err != nil {
		return fmt.Errorf("graph validation failed: %w", err)
	}

	gate, err := a.policyGate(ctx, false)
	if err != nil {
		return err
	}

	var decision *engine.PolicyDecision
	if gate != nil {
		decision, err = gate.ReviewPlan(ctx, *plan)
		if err != nil {
			return fmt.Errorf("policy evaluation failed: %w", err)
		}
	}

	if jsonOutput {
		report := validationReport{
			ConfigDigest: a.digest,
			Modules:      len(plan.Modules),
			Batches:      plan.Batches,
			Policy:       decision,
		}
		if err := printJSON(out, report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Configuration: ok (%s)\n", a.digest)
		fmt.Fprintf(out, "Graph: ok (%d modules in %d batches)\n", len(plan.Modules), len(plan.Batches))
		switch {
		case decision == nil:
			fmt.Fprintln(out, "Policy: disabled")
		case decision.Allowed:
			fmt.Fprintf(out, "Policy: ok (%d warnings)\n", len(decision.Warnings))
			for _, warning := range decision.Warnings {
				fmt.Fprintf(out, "  warning: %s\n", warning)
			}
		default:
			fmt.Fprintln(out, "Policy: denied")
			for _, violation := range decision.Violations {
				fmt.Fprintf(out, "  violation: %s\n", violation)
			}
		}
	}

	if decision != nil && !decision.Allowed {
		return fmt.Errorf("policy denied the plan (%d violations)", len(decision.Violations))
	}
	return nil
}
