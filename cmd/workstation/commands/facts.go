package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

func newFactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Show collected system facts",
		Long: `Collect and print the local system facts the pre-flight check runs on:
OS identity, kernel, memory, disk space on the root mount, and the
process runtime.

Facts collection never needs root and works with a broken or missing
configuration file, which makes this the first command to reach for
when an install refuses to start.`,
		Example: `  # Print facts as text
  workstation facts

  # Print facts as JSON
  workstation facts --json`,
		RunE: runFacts,
	}

	return cmd
}

func runFacts(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	checker := engine.NewPreflightChecker(engine.DefaultRequirements(), true, log.Logger)
	facts, err := checker.CollectFacts(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(out, facts)
	}

	fmt.Fprintf(out, "OS:        %s %s (%s)\n", facts.OS.ID, facts.OS.VersionID, facts.OS.PrettyName)
	fmt.Fprintf(out, "Kernel:    %s\n", facts.OS.Kernel)
	fmt.Fprintf(out, "Arch:      %s\n", facts.OS.Arch)
	fmt.Fprintf(out, "Hostname:  %s\n", facts.OS.Hostname)
	fmt.Fprintf(out, "Memory:    %d MB total, %d MB available\n", facts.Memory.TotalMB, facts.Memory.AvailableMB)
	fmt.Fprintf(out, "Disk:      %d GB total, %d GB available on %s\n",
		facts.Disk.TotalGB, facts.Disk.AvailableGB, facts.Disk.MountPoint)
	fmt.Fprintf(out, "CPUs:      %d\n", facts.Runtime.CPUCount)
	fmt.Fprintf(out, "EUID:      %d\n", facts.Runtime.EUID)
	fmt.Fprintf(out, "apt-get:   %t\n", facts.Runtime.AptAvailable)
	fmt.Fprintf(out, "Collected: %s\n", facts.CollectedAt.Format(time.RFC3339))
	return nil
}
