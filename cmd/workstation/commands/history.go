package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/stores"
)

// eventListLimit bounds the timeline query for one run.
const eventListLimit = 1000

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show persisted run history",
		Long: `List installation runs recorded in the history store, newest first.

Use "history show <run-id>" for the per-module results and the event
timeline of one run.`,
		Example: `  # List the most recent runs
  workstation history

  # Page through older runs
  workstation history --limit 50 --offset 50

  # Inspect one run
  workstation history show <run-id>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryList(cmd, limit, offset)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	cmd.AddCommand(newHistoryShowCommand())

	return cmd
}

func runHistoryList(cmd *cobra.Command, limit, offset int) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, limit, offset)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(out, runs)
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATE\tSTARTED\tDURATION\tOK\tFAIL\tSKIP\tDRY")
	for _, run := range runs {
		dry := ""
		if run.DryRun {
			dry = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			run.ID, run.State,
			run.StartedAt.Format(time.RFC3339),
			run.Duration.Round(time.Millisecond),
			run.Succeeded, run.Failed, run.Skipped, dry)
	}
	return tw.Flush()
}

func newHistoryShowCommand() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run in detail",
		Long: `Display one recorded run: its final state, per-module results, and
optionally the event timeline.`,
		Example: `  # Show a run's module results
  workstation history show 6f1c2d3e-...

  # Include the event timeline
  workstation history show 6f1c2d3e-... --events`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryShow(cmd, args[0], events)
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "include the event timeline")

	return cmd
}

// runDetail is the machine-readable history show output.
type runDetail struct {
	Run     *stores.RunRecord            `json:"run"`
	Modules []*stores.ModuleResultRecord `json:"modules"`
	Events  []*stores.EventRecord        `json:"events,omitempty"`
}

func runHistoryShow(cmd *cobra.Command, id string, withEvents bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}

	results, err := store.ListModuleResults(ctx, id)
	if err != nil {
		return err
	}

	detail := runDetail{Run: run, Modules: results}
	if withEvents {
		detail.Events, err = store.ListEvents(ctx, id, eventListLimit, 0)
		if err != nil {
			return err
		}
	}

	if jsonOutput {
		return printJSON(out, detail)
	}

	fmt.Fprintf(out, "Run %s: %s", run.ID, run.State)
	if run.DryRun {
		fmt.Fprint(out, " (dry-run)")
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Started:  %s\n", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(out, "Finished: %s (%s)\n",
			run.CompletedAt.Format(time.RFC3339), run.Duration.Round(time.Millisecond))
	}
	if run.ConfigDigest != "" {
		fmt.Fprintf(out, "Config:   %s\n", run.ConfigDigest)
	}
	if run.RolledBack {
		fmt.Fprintf(out, "Rolled back (%d undo failures)\n", run.RollbackFailures)
	}
	if run.Error != nil {
		fmt.Fprintf(out, "Error:    %s\n", *run.Error)
	}

	if len(results) > 0 {
		fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MODULE\tSTATUS\tSTAGE\tDURATION\tERROR")
		for _, r := range results {
			errCol := ""
			if r.Error != nil {
				errCol = *r.Error
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				r.Module, r.Status, r.Stage, r.Duration.Round(time.Millisecond), errCol)
		}
		tw.Flush()
	}

	if withEvents && len(detail.Events) > 0 {
		fmt.Fprintln(out)
		for _, e := range detail.Events {
			line := fmt.Sprintf("%s  %s", e.Timestamp.Format(time.RFC3339), e.Type)
			if e.Module != "" {
				line += "  " + e.Module
			}
			if e.Message != "" {
				line += "  " + e.Message
			}
			fmt.Fprintln(out, line)
		}
	}

	return nil
}
