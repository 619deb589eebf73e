package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/config"
	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/modules"
)

func newInstallCommand() *cobra.Command {
	var (
		yes        bool
		moduleList []string
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Run the installation",
		Long: `Run the full installation: validate the system, build the dependency
graph, execute module batches, and record the run in the history store.

A failed mandatory module stops scheduling after its batch. Depending on
configuration and policy, a failed run rolls back the actions recorded
up to that point; without --yes the rollback asks for confirmation
first.`,
		Example: `  # Install the configured modules
  workstation install

  # Preview without executing commands
  workstation install --dry-run

  # Install a subset with more parallelism
  workstation install --modules system,security,docker --workers 8

  # Never prompt before rolling back
  workstation install --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, yes, moduleList, workers)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the rollback confirmation prompt")
	cmd.Flags().StringSliceVarP(&moduleList, "modules", "m", nil, "install only these modules")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "max parallel modules per batch (overrides config)")

	return cmd
}

func runInstall(cmd *cobra.Command, yes bool, moduleList []string, workers int) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	a, err := newApp(func(cfg *config.Config) {
		if workers > 0 {
			cfg.Installer.MaxWorkers = workers
		}
	})
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger()
	enabled := a.enabledModules(moduleList)

	if err := a.tel.StartMetricsServer(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start metrics server")
	}

	breakers := engine.NewBreakerManager(a.cfg.Breaker.ToBreaker(), logger).
		WithOnStateChange(func(name string, from, to engine.BreakerState) {
			a.tel.Metrics.SetBreakerState(name, string(to))
			if err := a.tel.Events.PublishBreakerStateChanged(name, string(from), string(to)); err != nil {
				logger.Debug().Err(err).Str("breaker", name).Msg("Failed to publish breaker event")
			}
		})

	retrier := engine.NewRetrier(a.cfg.Retry.ToPolicy(), logger).
		WithOnRetry(func(operation string, attempt int, delay time.Duration, err error) {
			a.tel.Metrics.RecordRetryAttempt(operation)
		})

	runner := modules.NewCommandRunner(modules.RunnerOptions{
		DryRun:   a.cfg.Installer.DryRun,
		Breakers: breakers,
		Retrier:  retrier,
	}, logger)

	ledger := engine.NewRollbackLedger(logger)

	mods, err := a.buildModules(enabled, runner, ledger)
	if err != nil {
		return err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	gate, err := a.policyGate(ctx, true)
	if err != nil {
		return err
	}

	dispatcher, err := a.hookDispatcher()
	if err != nil {
		return err
	}

	loader, closeLoader, err := a.pluginLoader(ctx)
	if err != nil {
		return err
	}
	defer closeLoader()

	validator := engine.NewPreflightChecker(engine.DefaultRequirements(), a.cfg.Installer.DryRun, logger)

	var confirm func(*engine.RunSummary) bool
	if !yes {
		confirm = func(summary *engine.RunSummary) bool {
			return promptRollback(cmd, summary)
		}
	}

	var progress engine.StageCallback
	if !jsonOutput {
		progress = stageProgress(out)
	}

	auditDetails := map[string]interface{}{
		"modules": enabled,
		"dry_run": a.cfg.Installer.DryRun,
		"workers": a.cfg.Installer.MaxWorkers,
	}
	if facts, ferr := validator.CollectFacts(ctx); ferr == nil {
		auditDetails["host"] = map[string]interface{}{
			"os":        facts.OS.PrettyName,
			"kernel":    facts.OS.Kernel,
			"memory_mb": facts.Memory.TotalMB,
			"disk_gb":   facts.Disk.AvailableGB,
		}
	}
	a.appendAudit(ctx, store, "install.requested", "", auditDetails)

	installer := engine.NewInstaller(engine.InstallerOptions{
		Modules:      mods,
		Loader:       loader,
		Validator:    validator,
		Hooks:        dispatcher,
		Policy:       gate,
		Recorder:     store,
		Ledger:       ledger,
		Accessor:     a.accessor,
		Workers:      a.cfg.Installer.MaxWorkers,
		FailFast:     a.cfg.Installer.FailFast,
		AutoRollback: a.cfg.Installer.AutoRollback,
		DryRun:       a.cfg.Installer.DryRun,
		ConfigDigest: a.digest,
		Progress:     progress,
		Confirm:      confirm,
		Events:       a.tel.Events,
		Metrics:      a.tel.Metrics,
		Tracer:       a.tel.Tracer,
		Logger:       logger,
	})

	summary, runErr := installer.Run(ctx)

	// A SIGINT that stopped the run must not also lose the audit entry.
	a.appendAudit(context.WithoutCancel(ctx), store, "run.finished", summary.RunID, map[string]interface{}{
		"state":       string(summary.State),
		"succeeded":   summary.Succeeded,
		"failed":      summary.Failed,
		"skipped":     summary.Skipped,
		"rolled_back": summary.RolledBack,
	})

	if jsonOutput {
		if err := printJSON(out, summary); err != nil {
			return err
		}
	} else {
		renderSummary(out, summary)
	}

	if runErr != nil {
		return runErr
	}
	if summary.State == engine.StateFailed {
		return fmt.Errorf("installation failed: %d failed, %d skipped", summary.Failed, summary.Skipped)
	}
	return nil
}

// stageProgress prints compact per-module progress lines.
func stageProgress(w io.Writer) engine.StageCallback {
	return func(module string, stage engine.Stage, data map[string]interface{}) error {
		switch stage {
		case engine.StageStarted:
			fmt.Fprintf(w, "==> %s\n", module)
		case engine.StageCompleted:
			fmt.Fprintf(w, "    %s done\n", module)
		case engine.StageFailed:
			if msg, ok := data["error"].(string); ok {
				fmt.Fprintf(w, "    %s FAILED: %s\n", module, msg)
			} else {
				fmt.Fprintf(w, "    %s FAILED\n", module)
			}
		}
		return nil
	}
}

// promptRollback asks on stdin whether the recorded actions should be
// undone. Anything but an explicit yes keeps the system as it is.
func promptRollback(cmd *cobra.Command, summary *engine.RunSummary) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s failed. Roll back the recorded actions? [y/N]: ", summary.RunID)

	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// renderSummary prints the human-readable run outcome.
func renderSummary(w io.Writer, summary *engine.RunSummary) {
	fmt.Fprintf(w, "\nRun %s: %s", summary.RunID, summary.State)
	if summary.DryRun {
		fmt.Fprint(w, " (dry-run)")
	}
	fmt.Fprintf(w, "\n%d modules: %d succeeded, %d failed, %d skipped in %s\n",
		summary.Total, summary.Succeeded, summary.Failed, summary.Skipped,
		summary.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, batch := range summary.Batches {
		names := append([]string(nil), batch...)
		sort.Strings(names)
		for _, name := range names {
			result, ok := summary.Results[name]
			if !ok {
				continue
			}
			errCol := ""
			if result.Error != nil {
				errCol = result.Error.Message
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n",
				name, result.Status, result.Duration.Round(time.Millisecond), errCol)
		}
	}
	tw.Flush()

	if summary.RolledBack {
		fmt.Fprintf(w, "Rolled back recorded actions (%d failed to undo)\n", summary.RollbackFailures)
	}
	if summary.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", summary.Error)
	}
}
