// Package engine provides the core types and interfaces for the workstation installation engine.
//
// # Overview
//
// The engine turns a set of installation modules into a validated, ordered,
// observable run against a Debian host. A run moves through a fixed workflow:
//
//  1. Validate - Pre-flight checks on the target system (PreflightChecker)
//  2. Load - Collect built-in and plugin modules (ModuleLoader)
//  3. Graph - Build and validate the dependency graph (DependencyGraph)
//  4. Execute - Run batches with bounded parallelism (HybridExecutor)
//  5. Summarize - Aggregate results and decide the terminal state (Installer)
//
// Failed runs may additionally enter a rollback phase that replays recorded
// undo actions in reverse order (RollbackLedger).
//
// # Core Domain Types
//
// The package defines the types that represent the execution model:
//
//   - ModuleDescriptor: A module's scheduling metadata (dependencies, priority, flags)
//   - ExecutionContext: Everything a module invocation needs (run ID, config, dry-run)
//   - Result: The outcome of one module's validate/configure/verify lifecycle
//   - RunSummary: The aggregate outcome of a whole run, including the batch plan
//   - InstallError: Classified errors carried through every layer
//
// # Module Interface
//
// Installation modules implement the Module interface:
//
//	type Module interface {
//	    Name() string
//	    DependsOn() []string
//	    Priority() int
//	    ForceSequential() bool
//	    Mandatory() bool
//	    Validate(ctx context.Context) error
//	    Configure(ctx context.Context) error
//	    Verify(ctx context.Context) error
//	}
//
// Modules that can undo their work also implement Rollbacker. Plugin modules
// are loaded as WASM binaries and adapted to the same interface.
//
// # Workflow Interfaces
//
// The surrounding system plugs into the run through small interfaces:
//
//   - SystemValidator: Pre-flight validation of the target host
//   - ModuleLoader: Discovers additional modules at run time
//   - HookDispatcher: Fires lifecycle hook events to scripted handlers
//   - PolicyGate: Reviews the plan and approves rollback
//   - RunRecorder: Persists run history, module results, and events
//   - Accessor: Read-only view of the effective configuration
//
// # Scheduling
//
// DependencyGraph computes execution batches with Kahn's algorithm. Modules
// in the same batch have no dependency relationship and may run in parallel;
// modules marked force-sequential are emitted as singleton batches before
// their peers. The executor fans a batch out across a bounded worker pool
// and falls back to sequential execution if the pool cannot start.
//
// # Error Classification
//
// Errors are classified for retry and recovery logic:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Lock contention or half-finished state requiring retry
//   - Permanent: Non-recoverable errors
//
// Use the helper functions to classify and inspect errors:
//
//	if IsRetryable(err) {
//	    // Retry the operation
//	}
//
// Retrier applies exponential backoff with jitter to retryable classes, and
// CircuitBreaker stops repeated calls against a failing external dependency.
//
// # Example Usage
//
// Basic workflow for running an installation:
//
//	installer := engine.NewInstaller(engine.InstallerOptions{
//	    Modules:   modules,
//	    Validator: engine.NewPreflightChecker(engine.DefaultRequirements(), dryRun, logger),
//	    Ledger:    engine.NewRollbackLedger(logger),
//	    Workers:   4,
//	    FailFast:  true,
//	    Logger:    logger,
//	})
//
//	summary, err := installer.Run(ctx)
//	if err != nil {
//	    // Pipeline error: validation, graph, or policy
//	}
//	if summary.State == engine.StateFailed {
//	    // One or more modules failed; details in summary.Results
//	}
//
// # Thread Safety
//
// The executor, ledger, breakers, and installer are safe for concurrent use.
// A single Installer drives one run at a time.
package engine
