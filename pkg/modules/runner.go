package modules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

// BreakerApt is the circuit breaker name guarding apt-get invocations.
const BreakerApt = "apt"

// DefaultCommandTimeout caps a single command when no timeout is configured.
// Full-upgrade runs on a cold mirror are the slowest expected command.
const DefaultCommandTimeout = 15 * time.Minute

// CommandResult carries the captured outcome of one finished command.
type CommandResult struct {
	// Stdout is the captured standard output.
	Stdout string

	// Stderr is the captured standard error.
	Stderr string

	// ExitCode is the process exit code, or -1 when the process did not run.
	ExitCode int

	// Duration is the wall-clock execution time.
	Duration time.Duration
}

// Runner executes host commands on behalf of installation modules.
// Implementations decide how dry-run mode is honored; see CommandRunner.
type Runner interface {
	// Run executes a mutating command. Dry-run mode skips execution and
	// returns an empty successful result.
	Run(ctx context.Context, name string, args ...string) (*CommandResult, error)

	// Output executes a read-only query and returns its trimmed stdout.
	// Queries execute in dry-run mode too, so plans stay honest.
	Output(ctx context.Context, name string, args ...string) (string, error)

	// Guarded executes a mutating command under the named circuit breaker
	// and the retry policy. Dry-run mode skips execution.
	Guarded(ctx context.Context, breaker, name string, args ...string) (*CommandResult, error)

	// AptGet runs apt-get under the package-manager lock, the apt breaker,
	// and the retry policy. Dry-run mode skips execution.
	AptGet(ctx context.Context, args ...string) (*CommandResult, error)

	// Dpkg runs dpkg under the package-manager lock. Modules use it for
	// queries such as --print-architecture, so it executes in dry-run too.
	Dpkg(ctx context.Context, args ...string) (*CommandResult, error)

	// PackageInstalled reports whether the dpkg database lists the package
	// as installed, and its version when it does.
	PackageInstalled(ctx context.Context, pkg string) (bool, string)

	// HasCommand reports whether name resolves on PATH.
	HasCommand(name string) bool

	// DryRun reports whether mutating commands are being skipped.
	DryRun() bool
}

// RunnerOptions configures a CommandRunner.
type RunnerOptions struct {
	// DryRun skips mutating commands and logs what would run.
	DryRun bool

	// Timeout caps each command; zero selects DefaultCommandTimeout.
	Timeout time.Duration

	// Breakers guards apt and download commands when set.
	Breakers *engine.BreakerManager

	// Retrier re-runs retryable command failures when set.
	Retrier *engine.Retrier
}

// CommandRunner executes commands with exec.CommandContext. One instance is
// shared by every module in a run: the package-manager lock serializes all
// apt-get and dpkg invocations, so concurrent batches contend here instead
// of on /var/lib/dpkg/lock.
type CommandRunner struct {
	dryRun   bool
	timeout  time.Duration
	breakers *engine.BreakerManager
	retrier  *engine.Retrier
	logger   zerolog.Logger

	// aptMu is the package-manager lock.
	aptMu sync.Mutex
}

var _ Runner = (*CommandRunner)(nil)

// NewCommandRunner creates the shared command runner.
func NewCommandRunner(opts RunnerOptions, logger zerolog.Logger) *CommandRunner {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCommandTimeout
	}
	return &CommandRunner{
		dryRun:   opts.DryRun,
		timeout:  opts.Timeout,
		breakers: opts.Breakers,
		retrier:  opts.Retrier,
		logger:   logger,
	}
}

// DryRun reports whether mutating commands are being skipped.
func (r *CommandRunner) DryRun() bool {
	return r.dryRun
}

// HasCommand reports whether name resolves on PATH.
func (r *CommandRunner) HasCommand(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Run executes a mutating command without the package-manager lock.
func (r *CommandRunner) Run(ctx context.Context, name string, args ...string) (*CommandResult, error) {
	if r.skipDryRun(name, args) {
		return &CommandResult{}, nil
	}
	return r.execute(ctx, nil, name, args...)
}

// Output executes a read-only query and returns its trimmed stdout.
func (r *CommandRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	res, err := r.execute(ctx, nil, name, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Guarded executes a mutating command under the named breaker and the
// retry policy.
func (r *CommandRunner) Guarded(ctx context.Context, breaker, name string, args ...string) (*CommandResult, error) {
	if r.skipDryRun(name, args) {
		return &CommandResult{}, nil
	}

	var res *CommandResult
	err := r.protected(ctx, breaker, commandLabel(name, args), func(ctx context.Context) error {
		out, runErr := r.execute(ctx, nil, name, args...)
		res = out
		if runErr != nil {
			return classifyCommand(out, runErr)
		}
		return nil
	})
	return res, err
}

// AptGet runs apt-get noninteractively under the package-manager lock,
// the apt breaker, and the retry policy.
func (r *CommandRunner) AptGet(ctx context.Context, args ...string) (*CommandResult, error) {
	if r.skipDryRun("apt-get", args) {
		return &CommandResult{}, nil
	}

	r.aptMu.Lock()
	defer r.aptMu.Unlock()

	var res *CommandResult
	err := r.protected(ctx, BreakerApt, commandLabel("apt-get", args), func(ctx context.Context) error {
		out, runErr := r.execute(ctx, []string{"DEBIAN_FRONTEND=noninteractive"}, "apt-get", args...)
		res = out
		if runErr != nil {
			return classifyCommand(out, runErr)
		}
		return nil
	})
	return res, err
}

// Dpkg runs dpkg under the package-manager lock.
func (r *CommandRunner) Dpkg(ctx context.Context, args ...string) (*CommandResult, error) {
	r.aptMu.Lock()
	defer r.aptMu.Unlock()
	return r.execute(ctx, nil, "dpkg", args...)
}

// PackageInstalled checks the dpkg database for the package. Query errors
// mean the package is unknown, which reads as not installed.
func (r *CommandRunner) PackageInstalled(ctx context.Context, pkg string) (bool, string) {
	r.aptMu.Lock()
	defer r.aptMu.Unlock()

	res, err := r.execute(ctx, nil, "dpkg-query", "-W", "-f=${db:Status-Status} ${Version}", pkg)
	if err != nil {
		return false, ""
	}

	fields := strings.Fields(res.Stdout)
	if len(fields) < 1 || fields[0] != "installed" {
		return false, ""
	}
	if len(fields) > 1 {
		return true, fields[1]
	}
	return true, ""
}

// skipDryRun logs and reports the dry-run short-circuit for one command.
func (r *CommandRunner) skipDryRun(name string, args []string) bool {
	if !r.dryRun {
		return false
	}
	r.logger.Info().
		Str("command", name).
		Strs("args", args).
		Msg("Dry-run: skipping command")
	return true
}

// protected composes the retry policy around the named breaker, matching
// the executor's ordering so breaker rejections back off before retrying.
func (r *CommandRunner) protected(ctx context.Context, breaker, operation string, fn func(ctx context.Context) error) error {
	wrapped := fn
	if r.breakers != nil {
		inner := wrapped
		wrapped = func(ctx context.Context) error {
			return r.breakers.Execute(ctx, breaker, inner)
		}
	}
	if r.retrier != nil {
		return r.retrier.Do(ctx, operation, wrapped)
	}
	return wrapped(ctx)
}

// execute runs one command with the per-command timeout and captured output.
func (r *CommandRunner) execute(ctx context.Context, env []string, name string, args ...string) (*CommandResult, error) {
	cctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	res := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		if cerr := cctx.Err(); cerr != nil {
			err = fmt.Errorf("%s: %w", name, cerr)
		} else {
			err = fmt.Errorf("%s exited with code %d: %w", name, res.ExitCode, err)
		}

		r.logger.Debug().
			Str("command", name).
			Strs("args", args).
			Int("exit_code", res.ExitCode).
			Dur("duration", res.Duration).
			Str("stderr", tail(res.Stderr, 400)).
			Msg("Command failed")
		return res, err
	}

	r.logger.Debug().
		Str("command", name).
		Strs("args", args).
		Dur("duration", res.Duration).
		Msg("Command finished")
	return res, nil
}

// classifyCommand maps a failed command to an error class the retry policy
// understands. Lock contention is a conflict, network trouble and timeouts
// are transient, everything else is permanent.
func classifyCommand(res *CommandResult, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError("command timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var combined string
	if res != nil {
		combined = strings.ToLower(res.Stdout + "\n" + res.Stderr)
	}

	switch {
	case strings.Contains(combined, "could not get lock"),
		strings.Contains(combined, "lock-frontend"),
		strings.Contains(combined, "dpkg was interrupted"):
		return engine.NewConflictError("package manager is locked", err)
	case strings.Contains(combined, "temporary failure"),
		strings.Contains(combined, "failed to fetch"),
		strings.Contains(combined, "connection timed out"),
		strings.Contains(combined, "could not resolve"),
		strings.Contains(combined, "network is unreachable"):
		return engine.NewTransientError("network fetch failed", err)
	default:
		return engine.NewPermanentError("command failed", err)
	}
}

// commandLabel builds the operation label used in retry and breaker logs.
func commandLabel(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + args[0]
}

// tail returns the last n bytes of s for log fields.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
