package modules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

func TestCommandRunnerCapturesOutput(t *testing.T) {
	run := NewCommandRunner(RunnerOptions{}, zerolog.Nop())

	res, err := run.Run(context.Background(), "sh", "-c", "echo out; echo err 1>&2")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Stdout != "out\n" {
		t.Errorf("Expected stdout %q, got %q", "out\n", res.Stdout)
	}
	if res.Stderr != "err\n" {
		t.Errorf("Expected stderr %q, got %q", "err\n", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", res.ExitCode)
	}
}

func TestCommandRunnerExitCode(t *testing.T) {
	run := NewCommandRunner(RunnerOptions{}, zerolog.Nop())

	res, err := run.Run(context.Background(), "sh", "-c", "exit 3")
	if err == nil {
		t.Fatal("Expected error for nonzero exit")
	}
	if res.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", res.ExitCode)
	}
}

func TestCommandRunnerOutputTrims(t *testing.T) {
	run := NewCommandRunner(RunnerOptions{}, zerolog.Nop())

	out, err := run.Output(context.Background(), "sh", "-c", `printf "  hi  \n"`)
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if out != "hi" {
		t.Errorf("Expected trimmed output %q, got %q", "hi", out)
	}
}

func TestCommandRunnerDryRunSkips(t *testing.T) {
	run := NewCommandRunner(RunnerOptions{DryRun: true}, zerolog.Nop())
	ctx := context.Background()

	if _, err := run.Run(ctx, "no-such-binary-anywhere"); err != nil {
		t.Errorf("Expected dry-run Run to skip execution, got: %v", err)
	}
	if _, err := run.AptGet(ctx, "install", "-y", "nothing"); err != nil {
		t.Errorf("Expected dry-run AptGet to skip execution, got: %v", err)
	}
	if _, err := run.Guarded(ctx, "download", "no-such-binary-anywhere"); err != nil {
		t.Errorf("Expected dry-run Guarded to skip execution, got: %v", err)
	}

	// Queries still execute so plans stay honest.
	out, err := run.Output(ctx, "sh", "-c", "echo live")
	if err != nil {
		t.Fatalf("Expected dry-run Output to execute, got: %v", err)
	}
	if out != "live" {
		t.Errorf("Expected query output %q, got %q", "live", out)
	}
}

func TestCommandRunnerTimeout(t *testing.T) {
	run := NewCommandRunner(RunnerOptions{Timeout: 50 * time.Millisecond}, zerolog.Nop())

	_, err := run.Run(context.Background(), "sleep", "2")
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got: %v", err)
	}
}

func TestCommandRunnerPackageInstalledUnknown(t *testing.T) {
	run := NewCommandRunner(RunnerOptions{}, zerolog.Nop())

	installed, version := run.PackageInstalled(context.Background(), "no-such-package-zzz")
	if installed || version != "" {
		t.Errorf("Expected unknown package to read as not installed, got %v %q", installed, version)
	}
}

func TestCommandRunnerGuardedRetriesTransient(t *testing.T) {
	retrier := engine.NewRetrier(engine.RetryPolicy{
		MaxRetries:    2,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}, zerolog.Nop())
	run := NewCommandRunner(RunnerOptions{Retrier: retrier}, zerolog.Nop())

	marker := filepath.Join(t.TempDir(), "attempts")
	script := fmt.Sprintf(`echo x >> %s; echo "Temporary failure resolving host" 1>&2; exit 1`, marker)

	_, err := run.Guarded(context.Background(), "download", "sh", "-c", script)
	if err == nil {
		t.Fatal("Expected failure after retries")
	}

	data, readErr := os.ReadFile(marker)
	if readErr != nil {
		t.Fatalf("Reading attempt marker failed: %v", readErr)
	}
	if got := strings.Count(string(data), "x"); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
}

func TestCommandRunnerGuardedBreakerOpens(t *testing.T) {
	breakers := engine.NewBreakerManager(engine.BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}, zerolog.Nop())
	run := NewCommandRunner(RunnerOptions{Breakers: breakers}, zerolog.Nop())
	ctx := context.Background()

	if _, err := run.Guarded(ctx, "download", "sh", "-c", "exit 1"); err == nil {
		t.Fatal("Expected first call to fail")
	}

	_, err := run.Guarded(ctx, "download", "sh", "-c", "echo ok")
	if !engine.IsCircuitOpen(err) {
		t.Errorf("Expected open-breaker rejection, got: %v", err)
	}
}

func TestClassifyCommand(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		err    error
		check  func(error) bool
		label  string
	}{
		{
			name:   "DpkgLock",
			stderr: "E: Could not get lock /var/lib/dpkg/lock-frontend",
			err:    errors.New("exit status 100"),
			check:  engine.IsConflict,
			label:  "conflict",
		},
		{
			name:   "ResolverFailure",
			stderr: "Temporary failure resolving 'deb.debian.org'",
			err:    errors.New("exit status 100"),
			check:  engine.IsTransient,
			label:  "transient",
		},
		{
			name:   "FetchFailure",
			stderr: "E: Failed to fetch http://deb.debian.org/pool/x.deb",
			err:    errors.New("exit status 100"),
			check:  engine.IsTransient,
			label:  "transient",
		},
		{
			name:   "PlainFailure",
			stderr: "E: Unable to locate package doesnotexist",
			err:    errors.New("exit status 100"),
			check:  engine.IsPermanent,
			label:  "permanent",
		},
		{
			name:  "Timeout",
			err:   fmt.Errorf("apt-get: %w", context.DeadlineExceeded),
			check: engine.IsTransient,
			label: "transient",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyCommand(&CommandResult{Stderr: tt.stderr}, tt.err)
			if !tt.check(got) {
				t.Errorf("Expected %s classification, got: %v", tt.label, got)
			}
		})
	}
}

func TestClassifyCommandCanceled(t *testing.T) {
	err := fmt.Errorf("apt-get: %w", context.Canceled)

	got := classifyCommand(&CommandResult{}, err)
	if !errors.Is(got, context.Canceled) {
		t.Errorf("Expected cancellation to pass through, got: %v", got)
	}
	if engine.IsRetryable(got) {
		t.Error("Expected cancellation to stay non-retryable")
	}
}
