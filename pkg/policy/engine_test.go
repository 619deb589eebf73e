package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	return eng
}

func planOf(names ...string) engine.PlanInput {
	modules := make([]engine.ModuleDescriptor, 0, len(names))
	for _, name := range names {
		modules = append(modules, engine.ModuleDescriptor{Name: name})
	}

	return engine.PlanInput{
		Modules: modules,
		Batches: [][]string{names},
	}
}

func containsLine(lines []string, substr string) bool {
	for _, line := range lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("No built-in policies loaded")
	}

	expectedPolicies := []string{
		"plan-not-empty",
		"plan-module-dependencies",
		"plan-mandatory-coverage",
		"rollback-on-mandatory-failure",
	}

	for _, expected := range expectedPolicies {
		found := false
		for _, p := range policies {
			if p.Name == expected {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected built-in policy not found: %s", expected)
		}
	}
}

func TestEvaluatePlan_ModuleDependencies(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		plan          engine.PlanInput
		expectAllowed bool
	}{
		{
			name:          "docker with security",
			plan:          planOf("system", "security", "docker"),
			expectAllowed: true,
		},
		{
			name:          "docker without security",
			plan:          planOf("system", "docker"),
			expectAllowed: false,
		},
		{
			name:          "security without docker",
			plan:          planOf("system", "security"),
			expectAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.EvaluatePlan(context.Background(), tt.plan)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if decision.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v. Violations: %v",
					tt.expectAllowed, decision.Allowed, decision.Violations)
			}

			if !tt.expectAllowed && !containsLine(decision.Violations, "docker") {
				t.Errorf("Expected a docker violation, got: %v", decision.Violations)
			}
		})
	}
}

func TestEvaluatePlan_EmptyPlan(t *testing.T) {
	eng := newTestEngine(t)

	decision, err := eng.EvaluatePlan(context.Background(), engine.PlanInput{})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if decision.Allowed {
		t.Error("Expected empty plan to be rejected")
	}

	if !containsLine(decision.Violations, "no modules") {
		t.Errorf("Expected an empty-plan violation, got: %v", decision.Violations)
	}
}

func TestEvaluatePlan_MandatoryCoverage(t *testing.T) {
	eng := newTestEngine(t)

	decision, err := eng.EvaluatePlan(context.Background(), planOf("system", "python"))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if !decision.Allowed {
		t.Errorf("Expected plan to be allowed, violations: %v", decision.Violations)
	}

	if !containsLine(decision.Warnings, "'security'") {
		t.Errorf("Expected a warning about the missing security module, got: %v", decision.Warnings)
	}
	if containsLine(decision.Warnings, "'system'") {
		t.Errorf("Unexpected warning about the scheduled system module: %v", decision.Warnings)
	}
}

func TestEvaluatePlan_WarningSeverityDoesNotBlock(t *testing.T) {
	eng := newTestEngine(t)

	custom := Policy{
		Name:     "nodejs-advisory",
		Severity: SeverityWarning,
		Enabled:  true,
		Rego: `package workstation.install

import rego.v1

deny contains violation if {
	some m in input.modules
	m.name == "nodejs"
	violation := {
		"message": "nodejs pins an EOL major this cycle",
		"severity": "warning",
		"module": "nodejs",
	}
}
`,
	}

	if err := eng.ReplaceCustom(context.Background(), []Policy{custom}); err != nil {
		t.Fatalf("Failed to load custom policy: %v", err)
	}

	decision, err := eng.EvaluatePlan(context.Background(), planOf("system", "security", "nodejs"))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if !decision.Allowed {
		t.Errorf("Warning-severity violation should not block, violations: %v", decision.Violations)
	}
	if !containsLine(decision.Warnings, "EOL major") {
		t.Errorf("Expected advisory warning, got: %v", decision.Warnings)
	}
}

func TestEvaluatePlan_PolicyGate(t *testing.T) {
	eng := newTestEngine(t)

	var gate engine.PolicyGate = eng

	decision, err := gate.ReviewPlan(context.Background(), planOf("docker"))
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}

	if decision.Allowed {
		t.Error("Expected docker-only plan to be rejected through the gate")
	}
}

func TestShouldRollback(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name   string
		input  SummaryInput
		expect bool
	}{
		{
			name:   "mandatory failure",
			input:  SummaryInput{State: string(engine.StateFailed), Failed: 1, MandatoryFailed: true},
			expect: true,
		},
		{
			name:   "mandatory failure in dry run",
			input:  SummaryInput{State: string(engine.StateFailed), Failed: 1, MandatoryFailed: true, DryRun: true},
			expect: false,
		},
		{
			name:   "optional failure",
			input:  SummaryInput{State: string(engine.StateFailed), Failed: 1},
			expect: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			approved, err := eng.ShouldRollback(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if approved != tt.expect {
				t.Errorf("Expected rollback=%v, got %v", tt.expect, approved)
			}
		})
	}
}

func TestApproveRollback_FromSummary(t *testing.T) {
	eng := newTestEngine(t)

	summary := &engine.RunSummary{
		RunID:           "run-1",
		State:           engine.StateFailed,
		Failed:          1,
		MandatoryFailed: true,
		Results: map[string]*engine.Result{
			"system": {Module: "system", Status: engine.ModuleStatusFailed},
		},
	}

	var gate engine.PolicyGate = eng

	approved, err := gate.ApproveRollback(context.Background(), summary)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !approved {
		t.Error("Expected rollback approval for a mandatory failure")
	}

	summary.MandatoryFailed = false
	approved, err = gate.ApproveRollback(context.Background(), summary)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if approved {
		t.Error("Expected no rollback approval for an optional failure")
	}
}

func TestSummarizeRun(t *testing.T) {
	summary := &engine.RunSummary{
		RunID:     "run-7",
		State:     engine.StateFailed,
		Duration:  90 * time.Second,
		Total:     4,
		Succeeded: 1,
		Failed:    2,
		Skipped:   1,
		Results: map[string]*engine.Result{
			"system":   {Module: "system", Status: engine.ModuleStatusSucceeded, Success: true},
			"security": {Module: "security", Status: engine.ModuleStatusFailed},
			"docker":   {Module: "docker", Status: engine.ModuleStatusFailed},
			"python":   {Module: "python", Status: engine.ModuleStatusSkipped},
		},
	}

	input := SummarizeRun(summary)

	if input.RunID != "run-7" {
		t.Errorf("Expected run ID run-7, got %s", input.RunID)
	}
	if input.State != string(engine.StateFailed) {
		t.Errorf("Expected state %s, got %s", engine.StateFailed, input.State)
	}
	if input.DurationSeconds != 90 {
		t.Errorf("Expected 90 duration seconds, got %v", input.DurationSeconds)
	}

	expected := []string{"docker", "security"}
	if len(input.FailedModules) != len(expected) {
		t.Fatalf("Expected failed modules %v, got %v", expected, input.FailedModules)
	}
	for i, name := range expected {
		if input.FailedModules[i] != name {
			t.Errorf("Expected failed module %s at index %d, got %s", name, i, input.FailedModules[i])
		}
	}

	if SummarizeRun(nil).RunID != "" {
		t.Error("Expected zero input for nil summary")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	policyName := "plan-module-dependencies"

	if err := eng.DisablePolicy(policyName); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	policy, err := eng.GetPolicy(policyName)
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if policy.Enabled {
		t.Error("Policy should be disabled")
	}

	decision, err := eng.EvaluatePlan(context.Background(), planOf("system", "docker"))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("Disabled policy should not deny, violations: %v", decision.Violations)
	}

	if err := eng.EnablePolicy(policyName); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}

	decision, err = eng.EvaluatePlan(context.Background(), planOf("system", "docker"))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Allowed {
		t.Error("Re-enabled policy should deny docker without security")
	}
}

func TestLoadPolicies_CustomRego(t *testing.T) {
	eng := newTestEngine(t)

	tmpDir := t.TempDir()
	regoContent := `package workstation.install

import rego.v1

deny contains violation if {
	some m in input.modules
	m.name == "nodejs"
	violation := {
		"message": "nodejs installs are frozen",
		"severity": "error",
		"module": "nodejs",
	}
}
`
	if err := os.WriteFile(filepath.Join(tmpDir, "deny-nodejs.rego"), []byte(regoContent), 0644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{tmpDir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	if _, err := eng.GetPolicy("deny-nodejs"); err != nil {
		t.Fatalf("Custom policy not registered: %v", err)
	}

	decision, err := eng.EvaluatePlan(context.Background(), planOf("system", "security", "nodejs"))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if decision.Allowed {
		t.Error("Expected custom policy to deny nodejs")
	}
	if !containsLine(decision.Violations, "frozen") {
		t.Errorf("Expected custom violation message, got: %v", decision.Violations)
	}
}

func TestLoadPolicies_CustomRollback(t *testing.T) {
	eng := newTestEngine(t)

	tmpDir := t.TempDir()
	regoContent := `package workstation.rollback

import rego.v1

auto if {
	input.failed > 2
}
`
	if err := os.WriteFile(filepath.Join(tmpDir, "rollback-many-failures.rego"), []byte(regoContent), 0644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{tmpDir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	approved, err := eng.ShouldRollback(context.Background(), SummaryInput{State: string(engine.StateFailed), Failed: 3})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !approved {
		t.Error("Expected custom rollback policy to approve")
	}

	approved, err = eng.ShouldRollback(context.Background(), SummaryInput{State: string(engine.StateFailed), Failed: 1})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if approved {
		t.Error("Expected no approval below the failure threshold")
	}
}

func TestLoadPolicies_BuiltinCollision(t *testing.T) {
	eng := newTestEngine(t)

	tmpDir := t.TempDir()
	regoContent := `package workstation.install

import rego.v1

deny contains violation if {
	input.dry_run
	violation := {"message": "no dry runs", "severity": "error"}
}
`
	if err := os.WriteFile(filepath.Join(tmpDir, "plan-not-empty.rego"), []byte(regoContent), 0644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	err := eng.LoadPolicies(context.Background(), []string{tmpDir})
	if err == nil {
		t.Fatal("Expected error for a builtin name collision")
	}
	if !strings.Contains(err.Error(), "collides") {
		t.Errorf("Expected collision error, got: %v", err)
	}
}

func TestReplaceCustom_KeepsPreviousSetOnError(t *testing.T) {
	eng := newTestEngine(t)

	good := Policy{
		Name:     "deny-python",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package workstation.install

import rego.v1

deny contains violation if {
	some m in input.modules
	m.name == "python"
	violation := {"message": "python is blocked", "severity": "error"}
}
`,
	}

	if err := eng.ReplaceCustom(context.Background(), []Policy{good}); err != nil {
		t.Fatalf("Failed to load custom policy: %v", err)
	}

	bad := Policy{
		Name:    "broken",
		Enabled: true,
		Rego:    "package workstation.install\n\nthis is not rego",
	}

	if err := eng.ReplaceCustom(context.Background(), []Policy{bad}); err == nil {
		t.Fatal("Expected compile error for broken policy")
	}

	if _, err := eng.GetPolicy("deny-python"); err != nil {
		t.Error("Previous custom set should survive a failed reload")
	}

	decision, err := eng.EvaluatePlan(context.Background(), planOf("system", "security", "python"))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Allowed {
		t.Error("Expected previous custom policy to keep denying python")
	}
}

func TestEvaluatePlan_EvaluationError(t *testing.T) {
	// The object comprehension produces the key twice, which only fails
	// at evaluation time.
	unstable := Policy{
		Name:     "unstable",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package workstation.install

import rego.v1

deny contains violation if {
	obj := {"k": v | some v in [1, 2]}
	obj.k == 1
	violation := {"message": "unreachable", "severity": "error"}
}
`,
	}

	t.Run("fail open by default", func(t *testing.T) {
		eng := newTestEngine(t)
		if err := eng.ReplaceCustom(context.Background(), []Policy{unstable}); err != nil {
			t.Fatalf("Failed to load custom policy: %v", err)
		}

		decision, err := eng.EvaluatePlan(context.Background(), planOf("system", "security"))
		if err != nil {
			t.Fatalf("Evaluation should degrade to a warning, got: %v", err)
		}
		if !decision.Allowed {
			t.Errorf("Expected plan to stay allowed, violations: %v", decision.Violations)
		}
		if !containsLine(decision.Warnings, "evaluation failed") {
			t.Errorf("Expected an evaluation failure warning, got: %v", decision.Warnings)
		}
	})

	t.Run("fail closed with deny on error", func(t *testing.T) {
		eng := newTestEngine(t).WithDenyOnError(true)
		if err := eng.ReplaceCustom(context.Background(), []Policy{unstable}); err != nil {
			t.Fatalf("Failed to load custom policy: %v", err)
		}

		if _, err := eng.EvaluatePlan(context.Background(), planOf("system", "security")); err == nil {
			t.Fatal("Expected evaluation error to fail the review")
		}
	})
}

func TestReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)

	initialCount := len(eng.ListPolicies())

	custom := Policy{
		Name:     "temporary",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package workstation.install

import rego.v1

deny contains violation if {
	input.dry_run
	violation := {"message": "no dry runs", "severity": "error"}
}
`,
	}
	if err := eng.ReplaceCustom(context.Background(), []Policy{custom}); err != nil {
		t.Fatalf("Failed to load custom policy: %v", err)
	}

	if len(eng.ListPolicies()) != initialCount+1 {
		t.Fatalf("Expected %d policies after custom load, got %d", initialCount+1, len(eng.ListPolicies()))
	}

	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("Failed to reload policies: %v", err)
	}

	if len(eng.ListPolicies()) != initialCount {
		t.Errorf("Expected %d policies after reload, got %d", initialCount, len(eng.ListPolicies()))
	}
	if _, err := eng.GetPolicy("temporary"); err == nil {
		t.Error("Custom policy should be dropped by reload")
	}
}

func TestListPolicies(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("No policies returned")
	}

	for _, p := range policies {
		if p.Name == "" {
			t.Error("Policy has empty name")
		}
		if p.Rego == "" {
			t.Error("Policy has empty Rego code")
		}
		if p.CreatedAt.IsZero() {
			t.Error("Policy has zero CreatedAt")
		}
	}

	for i := 1; i < len(policies); i++ {
		if policies[i-1].Name > policies[i].Name {
			t.Errorf("Policies not sorted: %s before %s", policies[i-1].Name, policies[i].Name)
		}
	}
}

func TestGetPolicy_NotFound(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.GetPolicy("no-such-policy"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}
