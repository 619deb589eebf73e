package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

// rollbackPathPrefix selects policies that feed the rollback decision.
const rollbackPathPrefix = "data.workstation.rollback"

// Engine compiles rego policies and gates the install: deny/warn rules run
// against the plan before execution, auto rules decide rollback after a
// failed run. It implements engine.PolicyGate.
type Engine struct {
	mu          sync.RWMutex
	policies    map[string]*compiledPolicy
	builtins    map[string]bool
	logger      zerolog.Logger
	denyOnError bool
}

var _ engine.PolicyGate = (*Engine)(nil)

// compiledPolicy is a policy with its prepared queries.
type compiledPolicy struct {
	policy   *Policy
	path     string
	rollback bool
	deny     rego.PreparedEvalQuery
	warn     rego.PreparedEvalQuery
	auto     rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		builtins: make(map[string]bool),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// WithDenyOnError makes evaluation errors fail the review instead of
// degrading to warnings.
func (e *Engine) WithDenyOnError(deny bool) *Engine {
	e.denyOnError = deny
	return e
}

// EvaluatePlan runs every enabled install-scope policy against the plan.
// Deny results with error or critical severity reject the plan; everything
// else surfaces as a warning.
func (e *Engine) EvaluatePlan(ctx context.Context, input engine.PlanInput) (*engine.PolicyDecision, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &engine.PolicyDecision{Allowed: true}

	for _, cp := range e.scopedLocked(false) {
		if !cp.policy.Enabled {
			continue
		}

		violations, warnings, err := e.evaluateInstallPolicy(ctx, cp, input)
		if err != nil {
			if e.denyOnError {
				return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
			}
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Msg("Policy evaluation failed")
			decision.Warnings = append(decision.Warnings,
				fmt.Sprintf("%s: evaluation failed: %v", cp.policy.Name, err))
			continue
		}

		for _, v := range violations {
			line := fmt.Sprintf("%s: %s", v.Policy, v.Message)
			if v.Severity.Blocks() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, line)
			} else {
				decision.Warnings = append(decision.Warnings, line)
			}
		}
		decision.Warnings = append(decision.Warnings, warnings...)
	}

	e.logger.Debug().
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Int("warnings", len(decision.Warnings)).
		Dur("duration", time.Since(startTime)).
		Msg("Plan policy evaluation completed")

	return decision, nil
}

// ReviewPlan implements engine.PolicyGate.
func (e *Engine) ReviewPlan(ctx context.Context, input engine.PlanInput) (*engine.PolicyDecision, error) {
	return e.EvaluatePlan(ctx, input)
}

// ShouldRollback runs every enabled rollback-scope policy against the run
// summary. The first auto rule that evaluates true approves the rollback.
func (e *Engine) ShouldRollback(ctx context.Context, input SummaryInput) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, cp := range e.scopedLocked(true) {
		if !cp.policy.Enabled {
			continue
		}

		rs, err := cp.auto.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			if e.denyOnError {
				return false, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
			}
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Msg("Rollback policy evaluation failed")
			continue
		}

		for _, result := range rs {
			if len(result.Expressions) == 0 {
				continue
			}
			if approved, ok := result.Expressions[0].Value.(bool); ok && approved {
				e.logger.Info().
					Str("policy", cp.policy.Name).
					Str("run_id", input.RunID).
					Msg("Rollback approved by policy")
				return true, nil
			}
		}
	}

	return false, nil
}

// ApproveRollback implements engine.PolicyGate.
func (e *Engine) ApproveRollback(ctx context.Context, summary *engine.RunSummary) (bool, error) {
	return e.ShouldRollback(ctx, SummarizeRun(summary))
}

// LoadPolicies loads custom policies from the given paths and replaces the
// current custom set. Built-in policies stay loaded.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	return e.ReplaceCustom(ctx, policies)
}

// ReplaceCustom swaps in a new custom policy set. Every policy compiles
// before the swap; on any error the previous set is kept.
func (e *Engine) ReplaceCustom(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		name := policies[i].Name
		if e.isBuiltin(name) {
			return fmt.Errorf("policy name %s collides with a built-in policy", name)
		}
		if _, exists := compiled[name]; exists {
			return fmt.Errorf("duplicate policy name %s", name)
		}

		cp, err := e.compilePolicy(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", name, err)
		}
		compiled[name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range e.policies {
		if !e.builtins[name] {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Custom policies loaded")

	return nil
}

// evaluateInstallPolicy runs one policy's deny and warn queries.
func (e *Engine) evaluateInstallPolicy(ctx context.Context, cp *compiledPolicy, input engine.PlanInput) ([]Violation, []string, error) {
	denyRS, err := cp.deny.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, fmt.Errorf("deny query: %w", err)
	}

	warnRS, err := cp.warn.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, fmt.Errorf("warn query: %w", err)
	}

	var violations []Violation
	for _, raw := range resultValues(denyRS) {
		violations = append(violations, violationFrom(cp.policy, raw))
	}

	var warnings []string
	for _, raw := range resultValues(warnRS) {
		warnings = append(warnings, fmt.Sprintf("%s: %s", cp.policy.Name, messageFrom(raw)))
	}

	return violations, warnings, nil
}

// resultValues flattens a result set of rego partial-set rules.
func resultValues(rs rego.ResultSet) []interface{} {
	var values []interface{}
	for _, result := range rs {
		if len(result.Expressions) == 0 {
			continue
		}
		if set, ok := result.Expressions[0].Value.([]interface{}); ok {
			values = append(values, set...)
		}
	}
	return values
}

// violationFrom builds a Violation from one deny result. Deny rules may
// produce plain strings or objects carrying message, severity, and module.
func violationFrom(policy *Policy, raw interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := raw.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if mod, ok := v["module"].(string); ok {
			violation.Module = mod
		}
	default:
		violation.Message = fmt.Sprintf("%v", raw)
	}

	return violation
}

// messageFrom extracts the message of one warn result.
func messageFrom(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", raw)
}

// compilePolicy parses a policy and prepares its queries for reuse.
func (e *Engine) compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	names := ruleNames(module)
	if !names["deny"] && !names["warn"] && !names["auto"] {
		e.logger.Warn().
			Str("policy", policy.Name).
			Msg("Policy defines no deny, warn, or auto rules")
	}

	path := module.Package.Path.String()
	cp := &compiledPolicy{
		policy:   policy,
		path:     path,
		rollback: strings.HasPrefix(path, rollbackPathPrefix),
		compiled: time.Now(),
	}

	if cp.rollback {
		if cp.auto, err = prepareQuery(ctx, policy, path+".auto"); err != nil {
			return nil, err
		}
		return cp, nil
	}

	if cp.deny, err = prepareQuery(ctx, policy, path+".deny"); err != nil {
		return nil, err
	}
	if cp.warn, err = prepareQuery(ctx, policy, path+".warn"); err != nil {
		return nil, err
	}

	return cp, nil
}

// prepareQuery compiles one query against the policy's module.
func prepareQuery(ctx context.Context, policy *Policy, query string) (rego.PreparedEvalQuery, error) {
	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(query),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare query %s: %w", query, err)
	}

	return prepared, nil
}

// ruleNames collects the rule heads a module defines.
func ruleNames(module *ast.Module) map[string]bool {
	names := make(map[string]bool, len(module.Rules))
	for _, rule := range module.Rules {
		ref := rule.Head.Ref()
		if len(ref) > 0 {
			names[ref[0].String()] = true
		}
	}
	return names
}

// loadBuiltinPolicies compiles and stores the built-in set. Callers hold
// the write lock when the engine is already shared.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := e.compilePolicy(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
		e.builtins[builtins[i].Name] = true
	}

	e.logger.Info().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// scopedLocked returns the policies of one scope sorted by name. The
// caller holds at least the read lock.
func (e *Engine) scopedLocked(rollback bool) []*compiledPolicy {
	scoped := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.rollback == rollback {
			scoped = append(scoped, cp)
		}
	}
	sort.Slice(scoped, func(i, j int) bool {
		return scoped[i].policy.Name < scoped[j].policy.Name
	})
	return scoped
}

func (e *Engine) isBuiltin(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.builtins[name]
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].Name < policies[j].Name
	})

	return policies
}

// ReloadPolicies drops every loaded policy and restores the built-ins.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	return e.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = true
	e.logger.Info().Str("policy", name).Msg("Policy enabled")

	return nil
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = false
	e.logger.Info().Str("policy", name).Msg("Policy disabled")

	return nil
}
