// Package policy provides the Open Policy Agent (OPA) gate for the
// installer.
//
// Policies are written in Rego and evaluated at two points: the install
// plan is reviewed before execution, and after a failed run the rollback
// decision is consulted when the configuration says auto_rollback: policy.
//
// # Scopes
//
// A policy's declared package selects its scope. Packages under
// workstation.rollback feed the rollback decision through their auto rule;
// every other package is evaluated against the install plan through its
// deny and warn rules.
//
// Plan input document:
//
//	{
//	    "modules": [{"name": "docker", "depends_on": ["system", "security"], ...}],
//	    "batches": [["system"], ["security"], ["docker", "python"]],
//	    "dry_run": false
//	}
//
// Rollback input document:
//
//	{
//	    "run_id": "...",
//	    "state": "FAILED",
//	    "failed": 1,
//	    "failed_modules": ["docker"],
//	    "mandatory_failed": false,
//	    "dry_run": false,
//	    ...
//	}
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	eng.WithDenyOnError(cfg.Policy.DenyOnError)
//
//	decision, err := eng.EvaluatePlan(ctx, planInput)
//	if err != nil {
//	    return err
//	}
//	if !decision.Allowed {
//	    // decision.Violations explains why
//	}
//
// The engine satisfies the installer's PolicyGate interface, so it can be
// handed to the installer directly.
//
// # Built-in policies
//
// Four policies ship embedded:
//
//  1. plan-not-empty - rejects a plan with no modules
//  2. plan-module-dependencies - docker requires the security module
//  3. plan-mandatory-coverage - warns when system or security is disabled
//  4. rollback-on-mandatory-failure - rolls back when a mandatory module
//     failed a real run
//
// # Custom policies
//
// Extra .rego or .json files are loaded from the configured policy
// directory. Deny rules may produce plain strings or objects:
//
//	package workstation.install
//
//	import rego.v1
//
//	deny contains violation if {
//	    some m in input.modules
//	    m.name == "monitoring"
//	    input.dry_run == false
//	    violation := {
//	        "message": "monitoring rollout is frozen this week",
//	        "severity": "error",
//	        "module": "monitoring",
//	    }
//	}
//
// A violation's severity decides its effect: error and critical deny the
// plan, warning and info surface as warnings. Warn rules are always
// non-blocking. Rollback policies define an auto rule instead:
//
//	package workstation.rollback
//
//	import rego.v1
//
//	auto if {
//	    input.failed > 2
//	    not input.dry_run
//	}
//
// # Hot reload
//
// The loader can watch the policy directory and swap the custom set on
// change. The swap is atomic: if any file fails to compile the previous
// set stays active.
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return eng.ReplaceCustom(ctx, policies)
//	})
//
// # Evaluation errors
//
// By default an evaluation error degrades to a warning so a broken custom
// policy cannot block installs. With deny_on_error set in the policy
// configuration the gate fails closed instead.
package policy
