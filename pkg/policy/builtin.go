package policy

import (
	"time"
)

// BuiltinPolicies returns all built-in policies.
func BuiltinPolicies() []Policy {
	return []Policy{
		planNotEmptyPolicy(),
		planModuleDependenciesPolicy(),
		planMandatoryCoveragePolicy(),
		rollbackMandatoryFailurePolicy(),
	}
}

// planNotEmptyPolicy rejects a plan that schedules nothing.
func planNotEmptyPolicy() Policy {
	return Policy{
		Name:        "plan-not-empty",
		Description: "Rejects install plans that contain no modules",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"plan"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package workstation.install

import rego.v1

# An install with nothing scheduled is a configuration mistake,
# not a no-op. The index probe stays undefined for both a missing
# and an empty module list.
deny contains violation if {
	not input.modules[0]
	violation := {
		"message": "Install plan contains no modules",
		"severity": "error",
	}
}
`,
	}
}

// planModuleDependenciesPolicy enforces cross-module requirements that the
// dependency graph alone does not express.
func planModuleDependenciesPolicy() Policy {
	return Policy{
		Name:        "plan-module-dependencies",
		Description: "Requires the security baseline whenever docker is scheduled",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"plan", "security"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package workstation.install

import rego.v1

# Docker opens the host up (daemon socket, iptables rules); it must
# never land on a box that skipped the security hardening.
deny contains violation if {
	planned("docker")
	not planned("security")
	violation := {
		"message": "Module 'docker' is scheduled without the 'security' module",
		"severity": "error",
		"module": "docker",
	}
}

planned(name) if {
	some m in input.modules
	m.name == name
}
`,
	}
}

// planMandatoryCoveragePolicy warns when baseline modules were disabled.
func planMandatoryCoveragePolicy() Policy {
	return Policy{
		Name:        "plan-mandatory-coverage",
		Description: "Warns when a baseline module is missing from the plan",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"plan"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package workstation.install

import rego.v1

warn contains message if {
	some name in {"system", "security"}
	not planned(name)
	message := sprintf("Mandatory module '%s' is disabled and will not run", [name])
}

planned(name) if {
	some m in input.modules
	m.name == name
}
`,
	}
}

// rollbackMandatoryFailurePolicy is the default auto-rollback rule.
func rollbackMandatoryFailurePolicy() Policy {
	return Policy{
		Name:        "rollback-on-mandatory-failure",
		Description: "Rolls back automatically when a mandatory module failed a real run",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"rollback"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package workstation.rollback

import rego.v1

# A failed mandatory module leaves the host half-configured; undo what
# ran. Dry runs have nothing to undo.
auto if {
	input.mandatory_failed
	not input.dry_run
}
`,
	}
}
