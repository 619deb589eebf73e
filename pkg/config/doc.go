// Package config loads and validates the workstation installer configuration.
//
// # Overview
//
// Configuration is a single YAML file decoded over DefaultConfig, so every
// knob has a working default and a missing file is equivalent to an empty
// one. Before decoding, the raw tree is unified with an embedded CUE schema,
// which reports shape and range errors with their configuration paths. After
// decoding, validator struct tags catch anything the schema cannot express.
//
// Load order:
//
//  1. DefaultConfig
//  2. YAML file (if present), schema-checked then decoded
//  3. Environment overrides (WORKSTATION_LOG_LEVEL, WORKSTATION_DRY_RUN)
//  4. Struct validation
//
// # Sections
//
// The tree mirrors the runtime it configures: installer (worker pool,
// fail-fast, rollback mode, dry-run), retry and breaker (engine policies),
// modules (enabled list plus free-form per-module settings), hooks, policy,
// store, telemetry, and plugins.
//
// # Accessor
//
// Installation modules never see the typed tree. They receive a MapAccessor,
// a read-only dotted-path view with defaults:
//
//	users := cfg.GetStringSlice("modules.docker.users", nil)
//	port := cfg.GetInt("modules.monitoring.port", 9100)
//
// # Example
//
//	cfg, err := config.Load("/etc/workstation/config.yaml")
//	if err != nil {
//	    return err
//	}
//	acc, err := cfg.Accessor()
//	if err != nil {
//	    return err
//	}
package config
