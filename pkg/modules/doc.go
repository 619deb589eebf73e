// Package modules provides the built-in installation modules and the
// command runner they share.
//
// Every module implements engine.Module: Validate checks preconditions,
// Configure performs the installation work and records undo entries on the
// shared rollback ledger, Verify checks post-conditions. Host commands run
// through the Runner interface, which serializes package-manager access,
// applies per-command timeouts, and short-circuits mutating commands in
// dry-run mode. Network-facing commands run under named circuit breakers
// with the configured retry policy.
//
// Modules register themselves at package init; Build constructs the set
// named in the configuration. Per-module settings are read from the
// configuration accessor under modules.<name>.*.
package modules
