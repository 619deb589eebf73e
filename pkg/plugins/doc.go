// Package plugins loads external installation modules compiled to WASM.
//
// A plugin is a directory holding a plugin.yaml manifest and a wasm binary
// built as a WASI reactor (GOOS=wasip1 GOARCH=wasm, buildmode c-shared).
// The binary exports malloc, free, and the lifecycle functions validate,
// configure, verify, and optionally rollback, each taking a JSON request in
// guest memory and returning a packed pointer to a JSON reply. The host
// exposes log and config_get in the env module; settings resolve through
// the installer's dotted-path accessor under modules.<name>.*.
//
// Execution is sandboxed by wazero: memory is capped, calls time out, and
// the guest sees no filesystem or network.
package plugins
