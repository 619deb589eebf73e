// Package hooks fans installer lifecycle events out to user scripts.
//
// The Dispatcher implements engine.HookDispatcher: handlers are registered
// per event and run in order, panics are contained, and handler errors are
// logged but never returned. A hook can observe an install; it cannot abort
// one.
//
// StarlarkHandler runs a sandboxed .star script's on_event(event, payload)
// function with a wall-clock timeout. DirLoader binds <event>.star files
// from the configured hooks directory:
//
//	hooks.d/
//	  before_install.star
//	  on_module_error.star
//
// A minimal script:
//
//	def on_event(event, payload):
//	    log("module " + payload.get("module", "?") + " hit " + event)
package hooks
