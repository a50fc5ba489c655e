// Package internal contains the core implementation packages for hyte.
//
// # Package Organization
//
//   - store: lists and loads template sources from one flat directory
//   - mustache: parses templates into a serializable program and executes it
//   - build: compiles templates, caches programs, wraps them as modules
//     and bundles, and writes outputs atomically
//   - renderer: renders templates from inline data or a remote JSON endpoint
//   - watcher: debounces filesystem events and rewrites compiled modules
//   - server: HTTP routes for compile, render and recompile, plus /health
//   - websocket: live-reload hub notified by the watcher
//   - config: viper-backed configuration and validation
//   - errors: the typed error taxonomy shared by every package
//   - logging: slog-backed structured logging
//   - version: build metadata
//
// # Data Flow
//
// A template is read by store, compiled by build into a mustache.Program,
// and either wrapped as JavaScript (module or bundle) or executed by
// renderer. The watcher drives build from filesystem events; the server
// drives build and renderer from HTTP requests.
package internal
