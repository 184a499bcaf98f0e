// Package main is the entry point for the overlay host.
//
// The host shows a content directory (index.html plus assets) on a content
// surface and gives its script access to the local machine: files,
// commands, streaming command output and an external request bridge on a
// unix socket.
//
// Architecture:
//
//	content script ──ipc──▶ dispatcher ──▶ process runner / filesystem
//	       ▲                                     │
//	       └──────────── gate (one goroutine) ◀──┘
//	external client ──unix socket──▶ listener ──▶ gate ──▶ content
//
// Configuration:
//   - Environment variables (LOG_LEVEL, SURFACE_MODE, BRIDGE_*, RATE_LIMIT_*)
//   - config.json, config.yaml or config.toml in the content root
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Serve ./widget and expose overlay.args.get("city")
//	./overlay ./widget city=Oslo
//
//	# Load the page from a dev server, keep config from ./widget
//	./overlay -server http://localhost:5173 ./widget
//
//	# Drive a webview shell over the remote surface socket
//	./overlay -surface remote -debug ./widget
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
