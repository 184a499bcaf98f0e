// Package bridge carries requests from the content to the host and the
// answers back.
//
// Content posts one JSON message per call through window.ipc.postMessage:
//
//	{"window":   {"id": 7, "body": {"run_command": {"command": ["date"]}}}}
//	{"external": {"id": 3, "body": {"ok": {"volume": 40}}}}
//
// A window message is a request. The Dispatcher decodes it, runs it on its
// own goroutine and queues a script that resolves the content's promise
// for the same id. An external message answers a request that arrived on
// the external socket and is handed to the correlation table.
//
// Everything the host sends to the content is script source built here:
// responses, stream lines, external invocations, console notices and the
// startup script that fills overlay.env and overlay.args. Bootstrap is the
// content-side counterpart and must be installed before page code runs.
package bridge
