// Package ipc implements the IPC Request/Response protocol (C11)
// described in the external interfaces section: newline-delimited
// JSON-RPC 2.0 over the local control surface, dispatching a closed
// method enum to the Supervisor, Log Aggregator, Metrics Collector,
// and config reload.
package ipc
