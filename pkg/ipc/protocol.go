// Package ipc implements the IPC Request/Response protocol (C11): a
// line-terminated JSON-RPC 2.0 framing used by the local control
// surface, with a closed method enum and a domain error-code mapping
// over the shared nperr taxonomy.
package ipc

import (
	"encoding/json"

	"github.com/sitharaj88/novapm/pkg/nperr"
)

// ProtocolVersion is the IPC protocol version advertised by daemon.info.
const ProtocolVersion = 1

const jsonrpcVersion = "2.0"

// Reserved JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Domain error codes, outside the JSON-RPC reserved range.
const (
	CodeProcessNotFound      = -32001
	CodeProcessAlreadyExists = -32002
	CodeProcessNotRunning    = -32003
	CodeDaemonError          = -32010
)

// Request is one JSON-RPC 2.0 call frame.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON-RPC 2.0 reply frame. Exactly one of Result or
// Error is set, matching the spec's success/error envelope split.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is the `error` member of a failed Response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

func newResponse(id any, result any) Response {
	return Response{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func newErrorResponse(id any, code int, message string) Response {
	return Response{JSONRPC: jsonrpcVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
}

// Method is one of the closed set of RPC methods the server dispatches.
type Method string

const (
	MethodDaemonPing     Method = "daemon.ping"
	MethodDaemonInfo     Method = "daemon.info"
	MethodProcessList    Method = "process.list"
	MethodProcessGet     Method = "process.get"
	MethodProcessStart   Method = "process.start"
	MethodProcessStop    Method = "process.stop"
	MethodProcessRestart Method = "process.restart"
	MethodProcessDelete  Method = "process.delete"
	MethodLogsRecent     Method = "logs.recent"
	MethodLogsRecentAll  Method = "logs.recentAll"
	MethodMetricsLatest  Method = "metrics.latest"
	MethodMetricsAll     Method = "metrics.all"
	MethodConfigReload   Method = "config.reload"
)

var knownMethods = map[Method]bool{
	MethodDaemonPing:     true,
	MethodDaemonInfo:     true,
	MethodProcessList:    true,
	MethodProcessGet:     true,
	MethodProcessStart:   true,
	MethodProcessStop:    true,
	MethodProcessRestart: true,
	MethodProcessDelete:  true,
	MethodLogsRecent:     true,
	MethodLogsRecentAll:  true,
	MethodMetricsLatest:  true,
	MethodMetricsAll:     true,
	MethodConfigReload:   true,
}

// isKnownMethod reports whether method belongs to the closed enum.
func isKnownMethod(method string) bool {
	return knownMethods[Method(method)]
}

// CodeFor maps a nperr.Kind to the domain/reserved JSON-RPC code that
// best describes it. Timeout, Transport and Auth map to the generic
// daemon error; Internal (and any unlisted kind) maps to the JSON-RPC
// internal error.
func CodeFor(kind nperr.Kind) int {
	switch kind {
	case nperr.NotFound:
		return CodeProcessNotFound
	case nperr.AlreadyExists:
		return CodeProcessAlreadyExists
	case nperr.NotRunning:
		return CodeProcessNotRunning
	case nperr.Protocol:
		return CodeInvalidParams
	case nperr.Timeout, nperr.Transport, nperr.Auth:
		return CodeDaemonError
	default:
		return CodeInternalError
	}
}
