package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sitharaj88/novapm/pkg/log"
	"github.com/sitharaj88/novapm/pkg/nperr"
	"github.com/sitharaj88/novapm/pkg/supervisor"
	"github.com/sitharaj88/novapm/pkg/types"
)

// Supervisor is the subset of pkg/supervisor.Supervisor the IPC server
// dispatches process.* methods through.
type Supervisor interface {
	Start(ctx context.Context, def types.ProcessDefinition) (supervisor.Info, error)
	Stop(ctx context.Context, idOrName string, force bool) error
	Restart(ctx context.Context, idOrName string) (supervisor.Info, error)
	Delete(ctx context.Context, idOrName string) error
	List() ([]supervisor.Info, error)
	GetInfo(idOrName string) (supervisor.Info, error)
}

// LogSource is the subset of pkg/logagg.Aggregator the IPC server
// dispatches logs.* methods through.
type LogSource interface {
	GetRecentLogs(processID int64, n int) []types.LogEntry
	GetAllRecentLogs(n int) []types.LogEntry
}

// MetricsSource is the subset of pkg/metrics.Collector the IPC server
// dispatches metrics.* methods through.
type MetricsSource interface {
	GetLatest(processID int64) (types.MetricSample, bool)
	GetAllLatest() map[int64]types.MetricSample
}

// ConfigReloader re-reads and re-applies the on-disk configuration
// file at path, used by config.reload.
type ConfigReloader func(ctx context.Context, path string) error

// Server dispatches decoded Requests to the daemon's components and
// produces Responses. It holds no connection state; callers drive
// Decoder/Encoder pairs per connection and call Handle per frame.
type Server struct {
	supervisor Supervisor
	logs       LogSource
	metrics    MetricsSource
	reload     ConfigReloader
	version    string
}

// NewServer wires a Server over the given component surfaces. logs,
// metrics, and reload may be nil; methods that need them then fail
// with a daemon error rather than panicking.
func NewServer(sv Supervisor, logs LogSource, metrics MetricsSource, reload ConfigReloader, version string) *Server {
	return &Server{supervisor: sv, logs: logs, metrics: metrics, reload: reload, version: version}
}

// Serve reads requests from r and writes responses to w until the
// stream ends or ctx is cancelled. One malformed frame yields a parse
// error response; the connection is not closed because of it.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	dec := NewDecoder(r)
	enc := NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := dec.ReadRequest()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if werr := enc.WriteResponse(newErrorResponse(nil, CodeParseError, err.Error())); werr != nil {
				return werr
			}
			continue
		}

		resp := s.Handle(ctx, req)
		if err := enc.WriteResponse(resp); err != nil {
			return err
		}
	}
}

// Handle dispatches a single decoded Request and returns its Response.
// It never panics: handler errors are translated to RPCError via
// CodeFor, and an unknown method yields CodeMethodNotFound.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		return newErrorResponse(req.ID, CodeInvalidRequest, "invalid request")
	}
	if !isKnownMethod(req.Method) {
		return newErrorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}

	result, err := s.dispatch(ctx, Method(req.Method), req.Params)
	if err != nil {
		var rpcErr *RPCError
		if asRPCError(err, &rpcErr) {
			return Response{JSONRPC: jsonrpcVersion, ID: req.ID, Error: rpcErr}
		}
		code := CodeFor(nperr.ClassifyOf(err))
		return newErrorResponse(req.ID, code, err.Error())
	}
	return newResponse(req.ID, result)
}

func asRPCError(err error, target **RPCError) bool {
	rpcErr, ok := err.(*RPCError)
	if ok {
		*target = rpcErr
	}
	return ok
}

func (s *Server) dispatch(ctx context.Context, method Method, params json.RawMessage) (any, error) {
	switch method {
	case MethodDaemonPing:
		return map[string]any{"pong": true}, nil
	case MethodDaemonInfo:
		return map[string]any{"version": s.version, "protocolVersion": ProtocolVersion}, nil

	case MethodProcessList:
		return s.supervisor.List()

	case MethodProcessGet:
		var p struct {
			ID string `json:"id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.supervisor.GetInfo(p.ID)

	case MethodProcessStart:
		var def types.ProcessDefinition
		if err := unmarshalParams(params, &def); err != nil {
			return nil, err
		}
		return s.supervisor.Start(ctx, def)

	case MethodProcessStop:
		var p struct {
			ID    string `json:"id"`
			Force bool   `json:"force"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return nil, s.supervisor.Stop(ctx, p.ID, p.Force)

	case MethodProcessRestart:
		var p struct {
			ID string `json:"id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.supervisor.Restart(ctx, p.ID)

	case MethodProcessDelete:
		var p struct {
			ID string `json:"id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return nil, s.supervisor.Delete(ctx, p.ID)

	case MethodLogsRecent:
		if s.logs == nil {
			return nil, &RPCError{Code: CodeDaemonError, Message: "log aggregator unavailable"}
		}
		var p struct {
			ProcessID int64 `json:"processId"`
			N         int   `json:"n"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		n := p.N
		if n <= 0 {
			n = 50
		}
		return s.logs.GetRecentLogs(p.ProcessID, n), nil

	case MethodLogsRecentAll:
		if s.logs == nil {
			return nil, &RPCError{Code: CodeDaemonError, Message: "log aggregator unavailable"}
		}
		var p struct {
			N int `json:"n"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		n := p.N
		if n <= 0 {
			n = 50
		}
		return s.logs.GetAllRecentLogs(n), nil

	case MethodMetricsLatest:
		if s.metrics == nil {
			return nil, &RPCError{Code: CodeDaemonError, Message: "metrics collector unavailable"}
		}
		var p struct {
			ProcessID int64 `json:"processId"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		sample, ok := s.metrics.GetLatest(p.ProcessID)
		if !ok {
			return nil, fmt.Errorf("process %d: %w", p.ProcessID, nperr.ErrNotFound)
		}
		return sample, nil

	case MethodMetricsAll:
		if s.metrics == nil {
			return nil, &RPCError{Code: CodeDaemonError, Message: "metrics collector unavailable"}
		}
		return s.metrics.GetAllLatest(), nil

	case MethodConfigReload:
		if s.reload == nil {
			return nil, &RPCError{Code: CodeDaemonError, Message: "config reload unavailable"}
		}
		var p struct {
			Path string `json:"path"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return nil, s.reload(ctx, p.Path)

	default:
		return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("Method not found: %s", method)}
	}
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		log.Logger.Debug().Err(err).Msg("invalid ipc params")
		return &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}
