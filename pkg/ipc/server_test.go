package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitharaj88/novapm/pkg/nperr"
	"github.com/sitharaj88/novapm/pkg/supervisor"
	"github.com/sitharaj88/novapm/pkg/types"
)

type fakeSupervisor struct {
	infos map[string]supervisor.Info
	err   error
}

func (f *fakeSupervisor) Start(ctx context.Context, def types.ProcessDefinition) (supervisor.Info, error) {
	return supervisor.Info{Definition: def}, f.err
}

func (f *fakeSupervisor) Stop(ctx context.Context, idOrName string, force bool) error { return f.err }

func (f *fakeSupervisor) Restart(ctx context.Context, idOrName string) (supervisor.Info, error) {
	return supervisor.Info{}, f.err
}

func (f *fakeSupervisor) Delete(ctx context.Context, idOrName string) error { return f.err }

func (f *fakeSupervisor) List() ([]supervisor.Info, error) {
	out := make([]supervisor.Info, 0, len(f.infos))
	for _, info := range f.infos {
		out = append(out, info)
	}
	return out, f.err
}

func (f *fakeSupervisor) GetInfo(idOrName string) (supervisor.Info, error) {
	if f.err != nil {
		return supervisor.Info{}, f.err
	}
	info, ok := f.infos[idOrName]
	if !ok {
		return supervisor.Info{}, fmt.Errorf("process %s: %w", idOrName, nperr.ErrNotFound)
	}
	return info, nil
}

func newServer(sv Supervisor) *Server {
	return NewServer(sv, nil, nil, nil, "test")
}

func TestHandleDaemonPing(t *testing.T) {
	s := newServer(&fakeSupervisor{})
	resp := s.Handle(context.Background(), Request{JSONRPC: "2.0", ID: 1, Method: string(MethodDaemonPing)})
	require.Nil(t, resp.Error)
	assert.Equal(t, map[string]any{"pong": true}, resp.Result)
}

func TestHandleUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s := newServer(&fakeSupervisor{})
	resp := s.Handle(context.Background(), Request{JSONRPC: "2.0", ID: 1, Method: "foo"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "Method not found: foo")
}

func TestHandleInvalidRequestMissingMethod(t *testing.T) {
	s := newServer(&fakeSupervisor{})
	resp := s.Handle(context.Background(), Request{JSONRPC: "2.0", ID: 1})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestHandleProcessGetNotFoundMapsToDomainCode(t *testing.T) {
	s := newServer(&fakeSupervisor{infos: map[string]supervisor.Info{}})
	params, _ := json.Marshal(map[string]string{"id": "missing"})
	resp := s.Handle(context.Background(), Request{JSONRPC: "2.0", ID: 1, Method: string(MethodProcessGet), Params: params})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeProcessNotFound, resp.Error.Code)
}

func TestHandleProcessStartDispatchesToSupervisor(t *testing.T) {
	s := newServer(&fakeSupervisor{})
	params, _ := json.Marshal(types.ProcessDefinition{Name: "app", Script: "app.js"})
	resp := s.Handle(context.Background(), Request{JSONRPC: "2.0", ID: 1, Method: string(MethodProcessStart), Params: params})
	require.Nil(t, resp.Error)
	info, ok := resp.Result.(supervisor.Info)
	require.True(t, ok)
	assert.Equal(t, "app", info.Definition.Name)
}

func TestHandleProcessStartInvalidParams(t *testing.T) {
	s := newServer(&fakeSupervisor{})
	resp := s.Handle(context.Background(), Request{JSONRPC: "2.0", ID: 1, Method: string(MethodProcessStart), Params: json.RawMessage("{not json")})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestHandleLogsMethodsWithoutAggregatorReturnsDaemonError(t *testing.T) {
	s := newServer(&fakeSupervisor{})
	resp := s.Handle(context.Background(), Request{JSONRPC: "2.0", ID: 1, Method: string(MethodLogsRecentAll)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeDaemonError, resp.Error.Code)
}

func TestServeSkipsMalformedFrameAndContinues(t *testing.T) {
	s := newServer(&fakeSupervisor{})
	in := bytes.NewBufferString("{not json}\n" + `{"jsonrpc":"2.0","id":2,"method":"daemon.ping"}` + "\n")
	var out bytes.Buffer
	require.NoError(t, s.Serve(context.Background(), in, &out))

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second Response
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.NotNil(t, first.Error)
	assert.Equal(t, CodeParseError, first.Error.Code)
	assert.Nil(t, second.Error)
}

func TestCodecSerializeThenDeserializeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	want := newResponse(float64(7), map[string]any{"ok": true})
	require.NoError(t, enc.WriteResponse(want))

	var got Response
	require.NoError(t, json.Unmarshal(bytes.TrimSuffix(buf.Bytes(), []byte("\n")), &got))
	assert.Equal(t, want, got)
}

func TestCodecDecoderReadsOneFramePerNewline(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":1,"method":"daemon.ping"}` + "\n" + `{"jsonrpc":"2.0","id":2,"method":"process.list"}` + "\n"
	dec := NewDecoder(bytes.NewBufferString(raw))

	first, err := dec.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, string(MethodDaemonPing), first.Method)

	second, err := dec.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, string(MethodProcessList), second.Method)
}
