package client

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/filekey"
	"github.com/evalgrid/evalgrid/proto"
)

// dialPipe wires a Client to a *proto.Conn on the other end of an
// in-memory net.Pipe, skipping the handshake (tested separately at the
// proto package level) so each test can script exactly the messages it
// cares about.
func dialPipe(t *testing.T) (*Client, *proto.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return New(proto.NewConn(a)), proto.NewConn(b)
}

func singleOutputDAG(providedKey, outKey filekey.Key) *dag.ExecutionDAG {
	d := dag.NewExecutionDAG()
	d.ProvidedFiles["in"] = dag.ProvidedFile{ID: "in", Key: providedKey, Content: []byte("hello")}
	d.Groups["g1"] = &dag.ExecutionGroup{
		ID: "g1",
		Executions: []dag.Execution{{
			ID:      "e1",
			Command: dag.Command{Path: "/bin/true"},
			Inputs:  map[string]dag.InputBinding{"in.txt": {FileID: "in"}},
			Outputs: map[string]dag.FileID{"out.txt": "out"},
		}},
	}
	_ = outKey
	return d
}

func TestRunDeliversStartDoneAndFileContent(t *testing.T) {
	c, server := dialPipe(t)
	defer server.Close()

	providedKey := filekey.FromBytes([]byte("hello"))
	outKey := filekey.FromBytes([]byte("world"))
	d := singleOutputDAG(providedKey, outKey)

	var started, done int
	var content []byte
	c.OnExecution("e1", ExecutionCallbacks{
		OnStart: func(worker string) { started++ },
		OnDone: func(result dag.ExecutionResult) error {
			done++
			assert.Equal(t, dag.StatusSuccess, result.Status)
			return nil
		},
	})
	c.OnFileContent("out", GetContentCallback{
		ByteCap: 1024,
		Func: func(data []byte, success bool) error {
			content = append([]byte(nil), data...)
			assert.True(t, success)
			return nil
		},
	})

	errCh := make(chan error, 1)
	outCh := make(chan []Outcome, 1)
	go func() {
		out, err := c.Run(d)
		errCh <- err
		outCh <- out
	}()

	msg, err := server.Recv()
	require.NoError(t, err)
	eval, ok := msg.(proto.Evaluate)
	require.True(t, ok)
	assert.ElementsMatch(t, []dag.ExecutionID{"e1"}, eval.Watched.Executions)
	assert.ElementsMatch(t, []dag.FileID{"out"}, eval.Watched.Files)

	require.NoError(t, server.Send(proto.NotifyStart{ExecutionID: "e1", WorkerID: "w1"}))
	require.NoError(t, server.Send(proto.NotifyDone{ExecutionID: "e1", Result: dag.ExecutionResult{
		ExecutionID: "e1", Status: dag.StatusSuccess,
	}}))
	require.NoError(t, server.Send(proto.SProvideFile{FileID: "out", Key: outKey, Success: true}))
	require.NoError(t, server.SendFile(bytes.NewReader([]byte("world"))))
	require.NoError(t, server.Send(proto.Done{Files: []proto.DoneFile{{FileID: "out", Key: outKey, Success: true}}}))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	out := <-outCh

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, done)
	assert.Equal(t, []byte("world"), content)
	require.Len(t, out, 1)
	assert.True(t, out[0].Success)
	assert.Equal(t, outKey, out[0].Key)
}

func TestRunDeliversSkipWithoutHangingOnFailedFile(t *testing.T) {
	c, server := dialPipe(t)
	defer server.Close()

	d := singleOutputDAG(filekey.FromBytes([]byte("hello")), filekey.Key{})

	var skipped int
	var gotSuccess *bool
	c.OnExecution("e1", ExecutionCallbacks{
		OnSkip: func() { skipped++ },
	})
	c.OnFileContent("out", GetContentCallback{
		ByteCap: 64,
		Func: func(data []byte, success bool) error {
			gotSuccess = &success
			assert.Empty(t, data)
			return nil
		},
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Run(d)
		errCh <- err
	}()

	msg, err := server.Recv()
	require.NoError(t, err)
	_, ok := msg.(proto.Evaluate)
	require.True(t, ok)

	require.NoError(t, server.Send(proto.NotifySkip{ExecutionID: "e1"}))
	require.NoError(t, server.Send(proto.SProvideFile{FileID: "out", Success: false}))
	require.NoError(t, server.Send(proto.Done{Files: []proto.DoneFile{{FileID: "out", Success: false}}}))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return (likely blocked waiting for bytes that never arrive)")
	}

	assert.Equal(t, 1, skipped)
	require.NotNil(t, gotSuccess)
	assert.False(t, *gotSuccess)
}

func TestHandleAskFileStreamsProvidedContent(t *testing.T) {
	c, server := dialPipe(t)
	defer server.Close()

	key := filekey.FromBytes([]byte("hello"))
	d := singleOutputDAG(key, filekey.Key{})
	c.dag = d

	done := make(chan error, 1)
	go func() { done <- c.handleAskFile(proto.SAskFile{FileID: "in"}) }()

	msg, err := server.Recv()
	require.NoError(t, err)
	hdr, ok := msg.(proto.CProvideFile)
	require.True(t, ok)
	assert.Equal(t, dag.FileID("in"), hdr.FileID)
	assert.Equal(t, key, hdr.Key)

	var buf bytes.Buffer
	require.NoError(t, server.RecvFile(&buf))
	assert.Equal(t, "hello", buf.String())
	require.NoError(t, <-done)
}
