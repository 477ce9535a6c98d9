package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleDAG() *ExecutionDAG {
	d := NewExecutionDAG()
	d.ProvidedFiles["in"] = ProvidedFile{ID: "in", Content: []byte("data")}
	d.Groups["g1"] = &ExecutionGroup{
		ID: "g1",
		Executions: []Execution{
			{
				ID:      "compile",
				Command: Command{Path: "/usr/bin/gcc"},
				Inputs:  map[string]InputBinding{"src.c": {FileID: "in"}},
				Outputs: map[string]FileID{"a.out": "bin"},
			},
			{
				ID:      "run",
				Command: Command{Path: "bin"},
				Inputs:  map[string]InputBinding{"bin": {FileID: "bin", Executable: true}},
				Outputs: map[string]FileID{"out.txt": "output"},
			},
		},
	}
	return d
}

func TestValidateAcceptsWellFormedDAG(t *testing.T) {
	err := Validate(simpleDAG())
	assert.NoError(t, err)
}

func TestValidateRejectsDuplicateExecutionID(t *testing.T) {
	d := simpleDAG()
	d.Groups["g2"] = &ExecutionGroup{
		ID: "g2",
		Executions: []Execution{
			{ID: "compile", Command: Command{Path: "/bin/true"}},
		},
	}
	err := Validate(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate-execution-id")
}

func TestValidateRejectsUnknownInputFile(t *testing.T) {
	d := NewExecutionDAG()
	d.Groups["g1"] = &ExecutionGroup{
		ID: "g1",
		Executions: []Execution{
			{
				ID:      "run",
				Command: Command{Path: "/bin/true"},
				Inputs:  map[string]InputBinding{"x": {FileID: "ghost"}},
			},
		},
	}
	err := Validate(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown-input-file")
}

func TestValidateRejectsDuplicateFileProducer(t *testing.T) {
	d := NewExecutionDAG()
	d.Groups["g1"] = &ExecutionGroup{
		ID: "g1",
		Executions: []Execution{
			{ID: "a", Command: Command{Path: "/bin/true"}, Outputs: map[string]FileID{"x": "shared"}},
			{ID: "b", Command: Command{Path: "/bin/true"}, Outputs: map[string]FileID{"y": "shared"}},
		},
	}
	err := Validate(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate-file-producer")
}

func TestValidateRejectsCycle(t *testing.T) {
	d := NewExecutionDAG()
	fa := FileID("a-out")
	fb := FileID("b-out")
	d.Groups["g1"] = &ExecutionGroup{
		ID: "g1",
		Executions: []Execution{
			{
				ID:      "a",
				Command: Command{Path: "/bin/true"},
				Inputs:  map[string]InputBinding{"in": {FileID: fb}},
				Outputs: map[string]FileID{"out": fa},
			},
			{
				ID:      "b",
				Command: Command{Path: "/bin/true"},
				Inputs:  map[string]InputBinding{"in": {FileID: fa}},
				Outputs: map[string]FileID{"out": fb},
			},
		},
	}
	err := Validate(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateRejectsUnknownCallbackReference(t *testing.T) {
	d := simpleDAG()
	err := Validate(d, CallbackRefs{Executions: []ExecutionID{"ghost"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown-callback-execution")
}

func TestValidateRejectsDuplicateFIFOName(t *testing.T) {
	d := NewExecutionDAG()
	d.Groups["g1"] = &ExecutionGroup{
		ID: "g1",
		FIFOs: []FIFO{
			{ID: "f1", Name: "pipe"},
			{ID: "f2", Name: "pipe"},
		},
		Executions: []Execution{
			{ID: "a", Command: Command{Path: "/bin/true"}},
		},
	}
	err := Validate(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate-fifo-name")
}

func TestValidateRejectsEmptyGroup(t *testing.T) {
	d := simpleDAG()
	d.Groups["empty"] = &ExecutionGroup{ID: "empty"}
	err := Validate(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty-group")
}

func TestValidateRejectsCaptureWithoutTarget(t *testing.T) {
	d := NewExecutionDAG()
	d.Groups["g1"] = &ExecutionGroup{
		ID: "g1",
		Executions: []Execution{
			{ID: "a", Command: Command{Path: "/bin/true"}, Stdout: CapturePolicy{Capture: true}},
		},
	}
	err := Validate(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing-capture-target")
}

func TestTopoSortOrdersDependenciesFirst(t *testing.T) {
	order, err := TopoSort(simpleDAG())
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, ExecutionID("compile"), order[0])
	assert.Equal(t, ExecutionID("run"), order[1])
}
