package dag

import (
	"fmt"

	"github.com/pkg/errors"
)

// ValidationError describes one violated invariant. Validate returns all
// of them at once rather than stopping at the first, so a client can fix
// a malformed DAG in one round trip instead of one error per submission.
type ValidationError struct {
	Rule    string
	Detail  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dag: %s: %s", e.Rule, e.Detail)
}

// ValidationErrors collects every ValidationError found by Validate.
type ValidationErrors []*ValidationError

func (es ValidationErrors) Error() string {
	if len(es) == 0 {
		return "dag: no validation errors"
	}
	if len(es) == 1 {
		return es[0].Error()
	}
	return fmt.Sprintf("%s (and %d more)", es[0].Error(), len(es)-1)
}

func (es *ValidationErrors) add(rule, format string, args ...interface{}) {
	*es = append(*es, &ValidationError{Rule: rule, Detail: fmt.Sprintf(format, args...)})
}

// Validate checks every structural invariant the Scheduler relies on
// before it will accept a DAG: unique identifiers, every reference
// resolving to something that exists, single-producer files, and an
// acyclic execution graph. It returns all violations found, or nil if the
// DAG is well formed.
func Validate(d *ExecutionDAG, refs ...CallbackRefs) error {
	var errs ValidationErrors

	executions := make(map[ExecutionID]*Execution)
	producedBy := make(map[FileID]ExecutionID)
	knownFiles := make(map[FileID]struct{})

	for fid := range d.ProvidedFiles {
		knownFiles[fid] = struct{}{}
	}

	// Pass 1: duplicate IDs, and collect producers.
	for gid, g := range d.Groups {
		if len(g.Executions) == 0 {
			errs.add("empty-group", "group %s has no executions", gid)
		}
		fifoNames := make(map[string]struct{})
		fifoIDs := make(map[FIFOID]struct{})
		for _, f := range g.FIFOs {
			if _, dup := fifoIDs[f.ID]; dup {
				errs.add("duplicate-fifo-id", "group %s: fifo id %s used more than once", gid, f.ID)
			}
			fifoIDs[f.ID] = struct{}{}
			if _, dup := fifoNames[f.Name]; dup {
				errs.add("duplicate-fifo-name", "group %s: fifo name %q used more than once", gid, f.Name)
			}
			fifoNames[f.Name] = struct{}{}
		}

		for i := range g.Executions {
			ex := &g.Executions[i]
			if _, dup := executions[ex.ID]; dup {
				errs.add("duplicate-execution-id", "execution id %s used more than once", ex.ID)
				continue
			}
			executions[ex.ID] = ex

			for path, fid := range ex.Outputs {
				if _, exists := knownFiles[fid]; exists {
					errs.add("duplicate-file-producer", "file %s (execution %s path %s) is already produced or provided elsewhere", fid, ex.ID, path)
					continue
				}
				knownFiles[fid] = struct{}{}
				producedBy[fid] = ex.ID
			}
			if ex.Stdout.Capture {
				if ex.Stdout.FileID == "" {
					errs.add("missing-capture-target", "execution %s requests stdout capture with no assigned file", ex.ID)
				} else if _, exists := knownFiles[ex.Stdout.FileID]; exists {
					errs.add("duplicate-file-producer", "stdout file %s of execution %s is already produced or provided elsewhere", ex.Stdout.FileID, ex.ID)
				} else {
					knownFiles[ex.Stdout.FileID] = struct{}{}
					producedBy[ex.Stdout.FileID] = ex.ID
				}
			}
			if ex.Stderr.Capture {
				if ex.Stderr.FileID == "" {
					errs.add("missing-capture-target", "execution %s requests stderr capture with no assigned file", ex.ID)
				} else if _, exists := knownFiles[ex.Stderr.FileID]; exists {
					errs.add("duplicate-file-producer", "stderr file %s of execution %s is already produced or provided elsewhere", ex.Stderr.FileID, ex.ID)
				} else {
					knownFiles[ex.Stderr.FileID] = struct{}{}
					producedBy[ex.Stderr.FileID] = ex.ID
				}
			}
		}
	}

	// Pass 2: every referenced file must exist somewhere in the DAG.
	requireFile := func(rule string, fid FileID, context string) {
		if _, ok := knownFiles[fid]; !ok {
			errs.add(rule, "%s references unknown file %s", context, fid)
		}
	}
	for gid, g := range d.Groups {
		for i := range g.Executions {
			ex := &g.Executions[i]
			ctx := fmt.Sprintf("execution %s (group %s)", ex.ID, gid)
			for path, in := range ex.Inputs {
				requireFile("unknown-input-file", in.FileID, fmt.Sprintf("%s input %s", ctx, path))
			}
			if ex.Stdin != nil {
				requireFile("unknown-stdin-file", *ex.Stdin, ctx)
			}
		}
	}

	// Pass 3: the execution dependency graph (via file producer/consumer
	// edges) must be acyclic.
	deps := make(map[ExecutionID]map[ExecutionID]struct{})
	for gid, g := range d.Groups {
		_ = gid
		for i := range g.Executions {
			ex := &g.Executions[i]
			set := make(map[ExecutionID]struct{})
			addDep := func(fid FileID) {
				if producer, ok := producedBy[fid]; ok && producer != ex.ID {
					set[producer] = struct{}{}
				}
			}
			for _, in := range ex.Inputs {
				addDep(in.FileID)
			}
			if ex.Stdin != nil {
				addDep(*ex.Stdin)
			}
			deps[ex.ID] = set
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[ExecutionID]int)
	var stack []ExecutionID
	var visit func(id ExecutionID) bool
	visit = func(id ExecutionID) bool {
		color[id] = gray
		stack = append(stack, id)
		for dep := range deps[id] {
			switch color[dep] {
			case gray:
				errs.add("cycle", "execution dependency cycle through %s -> %s", id, dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}
	for id := range executions {
		if color[id] == white {
			if visit(id) {
				break
			}
		}
	}

	// Pass 4: callback references must point at real identifiers.
	for _, r := range refs {
		for _, eid := range r.Executions {
			if _, ok := executions[eid]; !ok {
				errs.add("unknown-callback-execution", "callback references unknown execution %s", eid)
			}
		}
		for _, fid := range r.Files {
			if _, ok := knownFiles[fid]; !ok {
				errs.add("unknown-callback-file", "callback references unknown file %s", fid)
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// TopoSort returns execution IDs in an order consistent with their file
// dependencies, for tests and single-worker local runs. It assumes the
// DAG has already passed Validate.
func TopoSort(d *ExecutionDAG) ([]ExecutionID, error) {
	producedBy := make(map[FileID]ExecutionID)
	var all []ExecutionID
	for _, g := range d.Groups {
		for i := range g.Executions {
			ex := &g.Executions[i]
			all = append(all, ex.ID)
			for _, fid := range ex.Outputs {
				producedBy[fid] = ex.ID
			}
			if ex.Stdout.Capture {
				producedBy[ex.Stdout.FileID] = ex.ID
			}
			if ex.Stderr.Capture {
				producedBy[ex.Stderr.FileID] = ex.ID
			}
		}
	}
	execByID := make(map[ExecutionID]*Execution)
	for _, g := range d.Groups {
		for i := range g.Executions {
			execByID[g.Executions[i].ID] = &g.Executions[i]
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[ExecutionID]int)
	var order []ExecutionID
	var visit func(id ExecutionID) error
	visit = func(id ExecutionID) error {
		color[id] = gray
		ex := execByID[id]
		deps := make(map[ExecutionID]struct{})
		for _, in := range ex.Inputs {
			if p, ok := producedBy[in.FileID]; ok {
				deps[p] = struct{}{}
			}
		}
		if ex.Stdin != nil {
			if p, ok := producedBy[*ex.Stdin]; ok {
				deps[p] = struct{}{}
			}
		}
		for dep := range deps {
			switch color[dep] {
			case gray:
				return errors.Errorf("dag: cycle detected at execution %s", id)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		order = append(order, id)
		return nil
	}
	for _, id := range all {
		if color[id] == white {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}
