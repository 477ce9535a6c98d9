//go:build !linux

package sandbox

import (
	"context"

	"github.com/pkg/errors"
)

// Local is unimplemented outside Linux: rlimits and process-group kill
// are Linux-specific, and the spec's sandbox is explicitly modelled as a
// confined process launcher built on those primitives (§1, §4.4). A
// server/worker pair only ever runs on Linux hosts in practice; this
// stub exists solely so the rest of the module still builds elsewhere.
type Local struct{}

// NewLocal returns a Local runner that always fails to Run.
func NewLocal() *Local { return &Local{} }

// Run always fails on non-Linux platforms.
func (l *Local) Run(ctx context.Context, cfg Config) (Result, error) {
	return Result{}, errors.New("sandbox: local runner is only implemented on linux")
}
