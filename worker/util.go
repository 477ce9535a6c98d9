package worker

import (
	"io"
	"sync"

	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/filekey"
)

// pipe is a thin alias over io.Pipe, kept as a named call site so
// ensureDeps reads as "stream the incoming file straight into the store"
// rather than burying the plumbing detail inline.
func pipe() (*io.PipeReader, *io.PipeWriter) { return io.Pipe() }

// outputMutex guards merges into the shared per-group output map from
// the concurrent goroutines runGroup spawns, one per Execution.
type outputMutex struct {
	mu sync.Mutex
}

func (m *outputMutex) merge(dst map[dag.FileID]filekey.Key, src map[dag.FileID]filekey.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range src {
		dst[k] = v
	}
}
