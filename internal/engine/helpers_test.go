package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/nodes"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedWorkflow(t *testing.T, s store.Store, doc string) *schema.Workflow {
	t.Helper()
	wf := &schema.Workflow{}
	require.NoError(t, json.Unmarshal([]byte(doc), wf))
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

// recordingRunner records visited node ids, writes "seen_<id>" into the
// context and fails on the ids listed in failOn.
type recordingRunner struct {
	mu      sync.Mutex
	visited []string
	seen    []nodes.Context
	failOn  map[string]error
}

func (r *recordingRunner) Execute(_ context.Context, n nodes.Parsed, fc nodes.Context) (nodes.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visited = append(r.visited, n.ID)
	snapshot := make(nodes.Context, len(fc))
	for k, v := range fc {
		snapshot[k] = v
	}
	r.seen = append(r.seen, snapshot)
	if err, ok := r.failOn[n.ID]; ok {
		return fc, err
	}
	out := make(nodes.Context, len(fc)+1)
	for k, v := range fc {
		out[k] = v
	}
	out["seen_"+n.ID] = true
	return out, nil
}

func (r *recordingRunner) Visited() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.visited...)
}

func parsedNodes(ids ...string) []nodes.Parsed {
	out := make([]nodes.Parsed, len(ids))
	for i, id := range ids {
		out[i] = nodes.Parsed{ID: id, Type: schema.NodeUnknown, Config: nodes.PassThroughConfig{}}
	}
	return out
}

func edge(src, dst string) schema.Edge {
	return schema.Edge{Source: src, Target: dst}
}

var errBoom = errors.New("boom")
