package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/flowrun/internal/nodes"
	"github.com/rendis/flowrun/pkg/schema"
)

// NodeRunner executes one parsed node. *nodes.Executor satisfies it.
type NodeRunner interface {
	Execute(ctx context.Context, n nodes.Parsed, fc nodes.Context) (nodes.Context, error)
}

// Graph is the in-memory form of a workflow used for traversal.
type Graph struct {
	Nodes    map[string]nodes.Parsed // node ID -> node
	Outgoing map[string][]string     // node ID -> edge targets, in edge-list order
	Triggers []string                // nodes with no incoming edge, in node-list order
}

// BuildGraph indexes nodes and edges. It fails with GRAPH_ERROR when no
// node is free of incoming edges.
func BuildGraph(ns []nodes.Parsed, edges []schema.Edge) (*Graph, error) {
	g := &Graph{
		Nodes:    make(map[string]nodes.Parsed, len(ns)),
		Outgoing: make(map[string][]string, len(ns)),
	}
	for _, n := range ns {
		if _, dup := g.Nodes[n.ID]; !dup {
			g.Nodes[n.ID] = n
		}
	}

	incoming := make(map[string]bool, len(edges))
	for _, e := range edges {
		incoming[e.Target] = true
		g.Outgoing[e.Source] = append(g.Outgoing[e.Source], e.Target)
	}
	for _, n := range ns {
		if !incoming[n.ID] {
			g.Triggers = append(g.Triggers, n.ID)
		}
	}

	if len(g.Triggers) == 0 {
		return nil, schema.NewError(schema.ErrCodeGraph,
			"Could not find any trigger nodes (nodes with no incoming connections).")
	}
	return g, nil
}

// Step describes one node execution during a walk.
type Step struct {
	NodeID   string
	Type     schema.NodeType
	Duration time.Duration
	Err      error
}

// StepObserver is notified after every node execution.
type StepObserver interface {
	ObserveStep(ctx context.Context, s Step)
}

// Walker drives a workflow graph from its triggers along single paths.
type Walker struct {
	runner NodeRunner
	logger *slog.Logger
}

// NewWalker creates a Walker that executes nodes with runner.
func NewWalker(runner NodeRunner, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{runner: runner, logger: logger}
}

// Walk runs every trigger's path in trigger order, threading one context
// through all of them. From each node it follows the first outgoing edge;
// a path ends at a node without outgoing edges, at an edge to a missing
// node, or when the next node was already visited on this path. The first
// node error aborts the walk and is returned as is.
func (w *Walker) Walk(ctx context.Context, ns []nodes.Parsed, edges []schema.Edge, initial nodes.Context, obs StepObserver) (nodes.Context, error) {
	g, err := BuildGraph(ns, edges)
	if err != nil {
		return initial, err
	}

	fc := initial
	if fc == nil {
		fc = nodes.Context{}
	}
	for _, trigger := range g.Triggers {
		if fc, err = w.walkPath(ctx, g, trigger, fc, obs); err != nil {
			return fc, err
		}
	}
	return fc, nil
}

func (w *Walker) walkPath(ctx context.Context, g *Graph, start string, fc nodes.Context, obs StepObserver) (nodes.Context, error) {
	visited := map[string]bool{start: true}
	current := start
	for {
		if err := ctx.Err(); err != nil {
			return fc, err
		}

		var err error
		if fc, err = w.run(ctx, g.Nodes[current], fc, obs); err != nil {
			return fc, err
		}

		targets := g.Outgoing[current]
		if len(targets) == 0 {
			w.logger.DebugContext(ctx, "end of path", slog.String("node_id", current))
			return fc, nil
		}
		next := targets[0]
		if _, ok := g.Nodes[next]; !ok {
			w.logger.DebugContext(ctx, "next node not found", slog.String("node_id", current), slog.String("target", next))
			return fc, nil
		}
		if visited[next] {
			w.logger.InfoContext(ctx, "cycle detected, stopping path", slog.String("node_id", next))
			return fc, nil
		}
		visited[next] = true
		current = next
	}
}

func (w *Walker) run(ctx context.Context, n nodes.Parsed, fc nodes.Context, obs StepObserver) (nodes.Context, error) {
	start := time.Now()
	out, err := w.runner.Execute(ctx, n, fc)
	if obs != nil {
		obs.ObserveStep(ctx, Step{NodeID: n.ID, Type: n.Type, Duration: time.Since(start), Err: err})
	}
	if err != nil {
		return fc, err
	}
	return out, nil
}
