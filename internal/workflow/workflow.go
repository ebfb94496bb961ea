// Package workflow defines the workflow graph model and its validation
// rules. A workflow is a DAG of nodes: exactly one trigger node plus any
// number of action and control nodes connected by directed edges.
package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/registry"
)

// Node is one step of a workflow.
type Node struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"` // "trigger.<slug>.<op>", "action.<slug>.<op>", "control.<op>"
	Name   string          `json:"name,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	// ConnectionID selects which stored credential the node uses. Empty for
	// control nodes.
	ConnectionID string `json:"connectionId,omitempty"`
	// ContinueOnError keeps downstream nodes runnable when this node fails.
	ContinueOnError bool `json:"continueOnError,omitempty"`
}

// Edge is a directed dependency: To runs after From succeeds.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Definition is the stored shape of a workflow.
type Definition struct {
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
	// MaxParallelism caps concurrent node execution within one run. Zero
	// means derive the cap from the graph's widest layer.
	MaxParallelism int `json:"maxParallelism,omitempty"`
}

// Graph is a validated definition with adjacency indexes and a wavefront
// layering ready for execution.
type Graph struct {
	Def      *Definition
	Nodes    map[string]*Node
	Parents  map[string][]string
	Children map[string][]string
	// Layers holds node ids grouped by topological depth. Layer 0 is the
	// trigger node alone.
	Layers [][]string
	// TriggerID is the id of the single trigger node.
	TriggerID string
}

// Width returns the effective parallelism cap: the explicit MaxParallelism
// when set, otherwise the widest layer.
func (g *Graph) Width() int {
	if g.Def.MaxParallelism > 0 {
		return g.Def.MaxParallelism
	}
	w := 1
	for _, l := range g.Layers {
		if len(l) > w {
			w = len(l)
		}
	}
	return w
}

// Parse decodes and validates a stored definition.
func Parse(raw []byte, reg *registry.Registry) (*Graph, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, errkind.Wrap(errkind.BadInput, err, "decode workflow definition")
	}
	return Build(&def, reg)
}

// Build validates a definition and computes its execution layering.
// Validation rules:
//   - node ids are unique and non-empty;
//   - every node type resolves to a known registry operation (or control op);
//   - exactly one trigger node, with no incoming edges;
//   - edges reference existing nodes, no self edges;
//   - the graph is acyclic and every node is reachable from the trigger.
func Build(def *Definition, reg *registry.Registry) (*Graph, error) {
	if len(def.Nodes) == 0 {
		return nil, errkind.New(errkind.BadInput, "workflow has no nodes")
	}

	g := &Graph{
		Def:      def,
		Nodes:    make(map[string]*Node, len(def.Nodes)),
		Parents:  make(map[string][]string),
		Children: make(map[string][]string),
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			return nil, errkind.New(errkind.BadInput, "node %d has an empty id", i)
		}
		if _, dup := g.Nodes[n.ID]; dup {
			return nil, errkind.New(errkind.BadInput, "duplicate node id %q", n.ID)
		}
		kind, slug, opID, err := registry.ResolveType(n.Type)
		if err != nil {
			return nil, err
		}
		switch kind {
		case "trigger":
			if g.TriggerID != "" {
				return nil, errkind.New(errkind.BadInput,
					"multiple trigger nodes: %q and %q", g.TriggerID, n.ID)
			}
			g.TriggerID = n.ID
		case "control":
			if !knownControlOp(opID) {
				return nil, errkind.New(errkind.BadInput, "unknown control operation %q", opID)
			}
		}
		if reg != nil && (kind == "action" || kind == "trigger") {
			d, err := reg.Get(slug)
			if err != nil {
				return nil, err
			}
			op := d.Operation(opID)
			if op == nil || op.Kind != kind {
				return nil, errkind.New(errkind.BadInput,
					"connector %q has no %s operation %q", slug, kind, opID)
			}
		}
		g.Nodes[n.ID] = n
	}
	if g.TriggerID == "" {
		return nil, errkind.New(errkind.BadInput, "workflow has no trigger node")
	}

	for _, e := range def.Edges {
		if _, ok := g.Nodes[e.From]; !ok {
			return nil, errkind.New(errkind.BadInput, "edge references unknown node %q", e.From)
		}
		if _, ok := g.Nodes[e.To]; !ok {
			return nil, errkind.New(errkind.BadInput, "edge references unknown node %q", e.To)
		}
		if e.From == e.To {
			return nil, errkind.New(errkind.BadInput, "node %q depends on itself", e.From)
		}
		if e.To == g.TriggerID {
			return nil, errkind.New(errkind.BadInput, "trigger node %q has an incoming edge", e.To)
		}
		g.Parents[e.To] = append(g.Parents[e.To], e.From)
		g.Children[e.From] = append(g.Children[e.From], e.To)
	}

	layers, err := layer(g)
	if err != nil {
		return nil, err
	}
	g.Layers = layers

	reach := make(map[string]bool, len(g.Nodes))
	walk(g, g.TriggerID, reach)
	for id := range g.Nodes {
		if !reach[id] {
			return nil, errkind.New(errkind.BadInput, "node %q is unreachable from the trigger", id)
		}
	}
	return g, nil
}

// layer performs Kahn's algorithm, grouping nodes by the round in which their
// in-degree reaches zero. A non-empty remainder means a cycle.
func layer(g *Graph) ([][]string, error) {
	indeg := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		indeg[id] = len(g.Parents[id])
	}

	var layers [][]string
	remaining := len(g.Nodes)
	frontier := []string{}
	for id, d := range indeg {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	for len(frontier) > 0 {
		layers = append(layers, frontier)
		remaining -= len(frontier)
		var next []string
		for _, id := range frontier {
			for _, c := range g.Children[id] {
				indeg[c]--
				if indeg[c] == 0 {
					next = append(next, c)
				}
			}
		}
		frontier = next
	}
	if remaining > 0 {
		return nil, errkind.New(errkind.BadInput, "workflow graph contains a cycle")
	}
	return layers, nil
}

func walk(g *Graph, id string, seen map[string]bool) {
	if seen[id] {
		return
	}
	seen[id] = true
	for _, c := range g.Children[id] {
		walk(g, c, seen)
	}
}

func knownControlOp(op string) bool {
	switch op {
	case "branch", "delay", "merge", "noop":
		return true
	}
	return false
}

// TriggerNode returns the trigger node.
func (g *Graph) TriggerNode() *Node { return g.Nodes[g.TriggerID] }

// String implements fmt.Stringer for log output.
func (g *Graph) String() string {
	return fmt.Sprintf("workflow(%s: %d nodes, %d layers)", g.Def.Name, len(g.Nodes), len(g.Layers))
}
