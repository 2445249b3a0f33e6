// Package hierarchy rolls equipment OEE up the organizational tree:
// equipment → work center → area → site → enterprise.
//
// The tree is an explicit dependency graph. Aggregating one period runs one
// task per node; a task starts once every child task has finished, so a
// parent never sees a partial set of children.
package hierarchy

import (
	"fmt"
	"sort"

	"github.com/nicktill/tinyoee/pkg/model"
)

// Graph is the hierarchy as a DAG from leaves to roots.
type Graph struct {
	nodes    map[string]model.Node
	children map[string][]string

	// order lists every node after all of its children.
	order []string
}

// Build creates the graph from hierarchy nodes. A node whose parent is not
// part of the hierarchy is a root.
func Build(nodes []model.Node) (*Graph, error) {
	g := &Graph{
		nodes:    make(map[string]model.Node, len(nodes)),
		children: make(map[string][]string),
	}
	for _, n := range nodes {
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node %s", n.ID)
		}
		g.nodes[n.ID] = n
	}
	for _, n := range nodes {
		if _, ok := g.nodes[n.ParentID]; ok {
			g.children[n.ParentID] = append(g.children[n.ParentID], n.ID)
		}
	}
	for _, c := range g.children {
		sort.Strings(c)
	}

	// Kahn's algorithm over child -> parent edges.
	pending := make(map[string]int, len(nodes))
	var ready []string
	for id := range g.nodes {
		pending[id] = len(g.children[id])
		if pending[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		g.order = append(g.order, id)

		parent, ok := g.nodes[g.nodes[id].ParentID]
		if !ok {
			continue
		}
		pending[parent.ID]--
		if pending[parent.ID] == 0 {
			ready = append(ready, parent.ID)
		}
	}
	if len(g.order) != len(g.nodes) {
		return nil, fmt.Errorf("hierarchy contains a cycle")
	}
	return g, nil
}

// Order returns every node id, each after its children.
func (g *Graph) Order() []string { return g.order }

// Node looks up a node.
func (g *Graph) Node(id string) (model.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Children returns the direct children of a node, ordered by id.
func (g *Graph) Children(id string) []string { return g.children[id] }

// Leaf reports whether the node has no children.
func (g *Graph) Leaf(id string) bool { return len(g.children[id]) == 0 }

// Ancestors returns the chain of parents of a node, nearest first.
func (g *Graph) Ancestors(id string) []string {
	var out []string
	for cur := g.nodes[id].ParentID; cur != ""; cur = g.nodes[cur].ParentID {
		if _, ok := g.nodes[cur]; !ok {
			break
		}
		out = append(out, cur)
	}
	return out
}
