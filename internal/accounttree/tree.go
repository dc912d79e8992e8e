// Package accounttree holds an in-memory account hierarchy: nodes keyed by
// id with parent links. Parsers use it as their account registry and the
// validator uses it for hierarchy checks.
package accounttree

import (
	"github.com/dvloznov/finance-ingest/internal/domain"
)

// Node is one account in the hierarchy. ParentID is empty for roots.
type Node struct {
	ID           string
	Name         string
	InferredType domain.AccountType
	// SourceType is the raw type vocabulary of the source document, e.g. the
	// bucket name "cost_of_goods_sold". Empty when the parser inferred the type.
	SourceType string
	ParentID   string
	Depth      int
	// Explicit is set when ID came from the document rather than being
	// derived from names. Such ids are only unique within their source.
	Explicit bool
}

// Tree is an insertion-ordered registry of nodes. It is not safe for
// concurrent mutation; each parse invocation owns its own Tree.
type Tree struct {
	order    []string
	nodes    map[string]*Node
	children map[string][]string
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		nodes:    make(map[string]*Node),
		children: make(map[string][]string),
	}
}

// Add registers a node. The first definition of an id wins; Add returns
// false when the id was already present.
func (t *Tree) Add(n Node) bool {
	if _, exists := t.nodes[n.ID]; exists {
		return false
	}
	node := n
	t.nodes[n.ID] = &node
	t.order = append(t.order, n.ID)
	if n.ParentID != "" {
		t.children[n.ParentID] = append(t.children[n.ParentID], n.ID)
	}
	return true
}

// Get returns the node with the given id.
func (t *Tree) Get(id string) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Has reports whether id is registered.
func (t *Tree) Has(id string) bool {
	_, ok := t.nodes[id]
	return ok
}

// Len returns the number of registered nodes.
func (t *Tree) Len() int {
	return len(t.order)
}

// Nodes returns all nodes in insertion order.
func (t *Tree) Nodes() []Node {
	out := make([]Node, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.nodes[id])
	}
	return out
}

// Children returns the ids of the direct children of id, in insertion order.
func (t *Tree) Children(id string) []string {
	return append([]string(nil), t.children[id]...)
}

// IsLeaf reports whether no registered node names id as its parent.
func (t *Tree) IsLeaf(id string) bool {
	return len(t.children[id]) == 0
}

// Ancestors walks the parent chain of id, nearest first. The walk stops at a
// root, at an unknown parent, or when it would revisit a node.
func (t *Tree) Ancestors(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	cur, ok := t.nodes[id]
	for ok && cur.ParentID != "" {
		if seen[cur.ParentID] {
			break
		}
		seen[cur.ParentID] = true
		out = append(out, cur.ParentID)
		cur, ok = t.nodes[cur.ParentID]
	}
	return out
}

// Depth is the number of resolvable ancestors of id.
func (t *Tree) Depth(id string) int {
	return len(t.Ancestors(id))
}

// MissingParents returns the ids of nodes whose ParentID does not resolve.
func (t *Tree) MissingParents() []string {
	var out []string
	for _, id := range t.order {
		n := t.nodes[id]
		if n.ParentID != "" && !t.Has(n.ParentID) {
			out = append(out, id)
		}
	}
	return out
}

// Cycles returns every distinct cycle in the parent links. Each cycle is
// reported once, as the ids on the loop in walk order starting from the
// first node (in insertion order) that reaches it.
func (t *Tree) Cycles() [][]string {
	var cycles [][]string
	onCycle := make(map[string]bool)
	done := make(map[string]bool)

	for _, start := range t.order {
		if done[start] {
			continue
		}
		var path []string
		pos := make(map[string]int)
		cur := start
		for {
			if onCycle[cur] || done[cur] {
				break
			}
			if i, seen := pos[cur]; seen {
				cycle := append([]string(nil), path[i:]...)
				for _, id := range cycle {
					onCycle[id] = true
				}
				cycles = append(cycles, cycle)
				break
			}
			pos[cur] = len(path)
			path = append(path, cur)

			n, ok := t.nodes[cur]
			if !ok || n.ParentID == "" || !t.Has(n.ParentID) {
				break
			}
			cur = n.ParentID
		}
		for _, id := range path {
			done[id] = true
		}
	}
	return cycles
}
