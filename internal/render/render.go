// Package render turns decorated sets into cytoscape-style element handles.
package render

import (
	"meshgraph/internal/query"
	"meshgraph/internal/snapshot"
)

// Group is the cytoscape element group.
type Group string

const (
	GroupNodes Group = "nodes"
	GroupEdges Group = "edges"
)

// Style classes attached to handles.
const (
	ClassBox          = "box"
	ClassIdle         = "idle"
	ClassInaccessible = "inaccessible"
	ClassMTLS         = "mtls"
	ClassOutside      = "outside"
	ClassRoot         = "root"
)

// Element is a render handle. Handles are compared by pointer, so the query
// engine can union and deduplicate them.
type Element struct {
	Group   Group          `json:"group"`
	Data    map[string]any `json:"data"`
	Classes []string       `json:"classes,omitempty"`
}

// ID returns the element id.
func (e *Element) ID() string {
	id, _ := e.Data[snapshot.AttrID].(string)
	return id
}

// Attr implements query.Element.
func (e *Element) Attr(name string) (any, bool) {
	v, ok := e.Data[name]
	return v, ok
}

var _ query.Element = (*Element)(nil)

// Graph is a rendered view.
type Graph struct {
	Nodes []*Element `json:"nodes"`
	Edges []*Element `json:"edges"`
}

// All returns nodes followed by edges.
func (g Graph) All() []*Element {
	out := make([]*Element, 0, len(g.Nodes)+len(g.Edges))
	out = append(out, g.Nodes...)
	return append(out, g.Edges...)
}

// Len counts every element of the graph.
func (g Graph) Len() int { return len(g.Nodes) + len(g.Edges) }

// Elements renders set. Idle elements are dropped here, not during decoration,
// according to the set's idle filters. Boxes left without members and edges
// left without an endpoint are dropped with them.
func Elements(set *snapshot.DecoratedSet) Graph {
	if set == nil {
		return Graph{Nodes: []*Element{}, Edges: []*Element{}}
	}
	opts := set.Options()

	kept := map[*snapshot.Node]bool{}
	var keep func(n *snapshot.Node) bool
	keep = func(n *snapshot.Node) bool {
		if v, ok := kept[n]; ok {
			return v
		}
		v := false
		if n.IsBox() != "" {
			for _, child := range n.Children() {
				if keep(child) {
					v = true
				}
			}
		} else {
			v = !(opts.FilterIdleNodes && n.IsIdle())
		}
		kept[n] = v
		return v
	}

	g := Graph{Nodes: []*Element{}, Edges: []*Element{}}
	for _, n := range set.Nodes() {
		if keep(n) {
			g.Nodes = append(g.Nodes, nodeElement(n))
		}
	}
	for _, e := range set.Edges() {
		if opts.FilterIdleEdges && e.IsIdle() {
			continue
		}
		if !keep(e.Source()) || !keep(e.Target()) {
			continue
		}
		g.Edges = append(g.Edges, edgeElement(e))
	}
	return g
}

func nodeElement(n *snapshot.Node) *Element {
	var classes []string
	if kind := n.IsBox(); kind != "" {
		classes = append(classes, ClassBox, ClassBox+"-"+string(kind))
	}
	if n.IsIdle() {
		classes = append(classes, ClassIdle)
	}
	if n.IsInaccessible() {
		classes = append(classes, ClassInaccessible)
	}
	if n.IsRoot() {
		classes = append(classes, ClassRoot)
	}
	if n.Raw().IsOutside {
		classes = append(classes, ClassOutside)
	}
	return &Element{Group: GroupNodes, Data: n.Attrs(), Classes: classes}
}

func edgeElement(e *snapshot.Edge) *Element {
	var classes []string
	if e.HasMTLS() {
		classes = append(classes, ClassMTLS)
	}
	if e.IsIdle() {
		classes = append(classes, ClassIdle)
	}
	return &Element{Group: GroupEdges, Data: e.Attrs(), Classes: classes}
}

// Hide removes the elements matching any clause. Hiding a node also hides its
// box members and its edges; a box whose members are all hidden goes too.
func Hide(g Graph, clauses [][]query.Expr) Graph {
	if len(clauses) == 0 {
		return g
	}
	hidden := map[*Element]struct{}{}
	for _, el := range query.MatchAny(g.All(), clauses) {
		hidden[el] = struct{}{}
	}

	byID := map[string]*Element{}
	members := map[string][]*Element{}
	for _, n := range g.Nodes {
		byID[n.ID()] = n
		if parent := parentID(n); parent != "" {
			members[parent] = append(members[parent], n)
		}
	}
	covered := map[*Element]bool{}
	var underHidden func(n *Element) bool
	underHidden = func(n *Element) bool {
		if v, ok := covered[n]; ok {
			return v
		}
		_, v := hidden[n]
		if parent, ok := byID[parentID(n)]; !v && ok {
			v = underHidden(parent)
		}
		covered[n] = v
		return v
	}
	gone := map[*Element]bool{}
	var isGone func(n *Element) bool
	isGone = func(n *Element) bool {
		if v, ok := gone[n]; ok {
			return v
		}
		v := underHidden(n)
		if !v && len(members[n.ID()]) > 0 {
			v = true
			for _, child := range members[n.ID()] {
				if !isGone(child) {
					v = false
					break
				}
			}
		}
		gone[n] = v
		return v
	}

	out := Graph{Nodes: []*Element{}, Edges: []*Element{}}
	hiddenIDs := map[string]struct{}{}
	for _, n := range g.Nodes {
		if isGone(n) {
			hiddenIDs[n.ID()] = struct{}{}
			continue
		}
		out.Nodes = append(out.Nodes, n)
	}

	for _, e := range g.Edges {
		if _, ok := hidden[e]; ok {
			continue
		}
		source, _ := e.Data[snapshot.AttrSource].(string)
		target, _ := e.Data[snapshot.AttrTarget].(string)
		if _, ok := hiddenIDs[source]; ok {
			continue
		}
		if _, ok := hiddenIDs[target]; ok {
			continue
		}
		out.Edges = append(out.Edges, e)
	}
	return out
}

func parentID(n *Element) string {
	parent, _ := n.Data[snapshot.AttrParent].(string)
	return parent
}
