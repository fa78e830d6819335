package snapshot

// EdgesIn returns the edges arriving at any of nodes.
func EdgesIn(nodes []*Node) []*Edge {
	return collectEdges(nodes, func(n *Node) []*Edge { return n.targetEdges })
}

// EdgesOut returns the edges leaving any of nodes.
func EdgesOut(nodes []*Node) []*Edge {
	return collectEdges(nodes, func(n *Node) []*Edge { return n.sourceEdges })
}

// EdgesInOut returns every edge touching any of nodes.
func EdgesInOut(nodes []*Node) []*Edge {
	return collectEdges(nodes, func(n *Node) []*Edge {
		out := make([]*Edge, 0, len(n.targetEdges)+len(n.sourceEdges))
		out = append(out, n.targetEdges...)
		return append(out, n.sourceEdges...)
	})
}

// NodesIn returns the direct sources of edges arriving at nodes.
func NodesIn(nodes []*Node) []*Node {
	out := newNodeSet()
	for _, e := range EdgesIn(nodes) {
		out.add(e.source)
	}
	return out.list
}

// NodesOut returns the direct targets of edges leaving nodes.
func NodesOut(nodes []*Node) []*Node {
	out := newNodeSet()
	for _, e := range EdgesOut(nodes) {
		out.add(e.target)
	}
	return out.list
}

// Predecessors returns every node with a directed path into nodes.
func Predecessors(nodes []*Node) []*Node {
	return walk(nodes, func(n *Node) []*Node {
		out := make([]*Node, 0, len(n.targetEdges))
		for _, e := range n.targetEdges {
			out = append(out, e.source)
		}
		return out
	})
}

// Successors returns every node reachable from nodes along edge direction.
func Successors(nodes []*Node) []*Node {
	return walk(nodes, func(n *Node) []*Node {
		out := make([]*Node, 0, len(n.sourceEdges))
		for _, e := range n.sourceEdges {
			out = append(out, e.target)
		}
		return out
	})
}

// Ancestors returns the enclosing boxes of node, innermost first.
func Ancestors(node *Node) []*Node {
	var out []*Node
	for p := node.parent; p != nil; p = p.parent {
		out = append(out, p)
	}
	return out
}

// Descendants returns every node nested under node, breadth first.
func Descendants(node *Node) []*Node {
	return walk([]*Node{node}, func(n *Node) []*Node { return n.children })
}

type nodeSet struct {
	seen map[*Node]struct{}
	list []*Node
}

func newNodeSet() *nodeSet {
	return &nodeSet{seen: map[*Node]struct{}{}, list: []*Node{}}
}

func (s *nodeSet) add(n *Node) bool {
	if _, ok := s.seen[n]; ok {
		return false
	}
	s.seen[n] = struct{}{}
	s.list = append(s.list, n)
	return true
}

// walk performs a breadth-first traversal from start, excluding the start nodes
// unless they are reached again through a cycle.
func walk(start []*Node, next func(*Node) []*Node) []*Node {
	out := newNodeSet()
	queue := append([]*Node(nil), start...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, m := range next(n) {
			if out.add(m) {
				queue = append(queue, m)
			}
		}
	}
	return out.list
}

func collectEdges(nodes []*Node, edges func(*Node) []*Edge) []*Edge {
	seen := map[*Edge]struct{}{}
	out := []*Edge{}
	for _, n := range nodes {
		for _, e := range edges(n) {
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}
