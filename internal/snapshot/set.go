package snapshot

import (
	"slices"
	"time"
)

// DecoratedSet is the immutable result of one decoration. It is replaced
// wholesale on every fetch and is safe for concurrent readers.
type DecoratedSet struct {
	timestamp time.Time
	duration  time.Duration
	graphType string
	options   Options
	nodes     []*Node
	edges     []*Edge
	nodeByID  map[string]*Node
	edgeByID  map[string]*Edge
	warnings  []Warning
}

func newSet(raw *RawSnapshot, opts Options) *DecoratedSet {
	opts.BoxBy = slices.Clone(opts.BoxBy)
	opts.Warnings = nil
	if opts.AccessibleClusters != nil {
		opts.AccessibleClusters = opts.AccessibleClusters.Clone()
	}
	return &DecoratedSet{
		timestamp: raw.Timestamp,
		duration:  raw.Duration,
		graphType: raw.GraphType,
		options:   opts,
		nodeByID:  make(map[string]*Node, len(raw.Nodes)),
		edgeByID:  make(map[string]*Edge, len(raw.Edges)),
	}
}

func (s *DecoratedSet) addNode(n *Node) {
	s.nodes = append(s.nodes, n)
	s.nodeByID[n.raw.ID] = n
}

func (s *DecoratedSet) addEdge(e *Edge) {
	s.edges = append(s.edges, e)
	s.edgeByID[e.raw.ID] = e
}

// Empty returns a set without elements.
func Empty() *DecoratedSet {
	return Decorate(nil, Options{})
}

func (s *DecoratedSet) Timestamp() time.Time    { return s.timestamp }
func (s *DecoratedSet) Duration() time.Duration { return s.duration }
func (s *DecoratedSet) GraphType() string       { return s.graphType }

// Options returns the options the set was decorated with.
func (s *DecoratedSet) Options() Options {
	out := s.options
	out.BoxBy = slices.Clone(s.options.BoxBy)
	if s.options.AccessibleClusters != nil {
		out.AccessibleClusters = s.options.AccessibleClusters.Clone()
	}
	return out
}

// Nodes returns leaves in snapshot order followed by boxes in creation order.
func (s *DecoratedSet) Nodes() []*Node { return slices.Clone(s.nodes) }

// Edges returns the retained edges in snapshot order.
func (s *DecoratedSet) Edges() []*Edge { return slices.Clone(s.edges) }

// Elements returns nodes then edges.
func (s *DecoratedSet) Elements() []Element {
	out := make([]Element, 0, len(s.nodes)+len(s.edges))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	for _, e := range s.edges {
		out = append(out, e)
	}
	return out
}

func (s *DecoratedSet) Node(id string) (*Node, bool) {
	n, ok := s.nodeByID[id]
	return n, ok
}

func (s *DecoratedSet) Edge(id string) (*Edge, bool) {
	e, ok := s.edgeByID[id]
	return e, ok
}

// Warnings lists what decoration dropped or degraded.
func (s *DecoratedSet) Warnings() []Warning { return slices.Clone(s.warnings) }

func (s *DecoratedSet) Len() int { return len(s.nodes) + len(s.edges) }
