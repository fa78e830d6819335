package snapshot

import (
	"math"
	"slices"
	"strings"
)

// Kind distinguishes nodes from edges.
type Kind string

const (
	KindNode Kind = "node"
	KindEdge Kind = "edge"
)

// Attribute names understood by Attr. Node labels are addressed as LabelPrefix+key
// and rates by their rate key.
const (
	AttrID              = "id"
	AttrNodeType        = "nodeType"
	AttrParent          = "parent"
	AttrCluster         = "cluster"
	AttrNamespace       = "namespace"
	AttrApp             = "app"
	AttrVersion         = "version"
	AttrWorkload        = "workload"
	AttrService         = "service"
	AttrAggregate       = "aggregate"
	AttrAggregateValue  = "aggregateValue"
	AttrHealthStatus    = "healthStatus"
	AttrIsBox           = "isBox"
	AttrIsDead          = "isDead"
	AttrIsIdle          = "isIdle"
	AttrIsInaccessible  = "isInaccessible"
	AttrIsOutside       = "isOutside"
	AttrIsRoot          = "isRoot"
	AttrIsServiceEntry  = "isServiceEntry"
	AttrIsGateway       = "isGateway"
	AttrIsWaypoint      = "isWaypoint"
	AttrIsAmbient       = "isAmbient"
	AttrIsOutOfMesh     = "isOutOfMesh"
	AttrRank            = "rank"
	AttrSource          = "source"
	AttrTarget          = "target"
	AttrProtocol        = "protocol"
	AttrIsMTLS          = "isMTLS"
	AttrHasMTLS         = "hasMTLS"
	AttrHasTraffic      = "hasTraffic"
	AttrResponseTime    = "responseTime"
	AttrThroughput      = "throughput"
	AttrSourcePrincipal = "sourcePrincipal"
	AttrDestPrincipal   = "destPrincipal"

	LabelPrefix = "label:"
)

var nodeAttrs = []string{
	AttrID, AttrNodeType, AttrParent, AttrCluster, AttrNamespace, AttrApp, AttrVersion,
	AttrWorkload, AttrService, AttrAggregate, AttrAggregateValue, AttrHealthStatus,
	AttrIsBox, AttrIsDead, AttrIsIdle, AttrIsInaccessible, AttrIsOutside, AttrIsRoot,
	AttrIsServiceEntry, AttrIsGateway, AttrIsWaypoint, AttrIsAmbient, AttrIsOutOfMesh, AttrRank,
}

var edgeAttrs = []string{
	AttrID, AttrSource, AttrTarget, AttrProtocol, AttrIsMTLS, AttrHasMTLS, AttrHasTraffic,
	AttrIsIdle, AttrResponseTime, AttrThroughput, AttrSourcePrincipal, AttrDestPrincipal,
}

// Element is a decorated node or edge.
type Element interface {
	ID() string
	Kind() Kind
	Attr(name string) (any, bool)
}

// Node is a decorated graph node. Relationships are fixed at decoration time.
type Node struct {
	raw            RawNode
	parent         *Node
	children       []*Node
	sourceEdges    []*Edge
	targetEdges    []*Edge
	isIdle         bool
	isInaccessible bool
	rank           int
	hasRank        bool
}

func (n *Node) ID() string         { return n.raw.ID }
func (n *Node) Kind() Kind         { return KindNode }
func (n *Node) NodeType() NodeType { return n.raw.NodeType }
func (n *Node) Cluster() string    { return n.raw.Cluster }
func (n *Node) Namespace() string  { return n.raw.Namespace }
func (n *Node) App() string        { return n.raw.App }

// IsBox returns the grouping dimension of a box, or "" for leaf nodes.
func (n *Node) IsBox() BoxKind { return n.raw.IsBox }

func (n *Node) IsIdle() bool         { return n.isIdle }
func (n *Node) IsInaccessible() bool { return n.isInaccessible }
func (n *Node) IsRoot() bool         { return n.raw.IsRoot }

// Rank returns the node rank and whether ranking was enabled for the set.
func (n *Node) Rank() (int, bool) { return n.rank, n.hasRank }

// Parent returns the enclosing box, or nil.
func (n *Node) Parent() *Node { return n.parent }

// Children returns the nodes directly grouped by this box.
func (n *Node) Children() []*Node { return slices.Clone(n.children) }

// SourceEdges returns the edges leaving this node.
func (n *Node) SourceEdges() []*Edge { return slices.Clone(n.sourceEdges) }

// TargetEdges returns the edges arriving at this node.
func (n *Node) TargetEdges() []*Edge { return slices.Clone(n.targetEdges) }

// Raw returns a copy of the node as received, with the parent rewritten by boxing.
func (n *Node) Raw() RawNode {
	out := n.raw
	out.Labels = cloneStringMap(n.raw.Labels)
	out.Rates = cloneRates(n.raw.Rates)
	return out
}

// Attr implements query.Element.
func (n *Node) Attr(name string) (any, bool) {
	switch name {
	case AttrID:
		return n.raw.ID, true
	case AttrNodeType:
		return string(n.raw.NodeType), true
	case AttrParent:
		return nonEmpty(n.raw.ParentID)
	case AttrCluster:
		return nonEmpty(n.raw.Cluster)
	case AttrNamespace:
		return nonEmpty(n.raw.Namespace)
	case AttrApp:
		return nonEmpty(n.raw.App)
	case AttrVersion:
		return nonEmpty(n.raw.Version)
	case AttrWorkload:
		return nonEmpty(n.raw.Workload)
	case AttrService:
		return nonEmpty(n.raw.Service)
	case AttrAggregate:
		agg, _, _ := strings.Cut(n.raw.Aggregate, "=")
		return nonEmpty(agg)
	case AttrAggregateValue:
		_, value, _ := strings.Cut(n.raw.Aggregate, "=")
		return nonEmpty(value)
	case AttrHealthStatus:
		return nonEmpty(n.raw.HealthStatus)
	case AttrIsBox:
		return nonEmpty(string(n.raw.IsBox))
	case AttrIsDead:
		return n.raw.IsDead, true
	case AttrIsIdle:
		return n.isIdle, true
	case AttrIsInaccessible:
		return n.isInaccessible, true
	case AttrIsOutside:
		return n.raw.IsOutside, true
	case AttrIsRoot:
		return n.raw.IsRoot, true
	case AttrIsServiceEntry:
		return nonEmpty(n.raw.IsServiceEntry)
	case AttrIsGateway:
		return n.raw.IsGateway, true
	case AttrIsWaypoint:
		return n.raw.IsWaypoint, true
	case AttrIsAmbient:
		return n.raw.IsAmbient, true
	case AttrIsOutOfMesh:
		return n.raw.IsOutOfMesh, true
	case AttrRank:
		if !n.hasRank {
			return nil, false
		}
		return n.rank, true
	}
	if key, ok := strings.CutPrefix(name, LabelPrefix); ok {
		v, found := n.raw.Labels[key]
		return v, found
	}
	if v, ok := n.raw.Rates[name]; ok && !math.IsNaN(v) {
		return v, true
	}
	return nil, false
}

// Attrs returns every present attribute, labels and rates included.
func (n *Node) Attrs() map[string]any {
	out := make(map[string]any, len(nodeAttrs)+len(n.raw.Labels)+len(n.raw.Rates))
	for _, name := range nodeAttrs {
		if v, ok := n.Attr(name); ok {
			out[name] = v
		}
	}
	for k, v := range n.raw.Labels {
		out[LabelPrefix+k] = v
	}
	for k, v := range n.raw.Rates {
		if !math.IsNaN(v) {
			out[k] = v
		}
	}
	return out
}

// Edge is a decorated, directed edge whose endpoints are guaranteed to exist.
type Edge struct {
	raw        RawEdge
	source     *Node
	target     *Node
	hasTraffic bool
	mtls       float64
}

func (e *Edge) ID() string       { return e.raw.ID }
func (e *Edge) Kind() Kind       { return KindEdge }
func (e *Edge) Source() *Node    { return e.source }
func (e *Edge) Target() *Node    { return e.target }
func (e *Edge) Protocol() string { return e.raw.Protocol }
func (e *Edge) HasTraffic() bool { return e.hasTraffic }

// IsIdle is always the negation of HasTraffic.
func (e *Edge) IsIdle() bool { return !e.hasTraffic }

// MTLSPercentage returns the share of traffic secured by mutual TLS.
func (e *Edge) MTLSPercentage() float64 { return e.mtls }

func (e *Edge) HasMTLS() bool { return e.mtls > 0 }

// Rate returns the named rate, applying the protocol defaults used by Attr.
func (e *Edge) Rate(key string) (float64, bool) {
	if p, known := rateProtocol[key]; known && p != e.raw.Protocol {
		return 0, false
	}
	if v, ok := e.raw.Rates[key]; ok && !math.IsNaN(v) {
		return v, true
	}
	if slices.Contains(protocolRates[e.raw.Protocol], key) {
		return 0, true
	}
	return 0, false
}

// Raw returns a copy of the edge as received.
func (e *Edge) Raw() RawEdge {
	out := e.raw
	out.Rates = cloneRates(e.raw.Rates)
	return out
}

// Attr implements query.Element. Rates of the edge's own protocol default to
// zero; rates of other protocols are absent.
func (e *Edge) Attr(name string) (any, bool) {
	switch name {
	case AttrID:
		return e.raw.ID, true
	case AttrSource:
		return e.raw.SourceID, true
	case AttrTarget:
		return e.raw.TargetID, true
	case AttrProtocol:
		return nonEmpty(e.raw.Protocol)
	case AttrIsMTLS:
		return e.mtls, true
	case AttrHasMTLS:
		return e.HasMTLS(), true
	case AttrHasTraffic:
		return e.hasTraffic, true
	case AttrIsIdle:
		return !e.hasTraffic, true
	case AttrResponseTime:
		return positive(e.raw.ResponseTime)
	case AttrThroughput:
		return positive(e.raw.Throughput)
	case AttrSourcePrincipal:
		return nonEmpty(e.raw.SourcePrincipal)
	case AttrDestPrincipal:
		return nonEmpty(e.raw.DestPrincipal)
	}
	if v, ok := e.Rate(name); ok {
		return v, true
	}
	return nil, false
}

// Attrs returns every present attribute, protocol rates included.
func (e *Edge) Attrs() map[string]any {
	out := make(map[string]any, len(edgeAttrs)+len(e.raw.Rates))
	for _, name := range edgeAttrs {
		if v, ok := e.Attr(name); ok {
			out[name] = v
		}
	}
	for _, key := range protocolRates[e.raw.Protocol] {
		out[key] = 0.0
	}
	for k := range e.raw.Rates {
		if v, ok := e.Rate(k); ok {
			out[k] = v
		}
	}
	return out
}

// totalRate sums the request rates of every protocol.
func (e *Edge) totalRate() float64 {
	return rate(e.raw.Rates, RateHTTP) + rate(e.raw.Rates, RateGRPC) + rate(e.raw.Rates, RateTCP)
}

// errorRate sums failed and unanswered requests.
func (e *Edge) errorRate() float64 {
	var total float64
	for _, key := range []string{RateHTTP4xx, RateHTTP5xx, RateHTTPNoResponse, RateGRPCErr, RateGRPCNoResponse} {
		total += rate(e.raw.Rates, key)
	}
	return total
}

func rate(rates map[string]float64, key string) float64 {
	v := rates[key]
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}

func nonEmpty(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	return s, true
}

func positive(f float64) (any, bool) {
	if f > 0 {
		return f, true
	}
	return nil, false
}

func cloneStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneRates(src map[string]float64) map[string]float64 {
	if src == nil {
		return nil
	}
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
