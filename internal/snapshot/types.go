package snapshot

import "time"

// NodeType classifies a raw graph node.
type NodeType string

const (
	NodeTypeAggregate NodeType = "aggregate"
	NodeTypeApp       NodeType = "app"
	NodeTypeBox       NodeType = "box"
	NodeTypeService   NodeType = "service"
	NodeTypeUnknown   NodeType = "unknown"
	NodeTypeWorkload  NodeType = "workload"
)

// BoxKind names a grouping dimension.
type BoxKind string

const (
	BoxByCluster   BoxKind = "cluster"
	BoxByNamespace BoxKind = "namespace"
	BoxByApp       BoxKind = "app"
)

// boxOrder is the fixed nesting order, coarsest first.
var boxOrder = []BoxKind{BoxByCluster, BoxByNamespace, BoxByApp}

// Valid reports whether k is a known grouping dimension.
func (k BoxKind) Valid() bool {
	switch k {
	case BoxByCluster, BoxByNamespace, BoxByApp:
		return true
	}
	return false
}

// Unknown is the placeholder value the backend uses for unresolved identities.
const Unknown = "unknown"

// Protocols carried on edges.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
	ProtocolTCP  = "tcp"
)

// Edge rate keys.
const (
	RateHTTP           = "http"
	RateHTTP3xx        = "http3xx"
	RateHTTP4xx        = "http4xx"
	RateHTTP5xx        = "http5xx"
	RateHTTPNoResponse = "httpNoResponse"
	RateHTTPPercentErr = "httpPercentErr"
	RateHTTPPercentReq = "httpPercentReq"
	RateGRPC           = "grpc"
	RateGRPCErr        = "grpcErr"
	RateGRPCNoResponse = "grpcNoResponse"
	RateGRPCPercentErr = "grpcPercentErr"
	RateGRPCPercentReq = "grpcPercentReq"
	RateTCP            = "tcp"
	RateTCPPercentReq  = "tcpPercentReq"
)

// protocolRates lists the rate keys that default to zero on an edge of the protocol.
var protocolRates = map[string][]string{
	ProtocolHTTP: {RateHTTP, RateHTTP3xx, RateHTTP4xx, RateHTTP5xx, RateHTTPNoResponse, RateHTTPPercentErr, RateHTTPPercentReq},
	ProtocolGRPC: {RateGRPC, RateGRPCErr, RateGRPCNoResponse, RateGRPCPercentErr, RateGRPCPercentReq},
	ProtocolTCP:  {RateTCP, RateTCPPercentReq},
}

var rateProtocol = func() map[string]string {
	out := map[string]string{}
	for protocol, keys := range protocolRates {
		for _, key := range keys {
			out[key] = protocol
		}
	}
	return out
}()

// RawSnapshot is a graph snapshot as received from the backend, before decoration.
type RawSnapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	GraphType string        `json:"graphType"`
	Nodes     []RawNode     `json:"nodes"`
	Edges     []RawEdge     `json:"edges"`
}

// RawNode is a node of a raw snapshot. Aggregate holds "name=value" for
// aggregate nodes. Rates carries per-protocol node traffic such as httpIn.
type RawNode struct {
	ID             string             `json:"id"`
	NodeType       NodeType           `json:"nodeType"`
	ParentID       string             `json:"parent,omitempty"`
	Cluster        string             `json:"cluster,omitempty"`
	Namespace      string             `json:"namespace,omitempty"`
	App            string             `json:"app,omitempty"`
	Version        string             `json:"version,omitempty"`
	Workload       string             `json:"workload,omitempty"`
	Service        string             `json:"service,omitempty"`
	Aggregate      string             `json:"aggregate,omitempty"`
	Labels         map[string]string  `json:"labels,omitempty"`
	Rates          map[string]float64 `json:"rates,omitempty"`
	HealthStatus   string             `json:"healthStatus,omitempty"`
	IsBox          BoxKind            `json:"isBox,omitempty"`
	IsDead         bool               `json:"isDead,omitempty"`
	IsIdle         bool               `json:"isIdle,omitempty"`
	IsOutside      bool               `json:"isOutside,omitempty"`
	IsRoot         bool               `json:"isRoot,omitempty"`
	IsServiceEntry string             `json:"isServiceEntry,omitempty"`
	IsGateway      bool               `json:"isGateway,omitempty"`
	IsWaypoint     bool               `json:"isWaypoint,omitempty"`
	IsAmbient      bool               `json:"isAmbient,omitempty"`
	IsOutOfMesh    bool               `json:"isOutOfMesh,omitempty"`
}

// RawEdge is a directed edge of a raw snapshot. IsMTLS is a percentage.
type RawEdge struct {
	ID              string             `json:"id"`
	SourceID        string             `json:"source"`
	TargetID        string             `json:"target"`
	Protocol        string             `json:"protocol,omitempty"`
	Rates           map[string]float64 `json:"rates,omitempty"`
	IsMTLS          float64            `json:"isMTLS,omitempty"`
	ResponseTime    float64            `json:"responseTime,omitempty"`
	Throughput      float64            `json:"throughput,omitempty"`
	SourcePrincipal string             `json:"sourcePrincipal,omitempty"`
	DestPrincipal   string             `json:"destPrincipal,omitempty"`
}

// WarningCode identifies the kind of recoverable problem found while decorating.
type WarningCode string

const (
	WarnDuplicateID    WarningCode = "duplicate-id"
	WarnMissingID      WarningCode = "missing-id"
	WarnDanglingEdge   WarningCode = "dangling-edge"
	WarnDroppedBox     WarningCode = "dropped-box"
	WarnUnknownBoxKind WarningCode = "unknown-box-kind"
	WarnAccessUnknown  WarningCode = "access-unknown"
)

// Warning records an element the decorator dropped or could not fully decorate.
type Warning struct {
	Code      WarningCode `json:"code"`
	ElementID string      `json:"elementId,omitempty"`
	Message   string      `json:"message"`
}
