package datasource

import (
	"context"
	"slices"
	"time"

	"meshgraph/internal/snapshot"

	"k8s.io/apimachinery/pkg/util/sets"
)

// GraphType selects how the backend aggregates workloads into nodes.
type GraphType string

const (
	GraphTypeApp          GraphType = "app"
	GraphTypeService      GraphType = "service"
	GraphTypeVersionedApp GraphType = "versionedApp"
	GraphTypeWorkload     GraphType = "workload"
)

// TrafficRate selects the rate the backend reports for one protocol.
type TrafficRate string

const (
	RateGRPCReceived TrafficRate = "grpcReceived"
	RateGRPCRequest  TrafficRate = "grpcRequest"
	RateGRPCSent     TrafficRate = "grpcSent"
	RateGRPCTotal    TrafficRate = "grpcTotal"
	RateHTTPRequest  TrafficRate = "httpRequest"
	RateTCPReceived  TrafficRate = "tcpReceived"
	RateTCPSent      TrafficRate = "tcpSent"
	RateTCPTotal     TrafficRate = "tcpTotal"
)

// DefaultTrafficRates apply when a request names none.
var DefaultTrafficRates = []TrafficRate{RateGRPCRequest, RateHTTPRequest, RateTCPSent}

// Known reports whether r is a supported rate.
func (r TrafficRate) Known() bool {
	switch r {
	case RateGRPCReceived, RateGRPCRequest, RateGRPCSent, RateGRPCTotal,
		RateHTTPRequest, RateTCPReceived, RateTCPSent, RateTCPTotal:
		return true
	}
	return false
}

// EdgeLabel requests an optional per-edge metric.
type EdgeLabel string

const (
	EdgeLabelResponseTimeAvg    EdgeLabel = "avg"
	EdgeLabelResponseTimeP50    EdgeLabel = "rt50"
	EdgeLabelResponseTimeP95    EdgeLabel = "rt95"
	EdgeLabelResponseTimeP99    EdgeLabel = "rt99"
	EdgeLabelThroughputRequest  EdgeLabel = "throughputRequest"
	EdgeLabelThroughputResponse EdgeLabel = "throughputResponse"
)

// Known reports whether l is a supported edge label.
func (l EdgeLabel) Known() bool {
	switch l {
	case EdgeLabelResponseTimeAvg, EdgeLabelResponseTimeP50, EdgeLabelResponseTimeP95, EdgeLabelResponseTimeP99,
		EdgeLabelThroughputRequest, EdgeLabelThroughputResponse:
		return true
	}
	return false
}

// NodeParams identifies the node a drill-in graph is centred on.
type NodeParams struct {
	NodeType       snapshot.NodeType `json:"nodeType"`
	Cluster        string            `json:"cluster,omitempty"`
	Namespace      string            `json:"namespace"`
	App            string            `json:"app,omitempty"`
	Version        string            `json:"version,omitempty"`
	Workload       string            `json:"workload,omitempty"`
	Service        string            `json:"service,omitempty"`
	Aggregate      string            `json:"aggregate,omitempty"`
	AggregateValue string            `json:"aggregateValue,omitempty"`
}

// FetchParams describes one graph request. Appenders are passed to the
// backend untouched. EdgeLabels add the appenders their metrics need.
type FetchParams struct {
	Namespaces         []string           `json:"namespaces"`
	GraphType          GraphType          `json:"graphType"`
	Duration           time.Duration      `json:"duration"`
	BoxBy              []snapshot.BoxKind `json:"boxBy,omitempty"`
	IncludeIdleEdges   bool               `json:"includeIdleEdges"`
	IncludeIdleNodes   bool               `json:"includeIdleNodes"`
	InjectServiceNodes bool               `json:"injectServiceNodes"`
	Rank               bool               `json:"rank"`
	Appenders          []string           `json:"appenders,omitempty"`
	TrafficRates       []TrafficRate      `json:"trafficRates,omitempty"`
	EdgeLabels         []EdgeLabel        `json:"edgeLabels,omitempty"`
	Node               *NodeParams        `json:"node,omitempty"`
	QueryTime          time.Time          `json:"queryTime,omitempty"`
}

// Fetcher retrieves a raw snapshot. Implementations must honour ctx cancellation.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, params FetchParams) (*snapshot.RawSnapshot, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, params FetchParams) (*snapshot.RawSnapshot, error)

func (f FetcherFunc) FetchSnapshot(ctx context.Context, params FetchParams) (*snapshot.RawSnapshot, error) {
	return f(ctx, params)
}

// ClusterAccess reports which clusters the caller may inspect.
type ClusterAccess interface {
	AccessibleClusters(ctx context.Context) (sets.Set[string], error)
}

func (p FetchParams) clone() FetchParams {
	out := p
	out.Namespaces = slices.Clone(p.Namespaces)
	out.BoxBy = slices.Clone(p.BoxBy)
	out.Appenders = slices.Clone(p.Appenders)
	out.TrafficRates = slices.Clone(p.TrafficRates)
	out.EdgeLabels = slices.Clone(p.EdgeLabels)
	if p.Node != nil {
		node := *p.Node
		out.Node = &node
	}
	return out
}

// empty reports whether there is nothing to fetch.
func (p FetchParams) empty() bool {
	return len(p.Namespaces) == 0 && p.Node == nil
}

// invalidates reports whether switching from p to next makes the data held
// for p meaningless rather than merely stale.
func (p FetchParams) invalidates(next FetchParams) bool {
	if !sets.New(p.Namespaces...).Equal(sets.New(next.Namespaces...)) {
		return true
	}
	if p.GraphType != next.GraphType ||
		p.IncludeIdleNodes != next.IncludeIdleNodes ||
		p.InjectServiceNodes != next.InjectServiceNodes {
		return true
	}
	if (p.Node == nil) != (next.Node == nil) || (p.Node != nil && *p.Node != *next.Node) {
		return true
	}
	return !sets.New(p.Appenders...).Equal(sets.New(next.Appenders...))
}

// BoxKinds returns the grouping dimensions requested from the backend and
// applied at decoration. App graphs are always boxed by app.
func (p FetchParams) BoxKinds() []snapshot.BoxKind {
	kinds := slices.Clone(p.BoxBy)
	if (p.GraphType == GraphTypeApp || p.GraphType == GraphTypeVersionedApp) && !slices.Contains(kinds, snapshot.BoxByApp) {
		kinds = append(kinds, snapshot.BoxByApp)
	}
	return kinds
}

func defaultNodeParams(duration time.Duration, namespace string) FetchParams {
	return FetchParams{
		Namespaces:         []string{namespace},
		GraphType:          GraphTypeWorkload,
		Duration:           duration,
		InjectServiceNodes: true,
		Node: &NodeParams{
			NodeType:  snapshot.NodeTypeUnknown,
			Namespace: namespace,
		},
	}
}

// ParamsForApp builds drill-in parameters for an application graph.
func ParamsForApp(duration time.Duration, namespace, app, cluster string) FetchParams {
	p := defaultNodeParams(duration, namespace)
	p.GraphType = GraphTypeApp
	p.Node.NodeType = snapshot.NodeTypeApp
	p.Node.App = app
	p.Node.Cluster = cluster
	return p
}

// ParamsForVersionedApp builds drill-in parameters for one application version.
func ParamsForVersionedApp(duration time.Duration, namespace, app, version, cluster string) FetchParams {
	p := defaultNodeParams(duration, namespace)
	p.GraphType = GraphTypeVersionedApp
	p.Node.NodeType = snapshot.NodeTypeApp
	p.Node.App = app
	p.Node.Version = version
	p.Node.Cluster = cluster
	return p
}

// ParamsForWorkload builds drill-in parameters for a workload graph.
func ParamsForWorkload(duration time.Duration, namespace, workload, cluster string) FetchParams {
	p := defaultNodeParams(duration, namespace)
	p.Node.NodeType = snapshot.NodeTypeWorkload
	p.Node.Workload = workload
	p.Node.Cluster = cluster
	return p
}

// ParamsForService builds drill-in parameters for a service graph.
func ParamsForService(duration time.Duration, namespace, service, cluster string) FetchParams {
	p := defaultNodeParams(duration, namespace)
	p.Node.NodeType = snapshot.NodeTypeService
	p.Node.Service = service
	p.Node.Cluster = cluster
	return p
}

// ParamsForNamespace builds parameters for a single namespace graph.
func ParamsForNamespace(duration time.Duration, namespace string) FetchParams {
	p := defaultNodeParams(duration, namespace)
	p.Node = nil
	return p
}
