package collector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"meshgraph/internal/snapshot"
)

// graphDefinition is the cytoscape payload served by the graph endpoints.
type graphDefinition struct {
	Timestamp int64  `json:"timestamp"`
	Duration  int64  `json:"duration"`
	GraphType string `json:"graphType"`
	Elements  struct {
		Nodes []struct {
			Data nodeData `json:"data"`
		} `json:"nodes"`
		Edges []struct {
			Data edgeData `json:"data"`
		} `json:"edges"`
	} `json:"elements"`
}

type nodeData struct {
	ID             string            `json:"id"`
	Parent         string            `json:"parent"`
	NodeType       string            `json:"nodeType"`
	Cluster        string            `json:"cluster"`
	Namespace      string            `json:"namespace"`
	Workload       string            `json:"workload"`
	App            string            `json:"app"`
	Version        string            `json:"version"`
	Service        string            `json:"service"`
	Aggregate      string            `json:"aggregate"`
	AggregateValue string            `json:"aggregateValue"`
	Labels         map[string]string `json:"labels"`
	Traffic        []protocolTraffic `json:"traffic"`
	HealthData     json.RawMessage   `json:"healthData"`
	IsBox          string            `json:"isBox"`
	IsDead         bool              `json:"isDead"`
	IsIdle         bool              `json:"isIdle"`
	IsOutside      bool              `json:"isOutside"`
	IsRoot         bool              `json:"isRoot"`
	IsWaypoint     bool              `json:"isWaypoint"`
	IsAmbient      bool              `json:"isAmbient"`
	IsOutOfMesh    bool              `json:"isOutOfMesh"`
	IsGateway      json.RawMessage   `json:"isGateway"`
	IsServiceEntry *struct {
		Location string `json:"location"`
	} `json:"isServiceEntry"`
}

type edgeData struct {
	ID              string           `json:"id"`
	Source          string           `json:"source"`
	Target          string           `json:"target"`
	SourcePrincipal string           `json:"sourcePrincipal"`
	DestPrincipal   string           `json:"destPrincipal"`
	IsMTLS          wireNumber       `json:"isMTLS"`
	ResponseTime    wireNumber       `json:"responseTime"`
	Throughput      wireNumber       `json:"throughput"`
	Traffic         *protocolTraffic `json:"traffic"`
}

type protocolTraffic struct {
	Protocol string                `json:"protocol"`
	Rates    map[string]wireNumber `json:"rates"`
}

// wireNumber accepts a JSON number or a number encoded as a string, which is
// how the backend serialises rates.
type wireNumber float64

func (n *wireNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*n = 0
		return nil
	}
	text := string(data)
	if data[0] == '"' {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return fmt.Errorf("invalid number %s: %w", text, err)
		}
		text = strings.TrimSpace(unquoted)
		if text == "" {
			*n = 0
			return nil
		}
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", text, err)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return fmt.Errorf("invalid number %s: not finite", text)
	}
	*n = wireNumber(v)
	return nil
}

func decodeGraph(data []byte) (*snapshot.RawSnapshot, error) {
	var def graphDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	return def.toRaw(), nil
}

func (d *graphDefinition) toRaw() *snapshot.RawSnapshot {
	raw := &snapshot.RawSnapshot{
		Duration:  time.Duration(d.Duration) * time.Second,
		GraphType: d.GraphType,
		Nodes:     make([]snapshot.RawNode, 0, len(d.Elements.Nodes)),
		Edges:     make([]snapshot.RawEdge, 0, len(d.Elements.Edges)),
	}
	if d.Timestamp > 0 {
		raw.Timestamp = time.Unix(d.Timestamp, 0).UTC()
	}
	for _, n := range d.Elements.Nodes {
		raw.Nodes = append(raw.Nodes, n.Data.toRaw())
	}
	for _, e := range d.Elements.Edges {
		raw.Edges = append(raw.Edges, e.Data.toRaw())
	}
	return raw
}

func (n nodeData) toRaw() snapshot.RawNode {
	node := snapshot.RawNode{
		ID:           n.ID,
		NodeType:     snapshot.NodeType(n.NodeType),
		ParentID:     n.Parent,
		Cluster:      n.Cluster,
		Namespace:    n.Namespace,
		App:          n.App,
		Version:      n.Version,
		Workload:     n.Workload,
		Service:      n.Service,
		Aggregate:    joinAggregate(n.Aggregate, n.AggregateValue),
		Labels:       n.Labels,
		HealthStatus: deriveHealth(n.HealthData),
		IsBox:        snapshot.BoxKind(n.IsBox),
		IsDead:       n.IsDead,
		IsIdle:       n.IsIdle,
		IsOutside:    n.IsOutside,
		IsRoot:       n.IsRoot,
		IsGateway:    present(n.IsGateway),
		IsWaypoint:   n.IsWaypoint,
		IsAmbient:    n.IsAmbient,
		IsOutOfMesh:  n.IsOutOfMesh,
	}
	if node.NodeType == "" {
		node.NodeType = snapshot.NodeTypeUnknown
	}
	if n.IsServiceEntry != nil {
		node.IsServiceEntry = n.IsServiceEntry.Location
	}
	for _, traffic := range n.Traffic {
		if len(traffic.Rates) == 0 {
			continue
		}
		if node.Rates == nil {
			node.Rates = map[string]float64{}
		}
		for key, v := range traffic.Rates {
			node.Rates[key] = float64(v)
		}
	}
	return node
}

func (e edgeData) toRaw() snapshot.RawEdge {
	edge := snapshot.RawEdge{
		ID:              e.ID,
		SourceID:        e.Source,
		TargetID:        e.Target,
		IsMTLS:          float64(e.IsMTLS),
		ResponseTime:    float64(e.ResponseTime),
		Throughput:      float64(e.Throughput),
		SourcePrincipal: e.SourcePrincipal,
		DestPrincipal:   e.DestPrincipal,
	}
	if e.Traffic != nil {
		edge.Protocol = e.Traffic.Protocol
		if len(e.Traffic.Rates) > 0 {
			edge.Rates = make(map[string]float64, len(e.Traffic.Rates))
			for key, v := range e.Traffic.Rates {
				edge.Rates[key] = float64(v)
			}
		}
	}
	return edge
}

// joinAggregate folds the backend's aggregate and aggregateValue fields into
// the single "name=value" form.
func joinAggregate(name, value string) string {
	if name == "" || strings.Contains(name, "=") || value == "" {
		return name
	}
	return name + "=" + value
}

func present(raw json.RawMessage) bool {
	s := string(bytes.TrimSpace(raw))
	return s != "" && s != "null" && s != "false"
}
