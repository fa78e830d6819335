package render

import (
	"slices"
	"sort"
	"testing"

	"meshgraph/internal/query"
	"meshgraph/internal/snapshot"

	"github.com/google/go-cmp/cmp"
)

func shop() *snapshot.RawSnapshot {
	return &snapshot.RawSnapshot{
		Nodes: []snapshot.RawNode{
			{ID: "frontend", NodeType: snapshot.NodeTypeApp, Cluster: "east", Namespace: "shop", App: "frontend", IsRoot: true},
			{ID: "cart", NodeType: snapshot.NodeTypeApp, Cluster: "east", Namespace: "shop", App: "cart"},
			{ID: "legacy", NodeType: snapshot.NodeTypeApp, Cluster: "east", Namespace: "shop", App: "legacy"},
			{ID: "payments", NodeType: snapshot.NodeTypeApp, Cluster: "west", Namespace: "pay", App: "payments", IsOutside: true},
		},
		Edges: []snapshot.RawEdge{
			{ID: "e1", SourceID: "frontend", TargetID: "cart", Protocol: snapshot.ProtocolHTTP, Rates: map[string]float64{snapshot.RateHTTP: 10}, IsMTLS: 100},
			{ID: "e2", SourceID: "frontend", TargetID: "legacy", Protocol: snapshot.ProtocolHTTP},
			{ID: "e3", SourceID: "cart", TargetID: "payments", Protocol: snapshot.ProtocolGRPC, Rates: map[string]float64{snapshot.RateGRPC: 2}},
		},
	}
}

func elementIDs(elements []*Element) []string {
	out := make([]string, 0, len(elements))
	for _, el := range elements {
		out = append(out, el.ID())
	}
	sort.Strings(out)
	return out
}

func leafIDs(elements []*Element) []string {
	var out []string
	for _, el := range elements {
		if _, box := el.Data[snapshot.AttrIsBox]; !box {
			out = append(out, el.ID())
		}
	}
	sort.Strings(out)
	return out
}

func boxFor(t *testing.T, g Graph, app string) *Element {
	t.Helper()
	matches := query.MatchAll(g.Nodes, []query.Expr{
		{Attribute: snapshot.AttrIsBox, Operator: query.OpEqual, Value: "app"},
		{Attribute: snapshot.AttrApp, Operator: query.OpEqual, Value: app},
	})
	if len(matches) != 1 {
		return nil
	}
	return matches[0]
}

func TestElementsKeepsEverythingWithoutFilters(t *testing.T) {
	g := Elements(snapshot.Decorate(shop(), snapshot.Options{}))

	if diff := cmp.Diff([]string{"cart", "frontend", "legacy", "payments"}, elementIDs(g.Nodes)); diff != "" {
		t.Fatalf("nodes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"e1", "e2", "e3"}, elementIDs(g.Edges)); diff != "" {
		t.Fatalf("edges mismatch (-want +got):\n%s", diff)
	}
	for _, el := range g.Edges {
		if el.Group != GroupEdges {
			t.Fatalf("edge %s in group %s", el.ID(), el.Group)
		}
	}
}

func TestElementsClasses(t *testing.T) {
	g := Elements(snapshot.Decorate(shop(), snapshot.Options{AccessibleClusters: nil}))
	classes := map[string][]string{}
	for _, el := range g.All() {
		classes[el.ID()] = el.Classes
	}
	if !slices.Contains(classes["frontend"], ClassRoot) {
		t.Fatalf("root class missing: %v", classes["frontend"])
	}
	if !slices.Contains(classes["payments"], ClassOutside) {
		t.Fatalf("outside class missing: %v", classes["payments"])
	}
	if !slices.Contains(classes["legacy"], ClassIdle) || !slices.Contains(classes["e2"], ClassIdle) {
		t.Fatalf("idle classes missing: %v %v", classes["legacy"], classes["e2"])
	}
	if !slices.Contains(classes["e1"], ClassMTLS) || slices.Contains(classes["e3"], ClassMTLS) {
		t.Fatalf("mtls classes wrong: %v %v", classes["e1"], classes["e3"])
	}
}

func TestElementsFiltersIdleAtRenderTime(t *testing.T) {
	set := snapshot.Decorate(shop(), snapshot.Options{
		BoxBy:           []snapshot.BoxKind{snapshot.BoxByApp},
		FilterIdleEdges: true,
		FilterIdleNodes: true,
	})
	if _, ok := set.Node("legacy"); !ok {
		t.Fatalf("decoration must keep idle nodes")
	}

	g := Elements(set)
	if diff := cmp.Diff([]string{"cart", "frontend", "payments"}, leafIDs(g.Nodes)); diff != "" {
		t.Fatalf("leaves mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"e1", "e3"}, elementIDs(g.Edges)); diff != "" {
		t.Fatalf("edges mismatch (-want +got):\n%s", diff)
	}
	if boxFor(t, g, "legacy") != nil {
		t.Fatalf("box of a filtered node must be dropped")
	}
	if boxFor(t, g, "cart") == nil {
		t.Fatalf("box with visible members must stay")
	}
}

func TestElementsIdleEdgesOnly(t *testing.T) {
	g := Elements(snapshot.Decorate(shop(), snapshot.Options{FilterIdleEdges: true}))
	if diff := cmp.Diff([]string{"cart", "frontend", "legacy", "payments"}, elementIDs(g.Nodes)); diff != "" {
		t.Fatalf("idle nodes stay when only edges are filtered (-want +got):\n%s", diff)
	}
	if len(g.Edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(g.Edges))
	}
}

func TestHandlesAreQueryable(t *testing.T) {
	g := Elements(snapshot.Decorate(shop(), snapshot.Options{}))

	busy := query.MatchAny(g.All(), [][]query.Expr{
		{{Attribute: snapshot.RateHTTP, Operator: query.OpGreater, Value: 5.0}},
		{{Attribute: snapshot.AttrCluster, Operator: query.OpEqual, Value: "west"}},
	})
	if diff := cmp.Diff([]string{"e1", "payments"}, elementIDs(busy)); diff != "" {
		t.Fatalf("query mismatch (-want +got):\n%s", diff)
	}
}

func TestHide(t *testing.T) {
	g := Elements(snapshot.Decorate(shop(), snapshot.Options{BoxBy: []snapshot.BoxKind{snapshot.BoxByNamespace}}))

	clauses, err := query.ParseAll([][]string{{"namespace = pay", "nodeType = app"}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	hidden := Hide(g, clauses)

	if diff := cmp.Diff([]string{"cart", "frontend", "legacy"}, leafIDs(hidden.Nodes)); diff != "" {
		t.Fatalf("leaves mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"e1", "e2"}, elementIDs(hidden.Edges)); diff != "" {
		t.Fatalf("edges of hidden nodes must go (-want +got):\n%s", diff)
	}
	for _, n := range hidden.Nodes {
		if ns, _ := n.Data[snapshot.AttrNamespace].(string); ns == "pay" {
			t.Fatalf("namespace box left without members: %s", n.ID())
		}
	}
}

func TestHideBoxHidesMembers(t *testing.T) {
	g := Elements(snapshot.Decorate(shop(), snapshot.Options{BoxBy: []snapshot.BoxKind{snapshot.BoxByCluster}}))
	hidden := Hide(g, [][]query.Expr{{
		{Attribute: snapshot.AttrIsBox, Value: "cluster"},
		{Attribute: snapshot.AttrCluster, Value: "east"},
	}})
	if diff := cmp.Diff([]string{"payments"}, leafIDs(hidden.Nodes)); diff != "" {
		t.Fatalf("leaves mismatch (-want +got):\n%s", diff)
	}
	if len(hidden.Edges) != 0 {
		t.Fatalf("expected no edges, got %v", elementIDs(hidden.Edges))
	}
}

func TestElementsNilSet(t *testing.T) {
	if g := Elements(nil); g.Len() != 0 || g.Nodes == nil {
		t.Fatalf("nil set renders an empty graph")
	}
}
