package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// RankMax is the rank of the most important node in a snapshot.
const RankMax = 100

// RankWeights balances inbound volume against inbound errors when ranking.
type RankWeights struct {
	Volume float64 `json:"volume" yaml:"volume"`
	Errors float64 `json:"errors" yaml:"errors"`
}

// DefaultRankWeights weighs volume and errors equally.
func DefaultRankWeights() RankWeights {
	return RankWeights{Volume: 1, Errors: 1}
}

// Options controls decoration. A nil AccessibleClusters means every cluster
// is accessible. Idle filtering is recorded on the set and applied by renderers.
type Options struct {
	BoxBy              []BoxKind
	FilterIdleEdges    bool
	FilterIdleNodes    bool
	RankEnabled        bool
	RankWeights        RankWeights
	AccessibleClusters sets.Set[string]
	// Warnings found before decoration are carried into the set.
	Warnings []Warning
}

// Decorate turns a raw snapshot into an immutable decorated set. It never
// fails: malformed input is dropped and reported through Warnings.
func Decorate(raw *RawSnapshot, opts Options) *DecoratedSet {
	if raw == nil {
		raw = &RawSnapshot{}
	}
	d := &decoration{
		opts:     opts,
		set:      newSet(raw, opts),
		enabled:  map[BoxKind]bool{},
		rawBoxes: map[string]RawNode{},
		boxes:    map[string]*Node{},
	}
	d.set.warnings = append(d.set.warnings, opts.Warnings...)

	d.resolveBoxKinds()
	d.indexNodes(raw.Nodes)
	d.box()
	d.indexEdges(raw.Edges)
	d.markIdle()
	d.markAccessibility()
	if opts.RankEnabled {
		d.rank()
	}
	return d.set
}

type decoration struct {
	opts        Options
	set         *DecoratedSet
	enabled     map[BoxKind]bool
	leaves      []*Node
	rawBoxes    map[string]RawNode
	rawBoxOrder []string
	boxes       map[string]*Node
	boxList     []*Node
}

func (d *decoration) warn(code WarningCode, id, format string, args ...any) {
	d.set.warnings = append(d.set.warnings, Warning{Code: code, ElementID: id, Message: fmt.Sprintf(format, args...)})
}

func (d *decoration) resolveBoxKinds() {
	for _, kind := range d.opts.BoxBy {
		if !kind.Valid() {
			d.warn(WarnUnknownBoxKind, "", "ignoring unknown box kind %q", kind)
			continue
		}
		d.enabled[kind] = true
	}
}

func (d *decoration) indexNodes(nodes []RawNode) {
	seen := make(map[string]struct{}, len(nodes))
	for _, raw := range nodes {
		if raw.ID == "" {
			d.warn(WarnMissingID, "", "dropping node without id")
			continue
		}
		if _, dup := seen[raw.ID]; dup {
			d.warn(WarnDuplicateID, raw.ID, "duplicate node id, keeping first occurrence")
			continue
		}
		seen[raw.ID] = struct{}{}

		if raw.IsBox != "" || raw.NodeType == NodeTypeBox {
			d.indexRawBox(raw)
			continue
		}
		raw.ParentID = ""
		d.leaves = append(d.leaves, &Node{raw: raw})
	}
}

func (d *decoration) indexRawBox(raw RawNode) {
	kind := raw.IsBox
	if !d.enabled[kind] {
		d.warn(WarnDroppedBox, raw.ID, "dropping %s box, grouping not enabled", boxLabel(kind))
		return
	}
	key, ok := boxKey(kind, raw)
	if !ok {
		d.warn(WarnDroppedBox, raw.ID, "dropping %s box without a grouping key", kind)
		return
	}
	if _, exists := d.rawBoxes[key]; exists {
		d.warn(WarnDuplicateID, raw.ID, "duplicate %s box for %q", kind, key)
		return
	}
	d.rawBoxes[key] = raw
	d.rawBoxOrder = append(d.rawBoxOrder, key)
}

// box groups leaves by every enabled dimension, coarsest first, and
// nests each box under the next coarser one.
func (d *decoration) box() {
	for _, leaf := range d.leaves {
		var parent *Node
		for _, kind := range boxOrder {
			if !d.enabled[kind] {
				continue
			}
			key, ok := boxKey(kind, leaf.raw)
			if !ok {
				continue
			}
			box := d.boxFor(kind, key, leaf.raw, parent)
			if kind == BoxByApp {
				box.raw.IsOutside = box.raw.IsOutside || leaf.raw.IsOutside
				box.raw.IsOutOfMesh = box.raw.IsOutOfMesh || leaf.raw.IsOutOfMesh
			}
			parent = box
		}
		if parent != nil {
			leaf.raw.ParentID = parent.raw.ID
			leaf.parent = parent
			parent.children = append(parent.children, leaf)
		}
	}

	for _, key := range d.rawBoxOrder {
		raw := d.rawBoxes[key]
		if _, used := d.boxes[key]; !used {
			d.warn(WarnDroppedBox, raw.ID, "dropping %s box without members", raw.IsBox)
		}
	}

	for _, leaf := range d.leaves {
		d.set.addNode(leaf)
	}
	for _, box := range d.boxList {
		d.set.addNode(box)
	}
}

func (d *decoration) boxFor(kind BoxKind, key string, member RawNode, parent *Node) *Node {
	if box, ok := d.boxes[key]; ok {
		return box
	}

	raw, reused := d.rawBoxes[key]
	if !reused {
		raw = RawNode{ID: boxID(key)}
	}
	raw.NodeType = NodeTypeBox
	raw.IsBox = kind
	raw.Cluster = member.Cluster
	raw.Namespace = ""
	raw.App = ""
	switch kind {
	case BoxByNamespace:
		raw.Namespace = member.Namespace
	case BoxByApp:
		raw.Namespace = member.Namespace
		raw.App = member.App
	}
	raw.ParentID = ""

	box := &Node{raw: raw}
	if parent != nil {
		box.raw.ParentID = parent.raw.ID
		box.parent = parent
		parent.children = append(parent.children, box)
	}
	d.boxes[key] = box
	d.boxList = append(d.boxList, box)
	return box
}

func (d *decoration) indexEdges(edges []RawEdge) {
	seen := make(map[string]struct{}, len(edges))
	for _, raw := range edges {
		if raw.ID == "" {
			raw.ID = raw.SourceID + "->" + raw.TargetID + ":" + raw.Protocol
		}
		if _, dup := seen[raw.ID]; dup {
			d.warn(WarnDuplicateID, raw.ID, "duplicate edge id, keeping first occurrence")
			continue
		}
		source, sourceOK := d.set.nodeByID[raw.SourceID]
		target, targetOK := d.set.nodeByID[raw.TargetID]
		if !sourceOK || !targetOK {
			d.warn(WarnDanglingEdge, raw.ID, "dropping edge %s -> %s with a missing endpoint", raw.SourceID, raw.TargetID)
			continue
		}
		seen[raw.ID] = struct{}{}

		mtls := raw.IsMTLS
		if math.IsNaN(mtls) || mtls < 0 {
			mtls = 0
		}
		edge := &Edge{
			raw:        raw,
			source:     source,
			target:     target,
			hasTraffic: hasTraffic(raw.Rates),
			mtls:       mtls,
		}
		source.sourceEdges = append(source.sourceEdges, edge)
		target.targetEdges = append(target.targetEdges, edge)
		d.set.addEdge(edge)
	}
}

// markIdle flags leaves without any trafficked edge. Boxes are never idle.
func (d *decoration) markIdle() {
	for _, leaf := range d.leaves {
		leaf.isIdle = !anyTraffic(leaf.sourceEdges) && !anyTraffic(leaf.targetEdges)
	}
}

func (d *decoration) markAccessibility() {
	if d.opts.AccessibleClusters == nil {
		return
	}
	for _, leaf := range d.leaves {
		leaf.isInaccessible = !d.opts.AccessibleClusters.Has(leaf.raw.Cluster)
	}
}

// rank scores every leaf by inbound volume and inbound errors, each normalised
// against the snapshot maximum, then scales the combined score to [0, RankMax].
func (d *decoration) rank() {
	weights := d.opts.RankWeights
	if weights.Volume <= 0 && weights.Errors <= 0 {
		weights = DefaultRankWeights()
	}

	volumes := make([]float64, len(d.leaves))
	errs := make([]float64, len(d.leaves))
	var maxVolume, maxErrors float64
	for i, leaf := range d.leaves {
		for _, edge := range leaf.targetEdges {
			volumes[i] += edge.totalRate()
			errs[i] += edge.errorRate()
		}
		maxVolume = math.Max(maxVolume, volumes[i])
		maxErrors = math.Max(maxErrors, errs[i])
	}

	scores := make([]float64, len(d.leaves))
	var maxScore float64
	for i := range d.leaves {
		if maxVolume > 0 {
			scores[i] += math.Max(weights.Volume, 0) * volumes[i] / maxVolume
		}
		if maxErrors > 0 {
			scores[i] += math.Max(weights.Errors, 0) * errs[i] / maxErrors
		}
		maxScore = math.Max(maxScore, scores[i])
	}

	for i, leaf := range d.leaves {
		leaf.hasRank = true
		if volumes[i] == 0 || maxScore == 0 || scores[i] == 0 {
			leaf.rank = 0
			continue
		}
		r := int(math.Round(scores[i] / maxScore * RankMax))
		if r < 1 {
			r = 1
		}
		leaf.rank = r
	}
}

// boxKey returns the grouping key of node for kind, including every coarser
// dimension. Nodes whose own dimension value is empty or unknown are not boxed.
func boxKey(kind BoxKind, node RawNode) (string, bool) {
	var own string
	switch kind {
	case BoxByCluster:
		own = node.Cluster
	case BoxByNamespace:
		own = node.Namespace
	case BoxByApp:
		own = node.App
	default:
		return "", false
	}
	if own == "" || own == Unknown {
		return "", false
	}
	switch kind {
	case BoxByCluster:
		return joinKey("box", string(kind), node.Cluster), true
	case BoxByNamespace:
		return joinKey("box", string(kind), node.Cluster, node.Namespace), true
	default:
		return joinKey("box", string(kind), node.Cluster, node.Namespace, node.App), true
	}
}

// joinKey quotes each part so that values containing the separator cannot
// produce the same key for different tuples.
func joinKey(parts ...string) string {
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = strconv.Quote(part)
	}
	return strings.Join(quoted, "/")
}

// boxID derives a stable id for a synthesised box.
func boxID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func boxLabel(kind BoxKind) string {
	if kind == "" {
		return "untyped"
	}
	return string(kind)
}

func hasTraffic(rates map[string]float64) bool {
	for _, v := range rates {
		if v > 0 {
			return true
		}
	}
	return false
}

func anyTraffic(edges []*Edge) bool {
	for _, e := range edges {
		if e.hasTraffic {
			return true
		}
	}
	return false
}
