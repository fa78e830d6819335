package kube

import "strings"

// Membership describes how a namespace relates to the mesh.
type Membership string

const (
	MembershipMesh      Membership = "mesh"
	MembershipOutOfMesh Membership = "out-of-mesh"
	MembershipSystem    Membership = "system"
	MembershipExcluded  Membership = "excluded"
)

// FilterConfig describes which namespaces are graphed.
type FilterConfig struct {
	// LabelKeys mark mesh enrollment; the first present key decides.
	LabelKeys []string
	// DisabledLabelValues opt a labelled namespace out of the mesh.
	DisabledLabelValues []string
	SystemNamespaces    []string
	Include             []string
	Exclude             []string
	// MeshOnly drops namespaces that are not enrolled.
	MeshOnly bool
}

// NamespaceFilter applies the configured membership rules.
type NamespaceFilter struct {
	labelKeys      []string
	disabledValues map[string]struct{}
	system         map[string]struct{}
	include        map[string]struct{}
	exclude        map[string]struct{}
	meshOnly       bool
}

// NewNamespaceFilter builds a filter with normalized lookups.
func NewNamespaceFilter(cfg FilterConfig) *NamespaceFilter {
	labelKeys := cfg.LabelKeys
	if len(labelKeys) == 0 {
		labelKeys = []string{"istio-injection", "istio.io/rev", "istio.io/dataplane-mode"}
	}
	disabled := lowerSet(cfg.DisabledLabelValues)
	if len(disabled) == 0 {
		disabled = lowerSet([]string{"disabled", "none"})
	}
	system := cfg.SystemNamespaces
	if len(system) == 0 {
		system = []string{"kube-system", "kube-public", "kube-node-lease"}
	}
	return &NamespaceFilter{
		labelKeys:      labelKeys,
		disabledValues: disabled,
		system:         lowerSet(system),
		include:        lowerSet(cfg.Include),
		exclude:        lowerSet(cfg.Exclude),
		meshOnly:       cfg.MeshOnly,
	}
}

func lowerSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

// Classify returns the membership of the namespace. Explicit exclusion wins
// over explicit inclusion, which wins over labels.
func (f *NamespaceFilter) Classify(name string, labels map[string]string) Membership {
	lowerName := strings.ToLower(name)
	if _, ok := f.exclude[lowerName]; ok {
		return MembershipExcluded
	}
	if _, ok := f.include[lowerName]; ok {
		return MembershipMesh
	}
	if _, ok := f.system[lowerName]; ok {
		return MembershipSystem
	}
	for _, key := range f.labelKeys {
		if key == "" {
			continue
		}
		value, ok := labels[key]
		if !ok {
			continue
		}
		if _, off := f.disabledValues[strings.ToLower(value)]; off {
			return MembershipOutOfMesh
		}
		return MembershipMesh
	}
	return MembershipOutOfMesh
}

// Allowed reports whether the namespace should be graphed.
func (f *NamespaceFilter) Allowed(name string, labels map[string]string) bool {
	switch f.Classify(name, labels) {
	case MembershipMesh:
		return true
	case MembershipOutOfMesh:
		return !f.meshOnly
	default:
		return false
	}
}
