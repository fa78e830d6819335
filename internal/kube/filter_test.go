package kube

import "testing"

func TestNamespaceFilter(t *testing.T) {
	filter := NewNamespaceFilter(FilterConfig{
		LabelKeys:           []string{"istio-injection", "istio.io/rev"},
		DisabledLabelValues: []string{"disabled"},
		SystemNamespaces:    []string{"kube-system", "monitoring"},
		Include:             []string{"Legacy"},
		Exclude:             []string{"scratch"},
		MeshOnly:            true,
	})

	tests := []struct {
		name        string
		ns          string
		labels      map[string]string
		wantMember  Membership
		wantAllowed bool
	}{
		{
			name:        "injection label enrolls namespace",
			ns:          "bookinfo",
			labels:      map[string]string{"istio-injection": "enabled"},
			wantMember:  MembershipMesh,
			wantAllowed: true,
		},
		{
			name:        "revision label enrolls namespace",
			ns:          "payments",
			labels:      map[string]string{"istio.io/rev": "canary"},
			wantMember:  MembershipMesh,
			wantAllowed: true,
		},
		{
			name:       "disabled value opts out",
			ns:         "batch",
			labels:     map[string]string{"istio-injection": "Disabled"},
			wantMember: MembershipOutOfMesh,
		},
		{
			name:       "system namespace recognized",
			ns:         "kube-system",
			labels:     map[string]string{"istio-injection": "enabled"},
			wantMember: MembershipSystem,
		},
		{
			name:        "explicit include ignores labels",
			ns:          "legacy",
			wantMember:  MembershipMesh,
			wantAllowed: true,
		},
		{
			name:       "explicit exclude wins",
			ns:         "scratch",
			labels:     map[string]string{"istio-injection": "enabled"},
			wantMember: MembershipExcluded,
		},
		{
			name:       "unlabelled namespace is out of mesh",
			ns:         "default",
			wantMember: MembershipOutOfMesh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := filter.Classify(tt.ns, tt.labels); got != tt.wantMember {
				t.Fatalf("Classify(%q)=%q want %q", tt.ns, got, tt.wantMember)
			}
			if got := filter.Allowed(tt.ns, tt.labels); got != tt.wantAllowed {
				t.Fatalf("Allowed(%q)=%v want %v", tt.ns, got, tt.wantAllowed)
			}
		})
	}
}

func TestNamespaceFilterDefaultsKeepOutOfMesh(t *testing.T) {
	filter := NewNamespaceFilter(FilterConfig{})
	if !filter.Allowed("default", nil) {
		t.Fatalf("out-of-mesh namespaces are graphed unless MeshOnly is set")
	}
	if filter.Allowed("kube-system", nil) {
		t.Fatalf("system namespaces are never graphed")
	}
	if got := filter.Classify("bookinfo", map[string]string{"istio.io/dataplane-mode": "ambient"}); got != MembershipMesh {
		t.Fatalf("ambient namespace should be in the mesh, got %q", got)
	}
}
