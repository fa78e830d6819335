package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meshgraph/internal/datasource"
	"meshgraph/internal/snapshot"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshgraph.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MESHGRAPH_CONFIG_FILE", "")
	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Fatalf("defaults changed by load (-want +got):\n%s", diff)
	}
	if cfg.RefreshInterval() != 30*time.Second || cfg.FetchTimeout() != 30*time.Second {
		t.Fatalf("unexpected durations %s %s", cfg.RefreshInterval(), cfg.FetchTimeout())
	}
	if cfg.Graph.Duration() != time.Minute {
		t.Fatalf("unexpected graph duration %s", cfg.Graph.Duration())
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, `
listenAddr: ":9000"
logLevel: debug
backend:
  url: http://file.example/kiali
graph:
  graphType: workload
  boxBy: [cluster, namespace]
  rank: true
  rankWeights:
    volume: 2
    errors: 0.5
views:
  - name: bookinfo
    namespaces: [bookinfo]
  - name: mesh
    mesh: true
  - name: reviews
    node:
      type: app
      namespace: bookinfo
      name: reviews
      version: v2
kube:
  remoteContexts:
    west: west-admin
  accessCheck: true
outputs:
  redis:
    addr: redis:6379
    ttlSeconds: 600
`)
	t.Setenv("MESHGRAPH_CONFIG_FILE", path)
	t.Setenv("MESHGRAPH_LOG_LEVEL", "warn")
	t.Setenv("MESHGRAPH_BACKEND_URL", "http://env.example/kiali")
	t.Setenv("MESHGRAPH_WEBHOOK_HEADERS", `{"Authorization":"Bearer x"}`)

	cfg, err := load([]string{"-backend-url", "http://flag.example/kiali", "-refresh-interval", "2"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != ":9000" {
		t.Fatalf("file value lost: %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("env must override file, got %q", cfg.LogLevel)
	}
	if cfg.Backend.URL != "http://flag.example/kiali" {
		t.Fatalf("flag must override env, got %q", cfg.Backend.URL)
	}
	if cfg.RefreshIntervalSeconds != 5 {
		t.Fatalf("refresh interval must be clamped, got %d", cfg.RefreshIntervalSeconds)
	}
	if diff := cmp.Diff([]string{"cluster", "namespace"}, cfg.Graph.BoxBy); diff != "" {
		t.Fatalf("boxBy mismatch (-want +got):\n%s", diff)
	}
	if cfg.Graph.RankWeights != (snapshot.RankWeights{Volume: 2, Errors: 0.5}) || !cfg.Graph.Rank {
		t.Fatalf("rank settings lost: %+v", cfg.Graph)
	}
	if !cfg.Graph.InjectServiceNodes {
		t.Fatalf("default injectServiceNodes must survive a file without it")
	}
	if len(cfg.Views) != 3 || !cfg.Views[1].Mesh || cfg.Views[2].Node.Version != "v2" {
		t.Fatalf("views not loaded: %+v", cfg.Views)
	}
	if cfg.Kube.RemoteContexts["west"] != "west-admin" || !cfg.Kube.AccessCheck {
		t.Fatalf("kube settings lost: %+v", cfg.Kube)
	}
	if cfg.Outputs.Redis.Addr != "redis:6379" || cfg.Outputs.Redis.TTL() != 10*time.Minute {
		t.Fatalf("redis settings lost: %+v", cfg.Outputs.Redis)
	}
	if cfg.Outputs.Webhook.Headers["Authorization"] != "Bearer x" {
		t.Fatalf("webhook headers from env lost: %+v", cfg.Outputs.Webhook)
	}
}

func TestLoadValidation(t *testing.T) {
	for name, tc := range map[string]struct {
		file string
		want string
	}{
		"graph type": {
			file: "graph:\n  graphType: pods\n",
			want: "unknown graph type",
		},
		"box kind": {
			file: "graph:\n  boxBy: [zone]\n",
			want: "unknown boxBy",
		},
		"duplicate view": {
			file: "views:\n  - name: a\n  - name: a\n",
			want: "duplicate view",
		},
		"mesh drill-in": {
			file: "views:\n  - name: a\n    mesh: true\n    node: {type: app, namespace: ns, name: x}\n",
			want: "cannot be a drill-in",
		},
		"incomplete node": {
			file: "views:\n  - name: a\n    node: {type: app, name: x}\n",
			want: "needs a namespace",
		},
		"negative weights": {
			file: "graph:\n  rankWeights: {volume: -1, errors: 1}\n",
			want: "non-negative",
		},
		"traffic rate": {
			file: "graph:\n  trafficRates: [httpSent]\n",
			want: "unknown traffic rate",
		},
		"edge label": {
			file: "graph:\n  edgeLabels: [rt90]\n",
			want: "unknown edge label",
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv("MESHGRAPH_CONFIG_FILE", writeFile(t, tc.file))
			_, err := load(nil)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadRejectsMalformedEnvMap(t *testing.T) {
	t.Setenv("MESHGRAPH_CONFIG_FILE", "")
	t.Setenv("MESHGRAPH_REMOTE_CONTEXTS", "west=admin")
	if _, err := load(nil); err == nil || !strings.Contains(err.Error(), "MESHGRAPH_REMOTE_CONTEXTS") {
		t.Fatalf("expected env parse error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("MESHGRAPH_CONFIG_FILE", "")
	if _, err := load([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestViewParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Graph.BoxBy = []string{"namespace"}
	cfg.Graph.Rank = true
	cfg.Graph.TrafficRates = []string{"httpRequest", "tcpTotal"}
	cfg.Graph.EdgeLabels = []string{"rt99"}

	p, err := cfg.ViewParams(ViewConfig{Name: "shop", Namespaces: []string{"shop"}, GraphType: "workload"})
	if err != nil {
		t.Fatalf("view params: %v", err)
	}
	if diff := cmp.Diff([]datasource.TrafficRate{datasource.RateHTTPRequest, datasource.RateTCPTotal}, p.TrafficRates); diff != "" {
		t.Fatalf("traffic rates mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]datasource.EdgeLabel{datasource.EdgeLabelResponseTimeP99}, p.EdgeLabels); diff != "" {
		t.Fatalf("edge labels mismatch (-want +got):\n%s", diff)
	}
	if p.GraphType != "workload" || p.Duration != time.Minute || !p.Rank || !p.InjectServiceNodes {
		t.Fatalf("unexpected namespace params %+v", p)
	}
	if diff := cmp.Diff([]snapshot.BoxKind{snapshot.BoxByNamespace}, p.BoxBy); diff != "" {
		t.Fatalf("boxBy mismatch (-want +got):\n%s", diff)
	}

	for name, tc := range map[string]struct {
		node      NodeConfig
		graphType string
		version   string
	}{
		"app":           {node: NodeConfig{Type: "app", Namespace: "bookinfo", Name: "reviews"}, graphType: "app"},
		"versioned app": {node: NodeConfig{Type: "app", Namespace: "bookinfo", Name: "reviews", Version: "v2"}, graphType: "versionedApp", version: "v2"},
		"workload":      {node: NodeConfig{Type: "workload", Namespace: "bookinfo", Name: "reviews-v1"}, graphType: "workload"},
		"service":       {node: NodeConfig{Type: "service", Namespace: "bookinfo", Name: "reviews"}, graphType: "workload"},
	} {
		t.Run(name, func(t *testing.T) {
			node := tc.node
			p, err := cfg.ViewParams(ViewConfig{Name: name, Node: &node})
			if err != nil {
				t.Fatalf("view params: %v", err)
			}
			if string(p.GraphType) != tc.graphType || p.Node == nil || p.Node.Version != tc.version {
				t.Fatalf("unexpected drill-in params %+v", p)
			}
			if diff := cmp.Diff([]string{"bookinfo"}, p.Namespaces); diff != "" {
				t.Fatalf("namespaces mismatch (-want +got):\n%s", diff)
			}
			if len(p.EdgeLabels) != 1 || len(p.TrafficRates) != 2 {
				t.Fatalf("drill-in views must carry the graph selectors: %+v", p)
			}
		})
	}

	if _, err := cfg.ViewParams(ViewConfig{Name: "x", Node: &NodeConfig{Type: "box", Namespace: "a", Name: "b"}}); err == nil {
		t.Fatalf("box drill-in must be rejected")
	}
}
