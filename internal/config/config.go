package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"meshgraph/internal/datasource"
	"meshgraph/internal/snapshot"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings of the graph service.
type Config struct {
	ClusterName            string          `yaml:"clusterName"`
	ListenAddr             string          `yaml:"listenAddr"`
	LogLevel               string          `yaml:"logLevel"`
	RefreshIntervalSeconds int             `yaml:"refreshIntervalSeconds"`
	FetchTimeoutSeconds    int             `yaml:"fetchTimeoutSeconds"`
	Backend                BackendConfig   `yaml:"backend"`
	Graph                  GraphConfig     `yaml:"graph"`
	Views                  []ViewConfig    `yaml:"views"`
	Kube                   KubeConfig      `yaml:"kube"`
	Namespaces             NamespaceConfig `yaml:"namespaces"`
	Outputs                OutputConfig    `yaml:"outputs"`
}

// BackendConfig locates the graph backend.
type BackendConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// TokenFile is read at startup when Token is empty.
	TokenFile string `yaml:"tokenFile"`
}

// GraphConfig holds the default fetch parameters of every view.
type GraphConfig struct {
	GraphType          string               `yaml:"graphType"`
	DurationSeconds    int                  `yaml:"durationSeconds"`
	BoxBy              []string             `yaml:"boxBy"`
	IncludeIdleEdges   bool                 `yaml:"includeIdleEdges"`
	IncludeIdleNodes   bool                 `yaml:"includeIdleNodes"`
	InjectServiceNodes bool                 `yaml:"injectServiceNodes"`
	Rank               bool                 `yaml:"rank"`
	RankWeights        snapshot.RankWeights `yaml:"rankWeights"`
	Appenders          []string             `yaml:"appenders"`
	TrafficRates       []string             `yaml:"trafficRates"`
	EdgeLabels         []string             `yaml:"edgeLabels"`
}

// ViewConfig declares one continuously refreshed view. Empty Namespaces are
// discovered from the cluster. Node turns the view into a drill-in graph.
type ViewConfig struct {
	Name       string      `yaml:"name"`
	Namespaces []string    `yaml:"namespaces"`
	GraphType  string      `yaml:"graphType"`
	Mesh       bool        `yaml:"mesh"`
	Node       *NodeConfig `yaml:"node"`
}

// NodeConfig selects the node a drill-in view is centred on.
type NodeConfig struct {
	Type      string `yaml:"type"`
	Cluster   string `yaml:"cluster"`
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
}

// KubeConfig configures cluster access.
type KubeConfig struct {
	Kubeconfig    string `yaml:"kubeconfig"`
	Context       string `yaml:"context"`
	ResyncSeconds int    `yaml:"resyncSeconds"`
	// RemoteContexts maps mesh cluster names to kubeconfig contexts used for
	// access reviews.
	RemoteContexts   map[string]string `yaml:"remoteContexts"`
	AccessCheck      bool              `yaml:"accessCheck"`
	AccessTTLSeconds int               `yaml:"accessTTLSeconds"`
	// AccessibleClusters are granted without a review.
	AccessibleClusters []string `yaml:"accessibleClusters"`
}

// NamespaceConfig drives namespace discovery.
type NamespaceConfig struct {
	LabelKeys           []string `yaml:"labelKeys"`
	DisabledLabelValues []string `yaml:"disabledLabelValues"`
	SystemNamespaces    []string `yaml:"systemNamespaces"`
	Include             []string `yaml:"include"`
	Exclude             []string `yaml:"exclude"`
	MeshOnly            bool     `yaml:"meshOnly"`
}

// OutputConfig enables snapshot sinks. Empty targets are disabled.
type OutputConfig struct {
	QueueSize    int           `yaml:"queueSize"`
	SnapshotFile string        `yaml:"snapshotFile"`
	Redis        RedisConfig   `yaml:"redis"`
	Webhook      WebhookConfig `yaml:"webhook"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	KeyPrefix  string `yaml:"keyPrefix"`
	Channel    string `yaml:"channel"`
	TTLSeconds int    `yaml:"ttlSeconds"`
}

type WebhookConfig struct {
	URL            string            `yaml:"url"`
	TimeoutSeconds int               `yaml:"timeoutSeconds"`
	Headers        map[string]string `yaml:"headers"`
}

// DefaultConfig returns sane defaults for the service.
func DefaultConfig() Config {
	return Config{
		ClusterName:            "",
		ListenAddr:             ":8080",
		LogLevel:               "info",
		RefreshIntervalSeconds: 30,
		FetchTimeoutSeconds:    30,
		Backend: BackendConfig{
			URL: "http://kiali.istio-system:20001/kiali",
		},
		Graph: GraphConfig{
			GraphType:          string(datasource.GraphTypeVersionedApp),
			DurationSeconds:    60,
			InjectServiceNodes: true,
			RankWeights:        snapshot.DefaultRankWeights(),
		},
		Views: []ViewConfig{{Name: "namespaces"}},
		Kube: KubeConfig{
			ResyncSeconds:    300,
			AccessTTLSeconds: 60,
		},
		Namespaces: NamespaceConfig{
			LabelKeys:           []string{"istio-injection", "istio.io/rev", "istio.io/dataplane-mode"},
			DisabledLabelValues: []string{"disabled", "none"},
			SystemNamespaces:    []string{"kube-system", "kube-public", "kube-node-lease"},
		},
		Outputs: OutputConfig{
			QueueSize: 16,
		},
	}
}

// RefreshInterval returns the configured interval in duration units.
func (c Config) RefreshInterval() time.Duration {
	if c.RefreshIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// FetchTimeout bounds one backend call. Zero disables the bound.
func (c Config) FetchTimeout() time.Duration {
	return seconds(c.FetchTimeoutSeconds)
}

// Duration is the traffic window of every graph.
func (g GraphConfig) Duration() time.Duration {
	return seconds(g.DurationSeconds)
}

func (k KubeConfig) Resync() time.Duration    { return seconds(k.ResyncSeconds) }
func (k KubeConfig) AccessTTL() time.Duration { return seconds(k.AccessTTLSeconds) }

func (r RedisConfig) TTL() time.Duration { return seconds(r.TTLSeconds) }

func (w WebhookConfig) Timeout() time.Duration { return seconds(w.TimeoutSeconds) }

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// Load builds the configuration by merging defaults, file, environment, and
// flags, in increasing order of precedence.
func Load() (Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (Config, error) {
	// First pass only finds the config file; flags are applied again last so
	// they override file and environment.
	firstPass := DefaultConfig()
	configFile := envOrDefault("MESHGRAPH_CONFIG_FILE", "")
	if err := newFlagSet(&firstPass, &configFile).Parse(args); err != nil { // flag set already prints errors
		return Config{}, err
	}

	cfg := DefaultConfig()
	if configFile != "" {
		if err := loadFromFile(configFile, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := newFlagSet(&cfg, &configFile).Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if cfg.RefreshIntervalSeconds < 5 {
		cfg.RefreshIntervalSeconds = 5
	}
	return cfg, nil
}

func newFlagSet(cfg *Config, configFile *string) *flag.FlagSet {
	fs := flag.NewFlagSet("meshgraph", flag.ContinueOnError)
	fs.StringVar(configFile, "config", *configFile, "Path to YAML config file")
	fs.StringVar(&cfg.ClusterName, "cluster-name", cfg.ClusterName, "Mesh cluster name (detected when empty)")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.IntVar(&cfg.RefreshIntervalSeconds, "refresh-interval", cfg.RefreshIntervalSeconds, "Refresh interval in seconds")
	fs.IntVar(&cfg.FetchTimeoutSeconds, "fetch-timeout", cfg.FetchTimeoutSeconds, "Backend call timeout in seconds (0 disables)")
	fs.StringVar(&cfg.Backend.URL, "backend-url", cfg.Backend.URL, "Graph backend base URL")
	fs.StringVar(&cfg.Graph.GraphType, "graph-type", cfg.Graph.GraphType, "Default graph type (app, service, versionedApp, workload)")
	fs.IntVar(&cfg.Graph.DurationSeconds, "duration", cfg.Graph.DurationSeconds, "Traffic window in seconds")
	fs.BoolVar(&cfg.Graph.Rank, "rank", cfg.Graph.Rank, "Rank nodes by inbound traffic")
	fs.StringVar(&cfg.Kube.Kubeconfig, "kubeconfig", cfg.Kube.Kubeconfig, "Path to kubeconfig (optional)")
	fs.StringVar(&cfg.Kube.Context, "kube-context", cfg.Kube.Context, "Kubeconfig context (optional)")
	fs.StringVar(&cfg.Outputs.SnapshotFile, "snapshot-file", cfg.Outputs.SnapshotFile, "Append rendered snapshots to this JSON lines file")
	return fs
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Backend.URL) == "" {
		return errors.New("backend url is required")
	}
	if err := validGraphType(c.Graph.GraphType); err != nil {
		return err
	}
	for _, kind := range c.Graph.BoxBy {
		if !snapshot.BoxKind(kind).Valid() {
			return fmt.Errorf("unknown boxBy value %q", kind)
		}
	}
	for _, rate := range c.Graph.TrafficRates {
		if !datasource.TrafficRate(rate).Known() {
			return fmt.Errorf("unknown traffic rate %q", rate)
		}
	}
	for _, label := range c.Graph.EdgeLabels {
		if !datasource.EdgeLabel(label).Known() {
			return fmt.Errorf("unknown edge label %q", label)
		}
	}
	if c.Graph.DurationSeconds <= 0 {
		return errors.New("graph duration must be positive")
	}
	if c.Graph.RankWeights.Volume < 0 || c.Graph.RankWeights.Errors < 0 {
		return errors.New("rank weights must be non-negative")
	}
	if c.FetchTimeoutSeconds < 0 {
		return errors.New("fetch timeout must be non-negative")
	}
	if len(c.Views) == 0 {
		return errors.New("at least one view is required")
	}
	seen := map[string]struct{}{}
	for _, v := range c.Views {
		if v.Name == "" {
			return errors.New("view name is required")
		}
		if _, dup := seen[v.Name]; dup {
			return fmt.Errorf("duplicate view %q", v.Name)
		}
		seen[v.Name] = struct{}{}
		if v.GraphType != "" {
			if err := validGraphType(v.GraphType); err != nil {
				return fmt.Errorf("view %s: %w", v.Name, err)
			}
		}
		if v.Node != nil && v.Mesh {
			return fmt.Errorf("view %s: a mesh view cannot be a drill-in", v.Name)
		}
		if v.Node != nil && (v.Node.Namespace == "" || v.Node.Name == "") {
			return fmt.Errorf("view %s: drill-in node needs a namespace and a name", v.Name)
		}
		if _, err := c.ViewParams(v); err != nil {
			return fmt.Errorf("view %s: %w", v.Name, err)
		}
	}
	return nil
}

// ViewParams builds the fetch template of a view from the graph defaults.
// Namespaces stay empty when the view discovers them.
func (c Config) ViewParams(v ViewConfig) (datasource.FetchParams, error) {
	g := c.Graph
	if v.Node != nil {
		var p datasource.FetchParams
		n := v.Node
		switch snapshot.NodeType(n.Type) {
		case snapshot.NodeTypeApp:
			if n.Version != "" {
				p = datasource.ParamsForVersionedApp(g.Duration(), n.Namespace, n.Name, n.Version, n.Cluster)
			} else {
				p = datasource.ParamsForApp(g.Duration(), n.Namespace, n.Name, n.Cluster)
			}
		case snapshot.NodeTypeWorkload:
			p = datasource.ParamsForWorkload(g.Duration(), n.Namespace, n.Name, n.Cluster)
		case snapshot.NodeTypeService:
			p = datasource.ParamsForService(g.Duration(), n.Namespace, n.Name, n.Cluster)
		default:
			return datasource.FetchParams{}, fmt.Errorf("unsupported drill-in node type %q", n.Type)
		}
		p.Rank = g.Rank
		p.Appenders = append([]string(nil), g.Appenders...)
		g.applySelectors(&p)
		return p, nil
	}

	graphType := g.GraphType
	if v.GraphType != "" {
		graphType = v.GraphType
	}
	p := datasource.FetchParams{
		Namespaces:         append([]string(nil), v.Namespaces...),
		GraphType:          datasource.GraphType(graphType),
		Duration:           g.Duration(),
		IncludeIdleEdges:   g.IncludeIdleEdges,
		IncludeIdleNodes:   g.IncludeIdleNodes,
		InjectServiceNodes: g.InjectServiceNodes,
		Rank:               g.Rank,
		Appenders:          append([]string(nil), g.Appenders...),
	}
	for _, kind := range g.BoxBy {
		p.BoxBy = append(p.BoxBy, snapshot.BoxKind(kind))
	}
	g.applySelectors(&p)
	return p, nil
}

func (g GraphConfig) applySelectors(p *datasource.FetchParams) {
	for _, rate := range g.TrafficRates {
		p.TrafficRates = append(p.TrafficRates, datasource.TrafficRate(rate))
	}
	for _, label := range g.EdgeLabels {
		p.EdgeLabels = append(p.EdgeLabels, datasource.EdgeLabel(label))
	}
}

func validGraphType(s string) error {
	switch datasource.GraphType(s) {
	case datasource.GraphTypeApp, datasource.GraphTypeService, datasource.GraphTypeVersionedApp, datasource.GraphTypeWorkload:
		return nil
	}
	return fmt.Errorf("unknown graph type %q", s)
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path provided by the operator
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	type fileConfig Config
	var fileCfg fileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	mergeConfigs(cfg, Config(fileCfg))
	return nil
}

// mergeConfigs copies every non-zero field of override. Booleans can only be
// switched on from a file.
func mergeConfigs(base *Config, override Config) {
	if override.ClusterName != "" {
		base.ClusterName = override.ClusterName
	}
	if override.ListenAddr != "" {
		base.ListenAddr = override.ListenAddr
	}
	if override.LogLevel != "" {
		base.LogLevel = override.LogLevel
	}
	if override.RefreshIntervalSeconds != 0 {
		base.RefreshIntervalSeconds = override.RefreshIntervalSeconds
	}
	if override.FetchTimeoutSeconds != 0 {
		base.FetchTimeoutSeconds = override.FetchTimeoutSeconds
	}
	if override.Backend.URL != "" {
		base.Backend.URL = override.Backend.URL
	}
	if override.Backend.Token != "" {
		base.Backend.Token = override.Backend.Token
	}
	if override.Backend.TokenFile != "" {
		base.Backend.TokenFile = override.Backend.TokenFile
	}
	mergeGraphConfig(&base.Graph, override.Graph)
	if len(override.Views) > 0 {
		base.Views = append([]ViewConfig{}, override.Views...)
	}
	mergeKubeConfig(&base.Kube, override.Kube)
	mergeNamespaceConfig(&base.Namespaces, override.Namespaces)
	mergeOutputConfig(&base.Outputs, override.Outputs)
}

func mergeGraphConfig(base *GraphConfig, override GraphConfig) {
	if override.GraphType != "" {
		base.GraphType = override.GraphType
	}
	if override.DurationSeconds != 0 {
		base.DurationSeconds = override.DurationSeconds
	}
	if len(override.BoxBy) > 0 {
		base.BoxBy = append([]string{}, override.BoxBy...)
	}
	base.IncludeIdleEdges = base.IncludeIdleEdges || override.IncludeIdleEdges
	base.IncludeIdleNodes = base.IncludeIdleNodes || override.IncludeIdleNodes
	base.InjectServiceNodes = base.InjectServiceNodes || override.InjectServiceNodes
	base.Rank = base.Rank || override.Rank
	if override.RankWeights != (snapshot.RankWeights{}) {
		base.RankWeights = override.RankWeights
	}
	if len(override.Appenders) > 0 {
		base.Appenders = append([]string{}, override.Appenders...)
	}
	if len(override.TrafficRates) > 0 {
		base.TrafficRates = append([]string{}, override.TrafficRates...)
	}
	if len(override.EdgeLabels) > 0 {
		base.EdgeLabels = append([]string{}, override.EdgeLabels...)
	}
}

func mergeKubeConfig(base *KubeConfig, override KubeConfig) {
	if override.Kubeconfig != "" {
		base.Kubeconfig = override.Kubeconfig
	}
	if override.Context != "" {
		base.Context = override.Context
	}
	if override.ResyncSeconds != 0 {
		base.ResyncSeconds = override.ResyncSeconds
	}
	if override.RemoteContexts != nil {
		if base.RemoteContexts == nil {
			base.RemoteContexts = map[string]string{}
		}
		for cluster, kubeContext := range override.RemoteContexts {
			base.RemoteContexts[cluster] = kubeContext
		}
	}
	base.AccessCheck = base.AccessCheck || override.AccessCheck
	if override.AccessTTLSeconds != 0 {
		base.AccessTTLSeconds = override.AccessTTLSeconds
	}
	if len(override.AccessibleClusters) > 0 {
		base.AccessibleClusters = append([]string{}, override.AccessibleClusters...)
	}
}

func mergeNamespaceConfig(base *NamespaceConfig, override NamespaceConfig) {
	if len(override.LabelKeys) > 0 {
		base.LabelKeys = append([]string{}, override.LabelKeys...)
	}
	if len(override.DisabledLabelValues) > 0 {
		base.DisabledLabelValues = append([]string{}, override.DisabledLabelValues...)
	}
	if len(override.SystemNamespaces) > 0 {
		base.SystemNamespaces = append([]string{}, override.SystemNamespaces...)
	}
	if len(override.Include) > 0 {
		base.Include = append([]string{}, override.Include...)
	}
	if len(override.Exclude) > 0 {
		base.Exclude = append([]string{}, override.Exclude...)
	}
	base.MeshOnly = base.MeshOnly || override.MeshOnly
}

func mergeOutputConfig(base *OutputConfig, override OutputConfig) {
	if override.QueueSize != 0 {
		base.QueueSize = override.QueueSize
	}
	if override.SnapshotFile != "" {
		base.SnapshotFile = override.SnapshotFile
	}
	if override.Redis != (RedisConfig{}) {
		base.Redis = override.Redis
	}
	if override.Webhook.URL != "" {
		base.Webhook = override.Webhook
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("MESHGRAPH_CLUSTER_NAME"); v != "" {
		cfg.ClusterName = v
	}
	if v := os.Getenv("MESHGRAPH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MESHGRAPH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MESHGRAPH_REFRESH_INTERVAL"); v != "" {
		if iv, err := strconv.Atoi(v); err == nil {
			cfg.RefreshIntervalSeconds = iv
		}
	}
	if v := os.Getenv("MESHGRAPH_FETCH_TIMEOUT"); v != "" {
		if iv, err := strconv.Atoi(v); err == nil {
			cfg.FetchTimeoutSeconds = iv
		}
	}
	if v := os.Getenv("MESHGRAPH_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("MESHGRAPH_BACKEND_TOKEN"); v != "" {
		cfg.Backend.Token = v
	}
	if v := os.Getenv("MESHGRAPH_GRAPH_TYPE"); v != "" {
		cfg.Graph.GraphType = v
	}
	if v := os.Getenv("MESHGRAPH_BOX_BY"); v != "" {
		cfg.Graph.BoxBy = splitList(v)
	}
	if v := os.Getenv("MESHGRAPH_KUBECONFIG"); v != "" {
		cfg.Kube.Kubeconfig = v
	}
	if v := os.Getenv("MESHGRAPH_KUBE_CONTEXT"); v != "" {
		cfg.Kube.Context = v
	}
	if v := os.Getenv("MESHGRAPH_REMOTE_CONTEXTS"); v != "" {
		parsed, err := parseStringMap(v)
		if err != nil {
			return fmt.Errorf("MESHGRAPH_REMOTE_CONTEXTS: %w", err)
		}
		cfg.Kube.RemoteContexts = parsed
	}
	if v := os.Getenv("MESHGRAPH_SNAPSHOT_FILE"); v != "" {
		cfg.Outputs.SnapshotFile = v
	}
	if v := os.Getenv("MESHGRAPH_REDIS_ADDR"); v != "" {
		cfg.Outputs.Redis.Addr = v
	}
	if v := os.Getenv("MESHGRAPH_REDIS_PASSWORD"); v != "" {
		cfg.Outputs.Redis.Password = v
	}
	if v := os.Getenv("MESHGRAPH_WEBHOOK_URL"); v != "" {
		cfg.Outputs.Webhook.URL = v
	}
	if v := os.Getenv("MESHGRAPH_WEBHOOK_HEADERS"); v != "" {
		parsed, err := parseStringMap(v)
		if err != nil {
			return fmt.Errorf("MESHGRAPH_WEBHOOK_HEADERS: %w", err)
		}
		cfg.Outputs.Webhook.Headers = parsed
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseStringMap(raw string) (map[string]string, error) {
	var parsed map[string]string
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}
