// Package collector fetches raw graph snapshots from the mesh console backend.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"meshgraph/internal/datasource"
	"meshgraph/internal/snapshot"
	"meshgraph/internal/version"
)

// ErrUnexpectedStatus is returned when the backend answers with a non-200 status.
var ErrUnexpectedStatus = errors.New("unexpected status")

// defaultAppenders are requested when the caller does not name any.
var defaultAppenders = []string{"deadNode", "istio", "serviceEntry", "meshCheck", "workloadEntry", "health"}

const maxErrorBody = 64 << 10

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Doer    httpDoer
	Logger  *slog.Logger
}

// Client retrieves graph snapshots over the backend REST API.
type Client struct {
	base   *url.URL
	token  string
	http   httpDoer
	logger *slog.Logger
}

// NewClient returns a client for the backend at opts.BaseURL.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("backend url is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q must be http or https", opts.BaseURL)
	}
	doer := opts.Doer
	if doer == nil {
		doer = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{base: base, token: opts.Token, http: doer, logger: logger}, nil
}

// FetchSnapshot retrieves the namespace graph, or the drill-in graph when
// params name a node.
func (c *Client) FetchSnapshot(ctx context.Context, params datasource.FetchParams) (*snapshot.RawSnapshot, error) {
	endpoint, query := c.graphRequest(params)
	return c.get(ctx, endpoint, query)
}

// MeshFetcher returns a fetcher for the mesh topology graph.
func (c *Client) MeshFetcher() datasource.FetcherFunc {
	return func(ctx context.Context, params datasource.FetchParams) (*snapshot.RawSnapshot, error) {
		query := url.Values{}
		if len(params.Namespaces) > 0 {
			query.Set("namespaces", strings.Join(params.Namespaces, ","))
		}
		if !params.QueryTime.IsZero() {
			query.Set("queryTime", strconv.FormatInt(params.QueryTime.Unix(), 10))
		}
		return c.get(ctx, c.base.JoinPath("api", "mesh", "graph"), query)
	}
}

func (c *Client) graphRequest(params datasource.FetchParams) (*url.URL, url.Values) {
	query := url.Values{}
	query.Set("duration", fmt.Sprintf("%ds", int64(params.Duration/time.Second)))
	query.Set("graphType", string(params.GraphType))
	query.Set("includeIdleEdges", strconv.FormatBool(params.IncludeIdleEdges))
	query.Set("injectServiceNodes", strconv.FormatBool(params.InjectServiceNodes))
	setTrafficRates(query, params.TrafficRates)
	setEdgeLabels(query, params.EdgeLabels)

	if kinds := params.BoxKinds(); len(kinds) > 0 {
		names := make([]string, 0, len(kinds))
		for _, kind := range kinds {
			names = append(names, string(kind))
		}
		query.Set("boxBy", strings.Join(names, ","))
	}
	if !params.QueryTime.IsZero() {
		query.Set("queryTime", strconv.FormatInt(params.QueryTime.Unix(), 10))
	}
	query.Set("appenders", strings.Join(appenders(params), ","))

	if params.Node != nil {
		if endpoint, ok := c.nodeEndpoint(params.Node); ok {
			if params.Node.Cluster != "" {
				query.Set("clusterName", params.Node.Cluster)
			}
			return endpoint, query
		}
		query.Set("namespaces", params.Node.Namespace)
		return c.base.JoinPath("api", "namespaces", "graph"), query
	}
	query.Set("namespaces", strings.Join(params.Namespaces, ","))
	return c.base.JoinPath("api", "namespaces", "graph"), query
}

func (c *Client) nodeEndpoint(node *datasource.NodeParams) (*url.URL, bool) {
	ns := c.base.JoinPath("api", "namespaces", node.Namespace)
	switch node.NodeType {
	case snapshot.NodeTypeAggregate:
		if node.Service != "" {
			return ns.JoinPath("aggregates", node.Aggregate, node.AggregateValue, node.Service, "graph"), true
		}
		return ns.JoinPath("aggregates", node.Aggregate, node.AggregateValue, "graph"), true
	case snapshot.NodeTypeApp, snapshot.NodeTypeBox:
		if node.Version != "" && node.Version != snapshot.Unknown {
			return ns.JoinPath("applications", node.App, "versions", node.Version, "graph"), true
		}
		return ns.JoinPath("applications", node.App, "graph"), true
	case snapshot.NodeTypeService:
		return ns.JoinPath("services", node.Service, "graph"), true
	case snapshot.NodeTypeWorkload:
		return ns.JoinPath("workloads", node.Workload, "graph"), true
	}
	return nil, false
}

// setTrafficRates selects one rate per protocol. Protocols without a
// selected rate are not reported.
func setTrafficRates(query url.Values, rates []datasource.TrafficRate) {
	if len(rates) == 0 {
		rates = datasource.DefaultTrafficRates
	}
	grpcRate, httpRate, tcpRate := "none", "none", "none"
	for _, rate := range rates {
		switch rate {
		case datasource.RateGRPCReceived:
			grpcRate = "received"
		case datasource.RateGRPCRequest:
			grpcRate = "requests"
		case datasource.RateGRPCSent:
			grpcRate = "sent"
		case datasource.RateGRPCTotal:
			grpcRate = "total"
		case datasource.RateHTTPRequest:
			httpRate = "requests"
		case datasource.RateTCPReceived:
			tcpRate = "received"
		case datasource.RateTCPSent:
			tcpRate = "sent"
		case datasource.RateTCPTotal:
			tcpRate = "total"
		}
	}
	query.Set("rateGrpc", grpcRate)
	query.Set("rateHttp", httpRate)
	query.Set("rateTcp", tcpRate)
}

func setEdgeLabels(query url.Values, labels []datasource.EdgeLabel) {
	for _, label := range labels {
		switch label {
		case datasource.EdgeLabelResponseTimeAvg:
			query.Set("responseTime", "avg")
		case datasource.EdgeLabelResponseTimeP50:
			query.Set("responseTime", "50")
		case datasource.EdgeLabelResponseTimeP95:
			query.Set("responseTime", "95")
		case datasource.EdgeLabelResponseTimeP99:
			query.Set("responseTime", "99")
		case datasource.EdgeLabelThroughputRequest:
			query.Set("throughputType", "request")
		case datasource.EdgeLabelThroughputResponse:
			query.Set("throughputType", "response")
		}
	}
}

// appenders keeps caller-provided appenders and adds the ones edge labels
// need. The idle node appender only applies to namespace graphs.
func appenders(params datasource.FetchParams) []string {
	var out []string
	if len(params.Appenders) > 0 {
		out = append(out, params.Appenders...)
	} else {
		out = append(out, defaultAppenders...)
		if params.Node == nil && params.IncludeIdleNodes {
			out = append(out, "idleNode")
		}
	}
	for _, label := range params.EdgeLabels {
		var appender string
		switch label {
		case datasource.EdgeLabelResponseTimeAvg, datasource.EdgeLabelResponseTimeP50,
			datasource.EdgeLabelResponseTimeP95, datasource.EdgeLabelResponseTimeP99:
			appender = "responseTime"
		case datasource.EdgeLabelThroughputRequest, datasource.EdgeLabelThroughputResponse:
			appender = "throughput"
		}
		if appender != "" && !slices.Contains(out, appender) {
			out = append(out, appender)
		}
	}
	return out
}

func (c *Client) get(ctx context.Context, endpoint *url.URL, query url.Values) (*snapshot.RawSnapshot, error) {
	endpoint.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", endpoint.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", endpoint.Path, err)
	}
	raw, err := decodeGraph(body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("graph received",
		slog.String("path", endpoint.Path),
		slog.Int("nodes", len(raw.Nodes)),
		slog.Int("edges", len(raw.Edges)),
	)
	return raw, nil
}

// statusError builds an error from the backend's {"error": "..."} body when
// present, falling back to the status text.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	message := http.StatusText(resp.StatusCode)
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		message = payload.Error
	} else if text := strings.TrimSpace(string(body)); text != "" {
		message = text
	}
	return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, message)
}
