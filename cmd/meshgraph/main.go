package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meshgraph/internal/api"
	"meshgraph/internal/collector"
	"meshgraph/internal/config"
	"meshgraph/internal/datasource"
	"meshgraph/internal/exporter"
	"meshgraph/internal/kube"
	"meshgraph/internal/logging"
	"meshgraph/internal/output"
	"meshgraph/internal/output/snapshothttp"
	"meshgraph/internal/output/snapshotjson"
	"meshgraph/internal/output/snapshotredis"
	"meshgraph/internal/refresh"
	"meshgraph/internal/version"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.New(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("meshgraph stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	kubeClient, err := kube.NewClient(cfg.ClusterName, cfg.Kube.Kubeconfig, cfg.Kube.Context)
	if err != nil {
		return fmt.Errorf("create kube client: %w", err)
	}

	clusterName := cfg.ClusterName
	if clusterName == "" {
		detectCtx, cancelDetect := context.WithTimeout(ctx, 10*time.Second)
		detected, err := kube.DetectClusterName(detectCtx, kubeClient.Kubernetes)
		cancelDetect()
		switch {
		case err != nil:
			logger.Warn("failed to detect cluster name", slog.String("error", err.Error()))
		case detected != "":
			clusterName = detected
			logger.Info("detected cluster name", slog.String("clusterName", detected))
		}
		if clusterName == "" {
			clusterName = kube.DefaultClusterName
		}
		kubeClient.ClusterName = clusterName
	}

	logger.Info("starting meshgraph",
		slog.String("version", version.Value()),
		slog.String("clusterName", clusterName),
		slog.String("backend", cfg.Backend.URL),
		slog.Int("views", len(cfg.Views)),
	)

	token, err := backendToken(cfg.Backend)
	if err != nil {
		return err
	}
	client, err := collector.NewClient(collector.Options{
		BaseURL: cfg.Backend.URL,
		Token:   token,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	namespaces := kube.NewNamespaceCache(kubeClient.Kubernetes, cfg.Kube.Resync(), kube.NewNamespaceFilter(kube.FilterConfig{
		LabelKeys:           cfg.Namespaces.LabelKeys,
		DisabledLabelValues: cfg.Namespaces.DisabledLabelValues,
		SystemNamespaces:    cfg.Namespaces.SystemNamespaces,
		Include:             cfg.Namespaces.Include,
		Exclude:             cfg.Namespaces.Exclude,
		MeshOnly:            cfg.Namespaces.MeshOnly,
	}))
	if err := namespaces.Start(ctx); err != nil {
		return fmt.Errorf("start namespace informer: %w", err)
	}

	var access datasource.ClusterAccess
	if cfg.Kube.AccessCheck {
		remotes, err := kube.NewClients(cfg.Kube.Kubeconfig, cfg.Kube.RemoteContexts)
		if err != nil {
			return fmt.Errorf("create remote clients: %w", err)
		}
		access = kube.NewAccessReviewer(append([]*kube.Client{kubeClient}, remotes...), kube.AccessOptions{
			TTL:            cfg.Kube.AccessTTL(),
			StaticClusters: cfg.Kube.AccessibleClusters,
			Logger:         logger,
		})
	}

	sinks, err := openSinks(cfg.Outputs)
	if err != nil {
		return err
	}
	publisher := output.NewPublisher(sinks, cfg.Outputs.QueueSize, logger)
	store := datasource.NewStore(nil)
	metrics := exporter.NewMetrics(nil)

	views := make([]refresh.View, 0, len(cfg.Views))
	for _, v := range cfg.Views {
		template, err := cfg.ViewParams(v)
		if err != nil {
			return fmt.Errorf("view %s: %w", v.Name, err)
		}
		var fetcher datasource.Fetcher = client
		if v.Mesh {
			fetcher = client.MeshFetcher()
		}
		controller := datasource.NewController(v.Name, fetcher, datasource.Options{
			Access:       access,
			FetchTimeout: cfg.FetchTimeout(),
			RankWeights:  cfg.Graph.RankWeights,
			Logger:       logger,
		})
		store.Attach(controller)
		metrics.Observe(controller)
		if len(sinks) > 0 {
			publisher.Attach(controller)
		}

		var params refresh.ParamsSource = refresh.StaticParams(template)
		if len(template.Namespaces) == 0 {
			params = refresh.NamespaceParams{Lister: namespaces, Template: template}
		}
		views = append(views, refresh.View{Controller: controller, Params: params})
	}
	scheduler := refresh.NewScheduler(cfg.RefreshInterval(), logger, views...)

	mux := http.NewServeMux()
	api.NewHandler(clusterName, store, scheduler).Register(mux)
	mux.Handle("GET /metrics", metrics.Handler())
	server := exporter.NewServer(cfg.ListenAddr, mux, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return publisher.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	return g.Wait()
}

func backendToken(cfg config.BackendConfig) (string, error) {
	if cfg.Token != "" || cfg.TokenFile == "" {
		return cfg.Token, nil
	}
	data, err := os.ReadFile(cfg.TokenFile) // #nosec G304 -- path provided by the operator
	if err != nil {
		return "", fmt.Errorf("read backend token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func openSinks(cfg config.OutputConfig) ([]output.Sink, error) {
	var sinks []output.Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}
	if cfg.SnapshotFile != "" {
		w, err := snapshotjson.NewWriter(cfg.SnapshotFile)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, w)
	}
	if cfg.Redis.Addr != "" {
		w, err := snapshotredis.NewWriter(snapshotredis.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Channel:   cfg.Redis.Channel,
			TTL:       cfg.Redis.TTL(),
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, w)
	}
	if cfg.Webhook.URL != "" {
		w, err := snapshothttp.NewWriter(snapshothttp.Config{
			URL:     cfg.Webhook.URL,
			Timeout: cfg.Webhook.Timeout(),
			Headers: cfg.Webhook.Headers,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, w)
	}
	return sinks, nil
}
