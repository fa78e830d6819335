// Package refresh re-fetches every configured view on a fixed interval.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"meshgraph/internal/api"
	"meshgraph/internal/datasource"

	"k8s.io/apimachinery/pkg/util/wait"
)

// ParamsSource produces the parameters of a view's next fetch.
type ParamsSource interface {
	Params() (datasource.FetchParams, error)
}

// StaticParams always fetches the same parameters.
type StaticParams datasource.FetchParams

func (p StaticParams) Params() (datasource.FetchParams, error) {
	return datasource.FetchParams(p), nil
}

// NamespaceLister lists the namespaces a view should cover.
type NamespaceLister interface {
	Namespaces() ([]string, error)
}

// NamespaceParams fills Template's namespaces from a lister on every tick.
// An empty listing leads the controller to its emptyNamespaces path.
type NamespaceParams struct {
	Lister   NamespaceLister
	Template datasource.FetchParams
}

func (p NamespaceParams) Params() (datasource.FetchParams, error) {
	namespaces, err := p.Lister.Namespaces()
	if err != nil {
		return datasource.FetchParams{}, err
	}
	out := p.Template
	out.Namespaces = namespaces
	return out, nil
}

// View pairs a controller with the source of its parameters.
type View struct {
	Controller *datasource.Controller
	Params     ParamsSource
}

// Scheduler drives the views' controllers.
type Scheduler struct {
	views    map[string]View
	interval time.Duration
	logger   *slog.Logger
	trigger  chan string
}

func NewScheduler(interval time.Duration, logger *slog.Logger, views ...View) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]View, len(views))
	for _, v := range views {
		byName[v.Controller.Name()] = v
	}
	return &Scheduler{
		views:    byName,
		interval: interval,
		logger:   logger,
		trigger:  make(chan string, len(views)+1),
	}
}

// Run refreshes every view immediately and then once per interval until ctx
// is done. Controllers are closed before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wait.UntilWithContext(ctx, s.refreshAll, s.interval)
	}()

	for {
		select {
		case <-ctx.Done():
			<-done
			for _, v := range s.views {
				v.Controller.Close()
			}
			return nil
		case name := <-s.trigger:
			s.fetch(ctx, s.views[name])
		}
	}
}

// Refresh queues an immediate fetch of the named view. The fetch runs under
// the scheduler's context, not ctx, so it outlives the caller's request.
func (s *Scheduler) Refresh(ctx context.Context, view string) error {
	if _, ok := s.views[view]; !ok {
		return fmt.Errorf("%w: %s", api.ErrUnknownView, view)
	}
	select {
	case s.trigger <- view:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Views lists the scheduled view names.
func (s *Scheduler) Views() []string {
	names := make([]string, 0, len(s.views))
	for name := range s.views {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) refreshAll(ctx context.Context) {
	for _, name := range s.Views() {
		s.fetch(ctx, s.views[name])
	}
}

func (s *Scheduler) fetch(ctx context.Context, v View) {
	params, err := v.Params.Params()
	if err != nil {
		s.logger.Warn("resolve fetch parameters",
			slog.String("view", v.Controller.Name()),
			slog.String("error", err.Error()),
		)
		return
	}
	v.Controller.Fetch(ctx, params)
}
