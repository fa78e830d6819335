package refresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"meshgraph/internal/api"
	"meshgraph/internal/datasource"
	"meshgraph/internal/snapshot"

	"github.com/google/go-cmp/cmp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingFetcher struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *recordingFetcher) FetchSnapshot(_ context.Context, params datasource.FetchParams) (*snapshot.RawSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params.Namespaces)
	return &snapshot.RawSnapshot{}, nil
}

type listerFunc func() ([]string, error)

func (f listerFunc) Namespaces() ([]string, error) { return f() }

func events(c *datasource.Controller) chan datasource.Notification {
	ch := make(chan datasource.Notification, 16)
	for _, event := range []datasource.Event{datasource.EventFetchSuccess, datasource.EventEmptyNamespaces, datasource.EventFetchError} {
		c.On(event, func(n datasource.Notification) { ch <- n })
	}
	return ch
}

func expect(t *testing.T, ch chan datasource.Notification, event datasource.Event) datasource.Notification {
	t.Helper()
	select {
	case n := <-ch:
		if n.Event != event {
			t.Fatalf("got %s, want %s", n.Event, event)
		}
		return n
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", event)
	}
	return datasource.Notification{}
}

func TestSchedulerFetchesAndRefreshes(t *testing.T) {
	fetcher := &recordingFetcher{}
	shop := datasource.NewController("shop", fetcher, datasource.Options{Logger: discardLogger()})
	shopEvents := events(shop)

	var mu sync.Mutex
	namespaces := []string{"shop"}
	lister := listerFunc(func() ([]string, error) {
		mu.Lock()
		defer mu.Unlock()
		return namespaces, nil
	})

	s := NewScheduler(time.Hour, discardLogger(), View{
		Controller: shop,
		Params: NamespaceParams{
			Lister:   lister,
			Template: datasource.FetchParams{GraphType: datasource.GraphTypeWorkload, Duration: time.Minute},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	n := expect(t, shopEvents, datasource.EventFetchSuccess)
	if diff := cmp.Diff([]string{"shop"}, n.Params.Namespaces); diff != "" {
		t.Fatalf("namespaces mismatch (-want +got):\n%s", diff)
	}

	mu.Lock()
	namespaces = nil
	mu.Unlock()
	if err := s.Refresh(context.Background(), "shop"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	expect(t, shopEvents, datasource.EventEmptyNamespaces)

	if err := s.Refresh(context.Background(), "ghost"); !errors.Is(err, api.ErrUnknownView) {
		t.Fatalf("expected ErrUnknownView, got %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop")
	}

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if len(fetcher.calls) != 1 {
		t.Fatalf("expected 1 backend call, got %d", len(fetcher.calls))
	}
}

func TestSchedulerSkipsFailedParams(t *testing.T) {
	fetcher := &recordingFetcher{}
	c := datasource.NewController("mesh", fetcher, datasource.Options{Logger: discardLogger()})
	s := NewScheduler(time.Hour, discardLogger(), View{
		Controller: c,
		Params:     NamespaceParams{Lister: listerFunc(func() ([]string, error) { return nil, errors.New("cache not synced") })},
	})

	s.refreshAll(context.Background())
	if c.State() != datasource.StateIdle {
		t.Fatalf("controller must stay idle, got %s", c.State())
	}
	if _, ok := c.Params(); ok {
		t.Fatalf("no fetch expected")
	}
}

func TestStaticParams(t *testing.T) {
	want := datasource.FetchParams{Namespaces: []string{"a", "b"}, GraphType: datasource.GraphTypeApp}
	got, err := StaticParams(want).Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}
}
