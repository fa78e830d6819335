package datasource

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"meshgraph/internal/snapshot"

	"k8s.io/apimachinery/pkg/util/sets"
	testingclock "k8s.io/utils/clock/testing"
)

type fetchResult struct {
	raw *snapshot.RawSnapshot
	err error
}

// gatedFetcher blocks each call until a result is pushed for its first
// namespace. It ignores cancellation so late results can be simulated.
type gatedFetcher struct {
	mu    sync.Mutex
	calls []FetchParams
	gates map[string]chan fetchResult
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{gates: map[string]chan fetchResult{}}
}

func (f *gatedFetcher) gate(ns string) chan fetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.gates[ns]
	if !ok {
		ch = make(chan fetchResult, 1)
		f.gates[ns] = ch
	}
	return ch
}

func (f *gatedFetcher) FetchSnapshot(_ context.Context, params FetchParams) (*snapshot.RawSnapshot, error) {
	f.mu.Lock()
	f.calls = append(f.calls, params)
	f.mu.Unlock()
	r := <-f.gate(params.Namespaces[0])
	return r.raw, r.err
}

func (f *gatedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rawWith(ids ...string) *snapshot.RawSnapshot {
	raw := &snapshot.RawSnapshot{Timestamp: time.Unix(1700000000, 0).UTC()}
	for _, id := range ids {
		raw.Nodes = append(raw.Nodes, snapshot.RawNode{ID: id, NodeType: snapshot.NodeTypeWorkload, Cluster: "east"})
	}
	return raw
}

func record(c *Controller) chan Notification {
	ch := make(chan Notification, 32)
	for _, event := range []Event{EventLoadStart, EventFetchSuccess, EventFetchError, EventEmptyNamespaces} {
		c.On(event, func(n Notification) { ch <- n })
	}
	return ch
}

func next(t *testing.T, ch chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return Notification{}
}

func expectEvent(t *testing.T, ch chan Notification, want Event) Notification {
	t.Helper()
	n := next(t, ch)
	if n.Event != want {
		t.Fatalf("expected %s, got %s", want, n.Event)
	}
	return n
}

func params(namespaces ...string) FetchParams {
	return FetchParams{Namespaces: namespaces, GraphType: GraphTypeWorkload, Duration: time.Minute}
}

func TestControllerFetchSuccess(t *testing.T) {
	f := newGatedFetcher()
	c := NewController("graph", f, Options{Logger: discardLogger()})
	events := record(c)

	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
	c.Fetch(context.Background(), params("bookinfo"))

	start := expectEvent(t, events, EventLoadStart)
	if !start.IsPreviousDataInvalid {
		t.Fatalf("first fetch has no valid previous data")
	}
	if c.State() != StateLoading {
		t.Fatalf("expected loading, got %s", c.State())
	}

	f.gate("bookinfo") <- fetchResult{raw: rawWith("productpage")}
	done := expectEvent(t, events, EventFetchSuccess)
	if done.Set == nil || len(done.Set.Nodes()) != 1 {
		t.Fatalf("expected decorated set with one node")
	}
	if !done.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected timestamp %v", done.Timestamp)
	}
	c.Close()
	if c.State() != StateReady || c.Current() != done.Set {
		t.Fatalf("expected ready with the fetched set, got %s", c.State())
	}
}

func TestControllerOnlyLatestRequestApplies(t *testing.T) {
	f := newGatedFetcher()
	c := NewController("graph", f, Options{Logger: discardLogger()})
	events := record(c)
	ctx := context.Background()

	c.Fetch(ctx, params("a"))
	expectEvent(t, events, EventLoadStart)
	c.Fetch(ctx, params("b"))
	start := expectEvent(t, events, EventLoadStart)
	if !start.IsPreviousDataInvalid {
		t.Fatalf("namespace change invalidates previous data")
	}

	f.gate("b") <- fetchResult{raw: rawWith("from-b")}
	success := expectEvent(t, events, EventFetchSuccess)
	if _, ok := success.Set.Node("from-b"); !ok {
		t.Fatalf("expected result of the latest request")
	}

	f.gate("a") <- fetchResult{raw: rawWith("from-a")}
	c.Close()

	select {
	case n := <-events:
		t.Fatalf("superseded request must not notify, got %s", n.Event)
	default:
	}
	if _, ok := c.Current().Node("from-b"); !ok {
		t.Fatalf("superseded result replaced the latest one")
	}
}

func TestControllerSupersededErrorIsSilent(t *testing.T) {
	f := newGatedFetcher()
	c := NewController("graph", f, Options{Logger: discardLogger()})
	events := record(c)
	ctx := context.Background()

	c.Fetch(ctx, params("a"))
	expectEvent(t, events, EventLoadStart)
	c.Fetch(ctx, params("b"))
	expectEvent(t, events, EventLoadStart)

	f.gate("a") <- fetchResult{err: errors.New("late failure")}
	f.gate("b") <- fetchResult{raw: rawWith("ok")}
	expectEvent(t, events, EventFetchSuccess)
	c.Close()

	if c.State() != StateReady || c.LastError() != "" {
		t.Fatalf("superseded failure leaked into state: %s %q", c.State(), c.LastError())
	}
}

func TestControllerFetchError(t *testing.T) {
	f := newGatedFetcher()
	c := NewController("graph", f, Options{Logger: discardLogger()})
	events := record(c)

	c.Fetch(context.Background(), params("bookinfo"))
	expectEvent(t, events, EventLoadStart)
	f.gate("bookinfo") <- fetchResult{err: errors.New("connection refused")}

	failed := expectEvent(t, events, EventFetchError)
	if failed.Message != "Cannot load the graph: connection refused" {
		t.Fatalf("unexpected message %q", failed.Message)
	}
	c.Close()
	if c.State() != StateError {
		t.Fatalf("expected error state, got %s", c.State())
	}
}

func TestControllerEmptyNamespaces(t *testing.T) {
	f := newGatedFetcher()
	c := NewController("graph", f, Options{Logger: discardLogger()})
	events := record(c)

	c.Fetch(context.Background(), params())
	expectEvent(t, events, EventEmptyNamespaces)
	c.Close()

	if f.callCount() != 0 {
		t.Fatalf("backend must not be called without namespaces")
	}
	if c.State() != StateIdle || c.Current() != nil {
		t.Fatalf("expected idle without data")
	}
}

func TestControllerPreviousDataValidity(t *testing.T) {
	f := newGatedFetcher()
	c := NewController("graph", f, Options{Logger: discardLogger()})
	events := record(c)
	ctx := context.Background()

	c.Fetch(ctx, params("bookinfo"))
	expectEvent(t, events, EventLoadStart)
	f.gate("bookinfo") <- fetchResult{raw: rawWith("x")}
	expectEvent(t, events, EventFetchSuccess)

	refresh := params("bookinfo")
	refresh.Duration = 5 * time.Minute
	c.Fetch(ctx, refresh)
	if start := expectEvent(t, events, EventLoadStart); start.IsPreviousDataInvalid {
		t.Fatalf("duration change keeps previous data valid")
	}
	if c.Current() == nil {
		t.Fatalf("valid data must be kept while loading")
	}
	f.gate("bookinfo") <- fetchResult{raw: rawWith("x")}
	expectEvent(t, events, EventFetchSuccess)

	changed := refresh
	changed.GraphType = GraphTypeApp
	c.Fetch(ctx, changed)
	if start := expectEvent(t, events, EventLoadStart); !start.IsPreviousDataInvalid {
		t.Fatalf("graph type change invalidates previous data")
	}
	if c.Current() != nil {
		t.Fatalf("invalid data must be cleared")
	}
	f.gate("bookinfo") <- fetchResult{raw: rawWith("x")}
	expectEvent(t, events, EventFetchSuccess)
	c.Close()
}

func TestControllerRemoveListener(t *testing.T) {
	f := newGatedFetcher()
	c := NewController("graph", f, Options{Logger: discardLogger()})

	var calls int
	var mu sync.Mutex
	id := c.On(EventLoadStart, func(Notification) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if !c.RemoveListener(EventLoadStart, id) {
		t.Fatalf("expected listener to be removed")
	}
	if c.RemoveListener(EventLoadStart, id) {
		t.Fatalf("listener removed twice")
	}
	events := record(c)

	c.Fetch(context.Background(), params("bookinfo"))
	expectEvent(t, events, EventLoadStart)
	f.gate("bookinfo") <- fetchResult{raw: rawWith("x")}
	expectEvent(t, events, EventFetchSuccess)
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("removed listener was called %d times", calls)
	}
}

type fakeAccess struct {
	clusters sets.Set[string]
	err      error
}

func (f fakeAccess) AccessibleClusters(context.Context) (sets.Set[string], error) {
	return f.clusters, f.err
}

func TestControllerAppliesClusterAccess(t *testing.T) {
	f := newGatedFetcher()
	c := NewController("graph", f, Options{Logger: discardLogger(), Access: fakeAccess{clusters: sets.New("west")}})
	events := record(c)

	c.Fetch(context.Background(), params("bookinfo"))
	expectEvent(t, events, EventLoadStart)
	f.gate("bookinfo") <- fetchResult{raw: rawWith("productpage")}
	success := expectEvent(t, events, EventFetchSuccess)
	c.Close()

	node, _ := success.Set.Node("productpage")
	if !node.IsInaccessible() {
		t.Fatalf("node in east cluster should be inaccessible")
	}
}

func TestControllerAccessFailureDegradesToWarning(t *testing.T) {
	f := newGatedFetcher()
	c := NewController("graph", f, Options{Logger: discardLogger(), Access: fakeAccess{err: errors.New("forbidden")}})
	events := record(c)

	c.Fetch(context.Background(), params("bookinfo"))
	expectEvent(t, events, EventLoadStart)
	f.gate("bookinfo") <- fetchResult{raw: rawWith("productpage")}
	success := expectEvent(t, events, EventFetchSuccess)
	c.Close()

	warnings := success.Set.Warnings()
	if len(warnings) != 1 || warnings[0].Code != snapshot.WarnAccessUnknown {
		t.Fatalf("expected access warning, got %+v", warnings)
	}
	node, _ := success.Set.Node("productpage")
	if node.IsInaccessible() {
		t.Fatalf("unknown access must not hide nodes")
	}
}

func TestControllerFetchTimeout(t *testing.T) {
	fetcher := FetcherFunc(func(ctx context.Context, _ FetchParams) (*snapshot.RawSnapshot, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := NewController("graph", fetcher, Options{Logger: discardLogger(), FetchTimeout: 20 * time.Millisecond})
	events := record(c)

	c.Fetch(context.Background(), params("bookinfo"))
	expectEvent(t, events, EventLoadStart)
	failed := expectEvent(t, events, EventFetchError)
	c.Close()
	if !strings.Contains(failed.Message, "deadline exceeded") {
		t.Fatalf("unexpected message %q", failed.Message)
	}
}

func TestControllerCancelIsSilent(t *testing.T) {
	fetcher := FetcherFunc(func(ctx context.Context, _ FetchParams) (*snapshot.RawSnapshot, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := NewController("graph", fetcher, Options{Logger: discardLogger()})
	events := record(c)

	c.Fetch(context.Background(), params("bookinfo"))
	expectEvent(t, events, EventLoadStart)
	c.Close()

	select {
	case n := <-events:
		t.Fatalf("cancelled fetch must not notify, got %s", n.Event)
	default:
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle after cancelling the first fetch, got %s", c.State())
	}
}

func TestControllerTimestampFallsBackToClock(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fetcher := FetcherFunc(func(context.Context, FetchParams) (*snapshot.RawSnapshot, error) {
		return &snapshot.RawSnapshot{}, nil
	})
	c := NewController("graph", fetcher, Options{Logger: discardLogger(), Clock: testingclock.NewFakePassiveClock(now)})
	events := record(c)

	c.Fetch(context.Background(), params("bookinfo"))
	expectEvent(t, events, EventLoadStart)
	success := expectEvent(t, events, EventFetchSuccess)
	c.Close()
	if !success.Timestamp.Equal(now) || !c.LastUpdated().Equal(now) {
		t.Fatalf("expected clock time %v, got %v", now, success.Timestamp)
	}
}

func TestDrillInParams(t *testing.T) {
	p := ParamsForVersionedApp(time.Minute, "bookinfo", "reviews", "v2", "east")
	if p.GraphType != GraphTypeVersionedApp || p.Node == nil || p.Node.Version != "v2" || p.Node.NodeType != snapshot.NodeTypeApp {
		t.Fatalf("unexpected params %+v", p)
	}
	if svc := ParamsForService(time.Minute, "bookinfo", "reviews", ""); svc.GraphType != GraphTypeWorkload || svc.Node.Service != "reviews" {
		t.Fatalf("unexpected service params %+v", svc)
	}
	if ns := ParamsForNamespace(time.Minute, "bookinfo"); ns.Node != nil || len(ns.Namespaces) != 1 {
		t.Fatalf("namespace graph must not drill into a node")
	}
	if kinds := p.BoxKinds(); len(kinds) != 1 || kinds[0] != snapshot.BoxByApp {
		t.Fatalf("app graphs are boxed by app, got %v", kinds)
	}
}
