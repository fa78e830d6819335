// Package datasource drives graph fetches through a small state machine and
// publishes the decorated result to listeners.
package datasource

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"meshgraph/internal/snapshot"

	"k8s.io/utils/clock"
)

// State is the lifecycle state of a controller.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const fetchSlot = "graph"

// Options tunes a Controller.
type Options struct {
	// Access resolves accessible clusters before decoration. Nil means all.
	Access ClusterAccess
	// FetchTimeout bounds a single backend call. Zero disables the bound.
	FetchTimeout time.Duration
	RankWeights  snapshot.RankWeights
	Clock        clock.PassiveClock
	Logger       *slog.Logger
}

// Controller owns one view's fetch lifecycle. Only the most recently issued
// request's result is ever applied; superseded and cancelled requests are
// discarded without notification.
type Controller struct {
	name    string
	fetcher Fetcher
	access  ClusterAccess
	timeout time.Duration
	weights snapshot.RankWeights
	clock   clock.PassiveClock
	logger  *slog.Logger
	events  *emitter

	// emitMu orders notifications: loadStart always precedes the outcome of
	// the same fetch.
	emitMu sync.Mutex

	mu          sync.Mutex
	registry    *requestRegistry
	state       State
	params      FetchParams
	hasParams   bool
	current     *snapshot.DecoratedSet
	lastError   string
	lastUpdated time.Time

	wg sync.WaitGroup
}

// NewController builds a controller named after the view it serves.
func NewController(name string, fetcher Fetcher, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		name:     name,
		fetcher:  fetcher,
		access:   opts.Access,
		timeout:  opts.FetchTimeout,
		weights:  opts.RankWeights,
		clock:    opts.Clock,
		logger:   opts.Logger.With(slog.String("controller", name)),
		events:   newEmitter(),
		registry: newRequestRegistry(),
	}
}

func (c *Controller) Name() string { return c.name }

// On registers fn for event.
func (c *Controller) On(event Event, fn Listener) ListenerID {
	return c.events.on(event, fn)
}

// RemoveListener unregisters a listener and reports whether it was found.
func (c *Controller) RemoveListener(event Event, id ListenerID) bool {
	return c.events.remove(event, id)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the decorated set of the last successful fetch, or nil
// when none is valid for the current parameters.
func (c *Controller) Current() *snapshot.DecoratedSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Params returns the parameters of the latest fetch.
func (c *Controller) Params() (FetchParams, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params.clone(), c.hasParams
}

func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// LastUpdated is when the controller last reached Ready or Error.
func (c *Controller) LastUpdated() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdated
}

// Fetch starts a request for params, cancelling any request in flight.
// loadStart is emitted before Fetch returns; the outcome arrives later on
// another goroutine. Fetch must not be called from a listener.
func (c *Controller) Fetch(ctx context.Context, params FetchParams) {
	params = params.clone()

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	invalid := !c.hasParams || c.params.invalidates(params)
	c.params = params
	c.hasParams = true

	if params.empty() {
		c.registry.cancelAll()
		c.state = StateIdle
		c.current = nil
		c.lastError = ""
		c.mu.Unlock()
		c.logger.Debug("no namespaces selected, skipping fetch")
		c.events.emit(Notification{Controller: c.name, Event: EventEmptyNamespaces, Params: params.clone()})
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	gen := c.registry.register(fetchSlot, cancel)
	if invalid {
		c.current = nil
	}
	c.state = StateLoading
	c.lastError = ""
	c.mu.Unlock()

	c.events.emit(Notification{
		Controller:            c.name,
		Event:                 EventLoadStart,
		Params:                params.clone(),
		IsPreviousDataInvalid: invalid,
	})

	c.wg.Add(1)
	go c.run(reqCtx, gen, params)
}

// Cancel aborts the request in flight, if any. The controller falls back to
// Ready when it still holds data and to Idle otherwise.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry.cancelAll()
	if c.state != StateLoading {
		return
	}
	if c.current != nil {
		c.state = StateReady
	} else {
		c.state = StateIdle
	}
}

// Close cancels the request in flight and waits for its goroutine to exit.
func (c *Controller) Close() {
	c.Cancel()
	c.wg.Wait()
}

func (c *Controller) run(ctx context.Context, gen uint64, params FetchParams) {
	defer c.wg.Done()

	fetchCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	started := c.clock.Now()
	raw, err := c.fetcher.FetchSnapshot(fetchCtx, params)
	var set *snapshot.DecoratedSet
	if err == nil && ctx.Err() == nil {
		set = snapshot.Decorate(raw, c.decorationOptions(ctx, params))
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if ctx.Err() != nil || !c.registry.complete(fetchSlot, gen) {
		c.mu.Unlock()
		c.logger.Debug("discarding superseded fetch", slog.Uint64("generation", gen))
		return
	}
	now := c.clock.Now()
	c.lastUpdated = now

	if err != nil {
		message := "Cannot load the graph: " + err.Error()
		c.state = StateError
		c.lastError = message
		c.mu.Unlock()
		c.logger.Warn("graph fetch failed", slog.String("error", err.Error()))
		c.events.emit(Notification{Controller: c.name, Event: EventFetchError, Params: params.clone(), Message: message, Err: err})
		return
	}

	timestamp := set.Timestamp()
	if timestamp.IsZero() {
		timestamp = now
	}
	c.state = StateReady
	c.current = set
	c.mu.Unlock()

	if warnings := set.Warnings(); len(warnings) > 0 {
		c.logger.Warn("graph decorated with warnings", slog.Int("warnings", len(warnings)), slog.String("first", warnings[0].Message))
	}
	c.logger.Debug("graph fetched",
		slog.Int("nodes", len(set.Nodes())),
		slog.Int("edges", len(set.Edges())),
		slog.Duration("elapsed", now.Sub(started)),
	)
	c.events.emit(Notification{Controller: c.name, Event: EventFetchSuccess, Params: params.clone(), Timestamp: timestamp, Set: set})
}

func (c *Controller) decorationOptions(ctx context.Context, params FetchParams) snapshot.Options {
	opts := snapshot.Options{
		BoxBy:           params.BoxKinds(),
		FilterIdleEdges: !params.IncludeIdleEdges,
		FilterIdleNodes: !params.IncludeIdleNodes,
		RankEnabled:     params.Rank,
		RankWeights:     c.weights,
	}
	if c.access == nil {
		return opts
	}
	accessible, err := c.access.AccessibleClusters(ctx)
	if err != nil {
		opts.Warnings = append(opts.Warnings, snapshot.Warning{
			Code:    snapshot.WarnAccessUnknown,
			Message: "cluster access unknown, treating every cluster as accessible: " + err.Error(),
		})
		return opts
	}
	opts.AccessibleClusters = accessible
	return opts
}
