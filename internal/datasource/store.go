package datasource

import (
	"sort"
	"sync"
	"time"

	"meshgraph/internal/snapshot"

	"k8s.io/utils/clock"
)

// ViewState is the latest known state of one view.
type ViewState struct {
	Name      string
	State     State
	Params    FetchParams
	Set       *snapshot.DecoratedSet
	Timestamp time.Time
	Error     string
	UpdatedAt time.Time
}

// Store keeps the latest state of every attached controller.
type Store struct {
	clock clock.PassiveClock
	mu    sync.RWMutex
	views map[string]ViewState
}

// NewStore returns an empty store.
func NewStore(clk clock.PassiveClock) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{clock: clk, views: map[string]ViewState{}}
}

// Attach subscribes the store to c and returns a function that detaches it.
func (s *Store) Attach(c *Controller) func() {
	s.mu.Lock()
	if _, ok := s.views[c.Name()]; !ok {
		s.views[c.Name()] = ViewState{Name: c.Name(), State: StateIdle}
	}
	s.mu.Unlock()

	ids := map[Event]ListenerID{}
	for _, event := range []Event{EventLoadStart, EventFetchSuccess, EventFetchError, EventEmptyNamespaces} {
		ids[event] = c.On(event, s.apply)
	}
	return func() {
		for event, id := range ids {
			c.RemoveListener(event, id)
		}
	}
}

func (s *Store) apply(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := s.views[n.Controller]
	view.Name = n.Controller
	view.Params = n.Params
	view.UpdatedAt = s.clock.Now()

	switch n.Event {
	case EventLoadStart:
		view.State = StateLoading
		view.Error = ""
		if n.IsPreviousDataInvalid {
			view.Set = nil
			view.Timestamp = time.Time{}
		}
	case EventFetchSuccess:
		view.State = StateReady
		view.Set = n.Set
		view.Timestamp = n.Timestamp
		view.Error = ""
	case EventFetchError:
		view.State = StateError
		view.Error = n.Message
	case EventEmptyNamespaces:
		view.State = StateIdle
		view.Set = nil
		view.Timestamp = time.Time{}
		view.Error = ""
	}
	s.views[n.Controller] = view
}

// Latest returns the state of the named view.
func (s *Store) Latest(name string) (ViewState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.views[name]
	return view, ok
}

// Views lists the attached view names in lexical order.
func (s *Store) Views() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.views))
	for name := range s.views {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
