package datasource

import (
	"sync"
	"time"

	"meshgraph/internal/snapshot"
)

// Event names a controller notification.
type Event string

const (
	EventLoadStart       Event = "loadStart"
	EventFetchSuccess    Event = "fetchSuccess"
	EventFetchError      Event = "fetchError"
	EventEmptyNamespaces Event = "emptyNamespaces"
)

// Notification is delivered to listeners. Fields beyond Event and Params are
// set according to the event: IsPreviousDataInvalid for loadStart, Timestamp
// and Set for fetchSuccess, Message and Err for fetchError.
type Notification struct {
	Controller            string
	Event                 Event
	Params                FetchParams
	IsPreviousDataInvalid bool
	Timestamp             time.Time
	Set                   *snapshot.DecoratedSet
	Message               string
	Err                   error
}

// Listener receives notifications synchronously on the emitting goroutine.
// It must not call Fetch on the same controller.
type Listener func(Notification)

// ListenerID identifies a registration for RemoveListener.
type ListenerID uint64

type emitter struct {
	mu        sync.RWMutex
	nextID    ListenerID
	listeners map[Event][]registration
}

type registration struct {
	id ListenerID
	fn Listener
}

func newEmitter() *emitter {
	return &emitter{listeners: map[Event][]registration{}}
}

func (e *emitter) on(event Event, fn Listener) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners[event] = append(e.listeners[event], registration{id: e.nextID, fn: fn})
	return e.nextID
}

func (e *emitter) remove(event Event, id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	regs := e.listeners[event]
	for i, reg := range regs {
		if reg.id == id {
			e.listeners[event] = append(regs[:i:i], regs[i+1:]...)
			return true
		}
	}
	return false
}

func (e *emitter) emit(n Notification) {
	e.mu.RLock()
	regs := append([]registration(nil), e.listeners[n.Event]...)
	e.mu.RUnlock()
	for _, reg := range regs {
		reg.fn(n)
	}
}
