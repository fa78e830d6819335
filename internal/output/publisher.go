// Package output archives and publishes rendered graph snapshots.
package output

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"meshgraph/internal/datasource"
	"meshgraph/internal/render"
	"meshgraph/internal/snapshot"
)

// Record is one rendered snapshot of a view.
type Record struct {
	View      string                 `json:"view"`
	Timestamp time.Time              `json:"timestamp"`
	GraphType string                 `json:"graphType"`
	Params    datasource.FetchParams `json:"params"`
	Elements  render.Graph           `json:"elements"`
	Warnings  []snapshot.Warning     `json:"warnings,omitempty"`
}

// NewRecord renders the set carried by a fetchSuccess notification.
func NewRecord(n datasource.Notification) Record {
	rec := Record{
		View:      n.Controller,
		Timestamp: n.Timestamp.UTC(),
		Params:    n.Params,
		Elements:  render.Elements(n.Set),
	}
	if n.Set != nil {
		rec.GraphType = n.Set.GraphType()
		rec.Warnings = n.Set.Warnings()
	}
	return rec
}

// Sink receives every successfully fetched snapshot.
type Sink interface {
	WriteSnapshot(ctx context.Context, rec Record) error
	Close() error
}

const defaultQueueSize = 16

// Publisher hands snapshots to sinks on its own goroutine. Listeners never
// block: when the queue is full the snapshot is dropped and logged.
type Publisher struct {
	sinks  []Sink
	queue  chan datasource.Notification
	logger *slog.Logger
}

func NewPublisher(sinks []Sink, queueSize int, logger *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		sinks:  sinks,
		queue:  make(chan datasource.Notification, queueSize),
		logger: logger,
	}
}

// Attach subscribes the publisher to c's fetchSuccess events and returns a
// function that detaches it.
func (p *Publisher) Attach(c *datasource.Controller) func() {
	id := c.On(datasource.EventFetchSuccess, p.enqueue)
	return func() { c.RemoveListener(datasource.EventFetchSuccess, id) }
}

func (p *Publisher) enqueue(n datasource.Notification) {
	select {
	case p.queue <- n:
	default:
		p.logger.Warn("snapshot queue full, dropping snapshot", slog.String("view", n.Controller))
	}
}

// Run writes queued snapshots until ctx is done, then closes every sink.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return p.close()
		case n := <-p.queue:
			p.write(ctx, NewRecord(n))
		}
	}
}

func (p *Publisher) write(ctx context.Context, rec Record) {
	for _, sink := range p.sinks {
		if err := sink.WriteSnapshot(ctx, rec); err != nil {
			p.logger.Warn("snapshot sink failed",
				slog.String("view", rec.View),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *Publisher) close() error {
	var errs []error
	for _, sink := range p.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
