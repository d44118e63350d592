// Package dispatch fans navigation output out to registered listeners.
//
// Listeners run synchronously on the publishing goroutine, in the order they
// subscribed. A listener that panics or returns an error is logged and
// counted; the remaining listeners still run.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/routelock/internal/monitoring"
)

// Listener receives published values.
type Listener[T any] interface {
	Handle(T) error
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc[T any] func(T) error

// Handle calls f(v).
func (f ListenerFunc[T]) Handle(v T) error { return f(v) }

type subscriber[T any] struct {
	id       string
	name     string
	listener Listener[T]
	failures uint64
}

// Dispatcher delivers values of type T to its subscribers.
type Dispatcher[T any] struct {
	mu          sync.RWMutex
	subscribers []*subscriber[T]
	published   uint64
}

// New returns an empty Dispatcher.
func New[T any]() *Dispatcher[T] {
	return &Dispatcher[T]{}
}

// Subscribe registers l and returns the id used to unsubscribe it. The name
// only appears in logs and stats.
func (d *Dispatcher[T]) Subscribe(name string, l Listener[T]) string {
	id := uuid.NewString()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, &subscriber[T]{id: id, name: name, listener: l})
	return id
}

// Unsubscribe removes the listener with the given id. Unknown ids are ignored.
func (d *Dispatcher[T]) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subscribers {
		if s.id == id {
			d.subscribers = append(d.subscribers[:i:i], d.subscribers[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscribers.
func (d *Dispatcher[T]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// Publish hands v to every subscriber in subscription order.
func (d *Dispatcher[T]) Publish(v T) {
	d.mu.Lock()
	d.published++
	subs := make([]*subscriber[T], len(d.subscribers))
	copy(subs, d.subscribers)
	d.mu.Unlock()

	for _, s := range subs {
		if err := deliver(s.listener, v); err != nil {
			monitoring.Logf("dispatch: listener %s (%s): %v", s.name, s.id, err)
			d.mu.Lock()
			s.failures++
			d.mu.Unlock()
		}
	}
}

func deliver[T any](l Listener[T], v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.Handle(v)
}

// SubscriberStats reports one subscriber's delivery failures.
type SubscriberStats struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Failures uint64 `json:"failures"`
}

// Stats summarises the dispatcher.
type Stats struct {
	Published   uint64            `json:"published"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// Stats returns a snapshot of the delivery counters.
func (d *Dispatcher[T]) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := Stats{Published: d.published, Subscribers: make([]SubscriberStats, 0, len(d.subscribers))}
	for _, s := range d.subscribers {
		st.Subscribers = append(st.Subscribers, SubscriberStats{ID: s.id, Name: s.name, Failures: s.failures})
	}
	return st
}
