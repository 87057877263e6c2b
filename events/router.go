package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Flow tells the router whether to keep dispatching.
type Flow uint8

const (
	// Continue keeps the dispatch loop running.
	Continue Flow = iota
	// Stop ends Run after the current event.
	Stop
)

// Handler processes one event.
type Handler func(Event) Flow

// Source is anything events can be polled from, such as a Queue or a client.
type Source interface {
	Poll(timeout time.Duration) (Event, bool)
}

// Router dispatches events to handlers registered per kind. Handlers for a
// kind run in registration order, followed by the catch-all handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	any      []Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[Kind][]Handler)}
}

// Handle registers h for events of the given kind.
func (r *Router) Handle(kind Kind, h Handler) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], h)
	return r
}

// HandleAny registers h for every event.
func (r *Router) HandleAny(h Handler) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.any = append(r.any, h)
	return r
}

// On registers a handler typed to a single event struct.
//
//	events.On(router, func(ev events.TextMessage) events.Flow {
//	    fmt.Println(ev.Message.Content)
//	    return events.Continue
//	})
func On[T Event](r *Router, h func(T) Flow) *Router {
	var zero T
	return r.Handle(zero.Kind(), func(ev Event) Flow {
		typed, ok := ev.(T)
		if !ok {
			return Continue
		}
		return h(typed)
	})
}

// Dispatch runs every matching handler and reports Stop if any handler
// asked to stop.
func (r *Router) Dispatch(ev Event) Flow {
	r.mu.RLock()
	specific := r.handlers[ev.Kind()]
	hs := make([]Handler, 0, len(specific)+len(r.any))
	hs = append(hs, specific...)
	hs = append(hs, r.any...)
	r.mu.RUnlock()

	flow := Continue
	for _, h := range hs {
		if h(ev) == Stop {
			flow = Stop
		}
	}
	return flow
}

// Step polls one event from src and dispatches it. It returns false when no
// event arrived within the timeout.
func (r *Router) Step(src Source, timeout time.Duration) (Flow, bool) {
	ev, ok := src.Poll(timeout)
	if !ok {
		return Continue, false
	}
	return r.Dispatch(ev), true
}

// Run dispatches events until a handler returns Stop or ctx is done.
// pollInterval bounds how long each poll blocks so cancellation is noticed.
func (r *Router) Run(ctx context.Context, src Source, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Router.Run",
		"poll_interval": pollInterval.String(),
	}).Debug("Starting event dispatch loop")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if flow, _ := r.Step(src, pollInterval); flow == Stop {
			return nil
		}
	}
}
