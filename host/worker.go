package host

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// State is a step in the lifecycle of a worker.
type State int

const (
	Parsed State = iota
	Installing
	Installed
	Activating
	Activated
	Redundant
)

func (s State) String() string {
	switch s {
	case Parsed:
		return "parsed"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	case Redundant:
		return "redundant"
	}
	return "unknown"
}

// ActionSkipWaiting is the message action that asks a worker to stop waiting.
const ActionSkipWaiting = "skipWaiting"

// Message is what controllers post to workers.
type Message struct {
	Action string `json:"action"`
}

// Self is the view a script has of the worker running it.
type Self interface {
	State() State
	ScriptURL() string
	SkipWaiting()
}

// Script is the code a worker runs.
// Install and Activate are awaited by the host: the lifecycle does not advance
// until they return. Fetch events arrive through ServeHTTP once the worker controls the scope.
type Script interface {
	http.Handler
	// Version identifies the script. Registering a script with the same version is not an update.
	Version() string
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	Message(ctx context.Context, self Self, msg Message)
}

// Waiter is implemented by scripts that run work in the background.
// The host calls Wait before retiring the worker.
type Waiter interface {
	Wait()
}

// ServiceWorker is one installed version of a script within a registration.
type ServiceWorker struct {
	id           int
	registration *Registration
	script       Script
	version      string
	log          zerolog.Logger

	// fetches dispatched to the script that have not returned yet
	fetches sync.WaitGroup
	// closed once the worker is activated or redundant
	ready     chan struct{}
	readyOnce sync.Once

	// guarded by the container mutex
	state       State
	skipWaiting bool
	listeners   []func(State)
}

func (w *ServiceWorker) ID() int {
	return w.id
}

func (w *ServiceWorker) Version() string {
	return w.version
}

func (w *ServiceWorker) ScriptURL() string {
	return w.registration.ScriptURL()
}

func (w *ServiceWorker) Registration() *Registration {
	return w.registration
}

func (w *ServiceWorker) State() State {
	c := w.registration.container
	c.mu.RLock()
	defer c.mu.RUnlock()
	return w.state
}

// OnStateChange subscribes to state transitions of the worker.
func (w *ServiceWorker) OnStateChange(fn func(State)) {
	c := w.registration.container
	c.mu.Lock()
	defer c.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// SkipWaiting lets the worker activate without waiting for clients of the
// current version to go away. A waiting worker is activated right away;
// an installing worker is activated as soon as it has installed.
func (w *ServiceWorker) SkipWaiting() {
	c := w.registration.container
	c.mu.Lock()
	w.skipWaiting = true
	waiting := w.registration.waiting == w
	c.mu.Unlock()
	w.log.Debug().Bool("waiting", waiting).Msg("Skip waiting requested")
	if waiting {
		w.registration.schedulePromotion()
	}
}

// PostMessage delivers a message to the worker's script.
// Messages to redundant workers are dropped.
func (w *ServiceWorker) PostMessage(ctx context.Context, msg Message) {
	if w.State() == Redundant {
		w.log.Debug().Str("action", msg.Action).Msg("Dropping message to redundant worker")
		return
	}
	w.script.Message(ctx, w, msg)
}

func (w *ServiceWorker) setState(s State) {
	c := w.registration.container
	c.mu.Lock()
	if w.state == s {
		c.mu.Unlock()
		return
	}
	w.state = s
	listeners := append([]func(State){}, w.listeners...)
	c.mu.Unlock()

	if s == Activated || s == Redundant {
		w.readyOnce.Do(func() { close(w.ready) })
	}
	w.log.Debug().Str("state", s.String()).Msg("Worker state changed")
	for _, fn := range listeners {
		fn(s)
	}
}

// drain waits for fetches already dispatched to the worker and for the
// script's background work. No new fetches may be dispatched to it.
func (w *ServiceWorker) drain() {
	w.fetches.Wait()
	if waiter, ok := w.script.(Waiter); ok {
		waiter.Wait()
	}
}

// retire drains the worker and makes it redundant.
func (w *ServiceWorker) retire() {
	w.drain()
	w.setState(Redundant)
}
