// Package host is the runtime that cache workers live in.
//
// It plays the part a browser plays for service workers: it registers worker
// scripts for a scope, drives them through the installing, installed, activating
// and activated states, tells the page about updates and controller changes,
// and hands every request within the scope to the controlling worker.
package host

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.trai.ch/zerr"
)

var (
	// ErrRegistration is returned when a script cannot be registered.
	ErrRegistration = zerr.New("registration failed")
	// ErrScriptLoad is returned when the loader cannot provide the script.
	ErrScriptLoad = zerr.New("script could not be loaded")
	// ErrInstallFailed is returned when a new worker fails to install.
	ErrInstallFailed = zerr.New("worker installation failed")
)

// Loader provides the script published at a script URL.
type Loader func(ctx context.Context, scriptURL string) (Script, error)

type Options struct {
	// Loader provides scripts for registrations. Required.
	Loader Loader
	// Fallback serves requests no worker controls.
	// Requests are answered with 502 Bad Gateway if nil.
	Fallback http.Handler
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Container holds the registrations of one origin and the worker controlling its pages.
type Container struct {
	loader   Loader
	fallback http.Handler
	log      zerolog.Logger
	jobs     sync.WaitGroup

	mu                  sync.RWMutex
	registrations       map[string]*Registration
	workers             []*ServiceWorker
	controller          *ServiceWorker
	controllerListeners map[int]func()
	lastListener        int
	lastID              int
	clients             int
}

func NewContainer(opts Options) *Container {
	// use console logger if not specified
	var logger zerolog.Logger
	if opts.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *opts.Logger
	}
	return &Container{
		loader:              opts.Loader,
		fallback:            opts.Fallback,
		log:                 logger,
		registrations:       make(map[string]*Registration),
		controllerListeners: make(map[int]func()),
	}
}

type registerOptions struct {
	scope       string
	updateFound []func(*Registration)
}

type RegisterOption func(*registerOptions)

// WithScope sets the scope of the registration.
// It must lie within the directory of the script.
func WithScope(scope string) RegisterOption {
	return func(o *registerOptions) {
		o.scope = scope
	}
}

// WithUpdateFound subscribes to update notifications before the first update job runs.
func WithUpdateFound(fn func(*Registration)) RegisterOption {
	return func(o *registerOptions) {
		o.updateFound = append(o.updateFound, fn)
	}
}

// Register registers the script at scriptURL and runs an update job for it.
// Errors are returned for invalid script URLs or scopes and for scripts that
// cannot be loaded. A failing installation is not a registration error:
// it is logged and the registration keeps its previous worker.
func (c *Container) Register(ctx context.Context, scriptURL string, opts ...RegisterOption) (*Registration, error) {
	o := registerOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	scriptPath, scope, err := resolveScope(scriptURL, o.scope)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	reg, existed := c.registrations[scope]
	if !existed {
		reg = &Registration{container: c, scope: scope}
		c.registrations[scope] = reg
	}
	reg.scriptURL = scriptPath
	reg.updateFound = append(reg.updateFound, o.updateFound...)
	c.mu.Unlock()

	if err := reg.Update(ctx); err != nil {
		if !errors.Is(err, ErrScriptLoad) {
			c.log.Warn().Err(err).Str("scope", scope).Msg("Registered, but the update did not install")
			return reg, nil
		}
		if !existed && reg.Newest() == nil {
			c.mu.Lock()
			delete(c.registrations, scope)
			c.mu.Unlock()
		}
		return nil, zerr.Wrap(errors.Join(ErrRegistration, err), "register")
	}
	return reg, nil
}

// resolveScope validates the script URL and returns its path and the scope to register.
// Without an explicit scope, the directory of the script is used.
func resolveScope(scriptURL, scope string) (string, string, error) {
	u, err := url.Parse(scriptURL)
	if err != nil {
		return "", "", zerr.With(zerr.Wrap(errors.Join(ErrRegistration, err), "invalid script URL"), "script", scriptURL)
	}
	if u.Scheme != "" || u.Host != "" || !strings.HasPrefix(u.Path, "/") || strings.HasSuffix(u.Path, "/") {
		return "", "", zerr.With(zerr.Wrap(ErrRegistration, "script URL must be an absolute path to a file"), "script", scriptURL)
	}
	maxScope := path.Dir(u.Path)
	if !strings.HasSuffix(maxScope, "/") {
		maxScope += "/"
	}
	if scope == "" {
		return u.Path, maxScope, nil
	}
	if !strings.HasPrefix(scope, maxScope) {
		return "", "", zerr.With(zerr.With(zerr.Wrap(ErrRegistration, "scope is outside the script directory"), "scope", scope), "max_scope", maxScope)
	}
	return u.Path, scope, nil
}

// Registrations returns all registrations ordered by scope.
func (c *Container) Registrations() []*Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	regs := make([]*Registration, 0, len(c.registrations))
	for _, reg := range c.registrations {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].scope < regs[j].scope })
	return regs
}

// Controller returns the worker controlling the pages, or nil.
func (c *Container) Controller() *ServiceWorker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.controller
}

// OnControllerChange subscribes to the controller being replaced by a newer worker.
// The first worker to take control does not trigger it.
// The returned function removes the subscription.
func (c *Container) OnControllerChange(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastListener++
	id := c.lastListener
	c.controllerListeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.controllerListeners, id)
	}
}

// Attach records a page using the current controller.
func (c *Container) Attach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients++
}

// Detach records a page going away. When the last page is gone,
// waiting workers are activated.
func (c *Container) Detach() {
	c.mu.Lock()
	if c.clients > 0 {
		c.clients--
	}
	idle := c.clients == 0
	regs := make([]*Registration, 0, len(c.registrations))
	for _, reg := range c.registrations {
		if reg.waiting != nil {
			regs = append(regs, reg)
		}
	}
	c.mu.Unlock()
	if idle {
		for _, reg := range regs {
			reg.schedulePromotion()
		}
	}
}

// ServeHTTP implements the http.Handler interface.
// Requests within the controller's scope are fetch events for the controller,
// everything else goes to the fallback handler. Fetch events for a worker that
// is still activating wait until it is activated.
func (c *Container) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	ctrl := c.controller
	controlled := ctrl != nil && strings.HasPrefix(r.URL.Path, ctrl.registration.scope)
	if controlled {
		ctrl.fetches.Add(1)
	}
	c.mu.RUnlock()

	if controlled {
		defer ctrl.fetches.Done()
		select {
		case <-ctrl.ready:
		case <-r.Context().Done():
			http.Error(w, "Request canceled", http.StatusServiceUnavailable)
			return
		}
		ctrl.script.ServeHTTP(w, r)
		return
	}
	if c.fallback != nil {
		c.fallback.ServeHTTP(w, r)
		return
	}
	http.Error(w, "No worker controls this request", http.StatusBadGateway)
}

// Wait blocks until scheduled lifecycle jobs have finished.
func (c *Container) Wait() {
	c.jobs.Wait()
}

// Close waits for lifecycle jobs and the background work of every worker.
func (c *Container) Close() {
	c.jobs.Wait()
	c.mu.RLock()
	workers := append([]*ServiceWorker{}, c.workers...)
	c.mu.RUnlock()
	for _, w := range workers {
		if waiter, ok := w.script.(Waiter); ok {
			waiter.Wait()
		}
	}
}
