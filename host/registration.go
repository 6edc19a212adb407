package host

import (
	"context"
	"errors"
	"sync"

	"go.trai.ch/zerr"
)

// Registration binds a scope to a script URL and tracks the workers
// installed for it.
type Registration struct {
	container *Container
	scope     string
	scriptURL string

	// serializes update and activation jobs
	jobMu sync.Mutex

	// guarded by the container mutex
	installing  *ServiceWorker
	waiting     *ServiceWorker
	active      *ServiceWorker
	updateFound []func(*Registration)
}

func (r *Registration) Scope() string {
	return r.scope
}

func (r *Registration) ScriptURL() string {
	r.container.mu.RLock()
	defer r.container.mu.RUnlock()
	return r.scriptURL
}

func (r *Registration) Installing() *ServiceWorker {
	r.container.mu.RLock()
	defer r.container.mu.RUnlock()
	return r.installing
}

func (r *Registration) Waiting() *ServiceWorker {
	r.container.mu.RLock()
	defer r.container.mu.RUnlock()
	return r.waiting
}

func (r *Registration) Active() *ServiceWorker {
	r.container.mu.RLock()
	defer r.container.mu.RUnlock()
	return r.active
}

// Newest returns the most recent worker that is not redundant.
func (r *Registration) Newest() *ServiceWorker {
	r.container.mu.RLock()
	defer r.container.mu.RUnlock()
	return r.newestLocked()
}

func (r *Registration) newestLocked() *ServiceWorker {
	switch {
	case r.installing != nil:
		return r.installing
	case r.waiting != nil:
		return r.waiting
	}
	return r.active
}

// OnUpdateFound subscribes to new workers starting to install.
// When the callback runs, Installing returns the new worker.
func (r *Registration) OnUpdateFound(fn func(*Registration)) {
	r.container.mu.Lock()
	defer r.container.mu.Unlock()
	r.updateFound = append(r.updateFound, fn)
}

// Update loads the script again and installs it if its version changed.
// It returns ErrInstallFailed if the new version could not be installed;
// the previous version stays in place in that case.
func (r *Registration) Update(ctx context.Context) error {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	err := r.update(ctx)
	r.promote(ctx)
	return err
}

func (r *Registration) update(ctx context.Context) error {
	c := r.container
	log := c.log.With().Str("scope", r.scope).Logger()

	scriptURL := r.ScriptURL()
	script, err := c.loader(ctx, scriptURL)
	if err != nil {
		return zerr.With(zerr.Wrap(errors.Join(ErrScriptLoad, err), "could not load script"), "script", scriptURL)
	}

	c.mu.Lock()
	if newest := r.newestLocked(); newest != nil && newest.version == script.Version() {
		c.mu.Unlock()
		log.Trace().Str("version", script.Version()).Msg("Script unchanged, no update")
		return nil
	}
	c.lastID++
	sw := &ServiceWorker{
		id:           c.lastID,
		registration: r,
		script:       script,
		version:      script.Version(),
		ready:        make(chan struct{}),
		state:        Installing,
	}
	sw.log = log.With().Int("worker", sw.id).Str("version", sw.version).Logger()
	r.installing = sw
	c.workers = append(c.workers, sw)
	listeners := append([]func(*Registration){}, r.updateFound...)
	c.mu.Unlock()

	sw.log.Info().Msg("Update found, installing worker")
	for _, fn := range listeners {
		fn(r)
	}

	if err := script.Install(ctx); err != nil {
		c.mu.Lock()
		r.installing = nil
		c.mu.Unlock()
		sw.setState(Redundant)
		sw.log.Error().Err(err).Msg("Worker installation failed")
		return zerr.With(zerr.Wrap(errors.Join(ErrInstallFailed, err), "install"), "version", sw.version)
	}

	c.mu.Lock()
	r.installing = nil
	replaced := r.waiting
	r.waiting = sw
	c.mu.Unlock()
	if replaced != nil {
		replaced.setState(Redundant)
	}
	sw.setState(Installed)
	return nil
}

// promote activates the waiting worker when nothing holds it back:
// there is no active worker, no client is attached, or it was told to skip waiting.
// The job lock must be held.
func (r *Registration) promote(ctx context.Context) {
	c := r.container
	c.mu.RLock()
	sw := r.waiting
	ready := sw != nil && (r.active == nil || c.clients == 0 || sw.skipWaiting)
	c.mu.RUnlock()
	if ready {
		r.activate(ctx, sw)
	}
}

// schedulePromotion runs promote as a separate job, so it can be requested
// from within lifecycle callbacks without waiting on the running job.
func (r *Registration) schedulePromotion() {
	c := r.container
	c.jobs.Add(1)
	go func() {
		defer c.jobs.Done()
		r.jobMu.Lock()
		defer r.jobMu.Unlock()
		r.promote(context.Background())
	}()
}

// activate makes sw the active worker and the controller for the scope.
// Fetches reach sw from the moment it is activating but are held until it
// is activated. The job lock must be held.
func (r *Registration) activate(ctx context.Context, sw *ServiceWorker) {
	c := r.container
	c.mu.Lock()
	old := r.active
	r.active = sw
	if r.waiting == sw {
		r.waiting = nil
	}
	previous := c.controller
	claimed := previous == nil || previous.registration == r
	if claimed {
		c.controller = sw
	}
	c.mu.Unlock()

	sw.setState(Activating)
	// the old version gets no new fetches, let it finish the ones it has
	// before the new one cleans up
	if old != nil {
		old.drain()
	}
	if err := sw.script.Activate(ctx); err != nil {
		sw.log.Error().Err(err).Msg("Worker activation failed")
	}

	c.mu.RLock()
	listeners := make([]func(), 0, len(c.controllerListeners))
	for _, fn := range c.controllerListeners {
		listeners = append(listeners, fn)
	}
	c.mu.RUnlock()

	sw.setState(Activated)
	if old != nil {
		old.retire()
	}
	sw.log.Info().Msg("Worker activated")

	if claimed && previous != nil && previous != sw {
		for _, fn := range listeners {
			fn()
		}
	}
}
