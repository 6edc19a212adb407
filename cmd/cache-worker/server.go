package main

import (
	"cmp"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	cacheworker "github.com/ericselin/cache-worker"
	"github.com/ericselin/cache-worker/cache"
	"github.com/ericselin/cache-worker/config"
	"github.com/ericselin/cache-worker/host"
	"github.com/ericselin/cache-worker/page"
	cachekey "github.com/ericselin/cache-worker/pkg/cache-key"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.trai.ch/zerr"
)

// app wires storage, network, host and page together behind one HTTP handler.
type app struct {
	storage   cache.Storage
	network   *cacheworker.Network
	registry  *prometheus.Registry
	metrics   *cacheworker.Metrics
	container *host.Container
	page      *page.Controller
	logger    zerolog.Logger

	mu     sync.RWMutex
	config config.Config
}

func newApp(c config.Config, storage cache.Storage, logger zerolog.Logger) (*app, error) {
	originURL, err := c.OriginURL()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	a := &app{
		storage:  storage,
		registry: registry,
		metrics:  cacheworker.NewMetrics(registry),
		logger:   logger,
		config:   c,
	}
	a.network = cacheworker.NewNetwork(cacheworker.NetworkConfig{
		OriginURL:  *originURL,
		OriginHost: c.OriginHost,
		Logger:     &logger,
	})
	a.container = host.NewContainer(host.Options{
		Loader:   a.loadScript,
		Fallback: a.network,
		Logger:   &logger,
	})
	a.page = page.NewController(page.Config{
		Container: a.container,
		ScriptURL: c.ScriptURL,
		Scope:     c.Scope,
		Version:   c.PageVersion,
		Delay:     c.SkipWaitingDelay,
		Logger:    &logger,
	})
	return a, nil
}

// loadScript builds the worker published by the current config.
func (a *app) loadScript(ctx context.Context, scriptURL string) (host.Script, error) {
	c := a.currentConfig()
	originURL, err := c.OriginURL()
	if err != nil {
		return nil, err
	}
	workerURL := originURL.ResolveReference(&url.URL{Path: scriptURL})
	return cacheworker.New(cacheworker.Config{
		Storage:   a.storage,
		Network:   a.network,
		CacheName: c.CacheName,
		ScriptURL: *workerURL,
		Manifest:  c.Manifest,
		Logger:    &a.logger,
		Metrics:   a.metrics,
	}), nil
}

func (a *app) currentConfig() config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// update publishes a new config and checks the registration for a new worker version.
func (a *app) update(ctx context.Context, c config.Config) error {
	a.mu.Lock()
	a.config = c
	a.mu.Unlock()

	reg := a.page.Registration()
	if reg == nil {
		_, err := a.page.Load(ctx)
		return err
	}
	return reg.Update(ctx)
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(a.logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))
	r.Get(a.currentConfig().ScriptURL, a.serveScript)
	r.Route("/_worker", func(r chi.Router) {
		r.Get("/state", a.serveState)
		r.Post("/message", a.postMessage)
		r.Get("/log", a.serveLog)
		r.Get("/caches", a.serveCaches)
		r.Get("/caches/{name}", a.serveCache)
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Handle("/*", a.container)
	return r
}

func (a *app) close() {
	a.page.Close()
	a.container.Close()
}

type scriptDescriptor struct {
	Version   string   `json:"version"`
	CacheName string   `json:"cacheName"`
	Manifest  []string `json:"manifest"`
	Scope     string   `json:"scope,omitempty"`
}

func (a *app) serveScript(w http.ResponseWriter, r *http.Request) {
	c := a.currentConfig()
	manifest := c.Manifest
	if manifest == nil {
		manifest = cacheworker.DefaultManifest
	}
	scope := c.Scope
	if reg := a.page.Registration(); reg != nil {
		scope = reg.Scope()
	}
	writeJSON(w, scriptDescriptor{
		Version:   c.CacheName,
		CacheName: c.CacheName,
		Manifest:  manifest,
		Scope:     scope,
	})
}

type workerState struct {
	ID      int    `json:"id"`
	Version string `json:"version"`
	State   string `json:"state"`
}

type registrationState struct {
	Scope      string       `json:"scope"`
	ScriptURL  string       `json:"scriptURL"`
	Installing *workerState `json:"installing"`
	Waiting    *workerState `json:"waiting"`
	Active     *workerState `json:"active"`
}

type containerState struct {
	Controller    *workerState        `json:"controller"`
	Registrations []registrationState `json:"registrations"`
}

func describe(sw *host.ServiceWorker) *workerState {
	if sw == nil {
		return nil
	}
	return &workerState{ID: sw.ID(), Version: sw.Version(), State: sw.State().String()}
}

func (a *app) serveState(w http.ResponseWriter, r *http.Request) {
	state := containerState{
		Controller:    describe(a.container.Controller()),
		Registrations: []registrationState{},
	}
	for _, reg := range a.container.Registrations() {
		state.Registrations = append(state.Registrations, registrationState{
			Scope:      reg.Scope(),
			ScriptURL:  reg.ScriptURL(),
			Installing: describe(reg.Installing()),
			Waiting:    describe(reg.Waiting()),
			Active:     describe(reg.Active()),
		})
	}
	writeJSON(w, state)
}

func (a *app) postMessage(w http.ResponseWriter, r *http.Request) {
	var msg host.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "Invalid message", http.StatusBadRequest)
		return
	}
	reg := a.page.Registration()
	if reg == nil || reg.Newest() == nil {
		http.Error(w, "No worker registered", http.StatusNotFound)
		return
	}
	sw := reg.Newest()
	a.logger.Debug().Str("action", msg.Action).Int("worker", sw.ID()).Msg("Posting message to worker")
	sw.PostMessage(r.Context(), msg)
	w.WriteHeader(http.StatusAccepted)
}

func (a *app) serveLog(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(a.page.Log()))
}

type cachedRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type cacheListing struct {
	Name     string          `json:"name"`
	Requests []cachedRequest `json:"requests"`
}

func (a *app) serveCaches(w http.ResponseWriter, r *http.Request) {
	listing, err := listCaches(a.storage)
	if err != nil {
		a.logger.Error().Err(err).Msg("Could not list caches")
		http.Error(w, "Could not list caches", http.StatusInternalServerError)
		return
	}
	writeJSON(w, listing)
}

func (a *app) serveCache(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ok, err := a.storage.Has(name)
	if err == nil && !ok {
		http.Error(w, "No such cache", http.StatusNotFound)
		return
	}
	var l cacheListing
	if err == nil {
		l, err = listCache(a.storage, name)
	}
	if err != nil {
		a.logger.Error().Err(err).Str("cache", name).Msg("Could not list cache")
		http.Error(w, "Could not list cache", http.StatusInternalServerError)
		return
	}
	writeJSON(w, l)
}

func listCaches(storage cache.Storage) ([]cacheListing, error) {
	names, err := storage.Keys()
	if err != nil {
		return nil, err
	}
	listing := make([]cacheListing, 0, len(names))
	for _, name := range names {
		l, err := listCache(storage, name)
		if err != nil {
			return nil, err
		}
		listing = append(listing, l)
	}
	return listing, nil
}

// listCache recovers the method and URL of every request stored in the named cache.
func listCache(storage cache.Storage, name string) (cacheListing, error) {
	keyer := cachekey.Keyer{}
	l := cacheListing{Name: name, Requests: []cachedRequest{}}
	var keyErr error
	err := storage.Entries(name, func(e cache.Entry) {
		req, err := keyer.GetRequestFromKey(e.Key)
		if err != nil {
			keyErr = cmp.Or(keyErr, err)
			return
		}
		l.Requests = append(l.Requests, cachedRequest{Method: req.Method, URL: req.URL.String()})
	})
	if err = cmp.Or(err, keyErr); err != nil {
		return cacheListing{}, zerr.With(zerr.Wrap(err, "list cache"), "cache", name)
	}
	return l, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
