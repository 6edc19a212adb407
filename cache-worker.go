// Package cacheworker is a cache-first worker for offline use.
//
// On install the worker pre-populates a named cache with a fixed manifest.
// On activation it deletes every cache so each version starts clean.
// On fetch it serves stored responses when it has them and otherwise goes to
// the network, storing successful same-origin responses for next time.
package cacheworker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ericselin/cache-worker/cache"
	"github.com/ericselin/cache-worker/host"
	cachekey "github.com/ericselin/cache-worker/pkg/cache-key"
	serializer "github.com/ericselin/cache-worker/pkg/response-serializer"
	tee "github.com/ericselin/cache-worker/pkg/response-writer-tee"

	"github.com/rs/zerolog"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInstallFailed is returned when the manifest could not be cached.
	ErrInstallFailed = zerr.New("could not cache manifest")
	// ErrBadStatus is returned for manifest resources answered with a non-2xx status.
	ErrBadStatus = zerr.New("unexpected response status")
)

// DefaultManifest is the list of resources cached on install.
var DefaultManifest = []string{"/", "style.css", "script.js"}

type Config struct {
	// Storage for caches.
	Storage cache.Storage
	// Network to fetch from.
	Network Fetcher
	// Name of the cache this version writes to, e.g. "cache-v0.1".
	// It doubles as the version of the worker.
	CacheName string
	// Absolute URL of the worker script.
	// Manifest paths are resolved against it.
	ScriptURL url.URL
	// Paths to cache on install. DefaultManifest is used if nil.
	Manifest []string
	// Logger to use. The console logger is used if nil.
	Logger *zerolog.Logger
	// Metrics to record to. Optional.
	Metrics *Metrics
}

type Worker struct {
	storage   cache.Storage
	network   Fetcher
	cacheName string
	manifest  []string
	keyer     cachekey.Keyer
	log       zerolog.Logger
	metrics   *Metrics
	// fetches in progress and background cache writes
	pending sync.WaitGroup
}

// New creates a worker. It implements host.Script.
func New(config Config) *Worker {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	manifest := config.Manifest
	if manifest == nil {
		manifest = DefaultManifest
	}
	scriptURL := config.ScriptURL

	return &Worker{
		storage:   config.Storage,
		network:   config.Network,
		cacheName: config.CacheName,
		manifest:  manifest,
		keyer:     cachekey.NewKeyer(&scriptURL),
		log:       logger.With().Str("cache", config.CacheName).Logger(),
		metrics:   config.Metrics,
	}
}

// Version implements host.Script.
func (w *Worker) Version() string {
	return w.cacheName
}

// Install opens the cache and adds every manifest resource to it.
// Either all resources are stored or none are.
func (w *Worker) Install(ctx context.Context) error {
	w.log.Info().Strs("manifest", w.manifest).Msgf("Adding manifest to %s", w.cacheName)

	err := w.install(ctx)
	w.metrics.lifecycleEvent(w.cacheName, "install", err)
	return err
}

func (w *Worker) install(ctx context.Context) error {
	if err := w.storage.Open(w.cacheName); err != nil {
		return zerr.Wrap(errors.Join(ErrInstallFailed, err), "open cache")
	}

	entries := make([]cache.Entry, len(w.manifest))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range w.manifest {
		g.Go(func() error {
			entry, err := w.fetchManifestEntry(ctx, path)
			if err != nil {
				return zerr.With(err, "path", path)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return zerr.Wrap(errors.Join(ErrInstallFailed, err), "fetch manifest")
	}

	if err := w.storage.PutAll(w.cacheName, entries); err != nil {
		return zerr.Wrap(errors.Join(ErrInstallFailed, err), "store manifest")
	}
	return nil
}

func (w *Worker) fetchManifestEntry(ctx context.Context, path string) (cache.Entry, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return cache.Entry{}, err
	}
	target := w.keyer.Resolve(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return cache.Entry{}, err
	}

	res, resType, err := w.network.Fetch(req)
	if err != nil {
		return cache.Entry{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return cache.Entry{}, zerr.With(ErrBadStatus, "status", res.StatusCode)
	}

	snapshot, err := serializer.FromResponse(res, string(resType))
	if err != nil {
		return cache.Entry{}, err
	}
	w.log.Trace().Str("url", target.String()).Msg("Fetched manifest resource")
	return cache.Entry{
		Key:      w.keyer.Key(req),
		URL:      target.String(),
		Type:     snapshot.Type,
		StoredAt: snapshot.StoredAt,
		Bytes:    snapshot.Bytes,
	}, nil
}

// Activate deletes all caches, so that fresh files are fetched by this version.
func (w *Worker) Activate(ctx context.Context) error {
	names, err := w.storage.Keys()
	if err != nil {
		w.metrics.lifecycleEvent(w.cacheName, "activate", err)
		return zerr.Wrap(err, "list caches")
	}
	w.log.Info().Strs("caches", names).Msg("Deleting all caches so fresh files are fetched")

	g := errgroup.Group{}
	for _, name := range names {
		g.Go(func() error {
			if _, err := w.storage.Delete(name); err != nil {
				return zerr.With(zerr.Wrap(err, "delete cache"), "cache", name)
			}
			w.metrics.cacheDeleted()
			return nil
		})
	}
	err = g.Wait()
	w.metrics.lifecycleEvent(w.cacheName, "activate", err)
	return err
}

// Message implements host.Script.
// The only action understood is "skipWaiting".
func (w *Worker) Message(ctx context.Context, self host.Self, msg host.Message) {
	w.log.Debug().Str("action", msg.Action).Str("state", self.State().String()).Msg("Received message")
	if msg.Action == host.ActionSkipWaiting {
		w.log.Info().Msg("Told to skip waiting, so skipping")
		self.SkipWaiting()
		return
	}
	w.log.Debug().Str("action", msg.Action).Msg("Ignoring unknown message action")
}

// ServeHTTP implements the http.Handler interface.
// It handles the fetch event: cache first, network on a miss.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.pending.Add(1)
	defer w.pending.Done()

	key := w.keyer.Key(r)
	log := w.log.With().Str("method", r.Method).Str("url", r.URL.String()).Logger()

	if r.Method == http.MethodGet {
		entry, ok, err := w.storage.Match(key)
		if err != nil {
			log.Error().Err(err).Msg("Could not read from cache")
		} else if ok {
			w.sendStored(rw, entry, log)
			return
		}
	}

	cs := CacheStatus{}
	if r.Method == http.MethodGet {
		cs.Forward(CacheStatusFwdUriMiss)
	} else {
		cs.Forward(CacheStatusFwdMethod)
	}

	res, resType, err := w.network.Fetch(r)
	if err != nil {
		log.Error().Err(err).Msg("Network request failed")
		cs.Detail("network-error")
		rw.Header().Set("Cache-Status", cs.String())
		http.Error(rw, "Network request failed", http.StatusBadGateway)
		w.metrics.fetch(w.cacheName, "error")
		return
	}

	if r.Method != http.MethodGet || res.StatusCode != http.StatusOK || resType != TypeBasic {
		log.Debug().Int("status", res.StatusCode).Str("type", string(resType)).Msg("Response not cacheable, passing it on")
		rw.Header().Set("Cache-Status", cs.String())
		if err := send(rw, res); err != nil {
			log.Error().Err(err).Msg("Could not write response body to client")
		}
		w.metrics.fetch(w.cacheName, "uncacheable")
		return
	}

	// set cache-status on underlying rw only (i.e. do not save to cache)
	cs.Stored()
	rw.Header().Set("Cache-Status", cs.String())
	w.metrics.fetch(w.cacheName, "miss")

	// the body can only be read once: tee it to the client and a buffer
	saver := tee.NewResponseSaver(rw)
	copyHeader(saver.Header(), res.Header)
	saver.WriteHeader(res.StatusCode)
	_, err = io.Copy(saver, res.Body)
	res.Body.Close()
	if err != nil {
		log.Warn().Err(err).Msg("Could not read full response, not caching")
		return
	}
	if err := saver.ClientErr(); err != nil {
		log.Debug().Err(err).Msg("Client went away, caching anyway")
	}

	entry := cache.Entry{
		Key:      key,
		URL:      w.keyer.URL(r).String(),
		Type:     string(resType),
		StoredAt: time.Now(),
		Bytes:    saver.Response(),
	}
	// save to cache in goroutine (do not slow down response)
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		w.writeCache(entry, log)
	}()
}

func (w *Worker) sendStored(rw http.ResponseWriter, entry cache.Entry, log zerolog.Logger) {
	cs := CacheStatus{}
	cs.Hit()
	snapshot := serializer.Snapshot{Bytes: entry.Bytes, Type: entry.Type, StoredAt: entry.StoredAt}
	bytesWritten, err := snapshot.Write(rw, cs.Header())
	if err != nil {
		log.Error().Err(err).Msg("Could not write stored response to client")
	}
	w.metrics.fetch(w.cacheName, "hit")
	log.Trace().Msgf("Served from cache (%d bytes)", bytesWritten)
}

// writeCache stores the entry. Failures are logged and dropped:
// the next request for the resource goes to the network again.
func (w *Worker) writeCache(entry cache.Entry, log zerolog.Logger) {
	err := w.storage.Put(w.cacheName, entry)
	w.metrics.cacheWrite(w.cacheName, err)
	if err != nil {
		log.Warn().Err(err).Msg("Could not write to cache")
		return
	}
	log.Trace().Str("key", entry.Key).Msg("Cache write")
}

// Wait blocks until fetches in progress and their background cache writes have finished.
// The caller must make sure no new fetches start while it waits.
func (w *Worker) Wait() {
	w.pending.Wait()
}
