package cacheworker

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ericselin/cache-worker/cache"
	"github.com/ericselin/cache-worker/host"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deployment publishes worker versions the way a server publishes the worker script.
type deployment struct {
	mu        sync.Mutex
	t         *testing.T
	origin    *origin
	storage   cache.Storage
	cacheName string
}

func (d *deployment) load(ctx context.Context, scriptURL string) (host.Script, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return newOriginWorker(d.t, d.origin, d.storage, d.cacheName), nil
}

func (d *deployment) publish(cacheName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cacheName = cacheName
}

func TestOfflineScenario(t *testing.T) {
	o := newOrigin(t)
	storage := newStorage(t)
	d := &deployment{t: t, origin: o, storage: storage, cacheName: "cache-v0.1"}
	logger := zerolog.Nop()
	container := host.NewContainer(host.Options{Loader: d.load, Logger: &logger})
	t.Cleanup(container.Close)

	reg, err := container.Register(context.Background(), "/service-worker.js")
	require.NoError(t, err)
	require.NotNil(t, container.Controller())

	// activation of the first version purges every cache, including its own
	keys, err := storage.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
	o.reset()

	res := get(container, "/unknown.png")
	assert.Equal(t, "content of /unknown.png", body(t, res))
	assert.Equal(t, 1, o.count("/unknown.png"))
	container.Close()

	res = get(container, "/unknown.png")
	assert.Equal(t, "CacheWorker; hit", res.Header.Get("Cache-Status"))
	assert.Equal(t, 1, o.count("/unknown.png"))

	// a new version installs its manifest under the new name while the page is attached
	container.Attach()
	d.publish("cache-v0.2")
	require.NoError(t, reg.Update(context.Background()))
	waiting := reg.Waiting()
	require.NotNil(t, waiting)
	keys, err = storage.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"cache-v0.1", "cache-v0.2"}, keys)

	o.reset()
	res = get(container, "/style.css")
	assert.Equal(t, "CacheWorker; hit", res.Header.Get("Cache-Status"))
	assert.Equal(t, 0, o.total())

	waiting.PostMessage(context.Background(), host.Message{Action: host.ActionSkipWaiting})
	container.Wait()

	assert.Equal(t, "cache-v0.2", container.Controller().Version())
	keys, err = storage.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestActivationWaitsForFetchInProgress(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	o := newOrigin(t)
	o.mu.Lock()
	o.before = func(r *http.Request) {
		if r.URL.Path == "/slow.js" {
			started <- struct{}{}
			<-release
		}
	}
	o.mu.Unlock()
	storage := newStorage(t)
	d := &deployment{t: t, origin: o, storage: storage, cacheName: "cache-v0.1"}
	logger := zerolog.Nop()
	container := host.NewContainer(host.Options{Loader: d.load, Logger: &logger})
	t.Cleanup(container.Close)
	container.Attach()
	reg, err := container.Register(context.Background(), "/service-worker.js")
	require.NoError(t, err)

	done := make(chan *http.Response, 1)
	go func() { done <- get(container, "/slow.js") }()
	<-started

	d.publish("cache-v0.2")
	require.NoError(t, reg.Update(context.Background()))
	v2 := reg.Waiting()
	require.NotNil(t, v2)
	v2.PostMessage(context.Background(), host.Message{Action: host.ActionSkipWaiting})

	// the new version cannot purge while the old one is still fetching
	require.Eventually(t, func() bool { return v2.State() == host.Activating }, time.Second, 5*time.Millisecond)
	keys, err := storage.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"cache-v0.2"}, keys)

	close(release)
	res := <-done
	assert.Equal(t, "content of /slow.js", body(t, res))
	container.Wait()
	container.Close()

	assert.Equal(t, host.Activated, v2.State())
	keys, err = storage.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	res = get(container, "/slow.js")
	assert.Equal(t, "CacheWorker; fwd=uri-miss; stored", res.Header.Get("Cache-Status"))
}
