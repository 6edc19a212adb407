package page

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ericselin/cache-worker/host"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScript struct {
	version string
}

func (s *fakeScript) Version() string                    { return s.version }
func (s *fakeScript) Install(ctx context.Context) error  { return nil }
func (s *fakeScript) Activate(ctx context.Context) error { return nil }

func (s *fakeScript) Message(ctx context.Context, self host.Self, msg host.Message) {
	if msg.Action == host.ActionSkipWaiting {
		self.SkipWaiting()
	}
}

func (s *fakeScript) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(s.version))
}

type scripts struct {
	mu      sync.Mutex
	current host.Script
	err     error
}

func (l *scripts) publish(s host.Script) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = s
}

func (l *scripts) load(ctx context.Context, scriptURL string) (host.Script, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current, l.err
}

func newTestPage(t *testing.T, delay time.Duration, onReload func()) (*Controller, *host.Container, *scripts) {
	t.Helper()
	loader := &scripts{current: &fakeScript{version: "v1"}}
	logger := zerolog.Nop()
	container := host.NewContainer(host.Options{Loader: loader.load, Logger: &logger})
	c := NewController(Config{
		Container: container,
		Version:   "0.1",
		Delay:     delay,
		OnReload:  onReload,
		Logger:    &logger,
	})
	t.Cleanup(func() {
		c.Close()
		container.Close()
	})
	return c, container, loader
}

func TestLogSeparatesEntries(t *testing.T) {
	l := Log{}
	assert.Equal(t, "", l.String())
	l.Append("one")
	l.Append("two")
	assert.Equal(t, "one\r\n\r\ntwo", l.String())
}

func TestFirstLoadActivatesWithoutAnnouncement(t *testing.T) {
	c, container, _ := newTestPage(t, time.Hour, nil)

	reg, err := c.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/", reg.Scope())
	assert.Equal(t, "Version 0.1 of script.js has been loaded.", c.Log())
	require.NotNil(t, container.Controller())
	assert.Equal(t, "v1", container.Controller().Version())
	require.NotNil(t, c.Coordinator().NewWorker())
	assert.Equal(t, "v1", c.Coordinator().NewWorker().Version())
}

func TestUpdateIsAnnouncedAndWaitsForDelay(t *testing.T) {
	c, container, loader := newTestPage(t, time.Hour, nil)
	reg, err := c.Load(context.Background())
	require.NoError(t, err)

	loader.publish(&fakeScript{version: "v2"})
	require.NoError(t, reg.Update(context.Background()))

	assert.Equal(t, "Version 0.1 of script.js has been loaded.\r\n\r\n"+UpdateMessage, c.Log())
	require.NotNil(t, reg.Waiting())
	assert.Equal(t, "v2", reg.Waiting().Version())
	assert.Equal(t, "v1", container.Controller().Version())
}

func TestUpdateActivatesAndReloadsOnce(t *testing.T) {
	var reloads atomic.Int32
	c, container, loader := newTestPage(t, 10*time.Millisecond, func() { reloads.Add(1) })
	reg, err := c.Load(context.Background())
	require.NoError(t, err)

	loader.publish(&fakeScript{version: "v2"})
	require.NoError(t, reg.Update(context.Background()))

	require.Eventually(t, func() bool { return reloads.Load() == 1 }, time.Second, 5*time.Millisecond)
	c.Wait()
	container.Wait()

	assert.Equal(t, "v2", container.Controller().Version())
	assert.Equal(t, "Version 0.1 of script.js has been loaded.", c.Log())
	assert.Nil(t, c.Coordinator().NewWorker())
	assert.Equal(t, int32(1), reloads.Load())
}

func TestZeroDelayActivatesRightAway(t *testing.T) {
	var reloads atomic.Int32
	c, container, loader := newTestPage(t, 0, func() { reloads.Add(1) })
	reg, err := c.Load(context.Background())
	require.NoError(t, err)

	loader.publish(&fakeScript{version: "v2"})
	require.NoError(t, reg.Update(context.Background()))

	require.Eventually(t, func() bool { return reloads.Load() == 1 }, 500*time.Millisecond, time.Millisecond)
	c.Wait()
	container.Wait()
	assert.Equal(t, "v2", container.Controller().Version())
}

func TestControllerChangeReloadsOnlyOnce(t *testing.T) {
	logger := zerolog.Nop()
	container := host.NewContainer(host.Options{Loader: (&scripts{}).load, Logger: &logger})
	reloads := 0
	u := newUpdateCoordinator(container, &Log{}, logger, time.Hour, func() { reloads++ })
	defer u.close()

	u.controllerChanged()
	u.controllerChanged()

	assert.Equal(t, 1, reloads)
}

func TestClosedCoordinatorIgnoresNotifications(t *testing.T) {
	logger := zerolog.Nop()
	container := host.NewContainer(host.Options{Loader: (&scripts{}).load, Logger: &logger})
	reloads := 0
	u := newUpdateCoordinator(container, &Log{}, logger, time.Hour, func() { reloads++ })

	u.close()
	u.controllerChanged()

	assert.Equal(t, 0, reloads)
}

func TestLoadFailureIsReported(t *testing.T) {
	c, container, loader := newTestPage(t, time.Hour, nil)
	loader.err = errors.New("404 Not Found")

	reg, err := c.Load(context.Background())

	assert.Nil(t, reg)
	require.ErrorIs(t, err, host.ErrRegistration)
	assert.Equal(t, "Version 0.1 of script.js has been loaded.", c.Log())
	assert.Nil(t, container.Controller())
}
