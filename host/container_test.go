package host

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScript struct {
	version    string
	installErr error
	// Activate and ServeHTTP block until these are closed, if set
	activateGate chan struct{}
	serveGate    chan struct{}
	serving      chan struct{}

	mu        sync.Mutex
	installs  int
	activates int
	messages  []Message
}

func (s *fakeScript) Version() string { return s.version }

func (s *fakeScript) Install(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installs++
	return s.installErr
}

func (s *fakeScript) Activate(ctx context.Context) error {
	if s.activateGate != nil {
		<-s.activateGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activates++
	return nil
}

func (s *fakeScript) Message(ctx context.Context, self Self, msg Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	if msg.Action == ActionSkipWaiting {
		self.SkipWaiting()
	}
}

func (s *fakeScript) activations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activates
}

func (s *fakeScript) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.serving != nil {
		s.serving <- struct{}{}
	}
	if s.serveGate != nil {
		<-s.serveGate
	}
	w.Write([]byte("worker " + s.version))
}

// scripts is a loader whose published script can be swapped.
type scripts struct {
	mu      sync.Mutex
	current Script
	err     error
}

func (l *scripts) publish(s Script) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = s
}

func (l *scripts) load(ctx context.Context, scriptURL string) (Script, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current, l.err
}

func newTestContainer(t *testing.T, first Script) (*Container, *scripts) {
	t.Helper()
	loader := &scripts{current: first}
	logger := zerolog.Nop()
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("network"))
	})
	c := NewContainer(Options{Loader: loader.load, Fallback: fallback, Logger: &logger})
	t.Cleanup(c.Close)
	return c, loader
}

func TestFirstRegistrationActivatesAndControls(t *testing.T) {
	v1 := &fakeScript{version: "cache-v0.1"}
	c, _ := newTestContainer(t, v1)
	changes := 0
	c.OnControllerChange(func() { changes++ })

	reg, err := c.Register(context.Background(), "/service-worker.js")
	require.NoError(t, err)

	assert.Equal(t, "/", reg.Scope())
	require.NotNil(t, reg.Active())
	assert.Equal(t, Activated, reg.Active().State())
	assert.Same(t, reg.Active(), c.Controller())
	assert.Equal(t, 1, v1.installs)
	assert.Equal(t, 1, v1.activates)
	assert.Equal(t, 0, changes, "first controller is not a change")
}

func TestRegisterSameVersionIsNoop(t *testing.T) {
	v1 := &fakeScript{version: "cache-v0.1"}
	c, _ := newTestContainer(t, v1)

	_, err := c.Register(context.Background(), "/service-worker.js")
	require.NoError(t, err)
	reg, err := c.Register(context.Background(), "/service-worker.js")
	require.NoError(t, err)

	assert.Equal(t, 1, v1.installs)
	assert.Len(t, c.Registrations(), 1)
	assert.Nil(t, reg.Waiting())
}

func TestUpdateWaitsForClients(t *testing.T) {
	c, loader := newTestContainer(t, &fakeScript{version: "cache-v0.1"})
	c.Attach()
	reg, err := c.Register(context.Background(), "/service-worker.js")
	require.NoError(t, err)
	v1 := reg.Active()

	loader.publish(&fakeScript{version: "cache-v0.2"})
	require.NoError(t, reg.Update(context.Background()))

	require.NotNil(t, reg.Waiting())
	assert.Equal(t, Installed, reg.Waiting().State())
	assert.Equal(t, "cache-v0.2", reg.Waiting().Version())
	assert.Same(t, v1, c.Controller())
}

func TestSkipWaitingMessageActivatesWaitingWorker(t *testing.T) {
	c, loader := newTestContainer(t, &fakeScript{version: "cache-v0.1"})
	c.Attach()
	reg, err := c.Register(context.Background(), "/service-worker.js")
	require.NoError(t, err)
	v1 := reg.Active()
	changes := 0
	c.OnControllerChange(func() { changes++ })

	loader.publish(&fakeScript{version: "cache-v0.2"})
	require.NoError(t, reg.Update(context.Background()))
	waiting := reg.Waiting()
	require.NotNil(t, waiting)

	waiting.PostMessage(context.Background(), Message{Action: ActionSkipWaiting})
	c.Wait()

	assert.Equal(t, Activated, waiting.State())
	assert.Same(t, waiting, c.Controller())
	assert.Equal(t, Redundant, v1.State())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, 1, changes)
}

func TestUnknownMessageDoesNotActivate(t *testing.T) {
	c, loader := newTestContainer(t, &fakeScript{version: "cache-v0.1"})
	c.Attach()
	reg, err := c.Register(context.Background(), "/service-worker.js")
	require.NoError(t, err)

	v2 := &fakeScript{version: "cache-v0.2"}
	loader.publish(v2)
	require.NoError(t, reg.Update(context.Background()))
	reg.Waiting().PostMessage(context.Background(), Message{Action: "reload"})
	c.Wait()

	assert.Equal(t, Installed, reg.Waiting().State())
	assert.Len(t, v2.messages, 1)
}

func TestDetachActivatesWaitingWorker(t *testing.T) {
	c, loader := newTestContainer(t, &fakeScript{version: "cache-v0.1"})
	c.Attach()
	reg, err := c.Register(context.Background(), "/service-worker.js")
	require.NoError(t, err)

	loader.publish(&fakeScript{version: "cache-v0.2"})
	require.NoError(t, reg.Update(context.Background()))
	c.Detach()
	c.Wait()

	assert.Equal(t, "cache-v0.2", c.Controller().Version())
}

func TestInstallFailureKeepsPreviousWorker(t *testing.T) {
	c, loader := newTestContainer(t, &fakeScript{version: "cache-v0.1"})
	reg, err := c.Register(context.Background(), "/service-worker.js")
	require.NoError(t, err)
	v1 := reg.Active()

	var failed *ServiceWorker
	reg.OnUpdateFound(func(r *Registration) { failed = r.Installing() })
	loader.publish(&fakeScript{version: "cache-v0.2", installErr: errors.New("style.css: 404")})
	err = reg.Update(context.Background())

	require.ErrorIs(t, err, ErrInstallFailed)
	require.NotNil(t, failed)
	assert.Equal(t, Redundant, failed.State())
	assert.Same(t, v1, reg.Active())
	assert.Same(t, v1, c.Controller())
}

func TestFailedFirstInstallIsNotRegistrationError(t *testing.T) {
	c, _ := newTestContainer(t, &fakeScript{version: "cache-v0.1", installErr: errors.New("offline")})
	reg, err := c.Register(context.Background(), "/service-worker.js")
	require.NoError(t, err)
	assert.Nil(t, reg.Active())
	assert.Nil(t, c.Controller())
}

func TestRegistrationErrors(t *testing.T) {
	c, loader := newTestContainer(t, &fakeScript{version: "cache-v0.1"})

	_, err := c.Register(context.Background(), "service-worker.js")
	assert.ErrorIs(t, err, ErrRegistration)
	_, err = c.Register(context.Background(), "http://example.com/service-worker.js")
	assert.ErrorIs(t, err, ErrRegistration)
	_, err = c.Register(context.Background(), "/js/service-worker.js", WithScope("/"))
	assert.ErrorIs(t, err, ErrRegistration)

	loader.err = errors.New("404")
	_, err = c.Register(context.Background(), "/service-worker.js")
	assert.ErrorIs(t, err, ErrRegistration)
	assert.ErrorIs(t, err, ErrScriptLoad)
	assert.Empty(t, c.Registrations())
}

func TestStateChangesInOrder(t *testing.T) {
	c, _ := newTestContainer(t, &fakeScript{version: "cache-v0.1"})
	var states []State
	_, err := c.Register(context.Background(), "/service-worker.js", WithUpdateFound(func(r *Registration) {
		require.Equal(t, Installing, r.Installing().State())
		r.Installing().OnStateChange(func(s State) { states = append(states, s) })
	}))
	require.NoError(t, err)
	assert.Equal(t, []State{Installed, Activating, Activated}, states)
}

func TestServeHTTPDispatch(t *testing.T) {
	c, _ := newTestContainer(t, &fakeScript{version: "cache-v0.1"})

	get := func(path string) string {
		rr := httptest.NewRecorder()
		c.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
		return rr.Body.String()
	}

	assert.Equal(t, "network", get("/app/style.css"), "no controller yet")
	_, err := c.Register(context.Background(), "/app/service-worker.js")
	require.NoError(t, err)
	assert.Equal(t, "worker cache-v0.1", get("/app/style.css"))
	assert.Equal(t, "network", get("/other/style.css"))
}

func serveAsync(c *Container, path string) chan string {
	result := make(chan string, 1)
	go func() {
		rr := httptest.NewRecorder()
		c.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
		result <- rr.Body.String()
	}()
	return result
}

func TestActivationWaitsForFetchInProgress(t *testing.T) {
	v1 := &fakeScript{version: "cache-v0.1", serveGate: make(chan struct{}), serving: make(chan struct{}, 1)}
	c, loader := newTestContainer(t, v1)
	c.Attach()
	reg, err := c.Register(context.Background(), "/service-worker.js")
	require.NoError(t, err)

	result := serveAsync(c, "/style.css")
	<-v1.serving

	v2 := &fakeScript{version: "cache-v0.2"}
	loader.publish(v2)
	require.NoError(t, reg.Update(context.Background()))
	waiting := reg.Waiting()
	waiting.PostMessage(context.Background(), Message{Action: ActionSkipWaiting})

	require.Eventually(t, func() bool { return waiting.State() == Activating }, time.Second, time.Millisecond)
	require.Never(t, func() bool { return v2.activations() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	close(v1.serveGate)
	assert.Equal(t, "worker cache-v0.1", <-result)
	c.Wait()
	assert.Equal(t, 1, v2.activations())
	assert.Equal(t, Activated, waiting.State())
}

func TestFetchDuringActivationIsHeld(t *testing.T) {
	c, loader := newTestContainer(t, &fakeScript{version: "cache-v0.1"})
	c.Attach()
	reg, err := c.Register(context.Background(), "/service-worker.js")
	require.NoError(t, err)

	v2 := &fakeScript{version: "cache-v0.2", activateGate: make(chan struct{})}
	loader.publish(v2)
	require.NoError(t, reg.Update(context.Background()))
	waiting := reg.Waiting()
	waiting.PostMessage(context.Background(), Message{Action: ActionSkipWaiting})
	require.Eventually(t, func() bool { return waiting.State() == Activating }, time.Second, time.Millisecond)

	result := serveAsync(c, "/style.css")
	require.Never(t, func() bool { return len(result) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	close(v2.activateGate)
	assert.Equal(t, "worker cache-v0.2", <-result)
	c.Wait()
}

func TestScriptURLReadsDuringRegister(t *testing.T) {
	c, _ := newTestContainer(t, &fakeScript{version: "cache-v0.1"})
	reg, err := c.Register(context.Background(), "/service-worker.js")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			c.Register(context.Background(), "/service-worker.js")
		}
	}()
	for i := 0; i < 20; i++ {
		assert.Equal(t, "/service-worker.js", reg.ScriptURL())
		assert.Equal(t, "/service-worker.js", reg.Active().ScriptURL())
		assert.NoError(t, reg.Update(context.Background()))
	}
	<-done
}
