// Package page is the page side of a cache worker: it registers the worker
// when the page loads and reloads the page when a new version takes control.
package page

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ericselin/cache-worker/host"

	"github.com/rs/zerolog"
)

const DefaultScriptURL = "/service-worker.js"

type Config struct {
	// Container to register the worker with. Required.
	Container *host.Container
	// Path of the worker script. DefaultScriptURL if empty.
	ScriptURL string
	// Scope to register for. The directory of the script if empty.
	Scope string
	// Version of the page, shown when it loads.
	Version string
	// Time between announcing an update and activating it. Zero activates right away.
	Delay time.Duration
	// OnReload is called after each reload of the page.
	OnReload func()
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Controller is one page using the worker.
type Controller struct {
	container *host.Container
	scriptURL string
	scope     string
	version   string
	delay     time.Duration
	onReload  func()
	logger    zerolog.Logger
	log       Log
	reloads   sync.WaitGroup

	mu           sync.Mutex
	attached     bool
	coordinator  *UpdateCoordinator
	registration *host.Registration
}

func NewController(config Config) *Controller {
	// use console logger if not specified
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	scriptURL := config.ScriptURL
	if scriptURL == "" {
		scriptURL = DefaultScriptURL
	}
	return &Controller{
		container: config.Container,
		scriptURL: scriptURL,
		scope:     config.Scope,
		version:   config.Version,
		delay:     config.Delay,
		onReload:  config.OnReload,
		logger:    logger.With().Str("page", config.Version).Logger(),
	}
}

// Load registers the worker script. Registration failures are logged and
// returned, and not retried.
func (c *Controller) Load(ctx context.Context) (*host.Registration, error) {
	c.mu.Lock()
	if !c.attached {
		c.container.Attach()
		c.attached = true
	}
	coordinator := newUpdateCoordinator(c.container, &c.log, c.logger, c.delay, c.scheduleReload)
	c.coordinator = coordinator
	c.mu.Unlock()

	c.log.Append(fmt.Sprintf("Version %s of script.js has been loaded.", c.version))

	opts := []host.RegisterOption{host.WithUpdateFound(coordinator.updateFound)}
	if c.scope != "" {
		opts = append(opts, host.WithScope(c.scope))
	}
	reg, err := c.container.Register(ctx, c.scriptURL, opts...)
	if err != nil {
		c.logger.Error().Err(err).Str("script", c.scriptURL).Msg("Worker registration failed")
		return nil, err
	}
	c.logger.Info().Str("scope", reg.Scope()).Msg("Worker registration successful")

	c.mu.Lock()
	c.registration = reg
	c.mu.Unlock()
	return reg, nil
}

// Reload clears the update coordinator and the diagnostic log, then loads again.
func (c *Controller) Reload(ctx context.Context) (*host.Registration, error) {
	c.mu.Lock()
	if c.coordinator != nil {
		c.coordinator.close()
		c.coordinator = nil
	}
	c.mu.Unlock()
	c.log.clear()

	c.logger.Info().Msg("Reloading page")
	reg, err := c.Load(ctx)
	if c.onReload != nil {
		c.onReload()
	}
	return reg, err
}

// scheduleReload reloads in the background. Controller changes are
// announced while an update job runs, and Load has to wait for that job.
func (c *Controller) scheduleReload() {
	c.reloads.Add(1)
	go func() {
		defer c.reloads.Done()
		c.Reload(context.Background())
	}()
}

// Log returns the diagnostic text shown on the page.
func (c *Controller) Log() string {
	return c.log.String()
}

func (c *Controller) Registration() *host.Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registration
}

// Coordinator returns the update coordinator of the current load, or nil.
func (c *Controller) Coordinator() *UpdateCoordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coordinator
}

// Wait blocks until pending reloads have finished.
func (c *Controller) Wait() {
	c.reloads.Wait()
}

// Close stops watching for updates and detaches the page from the container.
func (c *Controller) Close() {
	c.reloads.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coordinator != nil {
		c.coordinator.close()
		c.coordinator = nil
	}
	if c.attached {
		c.container.Detach()
		c.attached = false
	}
}
