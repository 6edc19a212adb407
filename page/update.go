package page

import (
	"context"
	"sync"
	"time"

	"github.com/ericselin/cache-worker/host"

	"github.com/rs/zerolog"
)

// UpdateMessage is appended to the log when a new worker is ready to take over.
const UpdateMessage = "A new service worker is available. In 3 seconds, the page will refresh with the new service worker activated..."

// UpdateCoordinator tells a newly installed worker to skip waiting and
// reloads the page once the new worker has taken control.
// One coordinator lives from registration until the page reloads.
type UpdateCoordinator struct {
	container *host.Container
	log       *Log
	logger    zerolog.Logger
	delay     time.Duration
	reload    func()

	mu          sync.Mutex
	newWorker   *host.ServiceWorker
	refreshing  bool
	closed      bool
	timer       *time.Timer
	unsubscribe func()
}

func newUpdateCoordinator(container *host.Container, log *Log, logger zerolog.Logger, delay time.Duration, reload func()) *UpdateCoordinator {
	u := &UpdateCoordinator{
		container: container,
		log:       log,
		logger:    logger,
		delay:     delay,
		reload:    reload,
	}
	u.unsubscribe = container.OnControllerChange(u.controllerChanged)
	return u
}

// NewWorker returns the worker most recently found installing, or nil.
func (u *UpdateCoordinator) NewWorker() *host.ServiceWorker {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.newWorker
}

func (u *UpdateCoordinator) updateFound(reg *host.Registration) {
	sw := reg.Installing()
	if sw == nil {
		return
	}
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.newWorker = sw
	u.mu.Unlock()

	u.logger.Debug().Int("worker", sw.ID()).Str("version", sw.Version()).Msg("An update has been found")
	sw.OnStateChange(func(s host.State) {
		u.stateChanged(sw, s)
	})
}

func (u *UpdateCoordinator) stateChanged(sw *host.ServiceWorker, s host.State) {
	// without a controller this is the first install, nothing to replace
	if s != host.Installed || u.container.Controller() == nil {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed || u.newWorker != sw {
		return
	}
	u.log.Append(UpdateMessage)
	if u.timer != nil {
		u.timer.Stop()
	}
	u.timer = time.AfterFunc(u.delay, func() {
		sw.PostMessage(context.Background(), host.Message{Action: host.ActionSkipWaiting})
	})
}

func (u *UpdateCoordinator) controllerChanged() {
	u.mu.Lock()
	if u.closed || u.refreshing {
		u.mu.Unlock()
		return
	}
	u.refreshing = true
	u.mu.Unlock()

	u.logger.Info().Msg("Controller changed, the worker has been updated")
	u.reload()
}

// close stops pending messages and notifications.
func (u *UpdateCoordinator) close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.closed = true
	if u.timer != nil {
		u.timer.Stop()
	}
	u.unsubscribe()
}
