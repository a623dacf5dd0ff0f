// Package controller is the page side of the cache worker: it registers the
// worker, notices new versions, applies them and reloads the page.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"shellcache/internal/logger"
	"shellcache/internal/platform"
	"shellcache/internal/protocol"
)

type State string

const (
	StateUnregistered    State = "unregistered"
	StateRegistering     State = "registering"
	StateRegistered      State = "registered"
	StateUpdateAvailable State = "update-available"
	StateUpdating        State = "updating"
	StateError           State = "error"
)

var (
	ErrRegistrationFailed = errors.New("controller: worker registration failed")
	ErrNotRegistered      = errors.New("controller: not registered")
	ErrNoUpdate           = errors.New("controller: no update available")
	ErrNoController       = errors.New("controller: page has no controlling worker")
	ErrClosed             = errors.New("controller: closed")
)

// Stash keys.
const (
	KeyLastUpdateCheck = "lastUpdateCheck"
	KeyLastVersion     = "lastVersion"
	KeyReloadedAt      = "reloadedAt"
)

type Controller struct {
	c    *platform.Container
	page *platform.Client
	opts Options
	log  logger.Logger

	// survives a reload through Snapshot and Options.Restore
	stash *gocache.Cache

	reloaded atomic.Bool

	mu         sync.Mutex
	state      State
	err        error
	reg        *platform.Registration
	subscribed *platform.Registration
	waiting    *platform.ServiceWorker
	current    *platform.ServiceWorker
	cron       *cron.Cron
	closed     bool
}

// New creates the controller of page. It does not register anything until
// Start or Register is called.
func New(c *platform.Container, page *platform.Client, opts Options) (*Controller, error) {
	if c == nil || page == nil {
		return nil, fmt.Errorf("controller: container and page are required")
	}
	opts.fillDefaults()
	if opts.Prober == nil {
		opts.Prober = c
	}

	ctl := &Controller{
		c:       c,
		page:    page,
		opts:    opts,
		log:     logger.OrNop(opts.Logger),
		stash:   gocache.New(gocache.NoExpiration, 0),
		state:   StateUnregistered,
		current: page.Controller(),
	}
	for k, v := range opts.Restore {
		ctl.stash.Set(k, v, gocache.NoExpiration)
	}
	page.OnControllerChange(ctl.onControllerChange)
	page.OnMessage(ctl.onMessage)
	return ctl, nil
}

func (ctl *Controller) State() State {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.state
}

// Err is the registration failure shown to the user until dismissed.
func (ctl *Controller) Err() error {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.err
}

// DismissError clears the registration failure.
func (ctl *Controller) DismissError() {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.err = nil
	if ctl.state == StateError {
		ctl.state = StateUnregistered
	}
}

// Start registers the worker after Options.RegisterDelay and schedules
// periodic update checks once registered.
func (ctl *Controller) Start(ctx context.Context) error {
	if ctl.opts.RegisterDelay > 0 {
		if err := ctl.opts.Sleep(ctx, ctl.opts.RegisterDelay); err != nil {
			return err
		}
	}
	if err := ctl.Register(ctx); err != nil {
		return err
	}
	return ctl.schedule()
}

func (ctl *Controller) schedule() error {
	if ctl.opts.UpdateInterval < 0 {
		return nil
	}
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.closed {
		return ErrClosed
	}
	if ctl.cron != nil {
		return nil
	}
	ctl.cron = cron.New()
	spec := fmt.Sprintf("@every %s", ctl.opts.UpdateInterval)
	if _, err := ctl.cron.AddJob(spec, updateJob{ctl: ctl}); err != nil {
		ctl.cron = nil
		return fmt.Errorf("controller: update schedule %s: %w", spec, err)
	}
	ctl.cron.Start()
	ctl.log.Info("update checks scheduled", zap.Duration("interval", ctl.opts.UpdateInterval))
	return nil
}

type updateJob struct{ ctl *Controller }

func (j updateJob) Run() { _ = j.ctl.CheckForUpdate(context.Background()) }

// Register probes and registers the worker script, retrying with backoff up
// to Options.MaxAttempts times. When every attempt fails the controller
// enters StateError and the error stays visible through Err.
func (ctl *Controller) Register(ctx context.Context) error {
	if !ctl.transition(StateRegistering) {
		return ErrClosed
	}

	var (
		lastErr  error
		attempts int
	)
	for attempts < ctl.opts.MaxAttempts {
		if attempts > 0 {
			wait := ctl.opts.Backoff(attempts)
			ctl.log.Info("retrying worker registration",
				zap.Int("attempt", attempts+1), zap.Duration("backoff", wait))
			if err := ctl.opts.Sleep(ctx, wait); err != nil {
				lastErr = err
				break
			}
		}
		attempts++
		reg, err := ctl.attempt(ctx)
		if err == nil {
			ctl.registered(reg)
			return nil
		}
		lastErr = err
		ctl.log.Warn("worker registration attempt failed",
			zap.Int("attempt", attempts), zap.Int("max_attempts", ctl.opts.MaxAttempts), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}

	err := fmt.Errorf("%w after %d attempts: %w", ErrRegistrationFailed, attempts, lastErr)
	ctl.mu.Lock()
	ctl.state = StateError
	ctl.err = err
	ctl.mu.Unlock()
	ctl.log.Error("worker registration failed", zap.Error(err))
	if ctl.opts.Notifier != nil {
		ctl.opts.Notifier.RegistrationFailed(err)
	}
	return err
}

func (ctl *Controller) attempt(ctx context.Context) (*platform.Registration, error) {
	if err := ctl.opts.Prober.ProbeScript(ctx, ctl.opts.ScriptURL); err != nil {
		return nil, err
	}
	if ctl.opts.ClearCachesOnRegister {
		ctl.clearCaches()
	}
	return ctl.c.Register(ctx, ctl.opts.ScriptURL, platform.RegisterOptions{
		Scope:          ctl.opts.Scope,
		UpdateViaCache: ctl.opts.UpdateViaCache,
		Type:           ctl.opts.Type,
	})
}

// clearCaches drops every registration and cache generation of the origin.
func (ctl *Controller) clearCaches() {
	for _, reg := range ctl.c.Registrations() {
		if reg.Unregister() {
			ctl.log.Info("unregistered stale worker", zap.String("scope", reg.Scope()))
		}
	}
	caches := ctl.c.Caches()
	names, err := caches.Keys()
	if err != nil {
		ctl.log.Warn("list caches failed", zap.Error(err))
		return
	}
	for _, name := range names {
		if _, err := caches.Delete(name); err != nil {
			ctl.log.Warn("delete cache failed", zap.String("cache", name), zap.Error(err))
		}
	}
	ctl.log.Info("caches cleared", zap.Int("count", len(names)))
}

func (ctl *Controller) registered(reg *platform.Registration) {
	ctl.mu.Lock()
	ctl.reg = reg
	ctl.err = nil
	if ctl.state == StateRegistering {
		ctl.state = StateRegistered
	}
	subscribe := ctl.subscribed != reg
	ctl.subscribed = reg
	ctl.mu.Unlock()

	ctl.log.Info("worker registration ready", zap.String("scope", reg.Scope()))
	if subscribe {
		reg.OnUpdateFound(ctl.onUpdateFound)
	}
	// a version may already be waiting from an earlier page
	if sw := reg.Waiting(); sw != nil {
		ctl.onWorkerState(reg, sw, sw.State())
	}
}

func (ctl *Controller) onUpdateFound(sw *platform.ServiceWorker) {
	ctl.mu.Lock()
	reg := ctl.reg
	ctl.mu.Unlock()
	if reg == nil {
		return
	}
	ctl.log.Debug("update found", zap.String("worker", sw.ID()))
	sw.OnStateChange(func(s platform.State) { ctl.onWorkerState(reg, sw, s) })
	ctl.onWorkerState(reg, sw, sw.State())
}

// onWorkerState turns an installed worker into an available update when the
// page is already controlled by another worker. A first install is not an
// update.
func (ctl *Controller) onWorkerState(reg *platform.Registration, sw *platform.ServiceWorker, s platform.State) {
	if s != platform.StateInstalled {
		return
	}
	current := ctl.page.Controller()
	if reg.Waiting() != sw || current == nil || current == sw {
		return
	}

	ctl.mu.Lock()
	if ctl.closed || ctl.waiting == sw {
		ctl.mu.Unlock()
		return
	}
	if ctl.state != StateRegistered && ctl.state != StateUpdateAvailable {
		ctl.mu.Unlock()
		return
	}
	ctl.state = StateUpdateAvailable
	ctl.waiting = sw
	ctl.mu.Unlock()

	ctl.log.Info("update available", zap.String("version", sw.Version()), zap.String("worker", sw.ID()))
	if ctl.opts.Notifier != nil {
		ctl.opts.Notifier.UpdateAvailable(sw.Version())
	}
	if ctl.opts.AutoApply {
		if err := ctl.ApplyUpdate(context.Background()); err != nil {
			ctl.log.Warn("auto apply failed", zap.Error(err))
		}
	}
}

// ApplyUpdate asks the waiting worker to take over. The page reloads on the
// following controller change.
func (ctl *Controller) ApplyUpdate(ctx context.Context) error {
	ctl.mu.Lock()
	if ctl.state != StateUpdateAvailable || ctl.waiting == nil {
		ctl.mu.Unlock()
		return ErrNoUpdate
	}
	sw := ctl.waiting
	ctl.state = StateUpdating
	ctl.mu.Unlock()

	ctl.log.Info("applying update", zap.String("version", sw.Version()))
	if err := sw.PostMessage(ctx, protocol.SkipWaiting()); err != nil {
		ctl.mu.Lock()
		if ctl.state == StateUpdating && ctl.waiting == sw {
			ctl.state = StateRegistered
			ctl.waiting = nil
		}
		ctl.mu.Unlock()
		return fmt.Errorf("controller: skip waiting: %w", err)
	}
	return nil
}

// CheckForUpdate asks the registration to look for a new worker script.
// Failures are logged and returned but never change the controller state.
func (ctl *Controller) CheckForUpdate(ctx context.Context) error {
	ctl.mu.Lock()
	reg := ctl.reg
	ctl.mu.Unlock()
	if reg == nil {
		return ErrNotRegistered
	}
	ctl.stash.Set(KeyLastUpdateCheck, ctl.opts.Now(), gocache.NoExpiration)
	if err := reg.Update(ctx); err != nil {
		ctl.log.Warn("update check failed", zap.String("scope", reg.Scope()), zap.Error(err))
		return err
	}
	return nil
}

// PageVisible is called when the page becomes visible again.
func (ctl *Controller) PageVisible(ctx context.Context) {
	_ = ctl.CheckForUpdate(ctx)
}

// RequestRefresh asks the controlling worker to rebroadcast UPDATE_AVAILABLE.
func (ctl *Controller) RequestRefresh(ctx context.Context) error {
	sw := ctl.page.Controller()
	if sw == nil {
		return ErrNoController
	}
	return sw.PostMessage(ctx, protocol.RefreshPage())
}

// Unregister removes the registration and stops update checks.
func (ctl *Controller) Unregister(ctx context.Context) error {
	ctl.mu.Lock()
	reg := ctl.reg
	ctl.reg = nil
	ctl.waiting = nil
	ctl.state = StateUnregistered
	cr := ctl.cron
	ctl.cron = nil
	ctl.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
	if reg == nil {
		return ErrNotRegistered
	}
	reg.Unregister()
	return nil
}

// Snapshot returns the stash, to be handed to the next page's
// Options.Restore.
func (ctl *Controller) Snapshot() map[string]any {
	items := ctl.stash.Items()
	out := make(map[string]any, len(items))
	for k, it := range items {
		out[k] = it.Object
	}
	return out
}

type Status struct {
	State           State     `json:"state"`
	Error           string    `json:"error,omitempty"`
	Scope           string    `json:"scope,omitempty"`
	ActiveVersion   string    `json:"activeVersion,omitempty"`
	WaitingVersion  string    `json:"waitingVersion,omitempty"`
	Controller      string    `json:"controllerVersion,omitempty"`
	LastVersion     string    `json:"lastVersion,omitempty"`
	LastUpdateCheck time.Time `json:"lastUpdateCheck,omitempty"`
}

func (ctl *Controller) Status() Status {
	ctl.mu.Lock()
	st := Status{State: ctl.state}
	if ctl.err != nil {
		st.Error = ctl.err.Error()
	}
	reg := ctl.reg
	ctl.mu.Unlock()

	if reg != nil {
		st.Scope = reg.Scope()
		if sw := reg.Active(); sw != nil {
			st.ActiveVersion = sw.Version()
		}
		if sw := reg.Waiting(); sw != nil {
			st.WaitingVersion = sw.Version()
		}
	}
	if sw := ctl.page.Controller(); sw != nil {
		st.Controller = sw.Version()
	}
	if v, ok := ctl.stash.Get(KeyLastVersion); ok {
		st.LastVersion, _ = v.(string)
	}
	if v, ok := ctl.stash.Get(KeyLastUpdateCheck); ok {
		st.LastUpdateCheck, _ = v.(time.Time)
	}
	return st
}

// Close stops update checks. The page and the container stay open.
func (ctl *Controller) Close() {
	ctl.mu.Lock()
	if ctl.closed {
		ctl.mu.Unlock()
		return
	}
	ctl.closed = true
	cr := ctl.cron
	ctl.cron = nil
	ctl.mu.Unlock()
	if cr != nil {
		<-cr.Stop().Done()
	}
}

func (ctl *Controller) transition(s State) bool {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.closed {
		return false
	}
	ctl.state = s
	return true
}

// onControllerChange reloads the page after an applied update. A new worker
// that took over on its own (skipWaiting) is treated the same way: it is
// announced unless onWorkerState already did, and the page reloads once.
func (ctl *Controller) onControllerChange(sw *platform.ServiceWorker) {
	ctl.mu.Lock()
	prev := ctl.current
	ctl.current = sw
	updating := ctl.state == StateUpdating
	takeover := !updating && !ctl.closed && prev != nil && sw != nil && prev != sw &&
		(ctl.state == StateRegistered || ctl.state == StateUpdateAvailable)
	announce := takeover && ctl.waiting != sw
	if takeover {
		ctl.state = StateUpdating
		ctl.waiting = nil
	}
	ctl.mu.Unlock()

	version := ""
	if sw != nil {
		version = sw.Version()
	}
	ctl.log.Info("controller changed", zap.String("version", version), zap.Bool("updating", updating), zap.Bool("takeover", takeover))
	if announce {
		ctl.log.Info("update available", zap.String("version", version), zap.String("worker", sw.ID()))
		if ctl.opts.Notifier != nil {
			ctl.opts.Notifier.UpdateAvailable(version)
		}
	}
	if updating || takeover {
		ctl.reload("controllerchange")
	}
}

func (ctl *Controller) onMessage(msg protocol.Message) {
	if msg.Type != protocol.TypeUpdateAvailable {
		return
	}
	ctl.stash.Set(KeyLastVersion, msg.Version(), gocache.NoExpiration)

	ctl.mu.Lock()
	updating := ctl.state == StateUpdating
	ctl.mu.Unlock()
	if updating {
		ctl.reload("update message")
	}
}

// reload fires Options.Reload at most once, however many paths ask for it.
func (ctl *Controller) reload(reason string) {
	if !ctl.reloaded.CompareAndSwap(false, true) {
		return
	}
	ctl.stash.Set(KeyReloadedAt, ctl.opts.Now(), gocache.NoExpiration)
	ctl.log.Info("reloading page", zap.String("reason", reason))
	if ctl.opts.Reload != nil {
		ctl.opts.Reload()
	}
}
