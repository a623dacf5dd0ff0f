package platform

import (
	"context"
	"fmt"
	"hash/crc32"
	"sync"

	"go.uber.org/zap"

	"shellcache/internal/protocol"
	"shellcache/internal/worker"
)

// Registration binds a scope to its worker versions. Each slot holds at most
// one worker and only one worker is active per scope.
type Registration struct {
	c     *Container
	scope string

	// serializes install, activation and update checks
	lifecycle sync.Mutex

	mu           sync.Mutex
	scriptURL    string
	opts         RegisterOptions
	installing   *ServiceWorker
	waiting      *ServiceWorker
	active       *ServiceWorker
	unregistered bool
	updateFound  []func(*ServiceWorker)
}

func newRegistration(c *Container, scope string) *Registration {
	return &Registration{c: c, scope: scope}
}

func (r *Registration) Scope() string { return r.scope }

func (r *Registration) ScriptURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scriptURL
}

func (r *Registration) Options() RegisterOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

func (r *Registration) Installing() *ServiceWorker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installing
}

func (r *Registration) Waiting() *ServiceWorker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

func (r *Registration) Active() *ServiceWorker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// OnUpdateFound subscribes fn to new installing workers. Callbacks run on the
// container's event queue, so the worker may already be past installing.
func (r *Registration) OnUpdateFound(fn func(*ServiceWorker)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFound = append(r.updateFound, fn)
}

// Update fetches the script again and installs it when its bytes changed.
func (r *Registration) Update(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.mu.Lock()
	gone := r.unregistered
	r.mu.Unlock()
	if gone {
		return ErrUnregistered
	}
	return r.updateLocked(ctx)
}

// Unregister removes the registration. Pages it already controls keep their
// worker until they close; new pages are not controlled. It reports whether
// the registration was still registered.
func (r *Registration) Unregister() bool {
	r.mu.Lock()
	if r.unregistered {
		r.mu.Unlock()
		return false
	}
	r.unregistered = true
	pending := []*ServiceWorker{r.installing, r.waiting}
	r.installing, r.waiting = nil, nil
	r.mu.Unlock()

	r.c.forget(r)
	for _, sw := range pending {
		if sw != nil {
			r.retire(sw)
		}
	}
	r.c.log.Info("worker unregistered", zap.String("scope", r.scope))
	return true
}

func (r *Registration) setScript(scriptURL string, opts RegisterOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scriptURL = scriptURL
	r.opts = opts
}

func (r *Registration) newest() *ServiceWorker {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.installing != nil:
		return r.installing
	case r.waiting != nil:
		return r.waiting
	default:
		return r.active
	}
}

func (r *Registration) workers() []*worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*worker.Worker
	for _, sw := range []*ServiceWorker{r.installing, r.waiting, r.active} {
		if sw != nil {
			out = append(out, sw.w)
		}
	}
	return out
}

func (r *Registration) updateLocked(ctx context.Context) error {
	scriptURL, opts := r.ScriptURL(), r.Options()
	body, err := r.c.fetchScript(ctx, scriptURL, opts.UpdateViaCache)
	if err != nil {
		return err
	}
	hash := crc32.ChecksumIEEE(body)
	if newest := r.newest(); newest != nil && newest.hash == hash && newest.scriptURL == scriptURL {
		r.c.log.Debug("worker script unchanged", zap.String("scope", r.scope), zap.String("script", scriptURL))
		return nil
	}
	cfg, err := worker.ParseConfig(body)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidScript, scriptURL, err)
	}
	return r.install(ctx, cfg, scriptURL, hash)
}

func (r *Registration) install(ctx context.Context, cfg worker.Config, scriptURL string, hash uint32) error {
	sw := newServiceWorker(r, scriptURL, hash)
	w, err := worker.New(cfg, worker.Options{
		Origin:  r.c.origin.String(),
		Storage: r.c.storage,
		Network: r.c.network,
		Clients: scopeClients{reg: r, sw: sw},
		Logger:  r.c.log,
		Metrics: r.c.metrics,
		Now:     r.c.now,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidScript, scriptURL, err)
	}
	sw.w = w

	r.mu.Lock()
	r.installing = sw
	listeners := append([]func(*ServiceWorker){}, r.updateFound...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn := fn
		r.c.events.push(func() { fn(sw) })
	}

	r.c.log.Info("installing worker", zap.String("scope", r.scope), zap.String("version", cfg.Version), zap.String("worker", sw.id))
	res, err := w.Install(ctx)
	if err != nil {
		r.mu.Lock()
		if r.installing == sw {
			r.installing = nil
		}
		r.mu.Unlock()
		r.retire(sw)
		r.c.log.Error("worker install failed", zap.String("scope", r.scope), zap.String("version", cfg.Version), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}

	r.mu.Lock()
	if r.installing != sw {
		// unregistered while installing
		r.mu.Unlock()
		r.retire(sw)
		return ErrUnregistered
	}
	r.installing = nil
	prev := r.waiting
	r.waiting = sw
	hasActive := r.active != nil
	r.mu.Unlock()

	if prev != nil {
		r.retire(prev)
	}
	sw.setState(StateInstalled)

	if !hasActive || res.SkipWaiting {
		r.activateLocked(ctx)
	}
	return nil
}

// skipWaiting promotes sw if it is still the waiting worker.
func (r *Registration) skipWaiting(ctx context.Context, sw *ServiceWorker) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if r.Waiting() != sw {
		return
	}
	r.activateLocked(ctx)
}

func (r *Registration) activateLocked(ctx context.Context) {
	r.mu.Lock()
	sw := r.waiting
	if sw == nil {
		r.mu.Unlock()
		return
	}
	prev := r.active
	r.waiting = nil
	r.active = sw
	r.mu.Unlock()

	if prev != nil {
		r.retire(prev)
	}
	sw.setState(StateActivating)
	if prev != nil {
		for _, cl := range r.c.clientsWhere(func(cl *Client) bool { return cl.Controller() == prev }) {
			cl.setController(sw)
		}
	}
	res, err := sw.w.Activate(ctx)
	if err != nil {
		r.c.log.Warn("worker activate failed", zap.String("scope", r.scope), zap.String("version", sw.Version()), zap.Error(err))
	}
	sw.setState(StateActivated)
	r.c.log.Info("worker active",
		zap.String("scope", r.scope),
		zap.String("version", sw.Version()),
		zap.String("worker", sw.id),
		zap.Strings("deleted_caches", res.Deleted),
	)
}

func (r *Registration) retire(sw *ServiceWorker) {
	sw.setState(StateRedundant)
	r.c.retire(sw.w)
}

// scopeClients is a worker's view of the pages of its registration.
type scopeClients struct {
	reg *Registration
	sw  *ServiceWorker
}

func (s scopeClients) Claim(context.Context) error {
	n := s.reg.c.claim(s.reg, s.sw)
	s.reg.c.log.Debug("clients claimed", zap.String("scope", s.reg.scope), zap.Int("changed", n))
	return nil
}

func (s scopeClients) Broadcast(_ context.Context, msg protocol.Message) error {
	for _, cl := range s.reg.c.clientsWhere(func(cl *Client) bool { return cl.Controller() == s.sw }) {
		cl.deliver(msg)
	}
	return nil
}
