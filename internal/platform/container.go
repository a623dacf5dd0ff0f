// Package platform hosts cache workers for one origin: it fetches worker
// scripts, moves worker versions through their lifecycle, tracks the pages
// they control and delivers messages between both sides.
package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"shellcache/internal/cachestore"
	"shellcache/internal/logger"
	"shellcache/internal/worker"
)

const (
	UpdateViaCacheImports = "imports"
	UpdateViaCacheAll     = "all"
	UpdateViaCacheNone    = "none"

	ScriptTypeClassic = "classic"
	ScriptTypeModule  = "module"
)

type Options struct {
	// Origin is the scheme and host every registration and client belongs to.
	Origin  string
	Storage cachestore.Storage
	// Network performs script fetches, worker network requests and
	// pass-through requests. Defaults to an *http.Client with a 30s timeout.
	Network worker.Network
	Logger  logger.Logger
	// Metrics is shared by every worker version the container creates.
	Metrics *worker.Metrics
	// PeriodicSyncInterval enables periodic sync of active workers.
	PeriodicSyncInterval time.Duration
	Now                  func() time.Time
}

type RegisterOptions struct {
	// Scope is the path prefix the registration controls. Defaults to "/".
	Scope string
	// UpdateViaCache is "imports" (default), "all" or "none". Only "all"
	// lets the script fetch be answered by HTTP caches.
	UpdateViaCache string
	// Type is "classic" (default) or "module". It is recorded only.
	Type string
}

func (o *RegisterOptions) normalize() error {
	if o.Scope == "" {
		o.Scope = "/"
	}
	if !strings.HasPrefix(o.Scope, "/") {
		return fmt.Errorf("platform: scope %q must be an absolute path", o.Scope)
	}
	switch o.UpdateViaCache {
	case "":
		o.UpdateViaCache = UpdateViaCacheImports
	case UpdateViaCacheImports, UpdateViaCacheAll, UpdateViaCacheNone:
	default:
		return fmt.Errorf("platform: unknown updateViaCache %q", o.UpdateViaCache)
	}
	switch o.Type {
	case "":
		o.Type = ScriptTypeClassic
	case ScriptTypeClassic, ScriptTypeModule:
	default:
		return fmt.Errorf("platform: unknown script type %q", o.Type)
	}
	return nil
}

// Container is the worker host of one origin.
type Container struct {
	origin  *url.URL
	storage cachestore.Storage
	network worker.Network
	log     logger.Logger
	metrics *worker.Metrics
	now     func() time.Time

	// lifecycle callbacks (updatefound, statechange)
	events *eventQueue
	// every queue goroutine, the container's and the clients'
	wg    sync.WaitGroup
	cron  *cron.Cron
	stats *responseStats

	mu      sync.Mutex
	closed  bool
	regs    map[string]*Registration
	clients map[string]*Client
	retired []*worker.Worker
}

func New(opts Options) (*Container, error) {
	origin, err := url.Parse(strings.TrimRight(opts.Origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("platform: origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("platform: origin %q must include scheme and host", opts.Origin)
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("platform: storage is required")
	}

	c := &Container{
		origin:  &url.URL{Scheme: origin.Scheme, Host: origin.Host},
		storage: opts.Storage,
		network: opts.Network,
		log:     logger.OrNop(opts.Logger),
		metrics: opts.Metrics,
		now:     opts.Now,
		regs:    make(map[string]*Registration),
		clients: make(map[string]*Client),
		stats:   newResponseStats(),
	}
	if c.network == nil {
		c.network = &http.Client{Timeout: 30 * time.Second}
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.events = newEventQueue("container", &c.wg, c.log)

	if opts.PeriodicSyncInterval > 0 {
		c.cron = cron.New()
		spec := fmt.Sprintf("@every %s", opts.PeriodicSyncInterval)
		if _, err := c.cron.AddJob(spec, periodicSyncJob{c: c}); err != nil {
			c.events.close()
			c.wg.Wait()
			return nil, fmt.Errorf("platform: periodic sync schedule %s: %w", spec, err)
		}
		c.cron.Start()
		c.log.Info("periodic sync scheduled", zap.Duration("interval", opts.PeriodicSyncInterval))
	}
	return c, nil
}

func (c *Container) Origin() string { return c.origin.String() }

// Caches is the cache storage shared by every worker of the origin.
func (c *Container) Caches() cachestore.Storage { return c.storage }

// Register fetches and installs the worker script for opts.Scope. Registering
// the script URL the scope already runs is a no-op; use Registration.Update
// to look for a new version.
func (c *Container) Register(ctx context.Context, scriptURL string, opts RegisterOptions) (*Registration, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	abs, err := c.resolve(scriptURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	reg, ok := c.regs[opts.Scope]
	if !ok {
		reg = newRegistration(c, opts.Scope)
		c.regs[opts.Scope] = reg
	}
	c.mu.Unlock()

	reg.lifecycle.Lock()
	defer reg.lifecycle.Unlock()

	if newest := reg.newest(); newest != nil && newest.scriptURL == abs && reg.Options() == opts {
		return reg, nil
	}
	reg.setScript(abs, opts)
	if err := reg.updateLocked(ctx); err != nil {
		if reg.newest() == nil {
			c.forget(reg)
		}
		return nil, err
	}
	c.log.Info("worker registered",
		zap.String("scope", opts.Scope),
		zap.String("script", abs),
		zap.String("update_via_cache", opts.UpdateViaCache),
		zap.String("type", opts.Type),
	)
	return reg, nil
}

// GetRegistration returns the registration controlling path: the one with
// the longest scope that prefixes it.
func (c *Container) GetRegistration(path string) (*Registration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matchLocked(path)
}

func (c *Container) matchLocked(path string) (*Registration, bool) {
	var best *Registration
	for scope, reg := range c.regs {
		if !strings.HasPrefix(path, scope) {
			continue
		}
		if best == nil || len(scope) > len(best.scope) {
			best = reg
		}
	}
	return best, best != nil
}

// Registrations lists registrations ordered by scope.
func (c *Container) Registrations() []*Registration {
	c.mu.Lock()
	out := make([]*Registration, 0, len(c.regs))
	for _, reg := range c.regs {
		out = append(out, reg)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].scope < out[j].scope })
	return out
}

// OpenClient opens a page at rawURL. The page is controlled by the active
// worker of its registration, if there is one.
func (c *Container) OpenClient(rawURL string) (*Client, error) {
	abs, err := c.resolve(rawURL)
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(abs)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	id := uuid.NewString()
	cl := &Client{
		id:  id,
		url: u,
		c:   c,
		q:   newEventQueue("client "+id, &c.wg, c.log),
	}
	if reg, ok := c.matchLocked(u.Path); ok {
		cl.controller = reg.Active()
	}
	c.clients[id] = cl
	return cl, nil
}

// ProbeScript fetches the worker script the way registration does and checks
// it is usable, without installing anything.
func (c *Container) ProbeScript(ctx context.Context, scriptURL string) error {
	abs, err := c.resolve(scriptURL)
	if err != nil {
		return err
	}
	_, err = c.fetchScript(ctx, abs, UpdateViaCacheNone)
	return err
}

// PeriodicSync asks every active worker to refresh its static cache.
func (c *Container) PeriodicSync(ctx context.Context) {
	for _, reg := range c.Registrations() {
		sw := reg.Active()
		if sw == nil {
			continue
		}
		if err := sw.w.PeriodicSync(ctx); err != nil {
			c.log.Warn("periodic sync failed",
				zap.String("scope", reg.scope), zap.String("version", sw.Version()), zap.Error(err))
			continue
		}
		c.log.Debug("periodic sync done", zap.String("scope", reg.scope), zap.String("version", sw.Version()))
	}
}

type periodicSyncJob struct{ c *Container }

func (j periodicSyncJob) Run() { j.c.PeriodicSync(context.Background()) }

// Close stops periodic sync, closes every client and waits for queued
// callbacks and background worker fetches. The storage is left open.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	clients := make([]*Client, 0, len(c.clients))
	for _, cl := range c.clients {
		clients = append(clients, cl)
	}
	var workers []*worker.Worker
	for _, reg := range c.regs {
		workers = append(workers, reg.workers()...)
	}
	workers = append(workers, c.retired...)
	c.mu.Unlock()

	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	for _, cl := range clients {
		cl.Close()
	}
	c.events.close()
	c.wg.Wait()
	for _, w := range workers {
		w.Close()
	}
	return nil
}

func (c *Container) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("platform: url %q: %w", raw, err)
	}
	u := c.origin.ResolveReference(ref)
	if !strings.EqualFold(u.Scheme, c.origin.Scheme) || !strings.EqualFold(u.Host, c.origin.Host) {
		return "", fmt.Errorf("platform: url %q is not on origin %s", raw, c.origin)
	}
	return u.String(), nil
}

func (c *Container) fetchScript(ctx context.Context, scriptURL, updateViaCache string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scriptURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScriptFetch, err)
	}
	req.Header.Set("Service-Worker", "script")
	if updateViaCache != UpdateViaCacheAll {
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := c.network.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrScriptFetch, scriptURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrScriptFetch, scriptURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s: status %d", ErrScriptFetch, scriptURL, resp.StatusCode)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: %s: empty body", ErrScriptFetch, scriptURL)
	}
	return body, nil
}

func (c *Container) forget(reg *Registration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.regs[reg.scope] == reg {
		delete(c.regs, reg.scope)
	}
}

func (c *Container) retire(w *worker.Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retired = append(c.retired, w)
}

func (c *Container) removeClient(cl *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, cl.id)
}

// clientsWhere returns open clients accepted by keep, in no particular order.
func (c *Container) clientsWhere(keep func(*Client) bool) []*Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Client
	for _, cl := range c.clients {
		if keep(cl) {
			out = append(out, cl)
		}
	}
	return out
}

// claim makes sw the controller of every open client whose registration is
// reg.
func (c *Container) claim(reg *Registration, sw *ServiceWorker) int {
	c.mu.Lock()
	var targets []*Client
	for _, cl := range c.clients {
		if m, ok := c.matchLocked(cl.url.Path); ok && m == reg {
			targets = append(targets, cl)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, cl := range targets {
		if cl.setController(sw) {
			n++
		}
	}
	return n
}
