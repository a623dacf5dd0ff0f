// Package worker implements the offline caching policy of one worker version:
// priming and promoting cache generations, and answering intercepted requests
// from the cache or the network.
//
// Each lifecycle event has one entry point (Install, Activate, Fetch, Message,
// PeriodicSync) that returns its outcome; the host decides what to do with it.
package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"shellcache/internal/cachestore"
	"shellcache/internal/logger"
	"shellcache/internal/protocol"
)

// Network performs requests the cache cannot answer. *http.Client satisfies it.
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

// Clients is the worker's view of the pages in its scope.
type Clients interface {
	// Claim makes this worker the controller of every page in scope.
	Claim(ctx context.Context) error
	Broadcast(ctx context.Context, msg protocol.Message) error
}

type Options struct {
	// Origin is the scheme and host of the controlled pages, e.g.
	// "https://autodrive.example". Only same-origin requests are intercepted.
	Origin  string
	Storage cachestore.Storage
	Network Network
	Clients Clients
	Logger  logger.Logger
	Metrics *Metrics
	Now     func() time.Time
}

type Worker struct {
	cfg     Config
	origin  *url.URL
	storage cachestore.Storage
	network Network
	clients Clients
	log     logger.Logger
	metrics *Metrics
	now     func() time.Time

	// network fetches still running after a Network-First timeout
	bg sync.WaitGroup
}

func New(cfg Config, opts Options) (*Worker, error) {
	if err := cfg.Compile(); err != nil {
		return nil, err
	}
	origin, err := url.Parse(strings.TrimRight(opts.Origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("worker: origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("worker: origin %q must include scheme and host", opts.Origin)
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("worker: storage is required")
	}
	if opts.Network == nil {
		return nil, fmt.Errorf("worker: network is required")
	}
	w := &Worker{
		cfg:     cfg,
		origin:  &url.URL{Scheme: origin.Scheme, Host: origin.Host},
		storage: opts.Storage,
		network: opts.Network,
		clients: opts.Clients,
		log:     logger.OrNop(opts.Logger),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if w.clients == nil {
		w.clients = noClients{}
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w, nil
}

func (w *Worker) Config() Config  { return w.cfg }
func (w *Worker) Version() string { return w.cfg.Version }

// Close waits for network fetches that outlived their Network-First timeout.
func (w *Worker) Close() {
	w.bg.Wait()
}

type noClients struct{}

func (noClients) Claim(context.Context) error                       { return nil }
func (noClients) Broadcast(context.Context, protocol.Message) error { return nil }

func (w *Worker) assetURL(path string) string {
	u := *w.origin
	ref, err := url.Parse(path)
	if err != nil {
		u.Path = path
		return u.String()
	}
	return w.origin.ResolveReference(ref).String()
}

func (w *Worker) newGet(ctx context.Context, path string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, w.assetURL(path), nil)
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, w.origin.Scheme) && strings.EqualFold(u.Host, w.origin.Host)
}

// netResult is a fully read network response.
type netResult struct {
	ent        cachestore.Entry
	finalURL   *url.URL
	redirected bool
}

func (w *Worker) fetchNetwork(ctx context.Context, req *http.Request, cacheControl string) (netResult, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	if cacheControl != "" {
		out.Header.Set("Cache-Control", cacheControl)
	}

	resp, err := w.network.Do(out)
	if err != nil {
		return netResult{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return netResult{}, err
	}

	nr := netResult{
		ent:      cachestore.NewEntry(req, resp.StatusCode, resp.Header, body, w.now()),
		finalURL: out.URL,
	}
	if resp.Request != nil && resp.Request.URL != nil && resp.Request.URL.String() != out.URL.String() {
		nr.redirected = true
		nr.finalURL = resp.Request.URL
	}
	return nr, nil
}

// storable reports whether a response may be written to a cache: a GET whose
// response is 2xx, same-origin and not the result of a redirect.
func (w *Worker) storable(req *http.Request, nr netResult) bool {
	if req.Method != http.MethodGet && req.Method != "" {
		return false
	}
	if nr.ent.Status < 200 || nr.ent.Status >= 300 {
		return false
	}
	return !nr.redirected && w.sameOrigin(nr.finalURL)
}

// openExisting returns a current generation without creating it, so late
// writes and lookups never resurrect a deleted generation.
func (w *Worker) openExisting(name string) cachestore.Cache {
	ok, err := w.storage.Has(name)
	if err != nil {
		w.log.Warn("cache lookup failed", zap.String("cache", name), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	c, err := w.storage.Open(name)
	if err != nil {
		w.log.Warn("cache open failed", zap.String("cache", name), zap.Error(err))
		return nil
	}
	return c
}

// lookup searches the given kinds in order.
func (w *Worker) lookup(key string, kinds ...Kind) (cachestore.Entry, bool) {
	for _, k := range kinds {
		c := w.openExisting(w.cfg.cacheName(k))
		if c == nil {
			continue
		}
		ent, ok, err := c.Match(key)
		if err != nil {
			w.log.Warn("cache match failed", zap.String("cache", c.Name()), zap.String("key", key), zap.Error(err))
			continue
		}
		if ok {
			return ent, true
		}
	}
	return cachestore.Entry{}, false
}

func lookupOrder(k Kind) []Kind {
	if k == KindStatic {
		return []Kind{KindStatic, KindDynamic}
	}
	return []Kind{KindDynamic, KindStatic}
}

func (w *Worker) store(route *Route, req *http.Request, nr netResult) {
	if !w.storable(req, nr) {
		return
	}
	c := w.openExisting(w.cfg.cacheName(route.Cache))
	if c == nil {
		w.log.Debug("cache generation missing, response not stored",
			zap.String("cache", w.cfg.cacheName(route.Cache)), zap.String("url", nr.ent.URL))
		return
	}
	if err := c.Put(nr.ent); err != nil {
		w.log.Warn("cache put failed", zap.String("cache", c.Name()), zap.String("url", nr.ent.URL), zap.Error(err))
		return
	}
	if route.MaxEntries > 0 {
		w.trim(c, route)
	}
}

// trim deletes the oldest entries of route beyond route.MaxEntries.
func (w *Worker) trim(c cachestore.Cache, route *Route) {
	keys, err := c.Keys()
	if err != nil {
		w.log.Warn("cache keys failed", zap.String("cache", c.Name()), zap.Error(err))
		return
	}
	var own []string
	for _, k := range keys {
		_, raw, ok := strings.Cut(k, " ")
		if !ok {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if route.Matches(u.Path) {
			own = append(own, k)
		}
	}
	for i := 0; i < len(own)-route.MaxEntries; i++ {
		if _, err := c.Delete(own[i]); err != nil {
			w.log.Warn("cache trim failed", zap.String("cache", c.Name()), zap.String("key", own[i]), zap.Error(err))
		}
	}
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	if r.Method != http.MethodGet && r.Method != "" {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
