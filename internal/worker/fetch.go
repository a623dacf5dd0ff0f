package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"shellcache/internal/cachestore"
)

// Source says where a fetch answer came from. SourcePassThrough means the
// request was not intercepted and the host performs it unchanged; SourceStale
// is an expired cache entry used because the network failed.
type Source string

const (
	SourcePassThrough Source = "pass-through"
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceStale       Source = "stale"
	SourceOffline     Source = "offline-fallback"
	SourceDefault     Source = "default-manifest"
	SourceError       Source = "error"
)

type FetchResult struct {
	// Response is nil for SourcePassThrough.
	Response *http.Response
	Source   Source
	Strategy Strategy
}

// Fetch answers one intercepted request.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (FetchResult, error) {
	if req.Method != http.MethodGet && req.Method != "" {
		w.metrics.observeFetch("", SourcePassThrough, -1)
		return FetchResult{Source: SourcePassThrough}, nil
	}
	if !req.URL.IsAbs() {
		req = req.Clone(ctx)
		req.URL = w.origin.ResolveReference(req.URL)
	}
	if !w.sameOrigin(req.URL) {
		w.metrics.observeFetch("", SourcePassThrough, -1)
		return FetchResult{Source: SourcePassThrough}, nil
	}

	var (
		res FetchResult
		err error
	)
	if req.URL.Path == w.cfg.ManifestPath {
		res = w.fetchManifest(ctx, req)
	} else {
		route := w.cfg.route(req.URL.Path)
		switch route.Strategy {
		case StrategyCacheFirst:
			res, err = w.cacheFirst(ctx, req, route)
		default:
			res, err = w.networkFirst(ctx, req, route)
		}
	}
	if err != nil {
		w.metrics.observeFetch(res.Strategy, SourceError, -1)
		return res, err
	}
	w.metrics.observeFetch(res.Strategy, res.Source, int(res.Response.ContentLength))
	return res, nil
}

func (w *Worker) cacheFirst(ctx context.Context, req *http.Request, route *Route) (FetchResult, error) {
	key := cachestore.KeyOf(req)
	ent, cached := w.lookup(key, lookupOrder(route.Cache)...)
	if cached && !route.expired(ent.Age(w.now())) {
		return FetchResult{Response: ent.Response(req), Source: SourceCache, Strategy: StrategyCacheFirst}, nil
	}

	nr, err := w.fetchNetwork(ctx, req, "")
	if err != nil {
		if cached {
			return FetchResult{Response: ent.Response(req), Source: SourceStale, Strategy: StrategyCacheFirst}, nil
		}
		return w.fallback(ctx, req, StrategyCacheFirst, err)
	}
	w.store(route, req, nr)
	return FetchResult{Response: nr.ent.Response(req), Source: SourceNetwork, Strategy: StrategyCacheFirst}, nil
}

type netOutcome struct {
	nr  netResult
	err error
}

// networkFirst waits at most route.timeout for the network. The fetch itself
// is not cancelled by the timeout: it keeps running in the background and a
// late success is still stored.
func (w *Worker) networkFirst(ctx context.Context, req *http.Request, route *Route) (FetchResult, error) {
	ch := make(chan netOutcome, 1)
	fctx := context.WithoutCancel(ctx)
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		nr, err := w.fetchNetwork(fctx, req, "")
		if err == nil {
			w.store(route, req, nr)
		}
		ch <- netOutcome{nr: nr, err: err}
	}()

	var timeout <-chan time.Time
	if route.timeout > 0 {
		t := time.NewTimer(route.timeout)
		defer t.Stop()
		timeout = t.C
	}

	var netErr error
	select {
	case o := <-ch:
		if o.err == nil {
			return FetchResult{Response: o.nr.ent.Response(req), Source: SourceNetwork, Strategy: StrategyNetworkFirst}, nil
		}
		netErr = o.err
	case <-timeout:
		netErr = fmt.Errorf("%w after %s", ErrTimeout, route.timeout)
		w.log.Debug("network timeout, falling back to cache", zap.String("url", req.URL.String()), zap.Duration("timeout", route.timeout))
	case <-ctx.Done():
		return FetchResult{Strategy: StrategyNetworkFirst}, ctx.Err()
	}

	if ent, ok := w.lookup(cachestore.KeyOf(req), lookupOrder(route.Cache)...); ok {
		return FetchResult{Response: ent.Response(req), Source: SourceCache, Strategy: StrategyNetworkFirst}, nil
	}
	return w.fallback(ctx, req, StrategyNetworkFirst, netErr)
}

// fallback serves the offline page to navigations and fails everything else.
func (w *Worker) fallback(ctx context.Context, req *http.Request, strategy Strategy, cause error) (FetchResult, error) {
	if !isNavigation(req) {
		return FetchResult{Strategy: strategy}, fmt.Errorf("%w: %s: %w", ErrNetwork, req.URL, cause)
	}
	offReq, err := w.newGet(ctx, w.cfg.OfflinePath)
	if err != nil {
		return FetchResult{Strategy: strategy}, err
	}
	ent, ok := w.lookup(cachestore.KeyOf(offReq), KindStatic)
	if !ok {
		ent = cachestore.NewEntry(offReq, http.StatusOK, offlineHeader(), w.offlineBody(), w.now())
	}
	w.log.Info("serving offline page", zap.String("url", req.URL.String()), zap.NamedError("cause", cause))
	return FetchResult{Response: ent.Response(req), Source: SourceOffline, Strategy: strategy}, nil
}

// fetchManifest never fails: cache, then network, then the default document.
func (w *Worker) fetchManifest(ctx context.Context, req *http.Request) FetchResult {
	if ent, ok := w.lookup(cachestore.KeyOf(req), KindStatic); ok && validManifest(ent.Body) {
		return FetchResult{Response: ent.Response(req), Source: SourceCache}
	}

	nr, err := w.fetchNetwork(ctx, req, "no-store")
	if err == nil && nr.ent.Status == http.StatusOK && validManifest(nr.ent.Body) {
		w.store(&Route{Cache: KindStatic}, req, nr)
		return FetchResult{Response: nr.ent.Response(req), Source: SourceNetwork}
	}
	if err != nil {
		w.log.Warn("manifest fetch failed, serving default", zap.Error(err))
	} else {
		w.log.Warn("manifest unusable, serving default", zap.Int("status", nr.ent.Status))
	}
	ent := cachestore.NewEntry(req, http.StatusOK, manifestHeader(), w.manifestBody(), w.now())
	return FetchResult{Response: ent.Response(req), Source: SourceDefault}
}
