package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"shellcache/internal/cachestore"
	"shellcache/internal/protocol"
)

type InstallResult struct {
	Cache  string
	Cached []string
	Failed []string
	// SkipWaiting asks the host to activate without waiting for the
	// previous worker's pages to go away.
	SkipWaiting bool
}

// Install primes the static generation. A single asset failing is logged and
// skipped; the manifest and the offline page are synthesized when they could
// not be fetched. An error means the worker cannot be installed at all.
func (w *Worker) Install(ctx context.Context) (InstallResult, error) {
	name := w.cfg.StaticCacheName()
	static, err := w.storage.Open(name)
	if err != nil {
		return InstallResult{}, fmt.Errorf("worker: install: open %s: %w", name, err)
	}

	res := InstallResult{Cache: name, SkipWaiting: w.cfg.SkipWaiting}
	res.Cached, res.Failed = w.primeStatic(ctx, static)

	if err := w.ensureManifest(ctx, static); err != nil {
		return res, fmt.Errorf("worker: install: %w", err)
	}
	w.ensureOffline(ctx, static)

	w.log.Info("worker installed",
		zap.String("version", w.cfg.Version),
		zap.String("cache", name),
		zap.Int("cached", len(res.Cached)),
		zap.Int("failed", len(res.Failed)),
		zap.Bool("skip_waiting", res.SkipWaiting),
	)
	return res, nil
}

// primeStatic fetches every static asset bypassing HTTP caches. Each asset is
// isolated: a failure never stops the others.
func (w *Worker) primeStatic(ctx context.Context, static cachestore.Cache) (cached, failed []string) {
	for _, asset := range w.cfg.Assets() {
		if err := w.primeAsset(ctx, static, asset); err != nil {
			w.log.Warn("static asset not cached",
				zap.String("version", w.cfg.Version), zap.String("asset", asset), zap.Error(err))
			w.metrics.observeAsset(false)
			failed = append(failed, asset)
			continue
		}
		w.metrics.observeAsset(true)
		cached = append(cached, asset)
	}
	return cached, failed
}

func (w *Worker) primeAsset(ctx context.Context, static cachestore.Cache, asset string) error {
	req, err := w.newGet(ctx, asset)
	if err != nil {
		return err
	}
	cc := "no-cache"
	if asset == w.cfg.ManifestPath {
		cc = "no-store"
	}
	nr, err := w.fetchNetwork(ctx, req, cc)
	if err != nil {
		return err
	}
	if !w.storable(req, nr) {
		return fmt.Errorf("unusable response: status %d", nr.ent.Status)
	}
	if asset == w.cfg.ManifestPath && !validManifest(nr.ent.Body) {
		return fmt.Errorf("invalid manifest document")
	}
	return static.Put(nr.ent)
}

func (w *Worker) ensureManifest(ctx context.Context, static cachestore.Cache) error {
	req, err := w.newGet(ctx, w.cfg.ManifestPath)
	if err != nil {
		return err
	}
	ent, ok, err := static.Match(cachestore.KeyOf(req))
	if err == nil && ok && validManifest(ent.Body) {
		return nil
	}
	w.log.Warn("manifest unavailable, caching default", zap.String("version", w.cfg.Version))
	def := cachestore.NewEntry(req, http.StatusOK, manifestHeader(), w.manifestBody(), w.now())
	if err := static.Put(def); err != nil {
		return fmt.Errorf("cache default manifest: %w", err)
	}
	return nil
}

func (w *Worker) ensureOffline(ctx context.Context, static cachestore.Cache) {
	req, err := w.newGet(ctx, w.cfg.OfflinePath)
	if err != nil {
		w.log.Warn("offline page request", zap.Error(err))
		return
	}
	if _, ok, err := static.Match(cachestore.KeyOf(req)); err == nil && ok {
		return
	}
	w.log.Warn("offline page unavailable, caching built-in page",
		zap.String("version", w.cfg.Version), zap.String("path", w.cfg.OfflinePath))
	ent := cachestore.NewEntry(req, http.StatusOK, offlineHeader(), w.offlineBody(), w.now())
	if err := static.Put(ent); err != nil {
		w.log.Warn("offline page not cached", zap.Error(err))
	}
}

type ActivateResult struct {
	Deleted []string
}

// Activate deletes every generation other than this version's static and
// dynamic ones, claims the pages in scope and tells them about the new
// version. Deletion is best effort; a failure to claim is returned.
func (w *Worker) Activate(ctx context.Context) (ActivateResult, error) {
	keep := map[string]struct{}{
		w.cfg.StaticCacheName():  {},
		w.cfg.DynamicCacheName(): {},
	}

	var res ActivateResult
	names, err := w.storage.Keys()
	if err != nil {
		w.log.Warn("list cache generations failed", zap.Error(err))
	}
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		existed, err := w.storage.Delete(name)
		if err != nil {
			w.log.Warn("delete stale cache failed", zap.String("cache", name), zap.Error(err))
			continue
		}
		if existed {
			w.log.Info("deleted stale cache", zap.String("cache", name))
			w.metrics.observeDeleted()
			res.Deleted = append(res.Deleted, name)
		}
	}

	for name := range keep {
		if _, err := w.storage.Open(name); err != nil {
			return res, fmt.Errorf("worker: activate: open %s: %w", name, err)
		}
	}

	if err := w.clients.Claim(ctx); err != nil {
		return res, fmt.Errorf("worker: activate: claim clients: %w", err)
	}
	if err := w.clients.Broadcast(ctx, protocol.UpdateAvailable(w.cfg.Version, w.now())); err != nil {
		w.log.Warn("broadcast update failed", zap.Error(err))
	}
	w.log.Info("worker activated", zap.String("version", w.cfg.Version), zap.Int("deleted", len(res.Deleted)))
	return res, nil
}

type MessageResult struct {
	// SkipWaiting asks the host to promote this worker now.
	SkipWaiting bool
	Broadcast   bool
}

func (w *Worker) Message(ctx context.Context, msg protocol.Message) (MessageResult, error) {
	if err := msg.Validate(); err != nil {
		return MessageResult{}, err
	}
	switch msg.Type {
	case protocol.TypeSkipWaiting:
		return MessageResult{SkipWaiting: true}, nil
	case protocol.TypeRefreshPage:
		if err := w.clients.Broadcast(ctx, protocol.UpdateAvailable(w.cfg.Version, w.now())); err != nil {
			return MessageResult{}, fmt.Errorf("worker: broadcast: %w", err)
		}
		return MessageResult{Broadcast: true}, nil
	default:
		w.log.Debug("ignoring message", zap.String("type", string(msg.Type)))
		return MessageResult{}, nil
	}
}

// PeriodicSync re-fetches the manifest and the static assets into the current
// static generation. Failures leave the cached copies untouched; they are
// logged and returned joined.
func (w *Worker) PeriodicSync(ctx context.Context) error {
	static := w.openExisting(w.cfg.StaticCacheName())
	if static == nil {
		return ErrNotInstalled
	}
	_, failed := w.primeStatic(ctx, static)
	errs := make([]error, 0, len(failed))
	for _, f := range failed {
		errs = append(errs, fmt.Errorf("periodic sync %s failed", f))
	}
	return errors.Join(errs...)
}
