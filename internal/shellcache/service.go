// Package shellcache assembles the serve process: cache storage, the worker
// host, a headless page driven by the controller, and the HTTP surface.
package shellcache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"shellcache/internal/cachestore"
	"shellcache/internal/config"
	"shellcache/internal/controller"
	"shellcache/internal/logger"
	"shellcache/internal/platform"
	"shellcache/internal/worker"
)

type Options struct {
	Logger logger.Logger
	// Storage overrides the store described by the config. It is not closed
	// by Service.Close.
	Storage cachestore.Storage
	Network worker.Network
	// Registry receives the worker metrics and backs /metrics. Defaults to a
	// fresh registry.
	Registry *prometheus.Registry
}

type Service struct {
	cfg         config.Config
	log         logger.Logger
	storage     cachestore.Storage
	ownsStorage bool
	registry    *prometheus.Registry
	container   *platform.Container
	echo        *echo.Echo

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	sess   *session
}

// session is the headless page and its controller. A reload replaces it.
type session struct {
	page   *platform.Client
	ctl    *controller.Controller
	cancel context.CancelFunc
}

func NewService(cfg config.Config, opts Options) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		log:      logger.OrNop(opts.Logger),
		storage:  opts.Storage,
		registry: opts.Registry,
		stopCh:   make(chan struct{}),
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	if s.storage == nil {
		st, err := openStorage(cfg, s.log)
		if err != nil {
			return nil, err
		}
		s.storage = st
		s.ownsStorage = true
	}

	network := opts.Network
	if network == nil {
		network = &http.Client{Timeout: cfg.NetworkTimeout()}
	}
	c, err := platform.New(platform.Options{
		Origin:               cfg.Server.Origin,
		Storage:              s.storage,
		Network:              network,
		Logger:               s.log,
		Metrics:              worker.NewMetrics(s.registry),
		PeriodicSyncInterval: cfg.PeriodicSync(),
	})
	if err != nil {
		s.closeStorage()
		return nil, err
	}
	s.container = c
	s.echo = s.routes()

	if every := cfg.StatsEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

func openStorage(cfg config.Config, log logger.Logger) (cachestore.Storage, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return cachestore.NewMemory(cfg.MaxBytes(), log), nil
	default:
		st, err := cachestore.OpenLevelDB(cfg.Storage.Path, cfg.MaxBytes(), log)
		if err != nil {
			return nil, fmt.Errorf("open storage %s: %w", cfg.Storage.Path, err)
		}
		return st, nil
	}
}

// Start opens the headless page and registers the worker in the background.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return platform.ErrClosed
	}
	if s.sess != nil {
		return nil
	}
	return s.openSessionLocked(nil, s.cfg.RegisterDelay())
}

func (s *Service) openSessionLocked(restore map[string]any, delay time.Duration) error {
	page, err := s.container.OpenClient(s.cfg.Worker.Scope)
	if err != nil {
		return err
	}
	updateInterval := s.cfg.UpdateInterval()
	if updateInterval == 0 {
		updateInterval = -1
	}
	ctl, err := controller.New(s.container, page, controller.Options{
		ScriptURL:             s.cfg.Worker.Script,
		Scope:                 s.cfg.Worker.Scope,
		UpdateViaCache:        s.cfg.Worker.UpdateViaCache,
		Type:                  s.cfg.Worker.Type,
		RegisterDelay:         delay,
		MaxAttempts:           s.cfg.Controller.MaxAttempts,
		UpdateInterval:        updateInterval,
		AutoApply:             s.cfg.AutoApply(),
		ClearCachesOnRegister: s.cfg.Controller.ClearCachesOnRegister,
		Notifier:              notifier{log: s.log},
		Reload:                s.reload,
		Restore:               restore,
		Logger:                s.log,
	})
	if err != nil {
		page.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.sess = &session{page: page, ctl: ctl, cancel: cancel}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := ctl.Start(ctx); err != nil {
			s.log.Error("controller start failed", zap.String("page", page.ID()), zap.Error(err))
		}
	}()
	s.log.Info("page opened", zap.String("page", page.ID()), zap.String("url", page.URL()))
	return nil
}

// reload runs on the page's event queue, so the swap happens elsewhere.
func (s *Service) reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.swapSession()
	}()
}

func (s *Service) swapSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.sess == nil {
		return
	}
	old := s.sess
	snap := old.ctl.Snapshot()
	old.cancel()
	old.ctl.Close()
	old.page.Close()
	if err := s.openSessionLocked(snap, 0); err != nil {
		s.sess = nil
		s.log.Error("page reload failed", zap.Error(err))
		return
	}
	s.log.Info("page reloaded", zap.String("previous", old.page.ID()), zap.String("page", s.sess.page.ID()))
}

func (s *Service) controller() *controller.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil
	}
	return s.sess.ctl
}

func (s *Service) Handler() http.Handler { return s.echo }

// Close stops the page, background loops and the worker host. Call it after
// the HTTP server has shut down.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sess := s.sess
	s.mu.Unlock()

	close(s.stopCh)
	if sess != nil {
		sess.cancel()
		sess.ctl.Close()
	}
	s.wg.Wait()
	err := s.container.Close()
	s.closeStorage()
	return err
}

func (s *Service) closeStorage() {
	if !s.ownsStorage {
		return
	}
	if err := s.storage.Close(); err != nil {
		s.log.Warn("close storage failed", zap.Error(err))
	}
}

type notifier struct{ log logger.Logger }

func (n notifier) UpdateAvailable(version string) {
	n.log.Info("new version available", zap.String("version", version))
}

func (n notifier) RegistrationFailed(err error) {
	n.log.Error("offline support unavailable", zap.Error(err))
}
