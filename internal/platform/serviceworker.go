package platform

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shellcache/internal/protocol"
	"shellcache/internal/worker"
)

// State is the lifecycle position of one worker version.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

func (s State) rank() int {
	switch s {
	case StateInstalling:
		return 0
	case StateInstalled:
		return 1
	case StateActivating:
		return 2
	case StateActivated:
		return 3
	default:
		return 4
	}
}

// ServiceWorker is one worker version inside a registration.
type ServiceWorker struct {
	id        string
	scriptURL string
	hash      uint32
	reg       *Registration
	w         *worker.Worker

	mu        sync.Mutex
	state     State
	listeners []func(State)
}

func newServiceWorker(reg *Registration, scriptURL string, hash uint32) *ServiceWorker {
	return &ServiceWorker{
		id:        uuid.NewString(),
		scriptURL: scriptURL,
		hash:      hash,
		reg:       reg,
		state:     StateInstalling,
	}
}

func (sw *ServiceWorker) ID() string        { return sw.id }
func (sw *ServiceWorker) ScriptURL() string { return sw.scriptURL }
func (sw *ServiceWorker) Version() string   { return sw.w.Version() }

func (sw *ServiceWorker) State() State {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.state
}

// OnStateChange subscribes fn to state changes. Callbacks run on the
// container's event queue, after the change happened.
func (sw *ServiceWorker) OnStateChange(fn func(State)) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.listeners = append(sw.listeners, fn)
}

// setState moves the worker forward; going back is ignored.
func (sw *ServiceWorker) setState(s State) bool {
	sw.mu.Lock()
	if s.rank() <= sw.state.rank() {
		sw.mu.Unlock()
		return false
	}
	sw.state = s
	listeners := append([]func(State){}, sw.listeners...)
	sw.mu.Unlock()

	c := sw.reg.c
	c.log.Debug("worker state changed",
		zap.String("scope", sw.reg.scope),
		zap.String("worker", sw.id),
		zap.String("version", sw.w.Version()),
		zap.String("state", string(s)),
	)
	for _, fn := range listeners {
		fn := fn
		c.events.push(func() { fn(s) })
	}
	return true
}

// PostMessage delivers msg to the worker. SKIP_WAITING sent to the waiting
// worker promotes it before PostMessage returns.
func (sw *ServiceWorker) PostMessage(ctx context.Context, msg protocol.Message) error {
	if sw.State() == StateRedundant {
		return ErrRedundant
	}
	res, err := sw.w.Message(ctx, msg)
	if err != nil {
		return err
	}
	if res.SkipWaiting {
		sw.reg.skipWaiting(ctx, sw)
	}
	return nil
}

// fetch runs the worker's fetch policy and performs pass-through requests.
func (sw *ServiceWorker) fetch(ctx context.Context, req *http.Request) (*http.Response, worker.Source, error) {
	res, err := sw.w.Fetch(ctx, req)
	if err != nil {
		return nil, res.Source, err
	}
	if res.Source == worker.SourcePassThrough {
		out := req.Clone(ctx)
		out.RequestURI = ""
		resp, err := sw.reg.c.network.Do(out)
		return resp, res.Source, err
	}
	return res.Response, res.Source, nil
}
