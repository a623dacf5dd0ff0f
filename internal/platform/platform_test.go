package platform

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellcache/internal/cachestore"
	"shellcache/internal/protocol"
)

const (
	testOrigin = "http://app.test"
	scriptPath = "/sw.yaml"
)

func script(version string, extra ...string) string {
	return "version: " + version + "\nstaticAssets: [/]\n" + strings.Join(extra, "\n")
}

type env struct {
	c       *Container
	mt      *httpmock.MockTransport
	storage cachestore.Storage
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		mt:      httpmock.NewMockTransport(),
		storage: cachestore.NewMemory(0, nil),
	}
	e.mt.RegisterResponder(http.MethodGet, testOrigin+"/", httpmock.NewStringResponder(200, "<html>shell</html>"))
	e.mt.RegisterResponder(http.MethodGet, testOrigin+"/manifest.json",
		httpmock.NewStringResponder(200, `{"name":"AutoDrive","icons":[{"src":"/i.png"}]}`))
	e.mt.RegisterResponder(http.MethodGet, testOrigin+"/offline.html", httpmock.NewStringResponder(200, "<html>offline</html>"))
	e.serveScript(script("v1"))

	var err error
	e.c, err = New(Options{Origin: testOrigin, Storage: e.storage, Network: &http.Client{Transport: e.mt}})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, e.c.Close())
		_ = e.storage.Close()
	})
	return e
}

func (e *env) serveScript(body string) {
	e.mt.RegisterResponder(http.MethodGet, testOrigin+scriptPath, httpmock.NewStringResponder(200, body))
}

func (e *env) register(t *testing.T) *Registration {
	t.Helper()
	reg, err := e.c.Register(context.Background(), scriptPath, RegisterOptions{})
	require.NoError(t, err)
	return reg
}

// page records what a client observes.
type page struct {
	mu          sync.Mutex
	messages    []protocol.Message
	controllers []*ServiceWorker
}

func watch(cl *Client) *page {
	p := &page{}
	cl.OnMessage(func(m protocol.Message) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.messages = append(p.messages, m)
	})
	cl.OnControllerChange(func(sw *ServiceWorker) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.controllers = append(p.controllers, sw)
	})
	return p
}

func (p *page) snapshot() ([]protocol.Message, []*ServiceWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Message(nil), p.messages...), append([]*ServiceWorker(nil), p.controllers...)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Origin: "app.test", Storage: cachestore.NewMemory(0, nil)})
	assert.Error(t, err)
	_, err = New(Options{Origin: testOrigin})
	assert.Error(t, err)
}

func TestRegister_FirstInstallActivates(t *testing.T) {
	e := newEnv(t)
	var scriptHeaders http.Header
	e.mt.RegisterResponder(http.MethodGet, testOrigin+scriptPath, func(req *http.Request) (*http.Response, error) {
		scriptHeaders = req.Header.Clone()
		return httpmock.NewStringResponse(200, script("v1")), nil
	})

	reg := e.register(t)
	assert.Equal(t, "/", reg.Scope())
	assert.Equal(t, testOrigin+scriptPath, reg.ScriptURL())
	assert.Equal(t, RegisterOptions{Scope: "/", UpdateViaCache: UpdateViaCacheImports, Type: ScriptTypeClassic}, reg.Options())
	assert.Equal(t, "no-cache", scriptHeaders.Get("Cache-Control"))
	assert.Equal(t, "script", scriptHeaders.Get("Service-Worker"))

	active := reg.Active()
	require.NotNil(t, active)
	assert.Equal(t, "v1", active.Version())
	assert.Equal(t, StateActivated, active.State())
	assert.NotEmpty(t, active.ID())
	assert.Nil(t, reg.Installing())
	assert.Nil(t, reg.Waiting())

	keys, err := e.storage.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shellcache-static-v1", "shellcache-dynamic-v1"}, keys)

	got, ok := e.c.GetRegistration("/cars/1")
	require.True(t, ok)
	assert.Same(t, reg, got)

	t.Run("same script is a no-op", func(t *testing.T) {
		before := e.mt.GetCallCountInfo()["GET "+testOrigin+scriptPath]
		again := e.register(t)
		assert.Same(t, reg, again)
		assert.Same(t, active, again.Active())
		assert.Equal(t, before, e.mt.GetCallCountInfo()["GET "+testOrigin+scriptPath])
	})
}

func TestRegister_UpdateViaCacheAll(t *testing.T) {
	e := newEnv(t)
	var cc string
	e.mt.RegisterResponder(http.MethodGet, testOrigin+scriptPath, func(req *http.Request) (*http.Response, error) {
		cc = req.Header.Get("Cache-Control")
		return httpmock.NewStringResponse(200, script("v1")), nil
	})

	_, err := e.c.Register(context.Background(), scriptPath, RegisterOptions{UpdateViaCache: UpdateViaCacheAll, Type: ScriptTypeModule})
	require.NoError(t, err)
	assert.Empty(t, cc)
}

func TestRegister_Errors(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		wantErr   error
	}{
		{name: "not found", responder: httpmock.NewStringResponder(404, "missing"), wantErr: ErrScriptFetch},
		{name: "empty body", responder: httpmock.NewStringResponder(200, "  \n"), wantErr: ErrScriptFetch},
		{name: "network down", responder: httpmock.NewErrorResponder(errors.New("dial tcp: refused")), wantErr: ErrScriptFetch},
		{name: "invalid script", responder: httpmock.NewStringResponder(200, "cachePrefix: x\n"), wantErr: ErrInvalidScript},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.mt.RegisterResponder(http.MethodGet, testOrigin+scriptPath, tt.responder)

			_, err := e.c.Register(context.Background(), scriptPath, RegisterOptions{})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, e.c.Registrations())
		})
	}

	t.Run("bad options", func(t *testing.T) {
		e := newEnv(t)
		for _, opts := range []RegisterOptions{{Scope: "app"}, {UpdateViaCache: "sometimes"}, {Type: "wasm"}} {
			_, err := e.c.Register(context.Background(), scriptPath, opts)
			assert.Error(t, err, "%+v", opts)
		}
		_, err := e.c.Register(context.Background(), "https://cdn.example/sw.yaml", RegisterOptions{})
		assert.Error(t, err)
		assert.Zero(t, e.mt.GetTotalCallCount())
	})

	t.Run("install failure", func(t *testing.T) {
		e := newEnv(t)
		require.NoError(t, e.storage.Close())

		_, err := e.c.Register(context.Background(), scriptPath, RegisterOptions{})
		assert.ErrorIs(t, err, ErrInstall)
		assert.Empty(t, e.c.Registrations())
	})
}

func TestUpdate_WaitsForSkipWaiting(t *testing.T) {
	e := newEnv(t)
	reg := e.register(t)
	v1 := reg.Active()

	cl, err := e.c.OpenClient("/cars")
	require.NoError(t, err)
	assert.Same(t, v1, cl.Controller())
	p := watch(cl)

	found := make(chan *ServiceWorker, 1)
	reg.OnUpdateFound(func(sw *ServiceWorker) { found <- sw })

	t.Run("unchanged script", func(t *testing.T) {
		require.NoError(t, reg.Update(context.Background()))
		assert.Nil(t, reg.Waiting())
		assert.Same(t, v1, reg.Active())
	})

	e.serveScript(script("v2"))
	require.NoError(t, reg.Update(context.Background()))

	v2 := reg.Waiting()
	require.NotNil(t, v2)
	assert.Equal(t, "v2", v2.Version())
	assert.Equal(t, StateInstalled, v2.State())
	assert.Same(t, v1, reg.Active())
	assert.Same(t, v1, cl.Controller())

	select {
	case sw := <-found:
		assert.Same(t, v2, sw)
	case <-time.After(time.Second):
		t.Fatal("updatefound not delivered")
	}

	states := make(chan State, 4)
	v2.OnStateChange(func(s State) { states <- s })

	require.NoError(t, v2.PostMessage(context.Background(), protocol.SkipWaiting()))
	assert.Same(t, v2, reg.Active())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, StateRedundant, v1.State())
	assert.Equal(t, StateActivated, v2.State())
	assert.Same(t, v2, cl.Controller())
	assert.ErrorIs(t, v1.PostMessage(context.Background(), protocol.RefreshPage()), ErrRedundant)

	assert.Eventually(t, func() bool {
		msgs, ctrls := p.snapshot()
		return len(msgs) == 1 && len(ctrls) == 1
	}, time.Second, 5*time.Millisecond)
	msgs, ctrls := p.snapshot()
	assert.Equal(t, protocol.TypeUpdateAvailable, msgs[0].Type)
	assert.Equal(t, "v2", msgs[0].Version())
	assert.Same(t, v2, ctrls[0])

	assert.Eventually(t, func() bool { return len(states) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateActivating, <-states)
	assert.Equal(t, StateActivated, <-states)

	keys, err := e.storage.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shellcache-static-v2", "shellcache-dynamic-v2"}, keys)
}

func TestUpdate_SkipWaitingScript(t *testing.T) {
	e := newEnv(t)
	reg := e.register(t)
	v1 := reg.Active()

	e.serveScript(script("v2", "skipWaiting: true"))
	require.NoError(t, reg.Update(context.Background()))
	require.NotNil(t, reg.Active())
	assert.Equal(t, "v2", reg.Active().Version())
	assert.Equal(t, StateRedundant, v1.State())
}

func TestUpdate_InvalidScriptKeepsActive(t *testing.T) {
	e := newEnv(t)
	reg := e.register(t)
	v1 := reg.Active()

	e.serveScript("routes: [")
	assert.ErrorIs(t, reg.Update(context.Background()), ErrInvalidScript)
	assert.Same(t, v1, reg.Active())
	assert.Equal(t, StateActivated, v1.State())
}

func TestActivate_ClaimsOpenClients(t *testing.T) {
	e := newEnv(t)
	cl, err := e.c.OpenClient("/app/cars")
	require.NoError(t, err)
	outside, err := e.c.OpenClient("/")
	require.NoError(t, err)
	assert.Nil(t, cl.Controller())
	p := watch(cl)

	reg, err := e.c.Register(context.Background(), scriptPath, RegisterOptions{Scope: "/app/"})
	require.NoError(t, err)
	assert.Same(t, reg.Active(), cl.Controller())
	assert.Nil(t, outside.Controller())
	_, ok := e.c.GetRegistration("/")
	assert.False(t, ok)

	assert.Eventually(t, func() bool {
		msgs, ctrls := p.snapshot()
		return len(ctrls) == 1 && len(msgs) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMessage_RefreshPageRebroadcasts(t *testing.T) {
	e := newEnv(t)
	reg := e.register(t)
	cl, err := e.c.OpenClient("/")
	require.NoError(t, err)
	p := watch(cl)

	require.NoError(t, reg.Active().PostMessage(context.Background(), protocol.RefreshPage()))
	assert.Eventually(t, func() bool {
		msgs, _ := p.snapshot()
		return len(msgs) == 1 && msgs[0].Version() == "v1"
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, reg.Active().PostMessage(context.Background(), protocol.Message{Type: "NOPE"}), protocol.ErrUnknownType)
}

func TestClient_Fetch(t *testing.T) {
	e := newEnv(t)
	e.mt.RegisterResponder(http.MethodGet, testOrigin+"/api/cars",
		httpmock.NewStringResponder(200, "[1]").Once().Then(httpmock.NewErrorResponder(errors.New("offline"))))

	plain, err := e.c.OpenClient("/")
	require.NoError(t, err)
	resp, err := plain.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/api/cars", nil))
	require.NoError(t, err)
	resp.Body.Close()

	e.register(t)
	cl, err := e.c.OpenClient("/")
	require.NoError(t, err)
	require.NotNil(t, cl.Controller())

	e.mt.RegisterResponder(http.MethodGet, testOrigin+"/api/cars",
		httpmock.NewStringResponder(200, "[1,2]").Once().Then(httpmock.NewErrorResponder(errors.New("offline"))))
	for i := 0; i < 2; i++ {
		resp, err := cl.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/api/cars", nil))
		require.NoError(t, err)
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, "[1,2]", string(b))
	}

	_, err = plain.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/api/cars", nil))
	assert.Error(t, err)
}

func TestUnregister(t *testing.T) {
	e := newEnv(t)
	reg := e.register(t)
	before, err := e.c.OpenClient("/")
	require.NoError(t, err)

	assert.True(t, reg.Unregister())
	assert.False(t, reg.Unregister())
	_, ok := e.c.GetRegistration("/")
	assert.False(t, ok)
	assert.ErrorIs(t, reg.Update(context.Background()), ErrUnregistered)

	assert.NotNil(t, before.Controller())
	after, err := e.c.OpenClient("/")
	require.NoError(t, err)
	assert.Nil(t, after.Controller())
}

func TestPeriodicSync(t *testing.T) {
	e := newEnv(t)
	e.register(t)
	before := e.mt.GetCallCountInfo()["GET "+testOrigin+"/"]

	e.c.PeriodicSync(context.Background())
	assert.Equal(t, before+1, e.mt.GetCallCountInfo()["GET "+testOrigin+"/"])
}

func TestPeriodicSync_Scheduled(t *testing.T) {
	mt := httpmock.NewMockTransport()
	storage := cachestore.NewMemory(0, nil)
	defer storage.Close()
	off, err := New(Options{Origin: testOrigin, Storage: storage, Network: &http.Client{Transport: mt}, PeriodicSyncInterval: -time.Second})
	require.NoError(t, err)
	assert.Nil(t, off.cron)
	require.NoError(t, off.Close())

	c, err := New(Options{Origin: testOrigin, Storage: storage, Network: &http.Client{Transport: mt}, PeriodicSyncInterval: time.Hour})
	require.NoError(t, err)
	require.NotNil(t, c.cron)
	assert.Len(t, c.cron.Entries(), 1)
	require.NoError(t, c.Close())
}

func TestContainer_Closed(t *testing.T) {
	e := newEnv(t)
	cl, err := e.c.OpenClient("/")
	require.NoError(t, err)
	require.NoError(t, e.c.Close())
	require.NoError(t, e.c.Close())

	_, err = e.c.Register(context.Background(), scriptPath, RegisterOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.c.OpenClient("/")
	assert.ErrorIs(t, err, ErrClosed)
	cl.Close()
}
