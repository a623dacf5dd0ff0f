package platform

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"shellcache/internal/protocol"
)

// Client is an open page. Its message and controllerchange callbacks run one
// at a time on the page's own event queue.
type Client struct {
	id  string
	url *url.URL
	c   *Container
	q   *eventQueue

	mu                 sync.Mutex
	controller         *ServiceWorker
	closed             bool
	onMessage          []func(protocol.Message)
	onControllerChange []func(*ServiceWorker)
}

func (cl *Client) ID() string  { return cl.id }
func (cl *Client) URL() string { return cl.url.String() }

// Controller is the worker answering this page's requests, or nil.
func (cl *Client) Controller() *ServiceWorker {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.controller
}

func (cl *Client) OnMessage(fn func(protocol.Message)) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.onMessage = append(cl.onMessage, fn)
}

func (cl *Client) OnControllerChange(fn func(*ServiceWorker)) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.onControllerChange = append(cl.onControllerChange, fn)
}

// Fetch issues req from the page: through its controller when it has one,
// straight to the network otherwise. Relative URLs resolve against the page.
func (cl *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	if !out.URL.IsAbs() {
		out.URL = cl.url.ResolveReference(out.URL)
	}
	if sw := cl.Controller(); sw != nil {
		resp, _, err := sw.fetch(ctx, out)
		return resp, err
	}
	return cl.c.network.Do(out)
}

// Close detaches the page. Events already queued are still delivered; it is
// safe to call from one of the page's own callbacks.
func (cl *Client) Close() {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return
	}
	cl.closed = true
	cl.mu.Unlock()
	cl.c.removeClient(cl)
	cl.q.close()
}

// setController switches the controller and queues a controllerchange event.
func (cl *Client) setController(sw *ServiceWorker) bool {
	cl.mu.Lock()
	if cl.closed || cl.controller == sw {
		cl.mu.Unlock()
		return false
	}
	cl.controller = sw
	cl.mu.Unlock()

	cl.q.push(func() {
		cl.mu.Lock()
		fns := append([]func(*ServiceWorker){}, cl.onControllerChange...)
		cl.mu.Unlock()
		for _, fn := range fns {
			fn(sw)
		}
	})
	return true
}

func (cl *Client) deliver(msg protocol.Message) {
	ok := cl.q.push(func() {
		cl.mu.Lock()
		fns := append([]func(protocol.Message){}, cl.onMessage...)
		cl.mu.Unlock()
		for _, fn := range fns {
			fn(msg)
		}
	})
	if !ok {
		cl.c.log.Debug("message to closed client dropped", zap.String("client", cl.id), zap.String("type", string(msg.Type)))
	}
}
